package battlelog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pokebattle-server/internal/battle"
)

var ErrNotFound = errors.New("BATTLE_NOT_FOUND: No summary for that session")

const schema = `
CREATE TABLE IF NOT EXISTS battle_moves (
	id           BIGSERIAL PRIMARY KEY,
	session_id   TEXT        NOT NULL,
	turn         INTEGER     NOT NULL,
	player       TEXT        NOT NULL,
	pokemon      TEXT        NOT NULL,
	move         TEXT        NOT NULL,
	damage       INTEGER     NOT NULL,
	remaining_hp INTEGER     NOT NULL,
	target       TEXT        NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS battle_moves_session_idx ON battle_moves (session_id, turn);

CREATE TABLE IF NOT EXISTS battle_summaries (
	session_id  TEXT PRIMARY KEY,
	player_a    TEXT        NOT NULL,
	player_b    TEXT        NOT NULL,
	team_a      TEXT[]      NOT NULL,
	team_b      TEXT[]      NOT NULL,
	winner      TEXT        NOT NULL,
	reason      TEXT        NOT NULL,
	duration_ms BIGINT      NOT NULL,
	total_turns INTEGER     NOT NULL,
	damage_a    INTEGER     NOT NULL,
	damage_b    INTEGER     NOT NULL,
	started_at  TIMESTAMPTZ,
	ended_at    TIMESTAMPTZ NOT NULL
);
`

// Store persists battle logs in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// Open connects to databaseURL and checks the connection.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return &Store{pool: pool}, nil
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() {
	s.pool.Close()
}

// Migrate creates the tables if they do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply battle log schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) InsertMove(ctx context.Context, m battle.MoveRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO battle_moves (session_id, turn, player, pokemon, move, damage, remaining_hp, target, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.SessionID, m.Turn, m.Player, m.Pokemon, m.Move, m.Damage, m.RemainingHP, m.Target, m.At,
	)
	if err != nil {
		return fmt.Errorf("failed to insert move %d of %s: %w", m.Turn, m.SessionID, err)
	}
	return nil
}

// InsertSummary stores the closing summary. A second summary for the same
// session replaces the first.
func (s *Store) InsertSummary(ctx context.Context, sum battle.Summary) error {
	var startedAt *time.Time
	if !sum.StartedAt.IsZero() {
		startedAt = &sum.StartedAt
	}

	_, err := s.pool.Exec(ctx, `
		INSERT INTO battle_summaries
			(session_id, player_a, player_b, team_a, team_b, winner, reason,
			 duration_ms, total_turns, damage_a, damage_b, started_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (session_id) DO UPDATE SET
			winner = EXCLUDED.winner,
			reason = EXCLUDED.reason,
			duration_ms = EXCLUDED.duration_ms,
			total_turns = EXCLUDED.total_turns,
			damage_a = EXCLUDED.damage_a,
			damage_b = EXCLUDED.damage_b,
			ended_at = EXCLUDED.ended_at`,
		sum.SessionID, sum.PlayerA, sum.PlayerB, nonNil(sum.TeamA), nonNil(sum.TeamB), sum.Winner, sum.Reason,
		sum.Duration.Milliseconds(), sum.TotalTurns, sum.DamageA, sum.DamageB, startedAt, sum.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert summary for %s: %w", sum.SessionID, err)
	}
	return nil
}

// ListMoves returns a session's moves in turn order.
func (s *Store) ListMoves(ctx context.Context, sessionID string) ([]battle.MoveRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, turn, player, pokemon, move, damage, remaining_hp, target, created_at
		FROM battle_moves
		WHERE session_id = $1
		ORDER BY turn, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query moves for %s: %w", sessionID, err)
	}

	moves, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (battle.MoveRecord, error) {
		var m battle.MoveRecord
		err := row.Scan(&m.SessionID, &m.Turn, &m.Player, &m.Pokemon, &m.Move, &m.Damage, &m.RemainingHP, &m.Target, &m.At)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read moves for %s: %w", sessionID, err)
	}
	return moves, nil
}

func (s *Store) GetSummary(ctx context.Context, sessionID string) (battle.Summary, error) {
	var (
		sum        battle.Summary
		durationMs int64
		startedAt  *time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT session_id, player_a, player_b, team_a, team_b, winner, reason,
		       duration_ms, total_turns, damage_a, damage_b, started_at, ended_at
		FROM battle_summaries
		WHERE session_id = $1`, sessionID).Scan(
		&sum.SessionID, &sum.PlayerA, &sum.PlayerB, &sum.TeamA, &sum.TeamB, &sum.Winner, &sum.Reason,
		&durationMs, &sum.TotalTurns, &sum.DamageA, &sum.DamageB, &startedAt, &sum.EndedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return battle.Summary{}, ErrNotFound
	}
	if err != nil {
		return battle.Summary{}, fmt.Errorf("failed to load summary for %s: %w", sessionID, err)
	}

	sum.Duration = time.Duration(durationMs) * time.Millisecond
	if startedAt != nil {
		sum.StartedAt = *startedAt
	}
	return sum, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
