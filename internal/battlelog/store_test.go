package battlelog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"pokebattle-server/internal/battle"
)

// setupTestStore starts a throwaway Postgres container with the schema applied.
func setupTestStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Postgres integration test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("battles"),
		postgres.WithUsername("battle"),
		postgres.WithPassword("battle"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	store, err := Open(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	require.NoError(t, store.Migrate(ctx))
	return store
}

func TestStore_MovesRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for turn := 3; turn >= 1; turn-- {
		require.NoError(t, store.InsertMove(ctx, battle.MoveRecord{
			SessionID:   "abc",
			Turn:        turn,
			Player:      "Alice",
			Pokemon:     "Kyogre",
			Move:        "Hydro Pump",
			Damage:      90 + turn,
			RemainingHP: 300 - turn*90,
			Target:      "Groudon",
			At:          at.Add(time.Duration(turn) * time.Second),
		}))
	}
	require.NoError(t, store.InsertMove(ctx, battle.MoveRecord{SessionID: "other", Turn: 1, At: at}))

	moves, err := store.ListMoves(ctx, "abc")
	require.NoError(t, err)
	require.Len(t, moves, 3)
	for i, m := range moves {
		assert.Equal(t, i+1, m.Turn)
	}
	assert.Equal(t, "Hydro Pump", moves[0].Move)
	assert.Equal(t, 91, moves[0].Damage)
	assert.True(t, at.Add(time.Second).Equal(moves[0].At))

	none, err := store.ListMoves(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStore_SummaryRoundTrip(t *testing.T) {
	assert := assert.New(t)
	store := setupTestStore(t)
	ctx := context.Background()
	started := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	sum := battle.Summary{
		SessionID:  "abc",
		PlayerA:    "Alice",
		PlayerB:    "Bob",
		TeamA:      []string{"Kyogre", "Groudon", "Rayquaza"},
		TeamB:      []string{"Dialga", "Palkia", "Giratina"},
		Winner:     "Alice",
		Reason:     "roster defeated",
		Duration:   95 * time.Second,
		TotalTurns: 17,
		DamageA:    870,
		DamageB:    610,
		StartedAt:  started,
		EndedAt:    started.Add(95 * time.Second),
	}
	require.NoError(t, store.InsertSummary(ctx, sum))

	got, err := store.GetSummary(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(sum.TeamA, got.TeamA)
	assert.Equal(sum.TeamB, got.TeamB)
	assert.Equal("Alice", got.Winner)
	assert.Equal(95*time.Second, got.Duration)
	assert.Equal(17, got.TotalTurns)
	assert.Equal(870, got.DamageA)
	assert.True(started.Equal(got.StartedAt))

	// A later summary for the same battle replaces the outcome
	sum.Winner = ""
	sum.Reason = "both players disconnected"
	require.NoError(t, store.InsertSummary(ctx, sum))
	got, err = store.GetSummary(ctx, "abc")
	require.NoError(t, err)
	assert.Empty(got.Winner)
	assert.Equal("both players disconnected", got.Reason)
}

func TestStore_SummaryNotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.GetSummary(context.Background(), "nope")

	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_WriterEndToEnd(t *testing.T) {
	store := setupTestStore(t)
	w := NewWriter(store, nil, 8)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	w.RecordMove(battle.MoveRecord{SessionID: "e2e", Turn: 1, Player: "Alice", At: time.Now()})
	w.RecordSummary(battle.Summary{SessionID: "e2e", PlayerA: "Alice", PlayerB: "Bob", EndedAt: time.Now()})

	require.Eventually(t, func() bool { return w.Written() == 2 }, 10*time.Second, 20*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	moves, err := store.ListMoves(context.Background(), "e2e")
	require.NoError(t, err)
	assert.Len(t, moves, 1)
	_, err = store.GetSummary(context.Background(), "e2e")
	assert.NoError(t, err)
}
