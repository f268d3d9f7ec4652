package battlelog

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"pokebattle-server/internal/battle"
)

// DefaultQueueSize bounds how many records may wait for the database.
const DefaultQueueSize = 1024

const writeTimeout = 5 * time.Second

// Sink is where the writer flushes records. *Store implements it.
type Sink interface {
	InsertMove(ctx context.Context, m battle.MoveRecord) error
	InsertSummary(ctx context.Context, s battle.Summary) error
}

type entry struct {
	move    *battle.MoveRecord
	summary *battle.Summary
}

// Writer is a battle.Recorder that never blocks the session: records go on a
// bounded queue and a single goroutine (Run) writes them in order. When the
// queue is full the record is dropped and counted.
type Writer struct {
	sink    Sink
	log     *zap.Logger
	queue   chan entry
	dropped atomic.Int64
	written atomic.Int64
}

func NewWriter(sink Sink, log *zap.Logger, size int) *Writer {
	if size <= 0 {
		size = DefaultQueueSize
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		sink:  sink,
		log:   log,
		queue: make(chan entry, size),
	}
}

func (w *Writer) RecordMove(m battle.MoveRecord) {
	w.enqueue(entry{move: &m})
}

func (w *Writer) RecordSummary(s battle.Summary) {
	w.enqueue(entry{summary: &s})
}

func (w *Writer) enqueue(e entry) {
	select {
	case w.queue <- e:
	default:
		n := w.dropped.Add(1)
		w.log.Warn("battle log queue full, record dropped", zap.Int64("dropped", n))
	}
}

// Run writes queued records until ctx is cancelled, then flushes what is
// already queued and returns.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case e := <-w.queue:
			w.write(ctx, e)
		case <-ctx.Done():
			w.drain(context.WithoutCancel(ctx))
			return nil
		}
	}
}

func (w *Writer) drain(ctx context.Context) {
	for {
		select {
		case e := <-w.queue:
			w.write(ctx, e)
		default:
			return
		}
	}
}

func (w *Writer) write(ctx context.Context, e entry) {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	var err error
	switch {
	case e.move != nil:
		err = w.sink.InsertMove(ctx, *e.move)
	case e.summary != nil:
		err = w.sink.InsertSummary(ctx, *e.summary)
	}
	if err != nil {
		w.log.Error("battle log write failed", zap.Error(err))
		return
	}
	w.written.Add(1)
}

func (w *Writer) Dropped() int64 { return w.dropped.Load() }

func (w *Writer) Written() int64 { return w.written.Load() }
