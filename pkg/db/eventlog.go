package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// EventLog batches event appends so a burst of fills does not serialize on
// fsync. Events keep their real-time order; Flush drains the buffer inside a
// single transaction. Trades are never batched, only audit events.
type EventLog struct {
	store       *Store
	log         *logrus.Logger
	mu          sync.Mutex
	buffer      []Event
	maxSize     int
	flushIntval time.Duration
	done        chan struct{}
	wg          sync.WaitGroup
}

// NewEventLog creates the buffered appender and starts its background flush.
func NewEventLog(store *Store, log *logrus.Logger, maxSize int, interval time.Duration) *EventLog {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	el := &EventLog{
		store:       store,
		log:         log,
		buffer:      make([]Event, 0, maxSize),
		maxSize:     maxSize,
		flushIntval: interval,
		done:        make(chan struct{}),
	}
	el.wg.Add(1)
	go el.backgroundFlush()
	return el
}

// Append buffers one event for the next flush.
func (el *EventLog) Append(ev Event) {
	el.mu.Lock()
	el.buffer = append(el.buffer, ev)
	shouldFlush := len(el.buffer) >= el.maxSize
	el.mu.Unlock()

	if shouldFlush {
		el.Flush()
	}
}

// Flush writes all buffered events in one transaction.
func (el *EventLog) Flush() {
	el.mu.Lock()
	if len(el.buffer) == 0 {
		el.mu.Unlock()
		return
	}
	batch := el.buffer
	el.buffer = make([]Event, 0, el.maxSize)
	el.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	tx, err := el.store.DB.BeginTx(ctx, nil)
	if err != nil {
		el.log.WithError(err).Error("event log: begin transaction")
		el.fallback(ctx, batch)
		return
	}
	for i := range batch {
		if err := appendEventTx(ctx, tx, &batch[i]); err != nil {
			tx.Rollback()
			el.log.WithError(err).Error("event log: batch insert, retrying row by row")
			el.fallback(ctx, batch)
			return
		}
	}
	if err := tx.Commit(); err != nil {
		el.log.WithError(err).Error("event log: commit")
	}
}

// fallback appends one by one so a single bad row cannot drop the batch.
func (el *EventLog) fallback(ctx context.Context, batch []Event) {
	for i := range batch {
		if err := el.store.AppendEvent(ctx, &batch[i]); err != nil {
			el.log.WithError(err).WithField("event_type", batch[i].Type).
				Error("event log: append failed")
		}
	}
}

func (el *EventLog) backgroundFlush() {
	defer el.wg.Done()
	ticker := time.NewTicker(el.flushIntval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			el.Flush()
		case <-el.done:
			el.Flush()
			return
		}
	}
}

// Close flushes pending events and stops the background goroutine.
func (el *EventLog) Close() {
	close(el.done)
	el.wg.Wait()
}

func appendEventTx(ctx context.Context, tx *sql.Tx, ev *Event) error {
	blob, err := json.Marshal(ev.Details)
	if err != nil {
		return fmt.Errorf("marshal event details: %w", err)
	}
	var tradeID any
	if ev.TradeID != "" {
		tradeID = ev.TradeID
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO events (trade_id, event_type, details, timestamp) VALUES (?,?,?,?)`,
		tradeID, ev.Type, string(blob), timeToStr(ev.Timestamp))
	if err != nil {
		return err
	}
	ev.ID, _ = res.LastInsertId()
	return nil
}
