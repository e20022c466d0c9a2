package common

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// TimeSync tracks the offset between local and exchange server time. Signed
// requests must carry a timestamp inside the server's recvWindow, so the
// client stamps them with Now() rather than the local clock.
type TimeSync struct {
	getServerTime func(ctx context.Context) (int64, error)
	log           *logrus.Logger
	offset        int64 // milliseconds, server - local
	lastSync      time.Time
	syncInterval  time.Duration
	mu            sync.RWMutex
}

// NewTimeSync creates a time synchronization manager.
func NewTimeSync(getServerTime func(ctx context.Context) (int64, error), log *logrus.Logger) *TimeSync {
	return &TimeSync{
		getServerTime: getServerTime,
		log:           log,
		syncInterval:  30 * time.Minute,
	}
}

// Start performs an initial sync and keeps resyncing until ctx is done.
func (ts *TimeSync) Start(ctx context.Context) {
	if err := ts.Sync(ctx); err != nil {
		ts.log.WithError(err).Warn("initial time sync failed")
	}

	go func() {
		ticker := time.NewTicker(ts.syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ts.Sync(ctx); err != nil {
					ts.log.WithError(err).Warn("time sync failed")
				}
			}
		}
	}()
}

// Sync samples the server clock, assuming symmetric network latency.
func (ts *TimeSync) Sync(ctx context.Context) error {
	localBefore := time.Now().UnixMilli()
	serverTime, err := ts.getServerTime(ctx)
	if err != nil {
		return err
	}
	localAfter := time.Now().UnixMilli()

	localTime := localBefore + (localAfter-localBefore)/2

	ts.mu.Lock()
	ts.offset = serverTime - localTime
	ts.lastSync = time.Now()
	ts.mu.Unlock()

	ts.log.Debugf("time sync: offset=%dms", serverTime-localTime)
	return nil
}

// Now returns the current time in ms adjusted for server offset.
func (ts *TimeSync) Now() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return time.Now().UnixMilli() + ts.offset
}

// Offset returns the current offset in milliseconds.
func (ts *TimeSync) Offset() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.offset
}
