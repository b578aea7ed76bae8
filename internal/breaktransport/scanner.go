package breaktransport

import (
	"context"
	"sync"
	"time"

	"github.com/fenwickfs/fenwick/internal/logger"
	"github.com/fenwickfs/fenwick/internal/metrics"
	"github.com/fenwickfs/fenwick/pkg/openfile"
)

// ScanInterval is how often the Scanner checks for expired breaks.
const ScanInterval = 1 * time.Second

// TimeoutCallback is notified when a parked open's break timed out without
// a reply, after the deferred placeholder has already been cleared —
// mirrors OpLockBreakCallback.OnLeaseBreakTimeout.
type TimeoutCallback interface {
	OnBreakTimeout(rec *openfile.DeferredOpenRecord)
}

// Scanner periodically force-resolves deferred opens whose oplock break
// timed out without an acknowledged reply: a ticker-driven background
// loop with idempotent Start/Stop and a callback for the owning subsystem
// to clean up its own state.
type Scanner struct {
	deferred *openfile.DeferredQueue
	store    openfile.ShareStore
	callback TimeoutCallback
	metrics  *metrics.Metrics
	now      func() time.Time

	scanInterval time.Duration

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	stopped chan struct{}
}

// NewScanner returns a Scanner with the default ScanInterval.
func NewScanner(deferred *openfile.DeferredQueue, store openfile.ShareStore, callback TimeoutCallback, m *metrics.Metrics) *Scanner {
	return NewScannerWithInterval(deferred, store, callback, m, ScanInterval)
}

// NewScannerWithInterval returns a Scanner polling at scanInterval, mainly
// useful for tests that want to observe a timeout quickly.
func NewScannerWithInterval(deferred *openfile.DeferredQueue, store openfile.ShareStore, callback TimeoutCallback, m *metrics.Metrics, scanInterval time.Duration) *Scanner {
	if scanInterval <= 0 {
		scanInterval = ScanInterval
	}
	return &Scanner{
		deferred:     deferred,
		store:        store,
		callback:     callback,
		metrics:      m,
		now:          time.Now,
		scanInterval: scanInterval,
	}
}

// Start begins the background scan loop. Safe to call multiple times —
// subsequent calls while already running are no-ops.
func (s *Scanner) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stop = make(chan struct{})
	s.stopped = make(chan struct{})
	s.mu.Unlock()

	go s.scanLoop()
}

// Stop halts the scan loop and blocks until it has exited. Safe to call
// multiple times, and safe to call when Start was never called.
func (s *Scanner) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	stopped := s.stopped
	s.mu.Unlock()

	<-stopped
}

// IsRunning reports whether the scan loop is active.
func (s *Scanner) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scanner) scanLoop() {
	defer close(s.stopped)

	ticker := time.NewTicker(s.scanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.scanExpiredBreaks(context.Background())
		}
	}
}

// scanExpiredBreaks force-resolves every deferred record whose deadline has
// passed: the placeholder ShareEntry is cleared from the ShareModeSet so
// arbitration no longer treats the break as outstanding, the record is
// dropped from the DeferredQueue, and the callback (if any) is notified so
// the transport layer can fail the parked request back to its client.
func (s *Scanner) scanExpiredBreaks(ctx context.Context) {
	now := s.now()
	for _, rec := range s.deferred.TimedOut(now) {
		if err := s.store.Mutate(ctx, rec.FileID, func(set *openfile.ShareModeSet) error {
			if _, idx, found := set.FindDeferred(rec.Mid); found {
				set.RemoveAt(idx)
			}
			return nil
		}); err != nil {
			logger.Warn("breaktransport: failed to clear timed-out deferred placeholder",
				logger.Mid(rec.Mid), logger.FileID(rec.FileID.String()), logger.Err(err))
			continue
		}

		s.deferred.Remove(rec.Mid)

		s.metrics.ObserveDeferredTimeout()
		s.metrics.ObserveBreakDuration(metrics.StatusError, now.Sub(rec.RequestTime))

		logger.Warn("breaktransport: oplock break timed out, forcing deferred open through",
			logger.Mid(rec.Mid), logger.FileID(rec.FileID.String()))

		if s.callback != nil {
			s.callback.OnBreakTimeout(rec)
		}
	}
}
