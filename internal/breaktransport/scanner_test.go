package breaktransport

import (
	"context"
	"testing"
	"time"

	"github.com/fenwickfs/fenwick/pkg/openfile"
	"github.com/fenwickfs/fenwick/pkg/openfile/sharestore/memory"
)

type recordingCallback struct {
	timedOut []*openfile.DeferredOpenRecord
}

func (c *recordingCallback) OnBreakTimeout(rec *openfile.DeferredOpenRecord) {
	c.timedOut = append(c.timedOut, rec)
}

func TestScanExpiredBreaksClearsPlaceholderAndNotifies(t *testing.T) {
	store := memory.New()
	deferred := openfile.NewDeferredQueue()
	cb := &recordingCallback{}
	s := NewScannerWithInterval(deferred, store, cb, nil, time.Millisecond)

	fileID := openfile.FileId{Device: 1, Inode: 1}
	requestTime := time.Unix(0, 0)

	if _, err := deferred.Defer(55, fileID, requestTime, 10*time.Second, true); err != nil {
		t.Fatalf("Defer: %v", err)
	}
	if err := store.Mutate(context.Background(), fileID, func(set *openfile.ShareModeSet) error {
		return set.Add(openfile.ShareEntry{
			ServerProcessID: 1,
			OplockType:      openfile.OplockDeferred,
			OpMid:           55,
			FileID:          fileID,
			OpenTime:        requestTime,
		})
	}); err != nil {
		t.Fatalf("seed placeholder: %v", err)
	}

	s.now = func() time.Time { return requestTime.Add(time.Hour) }
	s.scanExpiredBreaks(context.Background())

	if _, ok := deferred.Lookup(55); ok {
		t.Fatal("expected deferred record to be removed after timeout")
	}
	if len(cb.timedOut) != 1 || cb.timedOut[0].Mid != 55 {
		t.Fatalf("expected callback notified with mid 55, got %+v", cb.timedOut)
	}

	set, err := store.Peek(context.Background(), fileID)
	if err == nil {
		if _, _, found := set.FindDeferred(55); found {
			t.Fatal("expected placeholder entry to be cleared from the share mode set")
		}
	}
}

func TestScanExpiredBreaksIgnoresUnexpiredRecords(t *testing.T) {
	store := memory.New()
	deferred := openfile.NewDeferredQueue()
	s := NewScannerWithInterval(deferred, store, nil, nil, time.Millisecond)

	fileID := openfile.FileId{Device: 2, Inode: 2}
	now := time.Unix(1000, 0)
	if _, err := deferred.Defer(1, fileID, now, time.Hour, true); err != nil {
		t.Fatalf("Defer: %v", err)
	}

	s.now = func() time.Time { return now.Add(time.Second) }
	s.scanExpiredBreaks(context.Background())

	if _, ok := deferred.Lookup(1); !ok {
		t.Fatal("expected unexpired record to remain parked")
	}
}

func TestStartStopIsIdempotentAndBlocksUntilExit(t *testing.T) {
	store := memory.New()
	deferred := openfile.NewDeferredQueue()
	s := NewScannerWithInterval(deferred, store, nil, nil, time.Millisecond)

	s.Start()
	s.Start()
	if !s.IsRunning() {
		t.Fatal("expected scanner to be running after Start")
	}

	s.Stop()
	s.Stop()
	if s.IsRunning() {
		t.Fatal("expected scanner to be stopped after Stop")
	}
}
