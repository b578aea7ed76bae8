// Package breaktransport addresses oplock-break messages to the process
// that holds the conflicting handle and times out breaks that never get
// an acknowledged reply. Dispatcher routes a break to whichever handler
// owns the target process; Scanner force-resolves deferred opens whose
// break deadline passed without a reply.
package breaktransport

import (
	"context"
	"fmt"
	"sync"

	"github.com/fenwickfs/fenwick/internal/logger"
	"github.com/fenwickfs/fenwick/pkg/openfile"
)

// Handler delivers one break to the connection that owns a ServerProcessID.
// Protocol adapters register a Handler per process at session setup and
// unregister it on disconnect.
type Handler func(ctx context.Context, target openfile.ShareEntry, newType openfile.OplockType, mid uint64) error

// Dispatcher implements openfile.BreakSender by looking up the Handler
// registered for the target entry's ServerProcessID and invoking it. A
// break with no registered handler (the owning process already
// disconnected) is not an error — the deferred request will simply time
// out and the Scanner will force it through.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers map[uint32]Handler
}

// NewDispatcher returns a Dispatcher with no handlers registered.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[uint32]Handler)}
}

// Register installs h as the break handler for serverProcessID, replacing
// any previous registration.
func (d *Dispatcher) Register(serverProcessID uint32, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[serverProcessID] = h
}

// Unregister removes serverProcessID's break handler, if any.
func (d *Dispatcher) Unregister(serverProcessID uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.handlers, serverProcessID)
}

// SendBreak implements openfile.BreakSender.
func (d *Dispatcher) SendBreak(ctx context.Context, target openfile.ShareEntry, newType openfile.OplockType, mid uint64) error {
	d.mu.RLock()
	h, ok := d.handlers[target.ServerProcessID]
	d.mu.RUnlock()

	if !ok {
		logger.DebugCtx(ctx, "breaktransport: no handler registered for break target",
			logger.PID(target.ServerProcessID), logger.Mid(mid))
		return nil
	}

	if err := h(ctx, target, newType, mid); err != nil {
		return fmt.Errorf("breaktransport: deliver break to process %d: %w", target.ServerProcessID, err)
	}
	return nil
}

var _ openfile.BreakSender = (*Dispatcher)(nil)
