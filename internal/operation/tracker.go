// Package operation tracks the server-side long-running operations that
// clients may cancel.
package operation

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/cardwire/internal/protocol"
	"github.com/google/uuid"
)

// ErrNotRunning is returned when cancelling an operation that is unknown or
// already finished.
var ErrNotRunning = errors.New("operation not running")

// NotRunningLabel is the label of the synthetic reply to such a cancel.
const NotRunningLabel = "Not running"

type entry struct {
	op        protocol.Operation
	owner     string
	cardID    string
	cancel    context.CancelFunc
	startedAt time.Time
}

// Tracker is the registry of running operations. It is safe for concurrent
// use: operations run in their own goroutines while cancel requests arrive
// from the connection read loop.
type Tracker struct {
	mu     sync.Mutex
	ops    map[string]*entry
	newID  func() string
	logger *slog.Logger
}

// NewTracker creates an empty tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		ops:    make(map[string]*entry),
		newID:  uuid.NewString,
		logger: logger,
	}
}

// Start registers a new operation in the processing stage on behalf of owner,
// typically one client connection. The returned context is cancelled by
// Cancel or when the operation finishes.
func (t *Tracker) Start(parent context.Context, owner, cardID, label string) (context.Context, protocol.Operation) {
	ctx, cancel := context.WithCancel(parent)
	op := protocol.Operation{
		OperationID: t.newID(),
		Stage:       protocol.StageProcessing,
		Label:       label,
		Cancellable: protocol.StageProcessing.DefaultCancellable(),
	}

	t.mu.Lock()
	t.ops[op.OperationID] = &entry{
		op:        op,
		owner:     owner,
		cardID:    cardID,
		cancel:    cancel,
		startedAt: time.Now(),
	}
	t.mu.Unlock()
	return ctx, op
}

// Advance moves a running operation forward. A stage earlier than the
// current one is ignored and the current state returned.
func (t *Tracker) Advance(id string, stage protocol.Stage, label string) (protocol.Operation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.ops[id]
	if !ok {
		return protocol.Operation{}, false
	}
	if stage.Rank() >= e.op.Stage.Rank() {
		e.op.Stage = stage
		e.op.Cancellable = stage.DefaultCancellable()
		if label != "" {
			e.op.Label = label
		}
	}
	return e.op, true
}

// Finish removes an operation and releases its context.
func (t *Tracker) Finish(id string) {
	t.mu.Lock()
	e, ok := t.ops[id]
	delete(t.ops, id)
	t.mu.Unlock()
	if ok {
		e.cancel()
	}
}

// Cancel requests cooperative cancellation. The operation stays registered
// until its goroutine calls Finish.
func (t *Tracker) Cancel(id string) error {
	t.mu.Lock()
	e, ok := t.ops[id]
	if ok && !e.op.Stage.Terminal() {
		e.op.Stage = protocol.StageCancelled
		e.op.Cancellable = false
	} else {
		ok = false
	}
	t.mu.Unlock()

	if !ok {
		return ErrNotRunning
	}
	e.cancel()
	t.logger.Info("Operation cancelled", "operation_id", id, "card_id", e.cardID, "elapsed", time.Since(e.startedAt))
	return nil
}

// CancelOwner cancels every running operation started by owner and returns
// how many there were.
func (t *Tracker) CancelOwner(owner string) int {
	t.mu.Lock()
	var ids []string
	for id, e := range t.ops {
		if e.owner == owner {
			ids = append(ids, id)
		}
	}
	t.mu.Unlock()

	n := 0
	for _, id := range ids {
		if t.Cancel(id) == nil {
			n++
		}
	}
	return n
}

// Get returns the current state of an operation.
func (t *Tracker) Get(id string) (protocol.Operation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.ops[id]
	if !ok {
		return protocol.Operation{}, false
	}
	return e.op, true
}

// Running returns the number of registered operations.
func (t *Tracker) Running() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ops)
}

// NotRunningReply is the answer to cancelling an operation that is not
// running. The operation id is carried in RunID because no real run exists.
func NotRunningReply(operationID string) protocol.ServerMessage {
	return protocol.ServerMessage{
		RunID: operationID,
		State: protocol.StateError,
		Operation: &protocol.Operation{
			OperationID: operationID,
			Stage:       protocol.StageError,
			Label:       NotRunningLabel,
			Cancellable: false,
		},
	}
}
