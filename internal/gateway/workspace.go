package gateway

import (
	"context"
	"sync"
	"sync/atomic"

	"huddle.is/huddle/internal/pipeline"
	"huddle.is/huddle/internal/token"
)

// Workspace lifecycle states as reported in statistics.
const (
	StateBooting   = "booting"
	StateReady     = "ready"
	StateUpgrading = "upgrading"
	StateClosing   = "closing"
)

// CloseReason says why a workspace teardown was started.
type CloseReason string

const (
	// ReasonUpgrade tears sessions down but keeps the workspace entry
	// as an admission window for migration tooling.
	ReasonUpgrade CloseReason = "upgrade"

	// ReasonShutdown removes the workspace entirely.
	ReasonShutdown CloseReason = "shutdown"
)

// binding ties a session to the socket it arrived on. The registry
// tracks bindings in both the per-workspace map and the flat index.
type binding struct {
	session *Session
	socket  *Socket
}

// pipelineFuture is a one-shot result multiple attachments can await.
type pipelineFuture struct {
	done chan struct{}
	once sync.Once
	p    pipeline.Pipeline
	err  error
}

func newPipelineFuture() *pipelineFuture {
	return &pipelineFuture{done: make(chan struct{})}
}

// resolve publishes the result. Later calls are ignored.
func (f *pipelineFuture) resolve(p pipeline.Pipeline, err error) {
	f.once.Do(func() {
		f.p, f.err = p, err
		close(f.done)
	})
}

// await blocks until the future resolves or ctx ends.
func (f *pipelineFuture) await(ctx context.Context) (pipeline.Pipeline, error) {
	select {
	case <-f.done:
		return f.p, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolved reports whether the future has a result, without blocking.
func (f *pipelineFuture) resolved() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// peek returns the result when resolved, else nils.
func (f *pipelineFuture) peek() (pipeline.Pipeline, error) {
	if !f.resolved() {
		return nil, nil
	}
	return f.p, f.err
}

// closeFuture is the barrier attachments wait on while a workspace
// tears down.
type closeFuture struct {
	done chan struct{}
	once sync.Once
}

func newCloseFuture() *closeFuture {
	return &closeFuture{done: make(chan struct{})}
}

func (f *closeFuture) resolve() {
	f.once.Do(func() { close(f.done) })
}

func (f *closeFuture) wait(ctx context.Context) error {
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Workspace is one collaborative document room. It is a passive record;
// all behavior lives in the manager, and every field except the future
// is guarded by the manager's registry lock.
type Workspace struct {
	ref token.WorkspaceRef
	key string

	// future is swapped when the pipeline is replaced during an
	// upgrade, so it carries its own synchronization.
	future atomic.Pointer[pipelineFuture]

	sessions       map[string]*binding
	upgrade        bool
	backup         bool
	closing        *closeFuture
	closeReason    CloseReason
	softShutdown   int
	factoryStarted bool
}

func newWorkspace(ref token.WorkspaceRef, key string) *Workspace {
	w := &Workspace{
		ref:      ref,
		key:      key,
		sessions: make(map[string]*binding),
	}
	w.future.Store(newPipelineFuture())
	return w
}

// Key returns the canonical registry key.
func (w *Workspace) Key() string {
	return w.key
}

// Name returns the workspace name as presented in the token.
func (w *Workspace) Name() string {
	return w.ref.Name
}

// Ref returns the token workspace reference.
func (w *Workspace) Ref() token.WorkspaceRef {
	return w.ref
}

// Pipeline waits for the workspace's data pipeline. Attachments and
// requests that race the pipeline construction all land here.
func (w *Workspace) Pipeline(ctx context.Context) (pipeline.Pipeline, error) {
	return w.future.Load().await(ctx)
}

// stateLocked derives the lifecycle state. Caller holds the registry
// lock. A workspace closing for shutdown reads as closing even when
// the upgrade flag is still set from an earlier window.
func (w *Workspace) stateLocked() string {
	switch {
	case w.closing != nil && w.closeReason == ReasonShutdown:
		return StateClosing
	case w.upgrade:
		return StateUpgrading
	case w.closing != nil:
		return StateClosing
	case !w.future.Load().resolved():
		return StateBooting
	default:
		return StateReady
	}
}
