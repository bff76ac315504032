package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"huddle.is/huddle/internal/clock"
	"huddle.is/huddle/internal/pipeline"
	"huddle.is/huddle/internal/wire"
)

// Counters holds per-operation totals.
type Counters struct {
	Find uint64 `json:"find"`
	Tx   uint64 `json:"tx"`
}

// Window holds the exponentially decayed five-minute rates. Each roll
// folds the closing interval in with a 0.8/0.2 split.
type Window struct {
	Find float64 `json:"find"`
	Tx   float64 `json:"tx"`
}

// Stats is a session's operation statistics. Total only grows; Current
// counts the interval since the last roll; Mins5 is the decayed window.
type Stats struct {
	Total   Counters `json:"total"`
	Current Counters `json:"current"`
	Mins5   Window   `json:"mins5"`
}

// PendingRequest is one in-flight operation.
type PendingRequest struct {
	ID     wire.ID
	Method string
	Start  time.Time
}

// SessionOptions carries the negotiated connection flags into the
// session.
type SessionOptions struct {
	// SessionID is the client's prior session id on reconnect; empty
	// for a fresh attach.
	SessionID string

	// Binary selects length-prefixed binary framing.
	Binary bool

	// Compression enables per-frame compression for large payloads.
	Compression bool

	// Broadcast opts the session into engine broadcast delivery.
	Broadcast bool
}

// Session is one authenticated client attached to a workspace. Requests
// delegate to the workspace pipeline; the session tracks what is in
// flight and keeps its own operation counters.
type Session struct {
	id      string
	user    string
	created time.Time
	ws      *Workspace
	clk     clock.Clock

	binaryMode     bool
	useCompression bool
	useBroadcast   bool
	upgradeClient  bool

	pingSeq   atomic.Int64
	closed    atomic.Bool
	upgrading atomic.Bool

	mu       sync.Mutex
	lastSeen time.Time
	pending  map[string]PendingRequest
	anonSeq  uint64
	stats    Stats
}

func newSession(id, user string, ws *Workspace, upgradeClient bool, opts SessionOptions, clk clock.Clock) *Session {
	now := clk.Now()
	return &Session{
		id:             id,
		user:           user,
		created:        now,
		ws:             ws,
		clk:            clk,
		binaryMode:     opts.Binary,
		useCompression: opts.Compression,
		useBroadcast:   opts.Broadcast,
		upgradeClient:  upgradeClient,
		lastSeen:       now,
		pending:        make(map[string]PendingRequest),
	}
}

// ID returns the client-visible session id, stable across reconnects
// that present it.
func (s *Session) ID() string {
	return s.id
}

// User returns the account email the session authenticated as.
func (s *Session) User() string {
	return s.user
}

// Workspace returns the workspace the session is attached to.
func (s *Session) Workspace() *Workspace {
	return s.ws
}

// Created returns the attach time.
func (s *Session) Created() time.Time {
	return s.created
}

// LastSeen returns the time of the last request or ping.
func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// BinaryMode reports whether frames to this session use binary framing.
func (s *Session) BinaryMode() bool {
	return s.binaryMode
}

// UseCompression reports whether large frames to this session are
// compressed.
func (s *Session) UseCompression() bool {
	return s.useCompression
}

// UseBroadcast reports whether the session receives engine broadcasts.
func (s *Session) UseBroadcast() bool {
	return s.useBroadcast
}

// IsUpgradeClient reports whether the session authenticated with the
// upgrade role.
func (s *Session) IsUpgradeClient() bool {
	return s.upgradeClient
}

// Ping bumps the liveness counter and returns the new value. Tokens
// are strictly increasing for the life of the session, so a client can
// detect a silently replaced session by a counter reset.
func (s *Session) Ping() int64 {
	s.touch()
	return s.pingSeq.Add(1)
}

// FindAll runs a read query through the workspace pipeline. It waits
// for the pipeline to come up on a freshly created workspace.
func (s *Session) FindAll(ctx context.Context, id wire.ID, class string, query, options json.RawMessage) (json.RawMessage, error) {
	if s.closed.Load() {
		return nil, s.closeError()
	}
	p, err := s.ws.Pipeline(ctx)
	if err != nil {
		return nil, err
	}
	finish := s.begin(id, "findAll")
	defer finish()
	return p.FindAll(ctx, class, query, options)
}

// Tx applies a transaction through the workspace pipeline. The context
// is tagged with this session's id so the engine can stamp resulting
// broadcasts with their originator.
func (s *Session) Tx(ctx context.Context, id wire.ID, tx json.RawMessage) (json.RawMessage, error) {
	if s.closed.Load() {
		return nil, s.closeError()
	}
	p, err := s.ws.Pipeline(ctx)
	if err != nil {
		return nil, err
	}
	finish := s.begin(id, "tx")
	defer finish()
	return p.Tx(pipeline.WithOrigin(ctx, s.id), tx)
}

// begin registers an in-flight request and bumps the operation
// counters. The returned func removes the entry.
func (s *Session) begin(id wire.ID, method string) func() {
	s.mu.Lock()
	key := id.String()
	if id.IsZero() {
		s.anonSeq++
		key = fmt.Sprintf("anon-%d", s.anonSeq)
	}
	s.pending[key] = PendingRequest{ID: id, Method: method, Start: s.clk.Now()}
	s.lastSeen = s.clk.Now()
	switch method {
	case "findAll":
		s.stats.Current.Find++
		s.stats.Total.Find++
	case "tx":
		s.stats.Current.Tx++
		s.stats.Total.Tx++
	}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.pending, key)
		s.mu.Unlock()
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastSeen = s.clk.Now()
	s.mu.Unlock()
}

// PendingCount returns the number of in-flight requests.
func (s *Session) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Pending returns a snapshot of the in-flight requests.
func (s *Session) Pending() []PendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PendingRequest, 0, len(s.pending))
	for _, r := range s.pending {
		out = append(out, r)
	}
	return out
}

// Stats returns a copy of the session's statistics.
func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// RollStats folds the current interval into the decayed window and
// resets the interval counters. Totals are untouched.
func (s *Session) RollStats() {
	s.mu.Lock()
	s.stats.Mins5.Find = 0.8*s.stats.Mins5.Find + 0.2*float64(s.stats.Current.Find)
	s.stats.Mins5.Tx = 0.8*s.stats.Mins5.Tx + 0.2*float64(s.stats.Current.Tx)
	s.stats.Current = Counters{}
	s.mu.Unlock()
}

// WipeStats zeroes every counter, including totals.
func (s *Session) WipeStats() {
	s.mu.Lock()
	s.stats = Stats{}
	s.mu.Unlock()
}

// MarkClosed flags the session as detached. Requests arriving after
// this answer with a shutting-down error.
func (s *Session) MarkClosed() {
	s.closed.Store(true)
}

// MarkUpgrading flags the session as detached by an upgrade teardown.
// Late requests answer with the upgrading error so clients reconnect
// instead of backing off.
func (s *Session) MarkUpgrading() {
	s.upgrading.Store(true)
	s.closed.Store(true)
}

// IsClosed reports whether the session has been detached.
func (s *Session) IsClosed() bool {
	return s.closed.Load()
}

func (s *Session) closeError() *wire.Error {
	if s.upgrading.Load() {
		return wire.NewError(wire.CodeUpgrading, "workspace is being upgraded")
	}
	return wire.NewError(wire.CodeShuttingDown, "workspace is closing")
}
