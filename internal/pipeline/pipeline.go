// Package pipeline defines the boundary to the workspace data engine. The
// gateway treats the engine as opaque: it forwards queries and transactions
// and fans engine broadcasts back out to attached sessions.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"

	"huddle.is/huddle/internal/token"
	"huddle.is/huddle/internal/wire"
)

// ErrUpgradeRequired is returned by a Factory to signal that the workspace
// data needs migration before ordinary clients may attach.
var ErrUpgradeRequired = errors.New("workspace requires upgrade")

// Pipeline is one workspace's connection to the data engine.
type Pipeline interface {
	// FindAll runs a read query against a class of objects.
	FindAll(ctx context.Context, class string, query, options json.RawMessage) (json.RawMessage, error)

	// Tx applies a transaction.
	Tx(ctx context.Context, tx json.RawMessage) (json.RawMessage, error)

	// Close tears the pipeline down. Calls after Close fail.
	Close(ctx context.Context) error
}

// Broadcast is an engine-originated push aimed at a workspace's sessions.
type Broadcast struct {
	// Workspace is the canonical workspace key.
	Workspace string

	// From is the session id whose transaction caused the push; empty for
	// engine-initiated pushes.
	From string

	// Target restricts delivery to the named user emails. Empty means all.
	Target []string

	// Payload is the push envelope, carrying a zero ID.
	Payload *wire.Response
}

// Emitter receives broadcasts from the engine.
type Emitter func(Broadcast)

// Factory builds the pipeline for a workspace. It is invoked at most once
// per workspace instance; upgrade is true when the attach came from
// migration tooling.
type Factory func(ctx context.Context, ws token.WorkspaceRef, upgrade bool, emit Emitter) (Pipeline, error)

type originKey struct{}

// WithOrigin tags ctx with the session id submitting a transaction, so the
// engine can stamp broadcasts with their originator.
func WithOrigin(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, originKey{}, sessionID)
}

// OriginFromContext returns the session id set by WithOrigin, or "".
func OriginFromContext(ctx context.Context) string {
	s, _ := ctx.Value(originKey{}).(string)
	return s
}
