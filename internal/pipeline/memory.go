package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"huddle.is/huddle/internal/token"
	"huddle.is/huddle/internal/wire"
)

// Memory is a small in-process engine used by dev mode and tests. Objects
// live in per-class lists; every transaction is broadcast to the workspace.
type Memory struct {
	mu      sync.Mutex
	key     string
	emit    Emitter
	classes map[string][]json.RawMessage
	closed  bool
}

// NewMemoryFactory returns a Factory producing a fresh Memory engine per
// workspace.
func NewMemoryFactory() Factory {
	return func(ctx context.Context, ws token.WorkspaceRef, upgrade bool, emit Emitter) (Pipeline, error) {
		return &Memory{
			key:     strings.ToLower(strings.TrimSpace(ws.Name)),
			emit:    emit,
			classes: make(map[string][]json.RawMessage),
		}, nil
	}
}

// txEntry is one operation inside a Memory transaction.
type txEntry struct {
	Class  string          `json:"class"`
	Object json.RawMessage `json:"object"`
}

// FindAll returns every stored object of the class as a JSON array. The
// dev engine ignores query and options.
func (m *Memory) FindAll(ctx context.Context, class string, query, options json.RawMessage) (json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("pipeline closed")
	}

	objs := m.classes[class]
	out := make([]json.RawMessage, len(objs))
	copy(out, objs)
	result, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return result, nil
}

// Tx applies a transaction: either a single entry or an array of entries,
// each {class, object}. One broadcast per transaction carries the applied
// entries to the workspace.
func (m *Memory) Tx(ctx context.Context, tx json.RawMessage) (json.RawMessage, error) {
	entries, err := parseTx(tx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("pipeline closed")
	}
	for _, e := range entries {
		m.classes[e.Class] = append(m.classes[e.Class], e.Object)
	}
	emit := m.emit
	key := m.key
	m.mu.Unlock()

	if emit != nil {
		payload, _ := json.Marshal(map[string]any{"tx": entries})
		emit(Broadcast{
			Workspace: key,
			From:      OriginFromContext(ctx),
			Payload:   &wire.Response{Result: payload},
		})
	}

	result, _ := json.Marshal(map[string]int{"applied": len(entries)})
	return result, nil
}

func parseTx(tx json.RawMessage) ([]txEntry, error) {
	trimmed := strings.TrimSpace(string(tx))
	if trimmed == "" {
		return nil, fmt.Errorf("empty transaction")
	}

	var entries []txEntry
	if trimmed[0] == '[' {
		if err := json.Unmarshal(tx, &entries); err != nil {
			return nil, fmt.Errorf("parsing transaction: %w", err)
		}
	} else {
		var single txEntry
		if err := json.Unmarshal(tx, &single); err != nil {
			return nil, fmt.Errorf("parsing transaction: %w", err)
		}
		entries = []txEntry{single}
	}

	for i, e := range entries {
		if e.Class == "" {
			return nil, fmt.Errorf("transaction entry %d missing class", i)
		}
	}
	return entries, nil
}

// Close shuts the engine down.
func (m *Memory) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
