package metrics

import "sync"

// KeySendData accumulates the serialized byte length of every frame a
// connection writes.
const KeySendData = "send-data"

// Context accumulates named counters for a single connection. The socket
// records into it on every write; the registry mirrors the well-known keys.
type Context struct {
	mu     sync.Mutex
	counts map[string]int64
	reg    *Registry
}

// NewContext creates a per-connection metric context. reg may be nil in
// tests; recorded values are then kept locally only.
func NewContext(reg *Registry) *Context {
	return &Context{
		counts: make(map[string]int64),
		reg:    reg,
	}
}

// Record adds delta under key.
func (c *Context) Record(key string, delta int64) {
	c.mu.Lock()
	c.counts[key] += delta
	c.mu.Unlock()

	if c.reg != nil && key == KeySendData {
		c.reg.FramesSent.Inc()
		c.reg.BytesSent.Add(float64(delta))
	}
}

// Get returns the accumulated value for key.
func (c *Context) Get(key string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}

// Snapshot returns a copy of all accumulated counters.
func (c *Context) Snapshot() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]int64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}
