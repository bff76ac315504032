package analytics

import (
	"huddle.is/huddle/internal/logging"
)

// LogBridge forwards hub events into the structured log so operators
// get one consolidated event stream without each producer logging
// twice.
type LogBridge struct {
	hub    *Hub
	logger *logging.Logger
	events <-chan Event
	stop   chan struct{}
	done   chan struct{}
}

// NewLogBridge creates a bridge from the hub to the given logger.
func NewLogBridge(hub *Hub, logger *logging.Logger) *LogBridge {
	if logger == nil {
		logger = logging.Default()
	}
	return &LogBridge{
		hub:    hub,
		logger: logger.WithComponent("events"),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start subscribes to the hub and begins forwarding. Lifecycle events
// log at debug, administrative actions at info and recovered panics at
// error.
func (b *LogBridge) Start() {
	b.events = b.hub.Subscribe(256)

	go func() {
		defer close(b.done)
		for {
			select {
			case <-b.stop:
				return
			case e := <-b.events:
				b.emit(e)
			}
		}
	}()
}

// Stop detaches from the hub and waits for the forwarder to exit.
// Events still buffered at that point are discarded.
func (b *LogBridge) Stop() {
	b.hub.Unsubscribe(b.events)
	close(b.stop)
	<-b.done
}

func (b *LogBridge) emit(e Event) {
	switch e.Type {
	case EventPanic:
		b.logger.Error("panic recovered", "source", e.Source, "data", e.Data)
	case EventAdminAction:
		b.logger.Info("admin action", "source", e.Source, "data", e.Data)
	default:
		b.logger.Debug(string(e.Type), "source", e.Source, "data", e.Data)
	}
}
