// Package gateway is the session layer: it owns the registry of workspaces
// and attached sessions, fans engine broadcasts out to sockets, and runs
// the maintenance and soft-shutdown lifecycles.
package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"huddle.is/huddle/internal/logging"
	"huddle.is/huddle/internal/metrics"
)

const (
	// writeWait bounds a single transport write.
	writeWait = 10 * time.Second

	// closeGrace bounds the final queue flush when a socket closes.
	closeGrace = time.Second

	// pingPeriod is the keepalive cadence. Must be under the read
	// deadline the frame loop arms on pong.
	pingPeriod = 54 * time.Second
)

// Conn is the write side of a websocket connection. *websocket.Conn
// satisfies it; tests substitute stubs.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	EnableWriteCompression(enable bool)
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Metadata is the connection detail captured at handshake time and
// reported in statistics.
type Metadata struct {
	RemoteAddr     string `json:"remoteAddr"`
	UserAgent      string `json:"userAgent,omitempty"`
	AcceptLanguage string `json:"acceptLanguage,omitempty"`
	AccountEmail   string `json:"accountEmail"`
	Mode           string `json:"mode,omitempty"`
	Model          string `json:"model,omitempty"`
}

// SocketConfig tunes a socket's writer.
type SocketConfig struct {
	// SendBufferLimit is the buffered-bytes threshold above which Send
	// blocks until the writer drains.
	SendBufferLimit int

	// QueueFrames is the writer queue capacity.
	QueueFrames int

	// CompressMinBytes is the smallest payload worth compressing.
	CompressMinBytes int
}

// frame is one queued outbound message.
type frame struct {
	payload  []byte
	binary   bool
	compress bool
}

// Socket wraps one websocket connection with a single-writer pump and
// byte-level backpressure. All writes flow through Send; the pump owns
// the connection's write side.
type Socket struct {
	id     string
	conn   Conn
	meta   Metadata
	mctx   *metrics.Context
	logger *logging.Logger

	out      chan frame
	buffered atomic.Int64
	limit    int64
	minComp  int

	// drained is closed and remade by the pump after every write so
	// blocked senders can re-check the buffered level.
	mu      sync.Mutex
	drained chan struct{}

	closed    atomic.Bool
	closeCode atomic.Int32
	done      chan struct{}
	closeOnce sync.Once
}

// NewSocket wraps conn and starts its writer pump.
func NewSocket(conn Conn, meta Metadata, mctx *metrics.Context, logger *logging.Logger, cfg SocketConfig) *Socket {
	if cfg.SendBufferLimit <= 0 {
		cfg.SendBufferLimit = 128
	}
	if cfg.QueueFrames <= 0 {
		cfg.QueueFrames = 256
	}
	if cfg.CompressMinBytes <= 0 {
		cfg.CompressMinBytes = 1024
	}
	if logger == nil {
		logger = logging.Default()
	}
	s := &Socket{
		id:      uuid.NewString(),
		conn:    conn,
		meta:    meta,
		mctx:    mctx,
		logger:  logger.WithComponent("socket"),
		out:     make(chan frame, cfg.QueueFrames),
		limit:   int64(cfg.SendBufferLimit),
		minComp: cfg.CompressMinBytes,
		drained: make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.closeCode.Store(websocket.CloseNormalClosure)
	go s.writeLoop()
	return s
}

// ID returns the socket's unique connection id.
func (s *Socket) ID() string {
	return s.id
}

// Data returns the handshake metadata.
func (s *Socket) Data() Metadata {
	return s.meta
}

// IsClosed reports whether the socket has been closed.
func (s *Socket) IsClosed() bool {
	return s.closed.Load()
}

// Done is closed when the socket closes.
func (s *Socket) Done() <-chan struct{} {
	return s.done
}

// Buffered returns the bytes queued but not yet written.
func (s *Socket) Buffered() int64 {
	return s.buffered.Load()
}

// Send queues payload for delivery and returns its length. A closed
// socket swallows the frame and reports zero bytes without error. When
// the queued-but-unwritten byte count exceeds the configured limit,
// Send blocks until the pump drains below it, the context ends, or the
// socket closes. Closing resolves every pending Send to zero.
func (s *Socket) Send(ctx context.Context, payload []byte, binary, compress bool) (int, error) {
	if s.closed.Load() {
		return 0, nil
	}

	n := int64(len(payload))
	if s.mctx != nil {
		s.mctx.Record(metrics.KeySendData, n)
	}

	s.buffered.Add(n)
	select {
	case s.out <- frame{payload: payload, binary: binary, compress: compress}:
	case <-s.done:
		s.buffered.Add(-n)
		return 0, nil
	case <-ctx.Done():
		s.buffered.Add(-n)
		return 0, ctx.Err()
	}

	// Backpressure: yield until the pump has written enough that the
	// residual drops back under the limit. The drained channel must be
	// captured before the re-check or a wakeup between check and wait
	// would be lost.
	for s.buffered.Load() > s.limit {
		s.mu.Lock()
		ch := s.drained
		s.mu.Unlock()
		if s.buffered.Load() <= s.limit {
			break
		}
		select {
		case <-ch:
		case <-s.done:
			return 0, nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	return int(n), nil
}

// Close shuts the socket down. The first call marks the socket closed,
// releases blocked senders, and lets the pump flush briefly before the
// transport drops. Safe to call from any goroutine, repeatedly.
func (s *Socket) Close() error {
	return s.CloseWithCode(websocket.CloseNormalClosure)
}

// CloseWithCode closes the socket announcing the given close code to
// the peer.
func (s *Socket) CloseWithCode(code int) error {
	s.closeOnce.Do(func() {
		s.closeCode.Store(int32(code))
		s.closed.Store(true)
		close(s.done)
	})
	return nil
}

// writeLoop is the single writer. It applies per-frame compression,
// decrements the buffered count after each write and wakes blocked
// senders. On a transport error it closes the socket; peers of a
// broadcast are unaffected because each socket pumps independently.
func (s *Socket) writeLoop() {
	defer s.conn.Close()

	for {
		select {
		case f := <-s.out:
			if err := s.writeFrame(f, writeWait); err != nil {
				s.logger.Debug("socket write failed", "socket", s.id, "error", err)
				s.CloseWithCode(websocket.CloseAbnormalClosure)
				s.drainOnClose(false)
				return
			}
		case <-s.done:
			s.drainOnClose(true)
			return
		case <-time.After(pingPeriod):
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.logger.Debug("socket ping failed", "socket", s.id, "error", err)
				s.CloseWithCode(websocket.CloseAbnormalClosure)
				s.drainOnClose(false)
				return
			}
		}
	}
}

// writeFrame performs one transport write under a deadline.
func (s *Socket) writeFrame(f frame, wait time.Duration) error {
	s.conn.SetWriteDeadline(time.Now().Add(wait))
	s.conn.EnableWriteCompression(f.compress && len(f.payload) >= s.minComp)

	mt := websocket.TextMessage
	if f.binary {
		mt = websocket.BinaryMessage
	}
	err := s.conn.WriteMessage(mt, f.payload)

	s.buffered.Add(-int64(len(f.payload)))
	s.signalDrained()
	return err
}

// drainOnClose flushes whatever is already queued, sends the close
// frame when the transport still works, and releases any sender stuck
// on backpressure.
func (s *Socket) drainOnClose(flush bool) {
	deadline := time.Now().Add(closeGrace)
loop:
	for flush {
		select {
		case f := <-s.out:
			if err := s.writeFrame(f, time.Until(deadline)); err != nil {
				flush = false
				break loop
			}
			if time.Now().After(deadline) {
				break loop
			}
		default:
			break loop
		}
	}
	if flush {
		msg := websocket.FormatCloseMessage(int(s.closeCode.Load()), "")
		s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
	}
	// Zero the residual so no sender can be left over the limit.
	s.buffered.Store(0)
	s.signalDrained()
}

func (s *Socket) signalDrained() {
	s.mu.Lock()
	close(s.drained)
	s.drained = make(chan struct{})
	s.mu.Unlock()
}
