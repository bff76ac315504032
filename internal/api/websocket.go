package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"huddle.is/huddle/internal/clock"
	"huddle.is/huddle/internal/gateway"
	"huddle.is/huddle/internal/i18n"
	"huddle.is/huddle/internal/metrics"
	"huddle.is/huddle/internal/wire"
)

const (
	// pongWait must outlast the socket pump's ping period.
	pongWait = 60 * time.Second

	// maxFrameBytes bounds a single inbound message.
	maxFrameBytes = 1 << 20

	// rejectWait is the write budget for frames sent to doomed connections.
	rejectWait = 5 * time.Second
)

// handleConnect is the WebSocket handshake. The bearer token is the URL
// path; a failed verification still completes the upgrade so the client
// reads one UNAUTHORIZED frame instead of a raw TCP reset.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	start := clock.Now()
	q := r.URL.Query()
	binary := q.Get("binary") == "true"

	claims, err := s.verifier.Verify(r.PathValue("token"))
	if err != nil {
		s.rejectHandshake(w, r, binary, err)
		return
	}
	if claims.IsBinary() {
		binary = true
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already answered with an HTTP error.
		s.registry.RecordHandshake("failed", 0)
		return
	}
	if s.cfg.EnableCompression {
		conn.SetCompressionLevel(1)
	}

	mode := "text"
	if binary {
		mode = "binary"
	}
	meta := gateway.Metadata{
		RemoteAddr:     getClientIP(r),
		UserAgent:      r.Header.Get("User-Agent"),
		AcceptLanguage: r.Header.Get("Accept-Language"),
		AccountEmail:   claims.Email,
		Mode:           mode,
		Model:          s.cfg.Model,
	}
	sock := gateway.NewSocket(conn, meta, metrics.NewContext(s.registry), s.logger, s.manager.SocketConfig())

	opts := gateway.SessionOptions{
		SessionID:   q.Get("sessionId"),
		Binary:      binary,
		Compression: s.cfg.EnableCompression && q.Get("compress") != "false",
		Broadcast:   q.Get("broadcast") != "false",
	}

	res, err := s.manager.AddSession(r.Context(), sock, claims, opts)
	if err != nil {
		s.failSocket(r.Context(), sock, binary, err)
		s.registry.RecordHandshake("failed", 0)
		s.logger.Warn("Attach failed",
			"workspace", claims.Workspace.Name, "user", claims.Email, "error", err)
		return
	}
	if res.Upgrade {
		if payload, encErr := wire.Encode(res.Notice, binary); encErr == nil {
			sctx, cancel := context.WithTimeout(r.Context(), rejectWait)
			sock.Send(sctx, payload, binary, false)
			cancel()
		}
		sock.Close()
		s.registry.RecordHandshake("refused", 0)
		s.logger.Info("Attach refused during upgrade",
			"workspace", claims.Workspace.Name, "user", claims.Email)
		return
	}

	s.registry.RecordHandshake("accepted", clock.Since(start).Seconds())
	s.logger.Info("Session attached",
		"session", res.Session.ID(),
		"workspace", claims.Workspace.Name,
		"user", claims.Email,
		"mode", mode,
		"remote", meta.RemoteAddr)

	s.readLoop(r.Context(), conn, sock, res.Session)
}

// rejectHandshake completes the upgrade, writes a single UNAUTHORIZED
// frame localized for the client, and closes.
func (s *Server) rejectHandshake(w http.ResponseWriter, r *http.Request, binary bool, cause error) {
	p := i18n.GetPrinter(r.Context())

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.registry.RecordHandshake("failed", 0)
		return
	}
	defer conn.Close()

	resp := wire.Fail(wire.ID{}, wire.CodeUnauthorized, p.Sprintf("Authentication failed"))
	if payload, encErr := wire.Encode(resp, binary); encErr == nil {
		deadline := time.Now().Add(rejectWait)
		conn.SetWriteDeadline(deadline)
		mt := websocket.TextMessage
		if binary {
			mt = websocket.BinaryMessage
		}
		conn.WriteMessage(mt, payload)
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"), deadline)
	}

	s.registry.RecordHandshake("unauthorized", 0)
	s.logger.Warn("Handshake rejected", "remote", getClientIP(r), "error", cause)
}

// failSocket reports an attach failure through the already-running socket
// pump and closes it.
func (s *Server) failSocket(ctx context.Context, sock *gateway.Socket, binary bool, cause error) {
	var werr *wire.Error
	if !errors.As(cause, &werr) {
		werr = wire.NewError(wire.CodePipelineError, cause.Error())
	}
	if payload, err := wire.Encode(wire.Fail(wire.ID{}, werr.Code, werr.Message), binary); err == nil {
		sctx, cancel := context.WithTimeout(ctx, rejectWait)
		sock.Send(sctx, payload, binary, false)
		cancel()
	}
	sock.Close()
}

// readLoop pulls frames off the connection and dispatches them one at a
// time, so submission order into the pipeline is frame order.
func (s *Server) readLoop(ctx context.Context, conn *websocket.Conn, sock *gateway.Socket, sess *gateway.Session) {
	defer s.manager.CloseSocket(sock)

	conn.SetReadLimit(maxFrameBytes)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				s.logger.Debug("Read ended", "session", sess.ID(), "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		if done := s.dispatch(ctx, sock, sess, data); done {
			return
		}
	}
}

// dispatch decodes one frame and runs it through the session. A true
// return ends the read loop. Panics are recovered here: the connection
// dies, the process does not.
func (s *Server) dispatch(ctx context.Context, sock *gateway.Socket, sess *gateway.Session, data []byte) (done bool) {
	defer func() {
		if v := recover(); v != nil {
			s.hub.EmitPanic("gateway", fmt.Sprint(v))
			s.logger.Error("Dispatch panic", "session", sess.ID(), "panic", v)
			done = true
		}
	}()

	req, err := wire.DecodeRequest(data, sess.BinaryMode())
	if err != nil {
		s.registry.RecordError(string(wire.CodeTransportError))
		s.respond(ctx, sock, sess, wire.Fail(wire.ID{}, wire.CodeTransportError, "malformed frame"))
		return false
	}

	if sess.IsClosed() {
		if s.manager.WorkspaceUpgrading(sess.Workspace().Key()) {
			if push, pushErr := wire.Push(wire.UpgradingStatus()); pushErr == nil {
				s.respond(ctx, sock, sess, push)
			}
			sock.Close()
			return true
		}
		s.respond(ctx, sock, sess, wire.Fail(req.ID, wire.CodeShuttingDown,
			i18n.GetPrinter(ctx).Sprintf("Server is shutting down")))
		return false
	}

	s.registry.RecordRequest(req.Method)

	switch req.Method {
	case "ping":
		seq := sess.Ping()
		s.respond(ctx, sock, sess, wire.Result(req.ID, json.RawMessage(strconv.FormatInt(seq, 10))))

	case "findAll":
		var params struct {
			Class   string          `json:"class"`
			Query   json.RawMessage `json:"query,omitempty"`
			Options json.RawMessage `json:"options,omitempty"`
		}
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				s.registry.RecordError(string(wire.CodeTransportError))
				s.respond(ctx, sock, sess, wire.Fail(req.ID, wire.CodeTransportError, "malformed findAll params"))
				return false
			}
		}
		result, err := sess.FindAll(ctx, req.ID, params.Class, params.Query, params.Options)
		s.respond(ctx, sock, sess, s.outcome(req.ID, result, err))

	case "tx":
		result, err := sess.Tx(ctx, req.ID, req.Params)
		s.respond(ctx, sock, sess, s.outcome(req.ID, result, err))

	default:
		s.registry.RecordError(string(wire.CodeUnknownMethod))
		s.respond(ctx, sock, sess, wire.Fail(req.ID, wire.CodeUnknownMethod,
			i18n.GetPrinter(ctx).Sprintf("Unknown method: %s", req.Method)))
	}
	return false
}

// outcome folds a session call's result into a response frame.
func (s *Server) outcome(id wire.ID, result json.RawMessage, err error) *wire.Response {
	if err == nil {
		return wire.Result(id, result)
	}
	var werr *wire.Error
	if !errors.As(err, &werr) {
		werr = wire.NewError(wire.CodePipelineError, err.Error())
	}
	s.registry.RecordError(string(werr.Code))
	return wire.Fail(id, werr.Code, werr.Message)
}

// respond writes a frame honoring the session's mode flags.
func (s *Server) respond(ctx context.Context, sock *gateway.Socket, sess *gateway.Session, resp *wire.Response) {
	payload, err := wire.Encode(resp, sess.BinaryMode())
	if err != nil {
		s.logger.Error("Encoding response", "session", sess.ID(), "error", err)
		return
	}
	if _, err := sock.Send(ctx, payload, sess.BinaryMode(), sess.UseCompression()); err != nil {
		s.logger.Debug("Response dropped", "session", sess.ID(), "error", err)
	}
}
