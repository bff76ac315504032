package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"huddle.is/huddle/internal/analytics"
	"huddle.is/huddle/internal/clock"
	"huddle.is/huddle/internal/config"
	"huddle.is/huddle/internal/logging"
	"huddle.is/huddle/internal/metrics"
	"huddle.is/huddle/internal/pipeline"
	"huddle.is/huddle/internal/token"
	"huddle.is/huddle/internal/wire"
)

// pipelineCloseWait bounds how long a teardown waits on the engine.
const pipelineCloseWait = 5 * time.Second

// WorkspaceKey canonicalizes a workspace name for registry lookup.
// Tokens carry the name as the user typed it; the registry is
// case-insensitive.
func WorkspaceKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ManagerOptions carries the manager's collaborators. Zero fields fall
// back to package defaults, which suits tests; the serve command fills
// everything in.
type ManagerOptions struct {
	Gateway     *config.GatewayConfig
	AccountsURL string
	Logger      *logging.Logger
	Registry    *metrics.Registry
	Hub         *analytics.Hub
	Clock       clock.Clock
}

// Manager owns the registry: workspaces by canonical key and a flat
// session index by socket id. The two maps are mutated together under
// one lock and never disagree.
type Manager struct {
	logger   *logging.Logger
	cfg      config.GatewayConfig
	accounts string
	clk      clock.Clock
	reg      *metrics.Registry
	hub      *analytics.Hub
	factory  pipeline.Factory

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	workspaces  map[string]*Workspace
	index       map[string]*binding
	maintenance int
	closed      bool
}

// NewManager builds a manager around the given pipeline factory.
func NewManager(factory pipeline.Factory, opts ManagerOptions) *Manager {
	cfg := opts.Gateway
	if cfg == nil {
		cfg = config.Default().Gateway
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Default()
	}
	reg := opts.Registry
	if reg == nil {
		reg = metrics.Get()
	}
	hub := opts.Hub
	if hub == nil {
		hub = analytics.NewHub()
	}
	clk := opts.Clock
	if clk == nil {
		clk = &clock.RealClock{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		logger:     logger.WithComponent("gateway"),
		cfg:        *cfg,
		accounts:   opts.AccountsURL,
		clk:        clk,
		reg:        reg,
		hub:        hub,
		factory:    factory,
		ctx:        ctx,
		cancel:     cancel,
		workspaces: make(map[string]*Workspace),
		index:      make(map[string]*binding),
	}
}

// Hub returns the analytics hub the manager publishes to.
func (m *Manager) Hub() *analytics.Hub {
	return m.hub
}

// SocketConfig returns the writer tuning new sockets should use.
func (m *Manager) SocketConfig() SocketConfig {
	return SocketConfig{
		SendBufferLimit:  m.cfg.SendBufferLimit,
		QueueFrames:      m.cfg.SendQueueFrames,
		CompressMinBytes: m.cfg.CompressMinBytes,
	}
}

// AddResult is the outcome of an attachment attempt.
type AddResult struct {
	// Session is set when the attach succeeded.
	Session *Session

	// Upgrade is set when admission was refused because the workspace
	// sits in an upgrade window. Notice carries the refusal payload to
	// deliver before closing the connection.
	Upgrade bool
	Notice  *wire.UpgradeNotice
}

// AddSession admits an authenticated socket into its workspace. The
// first attach for a key creates the workspace and starts the pipeline
// build; concurrent attaches for the same key share that build. A
// closing workspace is awaited and the attach retried once. Reconnects
// presenting a prior session id evict the stale session first.
func (m *Manager) AddSession(ctx context.Context, sock *Socket, claims *token.Claims, opts SessionOptions) (*AddResult, error) {
	key := WorkspaceKey(claims.Workspace.Name)
	if key == "" {
		return nil, fmt.Errorf("empty workspace name")
	}

	retried := false
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, wire.NewError(wire.CodeShuttingDown, "gateway is shutting down")
		}
		ws, found := m.workspaces[key]
		if !found {
			ws = newWorkspace(claims.Workspace, key)
			ws.factoryStarted = true
			m.workspaces[key] = ws
			m.reg.WorkspacesCurrent.Inc()
			go m.buildPipeline(ws, ws.future.Load(), claims.IsUpgrade())
		}
		closing := ws.closing
		window := ws.upgrade
		m.mu.Unlock()

		if !found {
			m.hub.EmitWorkspaceUp(key)
			m.logger.Info("workspace created", "workspace", key)
		}

		if closing != nil {
			if retried {
				return nil, wire.NewError(wire.CodeShuttingDown, "workspace is shutting down")
			}
			if err := closing.wait(ctx); err != nil {
				return nil, err
			}
			retried = true
			continue
		}

		if window && !claims.IsUpgrade() {
			notice := wire.NewUpgradeNotice(m.accounts, ws.ref.Name)
			return &AddResult{Upgrade: true, Notice: &notice}, nil
		}
		if window {
			m.ensureUpgradePipeline(ws)
		}

		if _, err := ws.future.Load().await(ctx); err != nil {
			if !errors.Is(err, pipeline.ErrUpgradeRequired) {
				m.dropFailedWorkspace(key, ws)
				return nil, err
			}
			if !claims.IsUpgrade() {
				notice := wire.NewUpgradeNotice(m.accounts, ws.ref.Name)
				return &AddResult{Upgrade: true, Notice: &notice}, nil
			}
			// Migration tooling replaces the refused pipeline with an
			// upgrade-mode build and waits for that instead.
			m.ensureUpgradePipeline(ws)
			if _, err := ws.future.Load().await(ctx); err != nil {
				return nil, err
			}
		}

		m.mu.Lock()
		if m.workspaces[key] != ws || ws.closing != nil {
			// The workspace closed while we awaited the pipeline.
			m.mu.Unlock()
			if retried {
				return nil, wire.NewError(wire.CodeShuttingDown, "workspace is shutting down")
			}
			retried = true
			continue
		}

		sessionID := opts.SessionID
		if sessionID == "" {
			sessionID = uuid.NewString()
		}

		var evicted *binding
		if prior, ok := ws.sessions[sessionID]; ok {
			evicted = prior
			delete(m.index, prior.socket.ID())
			prior.session.MarkClosed()
			m.reg.EvictionsTotal.Inc()
			m.reg.SessionsCurrent.Dec()
		}

		sess := newSession(sessionID, claims.Email, ws, claims.IsUpgrade(), opts, m.clk)
		b := &binding{session: sess, socket: sock}
		ws.sessions[sessionID] = b
		m.index[sock.ID()] = b
		ws.softShutdown = 0
		m.reg.SessionsCurrent.Inc()
		m.reg.SessionsTotal.Inc()
		m.mu.Unlock()

		if evicted != nil {
			evicted.socket.CloseWithCode(websocket.CloseGoingAway)
			m.hub.EmitSessionEvicted(sessionID, key, evicted.session.User())
			m.logger.Info("stale session evicted on reconnect",
				"session", sessionID, "workspace", key)
		}
		m.hub.EmitSessionOpened(sessionID, key, claims.Email)
		m.logger.Debug("session attached",
			"session", sessionID, "workspace", key, "user", claims.Email,
			"upgrade", claims.IsUpgrade())
		return &AddResult{Session: sess}, nil
	}
}

// buildPipeline runs the factory and resolves fut with the outcome. A
// refusal for upgrade flips the workspace into its upgrade window; any
// other failure leaves the resolved error for awaiting attaches to
// observe and clean up after.
func (m *Manager) buildPipeline(ws *Workspace, fut *pipelineFuture, upgrade bool) {
	p, err := m.factory(m.ctx, ws.ref, upgrade, m.Broadcast)
	if err != nil {
		fut.resolve(nil, err)
		if errors.Is(err, pipeline.ErrUpgradeRequired) {
			m.mu.Lock()
			ws.upgrade = true
			m.mu.Unlock()
			m.hub.EmitWorkspaceUpgrade(ws.key)
			m.logger.Info("workspace held for upgrade", "workspace", ws.key)
			return
		}
		m.logger.Error("pipeline build failed", "workspace", ws.key, "error", err)
		return
	}

	fut.resolve(p, nil)

	// The workspace may have been torn down while the build ran. The
	// engine tolerates a second Close from the racing teardown.
	m.mu.Lock()
	stale := m.workspaces[ws.key] != ws ||
		ws.future.Load() != fut ||
		(ws.closing != nil && ws.closeReason == ReasonShutdown)
	m.mu.Unlock()
	if stale {
		cctx, cancel := context.WithTimeout(context.Background(), pipelineCloseWait)
		p.Close(cctx)
		cancel()
		return
	}
	m.logger.Debug("pipeline ready", "workspace", ws.key)
}

// ensureUpgradePipeline makes sure an upgrade-mode build is underway
// for a workspace in its upgrade window.
func (m *Manager) ensureUpgradePipeline(ws *Workspace) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fut := ws.future.Load()
	if !ws.factoryStarted {
		ws.factoryStarted = true
		go m.buildPipeline(ws, fut, true)
		return
	}
	if _, err := fut.peek(); err != nil && errors.Is(err, pipeline.ErrUpgradeRequired) {
		fresh := newPipelineFuture()
		ws.future.Store(fresh)
		go m.buildPipeline(ws, fresh, true)
	}
}

// dropFailedWorkspace removes a workspace whose pipeline never came
// up. Concurrent attaches that observed the same failure race here;
// the identity check makes the extras no-ops.
func (m *Manager) dropFailedWorkspace(key string, ws *Workspace) {
	m.mu.Lock()
	if m.workspaces[key] != ws || len(ws.sessions) > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.workspaces, key)
	m.reg.WorkspacesCurrent.Dec()
	m.mu.Unlock()

	m.hub.EmitWorkspaceDown(key, 0, "pipeline failure")
	m.logger.Warn("workspace removed after pipeline failure", "workspace", key)
}

// CloseSocket detaches whatever session rides the socket and closes
// it. The last session leaving arms the workspace's soft-shutdown
// countdown.
func (m *Manager) CloseSocket(sock *Socket) {
	m.mu.Lock()
	b, ok := m.index[sock.ID()]
	if !ok {
		m.mu.Unlock()
		sock.Close()
		return
	}
	delete(m.index, sock.ID())
	ws := b.session.Workspace()
	if cur, exists := ws.sessions[b.session.ID()]; exists && cur == b {
		delete(ws.sessions, b.session.ID())
	}
	b.session.MarkClosed()
	m.reg.SessionsCurrent.Dec()
	armed := len(ws.sessions) == 0 && ws.closing == nil && ws.softShutdown == 0
	if armed {
		ws.softShutdown = m.cfg.SoftShutdownTicks
	}
	m.mu.Unlock()

	sock.Close()
	m.hub.EmitSessionClosed(b.session.ID(), ws.Key(), b.session.User(), "closed")
	m.logger.Debug("session detached", "session", b.session.ID(), "workspace", ws.Key())
	if armed {
		m.logger.Debug("workspace empty, soft shutdown armed",
			"workspace", ws.Key(), "ticks", m.cfg.SoftShutdownTicks)
	}
}

// closeAll tears a workspace down. Every session is removed from both
// maps and its socket closed, except an optional socket the caller
// keeps. For ReasonShutdown the entry is removed; for ReasonUpgrade it
// stays behind as the admission window, with a fresh pipeline slot
// awaiting migration tooling.
func (m *Manager) closeAll(ctx context.Context, key string, ignore *Socket, code int, reason CloseReason) {
	m.mu.Lock()
	ws, ok := m.workspaces[key]
	if !ok || ws.closing != nil {
		m.mu.Unlock()
		return
	}
	barrier := newCloseFuture()
	ws.closing = barrier
	ws.closeReason = reason
	if reason == ReasonUpgrade {
		ws.upgrade = true
	}
	victims := make([]*binding, 0, len(ws.sessions))
	for id, b := range ws.sessions {
		victims = append(victims, b)
		delete(ws.sessions, id)
		delete(m.index, b.socket.ID())
	}
	m.reg.SessionsCurrent.Sub(float64(len(victims)))
	pipeFut := ws.future.Load()
	m.mu.Unlock()

	// Evicted clients of an upgrade learn why before the close frame.
	var kick []byte
	if reason == ReasonUpgrade {
		if push, err := wire.Push(wire.UpgradingStatus()); err == nil {
			kick, _ = wire.Encode(push, false)
		}
	}

	for _, b := range victims {
		if reason == ReasonUpgrade {
			b.session.MarkUpgrading()
		} else {
			b.session.MarkClosed()
		}
		if ignore != nil && b.socket == ignore {
			continue
		}
		if kick != nil {
			payload := kick
			if b.session.BinaryMode() {
				if push, err := wire.Push(wire.UpgradingStatus()); err == nil {
					payload, _ = wire.Encode(push, true)
				}
			}
			sctx, cancel := context.WithTimeout(ctx, time.Second)
			b.socket.Send(sctx, payload, b.session.BinaryMode(), false)
			cancel()
		}
		b.socket.CloseWithCode(code)
		m.hub.EmitSessionClosed(b.session.ID(), key, b.session.User(), string(reason))
	}

	// Only a resolved pipeline is closed; waiting on a stuck build
	// here would wedge the teardown. The build goroutine cleans up
	// after itself when it loses this race.
	if p, err := pipeFut.peek(); err == nil && p != nil {
		cctx, cancel := context.WithTimeout(context.Background(), pipelineCloseWait)
		if err := p.Close(cctx); err != nil {
			m.logger.Warn("pipeline close failed", "workspace", key, "error", err)
		}
		cancel()
	}

	m.mu.Lock()
	if reason == ReasonShutdown {
		if m.workspaces[key] == ws {
			delete(m.workspaces, key)
			m.reg.WorkspacesCurrent.Dec()
		}
	} else {
		ws.future.Store(newPipelineFuture())
		ws.factoryStarted = false
		ws.softShutdown = m.cfg.SoftShutdownTicks
		ws.closing = nil
	}
	m.mu.Unlock()

	barrier.resolve()
	if reason == ReasonShutdown {
		m.hub.EmitWorkspaceDown(key, len(victims), string(reason))
	}
	m.logger.Info("workspace closed",
		"workspace", key, "reason", reason, "sessions", len(victims))
}

// MarkBackup flags a workspace as having a data backup in progress.
// Statistics surface the flag; admission is unaffected.
func (m *Manager) MarkBackup(key string, on bool) bool {
	key = WorkspaceKey(key)
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[key]
	if !ok {
		return false
	}
	ws.backup = on
	return true
}

// WorkspaceUpgrading reports whether the named workspace is currently in
// its upgrade admission window. The frame loop uses it to answer requests
// from evicted sessions with the upgrading status instead of a plain error.
func (m *Manager) WorkspaceUpgrading(key string) bool {
	key = WorkspaceKey(key)
	m.mu.Lock()
	defer m.mu.Unlock()
	ws, ok := m.workspaces[key]
	return ok && ws.upgrade
}

// ForceClose evicts a workspace's sessions and opens its upgrade
// admission window. Reports whether the workspace existed.
func (m *Manager) ForceClose(key string) bool {
	key = WorkspaceKey(key)
	m.mu.Lock()
	ws, ok := m.workspaces[key]
	busy := ok && ws.closing != nil
	m.mu.Unlock()
	if !ok || busy {
		return false
	}
	m.hub.EmitWorkspaceUpgrade(key)
	m.closeAll(m.ctx, key, nil, websocket.CloseGoingAway, ReasonUpgrade)
	return true
}

// Broadcast fans an engine push out to the workspace's sessions. The
// originator, sessions that opted out of broadcasts, and upgrade
// tooling are skipped; a non-empty target list narrows delivery to the
// named users. A failed delivery schedules that socket for close and
// leaves its peers alone.
func (m *Manager) Broadcast(b pipeline.Broadcast) {
	if b.Payload == nil {
		return
	}
	key := WorkspaceKey(b.Workspace)

	m.mu.Lock()
	ws, ok := m.workspaces[key]
	if !ok {
		m.mu.Unlock()
		return
	}
	targets := make([]*binding, 0, len(ws.sessions))
	for _, bind := range ws.sessions {
		s := bind.session
		if b.From != "" && s.ID() == b.From {
			continue
		}
		if !s.UseBroadcast() || s.IsUpgradeClient() {
			continue
		}
		if len(b.Target) > 0 && !containsString(b.Target, s.User()) {
			continue
		}
		targets = append(targets, bind)
	}
	m.mu.Unlock()

	// Encode at most once per framing mode.
	var text, bin []byte
	encode := func(binary bool) ([]byte, error) {
		if binary {
			if bin == nil {
				var err error
				if bin, err = wire.Encode(b.Payload, true); err != nil {
					return nil, err
				}
			}
			return bin, nil
		}
		if text == nil {
			var err error
			if text, err = wire.Encode(b.Payload, false); err != nil {
				return nil, err
			}
		}
		return text, nil
	}

	for _, bind := range targets {
		payload, err := encode(bind.session.BinaryMode())
		if err != nil {
			m.logger.Error("broadcast encode failed", "workspace", key, "error", err)
			return
		}
		n, err := bind.socket.Send(m.ctx, payload, bind.session.BinaryMode(), bind.session.UseCompression())
		switch {
		case err != nil:
			m.reg.BroadcastFrames.WithLabelValues("failed").Inc()
			m.logger.Warn("broadcast delivery failed",
				"workspace", key, "session", bind.session.ID(), "error", err)
			go m.CloseSocket(bind.socket)
		case n == 0:
			m.reg.BroadcastFrames.WithLabelValues("skipped").Inc()
		default:
			m.reg.BroadcastFrames.WithLabelValues("delivered").Inc()
		}
	}
}

// ScheduleMaintenance arms, re-arms or cancels the shutdown countdown.
// Re-arming replaces the remaining minutes; zero or less cancels.
func (m *Manager) ScheduleMaintenance(minutes int) {
	m.mu.Lock()
	m.maintenance = minutes
	m.mu.Unlock()
	if minutes > 0 {
		m.logger.Info("maintenance scheduled", "minutes", minutes)
	} else {
		m.logger.Info("maintenance canceled")
	}
}

// MaintenanceRemaining returns the minutes left on the countdown, zero
// when none is scheduled.
func (m *Manager) MaintenanceRemaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.maintenance
}

// MaintenanceTick advances the countdown by one tick. Every connected
// session, upgrade tooling included, receives the maintenance status;
// when the countdown reaches zero every workspace is closed for
// shutdown.
func (m *Manager) MaintenanceTick() {
	m.mu.Lock()
	if m.maintenance <= 0 {
		m.mu.Unlock()
		return
	}
	remaining := m.maintenance
	m.maintenance--
	expired := m.maintenance == 0
	targets := make([]*binding, 0, len(m.index))
	for _, b := range m.index {
		targets = append(targets, b)
	}
	var keys []string
	if expired {
		keys = make([]string, 0, len(m.workspaces))
		for key := range m.workspaces {
			keys = append(keys, key)
		}
	}
	m.mu.Unlock()

	if push, err := wire.Push(wire.MaintenanceStatus(remaining)); err == nil {
		for _, b := range targets {
			payload, err := wire.Encode(push, b.session.BinaryMode())
			if err != nil {
				continue
			}
			sctx, cancel := context.WithTimeout(m.ctx, time.Second)
			b.socket.Send(sctx, payload, b.session.BinaryMode(), b.session.UseCompression())
			cancel()
		}
	}
	m.logger.Info("maintenance tick", "remaining", remaining, "sessions", len(targets))

	if expired {
		m.logger.Warn("maintenance countdown expired, closing all workspaces")
		for _, key := range keys {
			m.closeAll(m.ctx, key, nil, websocket.CloseGoingAway, ReasonShutdown)
		}
	}
}

// RollStats folds every session's interval counters into its decayed
// window. Runs once per tick.
func (m *Manager) RollStats() {
	for _, s := range m.allSessions() {
		s.RollStats()
	}
}

// WipeStatistics zeroes every session's counters and resets the
// labeled metric families.
func (m *Manager) WipeStatistics() {
	for _, s := range m.allSessions() {
		s.WipeStats()
	}
	m.reg.ResetVectors()
	m.logger.Info("statistics wiped")
}

// ReapIdle advances the soft-shutdown countdown on empty workspaces
// and tears down the expired ones. Runs once per tick.
func (m *Manager) ReapIdle() {
	m.mu.Lock()
	var expired []string
	for key, ws := range m.workspaces {
		if len(ws.sessions) > 0 || ws.closing != nil {
			continue
		}
		if ws.factoryStarted && !ws.future.Load().resolved() {
			// Build still in flight; not idle yet.
			continue
		}
		if ws.softShutdown == 0 {
			ws.softShutdown = m.cfg.SoftShutdownTicks
			continue
		}
		ws.softShutdown--
		if ws.softShutdown <= 0 {
			expired = append(expired, key)
		}
	}
	m.mu.Unlock()

	for _, key := range expired {
		m.logger.Info("idle workspace expired", "workspace", key)
		m.closeAll(m.ctx, key, nil, websocket.CloseGoingAway, ReasonShutdown)
	}
}

// Shutdown refuses new attachments and closes every workspace.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	keys := make([]string, 0, len(m.workspaces))
	for key := range m.workspaces {
		keys = append(keys, key)
	}
	m.mu.Unlock()

	m.logger.Info("gateway shutting down", "workspaces", len(keys))
	for _, key := range keys {
		m.closeAll(ctx, key, nil, websocket.CloseGoingAway, ReasonShutdown)
	}
	m.cancel()
}

// Counts returns the number of live workspaces and sessions.
func (m *Manager) Counts() (workspaces, sessions int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workspaces), len(m.index)
}

// CheckCoherence verifies the two registry maps agree. The health
// endpoint reports a failure here as unhealthy.
func (m *Manager) CheckCoherence() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for key, ws := range m.workspaces {
		for id, b := range ws.sessions {
			total++
			got, ok := m.index[b.socket.ID()]
			if !ok {
				return fmt.Errorf("session %s in workspace %s missing from index", id, key)
			}
			if got != b {
				return fmt.Errorf("session %s in workspace %s disagrees with index", id, key)
			}
		}
	}
	if total != len(m.index) {
		return fmt.Errorf("index holds %d sessions, workspaces hold %d", len(m.index), total)
	}
	return nil
}

func (m *Manager) allSessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.index))
	for _, b := range m.index {
		out = append(out, b.session)
	}
	return out
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// SessionInfo is one session's entry in the statistics breakdown.
type SessionInfo struct {
	ID       string    `json:"id"`
	User     string    `json:"user"`
	Created  time.Time `json:"created"`
	LastSeen time.Time `json:"lastSeen"`
	Remote   string    `json:"remote,omitempty"`
	Mode     string    `json:"mode,omitempty"`
	Upgrade  bool      `json:"upgrade,omitempty"`
	Pending  int       `json:"pending"`
	Stats    Stats     `json:"stats"`
}

// WorkspaceInfo is one workspace's entry in the statistics breakdown.
type WorkspaceInfo struct {
	Key          string        `json:"key"`
	Name         string        `json:"name"`
	State        string        `json:"state"`
	Upgrade      bool          `json:"upgrade,omitempty"`
	Backup       bool          `json:"backup,omitempty"`
	SoftShutdown int           `json:"softShutdown,omitempty"`
	Sessions     []SessionInfo `json:"sessions"`
}

// Snapshot is the gateway's statistics view. Detail is only populated
// for administrators.
type Snapshot struct {
	Sessions    int             `json:"sessions"`
	Workspaces  int             `json:"workspaces"`
	Maintenance int             `json:"maintenance,omitempty"`
	Total       Counters        `json:"total"`
	Current     Counters        `json:"current"`
	Mins5       Window          `json:"mins5"`
	Detail      []WorkspaceInfo `json:"detail,omitempty"`
}

// Snapshot aggregates the registry's statistics. With admin set the
// per-workspace and per-session breakdown is included.
func (m *Manager) Snapshot(admin bool) Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Sessions:    len(m.index),
		Workspaces:  len(m.workspaces),
		Maintenance: m.maintenance,
	}
	for _, b := range m.index {
		st := b.session.Stats()
		snap.Total.Find += st.Total.Find
		snap.Total.Tx += st.Total.Tx
		snap.Current.Find += st.Current.Find
		snap.Current.Tx += st.Current.Tx
		snap.Mins5.Find += st.Mins5.Find
		snap.Mins5.Tx += st.Mins5.Tx
	}
	if !admin {
		return snap
	}

	keys := make([]string, 0, len(m.workspaces))
	for key := range m.workspaces {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	snap.Detail = make([]WorkspaceInfo, 0, len(keys))
	for _, key := range keys {
		ws := m.workspaces[key]
		info := WorkspaceInfo{
			Key:          key,
			Name:         ws.ref.Name,
			State:        ws.stateLocked(),
			Upgrade:      ws.upgrade,
			Backup:       ws.backup,
			SoftShutdown: ws.softShutdown,
			Sessions:     make([]SessionInfo, 0, len(ws.sessions)),
		}
		for _, b := range ws.sessions {
			meta := b.socket.Data()
			info.Sessions = append(info.Sessions, SessionInfo{
				ID:       b.session.ID(),
				User:     b.session.User(),
				Created:  b.session.Created(),
				LastSeen: b.session.LastSeen(),
				Remote:   meta.RemoteAddr,
				Mode:     meta.Mode,
				Upgrade:  b.session.IsUpgradeClient(),
				Pending:  b.session.PendingCount(),
				Stats:    b.session.Stats(),
			})
		}
		sort.Slice(info.Sessions, func(i, j int) bool {
			return info.Sessions[i].ID < info.Sessions[j].ID
		})
		snap.Detail = append(snap.Detail, info)
	}
	return snap
}
