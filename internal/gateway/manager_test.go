package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"

	"huddle.is/huddle/internal/analytics"
	"huddle.is/huddle/internal/metrics"
	"huddle.is/huddle/internal/pipeline"
	"huddle.is/huddle/internal/token"
	"huddle.is/huddle/internal/wire"
)

func newTestManager(factory pipeline.Factory) *Manager {
	return NewManager(factory, ManagerOptions{Hub: analytics.NewHub()})
}

func testClaims(workspace, email string) *token.Claims {
	return &token.Claims{
		Email:     email,
		Workspace: token.WorkspaceRef{Name: workspace, ProductID: "huddle-test"},
	}
}

func upgradeClaims(workspace, email string) *token.Claims {
	c := testClaims(workspace, email)
	c.Role = token.RoleUpgrade
	return c
}

func newMgrSocket(m *Manager) (*Socket, *stubConn) {
	conn := &stubConn{}
	sock := NewSocket(conn, Metadata{RemoteAddr: "127.0.0.1:1"}, metrics.NewContext(nil), nil, m.SocketConfig())
	return sock, conn
}

func attach(t *testing.T, m *Manager, claims *token.Claims, opts SessionOptions) (*Session, *stubConn) {
	t.Helper()
	sock, conn := newMgrSocket(m)
	res, err := m.AddSession(context.Background(), sock, claims, opts)
	if err != nil {
		t.Fatalf("AddSession failed: %v", err)
	}
	if res.Session == nil {
		t.Fatalf("AddSession returned no session: %+v", res)
	}
	return res.Session, conn
}

// factoryRecorder wraps a factory and records each invocation.
type factoryRecorder struct {
	mu       sync.Mutex
	calls    int
	upgrades []bool
	inner    pipeline.Factory
}

func (f *factoryRecorder) factory(ctx context.Context, ws token.WorkspaceRef, upgrade bool, emit pipeline.Emitter) (pipeline.Pipeline, error) {
	f.mu.Lock()
	f.calls++
	f.upgrades = append(f.upgrades, upgrade)
	f.mu.Unlock()
	return f.inner(ctx, ws, upgrade, emit)
}

func (f *factoryRecorder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestManager_AddSessionCreatesWorkspace(t *testing.T) {
	m := newTestManager(pipeline.NewMemoryFactory())
	defer m.Shutdown(context.Background())

	sess, _ := attach(t, m, testClaims("acme", "ada@example.com"), SessionOptions{Broadcast: true})
	if sess.User() != "ada@example.com" {
		t.Errorf("user = %q", sess.User())
	}
	if sess.Workspace().Key() != "acme" {
		t.Errorf("workspace key = %q", sess.Workspace().Key())
	}

	workspaces, sessions := m.Counts()
	if workspaces != 1 || sessions != 1 {
		t.Errorf("counts = %d/%d, want 1/1", workspaces, sessions)
	}
	if err := m.CheckCoherence(); err != nil {
		t.Errorf("registry incoherent: %v", err)
	}
}

func TestManager_WorkspaceKeyCanonical(t *testing.T) {
	if got := WorkspaceKey("  Acme Corp "); got != "acme corp" {
		t.Errorf("WorkspaceKey = %q", got)
	}

	rec := &factoryRecorder{inner: pipeline.NewMemoryFactory()}
	m := newTestManager(rec.factory)
	defer m.Shutdown(context.Background())

	attach(t, m, testClaims("ACME", "ada@example.com"), SessionOptions{})
	attach(t, m, testClaims("acme", "bob@example.com"), SessionOptions{})

	workspaces, sessions := m.Counts()
	if workspaces != 1 || sessions != 2 {
		t.Errorf("counts = %d/%d, want 1/2", workspaces, sessions)
	}
	if rec.callCount() != 1 {
		t.Errorf("factory ran %d times, want 1", rec.callCount())
	}
}

func TestManager_ConcurrentAttachesShareOneBuild(t *testing.T) {
	mem := pipeline.NewMemoryFactory()
	rec := &factoryRecorder{inner: func(ctx context.Context, ws token.WorkspaceRef, upgrade bool, emit pipeline.Emitter) (pipeline.Pipeline, error) {
		time.Sleep(30 * time.Millisecond)
		return mem(ctx, ws, upgrade, emit)
	}}
	m := newTestManager(rec.factory)
	defer m.Shutdown(context.Background())

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sock, _ := newMgrSocket(m)
			res, err := m.AddSession(context.Background(), sock,
				testClaims("acme", fmt.Sprintf("user%d@example.com", i)), SessionOptions{})
			if err != nil {
				errs <- err
				return
			}
			if res.Session == nil {
				errs <- fmt.Errorf("attach %d got no session", i)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	if rec.callCount() != 1 {
		t.Errorf("factory ran %d times for one workspace, want 1", rec.callCount())
	}
	workspaces, sessions := m.Counts()
	if workspaces != 1 || sessions != n {
		t.Errorf("counts = %d/%d, want 1/%d", workspaces, sessions, n)
	}
	if err := m.CheckCoherence(); err != nil {
		t.Errorf("registry incoherent: %v", err)
	}
}

func TestManager_CloseSocketThenReap(t *testing.T) {
	m := newTestManager(pipeline.NewMemoryFactory())
	defer m.Shutdown(context.Background())

	sess, conn := attach(t, m, testClaims("acme", "ada@example.com"), SessionOptions{})
	sock := findSocket(t, m, sess)

	m.CloseSocket(sock)
	waitFor(t, func() bool { return conn.isClosed() }, "socket close")
	if !sess.IsClosed() {
		t.Error("session not marked closed")
	}

	workspaces, sessions := m.Counts()
	if workspaces != 1 || sessions != 0 {
		t.Fatalf("counts = %d/%d after close, want 1/0", workspaces, sessions)
	}

	// Soft shutdown: the default two ticks reap the empty workspace.
	m.ReapIdle()
	if w, _ := m.Counts(); w != 1 {
		t.Fatalf("workspace reaped one tick early")
	}
	m.ReapIdle()
	if w, _ := m.Counts(); w != 0 {
		t.Fatalf("workspace not reaped after countdown")
	}
}

// findSocket digs the socket for a session out of the registry.
func findSocket(t *testing.T, m *Manager, sess *Session) *Socket {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.index {
		if b.session == sess {
			return b.socket
		}
	}
	t.Fatal("session has no socket in the index")
	return nil
}

func TestManager_AttachResetsSoftShutdown(t *testing.T) {
	m := newTestManager(pipeline.NewMemoryFactory())
	defer m.Shutdown(context.Background())

	sess, _ := attach(t, m, testClaims("acme", "ada@example.com"), SessionOptions{})
	m.CloseSocket(findSocket(t, m, sess))
	m.ReapIdle()

	// A fresh attach cancels the countdown.
	attach(t, m, testClaims("acme", "bob@example.com"), SessionOptions{})
	m.ReapIdle()
	m.ReapIdle()

	if w, s := m.Counts(); w != 1 || s != 1 {
		t.Errorf("counts = %d/%d, want 1/1 with countdown reset", w, s)
	}
}

func TestManager_ReconnectEvictsPriorSession(t *testing.T) {
	m := newTestManager(pipeline.NewMemoryFactory())
	defer m.Shutdown(context.Background())

	opts := SessionOptions{SessionID: "tab-1", Broadcast: true}
	first, conn1 := attach(t, m, testClaims("acme", "ada@example.com"), opts)
	second, _ := attach(t, m, testClaims("acme", "ada@example.com"), opts)

	waitFor(t, func() bool { return conn1.isClosed() }, "prior socket close")
	if !first.IsClosed() {
		t.Error("evicted session not marked closed")
	}
	if second.ID() != "tab-1" {
		t.Errorf("session id = %q, want tab-1", second.ID())
	}

	workspaces, sessions := m.Counts()
	if workspaces != 1 || sessions != 1 {
		t.Errorf("counts = %d/%d, want 1/1", workspaces, sessions)
	}
	if err := m.CheckCoherence(); err != nil {
		t.Errorf("registry incoherent after eviction: %v", err)
	}
}

func TestManager_BroadcastRouting(t *testing.T) {
	m := newTestManager(pipeline.NewMemoryFactory())
	defer m.Shutdown(context.Background())

	sender, senderConn := attach(t, m, testClaims("acme", "ada@example.com"), SessionOptions{SessionID: "s-a", Broadcast: true})
	_, peerConn := attach(t, m, testClaims("acme", "bob@example.com"), SessionOptions{SessionID: "s-b", Broadcast: true})
	_, optOutConn := attach(t, m, testClaims("acme", "eve@example.com"), SessionOptions{SessionID: "s-c", Broadcast: false})
	_, toolConn := attach(t, m, upgradeClaims("acme", "ops@example.com"), SessionOptions{SessionID: "s-d", Broadcast: true})

	if _, err := sender.Tx(context.Background(), wire.NumberID(1), []byte(`{"class":"doc","object":{"v":1}}`)); err != nil {
		t.Fatalf("Tx failed: %v", err)
	}

	waitFor(t, func() bool { return peerConn.writeCount() == 1 }, "peer delivery")
	time.Sleep(50 * time.Millisecond)

	if got := senderConn.writeCount(); got != 0 {
		t.Errorf("originator received %d frames, want 0", got)
	}
	if got := optOutConn.writeCount(); got != 0 {
		t.Errorf("opted-out session received %d frames, want 0", got)
	}
	if got := toolConn.writeCount(); got != 0 {
		t.Errorf("upgrade tooling received %d frames, want 0", got)
	}

	peerConn.mu.Lock()
	frame := string(peerConn.writes[0])
	peerConn.mu.Unlock()
	var resp wire.Response
	if err := wire.Decode([]byte(frame), false, &resp); err != nil {
		t.Fatalf("broadcast frame undecodable: %v", err)
	}
	if !resp.ID.IsZero() {
		t.Errorf("broadcast carries id %s, want none", resp.ID)
	}
	if !strings.Contains(string(resp.Result), `"tx"`) {
		t.Errorf("broadcast result = %s", resp.Result)
	}
}

func TestManager_BroadcastTargetsUsers(t *testing.T) {
	m := newTestManager(pipeline.NewMemoryFactory())
	defer m.Shutdown(context.Background())

	_, adaConn := attach(t, m, testClaims("acme", "ada@example.com"), SessionOptions{Broadcast: true})
	_, bobConn := attach(t, m, testClaims("acme", "bob@example.com"), SessionOptions{Broadcast: true})

	push, err := wire.Push(wire.Status{State: "poke"})
	if err != nil {
		t.Fatal(err)
	}
	m.Broadcast(pipeline.Broadcast{
		Workspace: "acme",
		Target:    []string{"ada@example.com"},
		Payload:   push,
	})

	waitFor(t, func() bool { return adaConn.writeCount() == 1 }, "targeted delivery")
	time.Sleep(50 * time.Millisecond)
	if got := bobConn.writeCount(); got != 0 {
		t.Errorf("untargeted session received %d frames, want 0", got)
	}
}

func TestManager_ForceCloseOpensUpgradeWindow(t *testing.T) {
	rec := &factoryRecorder{inner: pipeline.NewMemoryFactory()}
	m := newTestManager(rec.factory)
	defer m.Shutdown(context.Background())

	_, conn := attach(t, m, testClaims("acme", "ada@example.com"), SessionOptions{Broadcast: true})

	if !m.ForceClose("acme") {
		t.Fatal("ForceClose reported missing workspace")
	}
	waitFor(t, func() bool { return conn.isClosed() }, "evicted socket close")

	// The evicted client was told why.
	conn.mu.Lock()
	var kicked bool
	for _, w := range conn.writes {
		if strings.Contains(string(w), wire.StateUpgrading) {
			kicked = true
		}
	}
	conn.mu.Unlock()
	if !kicked {
		t.Error("evicted session never saw the upgrading status")
	}

	// The entry stays behind as the admission window.
	if w, s := m.Counts(); w != 1 || s != 0 {
		t.Fatalf("counts = %d/%d after force-close, want 1/0", w, s)
	}

	// Ordinary clients are refused with the upgrade notice.
	sock, _ := newMgrSocket(m)
	res, err := m.AddSession(context.Background(), sock, testClaims("acme", "carl@example.com"), SessionOptions{})
	if err != nil {
		t.Fatalf("AddSession during window errored: %v", err)
	}
	if !res.Upgrade || res.Notice == nil {
		t.Fatalf("ordinary client admitted during window: %+v", res)
	}
	if res.Notice.Info.Workspace != "acme" {
		t.Errorf("notice workspace = %q", res.Notice.Info.Workspace)
	}

	// Migration tooling gets in and receives a fresh upgrade-mode pipeline.
	tool, _ := attach(t, m, upgradeClaims("acme", "ops@example.com"), SessionOptions{})
	if !tool.IsUpgradeClient() {
		t.Error("tool session not flagged as upgrade client")
	}
	rec.mu.Lock()
	calls, upgrades := rec.calls, append([]bool(nil), rec.upgrades...)
	rec.mu.Unlock()
	if calls != 2 {
		t.Fatalf("factory ran %d times, want 2", calls)
	}
	if upgrades[0] || !upgrades[1] {
		t.Errorf("factory upgrade flags = %v, want [false true]", upgrades)
	}
}

func TestManager_FactoryFailureRemovesWorkspace(t *testing.T) {
	boom := errors.New("no such workspace")
	m := newTestManager(func(ctx context.Context, ws token.WorkspaceRef, upgrade bool, emit pipeline.Emitter) (pipeline.Pipeline, error) {
		return nil, boom
	})
	defer m.Shutdown(context.Background())

	sock, _ := newMgrSocket(m)
	_, err := m.AddSession(context.Background(), sock, testClaims("acme", "ada@example.com"), SessionOptions{})
	if !errors.Is(err, boom) {
		t.Fatalf("AddSession error = %v, want %v", err, boom)
	}
	if w, s := m.Counts(); w != 0 || s != 0 {
		t.Errorf("counts = %d/%d after factory failure, want 0/0", w, s)
	}
}

func TestManager_FactorySignalsUpgradeRequired(t *testing.T) {
	mem := pipeline.NewMemoryFactory()
	m := newTestManager(func(ctx context.Context, ws token.WorkspaceRef, upgrade bool, emit pipeline.Emitter) (pipeline.Pipeline, error) {
		if !upgrade {
			return nil, pipeline.ErrUpgradeRequired
		}
		return mem(ctx, ws, upgrade, emit)
	})
	defer m.Shutdown(context.Background())

	// An ordinary client bounces off with the notice, not an error.
	sock, _ := newMgrSocket(m)
	res, err := m.AddSession(context.Background(), sock, testClaims("acme", "ada@example.com"), SessionOptions{})
	if err != nil {
		t.Fatalf("AddSession errored: %v", err)
	}
	if !res.Upgrade || res.Notice == nil {
		t.Fatalf("expected upgrade refusal, got %+v", res)
	}
	if w, _ := m.Counts(); w != 1 {
		t.Fatalf("workspace dropped instead of held for upgrade")
	}

	// Tooling attaches and triggers the upgrade-mode build.
	tool, _ := attach(t, m, upgradeClaims("acme", "ops@example.com"), SessionOptions{})
	if tool.Workspace().Key() != "acme" {
		t.Errorf("tool attached to %q", tool.Workspace().Key())
	}
}

func TestManager_MaintenanceCountdown(t *testing.T) {
	m := newTestManager(pipeline.NewMemoryFactory())
	defer m.Shutdown(context.Background())

	_, conn := attach(t, m, testClaims("acme", "ada@example.com"), SessionOptions{Broadcast: true})

	m.ScheduleMaintenance(2)
	if got := m.MaintenanceRemaining(); got != 2 {
		t.Fatalf("remaining = %d, want 2", got)
	}

	m.MaintenanceTick()
	waitFor(t, func() bool { return conn.writeCount() >= 1 }, "first countdown push")
	if w, s := m.Counts(); w != 1 || s != 1 {
		t.Fatalf("counts = %d/%d mid-countdown, want 1/1", w, s)
	}

	m.MaintenanceTick()
	waitFor(t, func() bool { return conn.isClosed() }, "shutdown at zero")
	if w, s := m.Counts(); w != 0 || s != 0 {
		t.Errorf("counts = %d/%d after expiry, want 0/0", w, s)
	}
	if got := m.MaintenanceRemaining(); got != 0 {
		t.Errorf("remaining = %d after expiry, want 0", got)
	}

	conn.mu.Lock()
	joined := ""
	for _, w := range conn.writes {
		joined += string(w) + "\n"
	}
	conn.mu.Unlock()
	if !strings.Contains(joined, `"remaining":2`) || !strings.Contains(joined, `"remaining":1`) {
		t.Errorf("countdown pushes missing:\n%s", joined)
	}
}

func TestManager_ScheduleMaintenanceRearms(t *testing.T) {
	m := newTestManager(pipeline.NewMemoryFactory())
	defer m.Shutdown(context.Background())

	m.ScheduleMaintenance(30)
	m.ScheduleMaintenance(5)
	if got := m.MaintenanceRemaining(); got != 5 {
		t.Errorf("remaining = %d after re-arm, want 5", got)
	}
	m.ScheduleMaintenance(0)
	m.MaintenanceTick()
	if got := m.MaintenanceRemaining(); got != 0 {
		t.Errorf("remaining = %d after cancel, want 0", got)
	}
}

func TestManager_ShutdownClosesEverything(t *testing.T) {
	m := newTestManager(pipeline.NewMemoryFactory())

	_, conn1 := attach(t, m, testClaims("acme", "ada@example.com"), SessionOptions{})
	_, conn2 := attach(t, m, testClaims("globex", "bob@example.com"), SessionOptions{})

	m.Shutdown(context.Background())

	waitFor(t, func() bool { return conn1.isClosed() && conn2.isClosed() }, "all sockets closed")
	if w, s := m.Counts(); w != 0 || s != 0 {
		t.Errorf("counts = %d/%d after shutdown, want 0/0", w, s)
	}

	sock, _ := newMgrSocket(m)
	_, err := m.AddSession(context.Background(), sock, testClaims("acme", "late@example.com"), SessionOptions{})
	var werr *wire.Error
	if !errors.As(err, &werr) || werr.Code != wire.CodeShuttingDown {
		t.Errorf("attach after shutdown = %v, want SHUTTING_DOWN", err)
	}
}

func TestManager_SnapshotAggregates(t *testing.T) {
	m := newTestManager(pipeline.NewMemoryFactory())
	defer m.Shutdown(context.Background())

	ada, _ := attach(t, m, testClaims("acme", "ada@example.com"), SessionOptions{})
	bob, _ := attach(t, m, testClaims("acme", "bob@example.com"), SessionOptions{})

	ada.FindAll(context.Background(), wire.NumberID(1), "documents", nil, nil)
	ada.FindAll(context.Background(), wire.NumberID(2), "documents", nil, nil)
	bob.Tx(context.Background(), wire.NumberID(3), []byte(`{"class":"doc","object":{}}`))

	snap := m.Snapshot(false)
	if snap.Sessions != 2 || snap.Workspaces != 1 {
		t.Errorf("snapshot counts = %d/%d", snap.Sessions, snap.Workspaces)
	}
	if snap.Total.Find != 2 || snap.Total.Tx != 1 {
		t.Errorf("snapshot totals = %+v", snap.Total)
	}
	if snap.Detail != nil {
		t.Error("non-admin snapshot carries detail")
	}

	m.MarkBackup("acme", true)
	admin := m.Snapshot(true)
	if len(admin.Detail) != 1 {
		t.Fatalf("detail workspaces = %d, want 1", len(admin.Detail))
	}
	ws := admin.Detail[0]
	if ws.State != StateReady || !ws.Backup {
		t.Errorf("workspace detail = state %q backup %v", ws.State, ws.Backup)
	}
	if len(ws.Sessions) != 2 {
		t.Errorf("detail sessions = %d, want 2", len(ws.Sessions))
	}
	if ws.Sessions[0].ID > ws.Sessions[1].ID {
		t.Error("detail sessions not sorted")
	}
}

func TestManager_WipeStatistics(t *testing.T) {
	m := newTestManager(pipeline.NewMemoryFactory())
	defer m.Shutdown(context.Background())

	ada, _ := attach(t, m, testClaims("acme", "ada@example.com"), SessionOptions{})
	ada.FindAll(context.Background(), wire.NumberID(1), "documents", nil, nil)
	m.RollStats()

	m.WipeStatistics()
	snap := m.Snapshot(false)
	if snap.Total.Find != 0 || snap.Mins5.Find != 0 {
		t.Errorf("statistics survived wipe: %+v", snap)
	}
}

func TestManager_PipelineContract(t *testing.T) {
	mp := new(pipeline.MockPipeline)
	m := newTestManager(func(ctx context.Context, ws token.WorkspaceRef, upgrade bool, emit pipeline.Emitter) (pipeline.Pipeline, error) {
		return mp, nil
	})

	query := json.RawMessage(`{"kind":"active"}`)
	options := json.RawMessage(`{"limit":10}`)
	txDoc := json.RawMessage(`{"class":"doc","object":{"rev":4}}`)

	mp.On("FindAll", mock.Anything, "documents", query, options).
		Return(json.RawMessage(`[{"name":"roadmap"}]`), nil).Once()
	// Transactions reach the engine tagged with the originating session.
	mp.On("Tx", mock.MatchedBy(func(ctx context.Context) bool {
		return pipeline.OriginFromContext(ctx) == "tab-1"
	}), txDoc).Return(json.RawMessage(`{"applied":true}`), nil).Once()
	mp.On("Close", mock.Anything).Return(nil).Once()

	sess, _ := attach(t, m, testClaims("acme", "ada@example.com"), SessionOptions{SessionID: "tab-1"})

	got, err := sess.FindAll(context.Background(), wire.NumberID(1), "documents", query, options)
	if err != nil {
		t.Fatalf("FindAll failed: %v", err)
	}
	if string(got) != `[{"name":"roadmap"}]` {
		t.Errorf("FindAll result = %s", got)
	}
	applied, err := sess.Tx(context.Background(), wire.NumberID(2), txDoc)
	if err != nil {
		t.Fatalf("Tx failed: %v", err)
	}
	if string(applied) != `{"applied":true}` {
		t.Errorf("Tx result = %s", applied)
	}

	m.Shutdown(context.Background())
	mp.AssertExpectations(t)
}

func TestManager_PipelineErrorPassthrough(t *testing.T) {
	mp := new(pipeline.MockPipeline)
	stale := errors.New("stale revision")
	mp.On("FindAll", mock.Anything, "ledger", json.RawMessage(nil), json.RawMessage(nil)).
		Return(nil, stale)
	mp.On("Close", mock.Anything).Return(errors.New("engine hung"))

	m := newTestManager(func(ctx context.Context, ws token.WorkspaceRef, upgrade bool, emit pipeline.Emitter) (pipeline.Pipeline, error) {
		return mp, nil
	})

	sess, _ := attach(t, m, testClaims("acme", "ada@example.com"), SessionOptions{})
	if _, err := sess.FindAll(context.Background(), wire.NumberID(1), "ledger", nil, nil); !errors.Is(err, stale) {
		t.Errorf("FindAll error = %v, want %v", err, stale)
	}

	// A hung engine close must not wedge the teardown.
	m.Shutdown(context.Background())
	if w, s := m.Counts(); w != 0 || s != 0 {
		t.Errorf("counts = %d/%d after shutdown, want 0/0", w, s)
	}
	mp.AssertCalled(t, "Close", mock.Anything)
}
