package sessionmux

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MAGI3/Magi/lib/cdp"
	"github.com/MAGI3/Magi/lib/events"
	"github.com/MAGI3/Magi/lib/surface"
	"github.com/MAGI3/Magi/lib/surface/sim"
)

type stubResolver struct {
	mu    sync.Mutex
	pages map[string]surface.Page
}

func (r *stubResolver) PageSurface(pageID string) (surface.Page, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pg, ok := r.pages[pageID]
	return pg, ok
}

type sink struct {
	mu   sync.Mutex
	msgs [][]byte
}

func (s *sink) send(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = append(s.msgs, p)
}

func (s *sink) all() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.msgs))
	copy(out, s.msgs)
	return out
}

func (s *sink) waitN(t *testing.T, n int) [][]byte {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := s.all(); len(got) >= n {
			return got
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages, have %d", n, len(s.all()))
	return nil
}

func fastOptions() Options {
	return Options{
		InitialSettle: time.Millisecond,
		FinalSettle:   time.Millisecond,
		ReadyTimeout:  500 * time.Millisecond,
	}
}

func newMuxFixture(t *testing.T) (*Mux, *sim.Provider, surface.Page, string) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	provider := sim.New()
	part, err := provider.NewBrowserPartition(context.Background(), "part")
	require.NoError(t, err)
	pg, err := provider.NewPage(context.Background(), part, surface.PageOptions{})
	require.NoError(t, err)
	resolver := &stubResolver{pages: map[string]surface.Page{"P1": pg}}
	return New(provider, resolver, logger, fastOptions()), provider, pg, "P1"
}

func TestSessionIDRoundTrip(t *testing.T) {
	sid := SessionID{PageID: "abc123", Seq: 42}
	assert.Equal(t, "abc123-session-42", sid.String())

	parsed, err := ParseSessionID("abc123-session-42")
	require.NoError(t, err)
	assert.Equal(t, sid, parsed)

	// a page id containing the marker still parses back to itself
	odd := SessionID{PageID: "weird-session-x", Seq: 7}
	parsed, err = ParseSessionID(odd.String())
	require.NoError(t, err)
	assert.Equal(t, odd, parsed)

	for _, bad := range []string{"", "nosession", "-session-1", "p-session-", "p-session-x"} {
		_, err := ParseSessionID(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestBindingSharedAndReleasedWithLastSession(t *testing.T) {
	m, provider, pg, pid := newMuxFixture(t)
	ctx := context.Background()

	var a, b sink
	s1, err := m.AttachClient(ctx, pid, "connA", false, a.send)
	require.NoError(t, err)
	require.True(t, provider.DebuggerAttached(pg))

	s2, err := m.AttachClient(ctx, pid, "connB", false, b.send)
	require.NoError(t, err)
	assert.NotEqual(t, s1, s2)
	assert.Greater(t, s2.Seq, s1.Seq)

	require.NoError(t, m.DetachSession(s1))
	assert.True(t, provider.DebuggerAttached(pg), "binding must survive while a session remains")

	require.NoError(t, m.DetachSession(s2))
	assert.False(t, provider.DebuggerAttached(pg), "last detach releases the binding")

	assert.ErrorIs(t, m.DetachSession(s2), ErrSessionNotFound)
}

func TestAttachUnknownPage(t *testing.T) {
	m, _, _, _ := newMuxFixture(t)
	var s sink
	_, err := m.AttachClient(context.Background(), "nope", "c", false, s.send)
	assert.ErrorIs(t, err, ErrPageNotFound)
}

func TestResponseGoesToOwnerOnly(t *testing.T) {
	m, provider, pg, pid := newMuxFixture(t)
	ctx := context.Background()

	var a, b sink
	sa, err := m.AttachClient(ctx, pid, "connA", false, a.send)
	require.NoError(t, err)
	_, err = m.AttachClient(ctx, pid, "connB", false, b.send)
	require.NoError(t, err)

	provider.ScriptResponse(pg, "Page.enable", json.RawMessage(`{"ok":true}`))
	require.NoError(t, m.RouteRequest(ctx, sa, []byte(`{"id":7,"method":"Page.enable","params":{}}`)))

	got := a.waitN(t, 1)
	assert.JSONEq(t, `{"id":7,"result":{"ok":true}}`, string(got[0]))
	assert.Empty(t, b.all(), "response leaked to a non-owning client")
}

func TestFractionalRequestIDRoundTrip(t *testing.T) {
	m, _, _, pid := newMuxFixture(t)
	ctx := context.Background()

	var a sink
	sa, err := m.AttachClient(ctx, pid, "connA", false, a.send)
	require.NoError(t, err)

	require.NoError(t, m.RouteRequest(ctx, sa, []byte(`{"id":1.5,"method":"Page.enable"}`)))

	got := a.waitN(t, 1)
	assert.JSONEq(t, `{"id":1.5,"result":{}}`, string(got[0]))
}

func TestWrappedSessionFraming(t *testing.T) {
	m, _, _, pid := newMuxFixture(t)
	ctx := context.Background()

	var a sink
	sa, err := m.AttachClient(ctx, pid, "connA", true, a.send)
	require.NoError(t, err)

	require.NoError(t, m.RouteRequest(ctx, sa, []byte(`{"id":11,"method":"Page.enable","params":{}}`)))

	got := a.waitN(t, 1)
	var env struct {
		Method string                              `json:"method"`
		Params cdp.ReceivedMessageFromTargetParams `json:"params"`
	}
	require.NoError(t, json.Unmarshal(got[0], &env))
	assert.Equal(t, "Target.receivedMessageFromTarget", env.Method)
	assert.Equal(t, sa.String(), env.Params.SessionID)
	assert.Equal(t, pid, env.Params.TargetID)
	assert.JSONEq(t, `{"id":11,"result":{}}`, env.Params.Message)
}

func TestDebuggerErrorBecomesServerError(t *testing.T) {
	m, provider, pg, pid := newMuxFixture(t)
	ctx := context.Background()

	var a sink
	sa, err := m.AttachClient(ctx, pid, "connA", false, a.send)
	require.NoError(t, err)

	// closing the page invalidates the sim debugger channel
	require.NoError(t, provider.ClosePage(ctx, pg))
	require.NoError(t, m.RouteRequest(ctx, sa, []byte(`{"id":1,"method":"Runtime.enable"}`)))

	got := a.waitN(t, 1)
	var resp cdp.Response
	require.NoError(t, json.Unmarshal(got[0], &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, cdp.CodeServerError, resp.Error.Code)
	assert.Equal(t, json.Number("1"), resp.ID)
}

func TestEventsFanOutToEverySessionOnce(t *testing.T) {
	m, provider, pg, pid := newMuxFixture(t)
	ctx := context.Background()

	var a, b sink
	_, err := m.AttachClient(ctx, pid, "connA", false, a.send)
	require.NoError(t, err)
	_, err = m.AttachClient(ctx, pid, "connB", false, b.send)
	require.NoError(t, err)

	provider.EmitDebuggerEvent(pg, "Page.frameStartedLoading", json.RawMessage(`{"frameId":"f1"}`))
	provider.EmitDebuggerEvent(pg, "Page.loadEventFired", json.RawMessage(`{"timestamp":1}`))

	for _, s := range []*sink{&a, &b} {
		got := s.waitN(t, 2)
		require.Len(t, got, 2)
		var first, second cdp.Envelope
		require.NoError(t, json.Unmarshal(got[0], &first))
		require.NoError(t, json.Unmarshal(got[1], &second))
		assert.Equal(t, "Page.frameStartedLoading", first.Method)
		assert.Equal(t, "Page.loadEventFired", second.Method)
	}
}

func TestAttachWaitsForLoadCompletion(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	provider := sim.New()
	provider.HoldLoads = true
	part, err := provider.NewBrowserPartition(context.Background(), "part")
	require.NoError(t, err)
	pg, err := provider.NewPage(context.Background(), part, surface.PageOptions{})
	require.NoError(t, err)
	resolver := &stubResolver{pages: map[string]surface.Page{"P1": pg}}
	m := New(provider, resolver, logger, Options{
		InitialSettle: time.Millisecond,
		FinalSettle:   time.Millisecond,
		ReadyTimeout:  5 * time.Second,
	})

	require.NoError(t, provider.Navigate(context.Background(), pg, "https://slow.example"))

	var s sink
	done := make(chan error, 1)
	go func() {
		_, err := m.AttachClient(context.Background(), "P1", "c", false, s.send)
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("attach finished before load settled: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	provider.FinishLoad(pg)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("attach did not complete after load finished")
	}
}

func TestAttachProceedsOnReadyTimeout(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	provider := sim.New()
	provider.HoldLoads = true
	part, _ := provider.NewBrowserPartition(context.Background(), "part")
	pg, _ := provider.NewPage(context.Background(), part, surface.PageOptions{})
	resolver := &stubResolver{pages: map[string]surface.Page{"P1": pg}}
	m := New(provider, resolver, logger, Options{
		InitialSettle: time.Millisecond,
		FinalSettle:   time.Millisecond,
		ReadyTimeout:  50 * time.Millisecond,
	})

	require.NoError(t, provider.Navigate(context.Background(), pg, "https://never.example"))

	var s sink
	start := time.Now()
	_, err := m.AttachClient(context.Background(), "P1", "c", false, s.send)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestPageDestroyedTearsDownSessions(t *testing.T) {
	m, provider, pg, pid := newMuxFixture(t)
	ctx := context.Background()

	bus := events.NewBus()
	m.BindBus(bus)

	var a sink
	sa, err := m.AttachClient(ctx, pid, "connA", false, a.send)
	require.NoError(t, err)

	bus.Publish(events.PageDestroyed{BrowserID: "B1", PageID: pid})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !provider.DebuggerAttached(pg) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.False(t, provider.DebuggerAttached(pg))
	assert.ErrorIs(t, m.RouteRequest(ctx, sa, []byte(`{"id":1,"method":"x"}`)), ErrSessionNotFound)
}

func TestDetachConnectionDropsAllOwnedSessions(t *testing.T) {
	m, provider, pg, pid := newMuxFixture(t)
	ctx := context.Background()

	var a, b sink
	_, err := m.AttachClient(ctx, pid, "connA", false, a.send)
	require.NoError(t, err)
	sb, err := m.AttachClient(ctx, pid, "connB", false, b.send)
	require.NoError(t, err)

	m.DetachConnection("connA")
	assert.True(t, provider.DebuggerAttached(pg))
	owner, ok := m.SessionOwner(sb)
	require.True(t, ok)
	assert.Equal(t, "connB", owner)

	m.DetachConnection("connB")
	assert.False(t, provider.DebuggerAttached(pg))
}
