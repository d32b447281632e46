package engine

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/attrmesh/pkg/failures"
	"github.com/cuemby/attrmesh/pkg/metrics"
	"github.com/cuemby/attrmesh/pkg/store"
	"github.com/cuemby/attrmesh/pkg/types"
)

type storeCall struct {
	kind  string // "upsert", "delete", "clear"
	req   store.WriteRequest
	query failures.ClearQuery
	id    string
}

type fakeStore struct {
	mu        sync.Mutex
	connected bool
	nextID    int
	calls     []storeCall
	comps     chan store.Completion
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		connected: true,
		comps:     make(chan store.Completion, 16),
	}
}

func (s *fakeStore) record(c storeCall) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	c.id = fmt.Sprintf("call-%d", s.nextID)
	s.calls = append(s.calls, c)
	return c.id
}

func (s *fakeStore) Upsert(req store.WriteRequest) string {
	return s.record(storeCall{kind: "upsert", req: req})
}

func (s *fakeStore) Delete(req store.WriteRequest) string {
	return s.record(storeCall{kind: "delete", req: req})
}

func (s *fakeStore) DeleteMatching(q failures.ClearQuery) string {
	return s.record(storeCall{kind: "clear", query: q})
}

func (s *fakeStore) Completions() <-chan store.Completion { return s.comps }

func (s *fakeStore) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *fakeStore) Close() error { return nil }

func (s *fakeStore) setConnected(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = v
}

func (s *fakeStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *fakeStore) callsOf(kind string) []storeCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storeCall
	for _, c := range s.calls {
		if c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

// complete acknowledges the most recent call with err.
func (s *fakeStore) complete(err error) {
	s.mu.Lock()
	last := s.calls[len(s.calls)-1]
	s.mu.Unlock()
	s.comps <- store.Completion{CallID: last.id, Err: err}
}

type fakeTransport struct {
	mu         sync.Mutex
	self       string
	peers      map[string]bool
	broadcasts []*types.Request
	sends      map[string][]*types.Request
	sendErr    error
}

func newFakeTransport(self string, peers ...string) *fakeTransport {
	t := &fakeTransport{
		self:  self,
		peers: make(map[string]bool),
		sends: make(map[string][]*types.Request),
	}
	for _, p := range peers {
		t.peers[p] = true
	}
	return t
}

func (t *fakeTransport) Broadcast(req *types.Request) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.broadcasts = append(t.broadcasts, req.Clone())
	return nil
}

func (t *fakeTransport) SendTo(peer string, req *types.Request) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sends[peer] = append(t.sends[peer], req.Clone())
	return nil
}

func (t *fakeTransport) HasPeer(name string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peers[name]
}

func (t *fakeTransport) Peers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := []string{t.self}
	for p := range t.peers {
		out = append(out, p)
	}
	return out
}

func (t *fakeTransport) Self() string { return t.self }

func (t *fakeTransport) Forget(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.peers, name)
}

func (t *fakeTransport) Close() error { return nil }

func (t *fakeTransport) broadcastCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.broadcasts)
}

func (t *fakeTransport) sentTo(peer string) []*types.Request {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sends[peer]
}

type fixture struct {
	engine *Engine
	st     *fakeStore
	tr     *fakeTransport
}

func newFixture(t *testing.T, peers ...string) *fixture {
	t.Helper()
	st := newFakeStore()
	tr := newFakeTransport("node-1", peers...)
	e := New(Config{
		NodeName:  "node-1",
		NodeID:    1,
		Store:     st,
		Transport: tr,
	})
	e.Start()
	t.Cleanup(e.Stop)
	return &fixture{engine: e, st: st, tr: tr}
}

// sync waits until everything submitted before it has been processed.
// Snapshot round-trips through the event loop, which drains tasks in order.
func (f *fixture) sync() []AttributeStatus {
	return f.engine.Snapshot()
}

func (f *fixture) attr(t *testing.T, name string) AttributeStatus {
	t.Helper()
	for _, a := range f.sync() {
		if a.Name == name {
			return a
		}
	}
	t.Fatalf("attribute %q not in snapshot", name)
	return AttributeStatus{}
}

func update(name, value string) *types.Request {
	return &types.Request{Op: types.OpUpdate, Name: name, Value: types.StringValue(value)}
}

func TestUpdateWithoutDampeningWritesImmediately(t *testing.T) {
	f := newFixture(t)

	f.engine.Submit(update("pingd", "100"))
	f.sync()

	upserts := f.st.callsOf("upsert")
	require.Len(t, upserts, 1)
	assert.Equal(t, "pingd", upserts[0].req.Name)
	assert.Equal(t, "100", *upserts[0].req.Value)
	assert.Equal(t, "node-1", upserts[0].req.Owner)
	assert.Equal(t, types.SectionStatus, upserts[0].req.Section)
	assert.Equal(t, 1, f.tr.broadcastCount())

	f.st.complete(nil)
	assert.Eventually(t, func() bool {
		a := f.attr(t, "pingd")
		return a.Confirmed != nil && *a.Confirmed == "100"
	}, time.Second, 10*time.Millisecond)
}

func TestDampeningCoalescesRapidUpdates(t *testing.T) {
	f := newFixture(t)

	for i, v := range []string{"1", "2", "3"} {
		req := update("load", v)
		if i == 0 {
			req.Dampen = "60ms"
		}
		f.engine.Submit(req)
	}
	f.sync()

	// All three arrived inside the window: no write yet, but every
	// change was announced to peers.
	assert.Empty(t, f.st.callsOf("upsert"))
	assert.Equal(t, 3, f.tr.broadcastCount())
	assert.True(t, f.attr(t, "load").TimerArmed)

	assert.Eventually(t, func() bool {
		return len(f.st.callsOf("upsert")) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "3", *f.st.callsOf("upsert")[0].req.Value)

	f.st.complete(nil)
	assert.Eventually(t, func() bool {
		a := f.attr(t, "load")
		return !a.TimerArmed && a.Confirmed != nil && *a.Confirmed == "3"
	}, time.Second, 10*time.Millisecond)
}

func TestReassertingConfirmedValueIsIgnored(t *testing.T) {
	f := newFixture(t)

	f.engine.Submit(update("pingd", "100"))
	f.sync()
	f.st.complete(nil)
	assert.Eventually(t, func() bool {
		a := f.attr(t, "pingd")
		return a.Confirmed != nil
	}, time.Second, 10*time.Millisecond)

	f.engine.Submit(update("pingd", "100"))
	f.sync()

	assert.Len(t, f.st.callsOf("upsert"), 1)
	assert.Equal(t, 1, f.tr.broadcastCount())
}

func TestSameValueRidesArmedTimer(t *testing.T) {
	f := newFixture(t)

	req := update("load", "5")
	req.Dampen = "80ms"
	f.engine.Submit(req)
	f.sync()
	assert.Equal(t, 1, f.tr.broadcastCount())

	f.engine.Submit(update("load", "5"))
	f.sync()

	// Second submit neither re-announced nor restarted the timer.
	assert.Equal(t, 1, f.tr.broadcastCount())
	assert.Eventually(t, func() bool {
		return len(f.st.callsOf("upsert")) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestTransientWriteFailureLeavesValueDesired(t *testing.T) {
	f := newFixture(t)

	f.engine.Submit(update("pingd", "100"))
	f.sync()
	require.Len(t, f.st.callsOf("upsert"), 1)

	f.st.complete(store.ErrSyncInProgress)
	f.sync()

	a := f.attr(t, "pingd")
	require.NotNil(t, a.Desired)
	assert.Equal(t, "100", *a.Desired)
	assert.Nil(t, a.Confirmed)

	// Resync resends the still-desired value.
	f.engine.Resync()
	f.sync()
	require.Len(t, f.st.callsOf("upsert"), 2)
	f.st.complete(nil)
	assert.Eventually(t, func() bool {
		a := f.attr(t, "pingd")
		return a.Confirmed != nil && *a.Confirmed == "100"
	}, time.Second, 10*time.Millisecond)
}

func TestUpdateForPeerIsForwardedVerbatim(t *testing.T) {
	f := newFixture(t, "node-2")

	req := update("pingd", "50")
	req.Host = "node-2"
	f.engine.Submit(req)
	f.sync()

	sent := f.tr.sentTo("node-2")
	require.Len(t, sent, 1)
	assert.Equal(t, "pingd", sent[0].Name)
	assert.Equal(t, "node-2", sent[0].Host)

	// No local table mutation, no store call.
	assert.Empty(t, f.sync())
	assert.Zero(t, f.st.callCount())
}

func TestDeleteOfMissingAttributeCompletesClean(t *testing.T) {
	f := newFixture(t)

	f.engine.Submit(update("pingd", "100"))
	f.sync()
	f.st.complete(nil)

	del := &types.Request{Op: types.OpUpdate, Name: "pingd"}
	f.engine.Submit(del)
	f.sync()
	require.Len(t, f.st.callsOf("delete"), 1)

	f.st.complete(store.ErrNotFound)
	assert.Eventually(t, func() bool {
		a := f.attr(t, "pingd")
		return a.Desired == nil && a.Confirmed == nil
	}, time.Second, 10*time.Millisecond)
}

func TestPatternUpdateMatchesExistingEntriesOnly(t *testing.T) {
	f := newFixture(t)

	f.engine.Submit(update("fail-count-web#start_0", "1"))
	f.engine.Submit(update("fail-count-db#monitor_10000", "2"))
	f.engine.Submit(update("pingd", "100"))
	f.sync()

	req := &types.Request{Op: types.OpUpdate, Pattern: "^fail-count-"}
	f.engine.Submit(req)
	f.sync()

	require.Len(t, f.st.callsOf("delete"), 2)
	a := f.attr(t, "pingd")
	assert.NotNil(t, a.Desired)
}

func TestInvalidPatternIsDropped(t *testing.T) {
	f := newFixture(t)

	f.engine.Submit(&types.Request{Op: types.OpUpdate, Pattern: "("})
	f.sync()

	assert.Zero(t, f.st.callCount())
	assert.Equal(t, 0, f.tr.broadcastCount())
}

func TestMalformedUpdateIsDropped(t *testing.T) {
	f := newFixture(t)

	f.engine.Submit(&types.Request{Op: types.OpUpdate, Value: types.StringValue("5")})
	f.sync()

	assert.Zero(t, f.st.callCount())
	assert.Empty(t, f.sync())
}

func TestValueExpansion(t *testing.T) {
	f := newFixture(t)

	f.engine.Submit(update("fail-count-web#start_0", "1"))
	f.sync()
	f.st.complete(nil)

	f.engine.Submit(update("fail-count-web#start_0", "fail-count-web#start_0++"))
	f.sync()

	upserts := f.st.callsOf("upsert")
	require.Len(t, upserts, 2)
	assert.Equal(t, "2", *upserts[1].req.Value)
}

func TestPeerAnnouncementAppliesImmediately(t *testing.T) {
	f := newFixture(t, "node-2")

	req := update("pingd", "75")
	req.Origin = "node-2"
	req.SuppressLocal = true
	req.Dampen = "5m"
	f.engine.SubmitFromPeer(req)
	f.sync()

	// The announcing node absorbed the dampening; we persist right away
	// and do not re-announce.
	a := f.attr(t, "pingd")
	assert.False(t, a.TimerArmed)
	require.Len(t, f.st.callsOf("upsert"), 1)
	assert.Equal(t, 0, f.tr.broadcastCount())
}

func TestOwnEchoIsSkipped(t *testing.T) {
	f := newFixture(t)

	req := update("load", "5")
	req.Dampen = "200ms"
	f.engine.Submit(req)
	f.sync()

	// Simulate the broadcast coming back around.
	echo := update("load", "5")
	echo.Origin = "node-1"
	echo.SuppressLocal = true
	f.engine.SubmitFromPeer(echo)
	f.sync()

	assert.True(t, f.attr(t, "load").TimerArmed)
	assert.Empty(t, f.st.callsOf("upsert"))
}

func TestRelayedRequestProcessedAsLocal(t *testing.T) {
	f := newFixture(t)

	req := update("pingd", "42")
	req.Host = "node-1"
	f.engine.SubmitFromPeer(req)
	f.sync()

	require.Len(t, f.st.callsOf("upsert"), 1)
	assert.Equal(t, 1, f.tr.broadcastCount())
}

func TestRefreshRewritesAllValuedEntries(t *testing.T) {
	f := newFixture(t)

	f.engine.Submit(update("pingd", "100"))
	req := update("load", "5")
	req.Dampen = "5m"
	f.engine.Submit(req)
	f.sync()
	require.Len(t, f.st.callsOf("upsert"), 1)

	f.engine.Submit(&types.Request{Op: types.OpRefresh})
	f.sync()

	// Both entries written, the armed timer cancelled.
	assert.Len(t, f.st.callsOf("upsert"), 3)
	assert.False(t, f.attr(t, "load").TimerArmed)
}

func TestClearFailureLocalHost(t *testing.T) {
	f := newFixture(t)

	f.engine.Submit(update("fail-count-web#monitor_10000", "3"))
	f.engine.Submit(update("last-failure-web#monitor_10000", "1724700000"))
	f.engine.Submit(update("fail-count-db#start_0", "1"))
	f.sync()

	req := &types.Request{Op: types.OpClearFailure, Host: "node-1", Resource: "web"}
	f.engine.Submit(req)
	f.sync()

	deletes := f.st.callsOf("delete")
	require.Len(t, deletes, 2)
	assert.Nil(t, f.attr(t, "fail-count-web#monitor_10000").Desired)
	assert.NotNil(t, f.attr(t, "fail-count-db#start_0").Desired)
}

func TestClearFailureUnknownHostGoesToStore(t *testing.T) {
	f := newFixture(t)

	req := &types.Request{Op: types.OpClearFailure, Host: "ghost", Resource: "web"}
	f.engine.Submit(req)
	f.sync()

	clears := f.st.callsOf("clear")
	require.Len(t, clears, 1)
	assert.Equal(t, "ghost", clears[0].query.Host)
	assert.Equal(t, "web", clears[0].query.Resource)
	assert.Equal(t, 0, f.tr.broadcastCount())
}

func TestClearFailureKnownPeerIsRelayed(t *testing.T) {
	f := newFixture(t, "node-2")

	req := &types.Request{Op: types.OpClearFailure, Host: "node-2", Resource: "web"}
	f.engine.Submit(req)
	f.sync()

	require.Len(t, f.tr.sentTo("node-2"), 1)
	assert.Empty(t, f.st.callsOf("clear"))
}

func TestClearFailureAllHostsFansOut(t *testing.T) {
	f := newFixture(t, "node-2")

	f.engine.Submit(update("fail-count-web#monitor_10000", "3"))
	f.sync()
	broadcastsBefore := f.tr.broadcastCount()

	req := &types.Request{Op: types.OpClearFailure}
	f.engine.Submit(req)
	f.sync()

	// One broadcast of the clear itself, plus the per-entry delete
	// announcement from the local clear, plus the store query for
	// remote-class nodes.
	assert.GreaterOrEqual(t, f.tr.broadcastCount(), broadcastsBefore+2)
	assert.Len(t, f.st.callsOf("clear"), 1)
	assert.Nil(t, f.attr(t, "fail-count-web#monitor_10000").Desired)
}

func TestRemoteNodeUpdateBypassesTable(t *testing.T) {
	f := newFixture(t)

	req := update("pingd", "100")
	req.Host = "remote-1"
	req.IsRemote = true
	f.engine.Submit(req)
	f.sync()

	upserts := f.st.callsOf("upsert")
	require.Len(t, upserts, 1)
	assert.Equal(t, "remote-1", upserts[0].req.Owner)
	assert.True(t, upserts[0].req.Remote)
	assert.Empty(t, f.sync())
	assert.Equal(t, 0, f.tr.broadcastCount())
}

func TestRemoteDeleteOfMissingAttributeCompletesClean(t *testing.T) {
	f := newFixture(t)

	okBefore := testutil.ToFloat64(metrics.StoreWritesTotal.WithLabelValues("ok"))
	errBefore := testutil.ToFloat64(metrics.StoreWritesTotal.WithLabelValues("error"))

	del := &types.Request{Op: types.OpUpdate, Name: "pingd", Host: "remote-1", IsRemote: true}
	f.engine.Submit(del)
	f.sync()

	deletes := f.st.callsOf("delete")
	require.Len(t, deletes, 1)
	assert.Equal(t, "remote-1", deletes[0].req.Owner)

	// Deleting an attribute the store never held is the outcome the
	// caller wanted, same as on the local path.
	f.st.complete(store.ErrNotFound)
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(metrics.StoreWritesTotal.WithLabelValues("ok")) == okBefore+1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, errBefore, testutil.ToFloat64(metrics.StoreWritesTotal.WithLabelValues("error")))
}

func TestRemotePatternUpdateRejected(t *testing.T) {
	f := newFixture(t)

	req := &types.Request{Op: types.OpUpdate, Host: "remote-1", IsRemote: true, Pattern: "^fail-count-"}
	f.engine.Submit(req)
	f.sync()

	assert.Zero(t, f.st.callCount())
}

func TestDisconnectedStoreDefersWrite(t *testing.T) {
	f := newFixture(t)
	f.st.setConnected(false)

	f.engine.Submit(update("pingd", "100"))
	f.sync()
	assert.Empty(t, f.st.callsOf("upsert"))

	a := f.attr(t, "pingd")
	require.NotNil(t, a.Desired)
	assert.Equal(t, "100", *a.Desired)

	f.st.setConnected(true)
	f.engine.Resync()
	f.sync()
	require.Len(t, f.st.callsOf("upsert"), 1)
}

func TestPeerRemoveBroadcastsAndForgets(t *testing.T) {
	f := newFixture(t, "node-2")

	req := &types.Request{Op: types.OpPeerRemove, Host: "node-2"}
	f.engine.Submit(req)
	f.sync()

	assert.Equal(t, 1, f.tr.broadcastCount())
	assert.False(t, f.tr.HasPeer("node-2"))
}

func TestDefaultDampeningApplies(t *testing.T) {
	st := newFakeStore()
	tr := newFakeTransport("node-1")
	e := New(Config{
		NodeName:      "node-1",
		Store:         st,
		Transport:     tr,
		DefaultDampen: 60 * time.Millisecond,
	})
	e.Start()
	t.Cleanup(e.Stop)
	f := &fixture{engine: e, st: st, tr: tr}

	f.engine.Submit(update("load", "1"))
	f.sync()

	assert.Empty(t, f.st.callsOf("upsert"))
	assert.True(t, f.attr(t, "load").TimerArmed)
	assert.Eventually(t, func() bool {
		return len(f.st.callsOf("upsert")) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestMetadataChangeDuringArmedTimer(t *testing.T) {
	f := newFixture(t)

	req := update("load", "5")
	req.Dampen = "10m"
	f.engine.Submit(req)
	f.sync()
	assert.True(t, f.attr(t, "load").TimerArmed)

	// New value with a short window restarts the timer with the new
	// interval; the long timer must not survive.
	req2 := update("load", "6")
	req2.Dampen = "50ms"
	f.engine.Submit(req2)
	f.sync()

	assert.Eventually(t, func() bool {
		return len(f.st.callsOf("upsert")) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, "6", *f.st.callsOf("upsert")[0].req.Value)
}
