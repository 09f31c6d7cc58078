package queue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/matrix-org/gomatrix"
	"github.com/matrix-org/gomatrixserverlib/spec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/element-hq/fedcore/federationapi/fedclient"
	"github.com/element-hq/fedcore/federationapi/statistics"
	"github.com/element-hq/fedcore/federationapi/storage"
	"github.com/element-hq/fedcore/federationapi/types"
	"github.com/element-hq/fedcore/internal/pushgateway"
	rstypes "github.com/element-hq/fedcore/roomserver/types"
	"github.com/element-hq/fedcore/setup/config"
	"github.com/element-hq/fedcore/test"
)

const waitFor = 5 * time.Second
const tick = 5 * time.Millisecond

var remote = types.FederationDestination("remote.example")

type eventMap struct {
	mu     sync.Mutex
	events map[string]*rstypes.Event
}

func newEventMap(events ...*rstypes.Event) *eventMap {
	m := &eventMap{events: map[string]*rstypes.Event{}}
	for _, ev := range events {
		m.add(ev)
	}
	return m
}

func (m *eventMap) add(ev *rstypes.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[ev.EventID()] = ev
}

func (m *eventMap) Event(_ context.Context, eventID string) (*rstypes.StoredEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev, ok := m.events[eventID]
	if !ok {
		return nil, nil
	}
	return &rstypes.StoredEvent{Event: ev}, nil
}

type fakeFederation struct {
	mu          sync.Mutex
	txns        []fedclient.Transaction
	err         error
	delay       time.Duration
	block       chan struct{}
	started     chan fedclient.Transaction
	inflight    atomic.Int32
	maxInflight atomic.Int32
}

func (f *fakeFederation) SendTransaction(ctx context.Context, _ spec.ServerName, txn fedclient.Transaction) error {
	n := f.inflight.Inc()
	defer f.inflight.Dec()
	for {
		max := f.maxInflight.Load()
		if n <= max || f.maxInflight.CompareAndSwap(max, n) {
			break
		}
	}
	f.mu.Lock()
	f.txns = append(f.txns, txn)
	err := f.err
	f.mu.Unlock()
	if f.started != nil {
		f.started <- txn
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	time.Sleep(f.delay)
	return err
}

func (f *fakeFederation) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeFederation) transactions() []fedclient.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fedclient.Transaction(nil), f.txns...)
}

type fakeAppService struct {
	mu     sync.Mutex
	events [][]json.RawMessage
}

func (f *fakeAppService) SendTransaction(_ context.Context, _ *config.ApplicationService, _ string, events []json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, events)
	return nil
}

func (f *fakeAppService) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type fakePush struct {
	mu       sync.Mutex
	notified []string
	rejected []string
	// failOn fails the first notification for that event.
	failOn string
}

func (f *fakePush) Notify(_ context.Context, _ string, req *pushgateway.NotifyRequest, resp *pushgateway.NotifyResponse) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn != "" && f.failOn == req.Notification.EventID {
		f.failOn = ""
		return gomatrix.HTTPError{Code: http.StatusServiceUnavailable}
	}
	f.notified = append(f.notified, req.Notification.EventID)
	resp.Rejected = f.rejected
	return nil
}

func (f *fakePush) notifications() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.notified...)
}

type testQueues struct {
	*OutgoingQueues
	db    storage.Database
	stats *statistics.Statistics
	now   *atomic.Int64
}

func (q *testQueues) advance(d time.Duration) {
	q.now.Add(int64(d))
}

func newTestQueues(t *testing.T, events EventSource, senders Senders, mods ...func(*config.FederationAPI)) *testQueues {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	cfg := &config.FederationAPI{Matrix: &config.Global{ServerName: "local.example"}}
	cfg.Defaults(config.DefaultOpts{})
	for _, mod := range mods {
		mod(cfg)
	}
	opts, closeDB := test.DatabaseOptions(t, test.DBTypeSQLite)
	t.Cleanup(closeDB)
	db, err := storage.NewDatabase(ctx, opts)
	require.NoError(t, err)

	now := atomic.NewInt64(time.Unix(1_700_000_000, 0).UnixNano())
	stats := statistics.NewStatistics(db, cfg.SendQueue.MaxBackoff)
	stats.SetClock(func() time.Time { return time.Unix(0, now.Load()) })

	return &testQueues{
		OutgoingQueues: NewOutgoingQueues(ctx, db, events, cfg, stats, senders),
		db:             db,
		stats:          stats,
		now:            now,
	}
}

func messages(t *testing.T, n int) []*rstypes.Event {
	t.Helper()
	alice := test.NewUser(t)
	room := test.NewRoom(t, alice)
	events := make([]*rstypes.Event, 0, n)
	for i := 0; i < n; i++ {
		events = append(events, room.CreateAndInsert(t, alice, "m.room.message", map[string]interface{}{
			"msgtype": "m.text",
			"body":    "hello",
		}))
	}
	return events
}

func statusOf(q *testQueues, destination types.Destination) (DestinationStatus, bool) {
	for _, status := range q.Destinations() {
		if status.Destination == destination {
			return status, true
		}
	}
	return DestinationStatus{}, false
}

func waitState(t *testing.T, q *testQueues, destination types.Destination, state types.TransactionState, failures uint32) {
	t.Helper()
	require.Eventually(t, func() bool {
		status, ok := statusOf(q, destination)
		return ok && status.Status.State == state && status.Status.FailureCount == failures
	}, waitFor, tick)
}

func receive(t *testing.T, ch chan fedclient.Transaction) fedclient.Transaction {
	t.Helper()
	select {
	case txn := <-ch:
		return txn
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a transaction")
	}
	return fedclient.Transaction{}
}

func TestItemsQueuedDuringTransactionGoInOneFollowUp(t *testing.T) {
	t.Parallel()
	events := messages(t, 4)
	fed := &fakeFederation{
		block:   make(chan struct{}),
		started: make(chan fedclient.Transaction, 4),
	}
	q := newTestQueues(t, newEventMap(events...), Senders{Federation: fed})
	ctx := context.Background()

	require.NoError(t, q.SendEvent(ctx, events[0].EventID(), []types.Destination{remote}))
	first := receive(t, fed.started)
	require.Len(t, first.PDUs, 1)

	for _, ev := range events[1:] {
		require.NoError(t, q.SendEvent(ctx, ev.EventID(), []types.Destination{remote}))
	}
	assert.Equal(t, 4, q.QueueDepth()[remote])

	fed.block <- struct{}{}
	second := receive(t, fed.started)
	fed.block <- struct{}{}
	require.Len(t, second.PDUs, 3)
	for i, pdu := range second.PDUs {
		assert.JSONEq(t, string(events[i+1].JSON()), string(pdu))
	}

	waitState(t, q, remote, types.Idle, 0)
	assert.Len(t, fed.transactions(), 2)
	assert.Equal(t, 0, q.QueueDepth()[remote])
}

func TestFailedDestinationBacksOff(t *testing.T) {
	t.Parallel()
	events := messages(t, 1)
	fed := &fakeFederation{err: errors.New("connection refused")}
	q := newTestQueues(t, newEventMap(events...), Senders{Federation: fed})
	start := time.Unix(0, q.now.Load())

	require.NoError(t, q.SendEvent(context.Background(), events[0].EventID(), []types.Destination{remote}))
	waitState(t, q, remote, types.Failed, 1)

	q.advance(30 * time.Second)
	q.sweep()
	waitState(t, q, remote, types.Failed, 2)

	q.advance(120 * time.Second)
	q.sweep()
	waitState(t, q, remote, types.Failed, 3)

	failed := q.FailedDestinations()
	require.Contains(t, failed, remote)
	assert.Equal(t, uint32(3), failed[remote].FailureCount)
	assert.Equal(t, spec.AsTimestamp(start.Add(150*time.Second+270*time.Second)), failed[remote].RetryUntil)

	q.advance(269 * time.Second)
	q.sweep()
	status, _ := statusOf(q, remote)
	assert.Equal(t, types.Failed, status.Status.State)
	assert.Len(t, fed.transactions(), 3)

	q.advance(time.Second)
	q.sweep()
	waitState(t, q, remote, types.Failed, 4)
	assert.Len(t, fed.transactions(), 4)
}

func TestRetryKeepsTransactionID(t *testing.T) {
	t.Parallel()
	events := messages(t, 2)
	fed := &fakeFederation{err: gomatrix.HTTPError{Code: http.StatusBadGateway}}
	q := newTestQueues(t, newEventMap(events...), Senders{Federation: fed})
	ctx := context.Background()

	require.NoError(t, q.SendEvent(ctx, events[0].EventID(), []types.Destination{remote}))
	waitState(t, q, remote, types.Failed, 1)

	fed.setErr(nil)
	q.advance(30 * time.Second)
	q.sweep()
	waitState(t, q, remote, types.Idle, 0)

	txns := fed.transactions()
	require.Len(t, txns, 2)
	assert.Equal(t, txns[0].TxnID, txns[1].TxnID)
	assert.Empty(t, q.FailedDestinations())

	require.NoError(t, q.SendEvent(ctx, events[1].EventID(), []types.Destination{remote}))
	require.Eventually(t, func() bool { return len(fed.transactions()) == 3 }, waitFor, tick)
	assert.NotEqual(t, txns[0].TxnID, fed.transactions()[2].TxnID)
}

func TestTransactionIDIsStable(t *testing.T) {
	t.Parallel()
	a := &batch{durable: []types.QueuedItem{{Kind: types.ItemPDU, EventID: "$a"}, {Kind: types.ItemPDU, EventID: "$b"}}}
	b := &batch{durable: []types.QueuedItem{{Kind: types.ItemPDU, EventID: "$a"}, {Kind: types.ItemPDU, EventID: "$b"}}}
	c := &batch{durable: []types.QueuedItem{{Kind: types.ItemPDU, EventID: "$b"}, {Kind: types.ItemPDU, EventID: "$a"}}}
	assert.Equal(t, transactionID(a), transactionID(b))
	assert.NotEqual(t, transactionID(a), transactionID(c))
	assert.NotContains(t, transactionID(a), "=")
	assert.Len(t, transactionID(a), 43)
}

func TestOneTransactionInFlightPerDestination(t *testing.T) {
	t.Parallel()
	events := messages(t, 40)
	fed := &fakeFederation{delay: 2 * time.Millisecond}
	q := newTestQueues(t, newEventMap(events...), Senders{Federation: fed}, func(cfg *config.FederationAPI) {
		cfg.SendQueue.BatchSize = 3
	})

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; i < len(events); i += 4 {
				assert.NoError(t, q.SendEvent(context.Background(), events[i].EventID(), []types.Destination{remote}))
			}
		}(w)
	}
	wg.Wait()

	require.Eventually(t, func() bool { return q.QueueDepth()[remote] == 0 }, waitFor, tick)
	byJSON := map[string]string{}
	for _, ev := range events {
		byJSON[string(ev.JSON())] = ev.EventID()
	}
	seen := map[string]int{}
	for _, txn := range fed.transactions() {
		assert.LessOrEqual(t, len(txn.PDUs), 3)
		for _, pdu := range txn.PDUs {
			eventID, ok := byJSON[string(pdu)]
			require.True(t, ok)
			seen[eventID]++
		}
	}
	assert.Len(t, seen, len(events))
	for eventID, count := range seen {
		assert.Equal(t, 1, count, eventID)
	}
	assert.Equal(t, int32(1), fed.maxInflight.Load())
}

func TestRejectedTransactionStaysQueued(t *testing.T) {
	t.Parallel()
	for _, code := range []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound} {
		code := code
		t.Run(http.StatusText(code), func(t *testing.T) {
			t.Parallel()
			events := messages(t, 1)
			fed := &fakeFederation{err: gomatrix.HTTPError{Code: code}}
			q := newTestQueues(t, newEventMap(events...), Senders{Federation: fed})

			require.NoError(t, q.SendEvent(context.Background(), events[0].EventID(), []types.Destination{remote}))
			waitState(t, q, remote, types.Failed, 1)
			assert.Equal(t, 1, q.QueueDepth()[remote])
			assert.Contains(t, q.FailedDestinations(), remote)

			fed.setErr(nil)
			q.advance(30 * time.Second)
			q.sweep()
			waitState(t, q, remote, types.Idle, 0)
			assert.Equal(t, 0, q.QueueDepth()[remote])

			txns := fed.transactions()
			require.Len(t, txns, 2)
			assert.Equal(t, txns[0].TxnID, txns[1].TxnID)
			require.Len(t, txns[1].PDUs, 1)
			assert.JSONEq(t, string(events[0].JSON()), string(txns[1].PDUs[0]))
		})
	}
}

func TestDeniedAndOwnServerAreSkipped(t *testing.T) {
	t.Parallel()
	events := messages(t, 1)
	fed := &fakeFederation{}
	q := newTestQueues(t, newEventMap(events...), Senders{Federation: fed}, func(cfg *config.FederationAPI) {
		cfg.DenyList = []spec.ServerName{"denied.example"}
	})
	destinations := []types.Destination{
		types.FederationDestination("denied.example"),
		types.FederationDestination("local.example"),
	}
	require.NoError(t, q.SendEvent(context.Background(), events[0].EventID(), destinations))
	assert.Empty(t, q.Destinations())
	assert.Empty(t, fed.transactions())
}

func TestEphemeralEDUs(t *testing.T) {
	t.Parallel()
	events := messages(t, 1)
	fed := &fakeFederation{
		block:   make(chan struct{}),
		started: make(chan fedclient.Transaction, 4),
	}
	q := newTestQueues(t, newEventMap(events...), Senders{Federation: fed}, func(cfg *config.FederationAPI) {
		cfg.SendQueue.MaxEphemeralPerTransaction = 2
	})
	ctx := context.Background()

	require.NoError(t, q.SendEvent(ctx, events[0].EventID(), []types.Destination{remote}))
	receive(t, fed.started)

	for _, user := range []string{"@a:local.example", "@b:local.example", "@c:local.example"} {
		content, err := json.Marshal(map[string]interface{}{"user_id": user, "typing": true})
		require.NoError(t, err)
		edu := &types.EDU{Type: "m.typing", Content: content}
		require.NoError(t, q.SendEDU(ctx, edu, []spec.ServerName{"remote.example"}, false))
	}

	fed.block <- struct{}{}
	second := receive(t, fed.started)
	fed.block <- struct{}{}
	assert.Empty(t, second.PDUs)
	require.Len(t, second.EDUs, 2)
	assert.Contains(t, string(second.EDUs[0]), "@b:local.example")
	assert.Contains(t, string(second.EDUs[1]), "@c:local.example")
	waitState(t, q, remote, types.Idle, 0)
	assert.Equal(t, 0, q.QueueDepth()[remote])
}

func TestReliableEDUsAreStored(t *testing.T) {
	t.Parallel()
	fed := &fakeFederation{}
	q := newTestQueues(t, newEventMap(), Senders{Federation: fed})
	edu := &types.EDU{Type: "m.direct_to_device", Content: json.RawMessage(`{"message_id":"abc"}`)}

	require.NoError(t, q.SendEDU(context.Background(), edu, []spec.ServerName{"remote.example"}, true))
	require.Eventually(t, func() bool { return len(fed.transactions()) == 1 }, waitFor, tick)
	txn := fed.transactions()[0]
	require.Len(t, txn.EDUs, 1)
	assert.JSONEq(t, `{"edu_type":"m.direct_to_device","content":{"message_id":"abc"}}`, string(txn.EDUs[0]))
}

func TestPushSkipsRedactedEvents(t *testing.T) {
	t.Parallel()
	events := messages(t, 2)
	redacted, err := events[0].Redact()
	require.NoError(t, err)
	push := &fakePush{}
	pushers := pushgateway.NewRegistry([]config.Pusher{{
		UserID: "@bob:local.example", PushKey: "key", AppID: "app", URL: "http://push.example/_matrix/push/v1/notify",
	}})
	q := newTestQueues(t, newEventMap(redacted, events[1]), Senders{Push: push, Pushers: pushers})
	dest := types.PushDestination("@bob:local.example", "key")
	ctx := context.Background()

	require.NoError(t, q.SendEvent(ctx, events[0].EventID(), []types.Destination{dest}))
	require.NoError(t, q.SendEvent(ctx, events[1].EventID(), []types.Destination{dest}))
	require.Eventually(t, func() bool { return q.QueueDepth()[dest] == 0 }, waitFor, tick)
	assert.Equal(t, []string{events[1].EventID()}, push.notifications())

	edu := &types.EDU{Type: "m.typing", Content: json.RawMessage(`{}`)}
	require.NoError(t, q.Enqueue(ctx, dest, types.QueuedItem{Kind: types.ItemEphemeral, EDU: edu}))
	assert.Equal(t, 0, q.QueueDepth()[dest])
}

func TestPushRejectedKeyRemovesPusher(t *testing.T) {
	t.Parallel()
	events := messages(t, 1)
	push := &fakePush{rejected: []string{"key"}}
	pushers := pushgateway.NewRegistry([]config.Pusher{{
		UserID: "@bob:local.example", PushKey: "key", AppID: "app", URL: "http://push.example/_matrix/push/v1/notify",
	}})
	q := newTestQueues(t, newEventMap(events...), Senders{Push: push, Pushers: pushers})
	dest := types.PushDestination("@bob:local.example", "key")

	require.NoError(t, q.SendEvent(context.Background(), events[0].EventID(), []types.Destination{dest}))
	require.Eventually(t, func() bool { return q.QueueDepth()[dest] == 0 }, waitFor, tick)
	_, ok := pushers.Pusher("@bob:local.example", "key")
	assert.False(t, ok)
	assert.Empty(t, q.FailedDestinations())
}

func TestPushRetrySkipsNotifiedEvents(t *testing.T) {
	t.Parallel()
	events := messages(t, 3)
	push := &fakePush{failOn: events[1].EventID()}
	pushers := pushgateway.NewRegistry([]config.Pusher{{
		UserID: "@bob:local.example", PushKey: "key", AppID: "app", URL: "http://push.example/_matrix/push/v1/notify",
	}})
	q := newTestQueues(t, newEventMap(events...), Senders{Push: push, Pushers: pushers})
	dest := types.PushDestination("@bob:local.example", "key")
	ctx := context.Background()

	for _, ev := range events {
		_, err := q.db.Enqueue(ctx, dest, types.QueuedItem{Kind: types.ItemPDU, EventID: ev.EventID()})
		require.NoError(t, err)
	}
	require.NoError(t, q.Start())
	waitState(t, q, dest, types.Failed, 1)
	assert.Equal(t, []string{events[0].EventID()}, push.notifications())

	q.advance(30 * time.Second)
	q.sweep()
	waitState(t, q, dest, types.Idle, 0)
	assert.Equal(t, []string{events[0].EventID(), events[1].EventID(), events[2].EventID()}, push.notifications())
	assert.Equal(t, 0, q.QueueDepth()[dest])
}

func TestAppServiceDelivery(t *testing.T) {
	t.Parallel()
	events := messages(t, 1)
	as := &fakeAppService{}
	appservices := &config.AppServiceAPI{Derived: []config.ApplicationService{{
		ID: "bridge", URL: "http://bridge.example", HSToken: "hs",
	}}}
	q := newTestQueues(t, newEventMap(events...), Senders{AppService: as, AppServices: appservices})
	ctx := context.Background()

	require.NoError(t, q.SendEvent(ctx, events[0].EventID(), []types.Destination{types.AppServiceDestination("bridge")}))
	require.Eventually(t, func() bool { return as.calls() == 1 }, waitFor, tick)

	gone := types.AppServiceDestination("gone")
	require.NoError(t, q.SendEvent(ctx, events[0].EventID(), []types.Destination{gone}))
	require.Eventually(t, func() bool { return q.QueueDepth()[gone] == 0 }, waitFor, tick)
	waitState(t, q, gone, types.Idle, 0)
	assert.Equal(t, 1, as.calls())

	as.mu.Lock()
	defer as.mu.Unlock()
	require.Len(t, as.events[0], 1)
	var clientEvent map[string]interface{}
	require.NoError(t, json.Unmarshal(as.events[0][0], &clientEvent))
	assert.Equal(t, events[0].EventID(), clientEvent["event_id"])
	assert.NotContains(t, clientEvent, "signatures")
	assert.NotContains(t, clientEvent, "prev_events")
}

func TestResumeRequeuesOversizedActiveSet(t *testing.T) {
	t.Parallel()
	events := messages(t, 35)
	fed := &fakeFederation{}
	q := newTestQueues(t, newEventMap(events...), Senders{Federation: fed})
	ctx := context.Background()

	for _, ev := range events {
		_, err := q.db.Enqueue(ctx, remote, types.QueuedItem{Kind: types.ItemPDU, EventID: ev.EventID()})
		require.NoError(t, err)
	}
	_, err := q.db.MarkActive(ctx, remote, len(events))
	require.NoError(t, err)

	require.NoError(t, q.Start())
	require.Eventually(t, func() bool { return len(fed.transactions()) == 2 }, waitFor, tick)
	txns := fed.transactions()
	assert.Len(t, txns[0].PDUs, 30)
	assert.Len(t, txns[1].PDUs, 5)
	require.Eventually(t, func() bool { return q.QueueDepth()[remote] == 0 }, waitFor, tick)
}

func TestResumeRespectsPersistedBackoff(t *testing.T) {
	t.Parallel()
	events := messages(t, 1)
	fed := &fakeFederation{}
	q := newTestQueues(t, newEventMap(events...), Senders{Federation: fed})
	ctx := context.Background()

	_, err := q.db.Enqueue(ctx, remote, types.QueuedItem{Kind: types.ItemPDU, EventID: events[0].EventID()})
	require.NoError(t, err)
	until := time.Unix(0, q.now.Load()).Add(time.Minute)
	require.NoError(t, q.db.SetRetryState(ctx, remote, types.RetryState{FailureCount: 2, RetryUntil: spec.AsTimestamp(until)}))

	require.NoError(t, q.Start())
	waitState(t, q, remote, types.Failed, 2)
	assert.Empty(t, fed.transactions())

	q.advance(time.Minute)
	q.sweep()
	waitState(t, q, remote, types.Idle, 0)
	assert.Len(t, fed.transactions(), 1)
}

func TestSweepForgetsIdleDestinations(t *testing.T) {
	t.Parallel()
	events := messages(t, 1)
	fed := &fakeFederation{}
	q := newTestQueues(t, newEventMap(events...), Senders{Federation: fed})

	require.NoError(t, q.SendEvent(context.Background(), events[0].EventID(), []types.Destination{remote}))
	waitState(t, q, remote, types.Idle, 0)
	require.Eventually(t, func() bool { return q.QueueDepth()[remote] == 0 }, waitFor, tick)

	q.sweep()
	assert.Empty(t, q.Destinations())
}

func TestDeleteAll(t *testing.T) {
	t.Parallel()
	events := messages(t, 1)
	fed := &fakeFederation{err: errors.New("unreachable")}
	q := newTestQueues(t, newEventMap(events...), Senders{Federation: fed})
	ctx := context.Background()

	require.NoError(t, q.SendEvent(ctx, events[0].EventID(), []types.Destination{remote}))
	waitState(t, q, remote, types.Failed, 1)

	require.NoError(t, q.DeleteAll(ctx, remote))
	assert.Equal(t, 0, q.QueueDepth()[remote])
	assert.Empty(t, q.FailedDestinations())
	count, err := q.db.ItemCount(ctx, remote)
	require.NoError(t, err)
	assert.Zero(t, count)
}
