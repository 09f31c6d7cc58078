package jetstream

import (
	"context"
	"sync"
	"testing"
	"time"

	natstest "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/element-hq/fedcore/setup/config"
)

func collect(t *testing.T, ctx context.Context, js nats.JetStreamContext, cfg *config.JetStream, ok func() bool) (func() []string, error) {
	t.Helper()
	var mu sync.Mutex
	var got []string
	err := JetStreamConsumer(ctx, js, cfg.Prefixed(OutputRoomEvent), cfg.Durable("TestConsumer"), 10,
		func(ctx context.Context, msgs []*nats.Msg) bool {
			if !ok() {
				return false
			}
			mu.Lock()
			defer mu.Unlock()
			for _, msg := range msgs {
				got = append(got, msg.Header.Get(EventID))
			}
			return true
		}, nats.DeliverAll(), nats.ManualAck(),
	)
	return func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), got...)
	}, err
}

func publish(t *testing.T, js nats.JetStreamContext, subject, eventID string) {
	t.Helper()
	msg := nats.NewMsg(subject)
	msg.Header.Set(EventID, eventID)
	msg.Data = []byte("{}")
	_, err := js.PublishMsg(msg)
	require.NoError(t, err)
}

func TestEmbeddedInMemoryRoundTrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := &config.JetStream{TopicPrefix: "Test", InMemory: true}

	var instance NATSInstance
	js, nc, err := instance.Prepare(ctx, cfg)
	require.NoError(t, err)
	defer nc.Close()

	info, err := js.StreamInfo(cfg.Prefixed(OutputRoomEvent))
	require.NoError(t, err)
	assert.Equal(t, nats.MemoryStorage, info.Config.Storage)

	// A second Prepare returns the same connection.
	js2, nc2, err := instance.Prepare(ctx, cfg)
	require.NoError(t, err)
	assert.Same(t, nc, nc2)
	assert.Equal(t, js, js2)

	got, err := collect(t, ctx, js, cfg, func() bool { return true })
	require.NoError(t, err)
	publish(t, js, cfg.Prefixed(OutputRoomEvent), "$a")
	publish(t, js, cfg.Prefixed(OutputRoomEvent), "$b")

	assert.Eventually(t, func() bool {
		return len(got()) == 2
	}, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"$a", "$b"}, got())
}

func TestExternalServerRedeliversNakedMessages(t *testing.T) {
	opts := natstest.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	srv := natstest.RunServer(&opts)
	defer srv.Shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cfg := &config.JetStream{TopicPrefix: "Ext", Addresses: []string{srv.ClientURL()}}

	var instance NATSInstance
	js, nc, err := instance.Prepare(ctx, cfg)
	require.NoError(t, err)
	defer nc.Close()

	info, err := js.StreamInfo(cfg.Prefixed(OutputRoomEvent))
	require.NoError(t, err)
	assert.Equal(t, nats.FileStorage, info.Config.Storage)

	var mu sync.Mutex
	attempts := 0
	got, err := collect(t, ctx, js, cfg, func() bool {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		return attempts > 1
	})
	require.NoError(t, err)
	publish(t, js, cfg.Prefixed(OutputRoomEvent), "$retried")

	assert.Eventually(t, func() bool {
		return len(got()) == 1
	}, 10*time.Second, 20*time.Millisecond)
	assert.Equal(t, []string{"$retried"}, got())
}
