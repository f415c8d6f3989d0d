package presence

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type runningRelay struct {
	relay *Relay
	rec   *recorder
	stop  func()
}

func startRelay(t *testing.T, f *fixture, self string) *runningRelay {
	t.Helper()
	cluster, err := NewCluster(self, []string{"proxy-a", "proxy-b"})
	require.NoError(t, err)

	rec := &recorder{}
	relay := NewRelay(f.store, cluster, "redisbungee", rec, slog.New(slog.NewTextHandler(f.logs, nil)))
	relay.newBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(10 * time.Millisecond) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	rr := &runningRelay{relay: relay, rec: rec}
	var once sync.Once
	rr.stop = func() {
		once.Do(func() {
			cancel()
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(3 * time.Second):
				t.Error("relay did not stop")
			}
		})
	}
	t.Cleanup(rr.stop)
	return rr
}

func waitSubscribed(t *testing.T, f *fixture, channel string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.mr.PubSubNumSub(channel)[channel] == n
	}, 3*time.Second, 10*time.Millisecond, "waiting for %d subscribers on %s", n, channel)
}

func TestRelayChannel(t *testing.T) {
	f := newFixture(t, "proxy-a", "proxy-a", "proxy-b")
	r := NewRelay(f.store, f.reg.Cluster(), "redisbungee", &recorder{}, nil)

	assert.Equal(t, "redisbungee-proxy-b", r.Channel("proxy-b"))
	assert.Equal(t, "redisbungee-allservers", r.Channel(BroadcastTarget))
}

func TestRelaySendRejectsUnknownTarget(t *testing.T) {
	f := newFixture(t, "proxy-a", "proxy-a", "proxy-b")
	r := NewRelay(f.store, f.reg.Cluster(), "redisbungee", &recorder{}, nil)

	// With the server gone, only a check made before any I/O can report
	// an invalid argument.
	f.mr.Close()
	err := r.Send(context.Background(), "proxy-z", "glist")
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.False(t, errors.Is(err, ErrStoreUnavailable))

	err = r.Send(context.Background(), "proxy-b", "glist")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestRelayDelivery(t *testing.T) {
	f := newFixture(t, "proxy-a", "proxy-a", "proxy-b")
	a := startRelay(t, f, "proxy-a")
	b := startRelay(t, f, "proxy-b")
	waitSubscribed(t, f, "redisbungee-allservers", 2)
	waitSubscribed(t, f, "redisbungee-proxy-a", 1)
	waitSubscribed(t, f, "redisbungee-proxy-b", 1)
	ctx := context.Background()

	require.NoError(t, a.relay.Send(ctx, BroadcastTarget, "/glist"))
	require.NoError(t, a.relay.Send(ctx, "proxy-b", "alert maintenance"))

	require.Eventually(t, func() bool {
		return len(a.rec.commands()) == 1 && len(b.rec.commands()) == 2
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"glist"}, a.rec.commands())
	assert.Equal(t, []string{"glist", "alert maintenance"}, b.rec.commands())
}

func TestRelayIgnoresBlankPayload(t *testing.T) {
	f := newFixture(t, "proxy-a", "proxy-a", "proxy-b")
	a := startRelay(t, f, "proxy-a")
	waitSubscribed(t, f, "redisbungee-proxy-a", 1)

	f.mr.Publish("redisbungee-proxy-a", "   ")
	f.mr.Publish("redisbungee-proxy-a", "//find alice")

	require.Eventually(t, func() bool {
		return len(a.rec.commands()) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"/find alice"}, a.rec.commands(), "only one leading slash is stripped")
}

func TestRelayUnsubscribesOnStop(t *testing.T) {
	f := newFixture(t, "proxy-a", "proxy-a", "proxy-b")
	a := startRelay(t, f, "proxy-a")
	waitSubscribed(t, f, "redisbungee-proxy-a", 1)
	waitSubscribed(t, f, "redisbungee-allservers", 1)

	a.stop()

	waitSubscribed(t, f, "redisbungee-proxy-a", 0)
	waitSubscribed(t, f, "redisbungee-allservers", 0)
}

func TestRelayResubscribesWhenStoreReturns(t *testing.T) {
	f := newFixture(t, "proxy-a", "proxy-a", "proxy-b")
	f.mr.Close()
	a := startRelay(t, f, "proxy-a")

	require.Eventually(t, func() bool {
		return strings.Contains(f.logs.String(), "Relay subscription lost")
	}, 3*time.Second, 10*time.Millisecond)
	require.NoError(t, f.mr.Restart())
	waitSubscribed(t, f, "redisbungee-proxy-a", 1)

	f.mr.Publish("redisbungee-proxy-a", "serverid")
	require.Eventually(t, func() bool {
		return len(a.rec.commands()) == 1
	}, 3*time.Second, 10*time.Millisecond)
}
