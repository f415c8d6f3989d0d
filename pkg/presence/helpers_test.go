package presence

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.UnixMilli(1_700_000_000_000)

type fixture struct {
	mr    *miniredis.Miniredis
	rdb   *redis.Client
	store *Store
	clock *clockwork.FakeClock
	host  *LocalPlayers
	reg   *Registry
	logs  *syncBuffer
}

// newFixture starts an in-memory Redis and a registry for self within nodes.
func newFixture(t *testing.T, self string, nodes ...string) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)

	logs := &syncBuffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	store := NewStore(redis.NewClient(&redis.Options{Addr: mr.Addr()}), logger)
	t.Cleanup(func() { _ = store.Close() })

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cluster, err := NewCluster(self, nodes)
	require.NoError(t, err)

	clock := clockwork.NewFakeClockAt(testEpoch)
	return &fixture{
		mr:    mr,
		rdb:   rdb,
		store: store,
		clock: clock,
		host:  NewLocalPlayers([]string{"lobby", "survival", "creative"}),
		reg:   NewRegistry(store, cluster, clock, logger),
		logs:  logs,
	}
}

func (f *fixture) isMember(t *testing.T, node, player string) bool {
	t.Helper()
	ok, err := f.rdb.SIsMember(context.Background(), usersOnlineKey(node), player).Result()
	require.NoError(t, err)
	return ok
}

func (f *fixture) addMember(t *testing.T, node string, players ...string) {
	t.Helper()
	for _, p := range players {
		require.NoError(t, f.rdb.SAdd(context.Background(), usersOnlineKey(node), p).Err())
	}
}

func (f *fixture) record(t *testing.T, player string) map[string]string {
	t.Helper()
	fields, err := f.rdb.HGetAll(context.Background(), playerKey(player)).Result()
	require.NoError(t, err)
	return fields
}

func (f *fixture) setRecord(t *testing.T, player string, fieldValues ...string) {
	t.Helper()
	args := make([]any, len(fieldValues))
	for i, v := range fieldValues {
		args[i] = v
	}
	require.NoError(t, f.rdb.HSet(context.Background(), playerKey(player), args...).Err())
}

func (f *fixture) get(t *testing.T, key string) string {
	t.Helper()
	v, err := f.rdb.Get(context.Background(), key).Result()
	require.NoError(t, err)
	return v
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// recorder is a Dispatcher that remembers every command.
type recorder struct {
	mu   sync.Mutex
	cmds []string
}

func (r *recorder) Dispatch(_ context.Context, command string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cmds = append(r.cmds, command)
	return nil
}

func (r *recorder) commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.cmds...)
}
