package refresh

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/emsrefresh/internal/inventory"
	"github.com/tonimelisma/emsrefresh/internal/snapshot"
)

// testLogger returns a debug-level logger that writes to t.Log,
// so all activity appears in CI output.
func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(&testLogWriter{t: t}, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// testLogWriter adapts testing.T to io.Writer for slog.
type testLogWriter struct {
	t *testing.T
}

func (w *testLogWriter) Write(p []byte) (int, error) {
	w.t.Helper()
	w.t.Log(string(p))

	return len(p), nil
}

func newTestStore(t *testing.T) *inventory.Store {
	t.Helper()

	s, err := inventory.Open(filepath.Join(t.TempDir(), "inventory.db"), 5*time.Second, testLogger(t))
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})

	return s
}

// requeueCall is one QueueRefresh call seen by fakeRequeuer.
type requeueCall struct {
	emsID int64
	ids   []int64
}

// fakeRequeuer records targeted refresh requests instead of queueing them.
type fakeRequeuer struct {
	calls []requeueCall
}

func (f *fakeRequeuer) QueueRefresh(_ context.Context, emsID int64, _ string, entities []*inventory.Entity) error {
	ids := make([]int64, len(entities))
	for i, e := range entities {
		ids[i] = e.ID
	}

	f.calls = append(f.calls, requeueCall{emsID: emsID, ids: ids})

	return nil
}

// testEnv bundles a refresher, its store, and its requeuer.
type testEnv struct {
	rf       *Refresher
	store    *inventory.Store
	requeuer *fakeRequeuer
	metrics  *Metrics
	ems      *inventory.Provider
}

func newTestEnv(t *testing.T, configure ...func(*Config)) *testEnv {
	t.Helper()

	env := &testEnv{
		store:    newTestStore(t),
		requeuer: &fakeRequeuer{},
		metrics:  NewMetrics(nil),
	}

	cfg := &Config{
		Store:    env.store,
		Requeuer: env.requeuer,
		Metrics:  env.metrics,
		Logger:   testLogger(t),
	}

	for _, fn := range configure {
		fn(cfg)
	}

	env.rf = New(cfg)
	env.ems = env.provider(t, "ems", "openstack")

	return env
}

func (env *testEnv) provider(t *testing.T, name, typ string) *inventory.Provider {
	t.Helper()

	p, err := env.store.EnsureProvider(context.Background(), name, typ)
	require.NoError(t, err)

	return p
}

func (env *testEnv) entity(t *testing.T, id int64) *inventory.Entity {
	t.Helper()

	e, err := env.store.Get(context.Background(), id)
	require.NoError(t, err)

	return e
}

func (env *testEnv) create(t *testing.T, e *inventory.Entity) *inventory.Entity {
	t.Helper()

	require.NoError(t, env.store.Create(context.Background(), e))

	return e
}

// saveInstances runs an instance refresh for env.ems and fails the test on
// a run-level error.
func (env *testEnv) saveInstances(t *testing.T, target Target, disconnect bool, records ...*snapshot.Record) *Report {
	t.Helper()

	report, err := env.rf.SaveInstances(context.Background(), env.ems, records, target, disconnect)
	require.NoError(t, err)

	return report
}

// rec builds a record from alternating keys and values.
func rec(kv ...any) *snapshot.Record {
	r := snapshot.NewRecord()
	for i := 0; i+1 < len(kv); i += 2 {
		r.Set(kv[i].(string), kv[i+1])
	}

	return r
}

func vm(uid, name, emsRef string) *snapshot.Record {
	return rec("uid_ems", uid, "name", name, "ems_ref", emsRef)
}
