package schedule

import (
	"bytes"
	"context"
	"database/sql"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"golang.org/x/time/rate"

	"github.com/teranos/pulseq/am"
	"github.com/teranos/pulseq/errors"
	"github.com/teranos/pulseq/i18n"
	pqtest "github.com/teranos/pulseq/internal/testing"
	"github.com/teranos/pulseq/pulse/async"
	"github.com/teranos/pulseq/pulse/cache"
	"github.com/teranos/pulseq/pulse/proc"
)

type fakeProcs struct {
	mu       sync.Mutex
	spawned  []string
	alive    map[string]bool
	spawnErr error
	findErr  error
}

func newFakeProcs() *fakeProcs {
	return &fakeProcs{alive: make(map[string]bool)}
}

func (f *fakeProcs) BuildInvocation(args ...string) string {
	return "pulseq " + strings.Join(args, " ")
}

func (f *fakeProcs) Spawn(_ context.Context, command string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return f.spawnErr
	}
	f.spawned = append(f.spawned, command)
	return nil
}

func (f *fakeProcs) Find(_ context.Context, substring string) ([]proc.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.findErr != nil {
		return nil, f.findErr
	}
	if f.alive[substring] {
		return []proc.Process{{PID: 4242, CommandLine: substring}}, nil
	}
	return nil, nil
}

func (f *fakeProcs) Spawned() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.spawned...)
}

type listenerFixture struct {
	db       *sql.DB
	svc      *async.Service
	procs    *fakeProcs
	console  *bytes.Buffer
	listener *Listener
}

func newListenerFixture(t *testing.T) *listenerFixture {
	t.Helper()
	db := pqtest.CreateTestDB(t)
	log := zaptest.NewLogger(t).Sugar()
	svc := async.NewService(async.NewStore(db), cache.NewStore(db), async.NewRegistry(), i18n.New("en"), nil, log)

	f := &listenerFixture{db: db, svc: svc, procs: newFakeProcs(), console: &bytes.Buffer{}}
	f.listener = NewListener(svc, f.procs, i18n.New("en"), f.console, DefaultListenerConfig(), log)
	return f
}

func (f *listenerFixture) register(t *testing.T, title string) *async.Task {
	t.Helper()
	task, err := f.svc.Register(context.Background(), async.RegisterRequest{Title: title, Command: "report build"})
	require.NoError(t, err)
	return task
}

func (f *listenerFixture) get(t *testing.T, code string) *async.Task {
	t.Helper()
	task, err := f.svc.Store().Get(context.Background(), code)
	require.NoError(t, err)
	return task
}

func TestPollSpawnsOneWorkerPerTask(t *testing.T) {
	f := newListenerFixture(t)
	ctx := context.Background()
	task := f.register(t, "nightly report")

	require.NoError(t, f.listener.Poll(ctx))
	require.NoError(t, f.listener.Poll(ctx))

	assert.Equal(t, []string{"pulseq queue dorun " + task.Code}, f.procs.Spawned())
	assert.Equal(t, []string{task.Code}, f.listener.Inflight())
	assert.Contains(t, f.console.String(), "# Created new process -> ["+task.Code+"] nightly report")
	assert.Contains(t, f.console.String(), "# Already in progress -> ["+task.Code+"] nightly report")
	assert.Equal(t, async.StatusWaiting, f.get(t, task.Code).Status, "the listener never claims")
}

func TestPollSkipsTaskWithLiveWorker(t *testing.T) {
	f := newListenerFixture(t)
	task := f.register(t, "sync mirrors")
	f.procs.alive["pulseq queue dorun "+task.Code] = true

	require.NoError(t, f.listener.Poll(context.Background()))

	assert.Empty(t, f.procs.Spawned())
	assert.Empty(t, f.listener.Inflight())
	assert.Contains(t, f.console.String(), "Already in progress")
}

func TestPollSkipsFutureTasks(t *testing.T) {
	f := newListenerFixture(t)
	_, err := f.svc.Register(context.Background(), async.RegisterRequest{
		Title:   "later",
		Command: "report build",
		Delay:   time.Hour,
	})
	require.NoError(t, err)

	require.NoError(t, f.listener.Poll(context.Background()))
	assert.Empty(t, f.procs.Spawned())
}

func TestPollDispatchesOldestFirst(t *testing.T) {
	f := newListenerFixture(t)
	ctx := context.Background()
	now := time.Now()

	for _, tc := range []struct {
		code string
		age  time.Duration
	}{
		{"Q20260101000000002", time.Minute},
		{"Q20260101000000001", time.Hour},
		{"Q20260101000000003", time.Second},
	} {
		require.NoError(t, f.svc.Store().Create(ctx, &async.Task{
			Code:      tc.code,
			Title:     "task " + tc.code,
			Command:   async.LiteralInvocation("report", "build"),
			Status:    async.StatusWaiting,
			ExecTime:  now.Add(-tc.age),
			CreatedAt: now,
		}))
	}

	require.NoError(t, f.listener.Poll(ctx))

	assert.Equal(t, []string{
		"pulseq queue dorun Q20260101000000001",
		"pulseq queue dorun Q20260101000000002",
		"pulseq queue dorun Q20260101000000003",
	}, f.procs.Spawned())
}

func TestSpawnFailureFailsTask(t *testing.T) {
	f := newListenerFixture(t)
	task := f.register(t, "broken")
	f.procs.spawnErr = errors.New("fork: resource temporarily unavailable")

	require.NoError(t, f.listener.Poll(context.Background()), "a failed spawn does not stop the loop")

	got := f.get(t, task.Code)
	assert.Equal(t, async.StatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Contains(t, got.Description, "resource temporarily unavailable")
	assert.Empty(t, f.listener.Inflight())
	assert.Contains(t, f.console.String(), "# Execution failed -> ["+task.Code+"] broken")
}

func TestLookupFailureFailsTaskAndContinues(t *testing.T) {
	f := newListenerFixture(t)
	first := f.register(t, "first")
	second := f.register(t, "second")
	f.procs.findErr = errors.New("permission denied")

	require.NoError(t, f.listener.Poll(context.Background()))

	assert.Equal(t, async.StatusFailed, f.get(t, first.Code).Status)
	assert.Equal(t, async.StatusFailed, f.get(t, second.Code).Status)
	assert.Empty(t, f.procs.Spawned())
}

func TestReapForgetsEndedWorkers(t *testing.T) {
	f := newListenerFixture(t)
	ctx := context.Background()
	task := f.register(t, "short job")

	clock := time.Now()
	f.listener.now = func() time.Time { return clock }

	require.NoError(t, f.listener.Poll(ctx))
	require.Equal(t, []string{task.Code}, f.listener.Inflight())

	// Within the grace period the entry stays even though no process is listed
	clock = clock.Add(time.Second)
	f.listener.reap(ctx)
	assert.Equal(t, []string{task.Code}, f.listener.Inflight())

	// Past the grace period a live worker keeps it
	clock = clock.Add(5 * time.Second)
	f.procs.alive["pulseq queue dorun "+task.Code] = true
	f.listener.reap(ctx)
	assert.Equal(t, []string{task.Code}, f.listener.Inflight())

	f.procs.alive = map[string]bool{}
	f.listener.reap(ctx)
	assert.Empty(t, f.listener.Inflight())
	assert.Contains(t, f.console.String(), "# Process ended -> ["+task.Code+"]")
}

func TestApplyUpdatesRateAndInterval(t *testing.T) {
	f := newListenerFixture(t)

	assert.Equal(t, rate.Inf, f.listener.limiter.Limit())
	assert.Equal(t, time.Second, f.listener.interval())

	f.listener.Apply(ListenerConfig{PollInterval: 5 * time.Second, SpawnsPerSecond: 2})
	assert.Equal(t, rate.Limit(2), f.listener.limiter.Limit())
	assert.Equal(t, 5*time.Second, f.listener.interval())
	assert.Equal(t, DefaultListenerConfig().SpawnGrace, f.listener.config().SpawnGrace)

	f.listener.Apply(ListenerConfig{PollInterval: 10 * time.Millisecond})
	assert.Equal(t, rate.Inf, f.listener.limiter.Limit())
	assert.Equal(t, time.Second, f.listener.interval(), "poll interval never drops below one second")
}

func TestListenerConfigFrom(t *testing.T) {
	cfg := ListenerConfigFrom(am.QueueConfig{PollIntervalMS: 2000, SpawnDelayMS: 250, SpawnsPerSecond: 4})

	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 250*time.Millisecond, cfg.SpawnDelay)
	assert.Equal(t, 4.0, cfg.SpawnsPerSecond)
	assert.Equal(t, 3*time.Second, cfg.SpawnGrace)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newListenerFixture(t)
	f.listener.minInterval = 10 * time.Millisecond
	f.listener.Apply(ListenerConfig{PollInterval: 10 * time.Millisecond})
	task := f.register(t, "looped")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.listener.Run(ctx) }()

	require.Eventually(t, func() bool { return len(f.procs.Spawned()) == 1 }, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}
	assert.Equal(t, []string{"pulseq queue dorun " + task.Code}, f.procs.Spawned())
}

func TestRunExitsWhenDatabaseCloses(t *testing.T) {
	f := newListenerFixture(t)
	f.listener.minInterval = 10 * time.Millisecond
	f.listener.Apply(ListenerConfig{PollInterval: 10 * time.Millisecond})
	require.NoError(t, f.db.Close())

	done := make(chan error, 1)
	go func() { done <- f.listener.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener kept polling a closed database")
	}
}
