package async

import (
	"bytes"
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/pulseq/i18n"
	pqtest "github.com/teranos/pulseq/internal/testing"
	"github.com/teranos/pulseq/pulse/cache"
)

type fixture struct {
	db       *sql.DB
	store    *Store
	progress *cache.Store
	registry *Registry
	svc      *Service
	console  *bytes.Buffer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := pqtest.CreateTestDB(t)
	f := &fixture{
		db:       db,
		store:    NewStore(db),
		progress: cache.NewStore(db),
		registry: NewRegistry(),
		console:  &bytes.Buffer{},
	}
	f.svc = NewService(f.store, f.progress, f.registry, i18n.New("en"), f.console, zaptest.NewLogger(t).Sugar())
	return f
}

func (f *fixture) register(t *testing.T, req RegisterRequest) *Task {
	t.Helper()
	task, err := f.svc.Register(context.Background(), req)
	require.NoError(t, err)
	return task
}

func (f *fixture) get(t *testing.T, code string) *Task {
	t.Helper()
	task, err := f.store.Get(context.Background(), code)
	require.NoError(t, err)
	return task
}

// insert stores a task row as-is, bypassing Register
func (f *fixture) insert(t *testing.T, task *Task) *Task {
	t.Helper()
	if task.Code == "" {
		task.Code = GenerateCode(time.Now())
	}
	if task.Command.Kind == "" {
		task.Command = LiteralInvocation("noop")
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	require.NoError(t, f.store.Create(context.Background(), task))
	return task
}

type fakeRunner struct {
	argv   []string
	output string
	err    error
}

func (r *fakeRunner) Run(_ context.Context, argv []string) (string, error) {
	r.argv = argv
	return r.output, r.err
}
