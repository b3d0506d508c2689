package async

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/pulseq/errors"
	"github.com/teranos/pulseq/internal/util"
)

func TestSingletonRegistration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first := f.register(t, RegisterRequest{Title: "nightly-export", Command: "export --all"})
	assert.Equal(t, StatusWaiting, first.Status)
	assert.GreaterOrEqual(t, len(first.Code), 16)

	_, err := f.svc.Register(ctx, RegisterRequest{Title: "nightly-export", Command: "export --all"})
	dup, ok := AsDuplicate(err)
	require.True(t, ok, "second registration must be rejected, got %v", err)
	assert.Equal(t, first.Code, dup.Code)
	assert.True(t, errors.IsConflictError(err))

	// Still rejected while RUNNING
	epoch, err := f.svc.Claim(ctx, first.Code, 1)
	require.NoError(t, err)
	_, err = f.svc.Register(ctx, RegisterRequest{Title: "nightly-export", Command: "export --all"})
	_, ok = AsDuplicate(err)
	assert.True(t, ok)

	_, err = f.svc.Finish(ctx, first.Code, epoch, StatusRunned, 1, "done")
	require.NoError(t, err)

	third := f.register(t, RegisterRequest{Title: "nightly-export", Command: "export --all"})
	assert.NotEqual(t, first.Code, third.Code)
}

func TestRegisterAllowMultiple(t *testing.T) {
	f := newFixture(t)

	a := f.register(t, RegisterRequest{Title: "resize", Command: "resize 1", AllowMultiple: true})
	b := f.register(t, RegisterRequest{Title: "resize", Command: "resize 2", AllowMultiple: true})
	assert.NotEqual(t, a.Code, b.Code)
	assert.True(t, a.AllowMultiple)
}

func TestRegisterDefaults(t *testing.T) {
	f := newFixture(t)
	before := time.Now()

	task := f.register(t, RegisterRequest{Title: "delayed", Command: "noop", Delay: 90 * time.Second, LoopSeconds: 60})

	assert.JSONEq(t, `{}`, string(task.Payload))
	assert.GreaterOrEqual(t, task.ExecTime.Unix(), before.Add(90*time.Second).Unix())
	assert.Equal(t, 60, task.LoopSeconds)
	assert.Equal(t, 0, task.Attempts)
}

func TestRegisterResolvesCommand(t *testing.T) {
	f := newFixture(t)
	f.registry.Register(NewUnit("report.monthly", func(context.Context, *Handle) (Outcome, error) {
		return Success("ok"), nil
	}))

	unit := f.register(t, RegisterRequest{Title: "unit", Command: "  report.monthly "})
	assert.Equal(t, RegisteredUnit("report.monthly"), unit.Command)

	inv := f.register(t, RegisterRequest{Title: "inv", Command: `report.monthly --month "2026-01"`})
	assert.Equal(t, LiteralInvocation("report.monthly", "--month", "2026-01"), inv.Command)

	tests := []RegisterRequest{
		{Title: "empty", Command: "   "},
		{Title: "quote", Command: `echo "unterminated`},
		{Title: "", Command: "noop"},
		{Title: "payload", Command: "noop", Payload: []byte(`{not json`)},
		{Title: "loops", Command: "noop", LoopSeconds: -1},
	}
	for _, req := range tests {
		_, err := f.svc.Register(context.Background(), req)
		assert.True(t, errors.IsInvalidRequestError(err), "%+v: %v", req, err)
	}
}

func TestRegisterWritesInitialProgress(t *testing.T) {
	f := newFixture(t)
	task := f.register(t, RegisterRequest{Title: "progress", Command: "noop"})

	snap, ok, err := f.svc.ReadProgress(context.Background(), task.Code)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, task.Code, snap.Code)
	assert.Equal(t, StatusWaiting, snap.Status)
	assert.Equal(t, "0.00", snap.Progress)
	require.Len(t, snap.History, 1)
	assert.Equal(t, ">>> Task created <<<", snap.History[0].Message)
}

func TestInitializeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.register(t, RegisterRequest{Title: "stable", Command: "noop", Payload: []byte(`{"n":1}`)})

	h1, err := f.svc.Initialize(ctx, task.Code)
	require.NoError(t, err)
	h2, err := f.svc.Initialize(ctx, task.Code)
	require.NoError(t, err)
	assert.Equal(t, h1.Task(), h2.Task())

	var payload struct{ N int }
	require.NoError(t, h1.DecodePayload(&payload))
	assert.Equal(t, 1, payload.N)
}

func TestInitializeUnknownCode(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Initialize(context.Background(), "Q00000000000000000")
	var nf *TaskNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestFailDispatchKeepsStateGraph(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.register(t, RegisterRequest{Title: "unspawnable", Command: "noop"})

	require.NoError(t, f.svc.FailDispatch(ctx, task.Code, "fork/exec /bin/sh: resource temporarily unavailable"))

	got := f.get(t, task.Code)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts, "the failed dispatch went through RUNNING")
	assert.Contains(t, got.Description, "resource temporarily unavailable")

	// Already terminal: nothing to do
	require.NoError(t, f.svc.FailDispatch(ctx, task.Code, "again"))
	assert.Equal(t, 1, f.get(t, task.Code).Attempts)
}

func TestHandleResetStartsNewEpoch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.register(t, RegisterRequest{Title: "epoch", Command: "noop", LoopSeconds: 60})

	h, err := f.svc.Initialize(ctx, task.Code)
	require.NoError(t, err)
	epoch, err := f.svc.Claim(ctx, task.Code, 11)
	require.NoError(t, err)
	_, err = f.svc.Finish(ctx, task.Code, epoch, StatusRunned, 11, "ok")
	require.NoError(t, err)

	before := time.Now()
	require.NoError(t, h.Reset(ctx, time.Minute))

	assert.Equal(t, task.Code, h.Code())
	assert.Equal(t, StatusWaiting, h.Task().Status)
	assert.Equal(t, 0, h.Task().PID)
	assert.GreaterOrEqual(t, h.Task().ExecTime.Unix(), before.Add(time.Minute).Unix())
}

func TestProgressHistoryKeepsLastTen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.register(t, RegisterRequest{Title: "chatty", Command: "noop"})
	h, err := f.svc.Initialize(ctx, task.Code)
	require.NoError(t, err)

	var snap *ProgressSnapshot
	for i := 1; i <= 15; i++ {
		snap, err = h.Progress(ctx, ProgressUpdate{Message: util.Ptr(fmt.Sprintf("step %d", i))})
		require.NoError(t, err)
	}

	require.Len(t, snap.History, ProgressHistoryLimit)
	assert.Equal(t, "step 6", snap.History[0].Message, "oldest entries are dropped first")
	assert.Equal(t, "step 15", snap.History[9].Message)

	stored, ok, err := f.svc.ReadProgress(ctx, task.Code)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, snap, stored)
}

func TestProgressMergeRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.register(t, RegisterRequest{Title: "merge", Command: "noop"})
	h, err := f.svc.Initialize(ctx, task.Code)
	require.NoError(t, err)

	// Percent only keeps the current message
	snap, err := h.Progress(ctx, ProgressUpdate{Status: StatusRunning, Percent: util.Ptr(42.0)})
	require.NoError(t, err)
	assert.Equal(t, "42.00", snap.Progress)
	assert.Equal(t, ">>> Task created <<<", snap.Message)
	assert.Len(t, snap.History, 2)

	// Message only keeps the current percent
	snap, err = h.Progress(ctx, ProgressUpdate{Message: util.Ptr("halfway")})
	require.NoError(t, err)
	assert.Equal(t, "42.00", snap.Progress)
	assert.Equal(t, "halfway", snap.History[2].Message)

	// Backline replaces the trailing entry
	snap, err = h.Progress(ctx, ProgressUpdate{Message: util.Ptr("halfway!"), Backline: 1})
	require.NoError(t, err)
	assert.Len(t, snap.History, 3)
	assert.Equal(t, "halfway!", snap.History[2].Message)

	// A terminal status alone gets the canonical message and percent
	_, err = h.Progress(ctx, ProgressUpdate{Status: StatusFailed})
	require.NoError(t, err)
	stored, _, err := f.svc.ReadProgress(ctx, task.Code)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.Equal(t, "0.00", stored.Progress)
	assert.Equal(t, ">>> Task failed <<<", stored.Message)

	snap, err = h.Progress(ctx, ProgressUpdate{Status: StatusRunned})
	require.NoError(t, err)
	assert.Equal(t, "100.00", snap.Progress)
	assert.Equal(t, ">>> Task completed <<<", snap.Message)
}

func TestProgressStatusOnlyIsNotStored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.register(t, RegisterRequest{Title: "quiet", Command: "noop"})
	h, err := f.svc.Initialize(ctx, task.Code)
	require.NoError(t, err)

	snap, err := h.Progress(ctx, ProgressUpdate{Status: StatusRunning})
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, snap.Status)

	stored, _, err := f.svc.ReadProgress(ctx, task.Code)
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, stored.Status)
}

func TestHandleMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.register(t, RegisterRequest{Title: "counter", Command: "noop"})
	h, err := f.svc.Initialize(ctx, task.Code)
	require.NoError(t, err)

	require.NoError(t, h.Message(ctx, 120, 7, "importing users", 0))
	assert.Contains(t, f.console.String(), "[007/120] importing users\n")

	snap, _, err := f.svc.ReadProgress(ctx, task.Code)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, snap.Status)
	assert.Equal(t, "5.83", snap.Progress)
	assert.Equal(t, "[007/120] importing users", snap.Message)

	// total is clamped to 1
	require.NoError(t, h.Message(ctx, 0, 1, "single", 1))
	snap, _, err = f.svc.ReadProgress(ctx, task.Code)
	require.NoError(t, err)
	assert.Equal(t, "100.00", snap.Progress)
	assert.Equal(t, "[1/1] single", snap.Message)
	assert.Len(t, snap.History, 2, "backline replaced the previous message")
}
