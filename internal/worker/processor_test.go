package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"creator-job-engine/internal/engine"
	"creator-job-engine/internal/models"
	"creator-job-engine/internal/notify"
	"creator-job-engine/internal/store"
)

func newWorkerEngine(t *testing.T) *engine.Engine {
	t.Helper()
	return engine.New(store.NewMemory(), notify.NewBus(), zap.NewNop(), engine.DefaultOptions())
}

func enqueue(t *testing.T, e *engine.Engine, jobType string, params map[string]any) models.Job {
	t.Helper()
	res, err := e.EnqueueOrReuse(context.Background(), engine.EnqueueRequest{
		UserID: "u1",
		Type:   jobType,
		Params: params,
	})
	require.NoError(t, err)
	require.True(t, res.IsNew)
	return res.Job
}

func TestDrainRunsHandlerAndCompletes(t *testing.T) {
	ctx := context.Background()
	e := newWorkerEngine(t)
	p := NewProcessor(e, "w1", time.Second, zap.NewNop())

	var seen models.Job
	p.RegisterHandler(models.TypePlatformSync, func(ctx context.Context, job models.Job, rep Reporter) (map[string]any, error) {
		seen = job
		require.NoError(t, rep.Progress(ctx, 50, "halfway"))
		return map[string]any{"videosSynced": 7}, nil
	})

	job := enqueue(t, e, models.TypePlatformSync, map[string]any{"account_id": "A1"})
	p.drain(ctx)

	require.Equal(t, job.ID, seen.ID)
	got, err := e.GetJob(ctx, job.ID, "u1")
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, got.Status)
	require.Equal(t, 7, got.Result["videosSynced"])

	logs, _, err := e.ListLogs(ctx, job.ID, "u1", "", 10, 0)
	require.NoError(t, err)
	require.NotEmpty(t, logs)
	require.Equal(t, "handler started", logs[0].Message)
}

func TestDrainProcessesEveryClaimableJob(t *testing.T) {
	ctx := context.Background()
	e := newWorkerEngine(t)
	p := NewProcessor(e, "w1", time.Second, zap.NewNop())

	ran := 0
	p.RegisterHandler(models.TypeSEOSubmission, func(context.Context, models.Job, Reporter) (map[string]any, error) {
		ran++
		return nil, nil
	})

	enqueue(t, e, models.TypeSEOSubmission, map[string]any{"urls": []any{"https://a"}})
	enqueue(t, e, models.TypeSEOSubmission, map[string]any{"urls": []any{"https://b"}})
	p.drain(ctx)

	require.Equal(t, 2, ran)
}

func TestMissingHandlerFailsJob(t *testing.T) {
	ctx := context.Background()
	e := newWorkerEngine(t)
	p := NewProcessor(e, "w1", time.Second, zap.NewNop())

	job := enqueue(t, e, models.TypeAutoSync, map[string]any{"account_ids": []any{"A1"}})
	p.drain(ctx)

	got, err := e.GetJob(ctx, job.ID, "u1")
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, got.Status)
	require.Equal(t, "NO_HANDLER", *got.ErrorCode)
}

func TestHandlerErrorFailsJob(t *testing.T) {
	ctx := context.Background()
	e := newWorkerEngine(t)
	p := NewProcessor(e, "w1", time.Second, zap.NewNop())

	p.RegisterHandler(models.TypePlatformSync, func(context.Context, models.Job, Reporter) (map[string]any, error) {
		return nil, errors.New("upstream exploded")
	})

	job := enqueue(t, e, models.TypePlatformSync, map[string]any{"account_id": "A1"})
	p.drain(ctx)

	got, err := e.GetJob(ctx, job.ID, "u1")
	require.NoError(t, err)
	require.Equal(t, models.StatusFailed, got.Status)
	require.Equal(t, "upstream exploded", *got.ErrorMessage)
}

func TestCancelMidFlightLeavesJobCancelled(t *testing.T) {
	ctx := context.Background()
	e := newWorkerEngine(t)
	p := NewProcessor(e, "w1", time.Second, zap.NewNop())

	p.RegisterHandler(models.TypePlatformSync, func(ctx context.Context, job models.Job, _ Reporter) (map[string]any, error) {
		// Owner cancels while the handler is running.
		_, err := e.Cancel(ctx, job.ID, "u1")
		require.NoError(t, err)
		return map[string]any{"videosSynced": 1}, nil
	})

	job := enqueue(t, e, models.TypePlatformSync, map[string]any{"account_id": "A1"})
	p.drain(ctx)

	got, err := e.GetJob(ctx, job.ID, "u1")
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, got.Status)
	require.Nil(t, got.Result)
}

func TestBackoffWithJitterBounds(t *testing.T) {
	base := 200 * time.Millisecond
	max := 2 * time.Second
	for attempt := 1; attempt <= 8; attempt++ {
		for i := 0; i < 50; i++ {
			wait := backoffWithJitter(base, max, attempt)
			require.GreaterOrEqual(t, wait, base/2)
			require.LessOrEqual(t, wait, max)
		}
	}
	require.Equal(t, base, backoffWithJitter(base, max, 0))
}
