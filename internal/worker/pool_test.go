package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dream_pipeline/internal/domain"
	"dream_pipeline/internal/pipeline"
)

type fakeQueue struct {
	mu       sync.Mutex
	pending  []*domain.Job
	acked    []string
	claimErr error
	ackErr   error
}

func (q *fakeQueue) Claim(_ context.Context, jobType domain.JobType, _ time.Duration) (*domain.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.claimErr != nil {
		return nil, q.claimErr
	}
	for i, j := range q.pending {
		if j.Type == jobType {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			j.Status = domain.JobActive
			return j, nil
		}
	}
	return nil, nil
}

func (q *fakeQueue) Acknowledge(_ context.Context, job *domain.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ackErr != nil {
		return q.ackErr
	}
	q.acked = append(q.acked, job.ID)
	return nil
}

func (q *fakeQueue) ackedIDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.acked...)
}

type fakeFailer struct {
	mu     sync.Mutex
	causes map[string]error
	status domain.JobStatus
}

func (f *fakeFailer) Fail(_ context.Context, job *domain.Job, cause error) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.causes == nil {
		f.causes = make(map[string]error)
	}
	f.causes[job.ID] = cause
	failed := *job
	failed.Attempts++
	failed.Status = f.status
	return &failed, nil
}

type fakeHandler struct {
	jobType domain.JobType
	fn      func(ctx context.Context, job *domain.Job) error
}

func (h *fakeHandler) Type() domain.JobType { return h.jobType }

func (h *fakeHandler) Handle(ctx context.Context, job *domain.Job) error { return h.fn(ctx, job) }

type recordingMetrics struct {
	mu        sync.Mutex
	claimed   int
	completed int
	failed    int
	retried   int
}

func (m *recordingMetrics) JobClaimed(domain.JobType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claimed++
}

func (m *recordingMetrics) JobCompleted(domain.JobType, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed++
}

func (m *recordingMetrics) JobFailed(_ domain.JobType, _ time.Duration, terminal bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if terminal {
		m.failed++
	} else {
		m.retried++
	}
}

func newTestPool(queue Queue, failer Failer, metrics Metrics, handlers ...pipeline.Handler) *Pool {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewPool(queue, failer, pipeline.NewRegistry(handlers...), metrics, Config{
		Concurrency: map[domain.JobType]int{
			domain.JobText:    2,
			domain.JobImage:   2,
			domain.JobPublish: 1,
		},
		Lease:          time.Minute,
		PollInterval:   10 * time.Millisecond,
		HandlerTimeout: 50 * time.Millisecond,
	}, logger)
}

func TestProcessNext_AcknowledgesSuccess(t *testing.T) {
	queue := &fakeQueue{pending: []*domain.Job{{ID: "j1", TitleID: "t1", Type: domain.JobText}}}
	metrics := &recordingMetrics{}
	handler := &fakeHandler{jobType: domain.JobText, fn: func(context.Context, *domain.Job) error { return nil }}
	pool := newTestPool(queue, &fakeFailer{}, metrics, handler)

	processed, err := pool.ProcessNext(context.Background(), domain.JobText)

	require.NoError(t, err)
	assert.True(t, processed)
	assert.Equal(t, []string{"j1"}, queue.ackedIDs())
	assert.Equal(t, 1, metrics.claimed)
	assert.Equal(t, 1, metrics.completed)
}

func TestProcessNext_LostLeaseIsNotCompleted(t *testing.T) {
	queue := &fakeQueue{
		pending: []*domain.Job{{ID: "j1", TitleID: "t1", Type: domain.JobText}},
		ackErr:  fmt.Errorf("%w: j1", domain.ErrLeaseLost),
	}
	metrics := &recordingMetrics{}
	handler := &fakeHandler{jobType: domain.JobText, fn: func(context.Context, *domain.Job) error { return nil }}
	pool := newTestPool(queue, &fakeFailer{}, metrics, handler)

	processed, err := pool.ProcessNext(context.Background(), domain.JobText)

	require.NoError(t, err)
	assert.True(t, processed)
	assert.Empty(t, queue.ackedIDs())
	assert.Equal(t, 0, metrics.completed)
}

func TestProcessNext_EmptyQueue(t *testing.T) {
	pool := newTestPool(&fakeQueue{}, &fakeFailer{}, nil)

	processed, err := pool.ProcessNext(context.Background(), domain.JobText)

	require.NoError(t, err)
	assert.False(t, processed)
}

func TestProcessNext_ClaimError(t *testing.T) {
	pool := newTestPool(&fakeQueue{claimErr: errors.New("db down")}, &fakeFailer{}, nil)

	processed, err := pool.ProcessNext(context.Background(), domain.JobText)

	assert.Error(t, err)
	assert.False(t, processed)
}

func TestProcessNext_FailureGoesToFailer(t *testing.T) {
	queue := &fakeQueue{pending: []*domain.Job{{ID: "j1", TitleID: "t1", Type: domain.JobImage}}}
	failer := &fakeFailer{status: domain.JobRetrying}
	metrics := &recordingMetrics{}
	cause := &pipeline.TransientGenerationError{Stage: domain.JobImage, Err: errors.New("503")}
	handler := &fakeHandler{jobType: domain.JobImage, fn: func(context.Context, *domain.Job) error { return cause }}
	pool := newTestPool(queue, failer, metrics, handler)

	processed, err := pool.ProcessNext(context.Background(), domain.JobImage)

	require.NoError(t, err)
	assert.True(t, processed)
	assert.Empty(t, queue.ackedIDs())
	assert.Equal(t, cause, failer.causes["j1"])
	assert.Equal(t, 1, metrics.retried)
}

func TestProcessNext_HandlerTimeout(t *testing.T) {
	queue := &fakeQueue{pending: []*domain.Job{{ID: "j1", TitleID: "t1", Type: domain.JobText}}}
	failer := &fakeFailer{status: domain.JobFailed}
	metrics := &recordingMetrics{}
	handler := &fakeHandler{jobType: domain.JobText, fn: func(ctx context.Context, _ *domain.Job) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	pool := newTestPool(queue, failer, metrics, handler)

	processed, err := pool.ProcessNext(context.Background(), domain.JobText)

	require.NoError(t, err)
	assert.True(t, processed)
	assert.ErrorIs(t, failer.causes["j1"], context.DeadlineExceeded)
	assert.Equal(t, 1, metrics.failed)
}

func TestProcessNext_UnregisteredType(t *testing.T) {
	queue := &fakeQueue{pending: []*domain.Job{{ID: "j1", TitleID: "t1", Type: domain.JobPublish}}}
	failer := &fakeFailer{status: domain.JobRetrying}
	pool := newTestPool(queue, failer, nil)

	processed, err := pool.ProcessNext(context.Background(), domain.JobPublish)

	require.NoError(t, err)
	assert.True(t, processed)
	assert.Error(t, failer.causes["j1"])
}

func TestRun_DrainsQueueAndStops(t *testing.T) {
	var jobs []*domain.Job
	for _, id := range []string{"a", "b", "c", "d"} {
		jobs = append(jobs, &domain.Job{ID: id, TitleID: id, Type: domain.JobText})
	}
	jobs = append(jobs, &domain.Job{ID: "p", TitleID: "p", Type: domain.JobPublish})
	queue := &fakeQueue{pending: jobs}

	var mu sync.Mutex
	seen := map[string]int{}
	record := func(_ context.Context, job *domain.Job) error {
		mu.Lock()
		defer mu.Unlock()
		seen[job.ID]++
		return nil
	}
	pool := newTestPool(queue, &fakeFailer{}, nil,
		&fakeHandler{jobType: domain.JobText, fn: record},
		&fakeHandler{jobType: domain.JobPublish, fn: record},
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	assert.Eventually(t, func() bool { return len(queue.ackedIDs()) == 5 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("pool did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	for id, n := range seen {
		assert.Equal(t, 1, n, id)
	}
	assert.Len(t, seen, 5)
}

func TestRun_NoWorkers(t *testing.T) {
	pool := newTestPool(&fakeQueue{}, &fakeFailer{}, nil)

	err := pool.Run(context.Background())

	assert.Error(t, err)
}

func TestPollDelay(t *testing.T) {
	pool := newTestPool(&fakeQueue{}, &fakeFailer{}, nil)

	pool.jitter = func() float64 { return 0 }
	assert.Equal(t, 5*time.Millisecond, pool.pollDelay())

	pool.jitter = func() float64 { return 1 }
	assert.Equal(t, 10*time.Millisecond, pool.pollDelay())
}
