package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harunnryd/kago/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type runCall struct {
	ChatID, Prompt, Model string
}

type fakeRunner struct {
	mu      sync.Mutex
	calls   []runCall
	results map[string]*string
	errs    map[string]error
	delay   time.Duration

	// honorCtx makes RunTask fail with ctx.Err() once ctx is done.
	honorCtx bool

	inFlight    int32
	maxInFlight int32
}

func (r *fakeRunner) RunTask(ctx context.Context, chatID, prompt, model string) (*string, error) {
	n := atomic.AddInt32(&r.inFlight, 1)
	defer atomic.AddInt32(&r.inFlight, -1)
	for {
		max := atomic.LoadInt32(&r.maxInFlight)
		if n <= max || atomic.CompareAndSwapInt32(&r.maxInFlight, max, n) {
			break
		}
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	if r.honorCtx && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, runCall{chatID, prompt, model})
	return r.results[prompt], r.errs[prompt]
}

type sent struct {
	ChatID, Text string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sent
}

func (n *fakeNotifier) Send(ctx context.Context, chatID, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sent{chatID, text})
	return nil
}

func strPtr(s string) *string { return &s }

func newTestScheduler(t *testing.T, runner Runner, notifier Notifier, now time.Time) (*Scheduler, *Store) {
	t.Helper()
	st, err := NewStore(filepath.Join(t.TempDir(), "tasks.json"), time.UTC)
	require.NoError(t, err)
	st.now = func() time.Time { return now }

	sched, err := NewScheduler(st, runner, notifier, config.SchedulerConfig{TickInterval: "10ms", MaxConcurrent: 2})
	require.NoError(t, err)
	sched.now = func() time.Time { return now }
	return sched, st
}

func TestNewSchedulerRejectsBadDurations(t *testing.T) {
	st, err := NewStore(filepath.Join(t.TempDir(), "tasks.json"), time.UTC)
	require.NoError(t, err)
	_, err = NewScheduler(st, &fakeRunner{}, nil, config.SchedulerConfig{TickInterval: "often"})
	assert.Error(t, err)
}

func TestRunPassFiresDueTasks(t *testing.T) {
	now := time.Date(2025, 1, 1, 23, 0, 0, 0, time.UTC)
	runner := &fakeRunner{
		results: map[string]*string{"report": strPtr("all green")},
		errs:    map[string]error{"broken": errors.New("container timeout")},
	}
	notifier := &fakeNotifier{}
	sched, st := newTestScheduler(t, runner, notifier, now)

	st.now = func() time.Time { return now.Add(-2 * time.Hour) }
	daily, err := st.Schedule(ScheduleRequest{ChatID: "tg:1", Label: "daily", Prompt: "report", Kind: KindCron, Value: "0 22 * * *", Model: "opus"})
	require.NoError(t, err)
	failing, err := st.Schedule(ScheduleRequest{ChatID: "tg:2", Label: "flaky", Prompt: "broken", Kind: KindInterval, Value: "3600000"})
	require.NoError(t, err)
	silent, err := st.Schedule(ScheduleRequest{ChatID: "tg:1", Prompt: "quiet", Kind: KindOnce, Value: "2025-01-01T22:30:00Z"})
	require.NoError(t, err)
	_, err = st.Schedule(ScheduleRequest{ChatID: "tg:1", Prompt: "future", Kind: KindOnce, Value: "2026-01-01T00:00:00Z"})
	require.NoError(t, err)

	assert.Equal(t, 3, sched.RunPass(context.Background()))

	runner.mu.Lock()
	assert.Len(t, runner.calls, 3)
	assert.Contains(t, runner.calls, runCall{"tg:1", "report", "opus"})
	runner.mu.Unlock()

	notifier.mu.Lock()
	assert.ElementsMatch(t, []sent{
		{"tg:1", "all green"},
		{"tg:2", `Scheduled task "flaky" failed: container timeout`},
	}, notifier.sent)
	notifier.mu.Unlock()

	got, err := st.Get(daily.ID)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 2, 22, 0, 0, 0, time.UTC), *got.NextRun)
	assert.Equal(t, "all green", got.LastResult)
	assert.Equal(t, now, *got.LastRun)

	got, err = st.Get(failing.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, now.Add(time.Hour), *got.NextRun)
	assert.Contains(t, got.LastResult, "error: container timeout")

	got, err = st.Get(silent.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, got.Status)
	assert.Nil(t, got.NextRun)

	// Nothing is due any more, and the once task never fires again.
	assert.Equal(t, 0, sched.RunPass(context.Background()))
	sched.now = func() time.Time { return now.Add(48 * time.Hour) }
	st.now = sched.now
	runner.mu.Lock()
	runner.calls = nil
	runner.mu.Unlock()
	sched.RunPass(context.Background())
	runner.mu.Lock()
	defer runner.mu.Unlock()
	for _, c := range runner.calls {
		assert.NotEqual(t, "quiet", c.Prompt)
	}
}

func TestRunPassBoundsParallelism(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	runner := &fakeRunner{delay: 30 * time.Millisecond}
	sched, st := newTestScheduler(t, runner, nil, now)
	st.now = func() time.Time { return now.Add(-time.Hour) }

	for i := 0; i < 6; i++ {
		_, err := st.Schedule(ScheduleRequest{ChatID: "tg:1", Prompt: "p", Kind: KindInterval, Value: "60000"})
		require.NoError(t, err)
	}

	assert.Equal(t, 6, sched.RunPass(context.Background()))
	assert.LessOrEqual(t, atomic.LoadInt32(&runner.maxInFlight), int32(2))
	assert.Len(t, runner.calls, 6)
}

func TestRunPassLeavesInterruptedTasksDue(t *testing.T) {
	now := time.Date(2025, 1, 1, 23, 0, 0, 0, time.UTC)
	runner := &fakeRunner{honorCtx: true}
	notifier := &fakeNotifier{}
	sched, st := newTestScheduler(t, runner, notifier, now)

	st.now = func() time.Time { return now.Add(-2 * time.Hour) }
	once, err := st.Schedule(ScheduleRequest{ChatID: "tg:1", Prompt: "once", Kind: KindOnce, Value: "2025-01-01T22:30:00Z"})
	require.NoError(t, err)
	daily, err := st.Schedule(ScheduleRequest{ChatID: "tg:1", Prompt: "daily", Kind: KindCron, Value: "0 22 * * *"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Equal(t, 0, sched.RunPass(ctx))
	assert.Empty(t, runner.calls)
	assert.Empty(t, notifier.sent)

	got, err := st.Get(once.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, time.Date(2025, 1, 1, 22, 30, 0, 0, time.UTC), *got.NextRun)
	assert.Nil(t, got.LastRun)
	assert.Empty(t, got.LastResult)

	got, err = st.Get(daily.ID)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 1, 1, 22, 0, 0, 0, time.UTC), *got.NextRun)
	assert.Nil(t, got.LastRun)

	// A later pass with a live context still fires both.
	assert.Equal(t, 2, sched.RunPass(context.Background()))
	got, err = st.Get(once.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, got.Status)
	assert.Nil(t, got.NextRun)
}

func TestRunPassDropsRunsCanceledMidFlight(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	runner := &fakeRunner{errs: map[string]error{"p": context.Canceled}}
	sched, st := newTestScheduler(t, runner, nil, now)
	st.now = func() time.Time { return now.Add(-time.Hour) }
	task, err := st.Schedule(ScheduleRequest{ChatID: "tg:1", Prompt: "p", Kind: KindInterval, Value: "60000"})
	require.NoError(t, err)

	assert.Equal(t, 0, sched.RunPass(context.Background()))
	got, err := st.Get(task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.NextRun, got.NextRun)
	assert.Nil(t, got.LastRun)
}

func TestSchedulerLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	runner := &fakeRunner{results: map[string]*string{"tick": strPtr("tock")}}
	notifier := &fakeNotifier{}
	sched, st := newTestScheduler(t, runner, notifier, now)
	st.now = func() time.Time { return now.Add(-time.Hour) }
	_, err := st.Schedule(ScheduleRequest{ChatID: "tg:1", Prompt: "tick", Kind: KindOnce, Value: "2025-01-01T11:00:00Z"})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sched.Init(ctx))
	require.NoError(t, sched.Start(ctx))
	assert.True(t, sched.IsRunning())
	assert.NoError(t, sched.Health(ctx))

	assert.Eventually(t, func() bool {
		notifier.mu.Lock()
		defer notifier.mu.Unlock()
		return len(notifier.sent) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, sched.Stop(ctx))
	assert.False(t, sched.IsRunning())
	assert.Error(t, sched.Health(ctx))
	assert.Equal(t, now, sched.LastPass())
}

func TestHealthBeforeInit(t *testing.T) {
	sched, _ := newTestScheduler(t, &fakeRunner{}, nil, time.Now())
	assert.Error(t, sched.Health(context.Background()))
}
