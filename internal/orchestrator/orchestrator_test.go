package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/conveyor/internal/domain"
	"github.com/shaiso/conveyor/internal/listen"
)

type fakeCoord struct {
	mu    sync.Mutex
	order []string

	sweeps, promotes, finalizes atomic.Int64
}

func (c *fakeCoord) record(op string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order = append(c.order, op)
}

func (c *fakeCoord) SweepStaleClaims(_ context.Context, _ time.Duration) (int, error) {
	c.record("sweep")
	c.sweeps.Add(1)
	return 0, nil
}

func (c *fakeCoord) PromoteReady(_ context.Context) (int, error) {
	c.record("promote")
	c.promotes.Add(1)
	return 0, nil
}

func (c *fakeCoord) FinalizeRuns(_ context.Context) (int, error) {
	c.record("finalize")
	c.finalizes.Add(1)
	return 0, nil
}

type fakeRuns struct {
	cancelled []uuid.UUID
}

func (r *fakeRuns) ListCancelled(_ context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	var out []uuid.UUID
	for _, want := range r.cancelled {
		for _, id := range ids {
			if id == want {
				out = append(out, id)
			}
		}
	}
	return out, nil
}

type fakeJobs struct {
	ready int
}

func (j *fakeJobs) CountReady(_ context.Context) (int, error) {
	return j.ready, nil
}

type fakePool struct {
	mu      sync.Mutex
	woken   int
	aborted []uuid.UUID
	active  []uuid.UUID
}

func (p *fakePool) Wake() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.woken++
}

func (p *fakePool) Abort(runID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.aborted = append(p.aborted, runID)
}

func (p *fakePool) ActiveRunIDs() []uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func (p *fakePool) wakeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.woken
}

// chanListener отдаёт события из канала; после errs — обрыв.
type chanListener struct {
	events chan *domain.ChangeEvent
	errs   chan error
}

func (l *chanListener) Receive(ctx context.Context) (*domain.ChangeEvent, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ev := <-l.events:
		return ev, nil
	case err := <-l.errs:
		return nil, err
	}
}

func (l *chanListener) Close() error { return nil }

func newTestOrchestrator(coord *fakeCoord, runs *fakeRuns, jobs *fakeJobs, pool *fakePool, factory ListenerFactory) *Orchestrator {
	return New(Config{
		Coordinator:  coord,
		Runs:         runs,
		Jobs:         jobs,
		Pool:         pool,
		NewListener:  factory,
		PollInterval: time.Hour, // polling не должен мешать тестам
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("условие не выполнилось за 5s")
}

func TestEvaluateOrder(t *testing.T) {
	coord := &fakeCoord{}
	pool := &fakePool{}
	o := newTestOrchestrator(coord, &fakeRuns{}, &fakeJobs{ready: 3}, pool, nil)

	o.evaluate(context.Background())

	want := []string{"sweep", "promote", "finalize"}
	coord.mu.Lock()
	got := append([]string(nil), coord.order...)
	coord.mu.Unlock()

	if len(got) != len(want) {
		t.Fatalf("вызвано %v, хотим %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("шаг %d = %s, хотим %s", i, got[i], want[i])
		}
	}

	if pool.wakeCount() != 1 {
		t.Errorf("Wake вызван %d раз при ready=3, хотим 1", pool.wakeCount())
	}
}

func TestEvaluateDoesNotWakeIdlePool(t *testing.T) {
	pool := &fakePool{}
	o := newTestOrchestrator(&fakeCoord{}, &fakeRuns{}, &fakeJobs{ready: 0}, pool, nil)

	o.evaluate(context.Background())

	if pool.wakeCount() != 0 {
		t.Errorf("Wake вызван %d раз при ready=0, хотим 0", pool.wakeCount())
	}
}

func TestEvaluateAbortsCancelledRuns(t *testing.T) {
	cancelledRun := uuid.New()
	liveRun := uuid.New()

	pool := &fakePool{active: []uuid.UUID{cancelledRun, liveRun}}
	runs := &fakeRuns{cancelled: []uuid.UUID{cancelledRun}}
	o := newTestOrchestrator(&fakeCoord{}, runs, &fakeJobs{}, pool, nil)

	o.evaluate(context.Background())

	pool.mu.Lock()
	aborted := append([]uuid.UUID(nil), pool.aborted...)
	pool.mu.Unlock()

	if len(aborted) != 1 || aborted[0] != cancelledRun {
		t.Errorf("aborted = %v, хотим только %s", aborted, cancelledRun)
	}
}

func TestEventTriggersEvaluate(t *testing.T) {
	coord := &fakeCoord{}
	lst := &chanListener{
		events: make(chan *domain.ChangeEvent, 1),
		errs:   make(chan error, 1),
	}
	factory := func(context.Context) (listen.Listener, error) { return lst, nil }

	o := newTestOrchestrator(coord, &fakeRuns{}, &fakeJobs{}, &fakePool{}, factory)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)
	defer o.Stop()

	// Ждём первый проход от старта polling, затем шлём событие.
	waitFor(t, func() bool { return coord.promotes.Load() >= 1 })
	before := coord.promotes.Load()

	lst.events <- &domain.ChangeEvent{
		Table: domain.ChangeTableRuns,
		Op:    domain.ChangeOpInsert,
		RunID: uuid.New(),
	}

	waitFor(t, func() bool { return coord.promotes.Load() > before })
}

func TestListenerRebuiltAfterConnectionLost(t *testing.T) {
	var built atomic.Int64
	lst := &chanListener{
		events: make(chan *domain.ChangeEvent),
		errs:   make(chan error, 1),
	}
	factory := func(context.Context) (listen.Listener, error) {
		built.Add(1)
		return lst, nil
	}

	o := newTestOrchestrator(&fakeCoord{}, &fakeRuns{}, &fakeJobs{}, &fakePool{}, factory)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	o.Start(ctx)
	defer o.Stop()

	waitFor(t, func() bool { return built.Load() == 1 })

	lst.errs <- listen.ErrConnectionLost

	// После обрыва слушатель строится заново.
	waitFor(t, func() bool { return built.Load() >= 2 })
}
