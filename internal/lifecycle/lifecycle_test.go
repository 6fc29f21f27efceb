package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/lpding888/ai-fashion-studio-sub000/internal/adapter/repo"
	"github.com/lpding888/ai-fashion-studio-sub000/internal/domain"
)

type fakePlanner struct {
	mu     sync.Mutex
	order  []string
	gate   chan struct{}
	err    error
	nShots int
}

func (p *fakePlanner) PlanShots(ctx context.Context, brief string, refs domain.ReferenceImages, count int) (*domain.ShotPlan, error) {
	if p.gate != nil {
		<-p.gate
	}
	p.mu.Lock()
	p.order = append(p.order, brief)
	p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	n := p.nShots
	if n == 0 {
		n = count
	}
	plan := &domain.ShotPlan{}
	for i := 0; i < n; i++ {
		plan.Shots = append(plan.Shots, domain.PlannedShot{ID: "s1", Prompt: "p"})
	}
	return plan, nil
}

func (p *fakePlanner) briefs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.order...)
}

// fakeRenderer completes tasks immediately, recording each attempt id.
type fakeRenderer struct {
	mu       sync.Mutex
	attempts []string
	tasks    domain.TaskRepository
}

func (r *fakeRenderer) record(attemptID string) {
	r.mu.Lock()
	r.attempts = append(r.attempts, attemptID)
	r.mu.Unlock()
}

func (r *fakeRenderer) attemptIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.attempts...)
}

func (r *fakeRenderer) RenderIndividual(ctx context.Context, t *domain.Task, attemptID string) error {
	r.record(attemptID)
	t.Status = domain.TaskStatusCompleted
	return r.tasks.Update(ctx, t)
}

func (r *fakeRenderer) RenderGrid(ctx context.Context, t *domain.Task, attemptID string) error {
	r.record(attemptID)
	t.Status = domain.TaskStatusCompleted
	return r.tasks.Update(ctx, t)
}

func (r *fakeRenderer) RenderShot(ctx context.Context, t *domain.Task, attemptID, shotID string) error {
	r.record(attemptID + "/" + shotID)
	return nil
}

type fakeHero struct{ tasks domain.TaskRepository }

func (h *fakeHero) RenderHero(ctx context.Context, t *domain.Task, attemptID string) error {
	t.Status = domain.TaskStatusAwaitingHeroApproval
	return h.tasks.Update(ctx, t)
}

type env struct {
	store    *repo.MemoryStore
	planner  *fakePlanner
	renderer *fakeRenderer
	svc      *Service
}

func newEnv(t *testing.T, maxActive int) *env {
	t.Helper()
	store := repo.NewMemoryStore()
	planner := &fakePlanner{}
	renderer := &fakeRenderer{tasks: store}
	svc := NewService(Options{
		Tasks:            store,
		Planner:          planner,
		Renderer:         renderer,
		Hero:             &fakeHero{tasks: store},
		MaxActivePerUser: maxActive,
		RunTimeout:       5 * time.Second,
		Logger:           zerolog.Nop(),
	})
	return &env{store: store, planner: planner, renderer: renderer, svc: svc}
}

func (e *env) submit(t *testing.T, in SubmitInput) *domain.Task {
	t.Helper()
	task, err := e.svc.Submit(context.Background(), in)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return task
}

func (e *env) get(t *testing.T, id string) *domain.Task {
	t.Helper()
	task, err := e.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	return task
}

func TestSubmitPlansAndRenders(t *testing.T) {
	e := newEnv(t, 2)
	task := e.submit(t, SubmitInput{UserID: "u1", Brief: "red cardigan lookbook", ShotCount: 3})
	if task.Status != domain.TaskStatusPlanning {
		t.Fatalf("status = %s, want PLANNING", task.Status)
	}
	e.svc.Wait()

	got := e.get(t, task.ID)
	if got.Status != domain.TaskStatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", got.Status)
	}
	if got.Plan == nil || len(got.Plan.Shots) != 3 {
		t.Fatalf("plan not persisted: %+v", got.Plan)
	}
	if len(e.renderer.attemptIDs()) != 1 {
		t.Fatalf("render attempts = %v", e.renderer.attemptIDs())
	}
}

func TestSubmitWithApprovalStopsAtGate(t *testing.T) {
	e := newEnv(t, 2)
	task := e.submit(t, SubmitInput{UserID: "u1", Brief: "brief", RequireApproval: true})
	e.svc.Wait()

	if got := e.get(t, task.ID); got.Status != domain.TaskStatusAwaitingApproval {
		t.Fatalf("status = %s, want AWAITING_APPROVAL", got.Status)
	}
	if n := len(e.renderer.attemptIDs()); n != 0 {
		t.Fatalf("renderer called %d times before approval", n)
	}

	if _, err := e.svc.Approve(context.Background(), task.ID, "u1"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	e.svc.Wait()
	if got := e.get(t, task.ID); got.Status != domain.TaskStatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", got.Status)
	}

	// Approve is idempotent on a terminal task.
	if _, err := e.svc.Approve(context.Background(), task.ID, "u1"); err != nil {
		t.Fatalf("re-approve: %v", err)
	}
	e.svc.Wait()
	if n := len(e.renderer.attemptIDs()); n != 1 {
		t.Fatalf("renderer called %d times, want 1", n)
	}
}

func TestApproveWrongOwner(t *testing.T) {
	e := newEnv(t, 2)
	task := e.submit(t, SubmitInput{UserID: "u1", Brief: "brief", RequireApproval: true})
	e.svc.Wait()
	if _, err := e.svc.Approve(context.Background(), task.ID, "intruder"); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
}

func TestPlanningFailure(t *testing.T) {
	e := newEnv(t, 2)
	e.planner.err = errors.New("model unavailable")
	task := e.submit(t, SubmitInput{UserID: "u1", Brief: "brief"})
	e.svc.Wait()

	got := e.get(t, task.ID)
	if got.Status != domain.TaskStatusFailed {
		t.Fatalf("status = %s, want FAILED", got.Status)
	}
	if got.ErrorMessage != "model unavailable" {
		t.Fatalf("error = %q, reason must be preserved verbatim", got.ErrorMessage)
	}
}

func TestRetryPlanningAfterFailure(t *testing.T) {
	e := newEnv(t, 2)
	e.planner.err = errors.New("model unavailable")
	task := e.submit(t, SubmitInput{UserID: "u1", Brief: "brief"})
	e.svc.Wait()

	e.planner.err = nil
	if _, err := e.svc.RetryPlanning(context.Background(), task.ID, "u1"); err != nil {
		t.Fatalf("retry planning: %v", err)
	}
	e.svc.Wait()
	if got := e.get(t, task.ID); got.Status != domain.TaskStatusCompleted {
		t.Fatalf("status = %s, want COMPLETED after retry", got.Status)
	}
}

func TestAdmissionQueueFIFO(t *testing.T) {
	e := newEnv(t, 1)
	e.planner.gate = make(chan struct{})

	first := e.submit(t, SubmitInput{UserID: "u1", Brief: "first"})
	second := e.submit(t, SubmitInput{UserID: "u1", Brief: "second"})
	time.Sleep(5 * time.Millisecond)
	third := e.submit(t, SubmitInput{UserID: "u1", Brief: "third"})

	if first.Status != domain.TaskStatusPlanning {
		t.Fatalf("first status = %s", first.Status)
	}
	if second.Status != domain.TaskStatusQueued || third.Status != domain.TaskStatusQueued {
		t.Fatalf("overflow not queued: %s %s", second.Status, third.Status)
	}

	close(e.planner.gate)
	e.svc.Wait()

	for _, id := range []string{first.ID, second.ID, third.ID} {
		if got := e.get(t, id); got.Status != domain.TaskStatusCompleted {
			t.Fatalf("task %s status = %s, want COMPLETED", id, got.Status)
		}
	}
	briefs := e.planner.briefs()
	if len(briefs) != 3 || briefs[0] != "first" || briefs[1] != "second" || briefs[2] != "third" {
		t.Fatalf("briefs = %v, want FIFO order", briefs)
	}
}

func TestQueueDoesNotCrossUsers(t *testing.T) {
	e := newEnv(t, 1)
	e.planner.gate = make(chan struct{})

	e.submit(t, SubmitInput{UserID: "u1", Brief: "u1 task"})
	other := e.submit(t, SubmitInput{UserID: "u2", Brief: "u2 task"})
	if other.Status != domain.TaskStatusPlanning {
		t.Fatalf("other user's task queued behind a stranger: %s", other.Status)
	}
	close(e.planner.gate)
	e.svc.Wait()
}

func TestRetryRenderFreshAttempts(t *testing.T) {
	e := newEnv(t, 2)
	task := e.submit(t, SubmitInput{UserID: "u1", Brief: "brief"})
	e.svc.Wait()

	if _, err := e.svc.RetryRender(context.Background(), task.ID, "u1"); err != nil {
		t.Fatalf("retry render: %v", err)
	}
	e.svc.Wait()
	if _, err := e.svc.RetryRender(context.Background(), task.ID, "u1"); err != nil {
		t.Fatalf("retry render again: %v", err)
	}
	e.svc.Wait()

	attempts := e.renderer.attemptIDs()
	if len(attempts) != 3 {
		t.Fatalf("attempts = %v, want 3 runs", attempts)
	}
	seen := map[string]bool{}
	for _, a := range attempts {
		if seen[a] {
			t.Fatalf("attempt id %q reused; retries must derive fresh keys", a)
		}
		seen[a] = true
	}
}

func TestRetryRenderRequiresPlan(t *testing.T) {
	e := newEnv(t, 2)
	e.planner.err = errors.New("down")
	task := e.submit(t, SubmitInput{UserID: "u1", Brief: "brief"})
	e.svc.Wait()

	if _, err := e.svc.RetryRender(context.Background(), task.ID, "u1"); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState without a plan", err)
	}
}

func TestHeroWorkflowFirstPhase(t *testing.T) {
	e := newEnv(t, 2)
	task := e.submit(t, SubmitInput{UserID: "u1", Brief: "brief", Workflow: domain.WorkflowHeroStoryboard})
	if task.Status != domain.TaskStatusHeroRendering {
		t.Fatalf("status = %s, want HERO_RENDERING", task.Status)
	}
	e.svc.Wait()
	if got := e.get(t, task.ID); got.Status != domain.TaskStatusAwaitingHeroApproval {
		t.Fatalf("status = %s, want AWAITING_HERO_APPROVAL", got.Status)
	}
}
