package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/lpding888/ai-fashion-studio-sub000/internal/adapter/repo"
	"github.com/lpding888/ai-fashion-studio-sub000/internal/domain"
	"github.com/lpding888/ai-fashion-studio-sub000/internal/ledger"
	"github.com/lpding888/ai-fashion-studio-sub000/internal/painter"
	"github.com/lpding888/ai-fashion-studio-sub000/internal/pricing"
)

// paintFunc adapts a function to the Painter interface.
type paintFunc func(ctx context.Context, req painter.Request) (*painter.Result, error)

func (f paintFunc) Paint(ctx context.Context, req painter.Request) (*painter.Result, error) {
	return f(ctx, req)
}

type fixture struct {
	store *repo.MemoryStore
	task  *domain.Task
}

func newFixture(t *testing.T, shots int, credits int) *fixture {
	t.Helper()
	store := repo.NewMemoryStore()
	ctx := context.Background()
	if err := store.CreateUser(ctx, &domain.User{ID: "u1", Credits: credits}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	plan := &domain.ShotPlan{}
	for i := 0; i < shots; i++ {
		plan.Shots = append(plan.Shots, domain.PlannedShot{
			ID:     fmt.Sprintf("s%d", i+1),
			Prompt: fmt.Sprintf("prompt %d", i+1),
		})
	}
	task := &domain.Task{
		ID:       "t1",
		UserID:   "u1",
		Workflow: domain.WorkflowLegacy,
		Layout:   domain.LayoutIndividual,
		Tier:     domain.TierStandard,
		Status:   domain.TaskStatusRendering,
		Plan:     plan,
	}
	if err := store.Create(ctx, task); err != nil {
		t.Fatalf("create task: %v", err)
	}
	return &fixture{store: store, task: task}
}

func (f *fixture) orchestrator(p Painter, batch *BatchClient) *Orchestrator {
	return New(Options{
		Tasks:   f.store,
		Ledger:  ledger.NewService(f.store, zerolog.Nop()),
		Painter: p,
		Batch:   batch,
		Logger:  zerolog.Nop(),
	})
}

func (f *fixture) balance(t *testing.T) int {
	t.Helper()
	u, err := f.store.GetUser(context.Background(), "u1")
	if err != nil {
		t.Fatalf("get user: %v", err)
	}
	return u.Credits
}

func (f *fixture) reload(t *testing.T) *domain.Task {
	t.Helper()
	task, err := f.store.Get(context.Background(), "t1")
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	return task
}

func TestIndividualPartialSuccess(t *testing.T) {
	f := newFixture(t, 3, 100)
	calls := 0
	o := f.orchestrator(paintFunc(func(ctx context.Context, req painter.Request) (*painter.Result, error) {
		calls++
		if req.ShotID == "s2" {
			return nil, errors.New("upstream hiccup")
		}
		return &painter.Result{ImageRef: "img-" + req.ShotID}, nil
	}), nil)

	if err := o.RenderIndividual(context.Background(), f.task, "attempt-1"); err != nil {
		t.Fatalf("render: %v", err)
	}
	if calls != 3 {
		t.Fatalf("calls = %d, want 3 (failure must not abort the rest)", calls)
	}

	got := f.reload(t)
	if got.Status != domain.TaskStatusCompleted {
		t.Fatalf("status = %s, want COMPLETED on partial success", got.Status)
	}
	if len(got.Images) != 2 {
		t.Fatalf("images = %v, want 2", got.Images)
	}
	if s := got.ShotByID("s2"); s.Status != domain.ShotStatusFailed || s.Error == "" {
		t.Fatalf("failed shot not recorded: %+v", s)
	}

	per := pricing.PerImage(domain.TierStandard)
	if want := 100 - 2*per; f.balance(t) != want {
		t.Fatalf("balance = %d, want %d (settled to actual count)", f.balance(t), want)
	}
	if got.CreditsSpent != 2*per {
		t.Fatalf("credits spent = %d, want %d", got.CreditsSpent, 2*per)
	}
}

func TestIndividualTotalFailureRefundsAll(t *testing.T) {
	f := newFixture(t, 2, 50)
	o := f.orchestrator(paintFunc(func(ctx context.Context, req painter.Request) (*painter.Result, error) {
		return nil, errors.New("down")
	}), nil)

	if err := o.RenderIndividual(context.Background(), f.task, "attempt-1"); err != nil {
		t.Fatalf("render: %v", err)
	}
	got := f.reload(t)
	if got.Status != domain.TaskStatusFailed {
		t.Fatalf("status = %s, want FAILED", got.Status)
	}
	if got.ErrorMessage == "" {
		t.Fatal("failure reason must be preserved")
	}
	if f.balance(t) != 50 {
		t.Fatalf("balance = %d, want full refund to 50", f.balance(t))
	}
	if got.CreditsSpent != 0 {
		t.Fatalf("credits spent = %d, want 0", got.CreditsSpent)
	}
}

func TestIndividualInsufficientCreditsAbortsBeforeCalls(t *testing.T) {
	f := newFixture(t, 3, 1)
	calls := 0
	o := f.orchestrator(paintFunc(func(ctx context.Context, req painter.Request) (*painter.Result, error) {
		calls++
		return &painter.Result{ImageRef: "img"}, nil
	}), nil)

	err := o.RenderIndividual(context.Background(), f.task, "attempt-1")
	if !errors.Is(err, domain.ErrInsufficientCredits) {
		t.Fatalf("err = %v, want ErrInsufficientCredits", err)
	}
	if calls != 0 {
		t.Fatalf("calls = %d, want 0 (no external call before funds clear)", calls)
	}
	if f.reload(t).Status != domain.TaskStatusFailed {
		t.Fatalf("status = %s, want FAILED", f.reload(t).Status)
	}
	if f.balance(t) != 1 {
		t.Fatalf("balance = %d, want untouched", f.balance(t))
	}
}

func TestIndividualProgressPersistedPerShot(t *testing.T) {
	f := newFixture(t, 2, 100)
	var midRun *domain.Task
	o := f.orchestrator(nil, nil)
	o.sequential = NewSequentialStrategy(paintFunc(func(ctx context.Context, req painter.Request) (*painter.Result, error) {
		if req.ShotID == "s2" {
			// The first shot must already be visible to pollers.
			stored, err := f.store.Get(ctx, "t1")
			if err != nil {
				t.Errorf("mid-run get: %v", err)
			}
			midRun = stored
		}
		return &painter.Result{ImageRef: "img-" + req.ShotID}, nil
	}), zerolog.Nop())

	if err := o.RenderIndividual(context.Background(), f.task, "attempt-1"); err != nil {
		t.Fatalf("render: %v", err)
	}
	if midRun == nil {
		t.Fatal("second shot never rendered")
	}
	if len(midRun.Images) != 1 || midRun.ShotByID("s1").Status != domain.ShotStatusRendered {
		t.Fatalf("first shot not persisted before second call: %+v", midRun.Shots)
	}
}

func TestRetryOnlyFailedShotsBillsSeparately(t *testing.T) {
	f := newFixture(t, 2, 100)
	fail := map[string]bool{"s2": true}
	var painted []string
	o := f.orchestrator(paintFunc(func(ctx context.Context, req painter.Request) (*painter.Result, error) {
		painted = append(painted, req.ShotID)
		if fail[req.ShotID] {
			return nil, errors.New("down")
		}
		return &painter.Result{ImageRef: "img-" + req.ShotID}, nil
	}), nil)

	if err := o.RenderIndividual(context.Background(), f.task, "attempt-1"); err != nil {
		t.Fatalf("first render: %v", err)
	}
	fail["s2"] = false

	retryTask := f.reload(t)
	if err := o.RenderIndividual(context.Background(), retryTask, "attempt-2"); err != nil {
		t.Fatalf("retry render: %v", err)
	}

	if want := []string{"s1", "s2", "s2"}; fmt.Sprint(painted) != fmt.Sprint(want) {
		t.Fatalf("painted = %v, want %v (retry touches failed shots only)", painted, want)
	}

	got := f.reload(t)
	per := pricing.PerImage(domain.TierStandard)
	if got.CreditsSpent != 2*per {
		t.Fatalf("credits spent = %d, want %d across both attempts", got.CreditsSpent, 2*per)
	}
	reserves := 0
	for _, ev := range got.BillingEvents {
		if ev.Kind == domain.BillingEventReserve {
			reserves++
		}
	}
	if reserves != 2 {
		t.Fatalf("reserve events = %d, want one per attempt", reserves)
	}
	if f.balance(t) != 100-2*per {
		t.Fatalf("balance = %d, want %d", f.balance(t), 100-2*per)
	}
}

func TestRenderGridFlatFee(t *testing.T) {
	f := newFixture(t, 4, 100)
	f.task.Layout = domain.LayoutGrid
	var gotReq painter.Request
	o := f.orchestrator(paintFunc(func(ctx context.Context, req painter.Request) (*painter.Result, error) {
		gotReq = req
		return &painter.Result{ImageRef: "contact-sheet.png"}, nil
	}), nil)

	if err := o.RenderGrid(context.Background(), f.task, "attempt-1"); err != nil {
		t.Fatalf("render: %v", err)
	}
	got := f.reload(t)
	if got.Status != domain.TaskStatusCompleted {
		t.Fatalf("status = %s", got.Status)
	}
	if len(got.Images) != 1 || got.Images[0] != "contact-sheet.png" {
		t.Fatalf("images = %v", got.Images)
	}
	fee := pricing.GridFee(domain.TierStandard)
	if f.balance(t) != 100-fee {
		t.Fatalf("balance = %d, want flat fee %d charged", f.balance(t), fee)
	}
	for i := 1; i <= 4; i++ {
		if want := fmt.Sprintf("prompt %d", i); !strings.Contains(gotReq.Instruction, want) {
			t.Fatalf("grid prompt missing %q: %q", want, gotReq.Instruction)
		}
	}
}

func TestRenderGridFailureRefunds(t *testing.T) {
	f := newFixture(t, 2, 40)
	f.task.Layout = domain.LayoutGrid
	o := f.orchestrator(paintFunc(func(ctx context.Context, req painter.Request) (*painter.Result, error) {
		return nil, errors.New("down")
	}), nil)

	if err := o.RenderGrid(context.Background(), f.task, "attempt-1"); err == nil {
		t.Fatal("expected error")
	}
	if f.balance(t) != 40 {
		t.Fatalf("balance = %d, want full refund", f.balance(t))
	}
	if f.reload(t).Status != domain.TaskStatusFailed {
		t.Fatalf("status = %s", f.reload(t).Status)
	}
}

func TestBatchPathCommits(t *testing.T) {
	f := newFixture(t, 2, 100)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req batchRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		var resp batchResponse
		for _, s := range req.Shots {
			resp.Results = append(resp.Results, batchShotResult{ID: s.ID, Image: "batch-" + s.ID})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer ts.Close()

	batch, err := NewBatchClient(ts.URL, nil)
	if err != nil {
		t.Fatalf("batch client: %v", err)
	}
	sequentialCalls := 0
	o := f.orchestrator(paintFunc(func(ctx context.Context, req painter.Request) (*painter.Result, error) {
		sequentialCalls++
		return &painter.Result{ImageRef: "seq"}, nil
	}), batch)

	if err := o.RenderIndividual(context.Background(), f.task, "attempt-1"); err != nil {
		t.Fatalf("render: %v", err)
	}
	if sequentialCalls != 0 {
		t.Fatalf("sequential calls = %d, want 0 when batch succeeds", sequentialCalls)
	}
	got := f.reload(t)
	if got.Status != domain.TaskStatusCompleted || len(got.Images) != 2 {
		t.Fatalf("task = %s %v", got.Status, got.Images)
	}
}

func TestBatchOutrightFailureFallsBackToSequential(t *testing.T) {
	f := newFixture(t, 2, 100)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	batch, err := NewBatchClient(ts.URL, nil)
	if err != nil {
		t.Fatalf("batch client: %v", err)
	}
	sequentialCalls := 0
	o := f.orchestrator(paintFunc(func(ctx context.Context, req painter.Request) (*painter.Result, error) {
		sequentialCalls++
		return &painter.Result{ImageRef: "seq-" + req.ShotID}, nil
	}), batch)

	if err := o.RenderIndividual(context.Background(), f.task, "attempt-1"); err != nil {
		t.Fatalf("render: %v", err)
	}
	if sequentialCalls != 2 {
		t.Fatalf("sequential calls = %d, want 2 after uncommitted batch failure", sequentialCalls)
	}
	if f.reload(t).Status != domain.TaskStatusCompleted {
		t.Fatalf("status = %s", f.reload(t).Status)
	}
}

func TestBatchPartialCommitDoesNotFallBack(t *testing.T) {
	f := newFixture(t, 3, 100)

	applied := 0
	job := &Job{
		Task: f.task,
		Apply: func(ctx context.Context, shot *domain.Shot, image string, callErr error) error {
			applied++
			if applied == 2 {
				return errors.New("store unreachable")
			}
			shot.AddVersion(shot.Prompt, image, f.task.CreatedAt)
			return nil
		},
	}
	if err := (&Orchestrator{log: zerolog.Nop()}).ensureShots(f.task); err != nil {
		t.Fatalf("ensure shots: %v", err)
	}
	job.Targets = pendingShots(f.task)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req batchRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		var resp batchResponse
		for _, s := range req.Shots {
			resp.Results = append(resp.Results, batchShotResult{ID: s.ID, Image: "i"})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer ts.Close()
	batch, err := NewBatchClient(ts.URL, nil)
	if err != nil {
		t.Fatalf("batch client: %v", err)
	}

	committed, execErr := NewBatchStrategy(batch, zerolog.Nop()).Execute(context.Background(), job)
	if execErr == nil {
		t.Fatal("expected error")
	}
	if !committed {
		t.Fatal("first applied shot means the run committed; fallback must be forbidden")
	}
}


func TestRetryShotSuccessCompletesFailedTask(t *testing.T) {
	f := newFixture(t, 1, 100)
	ctx := context.Background()

	// Drive the task into FAILED through a real run so shot state and
	// billing history are genuine.
	o := f.orchestrator(paintFunc(func(ctx context.Context, req painter.Request) (*painter.Result, error) {
		return nil, errors.New("upstream down")
	}), nil)
	if err := o.RenderIndividual(ctx, f.task, "attempt-1"); err != nil {
		t.Fatalf("render: %v", err)
	}
	if got := f.reload(t); got.Status != domain.TaskStatusFailed {
		t.Fatalf("setup status = %s, want FAILED", got.Status)
	}

	o = f.orchestrator(paintFunc(func(ctx context.Context, req painter.Request) (*painter.Result, error) {
		return &painter.Result{ImageRef: "img-" + req.ShotID}, nil
	}), nil)
	if err := o.RenderShot(ctx, f.reload(t), "attempt-2", "s1"); err != nil {
		t.Fatalf("retry shot: %v", err)
	}

	got := f.reload(t)
	if got.Status != domain.TaskStatusCompleted {
		t.Fatalf("status = %s, want COMPLETED once a shot rendered", got.Status)
	}
	if got.ErrorMessage != "" {
		t.Fatalf("error message = %q, want cleared", got.ErrorMessage)
	}
	if len(got.Images) != 1 || got.Images[0] != "img-s1" {
		t.Fatalf("images = %v, want the retried render", got.Images)
	}
	per := pricing.PerImage(domain.TierStandard)
	if b := f.balance(t); b != 100-per {
		t.Fatalf("balance = %d, want %d (only the successful retry settled)", b, 100-per)
	}
}

func TestRetryShotFailureKeepsFailedStatus(t *testing.T) {
	f := newFixture(t, 1, 100)
	ctx := context.Background()

	o := f.orchestrator(paintFunc(func(ctx context.Context, req painter.Request) (*painter.Result, error) {
		return nil, errors.New("upstream down")
	}), nil)
	if err := o.RenderIndividual(ctx, f.task, "attempt-1"); err != nil {
		t.Fatalf("render: %v", err)
	}

	if err := o.RenderShot(ctx, f.reload(t), "attempt-2", "s1"); err == nil {
		t.Fatal("expected the retried call to fail")
	}

	got := f.reload(t)
	if got.Status != domain.TaskStatusFailed {
		t.Fatalf("status = %s, want FAILED", got.Status)
	}
	if b := f.balance(t); b != 100 {
		t.Fatalf("balance = %d, want full refund", b)
	}
}
