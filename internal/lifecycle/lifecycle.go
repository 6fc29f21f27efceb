// Package lifecycle owns the task state machine: submission, per-user
// admission control, phase transitions and the explicit retry entry points.
// Each task's pipeline runs as an independent background unit of work.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lpding888/ai-fashion-studio-sub000/internal/domain"
)

const (
	defaultMaxActive = 2
	defaultTimeout   = 15 * time.Minute
)

// Planner produces a structured shot plan from a brief.
type Planner interface {
	PlanShots(ctx context.Context, brief string, refs domain.ReferenceImages, count int) (*domain.ShotPlan, error)
}

// Renderer executes the rendering phase. Satisfied by *pipeline.Orchestrator.
type Renderer interface {
	RenderIndividual(ctx context.Context, t *domain.Task, attemptID string) error
	RenderGrid(ctx context.Context, t *domain.Task, attemptID string) error
	RenderShot(ctx context.Context, t *domain.Task, attemptID, shotID string) error
}

// HeroRunner starts the hero/storyboard workflow's first phase. Satisfied by
// *hero.Service.
type HeroRunner interface {
	RenderHero(ctx context.Context, t *domain.Task, attemptID string) error
}

type Options struct {
	Tasks    domain.TaskRepository
	Planner  Planner
	Renderer Renderer
	Hero     HeroRunner
	// MaxActivePerUser caps concurrently active tasks per user; excess
	// submissions park in QUEUED.
	MaxActivePerUser int
	// RunTimeout is the wall-clock budget of one background phase.
	RunTimeout time.Duration
	Logger     zerolog.Logger
}

type Service struct {
	tasks     domain.TaskRepository
	planner   Planner
	renderer  Renderer
	hero      HeroRunner
	maxActive int
	timeout   time.Duration
	log       zerolog.Logger
	wg        sync.WaitGroup
}

func NewService(opts Options) *Service {
	maxActive := opts.MaxActivePerUser
	if maxActive <= 0 {
		maxActive = defaultMaxActive
	}
	timeout := opts.RunTimeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Service{
		tasks:     opts.Tasks,
		planner:   opts.Planner,
		renderer:  opts.Renderer,
		hero:      opts.Hero,
		maxActive: maxActive,
		timeout:   timeout,
		log:       opts.Logger.With().Str("component", "lifecycle").Logger(),
	}
}

// Wait blocks until every background run has finished. Used on shutdown.
func (s *Service) Wait() { s.wg.Wait() }

// SubmitInput is the task configuration accepted from callers.
type SubmitInput struct {
	UserID          string
	Brief           string
	ShotCount       int
	Layout          domain.LayoutMode
	Tier            domain.ResolutionTier
	AspectRatio     string
	Refs            domain.ReferenceImages
	Workflow        domain.WorkflowVariant
	RequireApproval bool
}

// Submit validates and stores a new task, then either starts its first phase
// or parks it in QUEUED when the user's admission budget is exhausted.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*domain.Task, error) {
	if strings.TrimSpace(in.Brief) == "" {
		return nil, fmt.Errorf("brief is required: %w", domain.ErrInvalidState)
	}
	if in.UserID == "" {
		return nil, domain.ErrUnauthorized
	}
	if in.ShotCount <= 0 {
		in.ShotCount = 1
	}
	if in.Layout == "" {
		in.Layout = domain.LayoutIndividual
	}
	if in.Tier == "" {
		in.Tier = domain.TierStandard
	}
	if in.Workflow == "" {
		in.Workflow = domain.WorkflowLegacy
	}

	now := time.Now().UTC()
	t := &domain.Task{
		ID:              uuid.NewString(),
		UserID:          in.UserID,
		Workflow:        in.Workflow,
		Layout:          in.Layout,
		Tier:            in.Tier,
		AspectRatio:     in.AspectRatio,
		ShotCount:       in.ShotCount,
		Brief:           in.Brief,
		Refs:            in.Refs,
		RequireApproval: in.RequireApproval,
		Status:          domain.TaskStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	// CountActive and Create are separate statements, so two simultaneous
	// submits can both read a count below the cap and briefly exceed it.
	// The cap bounds concurrent render load per user; credit safety is the
	// ledger's job, so the occasional overshoot is tolerated.
	active, err := s.tasks.CountActive(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	if active >= s.maxActive {
		t.Status = domain.TaskStatusQueued
		if err := s.tasks.Create(ctx, t); err != nil {
			return nil, err
		}
		s.log.Info().Str("task_id", t.ID).Str("user_id", t.UserID).Msg("task queued")
		return t, nil
	}

	t.Status = s.firstPhase(t)
	if err := s.tasks.Create(ctx, t); err != nil {
		return nil, err
	}
	s.start(t.ID, t.Status)
	return t, nil
}

func (s *Service) firstPhase(t *domain.Task) domain.TaskStatus {
	if t.Workflow == domain.WorkflowHeroStoryboard {
		return domain.TaskStatusHeroRendering
	}
	return domain.TaskStatusPlanning
}

// Get returns the task after an ownership check.
func (s *Service) Get(ctx context.Context, taskID, userID string) (*domain.Task, error) {
	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.UserID != userID {
		return nil, domain.ErrUnauthorized
	}
	return t, nil
}

// Approve moves an AWAITING_APPROVAL task into rendering. Re-calling it on an
// already-rendering or terminal task is a no-op, so a crashed caller can
// safely re-invoke.
func (s *Service) Approve(ctx context.Context, taskID, userID string) (*domain.Task, error) {
	t, err := s.Get(ctx, taskID, userID)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case domain.TaskStatusAwaitingApproval:
	case domain.TaskStatusRendering, domain.TaskStatusCompleted, domain.TaskStatusFailed:
		return t, nil
	default:
		return nil, fmt.Errorf("cannot approve task in state %s: %w", t.Status, domain.ErrInvalidState)
	}

	t.Status = domain.TaskStatusRendering
	t.UpdatedAt = time.Now().UTC()
	if err := s.tasks.Update(ctx, t); err != nil {
		return nil, err
	}
	s.start(t.ID, domain.TaskStatusRendering)
	return t, nil
}

// RetryPlanning re-runs the planning call for a failed or awaiting task.
func (s *Service) RetryPlanning(ctx context.Context, taskID, userID string) (*domain.Task, error) {
	t, err := s.Get(ctx, taskID, userID)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case domain.TaskStatusFailed, domain.TaskStatusAwaitingApproval:
	default:
		return nil, fmt.Errorf("cannot retry planning in state %s: %w", t.Status, domain.ErrInvalidState)
	}

	t.Status = domain.TaskStatusPlanning
	t.ErrorMessage = ""
	t.UpdatedAt = time.Now().UTC()
	if err := s.tasks.Update(ctx, t); err != nil {
		return nil, err
	}
	s.start(t.ID, domain.TaskStatusPlanning)
	return t, nil
}

// RetryRender re-runs the rendering phase. Only shots without a rendered
// version are touched, and the run derives a fresh idempotency key so it
// reserves its own billing events.
func (s *Service) RetryRender(ctx context.Context, taskID, userID string) (*domain.Task, error) {
	t, err := s.Get(ctx, taskID, userID)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case domain.TaskStatusFailed, domain.TaskStatusCompleted:
	default:
		return nil, fmt.Errorf("cannot retry render in state %s: %w", t.Status, domain.ErrInvalidState)
	}
	if t.Plan == nil && len(t.Shots) == 0 {
		return nil, fmt.Errorf("task has no shot plan to render: %w", domain.ErrInvalidState)
	}

	t.Status = domain.TaskStatusRendering
	t.ErrorMessage = ""
	t.UpdatedAt = time.Now().UTC()
	if err := s.tasks.Update(ctx, t); err != nil {
		return nil, err
	}
	s.start(t.ID, domain.TaskStatusRendering)
	return t, nil
}

// RetryShot re-renders one shot synchronously and returns the updated task.
func (s *Service) RetryShot(ctx context.Context, taskID, shotID, userID string) (*domain.Task, error) {
	t, err := s.Get(ctx, taskID, userID)
	if err != nil {
		return nil, err
	}
	if t.Status != domain.TaskStatusCompleted && t.Status != domain.TaskStatusFailed {
		return nil, fmt.Errorf("cannot retry shot in state %s: %w", t.Status, domain.ErrInvalidState)
	}
	if renderErr := s.renderer.RenderShot(ctx, t, uuid.NewString(), shotID); renderErr != nil {
		if errors.Is(renderErr, domain.ErrNotFound) || errors.Is(renderErr, domain.ErrInsufficientCredits) {
			return nil, renderErr
		}
		// Upstream failures are recorded on the shot; the caller reads
		// them from the task document.
	}
	return s.tasks.Get(ctx, taskID)
}

// start launches one background phase for the task. The goroutine carries a
// wall-clock timeout and panic recovery, and attempts a FIFO dequeue of the
// user's oldest queued task once the phase no longer holds an admission slot.
func (s *Service) start(taskID string, phase domain.TaskStatus) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()

		t, err := s.tasks.Get(ctx, taskID)
		if err != nil {
			s.log.Error().Err(err).Str("task_id", taskID).Msg("background run lost its task")
			return
		}

		defer func() {
			if r := recover(); r != nil {
				s.log.Error().Str("task_id", taskID).Interface("panic", r).Msg("background run panicked")
				t.Status = domain.TaskStatusFailed
				t.ErrorMessage = fmt.Sprintf("internal failure: %v", r)
				t.UpdatedAt = time.Now().UTC()
				_ = s.tasks.Update(ctx, t)
			}
			s.maybeDequeue(t.UserID)
		}()

		s.runPhase(ctx, t, phase)
	}()
}

func (s *Service) runPhase(ctx context.Context, t *domain.Task, phase domain.TaskStatus) {
	switch phase {
	case domain.TaskStatusPlanning:
		s.runPlanning(ctx, t)
	case domain.TaskStatusRendering:
		s.runRender(ctx, t)
	case domain.TaskStatusHeroRendering:
		if err := s.hero.RenderHero(ctx, t, uuid.NewString()); err != nil {
			s.log.Warn().Err(err).Str("task_id", t.ID).Msg("hero render failed")
		}
	default:
		s.log.Error().Str("task_id", t.ID).Str("phase", string(phase)).Msg("unknown phase")
	}
}

func (s *Service) runPlanning(ctx context.Context, t *domain.Task) {
	plan, err := s.planner.PlanShots(ctx, t.Brief, t.Refs, t.ShotCount)
	if err != nil {
		s.log.Warn().Err(err).Str("task_id", t.ID).Msg("planning failed")
		t.Status = domain.TaskStatusFailed
		t.ErrorMessage = err.Error()
		t.UpdatedAt = time.Now().UTC()
		_ = s.tasks.Update(ctx, t)
		return
	}
	t.Plan = plan

	if t.RequireApproval {
		t.Status = domain.TaskStatusAwaitingApproval
		t.UpdatedAt = time.Now().UTC()
		_ = s.tasks.Update(ctx, t)
		return
	}

	t.Status = domain.TaskStatusRendering
	t.UpdatedAt = time.Now().UTC()
	if err := s.tasks.Update(ctx, t); err != nil {
		s.log.Error().Err(err).Str("task_id", t.ID).Msg("persist before render")
		return
	}
	s.runRender(ctx, t)
}

func (s *Service) runRender(ctx context.Context, t *domain.Task) {
	attemptID := uuid.NewString()
	var err error
	if t.Layout == domain.LayoutGrid {
		err = s.renderer.RenderGrid(ctx, t, attemptID)
	} else {
		err = s.renderer.RenderIndividual(ctx, t, attemptID)
	}
	if err != nil {
		// The orchestrator already transitioned the task; nothing more to do.
		s.log.Warn().Err(err).Str("task_id", t.ID).Msg("render failed")
	}
}

// maybeDequeue starts the user's oldest QUEUED task when admission capacity
// is available again.
func (s *Service) maybeDequeue(userID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	active, err := s.tasks.CountActive(ctx, userID)
	if err != nil || active >= s.maxActive {
		return
	}
	next, err := s.tasks.OldestQueued(ctx, userID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			s.log.Error().Err(err).Str("user_id", userID).Msg("dequeue lookup failed")
		}
		return
	}

	next.Status = s.firstPhase(next)
	next.UpdatedAt = time.Now().UTC()
	if err := s.tasks.Update(ctx, next); err != nil {
		s.log.Error().Err(err).Str("task_id", next.ID).Msg("dequeue update failed")
		return
	}
	s.log.Info().Str("task_id", next.ID).Str("user_id", userID).Msg("dequeued task")
	s.start(next.ID, next.Status)
}
