// Package hero implements the hero/storyboard workflow: one master image is
// rendered and approved, a storyboard is planned from it, then each shot is
// rendered referencing the hero and the previous shot for continuity. Every
// generation call is retained as an attempt so versions can be compared and
// re-selected.
package hero

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lpding888/ai-fashion-studio-sub000/internal/domain"
	"github.com/lpding888/ai-fashion-studio-sub000/internal/ledger"
	"github.com/lpding888/ai-fashion-studio-sub000/internal/painter"
	"github.com/lpding888/ai-fashion-studio-sub000/internal/pricing"
	"github.com/lpding888/ai-fashion-studio-sub000/internal/storage"
)

// Painter performs one generation call. Satisfied by *painter.Client.
type Painter interface {
	Paint(ctx context.Context, req painter.Request) (*painter.Result, error)
}

// Ledger is the billing surface. Satisfied by *ledger.Service.
type Ledger interface {
	Reserve(ctx context.Context, taskID, userID string, amount int, reason, key string) (ledger.ReserveResult, error)
	Settle(ctx context.Context, taskID, userID, reserveKey, settleKey string, actualAmount int, reason string) (ledger.SettleResult, error)
	MarkBillingError(ctx context.Context, taskID, message string)
}

// StoryboardPlanner breaks an approved hero image into shots.
type StoryboardPlanner interface {
	PlanStoryboard(ctx context.Context, heroRef string, count int) (*domain.ShotPlan, error)
}

type Options struct {
	Tasks   domain.TaskRepository
	Ledger  Ledger
	Painter Painter
	Planner StoryboardPlanner
	Store   storage.ObjectStore
	Logger  zerolog.Logger
}

type Service struct {
	tasks   domain.TaskRepository
	ledger  Ledger
	painter Painter
	planner StoryboardPlanner
	store   storage.ObjectStore
	log     zerolog.Logger
}

func NewService(opts Options) *Service {
	store := opts.Store
	if store == nil {
		store = storage.Disabled{}
	}
	return &Service{
		tasks:   opts.Tasks,
		ledger:  opts.Ledger,
		painter: opts.Painter,
		planner: opts.Planner,
		store:   store,
		log:     opts.Logger.With().Str("component", "hero").Logger(),
	}
}

// RenderHero renders the master image and moves the task to
// AWAITING_HERO_APPROVAL. Called by the lifecycle service for the workflow's
// first phase and again for explicit regenerations.
func (s *Service) RenderHero(ctx context.Context, t *domain.Task, attemptID string) error {
	if t.Hero == nil {
		t.Hero = &domain.HeroWorkspace{}
	}
	if t.Hero.HeroPrompt == "" {
		t.Hero.HeroPrompt = heroPrompt(t)
	}

	price := pricing.PerImage(t.Tier)
	reserveKey := billingKey("hero", attemptID, "reserve")
	settleKey := billingKey("hero", attemptID, "settle")
	if _, err := s.ledger.Reserve(ctx, t.ID, t.UserID, price, "render hero image", reserveKey); err != nil {
		return s.fail(ctx, t, err)
	}

	res, callErr := s.painter.Paint(ctx, painter.Request{
		Instruction: t.Hero.HeroPrompt,
		Refs:        s.taskRefs(t),
		TaskID:      t.ID,
		ShotID:      "hero-" + attemptID,
	})

	attempt := domain.ShotAttempt{
		ID:        attemptID,
		Prompt:    t.Hero.HeroPrompt,
		CreatedAt: time.Now().UTC(),
	}
	if callErr != nil {
		attempt.Error = callErr.Error()
		t.Hero.HeroAttempts = append(t.Hero.HeroAttempts, attempt)
		s.settle(ctx, t, reserveKey, settleKey, 0, "hero failed, full refund")
		return s.fail(ctx, t, callErr)
	}

	attempt.Image = res.ImageRef
	attempt.ShootLog = res.ShootLog
	t.Hero.HeroAttempts = append(t.Hero.HeroAttempts, attempt)
	t.Hero.SelectedHero = attempt.ID
	s.settle(ctx, t, reserveKey, settleKey, price, "settle hero image")

	t.Status = domain.TaskStatusAwaitingHeroApproval
	t.ErrorMessage = ""
	return s.persist(ctx, t)
}

// RegenerateHero renders a fresh hero attempt. Storyboard state derived from
// the previous hero is archived, not discarded, because it is no longer
// guaranteed consistent with the new image.
func (s *Service) RegenerateHero(ctx context.Context, taskID, userID string) (*domain.Task, error) {
	t, err := s.owned(ctx, taskID, userID)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case domain.TaskStatusAwaitingHeroApproval, domain.TaskStatusStoryboardReady, domain.TaskStatusFailed:
	default:
		return nil, fmt.Errorf("cannot regenerate hero in state %s: %w", t.Status, domain.ErrInvalidState)
	}
	if t.Hero != nil {
		t.Hero.Archive("hero regenerated", time.Now().UTC())
	}
	if err := s.RenderHero(ctx, t, uuid.NewString()); err != nil {
		return nil, err
	}
	return s.tasks.Get(ctx, taskID)
}

// ApproveHero accepts the current hero image and plans the storyboard from
// it. Durable storage is required past this point so every later call can
// reference the hero by URL instead of re-inlining it.
func (s *Service) ApproveHero(ctx context.Context, taskID, userID string) (*domain.Task, error) {
	t, err := s.owned(ctx, taskID, userID)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case domain.TaskStatusAwaitingHeroApproval:
	case domain.TaskStatusStoryboardPlanning, domain.TaskStatusStoryboardReady:
		return t, nil
	default:
		return nil, fmt.Errorf("cannot approve hero in state %s: %w", t.Status, domain.ErrInvalidState)
	}
	if !s.store.Enabled() {
		return nil, fmt.Errorf("hero approval requires durable storage: %w", domain.ErrStorageDisabled)
	}
	if t.Hero == nil || t.Hero.HeroImage() == "" {
		return nil, fmt.Errorf("no hero image to approve: %w", domain.ErrInvalidState)
	}

	t.Status = domain.TaskStatusStoryboardPlanning
	if err := s.persist(ctx, t); err != nil {
		return nil, err
	}
	return s.planStoryboard(ctx, t)
}

// ReplanStoryboard re-runs storyboard planning against the approved hero.
// Existing shot and grid outputs are archived first.
func (s *Service) ReplanStoryboard(ctx context.Context, taskID, userID string) (*domain.Task, error) {
	t, err := s.owned(ctx, taskID, userID)
	if err != nil {
		return nil, err
	}
	switch t.Status {
	case domain.TaskStatusStoryboardReady, domain.TaskStatusFailed:
	default:
		return nil, fmt.Errorf("cannot replan storyboard in state %s: %w", t.Status, domain.ErrInvalidState)
	}
	if t.Hero == nil || t.Hero.HeroImage() == "" {
		return nil, fmt.Errorf("no hero image to plan from: %w", domain.ErrInvalidState)
	}

	t.Hero.Archive("storyboard replanned", time.Now().UTC())
	t.Status = domain.TaskStatusStoryboardPlanning
	if err := s.persist(ctx, t); err != nil {
		return nil, err
	}
	return s.planStoryboard(ctx, t)
}

func (s *Service) planStoryboard(ctx context.Context, t *domain.Task) (*domain.Task, error) {
	heroRef := s.publicRef(t.Hero.HeroImage())
	plan, err := s.planner.PlanStoryboard(ctx, heroRef, t.ShotCount)
	if err != nil {
		return nil, s.fail(ctx, t, err)
	}

	t.Hero.Storyboard = plan
	t.Hero.Shots = nil
	for i, planned := range plan.Shots {
		code := planned.ID
		if code == "" {
			code = fmt.Sprintf("shot-%02d", i+1)
		}
		t.Hero.Shots = append(t.Hero.Shots, domain.HeroShotOutput{
			Code:   code,
			Type:   planned.Type,
			Prompt: planned.Prompt,
			Status: domain.ShotStatusPending,
		})
	}
	t.Status = domain.TaskStatusStoryboardReady
	t.ErrorMessage = ""
	if err := s.persist(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// RenderShot renders one storyboard shot. The request references the hero
// image and, when available, the previous shot's selected image so the model
// keeps garment and model continuity.
func (s *Service) RenderShot(ctx context.Context, taskID, code, userID string) (*domain.Task, error) {
	t, err := s.owned(ctx, taskID, userID)
	if err != nil {
		return nil, err
	}
	if t.Status != domain.TaskStatusStoryboardReady {
		return nil, fmt.Errorf("cannot render shot in state %s: %w", t.Status, domain.ErrInvalidState)
	}
	shot := t.Hero.ShotByCode(code)
	if shot == nil {
		return nil, fmt.Errorf("storyboard shot %s: %w", code, domain.ErrNotFound)
	}

	attemptID := uuid.NewString()
	price := pricing.PerImage(t.Tier)
	reserveKey := billingKey("storyshot", attemptID, "reserve")
	settleKey := billingKey("storyshot", attemptID, "settle")
	if _, err := s.ledger.Reserve(ctx, t.ID, t.UserID, price, "render storyboard shot "+code, reserveKey); err != nil {
		return nil, err
	}

	t.Status = domain.TaskStatusShotsRendering
	if err := s.persist(ctx, t); err != nil {
		return nil, err
	}

	res, callErr := s.painter.Paint(ctx, painter.Request{
		Instruction: shot.Prompt,
		Refs:        s.continuityRefs(t, code),
		TaskID:      t.ID,
		ShotID:      code,
	})

	attempt := domain.ShotAttempt{ID: attemptID, Prompt: shot.Prompt, CreatedAt: time.Now().UTC()}
	if callErr != nil {
		attempt.Error = callErr.Error()
		s.settle(ctx, t, reserveKey, settleKey, 0, "shot failed, full refund")
	} else {
		attempt.Image = res.ImageRef
		attempt.ShootLog = res.ShootLog
		s.settle(ctx, t, reserveKey, settleKey, price, "settle storyboard shot "+code)
	}
	shot.Record(attempt)

	t.Status = domain.TaskStatusStoryboardReady
	if err := s.persist(ctx, t); err != nil {
		return nil, err
	}
	if callErr != nil {
		return t, callErr
	}
	return t, nil
}

// RenderGrid renders the composite contact sheet of the whole storyboard for
// the flat grid fee.
func (s *Service) RenderGrid(ctx context.Context, taskID, userID string) (*domain.Task, error) {
	t, err := s.owned(ctx, taskID, userID)
	if err != nil {
		return nil, err
	}
	if t.Status != domain.TaskStatusStoryboardReady {
		return nil, fmt.Errorf("cannot render grid in state %s: %w", t.Status, domain.ErrInvalidState)
	}
	if len(t.Hero.Shots) == 0 {
		return nil, fmt.Errorf("storyboard has no shots: %w", domain.ErrInvalidState)
	}

	attemptID := uuid.NewString()
	fee := pricing.GridFee(t.Tier)
	reserveKey := billingKey("storygrid", attemptID, "reserve")
	settleKey := billingKey("storygrid", attemptID, "settle")
	if _, err := s.ledger.Reserve(ctx, t.ID, t.UserID, fee, "render storyboard grid", reserveKey); err != nil {
		return nil, err
	}

	t.Status = domain.TaskStatusShotsRendering
	if err := s.persist(ctx, t); err != nil {
		return nil, err
	}

	prompt := gridPrompt(t)
	res, callErr := s.painter.Paint(ctx, painter.Request{
		Instruction: prompt,
		Refs:        s.continuityRefs(t, ""),
		TaskID:      t.ID,
		ShotID:      "grid",
	})

	if t.Hero.Grid == nil {
		t.Hero.Grid = &domain.HeroShotOutput{Code: "grid", Prompt: prompt, Status: domain.ShotStatusPending}
	}
	attempt := domain.ShotAttempt{ID: attemptID, Prompt: prompt, CreatedAt: time.Now().UTC()}
	if callErr != nil {
		attempt.Error = callErr.Error()
		s.settle(ctx, t, reserveKey, settleKey, 0, "grid failed, full refund")
	} else {
		attempt.Image = res.ImageRef
		attempt.ShootLog = res.ShootLog
		s.settle(ctx, t, reserveKey, settleKey, fee, "settle storyboard grid")
	}
	t.Hero.Grid.Record(attempt)

	t.Status = domain.TaskStatusStoryboardReady
	if err := s.persist(ctx, t); err != nil {
		return nil, err
	}
	if callErr != nil {
		return t, callErr
	}
	return t, nil
}

// SelectShotVersion points a storyboard shot (or the grid, code "grid") at a
// prior successful attempt.
func (s *Service) SelectShotVersion(ctx context.Context, taskID, code, attemptID, userID string) (*domain.Task, error) {
	t, err := s.owned(ctx, taskID, userID)
	if err != nil {
		return nil, err
	}
	var shot *domain.HeroShotOutput
	if code == "grid" {
		shot = t.Hero.Grid
	} else if t.Hero != nil {
		shot = t.Hero.ShotByCode(code)
	}
	if shot == nil {
		return nil, fmt.Errorf("storyboard shot %s: %w", code, domain.ErrNotFound)
	}
	var target *domain.ShotAttempt
	for i := range shot.Attempts {
		if shot.Attempts[i].ID == attemptID {
			target = &shot.Attempts[i]
		}
	}
	if target == nil {
		return nil, fmt.Errorf("attempt %s: %w", attemptID, domain.ErrNotFound)
	}
	if !target.OK() {
		return nil, fmt.Errorf("attempt %s produced no image: %w", attemptID, domain.ErrInvalidState)
	}
	shot.SelectedAttempt = attemptID
	shot.Status = domain.ShotStatusRendered
	if err := s.persist(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

func (s *Service) owned(ctx context.Context, taskID, userID string) (*domain.Task, error) {
	t, err := s.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.UserID != userID {
		return nil, domain.ErrUnauthorized
	}
	if t.Workflow != domain.WorkflowHeroStoryboard {
		return nil, fmt.Errorf("task %s is not a hero/storyboard task: %w", taskID, domain.ErrInvalidState)
	}
	return t, nil
}

// continuityRefs builds the reference set for a storyboard render: the hero
// image always, plus the selected image of the shot preceding code.
func (s *Service) continuityRefs(t *domain.Task, code string) []painter.RefImage {
	var refs []painter.RefImage
	if img := t.Hero.HeroImage(); img != "" {
		refs = append(refs, painter.RefImage{Name: "hero", URI: s.publicRef(img), MimeType: "image/png"})
	}
	if code == "" {
		return refs
	}
	prevImage := ""
	for _, shot := range t.Hero.Shots {
		if shot.Code == code {
			break
		}
		if sel := shot.Selected(); sel != nil && sel.OK() {
			prevImage = sel.Image
		}
	}
	if prevImage != "" {
		refs = append(refs, painter.RefImage{Name: "previous-shot", URI: s.publicRef(prevImage), MimeType: "image/png"})
	}
	return refs
}

// publicRef maps a stored reference to a URL the renderer can fetch.
func (s *Service) publicRef(ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	if s.store.Enabled() {
		return s.store.URL(ref)
	}
	return ref
}

func (s *Service) taskRefs(t *domain.Task) []painter.RefImage {
	var refs []painter.RefImage
	add := func(name, ref string) {
		if ref == "" {
			return
		}
		refs = append(refs, painter.RefImage{Name: name, URI: s.publicRef(ref), MimeType: "image/png"})
	}
	for i, g := range t.Refs.Garment {
		add(fmt.Sprintf("garment-%d", i+1), g)
	}
	add("face", t.Refs.Face)
	add("style", t.Refs.Style)
	return refs
}

func heroPrompt(t *domain.Task) string {
	sb := &strings.Builder{}
	sb.WriteString("Render the hero photograph for this shoot. It defines the garment, model and mood every later shot must match.")
	if t.AspectRatio != "" {
		fmt.Fprintf(sb, " Aspect ratio %s.", t.AspectRatio)
	}
	fmt.Fprintf(sb, " Brief: %s", t.Brief)
	return sb.String()
}

func gridPrompt(t *domain.Task) string {
	sb := &strings.Builder{}
	fmt.Fprintf(sb, "Render one composite contact-sheet image laying out the following %d storyboard shots in a grid:\n", len(t.Hero.Shots))
	for i, shot := range t.Hero.Shots {
		fmt.Fprintf(sb, "%d. %s\n", i+1, shot.Prompt)
	}
	return sb.String()
}

func (s *Service) settle(ctx context.Context, t *domain.Task, reserveKey, settleKey string, actual int, reason string) {
	if _, err := s.ledger.Settle(ctx, t.ID, t.UserID, reserveKey, settleKey, actual, reason); err != nil {
		s.log.Error().Err(err).Str("task_id", t.ID).Msg("settlement failed")
		s.ledger.MarkBillingError(ctx, t.ID, fmt.Sprintf("settle %s: %v", settleKey, err))
	}
}

func (s *Service) fail(ctx context.Context, t *domain.Task, cause error) error {
	t.Status = domain.TaskStatusFailed
	t.ErrorMessage = cause.Error()
	if err := s.persist(ctx, t); err != nil {
		return err
	}
	return cause
}

// persist rewrites the task document with the aggregate image list rebuilt
// from selected outputs.
func (s *Service) persist(ctx context.Context, t *domain.Task) error {
	if t.Hero != nil {
		var images []string
		if img := t.Hero.HeroImage(); img != "" {
			images = append(images, img)
		}
		for i := range t.Hero.Shots {
			if sel := t.Hero.Shots[i].Selected(); sel != nil && sel.OK() {
				images = append(images, sel.Image)
			}
		}
		if t.Hero.Grid != nil {
			if sel := t.Hero.Grid.Selected(); sel != nil && sel.OK() {
				images = append(images, sel.Image)
			}
		}
		t.Images = images
	}
	t.UpdatedAt = time.Now().UTC()
	if err := s.tasks.Update(ctx, t); err != nil {
		s.log.Error().Err(err).Str("task_id", t.ID).Msg("persist task")
		return err
	}
	return nil
}

func billingKey(purpose, attemptID, phase string) string {
	return fmt.Sprintf("%s:%s:%s", purpose, attemptID, phase)
}
