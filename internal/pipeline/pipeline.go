// Package pipeline turns a structured shot plan into generation calls,
// persists per-shot progress incrementally and reconciles billing against the
// actual outcome.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/lpding888/ai-fashion-studio-sub000/internal/domain"
	"github.com/lpding888/ai-fashion-studio-sub000/internal/ledger"
	"github.com/lpding888/ai-fashion-studio-sub000/internal/painter"
	"github.com/lpding888/ai-fashion-studio-sub000/internal/pricing"
	"github.com/lpding888/ai-fashion-studio-sub000/internal/storage"
)

// Ledger is the billing surface the orchestrator drives. Satisfied by
// *ledger.Service.
type Ledger interface {
	Reserve(ctx context.Context, taskID, userID string, amount int, reason, key string) (ledger.ReserveResult, error)
	Settle(ctx context.Context, taskID, userID, reserveKey, settleKey string, actualAmount int, reason string) (ledger.SettleResult, error)
	MarkBillingError(ctx context.Context, taskID, message string)
}

type Options struct {
	Tasks   domain.TaskRepository
	Ledger  Ledger
	Painter Painter
	Store   storage.ObjectStore
	// Batch, when set, is tried before the sequential per-shot path.
	Batch  *BatchClient
	Logger zerolog.Logger
}

// Orchestrator is the single component that translates render outcomes into
// task-state transitions and billing movements. Lower layers never touch
// task status.
type Orchestrator struct {
	tasks      domain.TaskRepository
	ledger     Ledger
	store      storage.ObjectStore
	sequential Strategy
	batch      Strategy
	painter    Painter
	log        zerolog.Logger
}

func New(opts Options) *Orchestrator {
	log := opts.Logger.With().Str("component", "pipeline").Logger()
	store := opts.Store
	if store == nil {
		store = storage.Disabled{}
	}
	o := &Orchestrator{
		tasks:      opts.Tasks,
		ledger:     opts.Ledger,
		store:      store,
		sequential: NewSequentialStrategy(opts.Painter, log),
		painter:    opts.Painter,
		log:        log,
	}
	if opts.Batch != nil {
		o.batch = NewBatchStrategy(opts.Batch, log)
	}
	return o
}

// RenderIndividual renders every shot of the task that does not yet hold a
// rendered version, one call per shot. Billing reserves the maximum cost up
// front and settles to the actually succeeded count afterwards. The task ends
// COMPLETED when at least one shot across the task is rendered, FAILED
// otherwise.
func (o *Orchestrator) RenderIndividual(ctx context.Context, t *domain.Task, attemptID string) (err error) {
	if err := o.ensureShots(t); err != nil {
		return o.fail(ctx, t, err)
	}
	targets := pendingShots(t)
	if len(targets) == 0 {
		return o.finish(ctx, t)
	}

	estimate := pricing.EstimateIndividual(t.Tier, len(targets))
	reserveKey := attemptKey(attemptID, "render", "reserve")
	settleKey := attemptKey(attemptID, "render", "settle")
	reason := fmt.Sprintf("render %d shot(s)", len(targets))
	if _, err := o.ledger.Reserve(ctx, t.ID, t.UserID, estimate, reason, reserveKey); err != nil {
		return o.fail(ctx, t, err)
	}

	defer func() {
		if r := recover(); r != nil {
			o.log.Error().Str("task_id", t.ID).Interface("panic", r).Msg("render panicked")
			o.settle(ctx, t, reserveKey, settleKey, 0, "render aborted, full refund")
			err = o.fail(ctx, t, fmt.Errorf("render panicked: %v", r))
		}
	}()

	job := &Job{
		Task:    t,
		Targets: targets,
		Refs:    o.refImages(t),
		// Persist after every outcome so a crash mid-run keeps completed
		// shots and pollers see images appear one at a time.
		Apply: func(ctx context.Context, shot *domain.Shot, image string, callErr error) error {
			if callErr != nil {
				shot.MarkFailed(callErr.Error())
			} else {
				shot.AddVersion(shot.Prompt, image, time.Now().UTC())
			}
			return o.persist(ctx, t)
		},
	}

	if runErr := o.execute(ctx, job); runErr != nil {
		o.settle(ctx, t, reserveKey, settleKey, 0, "render aborted, full refund")
		return o.fail(ctx, t, runErr)
	}

	succeeded := 0
	for _, shot := range targets {
		if shot.Status == domain.ShotStatusRendered {
			succeeded++
		}
	}
	actual := pricing.ActualIndividual(t.Tier, succeeded)
	o.settle(ctx, t, reserveKey, settleKey, actual, fmt.Sprintf("settle %d of %d shot(s)", succeeded, len(targets)))
	return o.finish(ctx, t)
}

// RenderShot re-renders a single shot regardless of its current status. A
// success appends a new version; a failure never erases an existing one.
func (o *Orchestrator) RenderShot(ctx context.Context, t *domain.Task, attemptID, shotID string) (err error) {
	shot := t.ShotByID(shotID)
	if shot == nil {
		return fmt.Errorf("shot %s: %w", shotID, domain.ErrNotFound)
	}

	price := pricing.PerImage(t.Tier)
	reserveKey := attemptKey(attemptID, "shot", "reserve")
	settleKey := attemptKey(attemptID, "shot", "settle")
	if _, err := o.ledger.Reserve(ctx, t.ID, t.UserID, price, "re-render shot "+shotID, reserveKey); err != nil {
		return err
	}

	res, callErr := o.painter.Paint(ctx, painter.Request{
		Instruction: shot.Prompt,
		Refs:        o.refImages(t),
		TaskID:      t.ID,
		ShotID:      shot.ID,
	})
	if callErr != nil {
		shot.MarkFailed(callErr.Error())
		o.settle(ctx, t, reserveKey, settleKey, 0, "shot failed, full refund")
		if persistErr := o.persist(ctx, t); persistErr != nil {
			return errors.Join(callErr, persistErr)
		}
		return callErr
	}
	shot.AddVersion(shot.Prompt, res.ImageRef, time.Now().UTC())
	o.settle(ctx, t, reserveKey, settleKey, price, "settle shot "+shotID)
	// A successful re-render can flip a FAILED task to COMPLETED.
	return o.finish(ctx, t)
}

// RenderGrid performs one composite contact-sheet call whose prompt embeds
// every shot description. Billing is the flat grid fee, all or nothing.
func (o *Orchestrator) RenderGrid(ctx context.Context, t *domain.Task, attemptID string) (err error) {
	if err := o.ensureShots(t); err != nil {
		return o.fail(ctx, t, err)
	}

	fee := pricing.GridFee(t.Tier)
	reserveKey := attemptKey(attemptID, "grid", "reserve")
	settleKey := attemptKey(attemptID, "grid", "settle")
	if _, err := o.ledger.Reserve(ctx, t.ID, t.UserID, fee, "render contact sheet", reserveKey); err != nil {
		return o.fail(ctx, t, err)
	}

	defer func() {
		if r := recover(); r != nil {
			o.log.Error().Str("task_id", t.ID).Interface("panic", r).Msg("grid render panicked")
			o.settle(ctx, t, reserveKey, settleKey, 0, "grid aborted, full refund")
			err = o.fail(ctx, t, fmt.Errorf("render panicked: %v", r))
		}
	}()

	res, callErr := o.painter.Paint(ctx, painter.Request{
		Instruction: gridPrompt(t),
		Refs:        o.refImages(t),
		TaskID:      t.ID,
		ShotID:      "grid",
	})
	if callErr != nil {
		o.settle(ctx, t, reserveKey, settleKey, 0, "grid failed, full refund")
		return o.fail(ctx, t, callErr)
	}

	t.Images = append(t.Images, res.ImageRef)
	o.settle(ctx, t, reserveKey, settleKey, fee, "settle contact sheet")
	t.Status = domain.TaskStatusCompleted
	t.ErrorMessage = ""
	return o.persist(ctx, t)
}

// execute tries the batch path when configured, falling back to sequential
// only when the batch call failed without committing any per-shot result.
func (o *Orchestrator) execute(ctx context.Context, job *Job) error {
	if o.batch != nil {
		committed, err := o.batch.Execute(ctx, job)
		if err == nil {
			return nil
		}
		if committed {
			return fmt.Errorf("batch render failed after partial commit: %w", err)
		}
		o.log.Warn().Err(err).Str("task_id", job.Task.ID).
			Msg("batch render failed before committing, falling back to sequential")
	}
	_, err := o.sequential.Execute(ctx, job)
	return err
}

// ensureShots materializes the shot list from the plan on first render.
func (o *Orchestrator) ensureShots(t *domain.Task) error {
	if len(t.Shots) > 0 {
		return nil
	}
	if t.Plan == nil || len(t.Plan.Shots) == 0 {
		return fmt.Errorf("task %s has no shot plan: %w", t.ID, domain.ErrInvalidState)
	}
	for i, planned := range t.Plan.Shots {
		id := planned.ID
		if id == "" {
			id = fmt.Sprintf("shot-%02d", i+1)
		}
		t.Shots = append(t.Shots, domain.Shot{
			ID:              id,
			Code:            fmt.Sprintf("%02d", i+1),
			Type:            planned.Type,
			Prompt:          planned.Prompt,
			Status:          domain.ShotStatusPending,
			SelectedVersion: -1,
		})
	}
	return nil
}

func pendingShots(t *domain.Task) []*domain.Shot {
	var targets []*domain.Shot
	for i := range t.Shots {
		if t.Shots[i].Status != domain.ShotStatusRendered {
			targets = append(targets, &t.Shots[i])
		}
	}
	return targets
}

// refImages converts the task's reference paths into renderer attachments.
// Remote URLs pass through; stored keys resolve to their public URL; local
// paths are inlined as a last resort.
func (o *Orchestrator) refImages(t *domain.Task) []painter.RefImage {
	var refs []painter.RefImage
	add := func(name, ref string) {
		if ref == "" {
			return
		}
		if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
			refs = append(refs, painter.RefImage{Name: name, URI: ref, MimeType: mimeByExt(ref)})
			return
		}
		if o.store.Enabled() {
			refs = append(refs, painter.RefImage{Name: name, URI: o.store.URL(ref), MimeType: mimeByExt(ref)})
			return
		}
		data, err := os.ReadFile(ref)
		if err != nil {
			o.log.Warn().Err(err).Str("task_id", t.ID).Str("ref", ref).Msg("reference image unreadable, skipping")
			return
		}
		refs = append(refs, painter.RefImage{Name: name, Data: data, MimeType: mimeByExt(ref)})
	}
	for i, g := range t.Refs.Garment {
		add(fmt.Sprintf("garment-%d", i+1), g)
	}
	add("face", t.Refs.Face)
	add("style", t.Refs.Style)
	return refs
}

func mimeByExt(ref string) string {
	if mt := mime.TypeByExtension(filepath.Ext(ref)); mt != "" {
		return mt
	}
	return "image/png"
}

func gridPrompt(t *domain.Task) string {
	sb := &strings.Builder{}
	fmt.Fprintf(sb, "Render one composite contact-sheet image laying out the following %d shots in a grid", len(t.Shots))
	if t.AspectRatio != "" {
		fmt.Fprintf(sb, " with overall aspect ratio %s", t.AspectRatio)
	}
	sb.WriteString(":\n")
	for i, shot := range t.Shots {
		fmt.Fprintf(sb, "%d. %s\n", i+1, shot.Prompt)
	}
	return sb.String()
}

// settle reconciles the reservation; a bookkeeping failure after a delivered
// render is annotated, never propagated.
func (o *Orchestrator) settle(ctx context.Context, t *domain.Task, reserveKey, settleKey string, actual int, reason string) {
	if _, err := o.ledger.Settle(ctx, t.ID, t.UserID, reserveKey, settleKey, actual, reason); err != nil {
		o.log.Error().Err(err).Str("task_id", t.ID).Msg("settlement failed")
		o.ledger.MarkBillingError(ctx, t.ID, fmt.Sprintf("settle %s: %v", settleKey, err))
	}
}

// finish resolves the terminal status of an individual-mode render.
func (o *Orchestrator) finish(ctx context.Context, t *domain.Task) error {
	rendered := 0
	failures := make([]string, 0, len(t.Shots))
	for _, shot := range t.Shots {
		if shot.Status == domain.ShotStatusRendered {
			rendered++
		} else if shot.Error != "" {
			failures = append(failures, fmt.Sprintf("%s: %s", shot.ID, shot.Error))
		}
	}
	if rendered > 0 {
		t.Status = domain.TaskStatusCompleted
		t.ErrorMessage = ""
	} else {
		t.Status = domain.TaskStatusFailed
		t.ErrorMessage = strings.Join(failures, "; ")
		if t.ErrorMessage == "" {
			t.ErrorMessage = "no shot rendered"
		}
	}
	return o.persist(ctx, t)
}

func (o *Orchestrator) fail(ctx context.Context, t *domain.Task, cause error) error {
	t.Status = domain.TaskStatusFailed
	t.ErrorMessage = cause.Error()
	if persistErr := o.persist(ctx, t); persistErr != nil {
		return errors.Join(cause, persistErr)
	}
	return cause
}

func (o *Orchestrator) persist(ctx context.Context, t *domain.Task) error {
	syncImages(t)
	t.UpdatedAt = time.Now().UTC()
	if err := o.tasks.Update(ctx, t); err != nil {
		o.log.Error().Err(err).Str("task_id", t.ID).Msg("persist task")
		return err
	}
	return nil
}

// syncImages recomputes the aggregate result list from rendered shots,
// keeping any composite grid images that were appended directly.
func syncImages(t *domain.Task) {
	var shotImages []string
	known := make(map[string]struct{})
	for _, shot := range t.Shots {
		if shot.Status == domain.ShotStatusRendered && shot.Image != "" {
			shotImages = append(shotImages, shot.Image)
			known[shot.Image] = struct{}{}
		}
		for _, v := range shot.Versions {
			known[v.Image] = struct{}{}
		}
	}
	var extras []string
	for _, img := range t.Images {
		if _, ok := known[img]; !ok {
			extras = append(extras, img)
		}
	}
	t.Images = append(shotImages, extras...)
}

func attemptKey(attemptID, purpose, phase string) string {
	return fmt.Sprintf("%s:%s:%s", purpose, attemptID, phase)
}
