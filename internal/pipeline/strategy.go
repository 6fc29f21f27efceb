package pipeline

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/lpding888/ai-fashion-studio-sub000/internal/domain"
	"github.com/lpding888/ai-fashion-studio-sub000/internal/painter"
)

// Painter performs one generation call. Satisfied by *painter.Client.
type Painter interface {
	Paint(ctx context.Context, req painter.Request) (*painter.Result, error)
}

// Job is one rendering run over a subset of a task's shots. Outcomes are
// committed through Apply one shot at a time so pollers see progress and a
// crash mid-run keeps completed shots.
type Job struct {
	Task    *domain.Task
	Targets []*domain.Shot
	Refs    []painter.RefImage

	// Apply records one shot outcome on the task and persists it. A nil
	// callErr means image holds the stored reference.
	Apply func(ctx context.Context, shot *domain.Shot, image string, callErr error) error
}

// Strategy executes a rendering job. committed reports whether any outcome
// reached the task; a failed strategy that committed nothing may be retried
// with another strategy, one that partially committed must not be.
type Strategy interface {
	Execute(ctx context.Context, job *Job) (committed bool, err error)
}

// sequentialStrategy renders shots one at a time. A shot failure is recorded
// and does not abort the remaining shots.
type sequentialStrategy struct {
	painter Painter
	log     zerolog.Logger
}

func NewSequentialStrategy(p Painter, log zerolog.Logger) Strategy {
	return &sequentialStrategy{painter: p, log: log.With().Str("strategy", "sequential").Logger()}
}

func (s *sequentialStrategy) Execute(ctx context.Context, job *Job) (bool, error) {
	committed := false
	for _, shot := range job.Targets {
		res, err := s.painter.Paint(ctx, painter.Request{
			Instruction: shot.Prompt,
			Refs:        job.Refs,
			TaskID:      job.Task.ID,
			ShotID:      shot.ID,
		})
		image := ""
		if err == nil {
			image = res.ImageRef
		} else {
			s.log.Warn().Err(err).
				Str("task_id", job.Task.ID).
				Str("shot_id", shot.ID).
				Msg("shot render failed")
		}
		if applyErr := job.Apply(ctx, shot, image, err); applyErr != nil {
			return committed, applyErr
		}
		committed = true
	}
	return committed, nil
}
