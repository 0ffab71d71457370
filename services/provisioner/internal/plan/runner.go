// Package plan runs the provisioning steps in order, journaling each one so an interrupted run can resume.
package plan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pxeprov/services/provisioner/internal/journal"
)

// ErrSkip is returned by a step that decided it has nothing to do.
var ErrSkip = errors.New("step skipped")

// Step is one idempotent unit of a provisioning run.
type Step struct {
	Name string
	// Always steps run even when a resumed run already completed them.
	Always bool
	Run    func(ctx context.Context) error
}

// StepError identifies the step that stopped a run.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Event is published for every finished step.
type Event struct {
	RunID    string         `json:"run_id"`
	Step     string         `json:"step"`
	Status   journal.Status `json:"status"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration"`
	Time     time.Time      `json:"time"`
}

// Publisher delivers step events.
type Publisher interface {
	Publish(ctx context.Context, subject string, v any) error
}

// Runner executes steps.
type Runner struct {
	Store   journal.Store
	Events  Publisher
	Subject string
	Tracer  trace.Tracer
	Logger  zerolog.Logger
	// Resume skips steps that succeeded in the last run with the same fingerprint.
	Resume bool
	Now    func() time.Time
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Execute runs steps in order and stops at the first failure, which is returned as a *StepError.
// The returned run is never nil.
func (r *Runner) Execute(ctx context.Context, fingerprint string, steps []Step) (*journal.Run, error) {
	store := r.Store
	if store == nil {
		store = journal.Discard{}
	}
	tracer := r.Tracer
	if tracer == nil {
		tracer = otel.Tracer("pxeprov/plan")
	}

	run := journal.NewRun(fingerprint, r.now())
	logger := r.Logger.With().Str("run_id", run.ID).Logger()

	var previous *journal.Run
	if r.Resume {
		last, err := store.Last(ctx)
		switch {
		case err != nil:
			logger.Warn().Err(err).Msg("read journal, resuming from scratch")
		case last == nil:
			logger.Info().Msg("no previous run to resume")
		case last.Fingerprint != fingerprint:
			logger.Info().Str("previous", last.ID).Msg("configuration changed since last run, running every step")
		default:
			previous = last
			logger.Info().Str("previous", last.ID).Msg("resuming")
		}
	}

	ctx, runSpan := tracer.Start(ctx, "provision", trace.WithAttributes(
		attribute.String("pxeprov.run_id", run.ID),
		attribute.String("pxeprov.fingerprint", fingerprint),
	))
	defer runSpan.End()

	r.save(ctx, store, run, logger)

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return r.fail(ctx, store, run, runSpan, logger, &StepError{Step: step.Name, Err: err})
		}

		stepLog := logger.With().Str("step", step.Name).Logger()
		if done, ok := completed(previous, step); ok {
			// The earlier result is carried over so the next resume still sees the step as done.
			run.Record(done)
			r.save(ctx, store, run, stepLog)
			r.publish(ctx, run.ID, journal.Step{Name: step.Name, Status: journal.StatusSkipped}, stepLog)
			stepLog.Info().Msg("already completed, skipping")
			continue
		}

		res, err := r.runStep(ctx, tracer, step, stepLog)
		run.Record(res)
		r.save(ctx, store, run, stepLog)
		r.publish(ctx, run.ID, res, stepLog)
		if err != nil {
			return r.fail(ctx, store, run, runSpan, logger, &StepError{Step: step.Name, Err: err})
		}
	}

	run.Finish(journal.StatusOK, r.now())
	r.save(ctx, store, run, logger)
	logger.Info().Msg("provisioning finished")
	return run, nil
}

func completed(previous *journal.Run, step Step) (journal.Step, bool) {
	if previous == nil || step.Always || !previous.Completed(step.Name) {
		return journal.Step{}, false
	}
	for _, s := range previous.Steps {
		if s.Name == step.Name {
			return s, true
		}
	}
	return journal.Step{}, false
}

func (r *Runner) runStep(ctx context.Context, tracer trace.Tracer, step Step, logger zerolog.Logger) (journal.Step, error) {
	ctx, span := tracer.Start(ctx, "step "+step.Name, trace.WithAttributes(attribute.String("pxeprov.step", step.Name)))
	defer span.End()

	start := r.now()
	logger.Info().Msg("step started")
	err := step.Run(logger.WithContext(ctx))
	res := journal.Step{Name: step.Name, StartedAt: start.UTC(), Duration: r.now().Sub(start)}

	switch {
	case errors.Is(err, ErrSkip):
		res.Status = journal.StatusSkipped
		logger.Info().Dur("duration", res.Duration).Msg("step skipped")
		return res, nil
	case err != nil:
		res.Status = journal.StatusFailed
		res.Error = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Dur("duration", res.Duration).Msg("step failed")
		return res, err
	default:
		res.Status = journal.StatusOK
		logger.Info().Dur("duration", res.Duration).Msg("step finished")
		return res, nil
	}
}

func (r *Runner) fail(ctx context.Context, store journal.Store, run *journal.Run, span trace.Span, logger zerolog.Logger, err *StepError) (*journal.Run, error) {
	run.Finish(journal.StatusFailed, r.now())
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	r.save(context.WithoutCancel(ctx), store, run, logger)
	return run, err
}

func (r *Runner) save(ctx context.Context, store journal.Store, run *journal.Run, logger zerolog.Logger) {
	if err := store.Save(ctx, run); err != nil {
		logger.Warn().Err(err).Msg("journal not saved")
	}
}

func (r *Runner) publish(ctx context.Context, runID string, s journal.Step, logger zerolog.Logger) {
	if r.Events == nil || r.Subject == "" {
		return
	}
	ev := Event{
		RunID:    runID,
		Step:     s.Name,
		Status:   s.Status,
		Error:    s.Error,
		Duration: s.Duration,
		Time:     r.now().UTC(),
	}
	if err := r.Events.Publish(ctx, r.Subject, ev); err != nil {
		logger.Warn().Err(err).Msg("publish step event")
	}
}
