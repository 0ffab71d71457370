package plan

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pxeprov/services/provisioner/internal/journal"
)

type memStore struct {
	runs []journal.Run
}

func (m *memStore) Save(_ context.Context, run *journal.Run) error {
	snapshot := *run
	snapshot.Steps = append([]journal.Step(nil), run.Steps...)
	for i := range m.runs {
		if m.runs[i].ID == run.ID {
			m.runs[i] = snapshot
			return nil
		}
	}
	m.runs = append(m.runs, snapshot)
	return nil
}

func (m *memStore) Last(context.Context) (*journal.Run, error) {
	if len(m.runs) == 0 {
		return nil, nil
	}
	last := m.runs[len(m.runs)-1]
	return &last, nil
}

type recordPublisher struct {
	subjects []string
	events   []Event
}

func (p *recordPublisher) Publish(_ context.Context, subject string, v any) error {
	p.subjects = append(p.subjects, subject)
	p.events = append(p.events, v.(Event))
	return nil
}

type counter map[string]int

func (c counter) step(name string, err error) Step {
	return Step{Name: name, Run: func(context.Context) error {
		c[name]++
		return err
	}}
}

func newRunner(store journal.Store, pub Publisher) *Runner {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return &Runner{
		Store:   store,
		Events:  pub,
		Subject: "pxeprov.steps",
		Logger:  zerolog.Nop(),
		Now: func() time.Time {
			now = now.Add(time.Second)
			return now
		},
	}
}

func TestExecuteRunsStepsInOrder(t *testing.T) {
	store := &memStore{}
	pub := &recordPublisher{}
	calls := counter{}

	run, err := newRunner(store, pub).Execute(context.Background(), "fp", []Step{
		calls.step("a", nil),
		calls.step("b", ErrSkip),
		calls.step("c", nil),
	})
	require.NoError(t, err)
	assert.Equal(t, journal.StatusOK, run.Status)
	require.NotNil(t, run.FinishedAt)
	require.Len(t, run.Steps, 3)
	assert.Equal(t, journal.StatusOK, run.Steps[0].Status)
	assert.Equal(t, journal.StatusSkipped, run.Steps[1].Status)
	assert.Equal(t, time.Second, run.Steps[0].Duration)

	require.Len(t, pub.events, 3)
	assert.Equal(t, []string{"pxeprov.steps", "pxeprov.steps", "pxeprov.steps"}, pub.subjects)
	assert.Equal(t, run.ID, pub.events[2].RunID)
	assert.Equal(t, "c", pub.events[2].Step)

	last, err := store.Last(context.Background())
	require.NoError(t, err)
	assert.Equal(t, journal.StatusOK, last.Status)
}

func TestExecuteStopsAtFirstFailure(t *testing.T) {
	store := &memStore{}
	calls := counter{}
	boom := errors.New("boom")

	run, err := newRunner(store, nil).Execute(context.Background(), "fp", []Step{
		calls.step("a", nil),
		calls.step("b", boom),
		calls.step("c", nil),
	})
	require.ErrorIs(t, err, boom)

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "b", stepErr.Step)
	assert.Equal(t, "b: boom", err.Error())

	assert.Equal(t, journal.StatusFailed, run.Status)
	assert.Equal(t, 0, calls["c"])
	require.Len(t, run.Steps, 2)
	assert.Equal(t, "boom", run.Steps[1].Error)
}

func TestExecuteResume(t *testing.T) {
	store := &memStore{}
	calls := counter{}
	fail := errors.New("network down")

	steps := func(bErr error) []Step {
		always := calls.step("check", nil)
		always.Always = true
		return []Step{always, calls.step("a", nil), calls.step("b", bErr), calls.step("c", nil)}
	}

	_, err := newRunner(store, nil).Execute(context.Background(), "fp", steps(fail))
	require.Error(t, err)

	r := newRunner(store, nil)
	r.Resume = true
	run, err := r.Execute(context.Background(), "fp", steps(nil))
	require.NoError(t, err)
	assert.Equal(t, counter{"check": 2, "a": 1, "b": 2, "c": 1}, calls)
	assert.True(t, run.Completed("a"), "carried-over step stays completed")

	_, err = r.Execute(context.Background(), "fp", steps(nil))
	require.NoError(t, err)
	assert.Equal(t, counter{"check": 3, "a": 1, "b": 2, "c": 1}, calls)

	_, err = r.Execute(context.Background(), "other", steps(nil))
	require.NoError(t, err)
	assert.Equal(t, counter{"check": 4, "a": 2, "b": 3, "c": 2}, calls)
}

func TestExecuteCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := counter{}

	run, err := newRunner(nil, nil).Execute(ctx, "fp", []Step{calls.step("a", nil)})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, journal.StatusFailed, run.Status)
	assert.Empty(t, calls)
}
