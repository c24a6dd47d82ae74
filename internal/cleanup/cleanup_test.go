package cleanup_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/tphummel/lab_matrix/internal/cleanup"
)

// recordingDestroyer records calls and fails Destroy for ids in failIDs.
type recordingDestroyer struct {
	failIDs    map[int]bool
	destroyed  []int
	sweeps     []string
	sweepErr   error
	sweepPanic bool
	calls      *[]string
}

func (d *recordingDestroyer) Destroy(_ context.Context, id int) error {
	*d.calls = append(*d.calls, "destroy")
	if d.failIDs[id] {
		return errors.New("provider error")
	}
	d.destroyed = append(d.destroyed, id)
	return nil
}

func (d *recordingDestroyer) DestroyAll(_ context.Context, tag string) (int, error) {
	*d.calls = append(*d.calls, "sweep")
	if d.sweepPanic {
		panic("sweep exploded")
	}
	d.sweeps = append(d.sweeps, tag)
	return 0, d.sweepErr
}

type recordingGuard struct{ calls *[]string }

func (g recordingGuard) Cleanup(context.Context) { *g.calls = append(*g.calls, "guard") }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

type fixture struct {
	calls     []string
	destroyer *recordingDestroyer
	notified  []int
}

func newCoordinator(f *fixture, primary bool, tracked []int) *cleanup.Coordinator {
	f.destroyer = &recordingDestroyer{failIDs: map[int]bool{}, calls: &f.calls}
	return cleanup.NewCoordinator(cleanup.Config{
		Primary:   primary,
		Tag:       "sysadmin-ai-test",
		Destroyer: f.destroyer,
		Guard:     recordingGuard{calls: &f.calls},
		Tracked:   func() []int { return tracked },
		CloseChannels: func() error {
			f.calls = append(f.calls, "close")
			return nil
		},
		UnregisterKey: func(context.Context) error {
			f.calls = append(f.calls, "unregister")
			return nil
		},
		OnDestroyed: func(_ context.Context, id int) { f.notified = append(f.notified, id) },
		Logger:      quietLogger(),
	})
}

func TestCoordinator_NonPrimaryNeverSweeps(t *testing.T) {
	var f fixture
	rep := newCoordinator(&f, false, []int{1, 2}).Run(context.Background())

	if len(f.destroyer.sweeps) != 0 {
		t.Errorf("non-primary swept by tag: %v", f.destroyer.sweeps)
	}
	for _, c := range f.calls {
		if c == "guard" {
			t.Error("non-primary ran guard cleanup")
		}
	}
	if rep.Ran(cleanup.StepSweepTag) || rep.Ran(cleanup.StepGuardCleanup) {
		t.Error("report shows primary-only steps as run")
	}
	if !rep.Ran(cleanup.StepDestroyTracked) || !rep.Ran(cleanup.StepUnregisterKey) {
		t.Error("worker must still destroy its own machines and key")
	}
	if len(f.destroyer.destroyed) != 2 {
		t.Errorf("destroyed: got %v", f.destroyer.destroyed)
	}
}

func TestCoordinator_PrimarySweepsOnceDespiteDestroyFailure(t *testing.T) {
	var f fixture
	c := newCoordinator(&f, true, []int{1, 2, 3})
	f.destroyer.failIDs[2] = true

	rep := c.Run(context.Background())

	if len(f.destroyer.sweeps) != 1 || f.destroyer.sweeps[0] != "sysadmin-ai-test" {
		t.Errorf("sweeps: got %v, want exactly one", f.destroyer.sweeps)
	}
	if got := f.destroyer.destroyed; len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Errorf("destroyed: got %v, want [1 3]", got)
	}
	if len(f.notified) != 2 {
		t.Errorf("OnDestroyed: got %v", f.notified)
	}
	failed := rep.Failed()
	if len(failed) != 1 || failed[0].Step != cleanup.StepDestroyTracked {
		t.Errorf("failed steps: got %+v", failed)
	}
	if rep.Err() == nil || !strings.Contains(rep.Err().Error(), "machine 2") {
		t.Errorf("Err: got %v", rep.Err())
	}
}

func TestCoordinator_Order(t *testing.T) {
	var f fixture
	newCoordinator(&f, true, []int{7}).Run(context.Background())

	want := []string{"close", "destroy", "sweep", "guard", "unregister"}
	if strings.Join(f.calls, ",") != strings.Join(want, ",") {
		t.Errorf("order: got %v, want %v", f.calls, want)
	}
}

func TestCoordinator_PanicDoesNotStopLaterLayers(t *testing.T) {
	var f fixture
	c := newCoordinator(&f, true, nil)
	f.destroyer.sweepPanic = true

	rep := c.Run(context.Background())

	if !rep.Ran(cleanup.StepGuardCleanup) || !rep.Ran(cleanup.StepUnregisterKey) {
		t.Error("layers after a panicking step did not run")
	}
	failed := rep.Failed()
	if len(failed) != 1 || failed[0].Step != cleanup.StepSweepTag || !strings.Contains(failed[0].Error, "sweep exploded") {
		t.Errorf("failed: got %+v", failed)
	}
}

func TestCoordinator_KeyRemovedEvenWhenEverythingFails(t *testing.T) {
	var removed bool
	c := cleanup.NewCoordinator(cleanup.Config{
		Primary:       true,
		Destroyer:     &recordingDestroyer{failIDs: map[int]bool{1: true}, sweepErr: errors.New("x"), calls: new([]string)},
		Tracked:       func() []int { return []int{1} },
		CloseChannels: func() error { return errors.New("close failed") },
		UnregisterKey: func(context.Context) error { removed = true; return nil },
		Logger:        quietLogger(),
	})
	rep := c.Run(context.Background())
	if !removed {
		t.Error("key not removed")
	}
	if len(rep.Failed()) != 3 {
		t.Errorf("failed: got %d, want 3", len(rep.Failed()))
	}
}

func TestPipeline_LogsWarnings(t *testing.T) {
	var buf bytes.Buffer
	p := cleanup.NewPipeline(slog.New(slog.NewTextHandler(&buf, nil)),
		cleanup.Step{Name: "one", Run: func(context.Context) error { return errors.New("bad") }},
		cleanup.Step{Name: "two", Run: func(context.Context) error { return nil }},
	)
	rep := p.Run(context.Background())

	if len(rep.Results) != 2 || rep.Results[1].Err != nil {
		t.Fatalf("results: got %+v", rep.Results)
	}
	out := buf.String()
	if !strings.Contains(out, "level=WARN") || !strings.Contains(out, "step=one") {
		t.Errorf("expected warning for step one, got %q", out)
	}
}

func TestReport_Empty(t *testing.T) {
	var rep cleanup.Report
	if rep.Err() != nil || len(rep.Failed()) != 0 || rep.Ran("x") {
		t.Error("empty report should be clean")
	}
}
