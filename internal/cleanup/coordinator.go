package cleanup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Step names used by the coordinator.
const (
	StepCloseChannels  = "close-channels"
	StepDestroyTracked = "destroy-tracked"
	StepSweepTag       = "sweep-tag"
	StepGuardCleanup   = "guard-cleanup"
	StepUnregisterKey  = "unregister-key"
)

var tracer trace.Tracer = otel.Tracer("github.com/tphummel/lab_matrix/internal/cleanup")

// Destroyer removes machines.
type Destroyer interface {
	Destroy(ctx context.Context, id int) error
	DestroyAll(ctx context.Context, tag string) (int, error)
}

// Guard is the budget guard's last-resort sweep.
type Guard interface {
	Cleanup(ctx context.Context)
}

// Config wires the coordinator to the session's resources. Nil hooks are
// skipped.
type Config struct {
	// Primary is true for the coordinating process. Only the primary sweeps
	// by tag, since sibling workers may still be using tagged machines.
	Primary bool
	Tag     string

	Destroyer Destroyer
	Guard     Guard
	// Tracked lists every machine the session created.
	Tracked func() []int
	// CloseChannels releases pooled connections before machines go away.
	CloseChannels func() error
	// UnregisterKey removes the session's public key from the provider.
	UnregisterKey func(ctx context.Context) error
	// OnDestroyed is told about each tracked machine that was destroyed.
	OnDestroyed func(ctx context.Context, id int)
	// Extra steps run after the built-in layers.
	Extra []Step

	Logger *slog.Logger
}

// Coordinator runs the layered session teardown.
type Coordinator struct {
	cfg Config
}

// NewCoordinator returns a Coordinator.
func NewCoordinator(cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Coordinator{cfg: cfg}
}

// Run tears the session down:
//  1. close pooled channels
//  2. destroy each tracked machine by ID
//  3. sweep everything carrying the tag (primary only)
//  4. run the guard's cleanup (primary only)
//  5. unregister the session key
//
// Each layer runs regardless of how the previous ones fared.
func (c *Coordinator) Run(ctx context.Context) Report {
	ctx, span := tracer.Start(ctx, "cleanup.Run", trace.WithAttributes(
		attribute.Bool("primary", c.cfg.Primary),
		attribute.String("tag", c.cfg.Tag),
	))
	defer span.End()

	p := NewPipeline(c.cfg.Logger)
	if c.cfg.CloseChannels != nil {
		p.Add(Step{Name: StepCloseChannels, Run: func(context.Context) error { return c.cfg.CloseChannels() }})
	}
	if c.cfg.Destroyer != nil && c.cfg.Tracked != nil {
		p.Add(Step{Name: StepDestroyTracked, Run: c.destroyTracked})
	}
	if c.cfg.Destroyer != nil {
		p.Add(Step{Name: StepSweepTag, Skip: !c.cfg.Primary, Run: func(ctx context.Context) error {
			n, err := c.cfg.Destroyer.DestroyAll(ctx, c.cfg.Tag)
			c.cfg.Logger.Info("tag sweep", "tag", c.cfg.Tag, "destroyed", n)
			return err
		}})
	}
	if c.cfg.Guard != nil {
		p.Add(Step{Name: StepGuardCleanup, Skip: !c.cfg.Primary, Run: func(ctx context.Context) error {
			c.cfg.Guard.Cleanup(ctx)
			return nil
		}})
	}
	if c.cfg.UnregisterKey != nil {
		p.Add(Step{Name: StepUnregisterKey, Run: c.cfg.UnregisterKey})
	}
	p.Add(c.cfg.Extra...)

	rep := p.Run(ctx)
	span.SetAttributes(attribute.Int("failed_steps", len(rep.Failed())))
	return rep
}

func (c *Coordinator) destroyTracked(ctx context.Context) error {
	var errs []error
	for _, id := range c.cfg.Tracked() {
		if err := c.cfg.Destroyer.Destroy(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("machine %d: %w", id, err))
			continue
		}
		if c.cfg.OnDestroyed != nil {
			c.cfg.OnDestroyed(ctx, id)
		}
	}
	return errors.Join(errs...)
}
