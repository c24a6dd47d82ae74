// Package session wires the lifecycle components of one test-worker
// process: provisioning, budget, credentials, the machine pool, deployment,
// and layered cleanup.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/tphummel/lab_matrix/internal/budget"
	"github.com/tphummel/lab_matrix/internal/cleanup"
	"github.com/tphummel/lab_matrix/internal/clock"
	"github.com/tphummel/lab_matrix/internal/config"
	"github.com/tphummel/lab_matrix/internal/credential"
	"github.com/tphummel/lab_matrix/internal/deploy"
	"github.com/tphummel/lab_matrix/internal/events"
	"github.com/tphummel/lab_matrix/internal/ledger"
	"github.com/tphummel/lab_matrix/internal/metrics"
	"github.com/tphummel/lab_matrix/internal/models"
	"github.com/tphummel/lab_matrix/internal/monitor"
	"github.com/tphummel/lab_matrix/internal/pool"
	"github.com/tphummel/lab_matrix/internal/provision"
	"github.com/tphummel/lab_matrix/internal/remote"
	"github.com/tphummel/lab_matrix/internal/targets"
)

// StepReconcileLedger marks ledger machines destroyed once the primary's
// sweep has run.
const StepReconcileLedger = "reconcile-ledger"

// Options carries dependencies that tests replace. Zero values select the
// production implementations.
type Options struct {
	Clock      clock.Clock
	Dialer     remote.Dialer
	HTTPClient *http.Client
	Logger     *slog.Logger
	Version    string

	PollInterval   time.Duration
	ReadyTimeout   time.Duration
	ConnectTimeout time.Duration
	RetryInterval  time.Duration
}

// Session owns every cloud resource a worker process creates.
type Session struct {
	ID string

	cfg     config.Config
	clock   clock.Clock
	logger  *slog.Logger
	targets []models.Target

	Provisioner *provision.Provisioner
	Guard       *budget.Guard
	Credential  *credential.Credential
	Pool        *pool.Pool
	Connector   *pool.Connector
	Deployer    *deploy.Deployer
	Ledger      *ledger.Ledger
	Events      *events.Bus
	Registry    *prometheus.Registry

	monitor *monitor.Monitor
	status  *monitor.Server

	closeOnce sync.Once
	report    cleanup.Report
}

// Open validates cfg, registers the session key and prepares the pool. Stale
// machines from earlier runs are reported but left alone. On error, anything
// Open already created is released.
func Open(ctx context.Context, cfg config.Config, opts Options) (s *Session, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Dialer == nil {
		opts.Dialer = remote.SSHDialer{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	id := uuid.NewString()
	logger := opts.Logger.With("session", id[:8], "worker", workerLabel(cfg.Worker))
	s = &Session{ID: id, cfg: cfg, clock: opts.Clock, logger: logger}

	var undo []func()
	defer func() {
		if err != nil {
			for i := len(undo) - 1; i >= 0; i-- {
				undo[i]()
			}
		}
	}()

	ts, err := targets.Filter(cfg.Targets)
	if err != nil {
		return nil, err
	}
	snaps, err := targets.LoadSnapshots(cfg.SnapshotsPath)
	if err != nil {
		return nil, err
	}
	s.targets = targets.ApplySnapshots(ts, snaps)

	s.Provisioner, err = provision.New(provision.Config{
		Token:        cfg.Token,
		Endpoint:     cfg.Endpoint,
		Region:       cfg.Region,
		Size:         cfg.Size,
		Tag:          cfg.Tag,
		PollInterval: opts.PollInterval,
		Clock:        opts.Clock,
		Logger:       logger,
		HTTPClient:   opts.HTTPClient,
	})
	if err != nil {
		return nil, err
	}
	s.Guard = budget.New(s.Provisioner, budget.Config{
		Tag:         cfg.Tag,
		MaxMachines: cfg.MaxMachines,
		MaxMinutes:  cfg.MaxMinutes,
		Clock:       opts.Clock,
		Logger:      logger,
	})
	s.preflight(ctx)

	s.Ledger, err = ledger.Open(cfg.LedgerPath, id, cfg.Worker)
	if err != nil {
		return nil, err
	}
	undo = append(undo, func() { s.Ledger.Close() })

	s.Events, err = events.Connect(cfg.NATSURL, "lab_matrix-"+workerLabel(cfg.Worker), logger)
	if err != nil {
		logger.Warn("event bus unavailable, continuing without events", "url", cfg.NATSURL, "error", err)
		s.Events = events.Noop()
	}
	undo = append(undo, s.Events.Close)

	s.Credential, err = credential.Generate()
	if err != nil {
		return nil, err
	}
	if err := s.Credential.Register(ctx, s.Provisioner.API(), credential.KeyName(cfg.Tag, cfg.Worker)); err != nil {
		return nil, err
	}
	undo = append(undo, func() { s.unregisterKey(context.WithoutCancel(ctx)) })
	s.record(ctx, ledger.KindKey, s.Credential.KeyID, s.Credential.Name, "")

	s.Pool = pool.New(s.Provisioner, s.Guard, pool.Config{
		SSHKeyIDs:    []int{s.Credential.KeyID},
		ReadyTimeout: opts.ReadyTimeout,
		OnCreate:     s.machineCreated,
		Logger:       logger,
	})
	s.Connector = pool.NewConnector(s.Pool, pool.ConnectorConfig{
		Signer:         s.Credential.Signer(),
		Dialer:         opts.Dialer,
		Clock:          opts.Clock,
		ConnectTimeout: opts.ConnectTimeout,
		RetryInterval:  opts.RetryInterval,
		Logger:         logger,
	})
	s.Deployer = deploy.NewDeployer(deploy.Config{PayloadDir: cfg.PayloadDir, Logger: logger})
	s.Registry = metrics.NewRegistry(s.Guard)

	if cfg.MonitorSeconds > 0 {
		s.monitor = monitor.New(s.Provisioner, monitor.Config{
			Tag:      cfg.Tag,
			Interval: cfg.MonitorInterval(),
			Start:    opts.Clock.Now(),
			Clock:    opts.Clock,
			Logger:   logger,
		})
		s.monitor.Start(context.WithoutCancel(ctx))
		undo = append(undo, s.monitor.Stop)
	}
	if cfg.StatusAddr != "" {
		h := &monitor.Handler{
			Session: id,
			Worker:  cfg.Worker,
			Version: opts.Version,
			Tag:     cfg.Tag,
			Guard:   s.Guard,
			Lister:  s.Provisioner,
		}
		s.status, err = monitor.Serve(cfg.StatusAddr, h.Mux(s.Registry, logger), logger)
		if err != nil {
			return nil, fmt.Errorf("status endpoint: %w", err)
		}
	}

	logger.Info("session opened", "primary", cfg.Primary(), "tag", cfg.Tag, "targets", len(s.targets), "key", s.Credential.Name)
	return s, nil
}

func workerLabel(worker string) string {
	if worker == "" {
		return "main"
	}
	return worker
}

func (s *Session) preflight(ctx context.Context) {
	stale, err := s.Guard.Stale(ctx)
	if err != nil {
		s.logger.Warn("preflight listing failed", "error", err)
		return
	}
	for _, m := range stale {
		s.logger.Warn("stale machine from an earlier run", "id", m.ID, "name", m.Name, "created_at", m.CreatedAt)
	}
}

func (s *Session) record(ctx context.Context, kind ledger.Kind, id int, name, target string) {
	if err := s.Ledger.Record(ctx, kind, id, name, target); err != nil {
		s.logger.Warn("ledger record failed", "kind", kind, "id", id, "error", err)
	}
}

func (s *Session) machineCreated(ctx context.Context, target string, m models.Machine) {
	s.record(ctx, ledger.KindMachine, m.ID, m.Name, target)
	s.Events.MachineCreated(ctx, events.MachineEvent{
		Session:   s.ID,
		Worker:    s.cfg.Worker,
		Target:    target,
		MachineID: m.ID,
		Name:      m.Name,
		Time:      s.clock.Now().UTC(),
	})
}

func (s *Session) machineDestroyed(ctx context.Context, id int) {
	if err := s.Ledger.MarkDestroyed(ctx, ledger.KindMachine, id); err != nil {
		s.logger.Warn("ledger update failed", "id", id, "error", err)
	}
	s.Events.MachineDestroyed(ctx, events.MachineEvent{
		Session:   s.ID,
		Worker:    s.cfg.Worker,
		MachineID: id,
		Time:      s.clock.Now().UTC(),
	})
}

func (s *Session) unregisterKey(ctx context.Context) error {
	id := s.Credential.KeyID
	if err := s.Credential.Unregister(ctx, s.Provisioner.API()); err != nil {
		return err
	}
	if id != 0 {
		if err := s.Ledger.MarkDestroyed(ctx, ledger.KindKey, id); err != nil {
			s.logger.Warn("ledger update failed", "key", id, "error", err)
		}
	}
	return nil
}

// Primary reports whether this process owns session-global cleanup.
func (s *Session) Primary() bool { return s.cfg.Primary() }

// Config returns the configuration the session was opened with.
func (s *Session) Config() config.Config { return s.cfg }

// Targets returns the session's targets, with snapshot images applied.
func (s *Session) Targets() []models.Target {
	out := make([]models.Target, len(s.targets))
	copy(out, s.targets)
	return out
}

// ErrUnknownTarget is returned for a target outside the session's matrix.
var ErrUnknownTarget = errors.New("target not in session")

// Target returns the named session target.
func (s *Session) Target(name string) (models.Target, error) {
	for _, t := range s.targets {
		if t.Name == name {
			return t, nil
		}
	}
	return models.Target{}, fmt.Errorf("%w: %s", ErrUnknownTarget, name)
}

// Connect returns the shared channel for the named target.
func (s *Session) Connect(ctx context.Context, name string) (*pool.Pooled, error) {
	t, err := s.Target(name)
	if err != nil {
		return nil, err
	}
	return s.Connector.Connect(ctx, t)
}

// Deploy returns the shared channel for the named target with the payload
// installed.
func (s *Session) Deploy(ctx context.Context, name string) (*pool.Pooled, error) {
	t, err := s.Target(name)
	if err != nil {
		return nil, err
	}
	conn, err := s.Connector.Connect(ctx, t)
	if err != nil {
		return nil, err
	}
	if err := s.Deployer.EnsureDeployed(ctx, t, conn); err != nil {
		return nil, err
	}
	return conn, nil
}

// Close logs the budget summary and tears the session down. Only the first
// call does any work; later calls return the same report.
func (s *Session) Close(ctx context.Context) cleanup.Report {
	s.closeOnce.Do(func() {
		s.report = s.close(ctx)
	})
	return s.report
}

// CloseOnDone closes the session as soon as ctx is done, then calls onDone
// with the report when it is non-nil. The close runs on a context that
// ctx's cancellation does not reach. Calling the returned stop disarms the
// watch; if a close already started, stop waits for it to finish.
func (s *Session) CloseOnDone(ctx context.Context, onDone func(cleanup.Report)) (stop func()) {
	disarm := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		select {
		case <-disarm:
			return
		case <-ctx.Done():
		}
		s.logger.Warn("session interrupted, cleaning up", "cause", context.Cause(ctx))
		rep := s.Close(context.WithoutCancel(ctx))
		if onDone != nil {
			onDone(rep)
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(disarm) })
		<-finished
	}
}

func (s *Session) close(ctx context.Context) cleanup.Report {
	if s.monitor != nil {
		s.monitor.Stop()
	}
	if sum, err := s.Guard.Summary(ctx); err != nil {
		s.logger.Warn("session summary unavailable", "error", err)
	} else {
		s.logger.Info("session summary",
			"elapsed_minutes", sum.ElapsedMinutes,
			"droplet_count", sum.MachineCount,
			"estimated_cost", sum.EstimatedCost,
		)
	}

	coord := cleanup.NewCoordinator(cleanup.Config{
		Primary:       s.Primary(),
		Tag:           s.cfg.Tag,
		Destroyer:     s.Provisioner,
		Guard:         s.Guard,
		Tracked:       s.Pool.Tracked,
		CloseChannels: s.Connector.CloseAll,
		UnregisterKey: s.unregisterKey,
		OnDestroyed:   s.machineDestroyed,
		Extra: []cleanup.Step{{
			Name: StepReconcileLedger,
			Skip: !s.Primary() || !s.Ledger.Enabled(),
			Run: func(ctx context.Context) error {
				n, err := s.Ledger.Sweep(ctx, ledger.KindMachine, func(ctx context.Context, r ledger.Resource) error {
					return s.Provisioner.Destroy(ctx, r.ProviderID)
				})
				s.logger.Info("ledger reconciled", "machines", n)
				return err
			},
		}},
		Logger: s.logger,
	})
	rep := coord.Run(ctx)

	if s.status != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := s.status.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("status endpoint shutdown failed", "error", err)
		}
		cancel()
	}

	ev := events.CleanupEvent{Session: s.ID, Worker: s.cfg.Worker, Primary: s.Primary(), Time: s.clock.Now().UTC()}
	for _, r := range rep.Results {
		if !r.Skipped {
			ev.Ran = append(ev.Ran, r.Step)
		}
	}
	for _, r := range rep.Failed() {
		ev.Failed = append(ev.Failed, r.Step)
	}
	s.Events.SessionCleanup(ctx, ev)
	s.Events.Close()
	if err := s.Ledger.Close(); err != nil {
		s.logger.Warn("ledger close failed", "error", err)
	}
	s.logger.Info("session closed", "failed_steps", len(ev.Failed))
	return rep
}
