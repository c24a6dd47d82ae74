// Package snapshots builds and deletes the pre-provisioned images that let
// sessions skip per-machine setup.
package snapshots

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/tphummel/lab_matrix/internal/clock"
	"github.com/tphummel/lab_matrix/internal/credential"
	"github.com/tphummel/lab_matrix/internal/deploy"
	"github.com/tphummel/lab_matrix/internal/models"
	"github.com/tphummel/lab_matrix/internal/provision"
	"github.com/tphummel/lab_matrix/internal/remote"
	"github.com/tphummel/lab_matrix/internal/targets"
)

// BuildTag labels build machines. It differs from the session tag so a
// session sweep never reaps an in-progress build.
const BuildTag = "sysadmin-ai-snapshot-build"

// DefaultWorkers bounds concurrent builds.
const DefaultWorkers = 6

// Storage pricing used by EstimateMonthlyCost.
const (
	SnapshotSizeGB  = 2.5
	PricePerGBMonth = 0.06
)

// EstimateMonthlyCost returns the storage cost of n snapshots in USD.
func EstimateMonthlyCost(n int) float64 {
	return float64(n) * SnapshotSizeGB * PricePerGBMonth
}

// SnapshotName returns "sysadmin-ai-<target>-YYYYMMDD".
func SnapshotName(target string, at time.Time) string {
	return "sysadmin-ai-" + target + "-" + at.UTC().Format("20060102")
}

func suffix(n int) string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:n]
}

// Config configures a Builder.
type Config struct {
	// Provisioner should be configured with BuildTag.
	Provisioner    *provision.Provisioner
	Dialer         remote.Dialer
	Workers        int
	ReadyTimeout   time.Duration
	ConnectTimeout time.Duration
	RetryInterval  time.Duration
	CommandTimeout time.Duration
	Clock          clock.Clock
	Logger         *slog.Logger
}

// Builder produces one snapshot per target.
type Builder struct {
	cfg Config
}

// NewBuilder returns a Builder with cfg's zero fields defaulted.
func NewBuilder(cfg Config) *Builder {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = provision.DefaultReadyTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = remote.DefaultConnectTimeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = remote.DefaultRetryInterval
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = deploy.DefaultCommandTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = remote.SSHDialer{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Builder{cfg: cfg}
}

// BuildError reports the targets whose build failed.
type BuildError struct {
	Failed map[string]error
}

func (e *BuildError) Error() string {
	names := make([]string, 0, len(e.Failed))
	for name := range e.Failed {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s: %v", name, e.Failed[name])
	}
	return fmt.Sprintf("%d snapshot build(s) failed: %s", len(names), strings.Join(parts, "; "))
}

// Build builds a snapshot for every target, at most cfg.Workers at a time.
// A failed target does not stop the others. The returned mapping holds the
// successful builds; the error is a *BuildError when any build failed.
// The ephemeral build key is always removed.
func (b *Builder) Build(ctx context.Context, ts []models.Target) (targets.Snapshots, error) {
	api := b.cfg.Provisioner.API()
	cred, err := credential.Generate()
	if err != nil {
		return nil, err
	}
	if err := cred.Register(ctx, api, BuildTag+"-"+suffix(6)); err != nil {
		return nil, err
	}
	defer func() {
		if err := cred.Unregister(context.WithoutCancel(ctx), api); err != nil {
			b.cfg.Logger.Warn("build key removal failed", "key", cred.Name, "err", err)
		}
	}()

	var (
		mu     sync.Mutex
		built  = targets.Snapshots{}
		failed = map[string]error{}
	)
	var g errgroup.Group
	g.SetLimit(b.cfg.Workers)
	for _, t := range ts {
		g.Go(func() error {
			snap, err := b.buildOne(ctx, t, cred)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				b.cfg.Logger.Error("snapshot build failed", "target", t.Name, "err", err)
				failed[t.Name] = err
				return nil
			}
			b.cfg.Logger.Info("snapshot built", "target", t.Name, "snapshot_id", snap.SnapshotID)
			built[t.Name] = snap
			return nil
		})
	}
	g.Wait()

	if len(failed) > 0 {
		return built, &BuildError{Failed: failed}
	}
	return built, nil
}

func (b *Builder) buildOne(ctx context.Context, t models.Target, cred *credential.Credential) (models.Snapshot, error) {
	prov := b.cfg.Provisioner
	m, err := prov.Create(ctx, t,
		provision.WithName("snap-"+t.Name+"-"+suffix(4)),
		provision.WithSSHKeys(cred.KeyID),
	)
	if err != nil {
		return models.Snapshot{}, err
	}
	defer func() {
		if err := prov.Destroy(context.WithoutCancel(ctx), m.ID); err != nil {
			b.cfg.Logger.Warn("build machine destroy failed", "target", t.Name, "id", m.ID, "err", err)
		}
	}()

	addr, err := prov.WaitReady(ctx, m.ID, b.cfg.ReadyTimeout)
	if err != nil {
		return models.Snapshot{}, err
	}
	if err := b.prepare(ctx, t, addr, cred); err != nil {
		return models.Snapshot{}, err
	}
	if err := prov.PowerOff(ctx, m.ID); err != nil {
		return models.Snapshot{}, err
	}
	builtAt := b.cfg.Clock.Now().UTC()
	id, err := prov.Snapshot(ctx, m.ID, SnapshotName(t.Name, builtAt))
	if err != nil {
		return models.Snapshot{}, err
	}
	return models.Snapshot{SnapshotID: id, BaseImage: t.Image, BuiltAt: builtAt}, nil
}

func (b *Builder) prepare(ctx context.Context, t models.Target, addr string, cred *credential.Credential) error {
	ch := remote.New(remote.Config{
		Host:   addr,
		User:   t.User,
		Signer: cred.Signer(),
		Dialer: b.cfg.Dialer,
		Clock:  b.cfg.Clock,
		Logger: b.cfg.Logger,
	})
	defer ch.Close()
	if err := ch.Connect(ctx, b.cfg.ConnectTimeout, b.cfg.RetryInterval); err != nil {
		return err
	}
	return deploy.RunAll(ctx, ch, t.Name, deploy.PrepareCommands(t), b.cfg.CommandTimeout)
}

// Deleter is the provider surface Delete needs.
type Deleter interface {
	DeleteSnapshot(ctx context.Context, id string) error
}

// Delete removes every snapshot in snaps. It returns the entries that could
// not be deleted alongside the joined errors; an empty remainder means the
// mapping file can be removed.
func Delete(ctx context.Context, d Deleter, snaps targets.Snapshots, logger *slog.Logger) (targets.Snapshots, error) {
	if logger == nil {
		logger = slog.Default()
	}
	left := targets.Snapshots{}
	var errs []error
	for name, s := range snaps {
		if err := d.DeleteSnapshot(ctx, s.SnapshotID); err != nil {
			left[name] = s
			errs = append(errs, fmt.Errorf("%s (%s): %w", name, s.SnapshotID, err))
			continue
		}
		logger.Info("snapshot deleted", "target", name, "snapshot_id", s.SnapshotID)
	}
	return left, errors.Join(errs...)
}
