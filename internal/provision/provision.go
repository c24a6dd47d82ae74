// Package provision creates, polls and destroys the machines a test session
// runs against.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tphummel/lab_matrix/internal/clock"
	"github.com/tphummel/lab_matrix/internal/cloudapi"
	"github.com/tphummel/lab_matrix/internal/metrics"
	"github.com/tphummel/lab_matrix/internal/models"
	"github.com/tphummel/lab_matrix/internal/retry"
)

// Defaults applied by New to zero Config fields.
const (
	DefaultRegion       = "nyc3"
	DefaultSize         = "s-1vcpu-1gb"
	DefaultTag          = "sysadmin-ai-test"
	DefaultPollInterval = 5 * time.Second
	DefaultReadyTimeout = 300 * time.Second
)

// ErrMissingToken is returned by New when no API token is configured.
var ErrMissingToken = cloudapi.ErrMissingToken

var tracer trace.Tracer = otel.Tracer("github.com/tphummel/lab_matrix/internal/provision")

// Config configures a Provisioner.
type Config struct {
	Token    string
	Endpoint string
	Region   string
	Size     string
	// Tag labels every machine for discovery and sweep.
	Tag string
	// PollInterval is the readiness polling interval.
	PollInterval time.Duration
	Clock        clock.Clock
	Logger       *slog.Logger
	HTTPClient   *http.Client
}

// Provisioner manages machine lifecycles through the cloud API.
type Provisioner struct {
	api      *cloudapi.Client
	region   string
	size     string
	tag      string
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger
}

// New returns a Provisioner. It fails with ErrMissingToken when cfg.Token is
// empty, so a missing credential surfaces at startup rather than on first use.
func New(cfg Config) (*Provisioner, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, ErrMissingToken
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second, Transport: metrics.Transport(nil)}
	}
	api, err := cloudapi.NewClient(cfg.Endpoint, cfg.Token,
		cloudapi.WithHTTPClient(cfg.HTTPClient),
		cloudapi.WithLogger(cfg.Logger),
	)
	if err != nil {
		return nil, err
	}
	p := &Provisioner{
		api:      api,
		region:   orDefault(cfg.Region, DefaultRegion),
		size:     orDefault(cfg.Size, DefaultSize),
		tag:      orDefault(cfg.Tag, DefaultTag),
		interval: cfg.PollInterval,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
	}
	if p.interval <= 0 {
		p.interval = DefaultPollInterval
	}
	if p.clock == nil {
		p.clock = clock.Real()
	}
	return p, nil
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}

// API returns the underlying cloud API client.
func (p *Provisioner) API() *cloudapi.Client { return p.api }

// Tag returns the label applied to every machine this provisioner creates.
func (p *Provisioner) Tag() string { return p.tag }

// CreateOption adjusts a single Create call.
type CreateOption func(*cloudapi.CreateDropletRequest)

// WithName sets an explicit machine name instead of a generated one.
func WithName(name string) CreateOption {
	return func(r *cloudapi.CreateDropletRequest) { r.Name = name }
}

// WithSSHKeys installs the given registered key IDs on the machine.
func WithSSHKeys(ids ...int) CreateOption {
	return func(r *cloudapi.CreateDropletRequest) { r.SSHKeys = append(r.SSHKeys, ids...) }
}

// WithTags adds labels beyond the provisioner's tag.
func WithTags(tags ...string) CreateOption {
	return func(r *cloudapi.CreateDropletRequest) { r.Tags = append(r.Tags, tags...) }
}

// MachineName returns "test-<target>-<4 hex chars>".
func MachineName(target string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:4]
	return "test-" + target + "-" + suffix
}

// Create submits a creation request for target. The returned machine is
// typically still new and has no address.
func (p *Provisioner) Create(ctx context.Context, target models.Target, opts ...CreateOption) (models.Machine, error) {
	ctx, span := tracer.Start(ctx, "provision.Create", trace.WithAttributes(attribute.String("target", target.Name)))
	defer span.End()

	req := cloudapi.CreateDropletRequest{
		Region: p.region,
		Size:   p.size,
		Image:  cloudapi.ImageRef(target.Image),
		Tags:   []string{p.tag},
	}
	for _, opt := range opts {
		opt(&req)
	}
	if req.Name == "" {
		req.Name = MachineName(target.Name)
	}

	d, err := p.api.CreateDroplet(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return models.Machine{}, err
	}
	metrics.MachineCreated(target.Name)
	span.SetAttributes(attribute.Int("machine.id", d.ID))
	p.logger.Info("machine created", "target", target.Name, "id", d.ID, "name", d.Name, "image", target.Image)

	m := toMachine(*d)
	m.Address = ""
	return m, nil
}

// ReadinessTimeoutError reports a machine that did not become ready in time.
type ReadinessTimeoutError struct {
	MachineID   int
	Timeout     time.Duration
	LastStatus  string
	LastAddress string
	Err         error
}

func (e *ReadinessTimeoutError) Error() string {
	addr := e.LastAddress
	if addr == "" {
		addr = "none"
	}
	return fmt.Sprintf("machine %d not ready after %s (status=%s, address=%s)", e.MachineID, e.Timeout, e.LastStatus, addr)
}

func (e *ReadinessTimeoutError) Unwrap() error { return e.Err }

// WaitReady polls machine id until it is active with an address and returns
// that address. Network readiness lags the active status, so both are
// required on the same read. A timeout of zero uses DefaultReadyTimeout.
// Not-found and other client errors end the wait immediately.
func (p *Provisioner) WaitReady(ctx context.Context, id int, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	ctx, span := tracer.Start(ctx, "provision.WaitReady", trace.WithAttributes(attribute.Int("machine.id", id)))
	defer span.End()

	var lastStatus, lastAddress, address string
	policy := retry.Policy{Timeout: timeout, Interval: p.interval, Clock: p.clock}
	err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		d, err := p.api.GetDroplet(ctx, id)
		if err != nil {
			var apiErr *cloudapi.APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode < 500 && apiErr.StatusCode != http.StatusTooManyRequests {
				return retry.Stop(err)
			}
			return err
		}
		lastStatus, lastAddress = d.Status, d.PublicIPv4()
		if lastStatus == models.StatusActive && lastAddress != "" {
			address = lastAddress
			return nil
		}
		return fmt.Errorf("status=%s", lastStatus)
	})
	if err == nil {
		span.SetAttributes(attribute.String("machine.address", address))
		return address, nil
	}
	span.SetStatus(codes.Error, err.Error())
	if errors.Is(err, retry.ErrTimeout) {
		return "", &ReadinessTimeoutError{
			MachineID:   id,
			Timeout:     timeout,
			LastStatus:  lastStatus,
			LastAddress: lastAddress,
			Err:         err,
		}
	}
	return "", fmt.Errorf("wait for machine %d: %w", id, err)
}

// Destroy deletes machine id. A machine that is already gone counts as
// destroyed; any other provider error is returned.
func (p *Provisioner) Destroy(ctx context.Context, id int) error {
	err := p.api.DeleteDroplet(ctx, id)
	if err != nil && !cloudapi.IsNotFound(err) {
		return err
	}
	metrics.MachineDestroyed()
	p.logger.Info("machine destroyed", "id", id, "already_gone", err != nil)
	return nil
}

// DestroyAll destroys every machine carrying tag, or the provisioner's tag
// when tag is empty. Each destroy is attempted even when others fail; the
// failures are joined into the returned error. It returns how many machines
// were destroyed.
func (p *Provisioner) DestroyAll(ctx context.Context, tag string) (int, error) {
	if tag == "" {
		tag = p.tag
	}
	ctx, span := tracer.Start(ctx, "provision.DestroyAll", trace.WithAttributes(attribute.String("tag", tag)))
	defer span.End()

	droplets, err := p.api.ListDroplets(ctx, tag)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return 0, err
	}
	var (
		errs      []error
		destroyed int
	)
	for _, d := range droplets {
		if err := p.Destroy(ctx, d.ID); err != nil {
			errs = append(errs, fmt.Errorf("destroy %s (%d): %w", d.Name, d.ID, err))
			continue
		}
		destroyed++
	}
	if err := errors.Join(errs...); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return destroyed, err
	}
	return destroyed, nil
}

// List returns the machines carrying tag, or the provisioner's tag when tag
// is empty.
func (p *Provisioner) List(ctx context.Context, tag string) ([]models.Machine, error) {
	if tag == "" {
		tag = p.tag
	}
	droplets, err := p.api.ListDroplets(ctx, tag)
	if err != nil {
		return nil, err
	}
	out := make([]models.Machine, len(droplets))
	for i, d := range droplets {
		out[i] = toMachine(d)
	}
	return out, nil
}

// Count returns how many machines carry the provisioner's tag.
func (p *Provisioner) Count(ctx context.Context) (int, error) {
	ms, err := p.List(ctx, "")
	if err != nil {
		return 0, err
	}
	return len(ms), nil
}

// toMachine converts a droplet, exposing the address only once it is active.
func toMachine(d cloudapi.Droplet) models.Machine {
	m := models.Machine{
		ID:        d.ID,
		Name:      d.Name,
		Status:    d.Status,
		Image:     d.Image.Slug,
		Region:    d.Region.Slug,
		Tags:      d.Tags,
		CreatedAt: d.CreatedAt,
	}
	if m.Image == "" {
		m.Image = d.Image.Name
	}
	if d.Status == models.StatusActive {
		m.Address = d.PublicIPv4()
	}
	return m
}
