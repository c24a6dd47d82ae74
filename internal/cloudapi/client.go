// Package cloudapi is a bearer-token JSON client for the cloud control
// plane: droplets, account SSH keys, droplet actions and snapshots.
package cloudapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultEndpoint is the production control-plane base URL.
const DefaultEndpoint = "https://api.digitalocean.com"

const perPage = 200

// ErrMissingToken is returned when a client is built without an API token.
var ErrMissingToken = errors.New("no API token provided: set DIGITALOCEAN_TOKEN or pass a token explicitly")

// APIError is returned for any non-2xx response.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("cloud API returned status %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

// IsNotFound reports whether err is an APIError with status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client talks to the control-plane REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithLogger sets the logger used for per-request debug records.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient creates a Client targeting endpoint with Bearer token auth. An
// empty endpoint selects DefaultEndpoint. An empty token is an error.
func NewClient(endpoint, token string, opts ...Option) (*Client, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingToken
	}
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	c := &Client{
		baseURL: strings.TrimRight(endpoint, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = &buf
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.LogAttrs(ctx, slog.LevelDebug, "cloud api request",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

// CreateDroplet submits a droplet creation request and returns the
// provider-assigned record. The droplet is typically still "new".
func (c *Client) CreateDroplet(ctx context.Context, req CreateDropletRequest) (*Droplet, error) {
	var out struct {
		Droplet Droplet `json:"droplet"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/v2/droplets", req, &out); err != nil {
		return nil, fmt.Errorf("create droplet %q: %w", req.Name, err)
	}
	return &out.Droplet, nil
}

// GetDroplet fetches a droplet by ID.
func (c *Client) GetDroplet(ctx context.Context, id int) (*Droplet, error) {
	var out struct {
		Droplet Droplet `json:"droplet"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v2/droplets/"+strconv.Itoa(id), nil, &out); err != nil {
		return nil, fmt.Errorf("get droplet %d: %w", id, err)
	}
	return &out.Droplet, nil
}

// ListDroplets returns every droplet carrying tag, following pagination.
// An empty tag lists all droplets.
func (c *Client) ListDroplets(ctx context.Context, tag string) ([]Droplet, error) {
	var all []Droplet
	for page := 1; ; page++ {
		q := url.Values{}
		if tag != "" {
			q.Set("tag_name", tag)
		}
		q.Set("page", strconv.Itoa(page))
		q.Set("per_page", strconv.Itoa(perPage))

		var out struct {
			Droplets []Droplet `json:"droplets"`
			Links    links     `json:"links"`
		}
		if err := c.doJSON(ctx, http.MethodGet, "/v2/droplets?"+q.Encode(), nil, &out); err != nil {
			return nil, fmt.Errorf("list droplets tagged %q: %w", tag, err)
		}
		all = append(all, out.Droplets...)
		if out.Links.Pages.Next == "" || len(out.Droplets) == 0 {
			return all, nil
		}
	}
}

// DeleteDroplet destroys the droplet with the given ID. A 404 is returned
// as an APIError; callers decide whether that counts as success.
func (c *Client) DeleteDroplet(ctx context.Context, id int) error {
	if err := c.doJSON(ctx, http.MethodDelete, "/v2/droplets/"+strconv.Itoa(id), nil, nil); err != nil {
		return fmt.Errorf("delete droplet %d: %w", id, err)
	}
	return nil
}

// CreateSSHKey registers a public key with the account.
func (c *Client) CreateSSHKey(ctx context.Context, name, publicKey string) (*SSHKey, error) {
	var out struct {
		SSHKey SSHKey `json:"ssh_key"`
	}
	body := SSHKey{Name: name, PublicKey: publicKey}
	if err := c.doJSON(ctx, http.MethodPost, "/v2/account/keys", body, &out); err != nil {
		return nil, fmt.Errorf("create ssh key %q: %w", name, err)
	}
	return &out.SSHKey, nil
}

// ListSSHKeys returns every key registered with the account.
func (c *Client) ListSSHKeys(ctx context.Context) ([]SSHKey, error) {
	var all []SSHKey
	for page := 1; ; page++ {
		var out struct {
			SSHKeys []SSHKey `json:"ssh_keys"`
			Links   links    `json:"links"`
		}
		path := fmt.Sprintf("/v2/account/keys?page=%d&per_page=%d", page, perPage)
		if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
			return nil, fmt.Errorf("list ssh keys: %w", err)
		}
		all = append(all, out.SSHKeys...)
		if out.Links.Pages.Next == "" || len(out.SSHKeys) == 0 {
			return all, nil
		}
	}
}

// DeleteSSHKey removes a registered key by ID.
func (c *Client) DeleteSSHKey(ctx context.Context, id int) error {
	if err := c.doJSON(ctx, http.MethodDelete, "/v2/account/keys/"+strconv.Itoa(id), nil, nil); err != nil {
		return fmt.Errorf("delete ssh key %d: %w", id, err)
	}
	return nil
}

// PowerOff starts a power_off action on a droplet.
func (c *Client) PowerOff(ctx context.Context, dropletID int) (*Action, error) {
	return c.dropletAction(ctx, dropletID, map[string]string{"type": "power_off"})
}

// TakeSnapshot starts a snapshot action on a (powered-off) droplet.
func (c *Client) TakeSnapshot(ctx context.Context, dropletID int, name string) (*Action, error) {
	return c.dropletAction(ctx, dropletID, map[string]string{"type": "snapshot", "name": name})
}

func (c *Client) dropletAction(ctx context.Context, dropletID int, body map[string]string) (*Action, error) {
	var out struct {
		Action Action `json:"action"`
	}
	path := "/v2/droplets/" + strconv.Itoa(dropletID) + "/actions"
	if err := c.doJSON(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, fmt.Errorf("droplet %d action %s: %w", dropletID, body["type"], err)
	}
	return &out.Action, nil
}

// GetAction fetches an action by ID.
func (c *Client) GetAction(ctx context.Context, id int) (*Action, error) {
	var out struct {
		Action Action `json:"action"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v2/actions/"+strconv.Itoa(id), nil, &out); err != nil {
		return nil, fmt.Errorf("get action %d: %w", id, err)
	}
	return &out.Action, nil
}

// DropletSnapshots lists the snapshots taken from a droplet, oldest first.
func (c *Client) DropletSnapshots(ctx context.Context, dropletID int) ([]Snapshot, error) {
	var out struct {
		Snapshots []Snapshot `json:"snapshots"`
	}
	path := "/v2/droplets/" + strconv.Itoa(dropletID) + "/snapshots"
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, fmt.Errorf("list snapshots of droplet %d: %w", dropletID, err)
	}
	return out.Snapshots, nil
}

// DeleteSnapshot removes a snapshot by ID.
func (c *Client) DeleteSnapshot(ctx context.Context, id string) error {
	if err := c.doJSON(ctx, http.MethodDelete, "/v2/snapshots/"+url.PathEscape(id), nil, nil); err != nil {
		return fmt.Errorf("delete snapshot %s: %w", id, err)
	}
	return nil
}
