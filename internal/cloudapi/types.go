package cloudapi

import (
	"encoding/json"
	"strconv"
	"time"
)

// Droplet mirrors the JSON shape of a droplet in the control-plane API.
type Droplet struct {
	ID          int       `json:"id"`
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	Tags        []string  `json:"tags"`
	Image       Image     `json:"image"`
	Region      Region    `json:"region"`
	Networks    Networks  `json:"networks"`
	SnapshotIDs []int     `json:"snapshot_ids"`
}

// Image is the image a droplet was created from.
type Image struct {
	ID   int    `json:"id,omitempty"`
	Slug string `json:"slug,omitempty"`
	Name string `json:"name,omitempty"`
}

// Region is the datacenter a droplet runs in.
type Region struct {
	Slug string `json:"slug"`
}

// Networks lists a droplet's attached addresses.
type Networks struct {
	V4 []NetworkV4 `json:"v4"`
}

// NetworkV4 is a single IPv4 attachment.
type NetworkV4 struct {
	IPAddress string `json:"ip_address"`
	Type      string `json:"type"`
}

// PublicIPv4 returns the droplet's public IPv4 address, or "" while none is
// attached. The first address is used when none is marked public.
func (d Droplet) PublicIPv4() string {
	for _, n := range d.Networks.V4 {
		if n.Type == "public" && n.IPAddress != "" {
			return n.IPAddress
		}
	}
	if len(d.Networks.V4) > 0 {
		return d.Networks.V4[0].IPAddress
	}
	return ""
}

// ImageRef identifies the image for a new droplet: a slug for base images,
// a numeric id for snapshots. It encodes as a JSON string or number
// accordingly.
type ImageRef string

// MarshalJSON emits a number when the reference is numeric.
func (r ImageRef) MarshalJSON() ([]byte, error) {
	if id, err := strconv.Atoi(string(r)); err == nil {
		return json.Marshal(id)
	}
	return json.Marshal(string(r))
}

// UnmarshalJSON accepts either a number or a string.
func (r *ImageRef) UnmarshalJSON(b []byte) error {
	var id int
	if err := json.Unmarshal(b, &id); err == nil {
		*r = ImageRef(strconv.Itoa(id))
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	*r = ImageRef(s)
	return nil
}

// CreateDropletRequest is the body of a droplet creation call.
type CreateDropletRequest struct {
	Name    string   `json:"name"`
	Region  string   `json:"region"`
	Size    string   `json:"size"`
	Image   ImageRef `json:"image"`
	SSHKeys []int    `json:"ssh_keys,omitempty"`
	Tags    []string `json:"tags,omitempty"`
}

// SSHKey is an account-level public key.
type SSHKey struct {
	ID          int    `json:"id,omitempty"`
	Name        string `json:"name"`
	Fingerprint string `json:"fingerprint,omitempty"`
	PublicKey   string `json:"public_key"`
}

// Action is an asynchronous droplet operation such as power_off.
type Action struct {
	ID     int    `json:"id"`
	Type   string `json:"type"`
	Status string `json:"status"`
}

// Action statuses.
const (
	ActionInProgress = "in-progress"
	ActionCompleted  = "completed"
	ActionErrored    = "errored"
)

// Snapshot is a saved droplet image. Its ID is usable as an image
// reference when creating droplets.
type Snapshot struct {
	ID        ImageRef  `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	SizeGB    float64   `json:"size_gigabytes"`
}

type links struct {
	Pages struct {
		Next string `json:"next,omitempty"`
	} `json:"pages"`
}
