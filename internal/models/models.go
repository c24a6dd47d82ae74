package models

import "time"

// Status values reported by the control plane for a droplet.
const (
	StatusNew       = "new"
	StatusActive    = "active"
	StatusOff       = "off"
	StatusArchive   = "archive"
	StatusDestroyed = "destroyed"
)

// Target describes one OS variant under test. Targets are passed by value;
// substituting a snapshot image produces a new Target rather than mutating
// the matrix entry.
type Target struct {
	Name           string   `json:"name" yaml:"name"`
	Image          string   `json:"image" yaml:"image"`
	User           string   `json:"user" yaml:"user"`
	PackageManager string   `json:"pkg_manager" yaml:"pkg_manager"`
	Family         string   `json:"family" yaml:"family"`
	SetupCommands  []string `json:"setup_commands" yaml:"setup_commands"`
	PipFlags       string   `json:"pip_flags" yaml:"pip_flags"`
}

// Machine is a live remote virtual machine. Address is empty until the
// machine reports StatusActive.
type Machine struct {
	ID        int       `json:"id"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	Address   string    `json:"address,omitempty"`
	Image     string    `json:"image,omitempty"`
	Region    string    `json:"region,omitempty"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Ready reports whether the machine is active and has been assigned an
// address. Both conditions are required; the control plane can report
// active before the network is attached.
func (m Machine) Ready() bool {
	return m.Status == StatusActive && m.Address != ""
}

// SSHKey is a public key registered with the control plane.
type SSHKey struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Fingerprint string `json:"fingerprint"`
	PublicKey   string `json:"public_key"`
}

// Snapshot records a pre-built image for a target.
type Snapshot struct {
	SnapshotID string    `json:"snapshot_id" yaml:"snapshot_id"`
	BaseImage  string    `json:"base_image" yaml:"base_image"`
	BuiltAt    time.Time `json:"built_at" yaml:"built_at"`
}

// ValidFamilies is the set of allowed OS family values.
var ValidFamilies = map[string]bool{
	"debian": true,
	"rhel":   true,
}

// ValidPackageManagers is the set of allowed package manager values.
var ValidPackageManagers = map[string]bool{
	"apt": true,
	"dnf": true,
}
