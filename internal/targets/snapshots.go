package targets

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/tphummel/lab_matrix/internal/models"
)

// DefaultSnapshotsPath is where snapshot builds record their results.
const DefaultSnapshotsPath = "infra/snapshots.yaml"

// Snapshots maps a target name to its pre-built image.
type Snapshots map[string]models.Snapshot

// LoadSnapshots reads the mapping at path. A missing file yields an empty
// mapping and no error.
func LoadSnapshots(path string) (Snapshots, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Snapshots{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshots: %w", err)
	}
	snaps := Snapshots{}
	if err := yaml.Unmarshal(data, &snaps); err != nil {
		return nil, fmt.Errorf("parse snapshots %s: %w", path, err)
	}
	return snaps, nil
}

// SaveSnapshots writes snaps to path, creating parent directories.
func SaveSnapshots(path string, snaps Snapshots) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create snapshots dir: %w", err)
	}
	data, err := yaml.Marshal(snaps)
	if err != nil {
		return fmt.Errorf("encode snapshots: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write snapshots: %w", err)
	}
	return nil
}

// ApplySnapshots returns copies of ts with the image replaced by the
// snapshot recorded for each target, when there is one. ts is not modified.
func ApplySnapshots(ts []models.Target, snaps Snapshots) []models.Target {
	out := make([]models.Target, len(ts))
	for i, t := range ts {
		t = clone(t)
		if s, ok := snaps[t.Name]; ok && s.SnapshotID != "" {
			t.Image = s.SnapshotID
		}
		out[i] = t
	}
	return out
}
