// Package targets holds the OS matrix under test and the optional mapping of
// targets to pre-built snapshot images.
package targets

import (
	"fmt"
	"slices"

	"github.com/tphummel/lab_matrix/internal/models"
)

// aptWait blocks until cloud-init releases every apt and dpkg lock. A fresh
// droplet can hold them for around 90 seconds after boot.
const aptWait = "while fuser /var/lib/dpkg/lock /var/lib/apt/lists/lock " +
	"/var/lib/dpkg/lock-frontend /var/cache/apt/archives/lock " +
	">/dev/null 2>&1; do echo 'Waiting for apt locks...'; sleep 5; done"

// pep668Flags lets pip install into the system interpreter on images that
// mark it externally managed.
const pep668Flags = "--break-system-packages --ignore-installed"

func aptTarget(name, image, pipFlags string) models.Target {
	return models.Target{
		Name:           name,
		Image:          image,
		User:           "root",
		PackageManager: "apt",
		Family:         "debian",
		SetupCommands:  []string{aptWait, "apt-get update", "apt-get install -y python3"},
		PipFlags:       pipFlags,
	}
}

func dnfTarget(name, image string) models.Target {
	return models.Target{
		Name:           name,
		Image:          image,
		User:           "root",
		PackageManager: "dnf",
		Family:         "rhel",
		SetupCommands:  []string{"dnf install -y python3"},
	}
}

var matrix = []models.Target{
	aptTarget("ubuntu-24.04", "ubuntu-24-04-x64", pep668Flags),
	// pip 22.x on 22.04 rejects --break-system-packages.
	aptTarget("ubuntu-22.04", "ubuntu-22-04-x64", ""),
	aptTarget("debian-12", "debian-12-x64", pep668Flags),
	dnfTarget("centos-stream-9", "centos-stream-9-x64"),
	dnfTarget("fedora-42", "fedora-42-x64"),
	dnfTarget("rocky-9", "rockylinux-9-x64"),
	dnfTarget("almalinux-9", "almalinux-9-x64"),
}

// clone returns a deep copy so callers can never reach the matrix slices.
func clone(t models.Target) models.Target {
	t.SetupCommands = slices.Clone(t.SetupCommands)
	return t
}

// All returns a copy of the full matrix in declaration order.
func All() []models.Target {
	out := make([]models.Target, len(matrix))
	for i, t := range matrix {
		out[i] = clone(t)
	}
	return out
}

// Names returns every target name in matrix order.
func Names() []string {
	out := make([]string, len(matrix))
	for i, t := range matrix {
		out[i] = t.Name
	}
	return out
}

// ByName returns the target called name.
func ByName(name string) (models.Target, error) {
	for _, t := range matrix {
		if t.Name == name {
			return clone(t), nil
		}
	}
	return models.Target{}, fmt.Errorf("no OS target named %q", name)
}

// ByFamily returns the targets of one OS family ("debian" or "rhel").
func ByFamily(family string) []models.Target {
	return filter(func(t models.Target) bool { return t.Family == family })
}

// ByPackageManager returns the targets using pm ("apt" or "dnf").
func ByPackageManager(pm string) []models.Target {
	return filter(func(t models.Target) bool { return t.PackageManager == pm })
}

// Filter returns the named targets in matrix order. An empty list selects
// every target; an unknown name is an error.
func Filter(names []string) ([]models.Target, error) {
	if len(names) == 0 {
		return All(), nil
	}
	for _, n := range names {
		if _, err := ByName(n); err != nil {
			return nil, err
		}
	}
	return filter(func(t models.Target) bool { return slices.Contains(names, t.Name) }), nil
}

func filter(keep func(models.Target) bool) []models.Target {
	var out []models.Target
	for _, t := range matrix {
		if keep(t) {
			out = append(out, clone(t))
		}
	}
	return out
}
