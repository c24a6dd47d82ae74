package snapshots_test

import (
	"context"
	"errors"
	"math"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/tphummel/lab_matrix/internal/clock"
	"github.com/tphummel/lab_matrix/internal/fakecloud"
	"github.com/tphummel/lab_matrix/internal/models"
	"github.com/tphummel/lab_matrix/internal/provision"
	"github.com/tphummel/lab_matrix/internal/remote"
	"github.com/tphummel/lab_matrix/internal/remote/remotetest"
	"github.com/tphummel/lab_matrix/internal/snapshots"
	"github.com/tphummel/lab_matrix/internal/targets"
)

const testToken = "dop_v1_test"

func newBuilder(t *testing.T, h remotetest.Handler) (*snapshots.Builder, *fakecloud.Server, *provision.Provisioner) {
	t.Helper()
	fake, srv := fakecloud.NewHTTPTest(testToken)
	t.Cleanup(srv.Close)
	clk := clock.Fake(time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC))
	prov, err := provision.New(provision.Config{
		Token:    testToken,
		Endpoint: srv.URL,
		Tag:      snapshots.BuildTag,
		Clock:    clk,
	})
	if err != nil {
		t.Fatal(err)
	}
	b := snapshots.NewBuilder(snapshots.Config{
		Provisioner: prov,
		Dialer:      remotetest.NewDialer(h),
		Clock:       clk,
	})
	return b, fake, prov
}

func pick(t *testing.T, names ...string) []models.Target {
	t.Helper()
	ts, err := targets.Filter(names)
	if err != nil {
		t.Fatal(err)
	}
	return ts
}

func TestEstimateMonthlyCost(t *testing.T) {
	if got := snapshots.EstimateMonthlyCost(7); math.Abs(got-1.05) > 1e-9 {
		t.Errorf("got %v, want 1.05", got)
	}
}

func TestSnapshotName(t *testing.T) {
	got := snapshots.SnapshotName("rocky-9", time.Date(2026, 3, 14, 23, 0, 0, 0, time.UTC))
	if got != "sysadmin-ai-rocky-9-20260314" {
		t.Errorf("got %q", got)
	}
}

func TestBuild_AllSucceed(t *testing.T) {
	b, fake, _ := newBuilder(t, nil)

	built, err := b.Build(context.Background(), pick(t, "ubuntu-24.04", "fedora-42"))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if len(built) != 2 {
		t.Fatalf("built %d snapshots, want 2", len(built))
	}
	stored := fake.Snapshots()
	for name, s := range built {
		snap, ok := stored[s.SnapshotID]
		if !ok {
			t.Errorf("%s: snapshot %s not stored", name, s.SnapshotID)
			continue
		}
		if want := "sysadmin-ai-" + name + "-20260314"; snap.Name != want {
			t.Errorf("%s: snapshot name %q, want %q", name, snap.Name, want)
		}
		tg, _ := targets.ByName(name)
		if s.BaseImage != tg.Image {
			t.Errorf("%s: base image %q, want %q", name, s.BaseImage, tg.Image)
		}
	}
	if n := len(fake.Droplets()); n != 0 {
		t.Errorf("%d build machines left behind", n)
	}
	if n := len(fake.Keys()); n != 0 {
		t.Errorf("%d build keys left behind", n)
	}
	if n := fake.Calls("DELETE /v2/droplets/{id}"); n != 2 {
		t.Errorf("destroy calls: got %d, want 2", n)
	}
}

func TestBuild_FailureStillCleansUp(t *testing.T) {
	b, fake, _ := newBuilder(t, func(cmd string) remote.Result {
		if cmd == "dnf install -y python3" {
			return remote.Result{ExitCode: 1, Stderr: "Error: Failed to download metadata"}
		}
		return remote.Result{}
	})

	built, err := b.Build(context.Background(), pick(t, "debian-12", "rocky-9"))
	var be *snapshots.BuildError
	if !errors.As(err, &be) {
		t.Fatalf("expected BuildError, got %v", err)
	}
	if _, ok := be.Failed["rocky-9"]; !ok || len(be.Failed) != 1 {
		t.Errorf("failed: %v", be.Failed)
	}
	if !strings.Contains(err.Error(), "rocky-9") {
		t.Errorf("error lacks target: %v", err)
	}
	if _, ok := built["debian-12"]; !ok || len(built) != 1 {
		t.Errorf("built: %v", built)
	}
	if n := len(fake.Droplets()); n != 0 {
		t.Errorf("%d build machines left behind", n)
	}
	if n := len(fake.Keys()); n != 0 {
		t.Errorf("%d build keys left behind", n)
	}
}

func TestBuild_CreateFailure(t *testing.T) {
	b, fake, _ := newBuilder(t, nil)
	fake.FailCreate(http.StatusUnprocessableEntity)

	built, err := b.Build(context.Background(), pick(t, "almalinux-9"))
	if err == nil {
		t.Fatal("expected error")
	}
	if len(built) != 0 {
		t.Errorf("built: %v", built)
	}
	if n := len(fake.Keys()); n != 0 {
		t.Errorf("%d build keys left behind", n)
	}
}

func TestDelete(t *testing.T) {
	_, fake, prov := newBuilder(t, nil)
	id := fake.AddSnapshot("sysadmin-ai-debian-12-20260101")
	snaps := targets.Snapshots{
		"debian-12": {SnapshotID: id},
		"rocky-9":   {SnapshotID: "999999"},
	}

	left, err := snapshots.Delete(context.Background(), prov, snaps, nil)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if len(left) != 0 {
		t.Errorf("left: %v", left)
	}
	if len(fake.Snapshots()) != 0 {
		t.Errorf("snapshots remain: %v", fake.Snapshots())
	}
}
