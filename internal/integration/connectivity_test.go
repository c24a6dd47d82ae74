//go:build integration

package integration

import (
	"context"
	"strings"
	"testing"

	"github.com/tphummel/lab_matrix/internal/models"
)

var familyIDs = map[string][]string{
	"debian": {"debian", "ubuntu"},
	"rhel":   {"rhel", "centos", "fedora", "rocky", "almalinux"},
}

// forEachTarget runs fn as a parallel subtest per session target.
func forEachTarget(t *testing.T, fn func(t *testing.T, tg models.Target)) {
	t.Helper()
	for _, tg := range sess.Targets() {
		t.Run(tg.Name, func(t *testing.T) {
			t.Parallel()
			fn(t, tg)
		})
	}
}

func TestConnectivity(t *testing.T) {
	forEachTarget(t, func(t *testing.T, tg models.Target) {
		ctx := context.Background()
		conn, err := sess.Connect(ctx, tg.Name)
		if err != nil {
			t.Fatalf("connect: %v", err)
		}

		res, err := conn.Run(ctx, "uname -a", 0)
		if err != nil || res.ExitCode != 0 || !strings.Contains(res.Stdout, "Linux") {
			t.Errorf("uname: %+v, %v", res, err)
		}

		res, err = conn.Run(ctx, "cat /etc/os-release", 0)
		if err != nil {
			t.Fatal(err)
		}
		osRelease := strings.ToLower(res.Stdout)
		found := false
		for _, id := range familyIDs[tg.Family] {
			if strings.Contains(osRelease, id) {
				found = true
			}
		}
		if !found {
			t.Errorf("os-release does not match family %s:\n%s", tg.Family, res.Stdout)
		}

		res, err = conn.Run(ctx, "which "+tg.PackageManager, 0)
		if err != nil || res.ExitCode != 0 {
			t.Errorf("which %s: %+v, %v", tg.PackageManager, res, err)
		}
		res, err = conn.Run(ctx, "systemctl --version", 0)
		if err != nil || res.ExitCode != 0 {
			t.Errorf("systemctl: %+v, %v", res, err)
		}
	})
}

func TestDeployment(t *testing.T) {
	requirePayload(t)
	forEachTarget(t, func(t *testing.T, tg models.Target) {
		ctx := context.Background()
		conn, err := sess.Deploy(ctx, tg.Name)
		if err != nil {
			t.Fatalf("deploy: %v", err)
		}
		res, err := conn.Run(ctx, "ls /opt/sysadmin-ai", 0)
		if err != nil {
			t.Fatal(err)
		}
		for _, f := range []string{classifierFile, "soul.md"} {
			if !strings.Contains(res.Stdout, f) {
				t.Errorf("%s missing from payload dir: %q", f, res.Stdout)
			}
		}
	})
}
