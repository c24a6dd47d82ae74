package remote_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tphummel/lab_matrix/internal/clock"
	"github.com/tphummel/lab_matrix/internal/credential"
	"github.com/tphummel/lab_matrix/internal/remote"
	"github.com/tphummel/lab_matrix/internal/remote/remotetest"
)

func newChannel(t *testing.T, d *remotetest.Dialer) (*remote.Channel, *clock.FakeClock) {
	t.Helper()
	cred, err := credential.Generate()
	if err != nil {
		t.Fatal(err)
	}
	clk := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ch := remote.New(remote.Config{
		Host:   "10.0.0.2",
		User:   "root",
		Signer: cred.Signer(),
		Dialer: d,
		Clock:  clk,
	})
	t.Cleanup(func() { ch.Close() })
	return ch, clk
}

func TestNotConnected(t *testing.T) {
	ch, _ := newChannel(t, remotetest.NewDialer(nil))
	ctx := context.Background()

	if _, err := ch.Run(ctx, "echo hi", 0); !errors.Is(err, remote.ErrNotConnected) {
		t.Errorf("Run: got %v, want ErrNotConnected", err)
	}
	if err := ch.UploadFile(ctx, "a", "/b"); !errors.Is(err, remote.ErrNotConnected) {
		t.Errorf("UploadFile: got %v, want ErrNotConnected", err)
	}
	if err := ch.UploadDir(ctx, "a", "/b"); !errors.Is(err, remote.ErrNotConnected) {
		t.Errorf("UploadDir: got %v, want ErrNotConnected", err)
	}
}

func TestConnect_RetriesUntilSuccess(t *testing.T) {
	d := remotetest.NewDialer(nil)
	d.FailFirst = 1
	ch, clk := newChannel(t, d)
	start := clk.Now()

	if err := ch.Connect(context.Background(), time.Minute, 5*time.Second); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if n := d.Dials("10.0.0.2:22"); n != 2 {
		t.Errorf("dials: got %d, want 2", n)
	}
	if got := clk.Now().Sub(start); got != 5*time.Second {
		t.Errorf("elapsed: got %s, want 5s", got)
	}
	if !ch.Connected() {
		t.Error("Connected() false after success")
	}
}

func TestConnect_Timeout(t *testing.T) {
	d := remotetest.NewDialer(nil)
	d.FailFirst = 1000
	d.DialErr = errors.New("no route to host")
	ch, _ := newChannel(t, d)

	err := ch.Connect(context.Background(), 12*time.Second, 5*time.Second)
	var ct *remote.ConnectTimeoutError
	if !errors.As(err, &ct) {
		t.Fatalf("expected ConnectTimeoutError, got %v", err)
	}
	if ct.Host != "10.0.0.2" || ct.Timeout != 12*time.Second || ct.Attempts != 3 {
		t.Errorf("error fields: got %+v", ct)
	}
	if !strings.Contains(err.Error(), "no route to host") {
		t.Errorf("error should carry the last cause: %v", err)
	}
	if ch.Connected() {
		t.Error("Connected() true after timeout")
	}
}

func TestConnect_Idempotent(t *testing.T) {
	d := remotetest.NewDialer(nil)
	ch, _ := newChannel(t, d)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := ch.Connect(ctx, time.Minute, time.Second); err != nil {
			t.Fatalf("Connect %d: %v", i, err)
		}
	}
	if n := d.TotalDials(); n != 1 {
		t.Errorf("dials: got %d, want 1", n)
	}
	if n := d.Open(); n != 1 {
		t.Errorf("open transports: got %d, want 1", n)
	}
}

func TestRun(t *testing.T) {
	d := remotetest.NewDialer(func(cmd string) remote.Result {
		switch cmd {
		case "echo hi":
			return remote.Result{Stdout: "hi\n"}
		case "false":
			return remote.Result{Stderr: "nope\n", ExitCode: 1}
		}
		return remote.Result{ExitCode: 127}
	})
	ch, _ := newChannel(t, d)
	ctx := context.Background()
	if err := ch.Connect(ctx, 0, 0); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		cmd  string
		want remote.Result
	}{
		{"echo hi", remote.Result{Stdout: "hi\n"}},
		{"false", remote.Result{Stderr: "nope\n", ExitCode: 1}},
		{"missing", remote.Result{ExitCode: 127}},
	}
	for _, tt := range tests {
		t.Run(tt.cmd, func(t *testing.T) {
			got, err := ch.Run(ctx, tt.cmd, 0)
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if got != tt.want {
				t.Errorf("Run(%q): got %+v, want %+v", tt.cmd, got, tt.want)
			}
		})
	}
}

func TestClose_Idempotent(t *testing.T) {
	d := remotetest.NewDialer(nil)
	ch, _ := newChannel(t, d)

	if err := ch.Close(); err != nil {
		t.Errorf("Close on never-connected channel: %v", err)
	}
	if err := ch.Connect(context.Background(), 0, 0); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if err := ch.Close(); err != nil {
			t.Errorf("Close %d: %v", i, err)
		}
	}
	if d.Open() != 0 {
		t.Error("transport left open")
	}
	if _, err := ch.Run(context.Background(), "echo hi", 0); !errors.Is(err, remote.ErrNotConnected) {
		t.Errorf("Run after Close: got %v", err)
	}
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return root
}

func TestUploadDir_MirrorsTree(t *testing.T) {
	local := writeTree(t, map[string]string{
		"sysadmin_ai.py":      "print('hi')\n",
		"soul.md":             "# soul\n",
		"lib/util/helpers.py": "x = 1\n",
	})
	d := remotetest.NewDialer(nil)
	ch, _ := newChannel(t, d)
	ctx := context.Background()
	if err := ch.Connect(ctx, 0, 0); err != nil {
		t.Fatal(err)
	}

	// Twice: existing directories must not be an error.
	for i := 0; i < 2; i++ {
		if err := ch.UploadDir(ctx, local, "/opt/sysadmin-ai"); err != nil {
			t.Fatalf("UploadDir %d: %v", i, err)
		}
	}

	for _, dir := range []string{"/opt", "/opt/sysadmin-ai", "/opt/sysadmin-ai/lib", "/opt/sysadmin-ai/lib/util"} {
		if !d.Dir(dir) {
			t.Errorf("remote dir %s not created", dir)
		}
	}
	want := map[string]string{
		"/opt/sysadmin-ai/sysadmin_ai.py":      "print('hi')\n",
		"/opt/sysadmin-ai/soul.md":             "# soul\n",
		"/opt/sysadmin-ai/lib/util/helpers.py": "x = 1\n",
	}
	for p, content := range want {
		got, ok := d.File(p)
		if !ok {
			t.Errorf("remote file %s missing", p)
			continue
		}
		if string(got) != content {
			t.Errorf("%s: got %q, want %q", p, got, content)
		}
	}
	if n := len(d.Files()); n != len(want) {
		t.Errorf("uploaded files: got %d, want %d", n, len(want))
	}
}

func TestUploadFile(t *testing.T) {
	local := writeTree(t, map[string]string{"a.txt": "alpha"})
	d := remotetest.NewDialer(nil)
	ch, _ := newChannel(t, d)
	ctx := context.Background()
	if err := ch.Connect(ctx, 0, 0); err != nil {
		t.Fatal(err)
	}

	if err := ch.UploadFile(ctx, filepath.Join(local, "a.txt"), "/a.txt"); err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	if got, _ := d.File("/a.txt"); string(got) != "alpha" {
		t.Errorf("content: got %q", got)
	}
	if err := ch.UploadFile(ctx, filepath.Join(local, "missing"), "/m"); err == nil {
		t.Error("expected error for missing local file")
	}
}
