// Package remotetest provides an in-memory remote.Dialer for tests that
// need a Channel without a real machine.
package remotetest

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/tphummel/lab_matrix/internal/remote"
)

// Handler answers one command.
type Handler func(cmd string) remote.Result

// Echo answers "echo X" with X and every other command with exit code 0 and
// no output.
func Echo(cmd string) remote.Result {
	if rest, ok := strings.CutPrefix(cmd, "echo "); ok {
		return remote.Result{Stdout: rest + "\n"}
	}
	return remote.Result{}
}

// Dialer is a fake remote.Dialer. The first FailFirst dials for each address
// fail with DialErr; later dials succeed.
type Dialer struct {
	FailFirst int
	DialErr   error
	Handler   Handler

	mu       sync.Mutex
	dials    map[string]int
	commands []string
	files    map[string][]byte
	dirs     map[string]bool
	open     int
}

// NewDialer returns a Dialer answering commands with h, or Echo when h is nil.
func NewDialer(h Handler) *Dialer {
	if h == nil {
		h = Echo
	}
	return &Dialer{
		Handler: h,
		DialErr: errors.New("connection refused"),
		dials:   map[string]int{},
		files:   map[string][]byte{},
		dirs:    map[string]bool{"/": true},
	}
}

// Dial implements remote.Dialer.
func (d *Dialer) Dial(ctx context.Context, addr string, cfg *ssh.ClientConfig) (remote.Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials[addr]++
	if d.dials[addr] <= d.FailFirst {
		return nil, d.DialErr
	}
	d.open++
	return &transport{d: d}, nil
}

// Dials returns how many times addr was dialed.
func (d *Dialer) Dials(addr string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[addr]
}

// TotalDials returns the number of dials across all addresses.
func (d *Dialer) TotalDials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, v := range d.dials {
		n += v
	}
	return n
}

// Open returns how many transports are open.
func (d *Dialer) Open() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// Commands returns every command executed, in order.
func (d *Dialer) Commands() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.commands...)
}

// File returns the content uploaded to p.
func (d *Dialer) File(p string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.files[p]
	return b, ok
}

// Files returns every uploaded path, sorted.
func (d *Dialer) Files() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.files))
	for p := range d.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Dir reports whether p was created as a directory.
func (d *Dialer) Dir(p string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dirs[p]
}

type transport struct {
	d      *Dialer
	closed bool
}

func (t *transport) Exec(ctx context.Context, cmd string, stdout, stderr io.Writer) (int, error) {
	if err := ctx.Err(); err != nil {
		return -1, err
	}
	t.d.mu.Lock()
	t.d.commands = append(t.d.commands, cmd)
	h := t.d.Handler
	t.d.mu.Unlock()

	res := h(cmd)
	io.WriteString(stdout, res.Stdout)
	io.WriteString(stderr, res.Stderr)
	return res.ExitCode, nil
}

func (t *transport) FS() (remote.RemoteFS, error) { return memFS{d: t.d}, nil }

func (t *transport) Close() error {
	t.d.mu.Lock()
	defer t.d.mu.Unlock()
	if !t.closed {
		t.closed = true
		t.d.open--
	}
	return nil
}

type memFS struct{ d *Dialer }

func (m memFS) Mkdir(p string) error {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	if m.d.dirs[p] {
		return fs.ErrExist
	}
	if !m.d.dirs[path.Dir(p)] {
		return fs.ErrNotExist
	}
	m.d.dirs[p] = true
	return nil
}

func (m memFS) Stat(p string) (fs.FileInfo, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	if m.d.dirs[p] {
		return fileInfo{name: path.Base(p), dir: true}, nil
	}
	if b, ok := m.d.files[p]; ok {
		return fileInfo{name: path.Base(p), size: int64(len(b))}, nil
	}
	return nil, fs.ErrNotExist
}

func (m memFS) Create(p string) (io.WriteCloser, error) {
	m.d.mu.Lock()
	defer m.d.mu.Unlock()
	if !m.d.dirs[path.Dir(p)] {
		return nil, fs.ErrNotExist
	}
	return &memFile{d: m.d, path: p}, nil
}

func (memFS) Close() error { return nil }

type memFile struct {
	d    *Dialer
	path string
	buf  bytes.Buffer
}

func (f *memFile) Write(b []byte) (int, error) { return f.buf.Write(b) }

func (f *memFile) Close() error {
	f.d.mu.Lock()
	defer f.d.mu.Unlock()
	f.d.files[f.path] = f.buf.Bytes()
	return nil
}

type fileInfo struct {
	name string
	size int64
	dir  bool
}

func (fi fileInfo) Name() string       { return fi.name }
func (fi fileInfo) Size() int64        { return fi.size }
func (fi fileInfo) ModTime() time.Time { return time.Time{} }
func (fi fileInfo) IsDir() bool        { return fi.dir }
func (fi fileInfo) Sys() any           { return nil }

func (fi fileInfo) Mode() fs.FileMode {
	if fi.dir {
		return fs.ModeDir | 0o755
	}
	return 0o644
}
