package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"sync"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// SSHDialer opens SSH transports over TCP.
type SSHDialer struct{}

// Dial connects to addr and completes the SSH handshake. ctx bounds both the
// TCP connect and the handshake.
func (SSHDialer) Dial(ctx context.Context, addr string, cfg *ssh.ClientConfig) (Transport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		return nil, err
	}
	conn.SetDeadline(time.Time{})
	return &sshTransport{client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

type sshTransport struct {
	client *ssh.Client
}

func (t *sshTransport) Exec(ctx context.Context, cmd string, stdout, stderr io.Writer) (int, error) {
	sess, err := t.client.NewSession()
	if err != nil {
		return -1, fmt.Errorf("open session: %w", err)
	}
	defer sess.Close()
	sess.Stdout = stdout
	sess.Stderr = stderr

	if err := sess.Start(cmd); err != nil {
		return -1, fmt.Errorf("start command: %w", err)
	}
	done := make(chan error, 1)
	go func() { done <- sess.Wait() }()

	select {
	case err := <-done:
		var exitErr *ssh.ExitError
		switch {
		case err == nil:
			return 0, nil
		case errors.As(err, &exitErr):
			return exitErr.ExitStatus(), nil
		default:
			return -1, err
		}
	case <-ctx.Done():
		sess.Signal(ssh.SIGKILL)
		sess.Close()
		return -1, ctx.Err()
	}
}

func (t *sshTransport) FS() (RemoteFS, error) {
	c, err := sftp.NewClient(t.client)
	if err != nil {
		return nil, err
	}
	return sftpFS{c}, nil
}

func (t *sshTransport) Close() error { return t.client.Close() }

type sftpFS struct{ c *sftp.Client }

func (s sftpFS) Mkdir(p string) error                    { return s.c.Mkdir(p) }
func (s sftpFS) Stat(p string) (fs.FileInfo, error)      { return s.c.Stat(p) }
func (s sftpFS) Create(p string) (io.WriteCloser, error) { return s.c.Create(p) }
func (s sftpFS) Close() error                            { return s.c.Close() }

// TrustOnFirstUse returns a host key callback that accepts whichever key a
// host presents first and rejects a different key from that host later.
// Test machines are created moments before the first connection, so there
// is no prior key to verify against.
func TrustOnFirstUse() ssh.HostKeyCallback {
	var (
		mu   sync.Mutex
		seen = map[string][]byte{}
	)
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		mu.Lock()
		defer mu.Unlock()
		host := hostname
		if h, _, err := net.SplitHostPort(hostname); err == nil {
			host = h
		}
		got := key.Marshal()
		if want, ok := seen[host]; ok && !bytes.Equal(want, got) {
			return fmt.Errorf("host key for %s changed (now %s)", host, ssh.FingerprintSHA256(key))
		}
		seen[host] = got
		return nil
	}
}
