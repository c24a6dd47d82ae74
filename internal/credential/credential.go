// Package credential manages the ephemeral keypair a session uses to reach
// its machines. The private half lives only in memory.
package credential

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/tphummel/lab_matrix/internal/cloudapi"
)

// KeyAPI is the subset of the cloud API client used to register keys.
type KeyAPI interface {
	CreateSSHKey(ctx context.Context, name, publicKey string) (*cloudapi.SSHKey, error)
	DeleteSSHKey(ctx context.Context, id int) error
}

// Credential is an in-memory keypair plus, once registered, the ID of the
// matching key object at the provider.
type Credential struct {
	signer ssh.Signer
	public ssh.PublicKey

	// KeyID is set by Register and cleared by Unregister.
	KeyID int
	// Name is the name the key was registered under.
	Name string
}

// Generate creates a new ed25519 keypair.
func Generate() (*Credential, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		return nil, fmt.Errorf("wrap key: %w", err)
	}
	return &Credential{signer: signer, public: signer.PublicKey()}, nil
}

// Signer returns the private key for SSH authentication.
func (c *Credential) Signer() ssh.Signer { return c.signer }

// AuthorizedKey returns the public key in OpenSSH authorized_keys format,
// without a trailing newline.
func (c *Credential) AuthorizedKey() string {
	return strings.TrimSpace(string(ssh.MarshalAuthorizedKey(c.public)))
}

// Fingerprint returns the SHA256 fingerprint of the public key.
func (c *Credential) Fingerprint() string {
	return ssh.FingerprintSHA256(c.public)
}

// Register uploads the public key to the provider under name.
func (c *Credential) Register(ctx context.Context, api KeyAPI, name string) error {
	key, err := api.CreateSSHKey(ctx, name, c.AuthorizedKey())
	if err != nil {
		return fmt.Errorf("register key %q: %w", name, err)
	}
	c.KeyID = key.ID
	c.Name = name
	return nil
}

// Unregister deletes the provider key object. It is a no-op when the key was
// never registered, and a key that is already gone counts as deleted.
func (c *Credential) Unregister(ctx context.Context, api KeyAPI) error {
	if c.KeyID == 0 {
		return nil
	}
	if err := api.DeleteSSHKey(ctx, c.KeyID); err != nil && !cloudapi.IsNotFound(err) {
		return fmt.Errorf("unregister key %q: %w", c.Name, err)
	}
	c.KeyID = 0
	return nil
}

// KeyName returns a per-worker key name so that parallel workers never
// collide: "<prefix>-<worker>", with "main" for the primary process.
func KeyName(prefix, worker string) string {
	if worker == "" {
		worker = "main"
	}
	return prefix + "-" + worker
}

// KeyLister lists and deletes account keys.
type KeyLister interface {
	ListSSHKeys(ctx context.Context) ([]cloudapi.SSHKey, error)
	DeleteSSHKey(ctx context.Context, id int) error
}

// Ephemeral returns the account keys whose name starts with prefix followed
// by a dash, the form KeyName produces.
func Ephemeral(ctx context.Context, api KeyLister, prefix string) ([]cloudapi.SSHKey, error) {
	keys, err := api.ListSSHKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	var out []cloudapi.SSHKey
	for _, k := range keys {
		if strings.HasPrefix(k.Name, prefix+"-") {
			out = append(out, k)
		}
	}
	return out, nil
}

// DeleteKeys deletes keys, attempting every one. Keys already gone count as
// deleted. It returns how many were deleted and the joined failures.
func DeleteKeys(ctx context.Context, api KeyLister, keys []cloudapi.SSHKey) (int, error) {
	var (
		errs []error
		n    int
	)
	for _, k := range keys {
		if err := api.DeleteSSHKey(ctx, k.ID); err != nil && !cloudapi.IsNotFound(err) {
			errs = append(errs, fmt.Errorf("delete key %q: %w", k.Name, err))
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}
