// Package ledger keeps a local record of every cloud resource a session
// creates, so resources left behind by a crashed session can be found and
// reaped later.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultPath is used when no ledger location is configured.
const DefaultPath = "lab_matrix.db"

// Off disables the ledger when given as the path.
const Off = "off"

// Kind is the type of a recorded resource.
type Kind string

const (
	KindMachine Kind = "machine"
	KindKey     Kind = "key"
)

// Resource is one ledger row.
type Resource struct {
	Kind        Kind       `json:"kind"`
	ProviderID  int        `json:"provider_id"`
	Name        string     `json:"name"`
	Target      string     `json:"target,omitempty"`
	Session     string     `json:"session"`
	Worker      string     `json:"worker,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	DestroyedAt *time.Time `json:"destroyed_at,omitempty"`
}

// Ledger wraps a SQLite connection. A nil conn makes every method a no-op.
type Ledger struct {
	conn    *sql.DB
	session string
	worker  string
	now     func() time.Time
}

// Disabled returns a Ledger that records nothing.
func Disabled() *Ledger {
	return &Ledger{now: time.Now}
}

// Open opens the ledger at path for the given session and worker, enables
// WAL mode and runs migrations. Parallel workers share one file, so writers
// wait on each other instead of failing with SQLITE_BUSY. An empty path or
// Off returns a disabled ledger.
func Open(path, session, worker string) (*Ledger, error) {
	path = strings.TrimSpace(path)
	if path == "" || strings.EqualFold(path, Off) {
		return Disabled(), nil
	}
	conn, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(10000)")
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if err := migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Ledger{conn: conn, session: session, worker: worker, now: time.Now}, nil
}

func migrate(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE TABLE IF NOT EXISTS resources (
			kind         TEXT NOT NULL,
			provider_id  INTEGER NOT NULL,
			name         TEXT NOT NULL,
			target       TEXT NOT NULL DEFAULT '',
			session      TEXT NOT NULL,
			worker       TEXT NOT NULL DEFAULT '',
			created_at   DATETIME NOT NULL,
			destroyed_at DATETIME,
			PRIMARY KEY (kind, provider_id)
		);
		CREATE INDEX IF NOT EXISTS idx_resources_outstanding ON resources(destroyed_at);
	`)
	return err
}

// Enabled reports whether the ledger persists anything.
func (l *Ledger) Enabled() bool { return l.conn != nil }

// Session returns the session ID rows are recorded under.
func (l *Ledger) Session() string { return l.session }

// Close closes the underlying database connection.
func (l *Ledger) Close() error {
	if l.conn == nil {
		return nil
	}
	return l.conn.Close()
}

// Ping verifies the database connection is alive.
func (l *Ledger) Ping(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	return l.conn.PingContext(ctx)
}

// Record notes that the session created a resource. Recording the same
// resource twice keeps the first row.
func (l *Ledger) Record(ctx context.Context, kind Kind, providerID int, name, target string) error {
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, `
		INSERT INTO resources (kind, provider_id, name, target, session, worker, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (kind, provider_id) DO NOTHING`,
		string(kind), providerID, name, target, l.session, l.worker,
		l.now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record %s %d: %w", kind, providerID, err)
	}
	return nil
}

// MarkDestroyed notes that a resource is gone. Unknown and already-destroyed
// resources are left untouched.
func (l *Ledger) MarkDestroyed(ctx context.Context, kind Kind, providerID int) error {
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, `
		UPDATE resources SET destroyed_at = ?
		WHERE kind = ? AND provider_id = ? AND destroyed_at IS NULL`,
		l.now().UTC().Format(time.RFC3339), string(kind), providerID,
	)
	if err != nil {
		return fmt.Errorf("mark %s %d destroyed: %w", kind, providerID, err)
	}
	return nil
}

// Outstanding returns every resource not yet marked destroyed, across all
// sessions, oldest first.
func (l *Ledger) Outstanding(ctx context.Context) ([]Resource, error) {
	if l.conn == nil {
		return nil, nil
	}
	rows, err := l.conn.QueryContext(ctx, `
		SELECT kind, provider_id, name, target, session, worker, created_at, destroyed_at
		FROM resources WHERE destroyed_at IS NULL
		ORDER BY created_at, kind, provider_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Resource
	for rows.Next() {
		r, err := scanRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Sweep calls reap for every outstanding resource of the given kind, or of
// every kind when kind is empty, and marks each one reap handled without
// error as destroyed. Every resource is attempted; failures are joined.
func (l *Ledger) Sweep(ctx context.Context, kind Kind, reap func(ctx context.Context, r Resource) error) (int, error) {
	rs, err := l.Outstanding(ctx)
	if err != nil {
		return 0, err
	}
	var (
		errs []error
		n    int
	)
	for _, r := range rs {
		if kind != "" && r.Kind != kind {
			continue
		}
		if err := reap(ctx, r); err != nil {
			errs = append(errs, fmt.Errorf("%s %s (%d): %w", r.Kind, r.Name, r.ProviderID, err))
			continue
		}
		if err := l.MarkDestroyed(ctx, r.Kind, r.ProviderID); err != nil {
			errs = append(errs, err)
			continue
		}
		n++
	}
	return n, errors.Join(errs...)
}

func scanRows(rows *sql.Rows) (Resource, error) {
	var (
		r           Resource
		kind        string
		createdAt   string
		destroyedAt sql.NullString
	)
	if err := rows.Scan(&kind, &r.ProviderID, &r.Name, &r.Target, &r.Session, &r.Worker, &createdAt, &destroyedAt); err != nil {
		return Resource{}, err
	}
	r.Kind = Kind(kind)
	var err error
	r.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return Resource{}, fmt.Errorf("parse created_at %q: %w", createdAt, err)
	}
	if destroyedAt.Valid {
		t, err := time.Parse(time.RFC3339, destroyedAt.String)
		if err != nil {
			return Resource{}, fmt.Errorf("parse destroyed_at %q: %w", destroyedAt.String, err)
		}
		r.DestroyedAt = &t
	}
	return r, nil
}
