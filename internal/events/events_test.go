package events_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tphummel/lab_matrix/internal/events"
)

type message struct {
	subject string
	data    []byte
}

type fakeConn struct {
	mu      sync.Mutex
	msgs    []message
	err     error
	drained bool
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, message{subject, data})
	return nil
}

func (c *fakeConn) Drain() error {
	c.drained = true
	return nil
}

func (c *fakeConn) Close() {}

func TestConnect_EmptyURLIsNoop(t *testing.T) {
	b, err := events.Connect("", "test", nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if b.Enabled() {
		t.Error("expected disabled bus")
	}
	b.MachineCreated(context.Background(), events.MachineEvent{MachineID: 1})
	b.Close()
}

func TestPublish_Subjects(t *testing.T) {
	conn := &fakeConn{}
	b := events.New(conn, nil)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	b.MachineCreated(ctx, events.MachineEvent{Session: "s", Target: "debian-12", MachineID: 42, Time: now})
	b.MachineDestroyed(ctx, events.MachineEvent{Session: "s", MachineID: 42, Time: now})
	b.SessionCleanup(ctx, events.CleanupEvent{Session: "s", Primary: true, Ran: []string{"sweep-tag"}, Time: now})
	b.Close()

	want := []string{events.SubjectMachineCreated, events.SubjectMachineDestroyed, events.SubjectSessionCleanup}
	if len(conn.msgs) != len(want) {
		t.Fatalf("got %d messages, want %d", len(conn.msgs), len(want))
	}
	for i, s := range want {
		if conn.msgs[i].subject != s {
			t.Errorf("msg %d: subject %q, want %q", i, conn.msgs[i].subject, s)
		}
	}

	var got events.MachineEvent
	if err := json.Unmarshal(conn.msgs[0].data, &got); err != nil {
		t.Fatal(err)
	}
	if got.MachineID != 42 || got.Target != "debian-12" {
		t.Errorf("decoded: %+v", got)
	}
	if !conn.drained {
		t.Error("Close did not drain")
	}
}

func TestPublish_FailureIsLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	b := events.New(&fakeConn{err: errors.New("nats: connection closed")}, logger)

	b.MachineCreated(context.Background(), events.MachineEvent{MachineID: 1})

	if !strings.Contains(buf.String(), "event publish failed") {
		t.Errorf("expected warning, got %q", buf.String())
	}
}
