package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tphummel/lab_matrix/internal/cloudapi"
	"github.com/tphummel/lab_matrix/internal/retry"
)

// Action polling bounds: power off within 5 minutes, snapshot within 30.
const (
	PowerOffTimeout = 5 * time.Minute
	SnapshotTimeout = 30 * time.Minute
	actionInterval  = 10 * time.Second
)

// ErrActionFailed is returned when the provider reports an action errored.
var ErrActionFailed = errors.New("action errored")

func (p *Provisioner) waitAction(ctx context.Context, a *cloudapi.Action, timeout time.Duration) error {
	policy := retry.Policy{Timeout: timeout, Interval: actionInterval, Clock: p.clock}
	return policy.Do(ctx, func(ctx context.Context, attempt int) error {
		cur, err := p.api.GetAction(ctx, a.ID)
		if err != nil {
			return err
		}
		switch cur.Status {
		case cloudapi.ActionCompleted:
			return nil
		case cloudapi.ActionErrored:
			return retry.Stop(fmt.Errorf("%s action %d: %w", cur.Type, cur.ID, ErrActionFailed))
		default:
			return fmt.Errorf("%s action %d: %s", cur.Type, cur.ID, cur.Status)
		}
	})
}

// PowerOff shuts machine id down and waits for the action to complete.
func (p *Provisioner) PowerOff(ctx context.Context, id int) error {
	a, err := p.api.PowerOff(ctx, id)
	if err != nil {
		return err
	}
	if err := p.waitAction(ctx, a, PowerOffTimeout); err != nil {
		return fmt.Errorf("power off machine %d: %w", id, err)
	}
	return nil
}

// Snapshot images a powered-off machine under name and returns the new
// snapshot's ID.
func (p *Provisioner) Snapshot(ctx context.Context, id int, name string) (string, error) {
	a, err := p.api.TakeSnapshot(ctx, id, name)
	if err != nil {
		return "", err
	}
	if err := p.waitAction(ctx, a, SnapshotTimeout); err != nil {
		return "", fmt.Errorf("snapshot machine %d: %w", id, err)
	}
	snaps, err := p.api.DropletSnapshots(ctx, id)
	if err != nil {
		return "", err
	}
	if len(snaps) == 0 {
		return "", fmt.Errorf("no snapshots found on machine %d after snapshot %q", id, name)
	}
	return string(snaps[len(snaps)-1].ID), nil
}

// DeleteSnapshot removes snapshot id. A snapshot that is already gone counts
// as deleted.
func (p *Provisioner) DeleteSnapshot(ctx context.Context, id string) error {
	if err := p.api.DeleteSnapshot(ctx, id); err != nil && !cloudapi.IsNotFound(err) {
		return err
	}
	return nil
}
