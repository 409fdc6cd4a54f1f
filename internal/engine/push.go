package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/driftline/driftline/internal/outbox"
	"github.com/driftline/driftline/internal/remote"
	"github.com/driftline/driftline/internal/schema"
)

// Pusher drains the outbox to the remote store.
type Pusher struct {
	reg       *schema.Registry
	outbox    *outbox.Store
	remote    remote.Store
	principal string
	logger    *log.Logger
	now       func() time.Time
}

// PushResult summarizes one push pass.
type PushResult struct {
	Pushed int
	Failed int
}

// PushAll attempts every eligible outbox entry in FIFO order.
//
// Each entry is claimed (in_flight), sent, and acknowledged (synced) or
// recorded as failed with its cause. A failing entry does not block the
// rest of the queue; entries behind it for other entities still go out
// this cycle. The pass aborts early only when the remote is down, since
// every remaining entry would fail the same way.
func (p *Pusher) PushAll(ctx context.Context) (PushResult, error) {
	var result PushResult

	entries, err := p.outbox.ListEligible(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to list outbox: %w", err)
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		if err := p.outbox.MarkInFlight(ctx, entry.ID); err != nil {
			// Claimed by a concurrent cycle; skip, never double-send.
			p.logger.Printf("Skipping entry %d: %v", entry.ID, err)
			continue
		}

		err := p.pushOne(ctx, entry)
		if err == nil {
			if err := p.outbox.MarkSynced(ctx, entry.ID); err != nil {
				return result, fmt.Errorf("failed to acknowledge entry %d: %w", entry.ID, err)
			}
			result.Pushed++
			continue
		}

		result.Failed++
		if markErr := p.outbox.MarkFailed(ctx, entry.ID, err); markErr != nil {
			return result, fmt.Errorf("failed to record failure of entry %d: %w", entry.ID, markErr)
		}
		if errors.Is(err, remote.ErrUnavailable) {
			return result, err
		}
	}

	return result, nil
}

// pushOne sends a single mutation to the remote store.
func (p *Pusher) pushOne(ctx context.Context, entry *outbox.Entry) error {
	col, ok := p.reg.Get(entry.EntityType)
	if !ok {
		return fmt.Errorf("unknown collection %q", entry.EntityType)
	}
	table := col.RemoteTable()

	if entry.Operation == outbox.OpDelete {
		deletedAt := payloadTime(entry.Payload, "deletedAt", entry.CreatedAt)
		return p.remote.Delete(ctx, table, entry.EntityID, p.principal,
			entry.ClientEventID, deletedAt)
	}

	row := remote.Row{
		ID:        entry.EntityID,
		Principal: p.principal,
		EventID:   entry.ClientEventID,
		UpdatedAt: payloadTime(entry.Payload, "updatedAt", entry.CreatedAt),
		Columns:   col.ToRemoteFields(entry.Payload),
	}
	return p.remote.Upsert(ctx, table, row)
}

// payloadTime reads an RFC 3339 timestamp from an outbox payload,
// falling back to the entry's enqueue time. Payloads round-trip through
// JSON, so timestamps arrive as strings.
func payloadTime(payload map[string]any, key string, fallback time.Time) time.Time {
	raw, ok := payload[key].(string)
	if !ok {
		return fallback
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return fallback
	}
	return t
}
