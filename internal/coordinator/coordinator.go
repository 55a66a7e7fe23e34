// Package coordinator implements the cross-index consistency protocol
// (spec §4.10, C10): every externally visible mutation commits its primary
// records and graph mutations as one atomic KV "anchor commit", then
// applies text- and vector-index updates best-effort, enqueueing a
// repair-queue item on failure instead of rolling back the anchor.
//
// This mirrors the rationale section of spec §4.10 almost verbatim ("the KV
// anchor commit is the source of truth... other indices are recoverable
// derivatives"); no single teacher file implements this exact protocol (the
// closest analogue, RedClaus-cortex/core/internal/knowledge/fabric.go,
// composes store/searcher/merger via small interfaces the way this package
// composes kv/textindex/vectorindex), so the protocol itself follows the
// spec directly while the composition style follows fabric.go.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/normanking/hybridmemory/internal/kv"
	"github.com/normanking/hybridmemory/internal/logging"
	"github.com/normanking/hybridmemory/internal/textindex"
	"github.com/normanking/hybridmemory/internal/vectorindex"
)

var log = logging.Component("coordinator")

const keyRepairPrefix = "repair_queue:"

// TextOp is one text-index mutation to apply best-effort after the anchor.
type TextOp struct {
	ID     string
	Kind   textindex.Kind
	Text   string // ignored when Remove is true
	Remove bool
}

// VectorOp is one vector-index mutation to apply best-effort after the
// anchor.
type VectorOp struct {
	ID     string
	Vector []float32 // ignored when Remove is true
	Remove bool
}

// RepairItem records a derivative-index update that failed and must be
// retried by the next maintenance pass (spec §4.10 step 4).
type RepairItem struct {
	ID           string `json:"id"`
	FailedText   bool   `json:"failed_text,omitempty"`
	FailedVector bool   `json:"failed_vector,omitempty"`
	Reason       string `json:"reason"`
	EnqueuedAt   int64  `json:"enqueued_at"`
}

// Coordinator wraps the KV store and the two derivative indices.
type Coordinator struct {
	store  *kv.Store
	text   *textindex.Index
	vector *vectorindex.Index
}

// New constructs a Coordinator over the given store and indices.
func New(store *kv.Store, text *textindex.Index, vector *vectorindex.Index) *Coordinator {
	return &Coordinator{store: store, text: text, vector: vector}
}

// Commit runs the staged-transaction protocol: anchorOps commit atomically
// first; textOps and vectorOps are then applied best-effort. Warnings
// describe any derivative-index failure (callers surface them in a
// `warnings[]` response field per spec §7's propagation policy); the
// returned error is non-nil only if the anchor commit itself failed.
func (c *Coordinator) Commit(ctx context.Context, now int64, anchorOps []kv.Op, textOps []TextOp, vectorOps []VectorOp) (warnings []string, err error) {
	if err := c.store.Batch(ctx, anchorOps); err != nil {
		return nil, fmt.Errorf("coordinator: anchor commit failed: %w", err)
	}

	items := map[string]*RepairItem{}
	itemFor := func(id string) *RepairItem {
		if item, ok := items[id]; ok {
			return item
		}
		item := &RepairItem{ID: id, EnqueuedAt: now}
		items[id] = item
		return item
	}

	for _, op := range textOps {
		if applyErr := c.applyText(ctx, op); applyErr != nil {
			log.Warn().Err(applyErr).Str("id", op.ID).Msg("text-index update failed after anchor commit")
			warnings = append(warnings, fmt.Sprintf("text index update failed for %s: %v", op.ID, applyErr))
			item := itemFor(op.ID)
			item.FailedText = true
			item.Reason = applyErr.Error()
		}
	}
	for _, op := range vectorOps {
		if applyErr := c.applyVector(ctx, op); applyErr != nil {
			log.Warn().Err(applyErr).Str("id", op.ID).Msg("vector-index update failed after anchor commit")
			warnings = append(warnings, fmt.Sprintf("vector index update failed for %s: %v", op.ID, applyErr))
			item := itemFor(op.ID)
			item.FailedVector = true
			item.Reason = applyErr.Error()
		}
	}

	for id, item := range items {
		if enqueueErr := c.enqueueRepair(ctx, *item); enqueueErr != nil {
			log.Error().Err(enqueueErr).Str("id", id).Msg("failed to enqueue repair item")
		}
	}

	return warnings, nil
}

func (c *Coordinator) applyText(ctx context.Context, op TextOp) error {
	if op.Remove {
		return c.text.Remove(ctx, op.ID)
	}
	return c.text.Upsert(ctx, op.ID, op.Kind, op.Text)
}

func (c *Coordinator) applyVector(ctx context.Context, op VectorOp) error {
	if op.Remove {
		return c.vector.Remove(ctx, op.ID)
	}
	return c.vector.Insert(ctx, op.ID, op.Vector)
}

func (c *Coordinator) enqueueRepair(ctx context.Context, item RepairItem) error {
	b, err := json.Marshal(item)
	if err != nil {
		return err
	}
	return c.store.Put(ctx, []byte(keyRepairPrefix+item.ID), b)
}

// Resolver fetches the current content/vector needed to retry a repair
// item, keyed by id. exists=false means the primary record itself is gone
// (the item should simply be dropped; orphan cleanup handles the rest).
type Resolver func(ctx context.Context, id string) (text string, kind textindex.Kind, vec []float32, hasVector bool, exists bool, err error)

// DrainRepairQueue retries every queued repair item using resolve, removing
// items that succeed (or whose primary record no longer exists) and leaving
// the rest queued for the next maintenance pass (spec §4.9/§4.10).
func (c *Coordinator) DrainRepairQueue(ctx context.Context, resolve Resolver) (drained int, remaining int, err error) {
	rows, err := c.store.ScanPrefix(ctx, []byte(keyRepairPrefix))
	if err != nil {
		return 0, 0, fmt.Errorf("coordinator: scan repair queue: %w", err)
	}

	for key, raw := range rows {
		var item RepairItem
		if err := json.Unmarshal(raw, &item); err != nil {
			_ = c.store.Delete(ctx, []byte(key))
			continue
		}

		text, kind, vec, hasVector, exists, resolveErr := resolve(ctx, item.ID)
		if resolveErr != nil {
			remaining++
			continue
		}
		if !exists {
			_ = c.store.Delete(ctx, []byte(key))
			drained++
			continue
		}

		ok := true
		if item.FailedText {
			if err := c.text.Upsert(ctx, item.ID, kind, text); err != nil {
				ok = false
			} else {
				item.FailedText = false
			}
		}
		if item.FailedVector && hasVector {
			if err := c.vector.Insert(ctx, item.ID, vec); err != nil {
				ok = false
			} else {
				item.FailedVector = false
			}
		}

		if ok {
			_ = c.store.Delete(ctx, []byte(key))
			drained++
		} else {
			b, _ := json.Marshal(item)
			_ = c.store.Put(ctx, []byte(key), b)
			remaining++
		}
	}
	return drained, remaining, nil
}
