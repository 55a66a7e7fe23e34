package engine

import (
	"context"
	"strings"
	"time"

	"github.com/normanking/hybridmemory/internal/memstore"
	"github.com/normanking/hybridmemory/pkg/types"
)

// AddMemoryRequest is memory.add's input (spec §6).
type AddMemoryRequest struct {
	Content    string
	Metadata   map[string]string
	LayerHint  *types.Layer
	SessionID  string
	EpisodeID  string
	References []memstore.Reference
}

// AddMemoryResult is memory.add's output.
type AddMemoryResult struct {
	ID       string
	Layer    types.Layer
	Warnings []string
}

// AddMemory runs memory.add (spec §4.7, §6). Empty content is rejected
// before it ever reaches memstore, per the INVALID_INPUT boundary behavior
// in spec §8.
func (e *Engine) AddMemory(ctx context.Context, req AddMemoryRequest) (*AddMemoryResult, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, InvalidInput("content must not be empty")
	}
	release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	start := time.Now()
	defer e.track(start)

	res, warnings, err := e.memory.Add(ctx, memstore.AddRequest{
		Content:    req.Content,
		Metadata:   req.Metadata,
		LayerHint:  req.LayerHint,
		SessionID:  req.SessionID,
		EpisodeID:  req.EpisodeID,
		References: req.References,
	})
	if err != nil {
		return nil, Internal("memory.add", err)
	}
	return &AddMemoryResult{ID: res.ID, Layer: res.Layer, Warnings: warnings}, nil
}

// SearchMemoryResult is memory.search's output.
type SearchMemoryResult struct {
	Results []memstore.SearchHit
	TookMs  int64
}

// SearchMemory runs memory.search, delegating to the wired Fusion
// Retriever (spec §4.7 search()).
func (e *Engine) SearchMemory(ctx context.Context, q string, limit int, filters memstore.SearchFilters) (*SearchMemoryResult, error) {
	release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	start := time.Now()
	defer e.track(start)

	hits, err := e.memory.Search(ctx, q, limit, filters)
	if err != nil {
		return nil, Internal("memory.search", err)
	}
	return &SearchMemoryResult{Results: hits, TookMs: time.Since(start).Milliseconds()}, nil
}

// UpdateMemoryRequest is memory.update's input.
type UpdateMemoryRequest struct {
	Content  *string
	Metadata map[string]string
}

// UpdateMemoryResult is memory.update's output.
type UpdateMemoryResult struct {
	ID             string
	Version        int64
	Reembedded     bool
	UpdatedIndices []string
	Warnings       []string
}

// UpdateMemory runs memory.update (spec §4.7 update()), resolving unknown
// ids to NOT_FOUND before delegating to memstore.
func (e *Engine) UpdateMemory(ctx context.Context, id string, req UpdateMemoryRequest) (*UpdateMemoryResult, error) {
	release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	start := time.Now()
	defer e.track(start)

	if _, ok, err := e.memory.Get(ctx, id); err != nil {
		return nil, Internal("memory.update: lookup", err)
	} else if !ok {
		return nil, NotFound("memory %s not found", id)
	}

	res, warnings, err := e.memory.Update(ctx, id, memstore.UpdateRequest{Content: req.Content, Metadata: req.Metadata})
	if err != nil {
		return nil, Internal("memory.update", err)
	}
	return &UpdateMemoryResult{
		ID:             id,
		Version:        res.Version,
		Reembedded:     res.Reembedded,
		UpdatedIndices: res.UpdatedIndices,
		Warnings:       warnings,
	}, nil
}

// DeleteMemoryResult is memory.delete's output.
type DeleteMemoryResult struct {
	Deleted  bool
	Cascaded int
	Warnings []string
}

// DeleteMemory runs memory.delete (spec §4.7 delete()). An unknown id is
// not an error here -- memstore.Delete already reports {deleted:false} for
// it, matching memory.delete's documented {deleted, cascaded} shape rather
// than NOT_FOUND (only document.retrieve's boundary case is spelled out in
// spec §8 as NOT_FOUND-on-unknown-id).
func (e *Engine) DeleteMemory(ctx context.Context, id string, backup bool) (*DeleteMemoryResult, error) {
	release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	start := time.Now()
	defer e.track(start)

	res, warnings, err := e.memory.Delete(ctx, id, backup)
	if err != nil {
		return nil, Internal("memory.delete", err)
	}
	return &DeleteMemoryResult{Deleted: res.Deleted, Cascaded: res.Cascaded, Warnings: warnings}, nil
}

// AccessMemory runs memory.access (spec §4.7 access()): bumps access_count
// and last_access_ts, contributing to the next consolidation pass.
func (e *Engine) AccessMemory(ctx context.Context, id string) (*memstore.Memory, error) {
	release, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	start := time.Now()
	defer e.track(start)

	m, err := e.memory.Access(ctx, id)
	if err != nil {
		return nil, NotFound("memory %s not found", id)
	}
	return m, nil
}
