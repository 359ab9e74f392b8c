// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package grounding tracks per-message web-search status and evidence while
// a reply is streaming.
//
// Status and metadata live in one entry under one lock, so a reader never
// sees a status keyed by one ID and metadata keyed by another, not even in
// the middle of a transient-to-durable remap.
package grounding

import (
	"sync"

	"github.com/jeranaias/rigrun-chat/internal/model"
)

// Entry is the grounding state of one message.
type Entry struct {
	Status   model.GroundingStatus
	Metadata *model.GroundingMetadata
}

// Registry maps message IDs to grounding entries. Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Get returns a copy of the entry for id.
func (r *Registry) Get(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return Entry{Status: e.Status, Metadata: e.Metadata.Clone()}, true
}

// SetStatus records a status, keeping any metadata already present.
func (r *Registry) SetStatus(id string, status model.GroundingStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[id]
	e.Status = status
	r.entries[id] = e
}

// SetMetadata records evidence, keeping the current status.
func (r *Registry) SetMetadata(id string, md *model.GroundingMetadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.entries[id]
	e.Metadata = md.Clone()
	r.entries[id] = e
}

// Replace overwrites the whole entry for id.
func (r *Registry) Replace(id string, entry Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = Entry{Status: entry.Status, Metadata: entry.Metadata.Clone()}
}

// Remove drops the entry for id.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Remap moves the entry from one ID to another in a single step. An entry
// already stored under to is overwritten. Returns false if from is unknown.
func (r *Registry) Remap(from, to string) bool {
	if from == to {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[from]
	if !ok {
		return false
	}
	delete(r.entries, from)
	r.entries[to] = e
	return true
}
