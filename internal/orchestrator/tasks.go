// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"sync"
)

// =============================================================================
// TASK REGISTRY (THREAD-SAFE)
// =============================================================================

// task is one running stream. done is closed when the stream has written
// its final state.
type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// taskRegistry holds the cancel function of every running stream, keyed by
// the assistant message it writes to. At most one task per message.
type taskRegistry struct {
	mu    sync.Mutex
	tasks map[string]*task
}

func newTaskRegistry() *taskRegistry {
	return &taskRegistry{tasks: make(map[string]*task)}
}

// start registers a task for id. Any task already writing to id is
// cancelled and waited for first.
func (r *taskRegistry) start(id string, cancel context.CancelFunc) *task {
	r.stop(id, true)

	t := &task{cancel: cancel, done: make(chan struct{})}
	r.mu.Lock()
	r.tasks[id] = t
	r.mu.Unlock()
	return t
}

// stop cancels the task for id. When wait is set it blocks until that task
// has finished. Safe to call when nothing is running.
func (r *taskRegistry) stop(id string, wait bool) bool {
	r.mu.Lock()
	t, ok := r.tasks[id]
	r.mu.Unlock()
	if !ok {
		return false
	}
	t.cancel()
	if wait {
		<-t.done
	}
	return true
}

// finish removes t under whatever ID it now has and releases any waiter.
func (r *taskRegistry) finish(t *task) {
	r.mu.Lock()
	for id, cur := range r.tasks {
		if cur == t {
			delete(r.tasks, id)
		}
	}
	r.mu.Unlock()
	t.cancel()
	close(t.done)
}

// rekey moves a task to a new message ID.
func (r *taskRegistry) rekey(from, to string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[from]; ok {
		delete(r.tasks, from)
		r.tasks[to] = t
	}
}

// cancelAll cancels every running task without waiting.
func (r *taskRegistry) cancelAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.tasks {
		t.cancel()
	}
}

func (r *taskRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}
