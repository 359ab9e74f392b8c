// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package gentest provides a scripted generation.Service for tests.
package gentest

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/jeranaias/rigrun-chat/internal/generation"
)

// Step is one scripted Recv result.
type Step struct {
	Chunk generation.Chunk
	Err   error

	// Delay is slept before the step is delivered.
	Delay time.Duration

	// Gate, when set, blocks the step until the channel is closed.
	Gate <-chan struct{}
}

// Script describes the reply to one Generate call.
type Script struct {
	// GenerateErr is returned by Generate itself.
	GenerateErr error
	Steps       []Step
}

// Text returns a script that streams the given pieces and ends cleanly.
func Text(pieces ...string) Script {
	s := Script{}
	for _, p := range pieces {
		s.Steps = append(s.Steps, Step{Chunk: generation.Chunk{Text: p}})
	}
	return s
}

// Then appends a terminal error after the scripted chunks.
func (s Script) Then(err error) Script {
	s.Steps = append(s.Steps, Step{Err: err})
	return s
}

// GatedAt blocks step i until gate is closed.
func (s Script) GatedAt(i int, gate <-chan struct{}) Script {
	steps := append([]Step(nil), s.Steps...)
	for len(steps) <= i {
		steps = append(steps, Step{})
	}
	steps[i].Gate = gate
	s.Steps = steps
	return s
}

// Service replays scripts in order. When no script is queued, Generate
// returns a stream that ends immediately.
type Service struct {
	mu       sync.Mutex
	scripts  []Script
	requests []generation.Request
}

// New creates a service with the given scripts queued.
func New(scripts ...Script) *Service {
	return &Service{scripts: scripts}
}

// Push queues more scripts.
func (s *Service) Push(scripts ...Script) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts = append(s.scripts, scripts...)
}

// Requests returns every request seen so far.
func (s *Service) Requests() []generation.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]generation.Request(nil), s.requests...)
}

// Calls returns the number of Generate calls.
func (s *Service) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// Generate implements generation.Service.
func (s *Service) Generate(ctx context.Context, req generation.Request) (generation.Stream, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	var script Script
	if len(s.scripts) > 0 {
		script = s.scripts[0]
		s.scripts = s.scripts[1:]
	}
	s.mu.Unlock()

	if script.GenerateErr != nil {
		return nil, script.GenerateErr
	}
	return &stream{ctx: ctx, steps: script.Steps, closed: make(chan struct{})}, nil
}

type stream struct {
	ctx   context.Context
	steps []Step
	pos   int

	closeOnce sync.Once
	closed    chan struct{}
}

func (st *stream) Recv() (generation.Chunk, error) {
	if st.pos >= len(st.steps) {
		return generation.Chunk{}, io.EOF
	}
	step := st.steps[st.pos]
	st.pos++

	if step.Delay > 0 {
		timer := time.NewTimer(step.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-st.ctx.Done():
			return generation.Chunk{}, st.ctx.Err()
		case <-st.closed:
			return generation.Chunk{}, context.Canceled
		}
	}
	if step.Gate != nil {
		select {
		case <-step.Gate:
		case <-st.ctx.Done():
			return generation.Chunk{}, st.ctx.Err()
		case <-st.closed:
			return generation.Chunk{}, context.Canceled
		}
	}
	if err := st.ctx.Err(); err != nil {
		return generation.Chunk{}, err
	}
	if step.Err != nil {
		return generation.Chunk{}, step.Err
	}
	return step.Chunk, nil
}

func (st *stream) Close() error {
	st.closeOnce.Do(func() { close(st.closed) })
	return nil
}
