// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/rigrun-chat/internal/generation"
	"github.com/jeranaias/rigrun-chat/internal/grounding"
	"github.com/jeranaias/rigrun-chat/internal/lifecycle"
	"github.com/jeranaias/rigrun-chat/internal/memory"
	"github.com/jeranaias/rigrun-chat/internal/model"
	"github.com/jeranaias/rigrun-chat/internal/ratelimit"
	"github.com/jeranaias/rigrun-chat/internal/storage"
	"github.com/jeranaias/rigrun-chat/internal/stream"
	"github.com/jeranaias/rigrun-chat/internal/telemetry"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// MessageStore is the part of storage.Store the orchestrator writes to.
type MessageStore interface {
	CreateChat(ctx context.Context, chat *model.Chat) error
	GetChat(ctx context.Context, id string) (*model.Chat, error)
	AppendUserMessage(ctx context.Context, msg model.Message) (string, error)
	AppendOrCreateAssistantChunk(ctx context.Context, chunk storage.AssistantChunk) (string, error)
	OverwriteText(ctx context.Context, id, text string, at time.Time) error
	UpdateStreamState(ctx context.Context, id string, state model.StreamState, truncated bool, at time.Time) error
	MarkError(ctx context.Context, id, errMsg string, state model.StreamState, at time.Time) error
	ListMessages(ctx context.Context, chatID string) ([]*model.Message, error)
}

// RateLimiter gates every generation request.
type RateLimiter interface {
	CanSend() (allowed bool, retryAfterSeconds int)
	RecordSend()
}

// Ingestor accepts completed exchanges for long-term memory. Submit must
// not block.
type Ingestor interface {
	Submit(rec memory.Record) bool
}

// Observer is told about every change to a message. It is called outside
// the orchestrator lock and must not block for long.
type Observer interface {
	MessageUpdated(msg model.Message)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(msg model.Message)

// MessageUpdated calls f.
func (f ObserverFunc) MessageUpdated(msg model.Message) {
	f(msg)
}

// =============================================================================
// OPTIONS
// =============================================================================

// DefaultContinuationTail is how much of a truncated reply is quoted back
// to the service when asking it to continue.
const DefaultContinuationTail = 200

// Options wires an Orchestrator. Generator is required.
type Options struct {
	Generator generation.Service

	// Store is optional; without it nothing is persisted.
	Store MessageStore

	// Limiter defaults to ratelimit.Unlimited.
	Limiter RateLimiter

	// RegenerateThrottle is shared across chats. Defaults to a private
	// one-second throttle.
	RegenerateThrottle *ratelimit.Throttle

	// Memory is optional.
	Memory Ingestor

	Flush            stream.FlushPolicy
	ContinuationTail int

	// Grounding is the default for sends that do not say otherwise.
	Grounding bool

	Logger  *zap.Logger
	Metrics *telemetry.Metrics
	Usage   *telemetry.Usage

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

func (o *Options) normalize() error {
	if o.Generator == nil {
		return errors.New("orchestrator: generator is required")
	}
	if o.Limiter == nil {
		o.Limiter = ratelimit.Unlimited()
	}
	if o.RegenerateThrottle == nil {
		o.RegenerateThrottle = ratelimit.NewThrottle(ratelimit.DefaultThrottleInterval)
	}
	if o.Flush == (stream.FlushPolicy{}) {
		o.Flush = stream.DefaultFlushPolicy()
	}
	if o.ContinuationTail <= 0 {
		o.ContinuationTail = DefaultContinuationTail
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return nil
}

// =============================================================================
// ORCHESTRATOR
// =============================================================================

// entry is the per-message bookkeeping kept next to the conversation.
type entry struct {
	machine   *lifecycle.Machine
	incognito bool
	grounding bool
}

// Orchestrator coordinates the streaming turns of one chat.
type Orchestrator struct {
	chat   model.Chat
	opts   Options
	logger *zap.Logger

	mu            sync.Mutex
	conv          *model.Conversation
	entries       map[string]*entry
	sending       bool
	sendCancel    context.CancelFunc
	cooldownUntil time.Time
	closed        bool

	grounding *grounding.Registry
	tasks     *taskRegistry

	obsMu     sync.RWMutex
	observers map[int]Observer
	nextObs   int

	scope       context.Context
	cancelScope context.CancelFunc
	wg          sync.WaitGroup
}

// New creates an orchestrator for a fresh chat. When the chat persists, its
// row is created in the store.
func New(ctx context.Context, chat *model.Chat, opts Options) (*Orchestrator, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	if opts.Store != nil && chat.PersistsTurns(false) {
		if err := opts.Store.CreateChat(ctx, chat); err != nil {
			return nil, fmt.Errorf("create chat: %w", err)
		}
	}
	return newOrchestrator(chat, model.NewConversation(chat.ID), opts), nil
}

// Open loads an existing chat and its messages from the store. Messages
// left streaming by a previous process are settled as COMPLETE.
func Open(ctx context.Context, chatID string, opts Options) (*Orchestrator, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	if opts.Store == nil {
		return nil, errors.New("orchestrator: open requires a store")
	}
	chat, err := opts.Store.GetChat(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("open chat: %w", err)
	}
	msgs, err := opts.Store.ListMessages(ctx, chatID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	now := opts.Now()
	for _, m := range msgs {
		if !m.IsStreaming() {
			continue
		}
		m.StreamState = model.StreamComplete
		m.Truncated = false
		if err := opts.Store.UpdateStreamState(ctx, m.ID, model.StreamComplete, false, now); err != nil {
			opts.Logger.Warn("settle stale stream failed", zap.String("message_id", m.ID), zap.Error(err))
		}
	}

	o := newOrchestrator(chat, model.NewConversationFrom(chat.ID, msgs), opts)
	for _, m := range msgs {
		if m.GroundingStatus != model.GroundingNone && m.GroundingStatus != "" {
			o.grounding.Replace(m.ID, grounding.Entry{
				Status:   m.GroundingStatus,
				Metadata: m.GroundingMetadata.Clone(),
			})
		}
	}
	return o, nil
}

func newOrchestrator(chat *model.Chat, conv *model.Conversation, opts Options) *Orchestrator {
	scope, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		chat:        *chat,
		opts:        opts,
		logger:      opts.Logger.Named("orchestrator").With(zap.String("chat_id", chat.ID)),
		conv:        conv,
		entries:     make(map[string]*entry),
		grounding:   grounding.NewRegistry(),
		tasks:       newTaskRegistry(),
		observers:   make(map[int]Observer),
		scope:       scope,
		cancelScope: cancel,
	}
	for _, m := range conv.Snapshot() {
		o.entries[m.ID] = &entry{machine: lifecycle.Resume(m.StreamState, m.Truncated)}
	}
	return o
}

// Close cancels every running turn and waits for them to settle.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.cancelScope()
	o.tasks.cancelAll()
	o.wg.Wait()
	return nil
}

// =============================================================================
// ACCESSORS
// =============================================================================

// Chat returns the chat this orchestrator serves.
func (o *Orchestrator) Chat() model.Chat {
	return o.chat
}

// Messages returns a copy of the conversation in order.
func (o *Orchestrator) Messages() []model.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.conv.Snapshot()
}

// Message returns a copy of one message.
func (o *Orchestrator) Message(id string) (model.Message, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	m := o.conv.Get(id)
	if m == nil {
		return model.Message{}, false
	}
	return m.Clone(), true
}

// Grounding returns the live grounding entry of a message.
func (o *Orchestrator) Grounding(id string) (grounding.Entry, bool) {
	return o.grounding.Get(id)
}

// Sending reports whether a send is in flight.
func (o *Orchestrator) Sending() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sending
}

// Streaming reports how many turns are writing right now.
func (o *Orchestrator) Streaming() int {
	return o.tasks.len()
}

// CooldownRemaining is how long the last rate-limit refusal asked to wait.
func (o *Orchestrator) CooldownRemaining() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	if d := o.cooldownUntil.Sub(o.opts.Now()); d > 0 {
		return d
	}
	return 0
}

// Subscribe registers an observer and returns a function that removes it.
func (o *Orchestrator) Subscribe(obs Observer) func() {
	o.obsMu.Lock()
	id := o.nextObs
	o.nextObs++
	o.observers[id] = obs
	o.obsMu.Unlock()
	return func() {
		o.obsMu.Lock()
		delete(o.observers, id)
		o.obsMu.Unlock()
	}
}

func (o *Orchestrator) notify(msg model.Message) {
	o.obsMu.RLock()
	defer o.obsMu.RUnlock()
	for _, obs := range o.observers {
		obs.MessageUpdated(msg)
	}
}

// =============================================================================
// STOPPING
// =============================================================================

// StopStreaming cancels the in-flight send, if any. Idempotent.
func (o *Orchestrator) StopStreaming() bool {
	o.mu.Lock()
	cancel := o.sendCancel
	o.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

// StopMessage cancels whatever turn is writing to one message. Idempotent.
func (o *Orchestrator) StopMessage(id string) bool {
	return o.tasks.stop(id, false)
}

// =============================================================================
// INTERNAL HELPERS
// =============================================================================

// rekey moves a message and everything keyed by its ID in one critical
// section, so no reader sees the old ID in one place and the new in another.
// Callers hold o.mu.
func (o *Orchestrator) rekeyLocked(from, to string) {
	if from == to {
		return
	}
	o.conv.Rekey(from, to)
	if e, ok := o.entries[from]; ok {
		delete(o.entries, from)
		o.entries[to] = e
	}
	o.grounding.Remap(from, to)
	o.tasks.rekey(from, to)
}

func (o *Orchestrator) entryLocked(msg *model.Message) *entry {
	e, ok := o.entries[msg.ID]
	if !ok {
		e = &entry{
			machine:   lifecycle.Resume(msg.StreamState, msg.Truncated),
			grounding: o.opts.Grounding,
		}
		o.entries[msg.ID] = e
	}
	return e
}

func (o *Orchestrator) setCooldownLocked(seconds int) {
	if seconds <= 0 {
		return
	}
	until := o.opts.Now().Add(time.Duration(seconds) * time.Second)
	if until.After(o.cooldownUntil) {
		o.cooldownUntil = until
	}
}

// storeWarning logs a failed durable write and returns it as a warning.
func (o *Orchestrator) storeWarning(op, id string, err error) error {
	o.logger.Warn("store write failed",
		zap.String("op", op),
		zap.String("message_id", id),
		zap.Error(err))
	o.opts.Metrics.StoreFailed(op)
	return &StoreWriteFailed{Op: op, MessageID: id, Err: err}
}
