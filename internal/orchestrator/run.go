// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"errors"
	"io"

	"go.uber.org/zap"

	"github.com/jeranaias/rigrun-chat/internal/generation"
	"github.com/jeranaias/rigrun-chat/internal/grounding"
	"github.com/jeranaias/rigrun-chat/internal/memory"
	"github.com/jeranaias/rigrun-chat/internal/model"
	"github.com/jeranaias/rigrun-chat/internal/storage"
	"github.com/jeranaias/rigrun-chat/internal/stream"
	"github.com/jeranaias/rigrun-chat/internal/telemetry"
)

// =============================================================================
// TURN
// =============================================================================

// turn is the working state of one streaming task. msg and entry are
// shared with the conversation and only touched under o.mu.
type turn struct {
	kind      model.TurnKind
	msg       *model.Message
	entry     *entry
	persist   bool
	req       generation.Request
	collector *stream.Collector
	userText  string
	incognito bool
	task      *task

	// storeCtx outlives cancellation so the final flush still lands.
	storeCtx context.Context
	warnings []error
}

func (o *Orchestrator) currentID(tr *turn) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return tr.msg.ID
}

// launch runs tr to completion and releases the task, the scope hook and
// the wait group slot taken by the caller.
func (o *Orchestrator) launch(ctx context.Context, cancel context.CancelFunc, tr *turn) Result {
	defer o.wg.Done()
	stopScope := context.AfterFunc(o.scope, cancel)
	defer stopScope()
	if tr.task == nil {
		tr.task = o.tasks.start(o.currentID(tr), cancel)
	}
	defer o.tasks.finish(tr.task)

	kind := tr.kind.String()
	o.opts.Metrics.TurnStarted(kind)
	start := o.opts.Now()

	res := o.run(ctx, tr)
	res.Warnings = tr.warnings

	o.mu.Lock()
	stats := tr.msg.Stats
	o.mu.Unlock()
	o.opts.Metrics.TurnFinished(kind, res.Outcome.String(), o.opts.Now().Sub(start))
	o.opts.Metrics.Tokens(stats.InputTokens, stats.OutputTokens)
	o.opts.Usage.Record(o.chat.ID, telemetry.TokenCount{
		Input:  stats.InputTokens,
		Output: stats.OutputTokens,
	}, stats.TotalDuration, o.opts.Now())

	o.logger.Debug("turn finished",
		zap.String("kind", kind),
		zap.String("outcome", res.Outcome.String()),
		zap.String("message_id", res.MessageID),
		zap.Int("chars", len(res.Text)),
		zap.Int("chunks", tr.collector.Chunks()),
		zap.Int("warnings", len(res.Warnings)))
	return res
}

// =============================================================================
// STREAM LOOP
// =============================================================================

func (o *Orchestrator) run(ctx context.Context, tr *turn) Result {
	deb := stream.NewDebouncer(o.opts.Flush, tr.collector.Len(), o.opts.Now())

	st, err := o.opts.Generator.Generate(ctx, tr.req)
	if err != nil {
		return o.settle(ctx, tr, deb, err)
	}
	defer st.Close()

	o.mu.Lock()
	if tr.entry.machine.State() == model.StreamSending {
		_ = tr.entry.machine.Stream()
		tr.msg.StreamState = tr.entry.machine.State()
		tr.msg.Touch(o.opts.Now())
		snap := tr.msg.Clone()
		o.mu.Unlock()
		o.notify(snap)
	} else {
		o.mu.Unlock()
	}

	for {
		chunk, err := st.Recv()
		if err != nil {
			return o.settle(ctx, tr, deb, err)
		}
		if ctx.Err() != nil {
			return o.cancelled(tr, deb)
		}
		o.apply(tr, chunk)
		if deb.Due(tr.collector.Len(), o.opts.Now()) {
			o.flush(tr, deb, false, o.liveGrounding(tr))
		}
	}
}

// apply folds one chunk into the message.
func (o *Orchestrator) apply(tr *turn, chunk generation.Chunk) {
	now := o.opts.Now()
	o.mu.Lock()
	id := tr.msg.ID
	if chunk.Text != "" {
		if tr.msg.Stats.FirstTokenTime.IsZero() {
			tr.msg.Stats.RecordFirstToken(now)
			o.opts.Metrics.FirstToken(tr.msg.Stats.TTFT)
		}
		tr.collector.Append(chunk.Text)
		tr.msg.Text = tr.collector.Current()
	}
	tr.msg.Stats.MergeTokens(chunk.InputTokens, chunk.OutputTokens)
	if chunk.GroundingStatus != "" {
		o.grounding.SetStatus(id, chunk.GroundingStatus)
		tr.msg.GroundingStatus = chunk.GroundingStatus
	}
	if chunk.GroundingMetadata != nil {
		o.grounding.SetMetadata(id, chunk.GroundingMetadata)
	}
	tr.msg.Touch(now)
	snap := tr.msg.Clone()
	o.mu.Unlock()
	o.notify(snap)
}

func (o *Orchestrator) liveGrounding(tr *turn) grounding.Entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, _ := o.grounding.Get(tr.msg.ID)
	return e
}

// settle maps the error that ended a stream onto a terminal state.
func (o *Orchestrator) settle(ctx context.Context, tr *turn, deb *stream.Debouncer, err error) Result {
	var stopped *generation.StoppedError
	var limited *generation.RateLimitError
	switch {
	case errors.Is(err, io.EOF):
		return o.complete(tr, deb, nil)
	case errors.As(err, &stopped):
		return o.complete(tr, deb, &ResponseStopped{Reason: stopped.Reason})
	case errors.Is(err, generation.ErrStopped):
		return o.complete(tr, deb, &ResponseStopped{})
	case ctx.Err() != nil, errors.Is(err, context.Canceled):
		return o.cancelled(tr, deb)
	case errors.As(err, &limited):
		return o.fail(tr, deb, &RateLimitExceeded{RetryAfterSeconds: limited.RetryAfterSeconds})
	default:
		return o.fail(tr, deb, &GenerationFailed{Cause: err})
	}
}

// =============================================================================
// FLUSHING
// =============================================================================

// flush writes the unflushed tail of the collector. The first successful
// write of a new message returns its durable ID, which replaces the
// transient one everywhere at once.
func (o *Orchestrator) flush(tr *turn, deb *stream.Debouncer, final bool, g grounding.Entry) {
	now := o.opts.Now()
	current := tr.collector.Current()
	if !tr.persist {
		deb.MarkFlushed(len(current), now)
		return
	}
	flushed := deb.FlushedLen()
	if !final && len(current) <= flushed {
		return
	}

	o.mu.Lock()
	id := tr.msg.ID
	chunk := storage.AssistantChunk{
		ChatID:            o.chat.ID,
		MessageID:         id,
		Delta:             current[flushed:],
		IsFinal:           final,
		GroundingStatus:   g.Status,
		GroundingMetadata: g.Metadata,
		PersonaID:         tr.msg.PersonaID,
		InputTokens:       tr.msg.Stats.InputTokens,
		OutputTokens:      tr.msg.Stats.OutputTokens,
		At:                now,
	}
	o.mu.Unlock()
	if model.IsTransientID(id) {
		chunk.MessageID = ""
	}
	if final && chunk.GroundingStatus == "" {
		chunk.GroundingStatus = model.GroundingNone
	}

	durable, err := o.opts.Store.AppendOrCreateAssistantChunk(tr.storeCtx, chunk)
	if err != nil {
		tr.warnings = append(tr.warnings, o.storeWarning("append_chunk", id, err))
		return
	}
	deb.MarkFlushed(len(current), now)
	o.opts.Metrics.Flushed()

	if durable != "" && durable != id {
		o.mu.Lock()
		o.rekeyLocked(id, durable)
		snap := tr.msg.Clone()
		o.mu.Unlock()
		o.notify(snap)
	}
}

// =============================================================================
// TERMINAL STATES
// =============================================================================

func (o *Orchestrator) complete(tr *turn, deb *stream.Debouncer, stopped *ResponseStopped) Result {
	truncated := stopped != nil
	text := tr.collector.Complete()
	g := o.liveGrounding(tr)
	o.flush(tr, deb, true, g)

	now := o.opts.Now()
	id := o.currentID(tr)
	if truncated && tr.persist && !model.IsTransientID(id) {
		if err := o.opts.Store.UpdateStreamState(tr.storeCtx, id, model.StreamComplete, true, now); err != nil {
			tr.warnings = append(tr.warnings, o.storeWarning("update_state", id, err))
		}
	}

	o.mu.Lock()
	_ = tr.entry.machine.Complete(truncated)
	tr.msg.StreamState = tr.entry.machine.State()
	tr.msg.Truncated = tr.entry.machine.Truncated()
	tr.msg.Text = text
	if g.Status != "" {
		tr.msg.GroundingStatus = g.Status
	}
	tr.msg.GroundingMetadata = g.Metadata.Clone()
	tr.msg.Stats.Finalize(now)
	tr.msg.Touch(now)
	id = tr.msg.ID
	personaID := tr.msg.PersonaID
	snap := tr.msg.Clone()
	o.mu.Unlock()
	o.notify(snap)

	// A continuation only hands over the text it added.
	ingested := text
	if tr.kind == model.TurnContinue {
		ingested = tr.collector.Streamed()
	}
	o.ingest(tr, id, personaID, ingested)

	res := Result{Outcome: OutcomeComplete, MessageID: id, Text: text}
	if truncated {
		res.Outcome = OutcomeTruncated
		res.Stopped = stopped
		o.logger.Info("reply truncated", zap.String("message_id", id), zap.String("reason", stopped.Reason))
	}
	return res
}

// cancelled settles a user-elective stop. The partial text is kept and the
// message reads as COMPLETE with no grounding.
func (o *Orchestrator) cancelled(tr *turn, deb *stream.Debouncer) Result {
	text := tr.collector.Complete()
	o.mu.Lock()
	o.grounding.Remove(tr.msg.ID)
	o.mu.Unlock()

	o.flush(tr, deb, true, grounding.Entry{Status: model.GroundingNone})

	now := o.opts.Now()
	o.mu.Lock()
	_ = tr.entry.machine.Cancel()
	tr.msg.StreamState = model.StreamComplete
	tr.msg.Truncated = false
	tr.msg.Text = text
	tr.msg.GroundingStatus = model.GroundingNone
	tr.msg.GroundingMetadata = nil
	tr.msg.Stats.Finalize(now)
	tr.msg.Touch(now)
	id := tr.msg.ID
	snap := tr.msg.Clone()
	o.mu.Unlock()
	o.notify(snap)

	o.logger.Info("turn cancelled", zap.String("message_id", id), zap.Int("chars", len(text)))
	return Result{Outcome: OutcomeCancelled, MessageID: id, Text: text, Err: ErrCancelled}
}

// fail settles a stream that broke. Whatever text arrived is kept so the
// user can see how far it got.
func (o *Orchestrator) fail(tr *turn, deb *stream.Debouncer, err error) Result {
	text := tr.collector.Complete()
	retry := 0
	var limited *RateLimitExceeded
	if errors.As(err, &limited) {
		retry = limited.RetryAfterSeconds
		o.opts.Metrics.RateLimited()
	}

	o.mu.Lock()
	o.grounding.Remove(tr.msg.ID)
	o.mu.Unlock()

	if tr.persist {
		o.flush(tr, deb, true, grounding.Entry{Status: model.GroundingNone})
		if id := o.currentID(tr); !model.IsTransientID(id) {
			if werr := o.opts.Store.MarkError(tr.storeCtx, id, err.Error(), model.StreamError, o.opts.Now()); werr != nil {
				tr.warnings = append(tr.warnings, o.storeWarning("mark_error", id, werr))
			}
		}
	}

	now := o.opts.Now()
	o.mu.Lock()
	_ = tr.entry.machine.Fail()
	tr.msg.StreamState = model.StreamError
	tr.msg.Truncated = false
	tr.msg.Text = text
	tr.msg.Error = err.Error()
	tr.msg.RetryAfterSeconds = retry
	tr.msg.GroundingStatus = model.GroundingNone
	tr.msg.GroundingMetadata = nil
	tr.msg.Stats.Finalize(now)
	tr.msg.Touch(now)
	o.setCooldownLocked(retry)
	id := tr.msg.ID
	snap := tr.msg.Clone()
	o.mu.Unlock()
	o.notify(snap)

	o.logger.Warn("turn failed", zap.String("message_id", id), zap.Error(err))
	res := Result{Outcome: OutcomeFailed, MessageID: id, Text: text, Err: err}
	if limited != nil {
		res.Outcome = OutcomeRateLimited
		res.RetryAfterSeconds = retry
	}
	return res
}

// ingest hands a completed exchange to long-term memory. Incognito turns
// are still submitted so the skip is counted.
func (o *Orchestrator) ingest(tr *turn, id, personaID, text string) {
	if o.opts.Memory == nil || text == "" {
		return
	}
	o.opts.Memory.Submit(memory.Record{
		ChatID:        o.chat.ID,
		MessageID:     id,
		PersonaID:     personaID,
		UserText:      tr.userText,
		AssistantText: text,
		Timestamp:     o.opts.Now(),
		Incognito:     !o.chat.PersistsTurns(tr.incognito),
	})
}
