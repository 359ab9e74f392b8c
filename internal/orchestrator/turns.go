// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/jeranaias/rigrun-chat/internal/generation"
	"github.com/jeranaias/rigrun-chat/internal/lifecycle"
	"github.com/jeranaias/rigrun-chat/internal/model"
	"github.com/jeranaias/rigrun-chat/internal/stream"
	"github.com/jeranaias/rigrun-chat/internal/util"
)

// continuationCue prefixes the tail of a truncated reply.
const continuationCue = "Continue your previous reply exactly where it stopped. " +
	"Do not repeat anything already written. It ended with:\n\n"

// SendOptions tunes one send.
type SendOptions struct {
	PersonaID string
	Incognito bool

	// Grounding overrides Options.Grounding when set.
	Grounding *bool
}

// =============================================================================
// SEND
// =============================================================================

// SendMessage appends a user turn and streams the reply into a new
// assistant message. Only one send per chat runs at a time.
//
// The returned error is non-nil when no turn ran (a precondition failed or
// the rate limiter refused) and when the turn was cancelled.
func (o *Orchestrator) SendMessage(ctx context.Context, text string, opts SendOptions) (Result, error) {
	if strings.TrimSpace(text) == "" {
		return Result{}, ErrBlankText
	}
	user := model.NewUserMessage(o.chat.ID, text)
	user.PersonaID = opts.PersonaID
	return o.send(ctx, user, false, opts)
}

// EditAndResend sends newText as a fresh user turn that supersedes an
// earlier one. The earlier turn is left as it was.
func (o *Orchestrator) EditAndResend(ctx context.Context, messageID, newText string, opts SendOptions) (Result, error) {
	if strings.TrimSpace(newText) == "" {
		return Result{}, ErrBlankText
	}
	o.mu.Lock()
	orig := o.conv.Get(messageID)
	if orig == nil {
		o.mu.Unlock()
		return Result{}, ErrMessageNotFound
	}
	if orig.Role != model.RoleUser {
		o.mu.Unlock()
		return Result{}, ErrNotUser
	}
	if opts.PersonaID == "" {
		opts.PersonaID = orig.PersonaID
	}
	o.mu.Unlock()

	user := model.NewUserMessage(o.chat.ID, newText)
	user.PersonaID = opts.PersonaID
	user.SupersedesMessageID = messageID
	user.EditedAt = o.opts.Now()
	return o.send(ctx, user, false, opts)
}

// RetryUserMessage sends an earlier user turn again. A failed reply right
// after it loses its error marker once the retry is admitted; the retry
// streams into a new message.
func (o *Orchestrator) RetryUserMessage(ctx context.Context, userMessageID string, opts SendOptions) (Result, error) {
	o.mu.Lock()
	user := o.conv.Get(userMessageID)
	if user == nil {
		o.mu.Unlock()
		return Result{}, ErrMessageNotFound
	}
	if user.Role != model.RoleUser {
		o.mu.Unlock()
		return Result{}, ErrNotUser
	}
	if opts.PersonaID == "" {
		opts.PersonaID = user.PersonaID
	}
	if e, ok := o.entries[user.ID]; ok {
		if e.incognito {
			opts.Incognito = true
		}
		if opts.Grounding == nil {
			grounded := e.grounding
			opts.Grounding = &grounded
		}
	}
	o.mu.Unlock()

	return o.send(ctx, user, true, opts)
}

// clearFailedReplyLocked drops the error marker from a failed reply that
// directly follows userID. Callers hold o.mu.
func (o *Orchestrator) clearFailedReplyLocked(userID string) *model.Message {
	next := o.conv.Next(userID)
	if next == nil || next.Role != model.RoleAssistant || next.StreamState != model.StreamError {
		return nil
	}
	next.Error = ""
	next.RetryAfterSeconds = 0
	next.Touch(o.opts.Now())
	snap := next.Clone()
	return &snap
}

// send runs one send turn. When existing is set, user is already part of
// the conversation and is not appended or stored again; a failed reply to
// it is cleared only after the turn is admitted.
func (o *Orchestrator) send(ctx context.Context, user *model.Message, existing bool, opts SendOptions) (Result, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return Result{}, ErrClosed
	}
	if o.sending {
		o.mu.Unlock()
		return Result{}, ErrSendInFlight
	}
	if res, err := o.admitLocked(); err != nil {
		o.mu.Unlock()
		return res, err
	}
	o.sending = true
	o.wg.Add(1)

	grounded := o.opts.Grounding
	if opts.Grounding != nil {
		grounded = *opts.Grounding
	}

	now := o.opts.Now()
	persist := o.opts.Store != nil && o.chat.PersistsTurns(opts.Incognito)
	var cleared *model.Message
	if existing {
		cleared = o.clearFailedReplyLocked(user.ID)
	} else {
		o.conv.Append(user)
		o.entries[user.ID] = &entry{
			machine:   lifecycle.Resume(model.StreamComplete, false),
			incognito: opts.Incognito,
			grounding: grounded,
		}
	}

	asst := model.NewAssistantMessage(o.chat.ID)
	asst.PersonaID = opts.PersonaID
	asst.CreatedAt = now
	asst.UpdatedAt = now
	asst.Stats.Start(now)
	o.conv.Append(asst)
	e := &entry{machine: lifecycle.New(), incognito: opts.Incognito, grounding: grounded}
	o.entries[asst.ID] = e
	_ = e.machine.Send()
	asst.StreamState = e.machine.State()

	taskCtx, cancel := context.WithCancel(ctx)
	o.sendCancel = cancel

	tr := &turn{
		kind:      model.TurnSend,
		msg:       asst,
		entry:     e,
		persist:   persist,
		collector: stream.NewCollector(),
		userText:  user.Text,
		incognito: opts.Incognito,
		storeCtx:  context.WithoutCancel(ctx),
		req: generation.Request{
			ChatID:    o.chat.ID,
			Prompt:    user.Text,
			History:   o.conv.History(user.ID),
			PersonaID: opts.PersonaID,
			Grounding: grounded,
		},
	}
	userSnap := user.Clone()
	asstSnap := asst.Clone()
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.sending = false
		o.sendCancel = nil
		o.mu.Unlock()
	}()

	if cleared != nil {
		o.notify(*cleared)
		if o.opts.Store != nil && !model.IsTransientID(cleared.ID) {
			err := o.opts.Store.MarkError(tr.storeCtx, cleared.ID, "", model.StreamError, o.opts.Now())
			if err != nil {
				tr.warnings = append(tr.warnings, o.storeWarning("mark_error", cleared.ID, err))
			}
		}
	}
	if !existing {
		o.notify(userSnap)
	}
	o.notify(asstSnap)

	if persist && !existing {
		id, err := o.opts.Store.AppendUserMessage(tr.storeCtx, userSnap)
		if err != nil {
			tr.warnings = append(tr.warnings, o.storeWarning("append_user", userSnap.ID, err))
		} else {
			o.mu.Lock()
			o.rekeyLocked(userSnap.ID, id)
			userSnap = user.Clone()
			o.mu.Unlock()
			o.notify(userSnap)
		}
	}

	res := o.launch(taskCtx, cancel, tr)

	o.mu.Lock()
	res.UserMessageID = user.ID
	o.mu.Unlock()
	if res.Outcome == OutcomeCancelled {
		return res, ErrCancelled
	}
	return res, nil
}

// =============================================================================
// REGENERATE / CONTINUE
// =============================================================================

// RegenerateAssistant replaces the text of an assistant reply with a fresh
// one for the same user turn. Calls inside the regenerate throttle window
// are dropped and report OutcomeDropped.
func (o *Orchestrator) RegenerateAssistant(ctx context.Context, messageID string) (Result, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return Result{}, ErrClosed
	}
	msg := o.conv.Get(messageID)
	if msg == nil {
		o.mu.Unlock()
		return Result{}, ErrMessageNotFound
	}
	if msg.Role != model.RoleAssistant {
		o.mu.Unlock()
		return Result{}, ErrNotAssistant
	}
	o.mu.Unlock()

	if !o.opts.RegenerateThrottle.Allow() {
		o.opts.Metrics.RegenerateThrottled()
		o.logger.Debug("regenerate dropped by throttle", zap.String("message_id", messageID))
		return Result{Outcome: OutcomeDropped, MessageID: messageID}, nil
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return Result{}, ErrClosed
	}
	if msg.IsStreaming() {
		o.mu.Unlock()
		return Result{}, ErrAlreadyStreaming
	}
	user := o.conv.PrecedingUser(msg.ID)
	if user == nil {
		o.mu.Unlock()
		return Result{}, ErrNoPrecedingUserTurn
	}
	if res, err := o.admitLocked(); err != nil {
		o.mu.Unlock()
		return res, err
	}
	o.wg.Add(1)
	id := msg.ID
	o.mu.Unlock()

	taskCtx, cancel := context.WithCancel(ctx)
	t := o.tasks.start(id, cancel)

	now := o.opts.Now()
	o.mu.Lock()
	e := o.entryLocked(msg)
	if err := e.machine.Regenerate(); err != nil {
		o.mu.Unlock()
		o.tasks.finish(t)
		o.wg.Done()
		return Result{}, ErrAlreadyStreaming
	}
	msg.Text = ""
	msg.Error = ""
	msg.RetryAfterSeconds = 0
	msg.Truncated = false
	msg.GroundingStatus = model.GroundingNone
	msg.GroundingMetadata = nil
	msg.StreamState = e.machine.State()
	msg.Stats.Start(now)
	msg.Touch(now)
	o.grounding.Remove(msg.ID)

	tr := &turn{
		kind:      model.TurnRegenerate,
		msg:       msg,
		entry:     e,
		persist:   o.opts.Store != nil && o.chat.PersistsTurns(e.incognito) && !model.IsTransientID(msg.ID),
		collector: stream.NewCollector(),
		userText:  user.Text,
		incognito: e.incognito,
		storeCtx:  context.WithoutCancel(ctx),
		task:      t,
		req: generation.Request{
			ChatID:    o.chat.ID,
			Prompt:    user.Text,
			History:   o.conv.History(user.ID),
			PersonaID: msg.PersonaID,
			Grounding: e.grounding,
		},
	}
	snap := msg.Clone()
	o.mu.Unlock()
	o.notify(snap)

	if tr.persist {
		if err := o.opts.Store.OverwriteText(tr.storeCtx, id, "", now); err != nil {
			tr.warnings = append(tr.warnings, o.storeWarning("overwrite_text", id, err))
		}
		if err := o.opts.Store.UpdateStreamState(tr.storeCtx, id, model.StreamStreaming, false, now); err != nil {
			tr.warnings = append(tr.warnings, o.storeWarning("update_state", id, err))
		}
	}

	res := o.launch(taskCtx, cancel, tr)
	if res.Outcome == OutcomeCancelled {
		return res, ErrCancelled
	}
	return res, nil
}

// ContinueResponse asks the service to pick up a truncated reply where it
// stopped. New text is appended to the same message.
func (o *Orchestrator) ContinueResponse(ctx context.Context, messageID string) (Result, error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return Result{}, ErrClosed
	}
	msg := o.conv.Get(messageID)
	if msg == nil {
		o.mu.Unlock()
		return Result{}, ErrMessageNotFound
	}
	if msg.Role != model.RoleAssistant {
		o.mu.Unlock()
		return Result{}, ErrNotAssistant
	}
	if !msg.CanContinue() {
		o.mu.Unlock()
		return Result{}, ErrNotTruncated
	}
	if res, err := o.admitLocked(); err != nil {
		o.mu.Unlock()
		return res, err
	}
	o.wg.Add(1)
	id := msg.ID
	o.mu.Unlock()

	taskCtx, cancel := context.WithCancel(ctx)
	t := o.tasks.start(id, cancel)

	now := o.opts.Now()
	o.mu.Lock()
	e := o.entryLocked(msg)
	if err := e.machine.Continue(); err != nil {
		o.mu.Unlock()
		o.tasks.finish(t)
		o.wg.Done()
		return Result{}, ErrNotTruncated
	}
	msg.Truncated = false
	msg.Error = ""
	msg.StreamState = e.machine.State()
	msg.Stats.Start(now)
	msg.Touch(now)

	var userText string
	if user := o.conv.PrecedingUser(msg.ID); user != nil {
		userText = user.Text
	}
	tr := &turn{
		kind:      model.TurnContinue,
		msg:       msg,
		entry:     e,
		persist:   o.opts.Store != nil && o.chat.PersistsTurns(e.incognito) && !model.IsTransientID(msg.ID),
		collector: stream.NewCollectorWithPrefix(msg.Text),
		userText:  userText,
		incognito: e.incognito,
		storeCtx:  context.WithoutCancel(ctx),
		task:      t,
		req: generation.Request{
			ChatID:    o.chat.ID,
			Prompt:    continuationCue + util.TailRunes(msg.Text, o.opts.ContinuationTail),
			History:   o.conv.History(msg.ID),
			PersonaID: msg.PersonaID,
			Grounding: e.grounding,
		},
	}
	snap := msg.Clone()
	o.mu.Unlock()
	o.notify(snap)

	if tr.persist {
		if err := o.opts.Store.UpdateStreamState(tr.storeCtx, id, model.StreamStreaming, false, now); err != nil {
			tr.warnings = append(tr.warnings, o.storeWarning("update_state", id, err))
		}
	}

	res := o.launch(taskCtx, cancel, tr)
	if res.Outcome == OutcomeCancelled {
		return res, ErrCancelled
	}
	return res, nil
}

// =============================================================================
// ADMISSION
// =============================================================================

// admitLocked consults the rate limiter and takes a token on success.
// Callers hold o.mu.
func (o *Orchestrator) admitLocked() (Result, error) {
	allowed, retry := o.opts.Limiter.CanSend()
	if !allowed {
		o.setCooldownLocked(retry)
		o.opts.Metrics.RateLimited()
		o.logger.Info("send refused by rate limiter", zap.Int("retry_after_s", retry))
		err := &RateLimitExceeded{RetryAfterSeconds: retry}
		return Result{Outcome: OutcomeRateLimited, RetryAfterSeconds: retry, Err: err}, err
	}
	o.opts.Limiter.RecordSend()
	return Result{}, nil
}
