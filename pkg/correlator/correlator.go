/*
 * Copyright 2026 OpenCard Lab.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package correlator matches the peer's asynchronous replies to the
// goroutines waiting on them, turning the one-message-at-a-time channel
// into synchronous-looking calls.
package correlator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/opencardlab/scbridge/pkg/channel"
	"github.com/opencardlab/scbridge/pkg/logger"
	"github.com/opencardlab/scbridge/pkg/models"
)

// EventSink receives the peer's unsolicited events and the channel
// closed notification. Calls arrive serialized from the channel's
// delivery goroutine.
type EventSink interface {
	HandleEvent(name string, payload json.RawMessage)
	HandleChannelClosed()
}

// Pending is one outstanding request. Exactly one of the completion
// paths (reply, wire error, CancelAll) resolves it.
type Pending struct {
	id      uint64
	done    chan struct{}
	payload json.RawMessage
	err     error
}

// ID returns the request identifier, needed to address the request in
// a follow-up cancel message.
func (p *Pending) ID() uint64 { return p.id }

// Correlator owns the pending-request table. It is the only component
// that touches channel-level send state.
type Correlator struct {
	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*Pending
	closed  bool

	sender channel.Sender
	sink   EventSink
	log    zerolog.Logger
}

// New creates a Correlator. Bind must be called before the first Send.
func New(log logger.Logger) *Correlator {
	return &Correlator{
		pending: make(map[uint64]*Pending),
		log:     log.WithComponent("correlator"),
	}
}

// SetSink registers the receiver for unsolicited events. Must be set
// before the channel starts delivering.
func (c *Correlator) SetSink(sink EventSink) {
	c.sink = sink
}

// Bind attaches the outbound channel. Not safe to call after the first
// Send.
func (c *Correlator) Bind(sender channel.Sender) {
	c.sender = sender
}

// Send marshals the payload, allocates a fresh request id and puts the
// request on the wire. The returned Pending is resolved by Wait.
func (c *Correlator) Send(ctx context.Context, operation string, payload interface{}) (*Pending, error) {
	var (
		raw []byte
		err error
	)

	if payload != nil {
		raw, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s request: %w", operation, err)
		}
	}

	c.mu.Lock()

	if c.closed || c.sender == nil {
		c.mu.Unlock()

		return nil, models.ErrChannelClosed
	}

	c.nextID++

	p := &Pending{
		id:   c.nextID,
		done: make(chan struct{}),
	}
	c.pending[p.id] = p

	c.mu.Unlock()

	env := &models.Envelope{
		Kind:      models.MessageKindRequest,
		RequestID: p.id,
		Operation: operation,
		Payload:   raw,
	}

	if err := c.sender.Send(ctx, env); err != nil {
		c.drop(p.id)

		return nil, err
	}

	return p, nil
}

// Post sends a request that expects no reply (a notification). Used for
// best-effort transfer cancellation.
func (c *Correlator) Post(ctx context.Context, operation string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s request: %w", operation, err)
	}

	c.mu.Lock()

	if c.closed || c.sender == nil {
		c.mu.Unlock()

		return models.ErrChannelClosed
	}

	c.nextID++
	id := c.nextID

	c.mu.Unlock()

	return c.sender.Send(ctx, &models.Envelope{
		Kind:      models.MessageKindRequest,
		RequestID: id,
		Operation: operation,
		Payload:   raw,
	})
}

// Wait blocks the calling goroutine until the request completes or the
// context expires. On context expiry the request slot is dropped so
// that a late reply is discarded instead of being delivered to a
// caller that already returned.
func (c *Correlator) Wait(ctx context.Context, p *Pending) (json.RawMessage, error) {
	select {
	case <-p.done:
		return p.payload, p.err
	case <-ctx.Done():
		c.drop(p.id)

		// The reply may have raced the deadline; prefer it if so.
		select {
		case <-p.done:
			return p.payload, p.err
		default:
		}

		return nil, ctx.Err()
	}
}

// Complete resolves the pending request for id. An unknown or already
// completed id is a protocol violation by the peer: logged and ignored.
func (c *Correlator) Complete(id uint64, payload json.RawMessage, wireErr string) {
	c.mu.Lock()

	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}

	c.mu.Unlock()

	if !ok {
		c.log.Warn().Uint64("request_id", id).Msg("Reply for unknown or completed request dropped")

		return
	}

	p.payload = payload
	if wireErr != "" {
		p.err = models.ErrorFromWire(wireErr)
	}

	// Wake the waiter without holding the table mutex.
	close(p.done)
}

// CancelAll resolves every outstanding request with ErrChannelClosed
// and fails all subsequent Sends. Safe to call from any goroutine,
// including while callers are blocked in Wait.
func (c *Correlator) CancelAll() {
	c.mu.Lock()

	c.closed = true
	orphans := c.pending
	c.pending = make(map[uint64]*Pending)

	c.mu.Unlock()

	for _, p := range orphans {
		p.err = models.ErrChannelClosed
		close(p.done)
	}

	if len(orphans) > 0 {
		c.log.Info().Int("count", len(orphans)).Msg("Cancelled outstanding requests")
	}
}

// drop removes a request slot without resolving it.
func (c *Correlator) drop(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// HandleEnvelope implements channel.Handler: replies resolve pending
// requests, events go to the sink.
func (c *Correlator) HandleEnvelope(env *models.Envelope) {
	switch env.Kind {
	case models.MessageKindReply:
		c.Complete(env.RequestID, env.Payload, env.Error)
	case models.MessageKindEvent:
		if c.sink != nil {
			c.sink.HandleEvent(env.Event, env.Payload)
		}
	case models.MessageKindRequest:
		c.log.Warn().Str("operation", env.Operation).Msg("Unexpected request from peer dropped")
	default:
		c.log.Warn().Str("kind", string(env.Kind)).Msg("Envelope with unknown kind dropped")
	}
}

// HandleClosed implements channel.Handler.
func (c *Correlator) HandleClosed(_ error) {
	c.CancelAll()

	if c.sink != nil {
		c.sink.HandleChannelClosed()
	}
}
