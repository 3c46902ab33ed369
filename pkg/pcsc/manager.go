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

// Package pcsc owns the tables of live PC/SC contexts and card handles
// and implements the PC/SC call semantics on top of the USB device
// proxy.
package pcsc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opencardlab/scbridge/pkg/logger"
	"github.com/opencardlab/scbridge/pkg/models"
)

// Manager implements EstablishContext, ReleaseContext, ListReaders,
// Connect, Disconnect and Transmit. Its mutex protects only the handle
// tables; it is never held across a blocking proxy call.
type Manager struct {
	proxy           DeviceProxy
	transferTimeout time.Duration
	log             zerolog.Logger

	mu          sync.Mutex
	closed      bool
	nextContext ContextHandle
	nextCard    CardHandle
	contexts    map[ContextHandle]*pcscContext
	cards       map[CardHandle]*card
}

// NewManager creates a Manager on top of the device proxy.
func NewManager(proxy DeviceProxy, transferTimeout time.Duration, log logger.Logger) *Manager {
	return &Manager{
		proxy:           proxy,
		transferTimeout: transferTimeout,
		log:             log.WithComponent("pcsc"),
		contexts:        make(map[ContextHandle]*pcscContext),
		cards:           make(map[CardHandle]*card),
	}
}

// EstablishContext allocates a fresh context handle. It requires no
// peer round trip and succeeds as long as the bridge is not torn down.
func (m *Manager) EstablishContext() (ContextHandle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, models.ErrChannelClosed
	}

	m.nextContext++
	handle := m.nextContext

	m.contexts[handle] = &pcscContext{
		handle: handle,
		cards:  make(map[CardHandle]struct{}),
	}

	m.log.Debug().Uint32("context", uint32(handle)).Msg("Context established")

	return handle, nil
}

// ReleaseContext transitions the context to its terminal state and
// invalidates every card handle it owns. The same handle can never be
// released twice.
func (m *Manager) ReleaseContext(ctx context.Context, handle ContextHandle) error {
	m.mu.Lock()

	pctx, ok := m.contexts[handle]
	if !ok {
		m.mu.Unlock()

		return models.ErrInvalidHandle
	}

	delete(m.contexts, handle)

	owned := make([]*card, 0, len(pctx.cards))

	for ch := range pctx.cards {
		if c, exists := m.cards[ch]; exists {
			delete(m.cards, ch)
			owned = append(owned, c)
		}
	}

	m.mu.Unlock()

	// Release the claimed interfaces outside the table lock; these are
	// blocking channel calls.
	for _, c := range owned {
		if err := c.claim.Release(ctx); err != nil {
			m.log.Warn().Err(err).Uint32("card", uint32(c.handle)).Msg("Interface release failed during context release")
		}
	}

	m.log.Debug().Uint32("context", uint32(handle)).Int("cards", len(owned)).Msg("Context released")

	return nil
}

// Shutdown moves every context and card handle to its terminal state.
// Safe to call from a goroutine other than the ones blocked in calls:
// those unblock through the correlator's CancelAll, never through this
// lock.
func (m *Manager) Shutdown() {
	m.mu.Lock()

	m.closed = true
	contexts := len(m.contexts)
	cards := len(m.cards)
	m.contexts = make(map[ContextHandle]*pcscContext)
	m.cards = make(map[CardHandle]*card)

	m.mu.Unlock()

	// Claims need no per-card release here: the channel is gone and the
	// proxy has already invalidated them.
	if contexts > 0 || cards > 0 {
		m.log.Info().Int("contexts", contexts).Int("cards", cards).Msg("All PC/SC handles invalidated")
	}
}

// lookupContext validates a context handle without touching the proxy.
func (m *Manager) lookupContext(handle ContextHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.contexts[handle]; !ok {
		return models.ErrInvalidHandle
	}

	return nil
}

// lookupCard returns the card state for a handle.
func (m *Manager) lookupCard(handle CardHandle) (*card, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cards[handle]
	if !ok {
		return nil, models.ErrInvalidHandle
	}

	return c, nil
}

// Disconnect releases the card's claimed interface and invalidates the
// handle. The disposition is accepted for API fidelity; the bridge has
// no card power control of its own, so all dispositions release the
// same way.
func (m *Manager) Disconnect(ctx context.Context, handle CardHandle, _ Disposition) error {
	m.mu.Lock()

	c, ok := m.cards[handle]
	if !ok {
		m.mu.Unlock()

		return models.ErrInvalidHandle
	}

	delete(m.cards, handle)

	if pctx, exists := m.contexts[c.context]; exists {
		delete(pctx.cards, handle)
	}

	m.mu.Unlock()

	if err := c.claim.Release(ctx); err != nil {
		return fmt.Errorf("failed to release reader interface: %w", err)
	}

	m.log.Debug().Uint32("card", uint32(handle)).Str("reader", c.readerName).Msg("Card disconnected")

	return nil
}

// translateProxyError maps proxy errors that have a PC/SC analogue.
// After a successful Connect, a vanished device means the reader is
// gone, not that the handle was bad.
func translateProxyError(err error) error {
	if errors.Is(err, models.ErrDeviceNotFound) {
		return fmt.Errorf("%w: %s", models.ErrReaderUnavailable, err)
	}

	return err
}
