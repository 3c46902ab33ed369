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

// Package channel carries envelopes between the bridge and the
// privileged USB peer. Outbound sends may happen from any goroutine;
// inbound envelopes are delivered serialized on a single goroutine.
package channel

import (
	"context"

	"github.com/opencardlab/scbridge/pkg/models"
)

// Sender sends one envelope to the peer. Safe for concurrent use.
type Sender interface {
	Send(ctx context.Context, env *models.Envelope) error
}

// Handler receives the inbound side of the channel. HandleEnvelope is
// never called concurrently with itself; HandleClosed is called exactly
// once, after the last envelope.
type Handler interface {
	HandleEnvelope(env *models.Envelope)
	HandleClosed(err error)
}

// Channel is a live connection to the peer.
type Channel interface {
	Sender
	Close() error
}
