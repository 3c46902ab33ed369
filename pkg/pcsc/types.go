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

package pcsc

import (
	"sync"

	"github.com/opencardlab/scbridge/pkg/models"
	"github.com/opencardlab/scbridge/pkg/usbproxy"
)

// ContextHandle identifies one established PC/SC context. Handles are
// never reused within a process lifetime.
type ContextHandle uint32

// CardHandle identifies one open connection to a reader.
type CardHandle uint32

// Disposition is the card treatment requested at Disconnect.
type Disposition int

const (
	LeaveCard Disposition = iota
	ResetCard
	UnpowerCard
	EjectCard
)

// MaxAPDULength bounds Transmit payloads: an extended APDU of 65535
// data bytes plus header and trailer, as in the CCID specification.
const MaxAPDULength = 65544

// pcscContext is one established context together with the index of
// the card handles it owns. Release is a sweep over that index, not a
// traversal of shared state.
type pcscContext struct {
	handle ContextHandle
	cards  map[CardHandle]struct{}
}

// card is one open reader connection. It owns the claimed interface
// for the session's lifetime.
type card struct {
	handle     CardHandle
	context    ContextHandle
	deviceID   models.DeviceID
	readerName string
	claim      usbproxy.Claim

	interfaceNumber uint8

	// Bulk endpoints of the CCID interface; nil when the interface
	// exposes none, in which case Transmit falls back to control
	// transfers on endpoint zero.
	bulkIn  *models.EndpointDescriptor
	bulkOut *models.EndpointDescriptor

	// Serializes Transmit: the claimed interface cannot multiplex
	// independent transfers safely.
	transmitMu sync.Mutex
}
