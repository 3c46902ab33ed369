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

package models

import "errors"

// The error taxonomy shared by the USB proxy and the PC/SC layer. These
// are sentinel values: callers branch with errors.Is, and layers wrap
// them with context via fmt.Errorf("...: %w", err).
var (
	// ErrInvalidHandle means an unknown, stale or released context or
	// card handle.
	ErrInvalidHandle = errors.New("invalid handle")

	// ErrNoReadersAvailable is the distinguished empty result of
	// ListReaders, never returned together with a non-empty list.
	ErrNoReadersAvailable = errors.New("no readers available")

	// ErrReaderUnavailable means the reader's device detached after the
	// name was resolved or the card was connected.
	ErrReaderUnavailable = errors.New("reader unavailable")

	// ErrInterfaceBusy means the interface is already claimed.
	ErrInterfaceBusy = errors.New("interface busy")

	// ErrDeviceNotFound means the device id no longer names an attached
	// device.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrMalformedDescriptor means the peer sent inconsistent or
	// truncated descriptor data.
	ErrMalformedDescriptor = errors.New("malformed descriptor")

	// ErrTransferTimedOut means the local wait deadline expired; the
	// peer-side transfer may still have completed afterwards.
	ErrTransferTimedOut = errors.New("transfer timed out")

	// ErrChannelClosed means the message channel to the privileged peer
	// shut down. Terminal per call, not per process.
	ErrChannelClosed = errors.New("channel closed")

	// ErrNotReady means the peer has not yet announced readiness.
	ErrNotReady = errors.New("peer not ready")
)

// Wire error codes used by the peer in reply envelopes.
const (
	WireErrDeviceNotFound  = "device_not_found"
	WireErrInterfaceBusy   = "interface_busy"
	WireErrTransferFailure = "transfer_failure"
)

// ErrorFromWire maps a peer-reported error code to the local taxonomy.
// Unrecognized codes come back as opaque errors so they are logged
// rather than silently collapsed into a known condition.
func ErrorFromWire(code string) error {
	switch code {
	case WireErrDeviceNotFound:
		return ErrDeviceNotFound
	case WireErrInterfaceBusy:
		return ErrInterfaceBusy
	default:
		return errors.New("peer error: " + code)
	}
}
