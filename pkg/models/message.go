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

import "encoding/json"

// MessageKind discriminates the three envelope shapes carried on the
// channel: outbound requests, the peer's replies, and the peer's
// unsolicited events.
type MessageKind string

const (
	MessageKindRequest MessageKind = "request"
	MessageKindReply   MessageKind = "reply"
	MessageKindEvent   MessageKind = "event"
)

// Operation names accepted by the privileged peer.
const (
	OpListDevices         = "list_devices"
	OpGetConfigurations   = "get_configurations"
	OpClaimInterface      = "claim_interface"
	OpReleaseInterface    = "release_interface"
	OpControlTransfer     = "control_transfer"
	OpBulkTransfer        = "bulk_transfer"
	OpInterruptTransfer   = "interrupt_transfer"
	OpIsochronousTransfer = "isochronous_transfer"
	OpCancelTransfer      = "cancel_transfer"
)

// Event names the peer may deliver unsolicited.
const (
	EventReady          = "ready"
	EventDeviceAttached = "device_attached"
	EventDeviceDetached = "device_detached"
)

// Envelope is one JSON frame on the message channel. Requests carry
// Kind=request, RequestID and Operation; replies echo the RequestID and
// carry either Payload or Error; events carry Event and Payload.
type Envelope struct {
	Kind      MessageKind     `json:"kind"`
	RequestID uint64          `json:"request_id,omitempty"`
	Operation string          `json:"operation,omitempty"`
	Event     string          `json:"event,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// GetConfigurationsRequest asks for the configuration descriptors of
// one device.
type GetConfigurationsRequest struct {
	DeviceID DeviceID `json:"device_id"`
}

// GetConfigurationsReply carries the device's configuration
// descriptors; only the active one is guaranteed to be complete.
type GetConfigurationsReply struct {
	Configurations []ConfigDescriptor `json:"configurations"`
}

// ListDevicesReply carries a fresh enumeration snapshot in the peer's
// enumeration order.
type ListDevicesReply struct {
	Devices []Device `json:"devices"`
}

// ClaimInterfaceRequest claims one interface for exclusive use; the
// same payload shape releases it via OpReleaseInterface.
type ClaimInterfaceRequest struct {
	DeviceID        DeviceID `json:"device_id"`
	InterfaceNumber uint8    `json:"interface_number"`
}

// ControlTransferRequest is a setup-packet transfer on endpoint zero.
// Data is present for OUT transfers; Length bounds IN transfers.
type ControlTransferRequest struct {
	DeviceID     DeviceID  `json:"device_id"`
	Direction    Direction `json:"direction"`
	RequestType  uint8     `json:"request_type"`
	Request      uint8     `json:"request"`
	Value        uint16    `json:"value"`
	Index        uint16    `json:"index"`
	Data         []byte    `json:"data,omitempty"`
	Length       uint16    `json:"length,omitempty"`
}

// GenericTransferRequest is a bulk, interrupt or isochronous transfer
// against a non-zero endpoint.
type GenericTransferRequest struct {
	DeviceID        DeviceID `json:"device_id"`
	EndpointAddress uint8    `json:"endpoint_address"`
	Data            []byte   `json:"data,omitempty"`
	Length          uint32   `json:"length,omitempty"`
}

// TransferReply carries the result of any transfer; Data is empty for
// OUT transfers.
type TransferReply struct {
	Data []byte `json:"data,omitempty"`
}

// CancelTransferRequest asks the peer to abort the transfer submitted
// under TargetRequestID. Best effort: the peer may have completed the
// transfer already.
type CancelTransferRequest struct {
	TargetRequestID uint64 `json:"target_request_id"`
}

// DeviceEvent is the payload of device_attached and device_detached.
type DeviceEvent struct {
	Device Device `json:"device"`
}
