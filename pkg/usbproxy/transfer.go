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

package usbproxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/opencardlab/scbridge/pkg/models"
)

var (
	errDirectionMismatch = errors.New("transfer direction does not match endpoint direction")
	errTypeMismatch      = errors.New("transfer type does not match endpoint type")
	errAmbiguousTransfer = errors.New("transfer must be either outbound data or an inbound length, not both")
)

// ControlTransfer performs a setup-packet transfer on endpoint zero.
// Direction is validated against the payload shape locally; mismatches
// never reach the peer.
func (p *Proxy) ControlTransfer(ctx context.Context, req *models.ControlTransferRequest, timeout time.Duration) ([]byte, error) {
	switch req.Direction {
	case models.DirectionOut:
		if req.Length != 0 {
			return nil, errAmbiguousTransfer
		}
	case models.DirectionIn:
		if len(req.Data) != 0 {
			return nil, errAmbiguousTransfer
		}
	default:
		return nil, errDirectionMismatch
	}

	return p.transfer(ctx, models.OpControlTransfer, req, timeout)
}

// BulkTransfer submits one bulk transfer against the endpoint. Exactly
// one of out (data to send) and inLength (bytes to read) must be set,
// and it must agree with the endpoint's declared direction.
func (p *Proxy) BulkTransfer(ctx context.Context, id models.DeviceID, ep *models.EndpointDescriptor, out []byte, inLength uint32, timeout time.Duration) ([]byte, error) {
	return p.endpointTransfer(ctx, models.OpBulkTransfer, models.EndpointTypeBulk, id, ep, out, inLength, timeout)
}

// InterruptTransfer submits one interrupt transfer against the endpoint.
func (p *Proxy) InterruptTransfer(ctx context.Context, id models.DeviceID, ep *models.EndpointDescriptor, out []byte, inLength uint32, timeout time.Duration) ([]byte, error) {
	return p.endpointTransfer(ctx, models.OpInterruptTransfer, models.EndpointTypeInterrupt, id, ep, out, inLength, timeout)
}

// IsochronousTransfer is exposed for completeness; the smart-card
// session layer never issues it. Packet-count negotiation is not
// supported.
func (p *Proxy) IsochronousTransfer(ctx context.Context, id models.DeviceID, ep *models.EndpointDescriptor, out []byte, inLength uint32, timeout time.Duration) ([]byte, error) {
	return p.endpointTransfer(ctx, models.OpIsochronousTransfer, models.EndpointTypeIsochronous, id, ep, out, inLength, timeout)
}

func (p *Proxy) endpointTransfer(ctx context.Context, operation string, wantType models.EndpointType, id models.DeviceID, ep *models.EndpointDescriptor, out []byte, inLength uint32, timeout time.Duration) ([]byte, error) {
	if err := validateEndpointDescriptor(ep); err != nil {
		return nil, err
	}

	if ep.Type != wantType {
		return nil, fmt.Errorf("endpoint 0x%02x is %s: %w", ep.EndpointAddress, ep.Type, errTypeMismatch)
	}

	var dir models.Direction

	switch {
	case len(out) > 0 && inLength == 0:
		dir = models.DirectionOut
	case len(out) == 0 && inLength > 0:
		dir = models.DirectionIn
	default:
		return nil, errAmbiguousTransfer
	}

	if ep.Direction != dir {
		return nil, fmt.Errorf("endpoint 0x%02x is %s: %w", ep.EndpointAddress, ep.Direction, errDirectionMismatch)
	}

	req := models.GenericTransferRequest{
		DeviceID:        id,
		EndpointAddress: ep.EndpointAddress,
		Data:            out,
		Length:          inLength,
	}

	return p.transfer(ctx, operation, &req, timeout)
}

// transfer puts one transfer on the wire and waits up to the timeout.
// On expiry the peer gets a best-effort cancel message and the caller
// gets ErrTransferTimedOut promptly; if the peer completes the
// transfer afterwards anyway, the late reply is dropped by the
// correlator.
func (p *Proxy) transfer(ctx context.Context, operation string, payload interface{}, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = p.transferTimeout
	}

	pending, err := p.corr.Send(ctx, operation, payload)
	if err != nil {
		return nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, err := p.corr.Wait(waitCtx, pending)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			cancelReq := models.CancelTransferRequest{TargetRequestID: pending.ID()}

			if postErr := p.corr.Post(ctx, models.OpCancelTransfer, &cancelReq); postErr != nil {
				p.log.Debug().Err(postErr).Uint64("request_id", pending.ID()).Msg("Cancel message not delivered")
			}

			p.log.Warn().Str("operation", operation).Uint64("request_id", pending.ID()).Msg("Transfer timed out")

			return nil, models.ErrTransferTimedOut
		}

		return nil, err
	}

	var reply models.TransferReply

	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("%s reply: %w", operation, models.ErrMalformedDescriptor)
	}

	return reply.Data, nil
}
