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
	"context"
	"errors"
	"fmt"

	"github.com/opencardlab/scbridge/pkg/models"
)

var (
	errEmptyAPDU    = errors.New("empty APDU")
	errAPDUTooLarge = fmt.Errorf("APDU exceeds %d bytes", MaxAPDULength)
)

// Class-specific control requests used when the reader's interface has
// no bulk endpoints.
const (
	controlRequestTypeOut = 0x21 // class, interface, host-to-device
	controlRequestTypeIn  = 0xa1 // class, interface, device-to-host
	controlRequestXfr     = 0x6f
	controlResponseXfr    = 0x80
)

// Transmit sends one command APDU to the card and returns the response
// APDU. Transfers against a single card handle are serialized: the
// claimed interface cannot multiplex independent exchanges.
func (m *Manager) Transmit(ctx context.Context, handle CardHandle, apdu []byte) ([]byte, error) {
	if len(apdu) == 0 {
		return nil, errEmptyAPDU
	}

	if len(apdu) > MaxAPDULength {
		return nil, errAPDUTooLarge
	}

	c, err := m.lookupCard(handle)
	if err != nil {
		return nil, err
	}

	c.transmitMu.Lock()
	defer c.transmitMu.Unlock()

	if c.claim.Released() {
		// The device detached (or the channel dropped) after Connect.
		return nil, models.ErrReaderUnavailable
	}

	var response []byte

	if c.bulkIn != nil && c.bulkOut != nil {
		response, err = m.transmitBulk(ctx, c, apdu)
	} else {
		response, err = m.transmitControl(ctx, c, apdu)
	}

	if err != nil {
		return nil, translateProxyError(err)
	}

	return response, nil
}

func (m *Manager) transmitBulk(ctx context.Context, c *card, apdu []byte) ([]byte, error) {
	if _, err := m.proxy.BulkTransfer(ctx, c.deviceID, c.bulkOut, apdu, 0, m.transferTimeout); err != nil {
		return nil, fmt.Errorf("command transfer failed: %w", err)
	}

	response, err := m.proxy.BulkTransfer(ctx, c.deviceID, c.bulkIn, nil, MaxAPDULength, m.transferTimeout)
	if err != nil {
		return nil, fmt.Errorf("response transfer failed: %w", err)
	}

	return response, nil
}

func (m *Manager) transmitControl(ctx context.Context, c *card, apdu []byte) ([]byte, error) {
	out := models.ControlTransferRequest{
		DeviceID:    c.deviceID,
		Direction:   models.DirectionOut,
		RequestType: controlRequestTypeOut,
		Request:     controlRequestXfr,
		Index:       uint16(c.interfaceNumber),
		Data:        apdu,
	}

	if _, err := m.proxy.ControlTransfer(ctx, &out, m.transferTimeout); err != nil {
		return nil, fmt.Errorf("command transfer failed: %w", err)
	}

	in := models.ControlTransferRequest{
		DeviceID:    c.deviceID,
		Direction:   models.DirectionIn,
		RequestType: controlRequestTypeIn,
		Request:     controlResponseXfr,
		Index:       uint16(c.interfaceNumber),
		Length:      ^uint16(0),
	}

	response, err := m.proxy.ControlTransfer(ctx, &in, m.transferTimeout)
	if err != nil {
		return nil, fmt.Errorf("response transfer failed: %w", err)
	}

	return response, nil
}
