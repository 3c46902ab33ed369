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
	"errors"
	"fmt"
	"sync"

	"github.com/opencardlab/scbridge/pkg/models"
)

// interfaceClaim implements Claim. The claim is registered in the
// proxy's table before the peer is asked, so a concurrent second claim
// attempt fails locally with ErrInterfaceBusy instead of racing on the
// wire.
type interfaceClaim struct {
	proxy *Proxy
	key   claimKey

	mu       sync.Mutex
	released bool
}

var _ Claim = (*interfaceClaim)(nil)

// ClaimInterface takes the exclusive claim on one interface. At most
// one live claim per (device, interface number) exists at a time.
func (p *Proxy) ClaimInterface(ctx context.Context, id models.DeviceID, interfaceNumber uint8) (Claim, error) {
	key := claimKey{device: id, iface: interfaceNumber}

	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()

		return nil, models.ErrChannelClosed
	}

	if _, busy := p.claims[key]; busy {
		p.mu.Unlock()

		return nil, fmt.Errorf("interface %d on device %d: %w",
			interfaceNumber, id, models.ErrInterfaceBusy)
	}

	claim := &interfaceClaim{proxy: p, key: key}
	p.claims[key] = claim

	p.mu.Unlock()

	req := models.ClaimInterfaceRequest{DeviceID: id, InterfaceNumber: interfaceNumber}

	if err := p.call(ctx, models.OpClaimInterface, &req, nil); err != nil {
		p.dropClaim(claim)

		return nil, err
	}

	p.log.Debug().Int64("device_id", int64(id)).Uint8("interface", interfaceNumber).Msg("Claimed interface")

	return claim, nil
}

// Release gives the interface back. Further calls are no-ops. The
// release message to the peer is best effort: once the local claim is
// gone the interface is reclaimable regardless.
func (c *interfaceClaim) Release(ctx context.Context) error {
	c.mu.Lock()

	if c.released {
		c.mu.Unlock()

		return nil
	}

	c.released = true

	c.mu.Unlock()

	c.proxy.dropClaim(c)

	req := models.ClaimInterfaceRequest{DeviceID: c.key.device, InterfaceNumber: c.key.iface}

	err := c.proxy.call(ctx, models.OpReleaseInterface, &req, nil)
	if err != nil && !errors.Is(err, models.ErrChannelClosed) {
		return fmt.Errorf("failed to release interface %d on device %d: %w",
			c.key.iface, c.key.device, err)
	}

	return nil
}

// Released reports whether the claim is no longer held, whether from
// Release, device detach or channel loss.
func (c *interfaceClaim) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.released
}

// markReleased invalidates the claim without contacting the peer; used
// on detach and teardown, where the peer-side claim is gone anyway.
func (c *interfaceClaim) markReleased() {
	c.mu.Lock()
	c.released = true
	c.mu.Unlock()
}

// dropClaim removes the claim from the table if it is still the
// registered holder of its key.
func (p *Proxy) dropClaim(c *interfaceClaim) {
	p.mu.Lock()

	if cur, ok := p.claims[c.key]; ok && cur == c {
		delete(p.claims, c.key)
	}

	p.mu.Unlock()
}
