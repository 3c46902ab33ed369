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
	"encoding/json"

	"github.com/opencardlab/scbridge/pkg/correlator"
	"github.com/opencardlab/scbridge/pkg/models"
)

var _ correlator.EventSink = (*Proxy)(nil)

// HandleEvent implements correlator.EventSink. Events arrive serialized
// on the channel's delivery goroutine.
func (p *Proxy) HandleEvent(name string, payload json.RawMessage) {
	switch name {
	case models.EventReady:
		p.mu.Lock()
		p.ready = true
		p.mu.Unlock()

		p.log.Info().Msg("Peer ready")
	case models.EventDeviceAttached:
		p.handleDeviceEvent(name, payload, p.deviceAttached)
	case models.EventDeviceDetached:
		p.handleDeviceEvent(name, payload, p.deviceDetached)
	default:
		p.log.Warn().Str("event", name).Msg("Unknown event from peer dropped")
	}
}

func (p *Proxy) handleDeviceEvent(name string, payload json.RawMessage, apply func(models.Device)) {
	var ev models.DeviceEvent

	if err := json.Unmarshal(payload, &ev); err != nil {
		p.log.Error().Err(err).Str("event", name).Msg("Undecodable device event dropped")

		return
	}

	apply(ev.Device)
}

func (p *Proxy) deviceAttached(dev models.Device) {
	p.mu.Lock()

	if _, exists := p.devices[dev.ID]; exists {
		// The peer must never alias a live id to a second device.
		p.mu.Unlock()

		p.log.Error().Int64("device_id", int64(dev.ID)).Msg("Peer reattached a live device id; invalidating old state")

		p.deviceDetached(dev)

		p.mu.Lock()
	}

	p.devices[dev.ID] = dev

	p.mu.Unlock()

	p.log.Debug().Int64("device_id", int64(dev.ID)).Msg("Device attached")
}

func (p *Proxy) deviceDetached(dev models.Device) {
	p.mu.Lock()

	delete(p.devices, dev.ID)

	orphaned := make([]*interfaceClaim, 0, 1)

	for key, claim := range p.claims {
		if key.device == dev.ID {
			delete(p.claims, key)
			orphaned = append(orphaned, claim)
		}
	}

	p.mu.Unlock()

	for _, claim := range orphaned {
		claim.markReleased()
	}

	p.log.Debug().Int64("device_id", int64(dev.ID)).Int("orphaned_claims", len(orphaned)).Msg("Device detached")
}

// HandleChannelClosed implements correlator.EventSink: the proxy never
// outlives the channel, so every device and claim is invalidated.
func (p *Proxy) HandleChannelClosed() {
	p.mu.Lock()

	p.closed = true
	p.devices = make(map[models.DeviceID]models.Device)

	orphaned := make([]*interfaceClaim, 0, len(p.claims))
	for _, claim := range p.claims {
		orphaned = append(orphaned, claim)
	}

	p.claims = make(map[claimKey]*interfaceClaim)

	p.mu.Unlock()

	for _, claim := range orphaned {
		claim.markReleased()
	}

	p.log.Info().Msg("Channel closed; device table invalidated")
}
