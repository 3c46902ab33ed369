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

// Package usbproxy models USB topology on behalf of the privileged
// peer and translates USB operations into correlated channel requests.
// Nothing in this package touches real hardware.
package usbproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opencardlab/scbridge/pkg/correlator"
	"github.com/opencardlab/scbridge/pkg/logger"
	"github.com/opencardlab/scbridge/pkg/models"
)

const defaultTransferTimeout = 30 * time.Second

// Claim is an exclusive hold on one interface of one device. Release
// is idempotent; a claim invalidated by device detach or channel loss
// behaves as already released.
type Claim interface {
	Release(ctx context.Context) error
	Released() bool
}

type claimKey struct {
	device models.DeviceID
	iface  uint8
}

// Proxy is the synchronous-looking USB access surface. Every operation
// may block the calling goroutine until the peer replies or the
// channel closes; the proxy's own mutex is never held across such a
// wait.
type Proxy struct {
	corr            *correlator.Correlator
	transferTimeout time.Duration
	log             zerolog.Logger

	mu      sync.Mutex
	ready   bool
	closed  bool
	devices map[models.DeviceID]models.Device
	claims  map[claimKey]*interfaceClaim
}

// New creates a Proxy on top of the given correlator. A zero
// transferTimeout selects the default.
func New(corr *correlator.Correlator, transferTimeout time.Duration, log logger.Logger) *Proxy {
	if transferTimeout <= 0 {
		transferTimeout = defaultTransferTimeout
	}

	return &Proxy{
		corr:            corr,
		transferTimeout: transferTimeout,
		log:             log.WithComponent("usbproxy"),
		devices:         make(map[models.DeviceID]models.Device),
		claims:          make(map[claimKey]*interfaceClaim),
	}
}

// Ready reports whether the peer has announced readiness. One-shot:
// once true it stays true for the lifetime of the channel.
func (p *Proxy) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.ready
}

// call sends one request and blocks until its reply, decoding the
// reply payload into reply when non-nil.
func (p *Proxy) call(ctx context.Context, operation string, payload, reply interface{}) error {
	pending, err := p.corr.Send(ctx, operation, payload)
	if err != nil {
		return err
	}

	raw, err := p.corr.Wait(ctx, pending)
	if err != nil {
		return err
	}

	if reply == nil {
		return nil
	}

	if err := json.Unmarshal(raw, reply); err != nil {
		p.log.Error().Err(err).Str("operation", operation).Msg("Undecodable reply from peer")

		return fmt.Errorf("%s reply: %w", operation, models.ErrMalformedDescriptor)
	}

	return nil
}

// ListDevices requests a fresh enumeration snapshot from the peer. The
// result is never cached across calls; the returned order is the
// peer's enumeration order.
func (p *Proxy) ListDevices(ctx context.Context) ([]models.Device, error) {
	var reply models.ListDevicesReply

	if err := p.call(ctx, models.OpListDevices, nil, &reply); err != nil {
		return nil, err
	}

	p.mu.Lock()

	p.devices = make(map[models.DeviceID]models.Device, len(reply.Devices))
	for _, dev := range reply.Devices {
		p.devices[dev.ID] = dev
	}

	p.mu.Unlock()

	return reply.Devices, nil
}

// GetConfigurationDescriptor returns the device's active configuration
// descriptor, fully validated. A stale device id yields
// models.ErrDeviceNotFound.
func (p *Proxy) GetConfigurationDescriptor(ctx context.Context, id models.DeviceID) (*models.ConfigDescriptor, error) {
	var reply models.GetConfigurationsReply

	req := models.GetConfigurationsRequest{DeviceID: id}
	if err := p.call(ctx, models.OpGetConfigurations, &req, &reply); err != nil {
		return nil, err
	}

	var active *models.ConfigDescriptor

	for i := range reply.Configurations {
		cfg := &reply.Configurations[i]

		if err := validateConfigDescriptor(cfg); err != nil {
			p.log.Error().Err(err).Int64("device_id", int64(id)).Msg("Rejected descriptor from peer")

			return nil, err
		}

		if cfg.Active && active == nil {
			active = cfg
		}
	}

	if active == nil {
		return nil, fmt.Errorf("device %d has no active configuration: %w", id, models.ErrMalformedDescriptor)
	}

	return active, nil
}
