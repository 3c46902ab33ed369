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
	"strings"

	"github.com/opencardlab/scbridge/pkg/models"
	"github.com/opencardlab/scbridge/pkg/usbproxy"
)

// readerEntry binds a derived reader name to the device backing it
// within one enumeration snapshot.
type readerEntry struct {
	name   string
	device models.Device
	config *models.ConfigDescriptor
}

// ListReaders returns the names of the attached smart-card readers in
// peer enumeration order. An empty filtered set is the distinguished
// error models.ErrNoReadersAvailable, never an empty success.
func (m *Manager) ListReaders(ctx context.Context, handle ContextHandle) ([]string, error) {
	if err := m.lookupContext(handle); err != nil {
		return nil, err
	}

	entries, err := m.snapshotReaders(ctx)
	if err != nil {
		return nil, err
	}

	if len(entries) == 0 {
		return nil, models.ErrNoReadersAvailable
	}

	names := make([]string, len(entries))
	for i, entry := range entries {
		names[i] = entry.name
	}

	return names, nil
}

// snapshotReaders derives the Reader→Device mapping fresh from the
// current device set. The mapping is never cached: a reader name is
// only meaningful within the snapshot that produced it.
func (m *Manager) snapshotReaders(ctx context.Context) ([]readerEntry, error) {
	if !m.proxy.Ready() {
		return nil, models.ErrNotReady
	}

	devices, err := m.proxy.ListDevices(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]readerEntry, 0, len(devices))
	nameCounts := make(map[string]int)

	// Keep the peer's enumeration order so the disambiguating index
	// suffixes stay stable within one snapshot.
	for _, dev := range devices {
		cfg, err := m.proxy.GetConfigurationDescriptor(ctx, dev.ID)
		if err != nil {
			if errors.Is(err, models.ErrDeviceNotFound) {
				// Detached between enumeration and descriptor fetch.
				continue
			}

			m.log.Error().Err(err).Int64("device_id", int64(dev.ID)).Msg("Failed to read configuration descriptor")

			return nil, err
		}

		if !cfg.IsSmartCardReader() {
			continue
		}

		base := readerBaseName(dev)
		index := nameCounts[base]
		nameCounts[base]++

		entries = append(entries, readerEntry{
			name:   fmt.Sprintf("%s %02d", base, index),
			device: dev,
			config: cfg,
		})
	}

	return entries, nil
}

// readerBaseName synthesizes a human-readable name from the device's
// string descriptors, falling back to the vendor/product pair when the
// peer could not read them.
func readerBaseName(dev models.Device) string {
	var parts []string

	if dev.ManufacturerName != nil && *dev.ManufacturerName != "" {
		parts = append(parts, *dev.ManufacturerName)
	}

	if dev.ProductName != nil && *dev.ProductName != "" {
		parts = append(parts, *dev.ProductName)
	}

	if len(parts) == 0 {
		return fmt.Sprintf("USB Reader %04X:%04X", dev.VendorID, dev.ProductID)
	}

	return strings.Join(parts, " ")
}

// Connect resolves the reader name against a fresh snapshot, claims
// the device's smart-card interface and returns a new card handle
// bound to that claim.
func (m *Manager) Connect(ctx context.Context, handle ContextHandle, readerName string) (CardHandle, error) {
	if err := m.lookupContext(handle); err != nil {
		return 0, err
	}

	entries, err := m.snapshotReaders(ctx)
	if err != nil {
		return 0, err
	}

	var entry *readerEntry

	for i := range entries {
		if entries[i].name == readerName {
			entry = &entries[i]
			break
		}
	}

	if entry == nil {
		return 0, fmt.Errorf("%w: %q", models.ErrReaderUnavailable, readerName)
	}

	iface := smartCardInterface(entry.config)
	if iface == nil {
		return 0, fmt.Errorf("%w: %q", models.ErrReaderUnavailable, readerName)
	}

	claim, err := m.proxy.ClaimInterface(ctx, entry.device.ID, iface.InterfaceNumber)
	if err != nil {
		return 0, translateProxyError(err)
	}

	c := &card{
		context:         handle,
		deviceID:        entry.device.ID,
		readerName:      entry.name,
		claim:           claim,
		interfaceNumber: iface.InterfaceNumber,
		bulkIn:          usbproxy.FindEndpoint(iface, models.DirectionIn, models.EndpointTypeBulk),
		bulkOut:         usbproxy.FindEndpoint(iface, models.DirectionOut, models.EndpointTypeBulk),
	}

	m.mu.Lock()

	// The context may have been released while we were blocked in the
	// claim call; the new handle must not outlive its parent.
	pctx, open := m.contexts[handle]
	if !open {
		m.mu.Unlock()

		if relErr := claim.Release(ctx); relErr != nil {
			m.log.Warn().Err(relErr).Msg("Interface release failed after context vanished")
		}

		return 0, models.ErrInvalidHandle
	}

	m.nextCard++
	c.handle = m.nextCard
	m.cards[c.handle] = c
	pctx.cards[c.handle] = struct{}{}

	m.mu.Unlock()

	m.log.Debug().Uint32("card", uint32(c.handle)).Str("reader", c.readerName).Msg("Card connected")

	return c.handle, nil
}

// smartCardInterface returns the CCID interface of the configuration,
// or nil when the device is not a reader.
func smartCardInterface(cfg *models.ConfigDescriptor) *models.InterfaceDescriptor {
	for i := range cfg.Interfaces {
		if cfg.Interfaces[i].InterfaceClass == models.InterfaceClassSmartCard {
			return &cfg.Interfaces[i]
		}
	}

	return nil
}
