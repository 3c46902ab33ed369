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
	"fmt"

	"github.com/opencardlab/scbridge/pkg/models"
)

// validateConfigDescriptor checks a peer-supplied configuration
// descriptor for internal consistency before anything indexes into it.
// The peer is semi-trusted: a malformed descriptor is rejected, never
// worked around.
func validateConfigDescriptor(cfg *models.ConfigDescriptor) error {
	seen := make(map[uint8]bool, len(cfg.Interfaces))

	for i := range cfg.Interfaces {
		iface := &cfg.Interfaces[i]

		if seen[iface.InterfaceNumber] {
			return fmt.Errorf("duplicate interface number %d: %w",
				iface.InterfaceNumber, models.ErrMalformedDescriptor)
		}

		seen[iface.InterfaceNumber] = true

		for j := range iface.Endpoints {
			if err := validateEndpointDescriptor(&iface.Endpoints[j]); err != nil {
				return err
			}
		}
	}

	return nil
}

func validateEndpointDescriptor(ep *models.EndpointDescriptor) error {
	if models.DirectionFromAddress(ep.EndpointAddress) != ep.Direction {
		return fmt.Errorf("endpoint 0x%02x direction disagrees with its address bit: %w",
			ep.EndpointAddress, models.ErrMalformedDescriptor)
	}

	switch ep.Type {
	case models.EndpointTypeControl,
		models.EndpointTypeBulk,
		models.EndpointTypeInterrupt,
		models.EndpointTypeIsochronous:
	default:
		return fmt.Errorf("endpoint 0x%02x has unknown transfer type %d: %w",
			ep.EndpointAddress, ep.Type, models.ErrMalformedDescriptor)
	}

	if ep.MaxPacketSize == 0 {
		return fmt.Errorf("endpoint 0x%02x has zero max packet size: %w",
			ep.EndpointAddress, models.ErrMalformedDescriptor)
	}

	return nil
}

// FindInterface returns the interface with the given number within a
// configuration, or nil.
func FindInterface(cfg *models.ConfigDescriptor, number uint8) *models.InterfaceDescriptor {
	for i := range cfg.Interfaces {
		if cfg.Interfaces[i].InterfaceNumber == number {
			return &cfg.Interfaces[i]
		}
	}

	return nil
}

// FindEndpoint returns the first endpoint of the interface matching
// the direction and type, or nil.
func FindEndpoint(iface *models.InterfaceDescriptor, dir models.Direction, typ models.EndpointType) *models.EndpointDescriptor {
	for i := range iface.Endpoints {
		ep := &iface.Endpoints[i]
		if ep.Direction == dir && ep.Type == typ {
			return ep
		}
	}

	return nil
}
