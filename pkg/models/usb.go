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

// Package models holds the data structures shared between the channel,
// the USB device proxy and the PC/SC layer.
package models

// DeviceID identifies one attached USB device as reported by the
// privileged peer. It is transient: it stays constant while the device
// remains attached and is never reused for a different live device.
type DeviceID int64

// Direction is the transfer direction relative to the host.
type Direction uint8

const (
	DirectionOut Direction = iota
	DirectionIn
)

func (d Direction) String() string {
	if d == DirectionIn {
		return "in"
	}

	return "out"
}

// EndpointType is the USB transfer type of an endpoint.
type EndpointType uint8

const (
	EndpointTypeControl EndpointType = iota
	EndpointTypeBulk
	EndpointTypeInterrupt
	EndpointTypeIsochronous
)

func (t EndpointType) String() string {
	switch t {
	case EndpointTypeControl:
		return "control"
	case EndpointTypeBulk:
		return "bulk"
	case EndpointTypeInterrupt:
		return "interrupt"
	case EndpointTypeIsochronous:
		return "isochronous"
	default:
		return "unknown"
	}
}

const (
	// endpointDirectionMask is bit 7 of bEndpointAddress.
	endpointDirectionMask = 0x80

	// InterfaceClassSmartCard is the USB class code for CCID readers.
	InterfaceClassSmartCard = 0x0b
)

// DirectionFromAddress decodes the direction bit embedded in a raw
// bEndpointAddress byte.
func DirectionFromAddress(address uint8) Direction {
	if address&endpointDirectionMask != 0 {
		return DirectionIn
	}

	return DirectionOut
}

// Device describes one attached USB device. The string fields are nil
// when the peer could not read the corresponding string descriptor.
type Device struct {
	ID               DeviceID `json:"device_id"`
	VendorID         uint16   `json:"vendor_id"`
	ProductID        uint16   `json:"product_id"`
	Version          *int64   `json:"version,omitempty"`
	ProductName      *string  `json:"product_name,omitempty"`
	ManufacturerName *string  `json:"manufacturer_name,omitempty"`
	SerialNumber     *string  `json:"serial_number,omitempty"`
}

// ConfigDescriptor is one USB configuration. Only the active
// configuration needs to be fully populated at any time.
type ConfigDescriptor struct {
	Active             bool                  `json:"active"`
	ConfigurationValue uint8                 `json:"configuration_value"`
	ExtraData          []byte                `json:"extra_data,omitempty"`
	Interfaces         []InterfaceDescriptor `json:"interfaces"`
}

// InterfaceDescriptor is one interface within a configuration.
type InterfaceDescriptor struct {
	InterfaceNumber   uint8                `json:"interface_number"`
	InterfaceClass    uint8                `json:"interface_class"`
	InterfaceSubclass uint8                `json:"interface_subclass"`
	InterfaceProtocol uint8                `json:"interface_protocol"`
	ExtraData         []byte               `json:"extra_data,omitempty"`
	Endpoints         []EndpointDescriptor `json:"endpoints"`
}

// EndpointDescriptor is one endpoint within an interface. Direction is
// the decoded form of the direction bit in EndpointAddress; the two must
// agree in any descriptor accepted from the peer.
type EndpointDescriptor struct {
	EndpointAddress uint8        `json:"endpoint_address"`
	Direction       Direction    `json:"direction"`
	Type            EndpointType `json:"type"`
	MaxPacketSize   uint16       `json:"max_packet_size"`
	ExtraData       []byte       `json:"extra_data,omitempty"`
}

// IsSmartCardReader reports whether any interface of the configuration
// identifies the device as a CCID smart-card reader.
func (c *ConfigDescriptor) IsSmartCardReader() bool {
	for i := range c.Interfaces {
		if c.Interfaces[i].InterfaceClass == InterfaceClassSmartCard {
			return true
		}
	}

	return false
}
