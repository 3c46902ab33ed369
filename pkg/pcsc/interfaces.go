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
	"time"

	"github.com/opencardlab/scbridge/pkg/models"
	"github.com/opencardlab/scbridge/pkg/usbproxy"
)

// DeviceProxy is the USB access surface the manager builds on.
type DeviceProxy interface {
	Ready() bool
	ListDevices(ctx context.Context) ([]models.Device, error)
	GetConfigurationDescriptor(ctx context.Context, id models.DeviceID) (*models.ConfigDescriptor, error)
	ClaimInterface(ctx context.Context, id models.DeviceID, interfaceNumber uint8) (usbproxy.Claim, error)
	ControlTransfer(ctx context.Context, req *models.ControlTransferRequest, timeout time.Duration) ([]byte, error)
	BulkTransfer(ctx context.Context, id models.DeviceID, ep *models.EndpointDescriptor, out []byte, inLength uint32, timeout time.Duration) ([]byte, error)
}

var _ DeviceProxy = (*usbproxy.Proxy)(nil)
