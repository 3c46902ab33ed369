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
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencardlab/scbridge/pkg/logger"
	"github.com/opencardlab/scbridge/pkg/models"
	"github.com/opencardlab/scbridge/pkg/usbproxy"
)

// mockClaim implements usbproxy.Claim.
type mockClaim struct {
	mu       sync.Mutex
	proxy    *mockProxy
	key      string
	released bool
}

var _ usbproxy.Claim = (*mockClaim)(nil)

func (c *mockClaim) Release(_ context.Context) error {
	c.mu.Lock()
	already := c.released
	c.released = true
	c.mu.Unlock()

	if !already && c.proxy != nil {
		c.proxy.releaseClaim(c.key)
	}

	return nil
}

func (c *mockClaim) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.released
}

// mockProxy implements DeviceProxy over an in-memory device set, with
// the same claim exclusivity the real proxy enforces.
type mockProxy struct {
	mu       sync.Mutex
	ready    bool
	devices  []models.Device
	configs  map[models.DeviceID]*models.ConfigDescriptor
	claims   map[string]*mockClaim
	bulkOut  [][]byte
	controls []models.ControlTransferRequest
	response []byte

	transferErr error
}

var _ DeviceProxy = (*mockProxy)(nil)

func newMockProxy() *mockProxy {
	return &mockProxy{
		ready:    true,
		configs:  make(map[models.DeviceID]*models.ConfigDescriptor),
		claims:   make(map[string]*mockClaim),
		response: []byte{0x90, 0x00},
	}
}

func (m *mockProxy) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.ready
}

func (m *mockProxy) ListDevices(_ context.Context) ([]models.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]models.Device, len(m.devices))
	copy(out, m.devices)

	return out, nil
}

func (m *mockProxy) GetConfigurationDescriptor(_ context.Context, id models.DeviceID) (*models.ConfigDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, ok := m.configs[id]
	if !ok {
		return nil, models.ErrDeviceNotFound
	}

	return cfg, nil
}

func claimKeyFor(id models.DeviceID, iface uint8) string {
	return fmt.Sprintf("%d/%d", id, iface)
}

func (m *mockProxy) ClaimInterface(_ context.Context, id models.DeviceID, iface uint8) (usbproxy.Claim, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := claimKeyFor(id, iface)

	if _, busy := m.claims[key]; busy {
		return nil, models.ErrInterfaceBusy
	}

	claim := &mockClaim{proxy: m, key: key}
	m.claims[key] = claim

	return claim, nil
}

func (m *mockProxy) releaseClaim(key string) {
	m.mu.Lock()
	delete(m.claims, key)
	m.mu.Unlock()
}

func (m *mockProxy) ControlTransfer(_ context.Context, req *models.ControlTransferRequest, _ time.Duration) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.transferErr != nil {
		return nil, m.transferErr
	}

	m.controls = append(m.controls, *req)

	if req.Direction == models.DirectionOut {
		m.bulkOut = append(m.bulkOut, req.Data)
		return nil, nil
	}

	return m.response, nil
}

func (m *mockProxy) BulkTransfer(_ context.Context, _ models.DeviceID, ep *models.EndpointDescriptor, out []byte, _ uint32, _ time.Duration) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.transferErr != nil {
		return nil, m.transferErr
	}

	if ep.Direction == models.DirectionOut {
		m.bulkOut = append(m.bulkOut, out)
		return nil, nil
	}

	return m.response, nil
}

// addReader attaches a simulated CCID reader device.
func (m *mockProxy) addReader(id models.DeviceID, product string) {
	cfg := models.ConfigDescriptor{
		Active:             true,
		ConfigurationValue: 1,
		Interfaces: []models.InterfaceDescriptor{
			{
				InterfaceNumber: 0,
				InterfaceClass:  models.InterfaceClassSmartCard,
				Endpoints: []models.EndpointDescriptor{
					{EndpointAddress: 0x02, Direction: models.DirectionOut, Type: models.EndpointTypeBulk, MaxPacketSize: 64},
					{EndpointAddress: 0x82, Direction: models.DirectionIn, Type: models.EndpointTypeBulk, MaxPacketSize: 64},
				},
			},
		},
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.devices = append(m.devices, models.Device{
		ID:          id,
		VendorID:    0x08e6,
		ProductID:   0x3437,
		ProductName: &product,
	})
	m.configs[id] = &cfg
}

// addControlOnlyReader attaches a simulated CCID reader whose interface
// exposes no bulk endpoints, forcing Transmit onto control transfers.
func (m *mockProxy) addControlOnlyReader(id models.DeviceID, product string) {
	cfg := models.ConfigDescriptor{
		Active:             true,
		ConfigurationValue: 1,
		Interfaces: []models.InterfaceDescriptor{
			{
				InterfaceNumber: 0,
				InterfaceClass:  models.InterfaceClassSmartCard,
				Endpoints: []models.EndpointDescriptor{
					{EndpointAddress: 0x83, Direction: models.DirectionIn, Type: models.EndpointTypeInterrupt, MaxPacketSize: 8},
				},
			},
		},
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.devices = append(m.devices, models.Device{
		ID:          id,
		VendorID:    0x08e6,
		ProductID:   0x3437,
		ProductName: &product,
	})
	m.configs[id] = &cfg
}

// addNonReader attaches a simulated device that is not a smart-card
// reader.
func (m *mockProxy) addNonReader(id models.DeviceID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.devices = append(m.devices, models.Device{ID: id, VendorID: 0x046d, ProductID: 0xc077})
	m.configs[id] = &models.ConfigDescriptor{
		Active:             true,
		ConfigurationValue: 1,
		Interfaces: []models.InterfaceDescriptor{
			{InterfaceNumber: 0, InterfaceClass: 0x03},
		},
	}
}

func (m *mockProxy) detach(id models.DeviceID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, dev := range m.devices {
		if dev.ID == id {
			m.devices = append(m.devices[:i], m.devices[i+1:]...)
			break
		}
	}

	delete(m.configs, id)

	prefix := fmt.Sprintf("%d/", id)

	for key, claim := range m.claims {
		if strings.HasPrefix(key, prefix) {
			claim.released = true
			delete(m.claims, key)
		}
	}
}

func newTestManager(t *testing.T) (*Manager, *mockProxy) {
	t.Helper()

	proxy := newMockProxy()

	return NewManager(proxy, time.Second, logger.NewTestLogger()), proxy
}

func TestEstablishContextReturnsUniqueHandles(t *testing.T) {
	m, _ := newTestManager(t)

	first, err := m.EstablishContext()
	require.NoError(t, err)

	second, err := m.EstablishContext()
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestReleaseContextLifecycle(t *testing.T) {
	m, proxy := newTestManager(t)
	proxy.addReader(1, "Reader A")

	handle, err := m.EstablishContext()
	require.NoError(t, err)

	// Valid while open.
	_, err = m.ListReaders(context.Background(), handle)
	require.NoError(t, err)

	require.NoError(t, m.ReleaseContext(context.Background(), handle))

	// Invalid after release; release is terminal.
	_, err = m.ListReaders(context.Background(), handle)
	assert.ErrorIs(t, err, models.ErrInvalidHandle)
	assert.ErrorIs(t, m.ReleaseContext(context.Background(), handle), models.ErrInvalidHandle)
}

func TestReleaseNeverIssuedHandle(t *testing.T) {
	m, _ := newTestManager(t)

	err := m.ReleaseContext(context.Background(), ContextHandle(4242))
	assert.ErrorIs(t, err, models.ErrInvalidHandle)
}

func TestListReadersSingleDevice(t *testing.T) {
	m, proxy := newTestManager(t)
	proxy.addReader(1, "Reader A")

	handle, err := m.EstablishContext()
	require.NoError(t, err)

	readers, err := m.ListReaders(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, []string{"Reader A 00"}, readers)
}

func TestListReadersEnumerationOrder(t *testing.T) {
	m, proxy := newTestManager(t)
	proxy.addReader(1, "Twin Reader")
	proxy.addNonReader(2)
	proxy.addReader(3, "Twin Reader")

	handle, err := m.EstablishContext()
	require.NoError(t, err)

	readers, err := m.ListReaders(context.Background(), handle)
	require.NoError(t, err)

	// Peer enumeration order, identical names disambiguated by index.
	assert.Equal(t, []string{"Twin Reader 00", "Twin Reader 01"}, readers)
}

func TestListReadersEmptyIsDistinguishedError(t *testing.T) {
	m, proxy := newTestManager(t)
	proxy.addNonReader(1)

	handle, err := m.EstablishContext()
	require.NoError(t, err)

	readers, err := m.ListReaders(context.Background(), handle)
	assert.ErrorIs(t, err, models.ErrNoReadersAvailable)
	assert.Empty(t, readers)
}

func TestListReadersNotReady(t *testing.T) {
	m, proxy := newTestManager(t)
	proxy.ready = false

	handle, err := m.EstablishContext()
	require.NoError(t, err)

	_, err = m.ListReaders(context.Background(), handle)
	assert.ErrorIs(t, err, models.ErrNotReady)
}

func TestConnectAndTransmit(t *testing.T) {
	m, proxy := newTestManager(t)
	proxy.addReader(1, "Reader A")

	handle, err := m.EstablishContext()
	require.NoError(t, err)

	card, err := m.Connect(context.Background(), handle, "Reader A 00")
	require.NoError(t, err)

	apdu := []byte{0x00, 0xa4, 0x04, 0x00}

	response, err := m.Transmit(context.Background(), card, apdu)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x90, 0x00}, response)

	proxy.mu.Lock()
	sent := proxy.bulkOut
	proxy.mu.Unlock()

	require.Len(t, sent, 1)
	assert.Equal(t, apdu, sent[0])

	require.NoError(t, m.Disconnect(context.Background(), card, LeaveCard))

	// Terminal: the handle is gone.
	assert.ErrorIs(t, m.Disconnect(context.Background(), card, LeaveCard), models.ErrInvalidHandle)
}

func TestTransmitControlFallback(t *testing.T) {
	m, proxy := newTestManager(t)
	proxy.addControlOnlyReader(1, "Reader A")

	handle, err := m.EstablishContext()
	require.NoError(t, err)

	card, err := m.Connect(context.Background(), handle, "Reader A 00")
	require.NoError(t, err)

	apdu := []byte{0x00, 0xa4, 0x04, 0x00}

	response, err := m.Transmit(context.Background(), card, apdu)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x90, 0x00}, response)

	proxy.mu.Lock()
	controls := proxy.controls
	proxy.mu.Unlock()

	// One class-specific OUT with the APDU, then the IN for the
	// response.
	require.Len(t, controls, 2)

	out := controls[0]
	assert.Equal(t, models.DirectionOut, out.Direction)
	assert.Equal(t, uint8(controlRequestTypeOut), out.RequestType)
	assert.Equal(t, uint8(controlRequestXfr), out.Request)
	assert.Equal(t, uint16(0), out.Index)
	assert.Equal(t, apdu, out.Data)
	assert.Zero(t, out.Length)

	in := controls[1]
	assert.Equal(t, models.DirectionIn, in.Direction)
	assert.Equal(t, uint8(controlRequestTypeIn), in.RequestType)
	assert.Equal(t, uint8(controlResponseXfr), in.Request)
	assert.Equal(t, uint16(0), in.Index)
	assert.Empty(t, in.Data)
	assert.Equal(t, ^uint16(0), in.Length)
}

func TestConnectUnknownReaderName(t *testing.T) {
	m, proxy := newTestManager(t)
	proxy.addReader(1, "Reader A")

	handle, err := m.EstablishContext()
	require.NoError(t, err)

	_, err = m.Connect(context.Background(), handle, "Reader B 00")
	assert.ErrorIs(t, err, models.ErrReaderUnavailable)
}

func TestConnectInvalidContext(t *testing.T) {
	m, proxy := newTestManager(t)
	proxy.addReader(1, "Reader A")

	_, err := m.Connect(context.Background(), ContextHandle(77), "Reader A 00")
	assert.ErrorIs(t, err, models.ErrInvalidHandle)
}

func TestReleaseContextCascadesToCards(t *testing.T) {
	m, proxy := newTestManager(t)
	proxy.addReader(1, "Reader A")

	handle, err := m.EstablishContext()
	require.NoError(t, err)

	card, err := m.Connect(context.Background(), handle, "Reader A 00")
	require.NoError(t, err)

	require.NoError(t, m.ReleaseContext(context.Background(), handle))

	_, err = m.Transmit(context.Background(), card, []byte{0x00})
	assert.ErrorIs(t, err, models.ErrInvalidHandle)
	assert.ErrorIs(t, m.Disconnect(context.Background(), card, LeaveCard), models.ErrInvalidHandle)

	// The claimed interface was given back during the cascade.
	proxy.mu.Lock()
	assert.Empty(t, proxy.claims)
	proxy.mu.Unlock()
}

func TestConcurrentConnectExactlyOneWins(t *testing.T) {
	m, proxy := newTestManager(t)
	proxy.addReader(1, "Reader A")

	first, err := m.EstablishContext()
	require.NoError(t, err)

	second, err := m.EstablishContext()
	require.NoError(t, err)

	type result struct {
		card CardHandle
		err  error
	}

	results := make([]result, 2)

	var wg sync.WaitGroup

	for i, handle := range []ContextHandle{first, second} {
		wg.Add(1)

		go func(i int, h ContextHandle) {
			defer wg.Done()

			card, err := m.Connect(context.Background(), h, "Reader A 00")
			results[i] = result{card: card, err: err}
		}(i, handle)
	}

	wg.Wait()

	var wins, busies int

	for _, r := range results {
		switch {
		case r.err == nil:
			wins++
		case assert.ErrorIs(t, r.err, models.ErrInterfaceBusy):
			busies++
		}
	}

	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, busies)
}

func TestTransmitDetachedReader(t *testing.T) {
	m, proxy := newTestManager(t)
	proxy.addReader(1, "Reader A")

	handle, err := m.EstablishContext()
	require.NoError(t, err)

	card, err := m.Connect(context.Background(), handle, "Reader A 00")
	require.NoError(t, err)

	proxy.detach(1)

	_, err = m.Transmit(context.Background(), card, []byte{0x00})
	assert.ErrorIs(t, err, models.ErrReaderUnavailable)
}

func TestTransmitMapsDeviceNotFound(t *testing.T) {
	m, proxy := newTestManager(t)
	proxy.addReader(1, "Reader A")

	handle, err := m.EstablishContext()
	require.NoError(t, err)

	card, err := m.Connect(context.Background(), handle, "Reader A 00")
	require.NoError(t, err)

	proxy.mu.Lock()
	proxy.transferErr = models.ErrDeviceNotFound
	proxy.mu.Unlock()

	_, err = m.Transmit(context.Background(), card, []byte{0x00})
	assert.ErrorIs(t, err, models.ErrReaderUnavailable)
}

func TestTransmitAPDUBounds(t *testing.T) {
	m, proxy := newTestManager(t)
	proxy.addReader(1, "Reader A")

	handle, err := m.EstablishContext()
	require.NoError(t, err)

	card, err := m.Connect(context.Background(), handle, "Reader A 00")
	require.NoError(t, err)

	_, err = m.Transmit(context.Background(), card, nil)
	assert.ErrorIs(t, err, errEmptyAPDU)

	_, err = m.Transmit(context.Background(), card, make([]byte, MaxAPDULength+1))
	assert.Error(t, err)
}

func TestShutdownInvalidatesEverything(t *testing.T) {
	m, proxy := newTestManager(t)
	proxy.addReader(1, "Reader A")

	handle, err := m.EstablishContext()
	require.NoError(t, err)

	card, err := m.Connect(context.Background(), handle, "Reader A 00")
	require.NoError(t, err)

	m.Shutdown()

	_, err = m.EstablishContext()
	assert.ErrorIs(t, err, models.ErrChannelClosed)

	_, err = m.ListReaders(context.Background(), handle)
	assert.ErrorIs(t, err, models.ErrInvalidHandle)

	_, err = m.Transmit(context.Background(), card, []byte{0x00})
	assert.ErrorIs(t, err, models.ErrInvalidHandle)
}
