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

// Package bridge wires the channel, correlator, USB proxy and PC/SC
// manager into one running unit.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/opencardlab/scbridge/pkg/channel"
	"github.com/opencardlab/scbridge/pkg/correlator"
	"github.com/opencardlab/scbridge/pkg/logger"
	"github.com/opencardlab/scbridge/pkg/models"
	"github.com/opencardlab/scbridge/pkg/pcsc"
	"github.com/opencardlab/scbridge/pkg/usbproxy"
)

var errNoChannelURL = errors.New("channel_url is required")

// Config is the daemon configuration.
type Config struct {
	ChannelURL      string          `json:"channel_url"`
	TransferTimeout models.Duration `json:"transfer_timeout"`
	Logging         logger.Config   `json:"logging"`
}

// Validate implements config.Validator.
func (c *Config) Validate() error {
	if c.ChannelURL == "" {
		return errNoChannelURL
	}

	return nil
}

// Bridge is one live connection to the privileged peer together with
// the protocol stack on top of it.
type Bridge struct {
	ch      *channel.WebSocketChannel
	corr    *correlator.Correlator
	proxy   *usbproxy.Proxy
	manager *pcsc.Manager

	done      chan struct{}
	closeOnce sync.Once
}

// sink fans the correlator's event-side callbacks out to the proxy and,
// on channel loss, tears the PC/SC tables down too.
type sink struct {
	proxy   *usbproxy.Proxy
	manager *pcsc.Manager
	done    chan struct{}
	once    *sync.Once
}

func (s *sink) HandleEvent(name string, payload json.RawMessage) {
	s.proxy.HandleEvent(name, payload)
}

func (s *sink) HandleChannelClosed() {
	s.proxy.HandleChannelClosed()
	s.manager.Shutdown()
	s.once.Do(func() { close(s.done) })
}

// New dials the peer and assembles the stack. The returned bridge is
// serving as soon as New returns; PC/SC operations gate on the peer's
// readiness event.
func New(ctx context.Context, cfg *Config, log logger.Logger) (*Bridge, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	timeout := time.Duration(cfg.TransferTimeout)

	corr := correlator.New(log)
	proxy := usbproxy.New(corr, timeout, log)
	manager := pcsc.NewManager(proxy, timeout, log)

	b := &Bridge{
		corr:    corr,
		proxy:   proxy,
		manager: manager,
		done:    make(chan struct{}),
	}

	corr.SetSink(&sink{proxy: proxy, manager: manager, done: b.done, once: &b.closeOnce})

	ch, err := channel.Dial(ctx, cfg.ChannelURL, corr, log)
	if err != nil {
		return nil, err
	}

	b.ch = ch
	corr.Bind(ch)

	return b, nil
}

// Manager exposes the PC/SC surface for the provider adapter.
func (b *Bridge) Manager() *pcsc.Manager { return b.manager }

// Done is closed when the channel to the peer is gone.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// Close tears the channel down; outstanding calls unblock with
// ErrChannelClosed through the correlator.
func (b *Bridge) Close() error {
	return b.ch.Close()
}
