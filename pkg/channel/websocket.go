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

package channel

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/opencardlab/scbridge/pkg/logger"
	"github.com/opencardlab/scbridge/pkg/models"
)

// WebSocketChannel is a Channel over one WebSocket connection. The
// peer's replies and events arrive on the connection in order and are
// delivered to the handler from a single read-pump goroutine.
type WebSocketChannel struct {
	conn    *websocket.Conn
	handler Handler
	log     zerolog.Logger

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// Dial connects to the peer at url and starts the read pump. The
// handler's HandleClosed fires when the connection drops, whether from
// Close or from the peer side.
func Dial(ctx context.Context, url string, handler Handler, log logger.Logger) (*WebSocketChannel, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}

		return nil, err
	}

	c := &WebSocketChannel{
		conn:    conn,
		handler: handler,
		log:     log.With().Str("component", "channel").Str("session_id", uuid.New().String()).Logger(),
	}

	go c.readPump()

	c.log.Info().Str("url", url).Msg("Connected to peer")

	return c, nil
}

// Send writes one envelope to the peer. gorilla/websocket allows a
// single concurrent writer, so writes are serialized here.
func (c *WebSocketChannel) Send(_ context.Context, env *models.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.WriteJSON(env); err != nil {
		c.log.Error().Err(err).Msg("Failed to write envelope")

		return models.ErrChannelClosed
	}

	return nil
}

// Close tears the connection down. Idempotent; the handler's
// HandleClosed still fires exactly once, from the read pump.
func (c *WebSocketChannel) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})

	return c.closeErr
}

func (c *WebSocketChannel) readPump() {
	for {
		var env models.Envelope

		if err := c.conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Error().Err(err).Msg("Channel read failed")
			} else {
				c.log.Info().Msg("Channel closed")
			}

			_ = c.Close()
			c.handler.HandleClosed(models.ErrChannelClosed)

			return
		}

		c.handler.HandleEnvelope(&env)
	}
}
