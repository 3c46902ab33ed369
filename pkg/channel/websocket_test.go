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
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencardlab/scbridge/pkg/logger"
	"github.com/opencardlab/scbridge/pkg/models"
)

type collectingHandler struct {
	mu        sync.Mutex
	envelopes []models.Envelope
	closed    chan error
}

var _ Handler = (*collectingHandler)(nil)

func newCollectingHandler() *collectingHandler {
	return &collectingHandler{closed: make(chan error, 1)}
}

func (h *collectingHandler) HandleEnvelope(env *models.Envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.envelopes = append(h.envelopes, *env)
}

func (h *collectingHandler) HandleClosed(err error) {
	h.closed <- err
}

func (h *collectingHandler) received() []models.Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]models.Envelope, len(h.envelopes))
	copy(out, h.envelopes)

	return out
}

// echoPeer upgrades the connection and answers every request envelope
// with a reply echoing the request id.
func echoPeer(t *testing.T) *httptest.Server {
	t.Helper()

	upgrader := websocket.Upgrader{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)

		defer conn.Close()

		for {
			var env models.Envelope

			if err := conn.ReadJSON(&env); err != nil {
				return
			}

			reply := models.Envelope{
				Kind:      models.MessageKindReply,
				RequestID: env.RequestID,
				Payload:   env.Payload,
			}

			if err := conn.WriteJSON(&reply); err != nil {
				return
			}
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWebSocketRoundTrip(t *testing.T) {
	server := echoPeer(t)
	defer server.Close()

	handler := newCollectingHandler()

	ch, err := Dial(context.Background(), wsURL(server), handler, logger.NewTestLogger())
	require.NoError(t, err)

	defer ch.Close()

	env := &models.Envelope{
		Kind:      models.MessageKindRequest,
		RequestID: 1,
		Operation: models.OpListDevices,
	}

	require.NoError(t, ch.Send(context.Background(), env))

	require.Eventually(t, func() bool {
		return len(handler.received()) == 1
	}, time.Second, 10*time.Millisecond)

	got := handler.received()[0]
	assert.Equal(t, models.MessageKindReply, got.Kind)
	assert.Equal(t, uint64(1), got.RequestID)
}

func TestCloseFiresHandleClosedOnce(t *testing.T) {
	server := echoPeer(t)
	defer server.Close()

	handler := newCollectingHandler()

	ch, err := Dial(context.Background(), wsURL(server), handler, logger.NewTestLogger())
	require.NoError(t, err)

	require.NoError(t, ch.Close())
	// Close is idempotent.
	_ = ch.Close()

	select {
	case err := <-handler.closed:
		assert.ErrorIs(t, err, models.ErrChannelClosed)
	case <-time.After(time.Second):
		t.Fatal("HandleClosed never fired")
	}

	assert.Empty(t, handler.closed)
}

func TestPeerSideCloseFiresHandleClosed(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)

		_ = conn.Close()
	}))
	defer server.Close()

	handler := newCollectingHandler()

	ch, err := Dial(context.Background(), wsURL(server), handler, logger.NewTestLogger())
	require.NoError(t, err)

	defer ch.Close()

	select {
	case err := <-handler.closed:
		assert.ErrorIs(t, err, models.ErrChannelClosed)
	case <-time.After(time.Second):
		t.Fatal("HandleClosed never fired")
	}

	// Sends after the connection dropped fail.
	assert.Error(t, ch.Send(context.Background(), &models.Envelope{Kind: models.MessageKindRequest}))
}
