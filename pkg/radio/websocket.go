// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package radio

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/Thermoquad/thermovalve/internal/logutil"
)

// WebSocketBridge carries radio frames over a websocket to a network
// attached radio gateway. Each binary message holds one frame prefixed by
// the RSSI byte.
type WebSocketBridge struct {
	conn *websocket.Conn
	log  logrus.FieldLogger
	mu   sync.Mutex
}

// NewWebSocketBridge wraps an established connection
func NewWebSocketBridge(conn *websocket.Conn, log logrus.FieldLogger) *WebSocketBridge {
	return &WebSocketBridge{conn: conn, log: logutil.OrDiscard(log).WithField("component", "websocket")}
}

// DialWebSocket opens a websocket bridge with optional HTTP Basic auth
func DialWebSocket(ctx context.Context, wsURL, username, password string, skipSSLVerify bool, log logrus.FieldLogger) (*WebSocketBridge, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: skipSSLVerify,
		}
	}

	headers := http.Header{}
	if username != "" && password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket connection failed: %w", err)
	}

	return NewWebSocketBridge(conn, log), nil
}

// Send writes one frame as a binary message
func (w *WebSocketBridge) Send(frame []byte) error {
	if err := checkSize(frame); err != nil {
		return err
	}
	msg := append([]byte{0}, frame...)
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

// Listen pushes every received binary message into q until ctx is done or
// the connection closes.
func (w *WebSocketBridge) Listen(ctx context.Context, q *RxQueue) error {
	stop := context.AfterFunc(ctx, func() {
		w.conn.Close()
	})
	defer stop()

	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("websocket read: %w", err)
		}
		// Text messages are gateway chatter, not radio traffic
		if messageType != websocket.BinaryMessage {
			continue
		}
		if len(data) < 1 || len(data) > MaxFrameSize+1 {
			w.log.WithField("length", len(data)).Debug("Dropping oversize websocket message")
			continue
		}
		if !q.Push(data[1:], int(int8(data[0]))) {
			w.log.Warn("Receive queue overrun")
		}
	}
}

// Close closes the connection
func (w *WebSocketBridge) Close() error {
	return w.conn.Close()
}
