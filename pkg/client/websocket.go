package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// wsConn is the WebSocket side of the monitor client.
type wsConn struct {
	url  string
	opts *options

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	eventCh   chan *Event
	done      chan struct{}
}

func newWSConn(baseURL string, opts *options) *wsConn {
	wsURL := baseURL + "/ws"
	if strings.HasPrefix(wsURL, "https://") {
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	} else if strings.HasPrefix(wsURL, "http://") {
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	return &wsConn{
		url:     wsURL,
		opts:    opts,
		eventCh: make(chan *Event, 64),
		done:    make(chan struct{}),
	}
}

func (w *wsConn) connect(ctx context.Context) error {
	header := make(map[string][]string)
	if w.opts.apiKey != "" {
		header["X-API-Key"] = []string{w.opts.apiKey}
	}
	if w.opts.bearer != "" {
		header["Authorization"] = []string{"Bearer " + w.opts.bearer}
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, w.url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("client: websocket dial failed with status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("client: websocket dial failed: %w", err)
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}

	w.mu.Lock()
	w.conn = conn
	w.connected = true
	w.mu.Unlock()

	go w.readLoop()
	return nil
}

func (w *wsConn) readLoop() {
	defer func() {
		w.mu.Lock()
		w.connected = false
		w.mu.Unlock()
		close(w.eventCh)
	}()

	for {
		select {
		case <-w.done:
			return
		default:
		}

		_, message, err := w.conn.ReadMessage()
		if err != nil {
			return
		}

		// The hub batches events newline-separated within one frame.
		for _, line := range strings.Split(string(message), "\n") {
			if line == "" {
				continue
			}
			var event Event
			if err := json.Unmarshal([]byte(line), &event); err != nil {
				continue
			}
			select {
			case w.eventCh <- &event:
			default:
				// Receiver is not keeping up, drop the event.
			}
		}
	}
}

func (w *wsConn) subscribe(eventTypes ...string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.connected {
		return fmt.Errorf("client: websocket not connected")
	}
	msg := map[string]interface{}{
		"action":      "subscribe",
		"event_types": eventTypes,
	}
	return w.conn.WriteJSON(msg)
}

func (w *wsConn) events() <-chan *Event {
	return w.eventCh
}

func (w *wsConn) isConnected() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connected
}

func (w *wsConn) close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.connected {
		return nil
	}
	close(w.done)
	w.connected = false
	return w.conn.Close()
}
