// Package carrier implements the carrier-side media WebSocket: accepting the
// upgrade, reading the carrier's framed JSON events, and writing audio media
// frames back, tagged with the carrier's stream identifier.
package carrier

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/birddigital/spa-voice-bridge/pkg/logging"
)

// ErrHandshake is returned when the media socket upgrade fails.
var ErrHandshake = errors.New("carrier: handshake failed")

// ErrClosed is returned by SendMedia once the connection has been closed.
var ErrClosed = errors.New("carrier: connection closed")

const (
	pingInterval = 20 * time.Second
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Conn is one accepted carrier media socket. Events() yields a finite,
// single-consumer sequence of frames; SendMedia and Close may be called
// concurrently with reads.
type Conn struct {
	ws     *websocket.Conn
	log    *logging.Logger
	events chan Event
	writes chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

// Accept upgrades the HTTP request to a carrier media WebSocket and starts
// its read/write pumps. The caller must eventually call Close.
func Accept(w http.ResponseWriter, r *http.Request, log *logging.Logger) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	c := &Conn{
		ws:     ws,
		log:    log,
		events: make(chan Event, 32),
		writes: make(chan []byte, 256),
		closed: make(chan struct{}),
	}

	go c.readPump()
	go c.writePump()

	return c, nil
}

// Events returns the channel of frames read from the carrier. It is closed
// when the connection terminates, after which ranging over it simply ends.
func (c *Conn) Events() <-chan Event {
	return c.events
}

// SendMedia writes a media frame carrying the given base64 µ-law payload,
// tagged with streamSid. Writes are serialized against other writes on this
// socket and are never silently dropped; a full write queue blocks until the
// writer drains it or the connection closes.
func (c *Conn) SendMedia(streamSid, payloadB64 string) error {
	frame := outboundMedia{
		Event:     EventMedia,
		StreamSid: streamSid,
		Media:     outboundMediaInner{Payload: payloadB64},
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("carrier: marshal media frame: %w", err)
	}

	select {
	case c.writes <- data:
		return nil
	case <-c.closed:
		return ErrClosed
	}
}

// Close releases the underlying socket and stops both pumps. Safe to call
// more than once and concurrently with an in-flight read.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.ws.Close()
	})
	return nil
}

func (c *Conn) readPump() {
	defer close(c.events)
	defer c.Close()

	c.ws.SetReadDeadline(time.Now().Add(readTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("carrier read error", "err", err)
			}
			return
		}

		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			c.log.Warn("carrier: malformed frame, skipping", "err", err)
			continue
		}
		if evt.Type == "" {
			c.log.Warn("carrier: frame missing event type, skipping")
			continue
		}

		select {
		case c.events <- evt:
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return

		case data, ok := <-c.writes:
			if !ok {
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Warn("carrier write error", "err", err)
				c.Close()
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
