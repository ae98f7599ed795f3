// CursorChannel receives cursor-shape, hide and cursor-move events. Shape
// and hide events update the cached shape and are forwarded to the
// Presenter; cursor-move events are read and ignored, so no cursor
// position is cached or forwarded. Grounded on spec §4.6.7.
package spice

import (
	"encoding/binary"
	"log"
	"sync"
)

// CursorShape is a small cached cursor bitmap plus its hotspot.
type CursorShape struct {
	Width, Height uint16
	HotX, HotY    uint16
	Pixels        []byte
	Visible       bool
}

// CursorChannel wraps a Connection dedicated to channel type Cursor.
type CursorChannel struct {
	conn      *Connection
	presenter Presenter

	mu    sync.Mutex
	cache CursorShape
}

// NewCursorChannel dials and handshakes the cursor channel.
func NewCursorChannel(addr string, password string, channelID uint8, connectionID uint32, presenter Presenter) (*CursorChannel, error) {
	conn, err := Dial(addr, ChannelCursor, channelID, connectionID)
	if err != nil {
		return nil, err
	}
	if err := conn.Handshake(password); err != nil {
		conn.Close()
		return nil, err
	}
	return &CursorChannel{conn: conn, presenter: presenter}, nil
}

// Run reads and dispatches cursor messages until error.
func (c *CursorChannel) Run() error {
	for {
		header, payload, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		c.handleMessage(header, payload)
	}
}

func (c *CursorChannel) handleMessage(header DataHeader, payload []byte) {
	switch header.MsgType {
	case CursorSet:
		c.handleSet(payload)
	case CursorMove:
		// cursor-move events only affect host-rendered position; the core
		// does not track a server-side cursor position independently.
	case CursorHide:
		c.mu.Lock()
		c.cache.Visible = false
		shape := c.cache
		c.mu.Unlock()
		if c.presenter != nil {
			c.presenter.SetCursor(shape)
		}
	case CursorReset, CursorInit:
		// bookkeeping; no cache to reset beyond the shape itself.
	default:
		log.Printf("spice: unsupported cursor message type %d, skipping", header.MsgType)
	}
}

// handleSet decodes: width u16, height u16, hot_x u16, hot_y u16, then
// width*height*4 raw RGBA bytes.
func (c *CursorChannel) handleSet(payload []byte) {
	if len(payload) < 8 {
		log.Printf("spice: short cursor-set payload")
		return
	}
	width := binary.LittleEndian.Uint16(payload[0:2])
	height := binary.LittleEndian.Uint16(payload[2:4])
	hotX := binary.LittleEndian.Uint16(payload[4:6])
	hotY := binary.LittleEndian.Uint16(payload[6:8])

	need := int(width) * int(height) * 4
	pixels := payload[8:]
	if len(pixels) > need {
		pixels = pixels[:need]
	}

	shape := CursorShape{Width: width, Height: height, HotX: hotX, HotY: hotY, Pixels: pixels, Visible: true}
	c.mu.Lock()
	c.cache = shape
	c.mu.Unlock()

	if c.presenter != nil {
		c.presenter.SetCursor(shape)
	}
}

// Close closes the underlying connection.
func (c *CursorChannel) Close() error { return c.conn.Close() }
