// MainChannel implements the session-level control channel. Grounded on
// original_source/spice-client/src/channels/main.rs: some SPICE servers
// send an unsolicited Init message after link, others wait for the
// client to drive the conversation, so Initialize tries both in
// sequence with short timeouts before proceeding.
package spice

import (
	"encoding/binary"
	"log"
	"time"
)

const (
	mainInitTimeout    = 2 * time.Second
	mainPingWait       = 1 * time.Second
	mainChannelsListTimeout = 3 * time.Second
)

// MainChannel wraps a Connection dedicated to channel type Main.
type MainChannel struct {
	conn      *Connection
	sessionID uint32
}

// NewMainChannel dials and hands back the channel; call Initialize next.
func NewMainChannel(addr string, password string) (*MainChannel, error) {
	conn, err := Dial(addr, ChannelMain, 0, 0)
	if err != nil {
		return nil, err
	}
	if err := conn.Handshake(password); err != nil {
		conn.Close()
		return nil, err
	}
	return &MainChannel{conn: conn}, nil
}

// Initialize waits briefly for a server-initiated Init message; if none
// arrives, it falls back to a client-initiated ping.
func (m *MainChannel) Initialize() error {
	if err := m.conn.SetReadDeadline(time.Now().Add(mainInitTimeout)); err != nil {
		return err
	}
	header, payload, err := m.conn.ReadMessage()
	if err == nil {
		m.handleMessage(header, payload)
		_ = m.conn.SetReadDeadline(time.Time{})
		return nil
	}

	log.Printf("spice: no server init within %s, trying client-initiated flow", mainInitTimeout)
	return m.tryClientInitiatedFlow()
}

func (m *MainChannel) tryClientInitiatedFlow() error {
	if err := m.conn.SendMessage(MsgCommonPing, nil); err != nil {
		log.Printf("spice: failed to send ping: %v", err)
		return nil
	}
	if err := m.conn.SetReadDeadline(time.Now().Add(mainPingWait)); err != nil {
		return err
	}
	header, payload, err := m.conn.ReadMessage()
	_ = m.conn.SetReadDeadline(time.Time{})
	if err != nil {
		log.Printf("spice: no ping response, server may not support ping")
		return nil
	}
	m.handleMessage(header, payload)
	return nil
}

// ChannelRef names a supported channel and its channel id.
type ChannelRef struct {
	Type ChannelType
	ID   uint8
}

// GetChannelsList requests the server's advertised channel list; on
// timeout or an unexpected reply it falls back to the documented default
// set {display(0), inputs(0), cursor(0)}.
func (m *MainChannel) GetChannelsList() []ChannelRef {
	defaults := []ChannelRef{
		{ChannelDisplay, 0},
		{ChannelInputs, 0},
		{ChannelCursor, 0},
	}

	if err := m.conn.SendMessage(MainChannelsList, nil); err != nil {
		return defaults
	}
	if err := m.conn.SetReadDeadline(time.Now().Add(mainChannelsListTimeout)); err != nil {
		return defaults
	}
	defer m.conn.SetReadDeadline(time.Time{})

	header, payload, err := m.conn.ReadMessage()
	if err != nil {
		log.Printf("spice: channels list request timed out, using defaults")
		return defaults
	}
	if header.MsgType != MainChannelsList {
		log.Printf("spice: expected channels list, got type %d, using defaults", header.MsgType)
		return defaults
	}
	// payload: num_of_channels u32, then one {type u8, id u8} pair per channel
	if len(payload) < 4 {
		return defaults
	}
	n := int(binary.LittleEndian.Uint32(payload[0:4]))
	var channels []ChannelRef
	for i := 0; i < n && 4+2*i+1 < len(payload); i++ {
		channels = append(channels, ChannelRef{Type: ChannelType(payload[4+2*i]), ID: payload[4+2*i+1]})
	}
	if len(channels) == 0 {
		return defaults
	}
	return channels
}

// Run reads and dispatches messages until the connection closes or the
// server sends Disconnecting.
func (m *MainChannel) Run() error {
	for {
		header, payload, err := m.conn.ReadMessage()
		if err != nil {
			return err
		}
		if done := m.handleMessage(header, payload); done {
			return nil
		}
	}
}

func (m *MainChannel) handleMessage(header DataHeader, payload []byte) (disconnecting bool) {
	switch header.MsgType {
	case MsgCommonPing:
		_ = m.conn.SendMessage(MsgCommonPong, nil)
	case MainInit:
		if len(payload) >= 4 {
			m.sessionID = binary.LittleEndian.Uint32(payload[0:4])
		}
		log.Printf("spice: received main init, session-id=%d", m.sessionID)
	case MainChannelsList:
		log.Printf("spice: received channels list")
	case MsgCommonNotify:
		log.Printf("spice: received notification")
	case MsgCommonDisconnecting:
		log.Printf("spice: server is disconnecting")
		return true
	default:
		log.Printf("spice: unknown main message type %d", header.MsgType)
	}
	return false
}

// SessionID returns the session-id the server reported in its Init
// message, or 0 if none has arrived yet.
func (m *MainChannel) SessionID() uint32 { return m.sessionID }

// Close closes the underlying connection.
func (m *MainChannel) Close() error { return m.conn.Close() }
