// Connection orchestrates the link handshake and data framing for a
// single channel. Grounded on
// original_source/spice-client/src/channels/connection.rs.
package spice

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"fmt"
	"net"
	"sync"
	"time"
)

// State tags the connection state machine (spec §4.6.8).
type State int

const (
	StateDisconnected State = iota
	StateLinking
	StateAuthenticating
	StateRunning
	StateClosed
	StateError
)

// Connection is a single TCP connection carrying exactly one logical
// channel.
type Connection struct {
	conn net.Conn

	channelType ChannelType
	channelID   uint8

	mu     sync.Mutex
	state  State
	serial uint64

	connectionID uint32 // sent in the link message; 0 on the first channel

	lastErr error
}

// Dial opens a TCP connection to host:port for the given channel.
// connectionID is 0 for the first channel opened on a session;
// subsequent channels echo the session id the server reported in the
// main channel's Init message (MainChannel.SessionID).
func Dial(addr string, ct ChannelType, channelID uint8, connectionID uint32) (*Connection, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Connection{
		conn:         conn,
		channelType:  ct,
		channelID:    channelID,
		connectionID: connectionID,
		state:        StateDisconnected,
	}, nil
}

// Close terminates the underlying connection.
func (c *Connection) Close() error {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()
	return c.conn.Close()
}

func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// commonCapsFor returns the capability words this client advertises for
// the common (cross-channel) capability set.
func commonCapsFor() CapabilitySet {
	return NewCapabilitySet(CapAuthSelection)
}

// channelCapsFor returns the capability words advertised for a specific
// channel type, grounded on connection.rs's per-channel-type capability
// construction (e.g. the display channel advertises sized-stream,
// stream-report, multi-codec, and mjpeg).
func channelCapsFor(ct ChannelType) CapabilitySet {
	switch ct {
	case ChannelDisplay:
		return NewCapabilitySet(CapDisplaySizedStream, CapDisplayStreamReport, CapDisplayMultiCodec, CapDisplayCodecMJPEG)
	default:
		return nil
	}
}

// Handshake performs the link exchange followed by authentication. On
// success the connection state is Running.
func (c *Connection) Handshake(password string) error {
	c.setState(StateLinking)

	link := LinkMessage{
		ConnectionID: c.connectionID,
		ChannelType:  c.channelType,
		ChannelID:    c.channelID,
		CommonCaps:   commonCapsFor(),
		ChannelCaps:  channelCapsFor(c.channelType),
	}
	payload := link.Encode()
	header := LinkHeader{Magic: LinkMagic, Major: VersionMajor, Minor: VersionMinor, Size: uint32(len(payload))}

	if _, err := c.conn.Write(header.Encode()); err != nil {
		c.setState(StateError)
		return fmt.Errorf("write link header: %w", err)
	}
	if _, err := c.conn.Write(payload); err != nil {
		c.setState(StateError)
		return fmt.Errorf("write link message: %w", err)
	}

	reply, err := c.readLinkReply()
	if err != nil {
		c.setState(StateError)
		return err
	}

	c.setState(StateAuthenticating)
	if err := c.authenticate(reply, password); err != nil {
		c.setState(StateError)
		return err
	}

	c.setState(StateRunning)
	return nil
}

func (c *Connection) readLinkReply() (LinkReply, error) {
	hbuf := make([]byte, LinkHeaderSize)
	if _, err := fillBuffer(c.conn, hbuf); err != nil {
		return LinkReply{}, fmt.Errorf("read link reply header: %w", err)
	}
	rh := DecodeLinkHeader(hbuf)
	if rh.Magic != LinkMagic {
		return LinkReply{}, ErrInvalidMagic
	}
	if rh.Major != VersionMajor {
		return LinkReply{}, ErrVersionMismatch
	}

	pbuf := make([]byte, rh.Size)
	if _, err := fillBuffer(c.conn, pbuf); err != nil {
		return LinkReply{}, fmt.Errorf("read link reply payload: %w", err)
	}
	reply, err := DecodeLinkReply(pbuf)
	if err != nil {
		return LinkReply{}, fmt.Errorf("decode link reply: %w", err)
	}
	if reply.Error != LinkOk {
		return LinkReply{}, fmt.Errorf("link rejected with code %d: %w", reply.Error, ErrBadConnectionID)
	}
	return reply, nil
}

// authenticate writes the optional auth-mechanism-selection field
// (only when either side advertised auth-selection), then unconditionally
// writes the RSA-OAEP(SHA-1) encrypted password, and reads the 4-byte
// result.
func (c *Connection) authenticate(reply LinkReply, password string) error {
	commonCaps := CapabilitySet(commonCapsFor())
	serverCommonCaps := CapabilitySet(reply.CommonCaps)

	if commonCaps.Has(CapAuthSelection) || serverCommonCaps.Has(CapAuthSelection) {
		mechanism := make([]byte, 4)
		putU32LE(mechanism, CapAuthSpice) // the bit POSITION, not a mask
		if _, err := c.conn.Write(mechanism); err != nil {
			return fmt.Errorf("write auth mechanism: %w", err)
		}
	}

	ciphertext, err := encryptPassword(reply.PubKeyDER[:], password)
	if err != nil {
		return fmt.Errorf("encrypt password: %w", err)
	}
	if _, err := c.conn.Write(ciphertext); err != nil {
		return fmt.Errorf("write password: %w", err)
	}

	resultBuf := make([]byte, 4)
	if _, err := fillBuffer(c.conn, resultBuf); err != nil {
		return fmt.Errorf("read auth result: %w", err)
	}
	if getU32LE(resultBuf) != 0 {
		return ErrAuthFailed
	}
	return nil
}

// encryptPassword RSA-OAEP(SHA-1)-encrypts password under the server's
// DER-encoded SubjectPublicKeyInfo RSA-1024 public key. An empty password
// is still encrypted and sent, per spec §4.6.2.
func encryptPassword(pubKeyDER []byte, password string) ([]byte, error) {
	pub, err := x509.ParsePKIXPublicKey(pubKeyDER)
	if err != nil {
		return nil, fmt.Errorf("parse server public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("server public key is not RSA")
	}
	ciphertext, err := rsa.EncryptOAEP(sha1.New(), rand.Reader, rsaPub, []byte(password), nil)
	if err != nil {
		return nil, fmt.Errorf("rsa-oaep encrypt: %w", err)
	}
	if len(ciphertext) > rsaPub.Size() {
		return nil, fmt.Errorf("ciphertext exceeds modulus size")
	}
	return ciphertext, nil
}

// SendMessage writes a data-framed message with the next serial for this
// channel.
func (c *Connection) SendMessage(msgType uint16, payload []byte) error {
	c.mu.Lock()
	c.serial++
	serial := c.serial
	c.mu.Unlock()

	header := DataHeader{Serial: serial, MsgType: msgType, MsgSize: uint32(len(payload)), SubList: 0}
	if _, err := c.conn.Write(header.Encode()); err != nil {
		return fmt.Errorf("write data header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := c.conn.Write(payload); err != nil {
			return fmt.Errorf("write data payload: %w", err)
		}
	}
	return nil
}

// ReadMessage reads the next data-framed message. Payloads smaller than
// 24 bytes are still read as msg_size; the sub-message list is ignored.
func (c *Connection) ReadMessage() (DataHeader, []byte, error) {
	hbuf := make([]byte, DataHeaderSize)
	if _, err := fillBuffer(c.conn, hbuf); err != nil {
		return DataHeader{}, nil, fmt.Errorf("read data header: %w", err)
	}
	header := DecodeDataHeader(hbuf)

	payload := make([]byte, header.MsgSize)
	if header.MsgSize > 0 {
		if _, err := fillBuffer(c.conn, payload); err != nil {
			return DataHeader{}, nil, fmt.Errorf("read data payload: %w", err)
		}
	}
	return header, payload, nil
}

// SetReadDeadline proxies to the underlying connection, used by callers
// that need a bounded read (e.g. main channel init/ping timeouts).
func (c *Connection) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

func fillBuffer(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func putU32LE(buf []byte, v uint32) {
	buf[0] = byte(v)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v >> 16)
	buf[3] = byte(v >> 24)
}

func getU32LE(buf []byte) uint32 {
	return uint32(buf[0]) | uint32(buf[1])<<8 | uint32(buf[2])<<16 | uint32(buf[3])<<24
}
