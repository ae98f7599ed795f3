// InputsChannel encodes client keyboard and mouse events. Scancodes are
// PC-AT set-1, grounded on
// original_source/spice-client/src/channels/inputs.rs.
package spice

import "encoding/binary"

// InputsChannel wraps a Connection dedicated to channel type Inputs.
type InputsChannel struct {
	conn *Connection
}

// NewInputsChannel dials and handshakes the inputs channel.
func NewInputsChannel(addr string, password string, channelID uint8, connectionID uint32) (*InputsChannel, error) {
	conn, err := Dial(addr, ChannelInputs, channelID, connectionID)
	if err != nil {
		return nil, err
	}
	if err := conn.Handshake(password); err != nil {
		conn.Close()
		return nil, err
	}
	return &InputsChannel{conn: conn}, nil
}

// KeyDown sends a key-down event with the given PC-AT set-1 scancode.
func (i *InputsChannel) KeyDown(scancode uint32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, scancode)
	return i.conn.SendMessage(InputsKeyDown, buf)
}

// KeyUp sends a key-up event.
func (i *InputsChannel) KeyUp(scancode uint32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, scancode)
	return i.conn.SendMessage(InputsKeyUp, buf)
}

// MouseMotion sends an absolute mouse-motion event.
func (i *InputsChannel) MouseMotion(x, y int32, buttonMask uint32) error {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(x))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(y))
	binary.LittleEndian.PutUint32(buf[8:12], buttonMask)
	return i.conn.SendMessage(InputsMouseMotion, buf)
}

// MouseButtonPress sends a mouse-button-press event.
func (i *InputsChannel) MouseButtonPress(buttonMask uint32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, buttonMask)
	return i.conn.SendMessage(InputsMouseButtonPress, buf)
}

// MouseButtonRelease sends a mouse-button-release event.
func (i *InputsChannel) MouseButtonRelease(buttonMask uint32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, buttonMask)
	return i.conn.SendMessage(InputsMouseButtonRelease, buf)
}

// Close closes the underlying connection.
func (i *InputsChannel) Close() error { return i.conn.Close() }

// ScancodeFor maps an ASCII character to its PC-AT set-1 make-code.
// Only the printable-ASCII subset the original ships is covered; unknown
// characters return ok=false.
func ScancodeFor(ch byte) (code uint32, ok bool) {
	if code, found := asciiScancodes[ch]; found {
		return code, true
	}
	return 0, false
}

// asciiScancodes is the character→scancode table referenced by spec
// §4.6.6, grounded on inputs.rs's ASCII mapping.
var asciiScancodes = map[byte]uint32{
	'a': 0x1e, 'b': 0x30, 'c': 0x2e, 'd': 0x20, 'e': 0x12,
	'f': 0x21, 'g': 0x22, 'h': 0x23, 'i': 0x17, 'j': 0x24,
	'k': 0x25, 'l': 0x26, 'm': 0x32, 'n': 0x31, 'o': 0x18,
	'p': 0x19, 'q': 0x10, 'r': 0x13, 's': 0x1f, 't': 0x14,
	'u': 0x16, 'v': 0x2f, 'w': 0x11, 'x': 0x2d, 'y': 0x15,
	'z': 0x2c,
	'0': 0x0b, '1': 0x02, '2': 0x03, '3': 0x04, '4': 0x05,
	'5': 0x06, '6': 0x07, '7': 0x08, '8': 0x09, '9': 0x0a,
	' ': 0x39, '\n': 0x1c, '\t': 0x0f,
	'-': 0x0c, '=': 0x0d, '[': 0x1a, ']': 0x1b, ';': 0x27,
	'\'': 0x28, '`': 0x29, '\\': 0x2b, ',': 0x33, '.': 0x34,
	'/': 0x35,
}
