// Package spice implements the framebuffer protocol client: the link
// handshake, capability negotiation, RSA-OAEP password authentication,
// data framing, and the main/display/inputs/cursor channel protocols.
//
// Grounded on original_source/spice-client/src/protocol.rs for every wire
// constant and struct layout, and on
// original_source/spice-client/src/channels/connection.rs for the
// handshake orchestration. All integers are little-endian, matching the
// wire format exactly.
package spice

import "encoding/binary"

// Magic and version constants, per spec §6.
const (
	LinkMagic = 0x51444552 // ASCII "REDQ"
	VersionMajor = 2
	VersionMinor = 2

	DefaultSpicePort = 5930
	DefaultVNCPort   = 5900

	LinkHeaderSize = 16
	DataHeaderSize = 18
)

// ChannelType enumerates the channel kinds the core understands.
// Additional server channel types exist (playback, record, tunnel,
// smartcard, usbredir, port, webdav) but are treated as unsupported.
type ChannelType uint8

const (
	ChannelMain    ChannelType = 1
	ChannelDisplay ChannelType = 2
	ChannelInputs  ChannelType = 3
	ChannelCursor  ChannelType = 4
)

func (c ChannelType) Supported() bool {
	switch c {
	case ChannelMain, ChannelDisplay, ChannelInputs, ChannelCursor:
		return true
	default:
		return false
	}
}

// LinkError is the error code returned in a SpiceLinkReplyData.
type LinkError uint32

const (
	LinkOk                 LinkError = 0
	LinkError_             LinkError = 1
	LinkInvalidMagic       LinkError = 2
	LinkInvalidData        LinkError = 3
	LinkVersionMismatch    LinkError = 4
	LinkNeedSecured        LinkError = 5
	LinkNeedUnsecured      LinkError = 6
	LinkPermissionDenied   LinkError = 7
	LinkBadConnectionId    LinkError = 8
	LinkChannelNotAvailable LinkError = 9
)

// Common capability bit positions, shared by every channel type.
const (
	CapAuthSelection     = 0
	CapAuthSpice         = 1 // password-encrypt; the wire auth_mechanism VALUE
)

// Display-channel capability bit positions.
const (
	CapDisplaySizedStream  = 0
	CapDisplayStreamReport = 1
	CapDisplayMultiCodec   = 2
	CapDisplayCodecMJPEG   = 3
)

// LinkHeader is the 16-byte fixed header preceding every link-stage
// exchange.
type LinkHeader struct {
	Magic   uint32
	Major   uint32
	Minor   uint32
	Size    uint32
}

func (h LinkHeader) Encode() []byte {
	buf := make([]byte, LinkHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.Major)
	binary.LittleEndian.PutUint32(buf[8:12], h.Minor)
	binary.LittleEndian.PutUint32(buf[12:16], h.Size)
	return buf
}

func DecodeLinkHeader(buf []byte) LinkHeader {
	return LinkHeader{
		Magic: binary.LittleEndian.Uint32(buf[0:4]),
		Major: binary.LittleEndian.Uint32(buf[4:8]),
		Minor: binary.LittleEndian.Uint32(buf[8:12]),
		Size:  binary.LittleEndian.Uint32(buf[12:16]),
	}
}

// LinkMessage is the client's link-stage payload.
type LinkMessage struct {
	ConnectionID    uint32
	ChannelType     ChannelType
	ChannelID       uint8
	CommonCaps      []uint32
	ChannelCaps     []uint32
}

const linkMessageFixedSize = 20 // connection_id(4)+type(1)+id(1)+pad(2)+ncommon(4)+nchannel(4)+capsoffset(4)

func (m LinkMessage) Encode() []byte {
	payloadLen := linkMessageFixedSize + 4*(len(m.CommonCaps)+len(m.ChannelCaps))
	buf := make([]byte, payloadLen)
	binary.LittleEndian.PutUint32(buf[0:4], m.ConnectionID)
	buf[4] = byte(m.ChannelType)
	buf[5] = m.ChannelID
	// buf[6:8] padding left zero
	binary.LittleEndian.PutUint32(buf[8:12], uint32(len(m.CommonCaps)))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(m.ChannelCaps)))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(linkMessageFixedSize))
	offset := linkMessageFixedSize
	for _, c := range m.CommonCaps {
		binary.LittleEndian.PutUint32(buf[offset:offset+4], c)
		offset += 4
	}
	for _, c := range m.ChannelCaps {
		binary.LittleEndian.PutUint32(buf[offset:offset+4], c)
		offset += 4
	}
	return buf
}

// LinkReply is the server's response to the link message.
type LinkReply struct {
	Error         LinkError
	PubKeyDER     [162]byte
	CommonCaps    []uint32
	ChannelCaps   []uint32
}

const linkReplyFixedSize = 4 + 162 + 4 + 4 + 4 // error+pubkey+ncommon+nchannel+capsoffset = 178

// DecodeLinkReply parses a link reply payload (the bytes following the
// link header), including the capability arrays starting at caps_offset.
func DecodeLinkReply(buf []byte) (LinkReply, error) {
	if len(buf) < linkReplyFixedSize {
		return LinkReply{}, errShortReply
	}
	var r LinkReply
	r.Error = LinkError(binary.LittleEndian.Uint32(buf[0:4]))
	copy(r.PubKeyDER[:], buf[4:166])
	numCommon := binary.LittleEndian.Uint32(buf[166:170])
	numChannel := binary.LittleEndian.Uint32(buf[170:174])
	capsOffset := binary.LittleEndian.Uint32(buf[174:178])

	need := int(capsOffset) + 4*int(numCommon+numChannel)
	if len(buf) < need {
		return LinkReply{}, errShortReply
	}

	offset := int(capsOffset)
	r.CommonCaps = make([]uint32, numCommon)
	for i := range r.CommonCaps {
		r.CommonCaps[i] = binary.LittleEndian.Uint32(buf[offset : offset+4])
		offset += 4
	}
	r.ChannelCaps = make([]uint32, numChannel)
	for i := range r.ChannelCaps {
		r.ChannelCaps[i] = binary.LittleEndian.Uint32(buf[offset : offset+4])
		offset += 4
	}
	return r, nil
}

// DataHeader is the 18-byte header preceding every post-authentication
// message.
type DataHeader struct {
	Serial  uint64
	MsgType uint16
	MsgSize uint32
	SubList uint32
}

func (h DataHeader) Encode() []byte {
	buf := make([]byte, DataHeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.Serial)
	binary.LittleEndian.PutUint16(buf[8:10], h.MsgType)
	binary.LittleEndian.PutUint32(buf[10:14], h.MsgSize)
	binary.LittleEndian.PutUint32(buf[14:18], h.SubList)
	return buf
}

func DecodeDataHeader(buf []byte) DataHeader {
	return DataHeader{
		Serial:  binary.LittleEndian.Uint64(buf[0:8]),
		MsgType: binary.LittleEndian.Uint16(buf[8:10]),
		MsgSize: binary.LittleEndian.Uint32(buf[10:14]),
		SubList: binary.LittleEndian.Uint32(buf[14:18]),
	}
}

// Message type constants. Each channel type has its own message-type
// namespace; values below 101 are common to every channel, values 101+
// are channel-specific, matching the real protocol's convention.
const (
	MsgCommonPing         = 4
	MsgCommonPong         = 3
	MsgCommonDisconnecting = 6
	MsgCommonNotify       = 7

	MainInit        = 103
	MainChannelsList = 104

	DisplayMode          = 101
	DisplayMark          = 102
	DisplayReset         = 103
	DisplayDrawFill      = 302
	DisplayDrawOpaque    = 303
	DisplayDrawCopy      = 304
	DisplaySurfaceCreate = 318
	DisplaySurfaceDestroy = 319

	InputsKeyDown            = 103
	InputsKeyUp              = 104
	InputsMouseMotion        = 105
	InputsMouseButtonPress   = 107
	InputsMouseButtonRelease = 108

	CursorInit  = 101
	CursorSet   = 102
	CursorMove  = 103
	CursorHide  = 104
	CursorReset = 105
)
