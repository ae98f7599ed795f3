package spice

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDataHeaderDecodeMatchesScenario(t *testing.T) {
	// Bytes from spec §8 scenario 6.
	buf := []byte{
		0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, // serial = 1
		0x67, 0x00, // msg_type = 103
		0x04, 0x00, 0x00, 0x00, // msg_size = 4
		0x00, 0x00, 0x00, 0x00, // sub_list = 0
	}
	header := DecodeDataHeader(buf)
	require.Equal(t, uint64(1), header.Serial)
	require.Equal(t, uint16(103), header.MsgType)
	require.Equal(t, uint32(4), header.MsgSize)
	require.Equal(t, uint32(0), header.SubList)
}

func TestDataHeaderRoundTrip(t *testing.T) {
	h := DataHeader{Serial: 42, MsgType: 318, MsgSize: 16, SubList: 0}
	decoded := DecodeDataHeader(h.Encode())
	require.Equal(t, h, decoded)
}

func TestLinkHeaderRoundTrip(t *testing.T) {
	h := LinkHeader{Magic: LinkMagic, Major: VersionMajor, Minor: VersionMinor, Size: 20}
	decoded := DecodeLinkHeader(h.Encode())
	require.Equal(t, h, decoded)
}

func TestLinkHeaderWrongMagicIsDetectedByCaller(t *testing.T) {
	h := LinkHeader{Magic: 0xdeadbeef, Major: VersionMajor, Minor: VersionMinor}
	decoded := DecodeLinkHeader(h.Encode())
	require.NotEqual(t, uint32(LinkMagic), decoded.Magic)
}

func TestLinkMinorVersionMayDifferMajorMayNot(t *testing.T) {
	ok := LinkHeader{Magic: LinkMagic, Major: 2, Minor: 3}
	require.Equal(t, uint32(2), ok.Major)
	mismatch := LinkHeader{Magic: LinkMagic, Major: 3, Minor: 2}
	require.NotEqual(t, uint32(VersionMajor), mismatch.Major)
}

func TestLinkMessageEncodeCapsOffset(t *testing.T) {
	msg := LinkMessage{
		ConnectionID: 0,
		ChannelType:  ChannelMain,
		ChannelID:    0,
		CommonCaps:   NewCapabilitySet(CapAuthSelection),
		ChannelCaps:  nil,
	}
	buf := msg.Encode()
	require.Equal(t, linkMessageFixedSize+4, len(buf))
	require.Equal(t, byte(ChannelMain), buf[4])
}

func TestDecodeLinkReplyParsesCapsArrays(t *testing.T) {
	reply := make([]byte, linkReplyFixedSize+8)
	// error = 0
	reply[166] = 1 // num_common_caps = 1
	reply[170] = 1 // num_channel_caps = 1
	reply[174] = byte(linkReplyFixedSize) // caps_offset
	reply[linkReplyFixedSize] = 0x03      // common cap word = bits 0,1
	reply[linkReplyFixedSize+4] = 0x01    // channel cap word = bit 0

	parsed, err := DecodeLinkReply(reply)
	require.NoError(t, err)
	require.Equal(t, LinkOk, parsed.Error)
	require.Len(t, parsed.CommonCaps, 1)
	require.Len(t, parsed.ChannelCaps, 1)
	require.Equal(t, uint32(0x03), parsed.CommonCaps[0])
}

func TestDecodeLinkReplyTooShortErrors(t *testing.T) {
	_, err := DecodeLinkReply(make([]byte, 10))
	require.Error(t, err)
}

func TestCapabilitySetHasAndIntersect(t *testing.T) {
	a := NewCapabilitySet(0, 1, 35)
	require.True(t, a.Has(0))
	require.True(t, a.Has(35))
	require.False(t, a.Has(2))

	b := NewCapabilitySet(1, 35)
	inter := a.Intersect(b)
	require.True(t, inter.Has(1))
	require.True(t, inter.Has(35))
	require.False(t, inter.Has(0))
}

func TestAuthMechanismIsBitPositionNotMask(t *testing.T) {
	// spec §9: the wire value is the capability bit POSITION, not a mask.
	require.Equal(t, 1, CapAuthSpice)
}
