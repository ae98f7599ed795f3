package spice

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeServer accepts one connection and runs the supplied handler,
// standing in for a SPICE server during handshake tests.
func fakeServer(t *testing.T, handle func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		handle(conn)
	}()
	return ln.Addr().String()
}

func TestHandshakeWithPasswordSucceeds(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	require.LessOrEqual(t, len(der), 162)

	addr := fakeServer(t, func(conn net.Conn) {
		defer conn.Close()

		hbuf := make([]byte, LinkHeaderSize)
		mustRead(t, conn, hbuf)
		h := DecodeLinkHeader(hbuf)
		require.Equal(t, uint32(LinkMagic), h.Magic)

		payload := make([]byte, h.Size)
		mustRead(t, conn, payload)
		link := decodeLinkMessageForTest(payload)
		require.Equal(t, ChannelMain, link.ChannelType)

		var pubKey [162]byte
		copy(pubKey[:], der)
		reply := LinkReply{
			Error:      LinkOk,
			PubKeyDER:  pubKey,
			CommonCaps: NewCapabilitySet(CapAuthSelection),
		}
		replyBuf := encodeLinkReplyForTest(reply)
		replyHeader := LinkHeader{Magic: LinkMagic, Major: VersionMajor, Minor: VersionMinor, Size: uint32(len(replyBuf))}
		conn.Write(replyHeader.Encode())
		conn.Write(replyBuf)

		// client writes auth_mechanism (4 bytes) since common caps have auth-selection
		mechBuf := make([]byte, 4)
		mustRead(t, conn, mechBuf)
		require.Equal(t, uint32(CapAuthSpice), getU32LE(mechBuf))

		// client writes RSA-OAEP ciphertext of the password; read key.Size() bytes
		cipher := make([]byte, key.Size())
		mustRead(t, conn, cipher)

		plain, err := rsa.DecryptOAEP(sha1.New(), rand.Reader, key, cipher, nil)
		require.NoError(t, err)
		require.Equal(t, "hunter2", string(plain))

		conn.Write([]byte{0, 0, 0, 0}) // auth success
	})

	conn, err := Dial(addr, ChannelMain, 0, 0)
	require.NoError(t, err)
	defer conn.Close()

	err = conn.Handshake("hunter2")
	require.NoError(t, err)
	require.Equal(t, StateRunning, conn.State())
}

func TestHandshakeInvalidMagicFails(t *testing.T) {
	addr := fakeServer(t, func(conn net.Conn) {
		defer conn.Close()
		hbuf := make([]byte, LinkHeaderSize)
		mustRead(t, conn, hbuf)
		payload := make([]byte, DecodeLinkHeader(hbuf).Size)
		mustRead(t, conn, payload)

		badHeader := LinkHeader{Magic: 0xdeadbeef, Major: VersionMajor, Minor: VersionMinor, Size: 0}
		conn.Write(badHeader.Encode())
	})

	conn, err := Dial(addr, ChannelMain, 0, 0)
	require.NoError(t, err)
	defer conn.Close()

	err = conn.Handshake("")
	require.ErrorIs(t, err, ErrInvalidMagic)
}

func TestHandshakeVersionMismatchFails(t *testing.T) {
	addr := fakeServer(t, func(conn net.Conn) {
		defer conn.Close()
		hbuf := make([]byte, LinkHeaderSize)
		mustRead(t, conn, hbuf)
		payload := make([]byte, DecodeLinkHeader(hbuf).Size)
		mustRead(t, conn, payload)

		badHeader := LinkHeader{Magic: LinkMagic, Major: 3, Minor: 0, Size: 0}
		conn.Write(badHeader.Encode())
	})

	conn, err := Dial(addr, ChannelMain, 0, 0)
	require.NoError(t, err)
	defer conn.Close()

	err = conn.Handshake("")
	require.ErrorIs(t, err, ErrVersionMismatch)
}

func TestDataFramingEmptyPayload(t *testing.T) {
	addr := fakeServer(t, func(conn net.Conn) {
		defer conn.Close()
		header := DataHeader{Serial: 1, MsgType: MsgCommonPing, MsgSize: 0, SubList: 0}
		conn.Write(header.Encode())
		time.Sleep(50 * time.Millisecond)
	})

	netConn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	c := &Connection{conn: netConn, channelType: ChannelMain, state: StateRunning}
	defer c.Close()

	header, payload, err := c.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, uint32(0), header.MsgSize)
	require.Empty(t, payload)
}

func mustRead(t *testing.T, conn net.Conn, buf []byte) {
	t.Helper()
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		require.NoError(t, err)
		total += n
	}
}

// decodeLinkMessageForTest parses just enough of the client's link
// message to assert on its channel type in tests.
func decodeLinkMessageForTest(buf []byte) LinkMessage {
	return LinkMessage{ChannelType: ChannelType(buf[4]), ChannelID: buf[5]}
}

func encodeLinkReplyForTest(r LinkReply) []byte {
	buf := make([]byte, linkReplyFixedSize+4*(len(r.CommonCaps)+len(r.ChannelCaps)))
	putU32LE(buf[0:4], uint32(r.Error))
	copy(buf[4:166], r.PubKeyDER[:])
	putU32LE(buf[166:170], uint32(len(r.CommonCaps)))
	putU32LE(buf[170:174], uint32(len(r.ChannelCaps)))
	putU32LE(buf[174:178], uint32(linkReplyFixedSize))
	offset := linkReplyFixedSize
	for _, c := range r.CommonCaps {
		putU32LE(buf[offset:offset+4], c)
		offset += 4
	}
	for _, c := range r.ChannelCaps {
		putU32LE(buf[offset:offset+4], c)
		offset += 4
	}
	return buf
}
