package wire

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHelloEncode(t *testing.T) {
	h := Hello{Size: 1048576}
	buf := h.Encode()
	require.Len(t, buf, 152)
	require.Equal(t, "NBDMAGIC", string(buf[0:8]))
	require.Equal(t, HelloMagic, binary.BigEndian.Uint64(buf[8:16]))
	require.Equal(t, uint64(1048576), binary.BigEndian.Uint64(buf[16:24]))
	for _, b := range buf[24:152] {
		require.Zero(t, b)
	}
}

func TestRequestRoundTrip(t *testing.T) {
	buf := make([]byte, RequestSize)
	binary.BigEndian.PutUint32(buf[0:4], RequestMagic)
	binary.BigEndian.PutUint32(buf[4:8], Write)
	binary.BigEndian.PutUint64(buf[8:16], 0xdeadbeef)
	binary.BigEndian.PutUint64(buf[16:24], 4096)
	binary.BigEndian.PutUint32(buf[24:28], 512)

	req, err := DecodeRequest(buf)
	require.NoError(t, err)
	require.Equal(t, RequestMagic, req.Magic)
	require.Equal(t, Write, req.Type)
	require.Equal(t, uint64(0xdeadbeef), req.Handle)
	require.Equal(t, uint64(4096), req.Offset)
	require.Equal(t, uint32(512), req.Length)
}

func TestDecodeRequestWrongSize(t *testing.T) {
	_, err := DecodeRequest(make([]byte, 10))
	require.Error(t, err)
}

func TestReplyEncode(t *testing.T) {
	r := Reply{Error: 1, Handle: 42}
	buf := r.Encode()
	require.Len(t, buf, 16)
	require.Equal(t, ReplyMagic, binary.BigEndian.Uint32(buf[0:4]))
	require.Equal(t, uint32(1), binary.BigEndian.Uint32(buf[4:8]))
	require.Equal(t, uint64(42), binary.BigEndian.Uint64(buf[8:16]))
}

func TestRequestEncodeForcesMagic(t *testing.T) {
	req := Request{Type: Read, Handle: 7, Offset: 4096, Length: 512}
	buf := req.Encode()
	decoded, err := DecodeRequest(buf)
	require.NoError(t, err)
	require.Equal(t, RequestMagic, decoded.Magic)
	require.Equal(t, req.Type, decoded.Type)
	require.Equal(t, req.Handle, decoded.Handle)
	require.Equal(t, req.Offset, decoded.Offset)
	require.Equal(t, req.Length, decoded.Length)
}

func TestDecodeReplyRoundTrip(t *testing.T) {
	buf := Reply{Error: 0, Handle: 99}.Encode()
	reply, err := DecodeReply(buf)
	require.NoError(t, err)
	require.Equal(t, uint32(0), reply.Error)
	require.Equal(t, uint64(99), reply.Handle)
}

func TestDecodeReplyBadMagic(t *testing.T) {
	buf := Reply{Error: 0, Handle: 99}.Encode()
	buf[0] ^= 0xff
	_, err := DecodeReply(buf)
	require.Error(t, err)
}

func TestDecodeHelloRoundTrip(t *testing.T) {
	buf := Hello{Size: 1 << 24}.Encode()
	h, err := DecodeHello(buf)
	require.NoError(t, err)
	require.Equal(t, uint64(1<<24), h.Size)
}

func TestDecodeHelloBadPasswd(t *testing.T) {
	buf := Hello{Size: 1 << 24}.Encode()
	buf[0] = 'X'
	_, err := DecodeHello(buf)
	require.Error(t, err)
}
