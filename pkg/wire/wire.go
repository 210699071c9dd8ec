// Package wire implements endian-correct encode/decode of the NBD hello,
// request, and reply frames (see original_source/readwrite.h,
// original_source/src/serve.c, and the other_examples NBD references for
// the magic constants this package matches byte-for-byte).
package wire

import (
	"encoding/binary"
	"fmt"
)

const (
	// HelloPasswd is the fixed 8-byte passwd field of the hello frame.
	HelloPasswd = "NBDMAGIC"

	// HelloMagic is the 8-byte magic following the passwd field.
	HelloMagic uint64 = 0x00420281861253

	// RequestMagic identifies a well-formed client request frame.
	RequestMagic uint32 = 0x25609513

	// ReplyMagic identifies a server reply frame.
	ReplyMagic uint32 = 0x67446698

	// HelloSize is the total wire size of the hello frame.
	HelloSize = 8 + 8 + 8 + 128

	// RequestSize is the total wire size of a request frame.
	RequestSize = 4 + 4 + 8 + 8 + 4

	// ReplySize is the total wire size of a reply frame.
	ReplySize = 4 + 4 + 8
)

// Request command types.
const (
	Read       uint32 = 0
	Write      uint32 = 1
	Disconnect uint32 = 2
)

// Hello is the server-to-client handshake frame.
type Hello struct {
	Size uint64
}

// Encode writes the 152-byte hello frame: 8-byte passwd, 8-byte magic,
// 8-byte big-endian size, 128 reserved zero bytes.
func (h Hello) Encode() []byte {
	buf := make([]byte, HelloSize)
	copy(buf[0:8], HelloPasswd)
	binary.BigEndian.PutUint64(buf[8:16], HelloMagic)
	binary.BigEndian.PutUint64(buf[16:24], h.Size)
	// buf[24:152] stays zero.
	return buf
}

// Request is a decoded client request frame.
type Request struct {
	Magic  uint32
	Type   uint32
	Handle uint64
	Offset uint64
	Length uint32
}

// Encode writes the 28-byte request frame. Magic is forced to
// RequestMagic regardless of the zero value callers construct Request
// with, so client code (the mirror engine, the read/write subcommands)
// never has to remember to set it.
func (r Request) Encode() []byte {
	buf := make([]byte, RequestSize)
	binary.BigEndian.PutUint32(buf[0:4], RequestMagic)
	binary.BigEndian.PutUint32(buf[4:8], r.Type)
	binary.BigEndian.PutUint64(buf[8:16], r.Handle)
	binary.BigEndian.PutUint64(buf[16:24], r.Offset)
	binary.BigEndian.PutUint32(buf[24:28], r.Length)
	return buf
}

// DecodeRequest parses a RequestSize-byte buffer into a Request. It does
// not validate Magic or Type; callers check Magic before trusting Type.
func DecodeRequest(buf []byte) (Request, error) {
	if len(buf) != RequestSize {
		return Request{}, fmt.Errorf("wire: request frame must be %d bytes, got %d", RequestSize, len(buf))
	}
	return Request{
		Magic:  binary.BigEndian.Uint32(buf[0:4]),
		Type:   binary.BigEndian.Uint32(buf[4:8]),
		Handle: binary.BigEndian.Uint64(buf[8:16]),
		Offset: binary.BigEndian.Uint64(buf[16:24]),
		Length: binary.BigEndian.Uint32(buf[24:28]),
	}, nil
}

// Reply is the server-to-client reply frame, 16 bytes on the wire.
type Reply struct {
	Error  uint32
	Handle uint64
}

// Encode writes the 16-byte reply frame: magic, error, handle echo.
func (r Reply) Encode() []byte {
	buf := make([]byte, ReplySize)
	binary.BigEndian.PutUint32(buf[0:4], ReplyMagic)
	binary.BigEndian.PutUint32(buf[4:8], r.Error)
	binary.BigEndian.PutUint64(buf[8:16], r.Handle)
	return buf
}

// DecodeReply parses a ReplySize-byte buffer into a Reply, validating
// the magic.
func DecodeReply(buf []byte) (Reply, error) {
	if len(buf) != ReplySize {
		return Reply{}, fmt.Errorf("wire: reply frame must be %d bytes, got %d", ReplySize, len(buf))
	}
	if magic := binary.BigEndian.Uint32(buf[0:4]); magic != ReplyMagic {
		return Reply{}, fmt.Errorf("wire: bad reply magic %#x", magic)
	}
	return Reply{
		Error:  binary.BigEndian.Uint32(buf[4:8]),
		Handle: binary.BigEndian.Uint64(buf[8:16]),
	}, nil
}

// DecodeHello parses a HelloSize-byte buffer into a Hello, validating
// the passwd and magic fields. Used by the mirror engine, connecting
// upstream as an NBD client, to learn the peer's exported size; the
// read/write CLI subcommands read and discard the hello without decoding
// it.
func DecodeHello(buf []byte) (Hello, error) {
	if len(buf) != HelloSize {
		return Hello{}, fmt.Errorf("wire: hello frame must be %d bytes, got %d", HelloSize, len(buf))
	}
	if string(buf[0:8]) != HelloPasswd {
		return Hello{}, fmt.Errorf("wire: bad hello passwd %q", buf[0:8])
	}
	if magic := binary.BigEndian.Uint64(buf[8:16]); magic != HelloMagic {
		return Hello{}, fmt.Errorf("wire: bad hello magic %#x", magic)
	}
	return Hello{Size: binary.BigEndian.Uint64(buf[16:24])}, nil
}
