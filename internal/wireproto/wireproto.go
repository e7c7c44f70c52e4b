// Package wireproto adapts the Bitcoin wire format to the real
// per-command encode/decode functions in github.com/btcsuite/btcd/wire.
// The header framing itself (magic + 12-byte command + length +
// checksum) is written out by hand here, because wire.ReadMessageN
// assumes a blocking io.Reader and has no story for resuming after a
// checksum mismatch.
package wireproto

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// HeaderSize is the fixed 24-byte header: 12-byte command, 4-byte payload
// length, 4-byte checksum, preceded by a 4-byte magic (so a full header
// read starts at MagicSize bytes in).
const (
	MagicSize    = 4
	CommandSize  = wire.CommandSize
	LengthSize   = 4
	ChecksumSize = 4
	HeaderSize   = MagicSize + CommandSize + LengthSize + ChecksumSize // 24
)

// Encoding is the message encoding version passed to BtcEncode/BtcDecode.
// The node never negotiates witness encoding (out of scope), so this is
// fixed at the base encoding.
const Encoding = wire.BaseEncoding

// Net resolves the configured network name to the magic btcd uses for it.
func Net(name string) (wire.BitcoinNet, error) {
	switch name {
	case "mainnet":
		return wire.MainNet, nil
	case "testnet3", "":
		return wire.TestNet3, nil
	case "simnet":
		return wire.SimNet, nil
	default:
		return 0, fmt.Errorf("unknown network %q", name)
	}
}

// Header is the parsed form of the 20 bytes (HeaderSize-MagicSize)
// following a located magic.
type Header struct {
	Command  string
	Length   uint32
	Checksum [ChecksumSize]byte
}

// DecodeHeader parses the HeaderSize-MagicSize bytes that follow the
// 4-byte magic. buf starts right after the magic (it does not include
// it) and must hold at least HeaderSize-MagicSize bytes.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize-MagicSize {
		return Header{}, fmt.Errorf("short header: %d bytes", len(buf))
	}
	var cmdRaw [CommandSize]byte
	copy(cmdRaw[:], buf[:CommandSize])
	command := cStringToGo(cmdRaw[:])

	length := binary.LittleEndian.Uint32(buf[CommandSize : CommandSize+LengthSize])

	var checksum [ChecksumSize]byte
	copy(checksum[:], buf[CommandSize+LengthSize:CommandSize+LengthSize+ChecksumSize])

	return Header{Command: command, Length: length, Checksum: checksum}, nil
}

func cStringToGo(raw []byte) string {
	n := bytes.IndexByte(raw, 0)
	if n < 0 {
		n = len(raw)
	}
	return string(raw[:n])
}

// Checksum computes the first four bytes of double-SHA-256 over payload.
func Checksum(payload []byte) [ChecksumSize]byte {
	sum := chainhash.DoubleHashB(payload)
	var out [ChecksumSize]byte
	copy(out[:], sum[:ChecksumSize])
	return out
}

// DecodePayload turns a validated (magic-matched, checksum-matched) payload
// into a typed wire.Message. Unknown commands return ErrUnknownCommand so
// the caller can count and drop them without treating it as a decode
// failure worth logging at warn level.
var ErrUnknownCommand = fmt.Errorf("unknown command")

func DecodePayload(command string, payload []byte) (wire.Message, error) {
	msg, err := wire.MakeEmptyMessage(command)
	if err != nil {
		return nil, ErrUnknownCommand
	}
	if err := msg.BtcDecode(bytes.NewReader(payload), wire.ProtocolVersion, Encoding); err != nil {
		return nil, fmt.Errorf("decode %s: %w", command, err)
	}
	return msg, nil
}

// EncodeFrame builds a complete wire frame (magic, header, payload) ready
// to hand to the socket for a given outbound message.
func EncodeFrame(net wire.BitcoinNet, msg wire.Message) ([]byte, error) {
	var payload bytes.Buffer
	if err := msg.BtcEncode(&payload, wire.ProtocolVersion, Encoding); err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Command(), err)
	}

	buf := make([]byte, 0, HeaderSize+payload.Len())
	out := bytes.NewBuffer(buf)

	var magicBytes [MagicSize]byte
	binary.LittleEndian.PutUint32(magicBytes[:], uint32(net))
	out.Write(magicBytes[:])

	var cmdRaw [CommandSize]byte
	copy(cmdRaw[:], msg.Command())
	out.Write(cmdRaw[:])

	var lengthBytes [LengthSize]byte
	binary.LittleEndian.PutUint32(lengthBytes[:], uint32(payload.Len()))
	out.Write(lengthBytes[:])

	checksum := Checksum(payload.Bytes())
	out.Write(checksum[:])

	out.Write(payload.Bytes())
	return out.Bytes(), nil
}
