package slp

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/go-slp/slp/internal/slperr"
)

// ReceiverReset is the one defined flag bit in the app_data_len word when
// it's repurposed as a control-frame flag field (ACK/NACK). Higher bits
// are unused by this protocol.
const ReceiverReset uint32 = 1

// SubHeaderSize is the CRC-covered prefix's wire size: app_data_len(4) +
// reserved(4) + seq_num(8).
const SubHeaderSize = 16

// HeaderSize is the full wire header size: crc(4) + reserved(4) + SubHeader.
const HeaderSize = 8 + SubHeaderSize

// Frame layout on the wire is little-endian throughout, chosen because
// spec left the choice open ("little-endian or host order consistently on
// both peers") and a fixed little-endian layout keeps the wire format
// independent of each host's native byte order.

// SubHeader is the CRC-covered prefix common to every frame kind.
type SubHeader struct {
	// AppDataLen is the payload length in bytes on data frames, or the
	// control-flag word (ReceiverReset) on control frames.
	AppDataLen uint32
	Reserved   uint32
	SeqNum     Seq
}

func (s SubHeader) encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], s.AppDataLen)
	binary.LittleEndian.PutUint32(buf[4:8], s.Reserved)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(s.SeqNum))
}

func decodeSubHeader(buf []byte) SubHeader {
	return SubHeader{
		AppDataLen: binary.LittleEndian.Uint32(buf[0:4]),
		Reserved:   binary.LittleEndian.Uint32(buf[4:8]),
		SeqNum:     Seq(binary.LittleEndian.Uint64(buf[8:16])),
	}
}

// Header is the fixed wire prefix of every frame: a CRC followed by the
// CRC-covered SubHeader.
type Header struct {
	CRC      uint32
	Reserved uint32
	Sub      SubHeader
}

// DataFrame carries an application payload on the DATA or RETRANS channel.
type DataFrame struct {
	Header
	Payload []byte
}

// ControlFrame carries no payload; used on the POLL, ACK, and NACK
// channels. On ACK/NACK, Header.Sub.AppDataLen is the ReceiverReset flag
// word; on POLL it is always zero.
type ControlFrame struct {
	Header
}

// HasReceiverReset reports whether the ReceiverReset flag is set in an
// ACK or NACK control frame.
func (c ControlFrame) HasReceiverReset() bool {
	return c.Sub.AppDataLen&ReceiverReset != 0
}

// EncodeDataFrame serializes a data frame carrying payload at seq,
// computing its CRC over SubHeader++Payload.
func EncodeDataFrame(cs *crcState, seq Seq, payload []byte) []byte {
	sub := SubHeader{AppDataLen: uint32(len(payload)), SeqNum: seq}
	buf := make([]byte, HeaderSize+len(payload))
	sub.encode(buf[8:])
	crc := cs.sum(buf[8:HeaderSize], payload)
	binary.LittleEndian.PutUint32(buf[0:4], crc)
	copy(buf[HeaderSize:], payload)
	return buf
}

// DecodeDataFrame parses a wire-format data or retransmit frame. It does
// not verify the CRC; call VerifyDataFrame for that.
func DecodeDataFrame(buf []byte) (DataFrame, error) {
	if len(buf) < HeaderSize {
		return DataFrame{}, slperr.Integrity.Newf("data frame too short: %d bytes", len(buf))
	}
	h := decodeHeader(buf)
	end := HeaderSize + int(h.Sub.AppDataLen)
	if end > len(buf) {
		return DataFrame{}, slperr.Integrity.Newf("data frame app_data_len %d exceeds buffer", h.Sub.AppDataLen)
	}
	payload := make([]byte, h.Sub.AppDataLen)
	copy(payload, buf[HeaderSize:end])
	return DataFrame{Header: h, Payload: payload}, nil
}

// VerifyDataFrame reports whether f's CRC matches its SubHeader++Payload.
func VerifyDataFrame(cs *crcState, f DataFrame) bool {
	sub := make([]byte, SubHeaderSize)
	f.Sub.encode(sub)
	return cs.sum(sub, f.Payload) == f.CRC
}

// EncodeControlFrame serializes a POLL/ACK/NACK frame, computing its CRC
// over the SubHeader alone.
func EncodeControlFrame(cs *crcState, seq Seq, flags uint32) []byte {
	sub := SubHeader{AppDataLen: flags, SeqNum: seq}
	buf := make([]byte, HeaderSize)
	sub.encode(buf[8:])
	crc := cs.sum(buf[8:HeaderSize])
	binary.LittleEndian.PutUint32(buf[0:4], crc)
	return buf
}

// DecodeControlFrame parses a wire-format control frame. It does not
// verify the CRC; call VerifyControlFrame for that.
func DecodeControlFrame(buf []byte) (ControlFrame, error) {
	if len(buf) < HeaderSize {
		return ControlFrame{}, slperr.Integrity.Newf("control frame too short: %d bytes", len(buf))
	}
	return ControlFrame{Header: decodeHeader(buf)}, nil
}

// VerifyControlFrame reports whether f's CRC matches its SubHeader alone.
func VerifyControlFrame(cs *crcState, f ControlFrame) bool {
	sub := make([]byte, SubHeaderSize)
	f.Sub.encode(sub)
	return cs.sum(sub) == f.CRC
}

func decodeHeader(buf []byte) Header {
	return Header{
		CRC:      binary.LittleEndian.Uint32(buf[0:4]),
		Reserved: binary.LittleEndian.Uint32(buf[4:8]),
		Sub:      decodeSubHeader(buf[8:HeaderSize]),
	}
}

// ValidatePayloadLen enforces spec's producer-ingress bound:
// 1 <= len(payload) <= maxPayload.
func ValidatePayloadLen(payload []byte, maxPayload int) error {
	n := len(payload)
	if n < 1 || n > maxPayload {
		return slperr.InvalidInput.New(errors.Errorf("payload length %d outside [1, %d]", n, maxPayload))
	}
	return nil
}
