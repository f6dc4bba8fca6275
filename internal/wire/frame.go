// Package wire frames and encodes the binary envelope: a MessagePack unsigned
// length prefix followed by a header map and an optional body map.
package wire

import (
	"encoding/binary"
	"errors"

	"github.com/tinylib/msgp/msgp"

	"pkt.systems/iprotod/internal/ierr"
)

// Packet is one framed message. Header and Body alias a private copy of the
// frame, so a Packet stays valid after the input buffer is reused.
type Packet struct {
	Type     uint32
	Sync     uint64
	StreamID uint64
	Schema   uint64
	Header   []byte
	Body     []byte
}

// Size is the length of the frame without its prefix.
func (p Packet) Size() int {
	return len(p.Header) + len(p.Body)
}

// sizePrefixLen is the fixed prefix width used for every encoded packet.
const sizePrefixLen = 5

// prefixLen returns the encoded width of the MessagePack uint starting with lead.
func prefixLen(lead byte) (int, bool) {
	switch {
	case lead <= 0x7f:
		return 1, true
	case lead == 0xcc:
		return 2, true
	case lead == 0xcd:
		return 3, true
	case lead == 0xce:
		return 5, true
	case lead == 0xcf:
		return 9, true
	default:
		return 0, false
	}
}

// Decode extracts the first complete packet from buf. It returns n == 0 and a
// nil error when buf holds only part of a packet. A declared frame larger than
// limit fails with a frame-too-large error when limit is positive. A complete
// frame whose contents do not parse returns its length along with the error,
// so the caller may skip it; the Sync of the returned packet is set when the
// header got that far.
func Decode(buf []byte, limit int) (Packet, int, error) {
	if len(buf) == 0 {
		return Packet{}, 0, nil
	}
	plen, ok := prefixLen(buf[0])
	if !ok {
		return Packet{}, 0, ierr.Protocol("invalid packet length prefix 0x%02x", buf[0])
	}
	if len(buf) < plen {
		return Packet{}, 0, nil
	}
	size, _, err := msgp.ReadUint64Bytes(buf[:plen])
	if err != nil {
		return Packet{}, 0, ierr.Protocol("packet length: %v", err)
	}
	if size == 0 {
		return Packet{}, 0, ierr.Protocol("empty packet")
	}
	if limit > 0 && size+uint64(plen) > uint64(limit) {
		return Packet{}, 0, ierr.FrameTooLarge(int(size)+plen, limit)
	}
	total := plen + int(size)
	if len(buf) < total {
		return Packet{}, 0, nil
	}
	frame := make([]byte, size)
	copy(frame, buf[plen:total])
	pkt, err := parseFrame(frame)
	if err != nil {
		return Packet{Sync: pkt.Sync, Schema: pkt.Schema}, total, err
	}
	return pkt, total, nil
}

func parseFrame(frame []byte) (Packet, error) {
	var pkt Packet
	if msgp.NextType(frame) != msgp.MapType {
		return pkt, ierr.Protocol("packet header is not a map")
	}
	n, rest, err := msgp.ReadMapHeaderBytes(frame)
	if err != nil {
		return pkt, ierr.Protocol("packet header: %v", err)
	}
	for i := uint32(0); i < n; i++ {
		var key uint64
		key, rest, err = msgp.ReadUint64Bytes(rest)
		if err != nil {
			return pkt, ierr.Protocol("packet header key: %v", err)
		}
		switch key {
		case KeyRequestType, KeySync, KeyStreamID, KeySchemaVersion:
			var v uint64
			v, rest, err = msgp.ReadUint64Bytes(rest)
			if err != nil {
				return pkt, ierr.Protocol("packet header value for key 0x%02x: %v", key, err)
			}
			switch key {
			case KeyRequestType:
				if v > 0xffffffff {
					return pkt, ierr.Protocol("request type %d out of range", v)
				}
				pkt.Type = uint32(v)
			case KeySync:
				pkt.Sync = v
			case KeyStreamID:
				pkt.StreamID = v
			case KeySchemaVersion:
				pkt.Schema = v
			}
		default:
			rest, err = msgp.Skip(rest)
			if err != nil {
				return pkt, ierr.Protocol("packet header value: %v", err)
			}
		}
	}
	headerLen := len(frame) - len(rest)
	pkt.Header = frame[:headerLen]
	if len(rest) > 0 {
		if msgp.NextType(rest) != msgp.MapType {
			return pkt, ierr.Protocol("packet body is not a map")
		}
		tail, err := msgp.Skip(rest)
		if err != nil {
			return pkt, ierr.Protocol("packet body: %v", err)
		}
		if len(tail) != 0 {
			return pkt, ierr.Protocol("%d trailing bytes after packet body", len(tail))
		}
		pkt.Body = rest
	}
	return pkt, nil
}

// AppendPacket appends a size-prefixed packet built from an encoded header
// map and an optional encoded body map.
func AppendPacket(dst, header, body []byte) []byte {
	var prefix [sizePrefixLen]byte
	prefix[0] = 0xce
	binary.BigEndian.PutUint32(prefix[1:], uint32(len(header)+len(body)))
	dst = append(dst, prefix[:]...)
	dst = append(dst, header...)
	return append(dst, body...)
}

// ValidateMap reports whether b is exactly one MessagePack map.
func ValidateMap(b []byte) error {
	if msgp.NextType(b) != msgp.MapType {
		return errors.New("wire: expected msgpack map")
	}
	tail, err := msgp.Skip(b)
	if err != nil {
		return err
	}
	if len(tail) != 0 {
		return errors.New("wire: trailing bytes after msgpack map")
	}
	return nil
}

// AppendHeader encodes a response or request header map.
func AppendHeader(dst []byte, code uint32, sync, schema uint64) []byte {
	dst = msgp.AppendMapHeader(dst, 3)
	dst = msgp.AppendUint64(dst, KeyRequestType)
	dst = msgp.AppendUint32(dst, code)
	dst = msgp.AppendUint64(dst, KeySync)
	dst = msgp.AppendUint64(dst, sync)
	dst = msgp.AppendUint64(dst, KeySchemaVersion)
	return msgp.AppendUint64(dst, schema)
}

// AppendReply appends a successful reply with an already encoded body.
func AppendReply(dst []byte, sync, schema uint64, body []byte) []byte {
	header := AppendHeader(nil, TypeOK, sync, schema)
	return AppendPacket(dst, header, body)
}

// AppendError appends an error reply for code with a human readable message.
func AppendError(dst []byte, code uint32, sync, schema uint64, message string) []byte {
	header := AppendHeader(nil, TypeError|code, sync, schema)
	body := msgp.AppendMapHeader(nil, 1)
	body = msgp.AppendUint64(body, KeyError24)
	body = msgp.AppendString(body, message)
	return AppendPacket(dst, header, body)
}

// AppendRequest appends a client request. A zero streamID is omitted.
func AppendRequest(dst []byte, reqType uint32, sync, streamID uint64, body []byte) []byte {
	fields := uint32(2)
	if streamID != 0 {
		fields++
	}
	header := msgp.AppendMapHeader(nil, fields)
	header = msgp.AppendUint64(header, KeyRequestType)
	header = msgp.AppendUint32(header, reqType)
	header = msgp.AppendUint64(header, KeySync)
	header = msgp.AppendUint64(header, sync)
	if streamID != 0 {
		header = msgp.AppendUint64(header, KeyStreamID)
		header = msgp.AppendUint64(header, streamID)
	}
	return AppendPacket(dst, header, body)
}

// IsError reports whether a reply type carries an error and returns its code.
func IsError(code uint32) (uint32, bool) {
	if code&TypeError == 0 {
		return 0, false
	}
	return code &^ TypeError, true
}

// ErrorMessage extracts the message of an error reply body.
func ErrorMessage(body []byte) string {
	n, rest, err := msgp.ReadMapHeaderBytes(body)
	if err != nil {
		return ""
	}
	for i := uint32(0); i < n; i++ {
		var key uint64
		key, rest, err = msgp.ReadUint64Bytes(rest)
		if err != nil {
			return ""
		}
		if key == KeyError24 {
			msg, _, err := msgp.ReadStringBytes(rest)
			if err != nil {
				return ""
			}
			return msg
		}
		rest, err = msgp.Skip(rest)
		if err != nil {
			return ""
		}
	}
	return ""
}
