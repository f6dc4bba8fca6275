package wire

import (
	"bytes"
	"errors"
	"testing"

	"github.com/tinylib/msgp/msgp"

	"pkt.systems/iprotod/internal/ierr"
)

func pingBody() []byte {
	body := msgp.AppendMapHeader(nil, 1)
	body = msgp.AppendUint64(body, KeyData)
	return msgp.AppendString(body, "hello")
}

func TestDecodeRequest(t *testing.T) {
	raw := AppendRequest(nil, TypeCall, 42, 7, pingBody())
	pkt, n, err := Decode(raw, 0)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(raw) {
		t.Fatalf("expected %d consumed bytes, got %d", len(raw), n)
	}
	if pkt.Type != TypeCall || pkt.Sync != 42 || pkt.StreamID != 7 {
		t.Fatalf("unexpected packet %+v", pkt)
	}
	if !bytes.Equal(pkt.Body, pingBody()) {
		t.Fatalf("body mismatch: %x", pkt.Body)
	}
	if pkt.Size() != len(raw)-sizePrefixLen {
		t.Fatalf("unexpected frame size %d", pkt.Size())
	}
}

func TestDecodePartialFrame(t *testing.T) {
	raw := AppendRequest(nil, TypePing, 1, 0, nil)
	for cut := 0; cut < len(raw); cut++ {
		_, n, err := Decode(raw[:cut], 0)
		if err != nil {
			t.Fatalf("cut %d: unexpected error %v", cut, err)
		}
		if n != 0 {
			t.Fatalf("cut %d: expected incomplete frame, consumed %d", cut, n)
		}
	}
}

func TestDecodeTwoFramesBackToBack(t *testing.T) {
	raw := AppendRequest(nil, TypePing, 1, 0, nil)
	raw = AppendRequest(raw, TypePing, 2, 3, nil)
	first, n, err := Decode(raw, 0)
	if err != nil || n == 0 {
		t.Fatalf("first decode: n=%d err=%v", n, err)
	}
	second, m, err := Decode(raw[n:], 0)
	if err != nil || m == 0 {
		t.Fatalf("second decode: n=%d err=%v", m, err)
	}
	if first.Sync != 1 || second.Sync != 2 || second.StreamID != 3 {
		t.Fatalf("unexpected packets %+v %+v", first, second)
	}
}

func TestDecodeRejectsOversizedFrame(t *testing.T) {
	raw := AppendRequest(nil, TypeCall, 1, 0, pingBody())
	_, _, err := Decode(raw[:sizePrefixLen], len(raw)-1)
	if !errors.Is(err, ierr.ErrFrameTooLarge) {
		t.Fatalf("expected frame too large, got %v", err)
	}
	if _, _, err := Decode(raw, len(raw)); err != nil {
		t.Fatalf("frame equal to the limit must decode: %v", err)
	}
}

func TestDecodeMalformed(t *testing.T) {
	cases := map[string][]byte{
		"bad prefix":     {0xc1, 0x00},
		"header not map": AppendPacket(nil, msgp.AppendString(nil, "x"), nil),
		"body not map":   AppendPacket(nil, AppendHeader(nil, TypePing, 1, 0), msgp.AppendInt(nil, 3)),
		"trailing bytes": AppendPacket(nil, AppendHeader(nil, TypePing, 1, 0), append(pingBody(), 0x01)),
		"empty packet":   {0x00},
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := Decode(raw, 0)
			if !errors.Is(err, ierr.ErrProtocol) {
				t.Fatalf("expected protocol error, got %v", err)
			}
		})
	}
}

func TestDecodeMalformedFrameReportsLength(t *testing.T) {
	bad := AppendPacket(nil, AppendHeader(nil, TypePing, 5, 0), msgp.AppendInt(nil, 3))
	raw := append(append([]byte{}, bad...), AppendRequest(nil, TypePing, 6, 0, nil)...)
	pkt, n, err := Decode(raw, 0)
	if !errors.Is(err, ierr.ErrProtocol) {
		t.Fatalf("expected protocol error, got %v", err)
	}
	if n != len(bad) || pkt.Sync != 5 {
		t.Fatalf("expected skip of %d bytes with sync 5, got n=%d sync=%d", len(bad), n, pkt.Sync)
	}
	next, _, err := Decode(raw[n:], 0)
	if err != nil || next.Sync != 6 {
		t.Fatalf("expected next frame after skip, got %+v %v", next, err)
	}
}

func TestErrorReplyRoundTrip(t *testing.T) {
	raw := AppendError(nil, ErrCodeUnknownRequestType, 9, 0, "Unknown request type 99")
	pkt, _, err := Decode(raw, 0)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	code, isErr := IsError(pkt.Type)
	if !isErr || code != ErrCodeUnknownRequestType {
		t.Fatalf("expected error code %d, got type 0x%x", ErrCodeUnknownRequestType, pkt.Type)
	}
	if got := ErrorMessage(pkt.Body); got != "Unknown request type 99" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestGreeting(t *testing.T) {
	salt := bytes.Repeat([]byte{0xab}, 32)
	g := Greeting("3.0.0", "4a1b2c3d-0000-4000-8000-000000000001", salt)
	if len(g) != GreetingSize {
		t.Fatalf("greeting size %d", len(g))
	}
	banner, gotSalt, err := ParseGreeting(g)
	if err != nil {
		t.Fatalf("parse greeting: %v", err)
	}
	if banner != "Tarantool 3.0.0 (Binary) 4a1b2c3d-0000-4000-8000-000000000001" {
		t.Fatalf("unexpected banner %q", banner)
	}
	if !bytes.Equal(gotSalt, salt) {
		t.Fatalf("salt mismatch")
	}
}

func TestIDBody(t *testing.T) {
	body := AppendIDBody(nil, ProtocolVersion, []uint64{FeatureStreams})
	if err := ValidateMap(body); err != nil {
		t.Fatalf("id body is not a map: %v", err)
	}
	version, features, err := ParseIDBody(body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if version != ProtocolVersion || len(features) != 1 || features[0] != FeatureStreams {
		t.Fatalf("unexpected id body version=%d features=%v", version, features)
	}
}
