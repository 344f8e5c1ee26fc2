package wire

import (
	"bytes"
	"testing"

	"pgregory.net/rapid"
)

func TestEncodeDecodeRoundtrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		typ := MsgType(rapid.Uint32().Draw(rt, "type"))
		body := rapid.SliceOfN(rapid.Byte(), 0, 64).Draw(rt, "body")
		extra := rapid.SliceOfN(rapid.Byte(), 0, 256).Draw(rt, "extra")

		buf := Encode(typ, body, extra)
		frame, err := Decode(buf, len(body))
		if err != nil {
			rt.Fatalf("decode: %v", err)
		}
		if frame.Type != typ {
			rt.Fatalf("type mismatch: got %v want %v", frame.Type, typ)
		}
		if !bytes.Equal(frame.Body, body) {
			rt.Fatalf("body mismatch")
		}
		if !bytes.Equal(frame.Extra, extra) {
			rt.Fatalf("extra mismatch")
		}
	})
}

func TestDecodeShortFrame(t *testing.T) {
	_, err := DecodeHeader([]byte{1, 2, 3})
	if err != ErrShortFrame {
		t.Fatalf("want ErrShortFrame, got %v", err)
	}
}

func TestDecodeLengthMismatch(t *testing.T) {
	buf := Encode(MsgPing, nil, nil)
	buf = append(buf, 0xFF) // declared length now disagrees with actual size
	_, err := Decode(buf, 0)
	if err != ErrLengthMismatch {
		t.Fatalf("want ErrLengthMismatch, got %v", err)
	}
}

func TestDecodeFrameTooLarge(t *testing.T) {
	buf := make([]byte, HeaderSize)
	// Declare an absurd length without providing the bytes.
	buf[0] = 0xFF
	buf[1] = 0xFF
	buf[2] = 0xFF
	buf[3] = 0x7F
	_, err := DecodeHeader(buf)
	if err == nil {
		t.Fatal("expected error for oversized declared length")
	}
}

func TestCatalogRegisterConflict(t *testing.T) {
	c := NewCatalog()
	if err := c.Register(MsgTypePluginBase, 16); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := c.Register(MsgTypePluginBase, 16); err != nil {
		t.Fatalf("idempotent re-register should succeed: %v", err)
	}
	if err := c.Register(MsgTypePluginBase, 32); err == nil {
		t.Fatal("expected conflict error for differing body size")
	}
}

func TestCatalogLookupCoreTypes(t *testing.T) {
	c := NewCatalog()
	sz, ok := c.Lookup(MsgDiskStatus)
	if !ok || sz != 8 {
		t.Fatalf("MsgDiskStatus lookup = (%d, %v), want (8, true)", sz, ok)
	}
	_, ok = c.Lookup(MsgType(0xDEADBEEF))
	if ok {
		t.Fatal("unknown type should not be found")
	}
}

func TestEndpointPrivilege(t *testing.T) {
	root := Endpoint{Kind: EndpointClient, Creds: PeerCreds{UID: 0}}
	if !root.IsPrivileged(nil) {
		t.Fatal("uid 0 must be privileged")
	}
	user := Endpoint{Kind: EndpointClient, Creds: PeerCreds{UID: 1000}}
	if user.IsPrivileged(nil) {
		t.Fatal("non-root uid with no allowlist must not be privileged")
	}
	if !user.IsPrivileged(map[uint32]bool{1000: true}) {
		t.Fatal("uid in the allow set must be privileged")
	}
	if !Core.IsPrivileged(nil) {
		t.Fatal("core endpoint must always be privileged")
	}
}
