package protocol

import (
	"bytes"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	f, err := New(TypeRequest, RequestPayload{
		Method:  "POST",
		Path:    "/api/items?x=1",
		Headers: map[string][]string{"Content-Type": {"application/json"}},
		Body:    `{"a":1}`,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	f = f.WithRequestID("r-7")

	b, err := Marshal(f)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Type != TypeRequest || got.RequestID != "r-7" {
		t.Fatalf("frame = %+v", got)
	}
	var p RequestPayload
	if err := got.DecodePayload(&p); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if p.Method != "POST" || p.Path != "/api/items?x=1" || p.Body != `{"a":1}` {
		t.Fatalf("payload = %+v", p)
	}
}

func TestUnmarshalRejectsMissingType(t *testing.T) {
	if _, err := Unmarshal([]byte(`{"requestId":"r-1"}`)); err == nil {
		t.Fatal("expected error for frame without type")
	}
	if _, err := Unmarshal([]byte(`not json`)); err == nil {
		t.Fatal("expected error for invalid json")
	}
}

func TestEncodeBodyUTF8(t *testing.T) {
	s, b64 := EncodeBody([]byte("plain text"))
	if b64 || s != "plain text" {
		t.Fatalf("EncodeBody = %q b64=%v", s, b64)
	}
	got, err := DecodeBody(s, b64)
	if err != nil || string(got) != "plain text" {
		t.Fatalf("DecodeBody = %q, %v", got, err)
	}
}

func TestEncodeBodyBinary(t *testing.T) {
	raw := []byte{0xff, 0xfe, 0x00, 0x42}
	s, b64 := EncodeBody(raw)
	if !b64 {
		t.Fatalf("binary body should be base64, got %q", s)
	}
	got, err := DecodeBody(s, b64)
	if err != nil {
		t.Fatalf("DecodeBody: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Fatalf("DecodeBody = %v want %v", got, raw)
	}
}

func TestEncodeBodyEmpty(t *testing.T) {
	s, b64 := EncodeBody(nil)
	if s != "" || b64 {
		t.Fatalf("EncodeBody(nil) = %q, %v", s, b64)
	}
	got, err := DecodeBody("", false)
	if err != nil || got != nil {
		t.Fatalf("DecodeBody empty = %v, %v", got, err)
	}
}

func TestTCPDataRoundTrip(t *testing.T) {
	raw := []byte{0x00, 0x01, 0xfe, 0xff}
	p := EncodeData(raw)
	got, err := p.DecodeData()
	if err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if !bytes.Equal(got, raw) {
		t.Fatalf("DecodeData = %v want %v", got, raw)
	}

	// Zero-length chunks survive the trip as empty.
	empty := EncodeData(nil)
	got, err = empty.DecodeData()
	if err != nil || len(got) != 0 {
		t.Fatalf("DecodeData(empty) = %v, %v", got, err)
	}
}

func TestPayloadlessFrames(t *testing.T) {
	f, err := New(TypePing, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	b, err := Marshal(f)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := Unmarshal(b)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got.Type != TypePing || len(got.Payload) != 0 {
		t.Fatalf("frame = %+v", got)
	}
}
