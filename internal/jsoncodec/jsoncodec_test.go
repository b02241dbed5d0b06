package jsoncodec

import (
	"bytes"
	"strings"
	"testing"
)

type testPayload struct {
	EventID    string  `json:"event_id"`
	Confidence float64 `json:"confidence"`
}

func TestMarshalAndUnmarshal(t *testing.T) {
	in := testPayload{EventID: "evt_42", Confidence: 0.87}
	data, err := Marshal(in)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var out testPayload
	if err := Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}

	if out != in {
		t.Fatalf("expected round trip to match, got %#v", out)
	}

	indented, err := MarshalIndent(in, "", "  ")
	if err != nil {
		t.Fatalf("marshal indent failed: %v", err)
	}
	if !strings.Contains(string(indented), "\n  \"event_id\"") {
		t.Fatalf("expected indented output, got %s", string(indented))
	}
}

func TestEncodeAndDecode(t *testing.T) {
	buf := &bytes.Buffer{}
	payload := testPayload{EventID: "evt_7", Confidence: 0.5}

	if err := Encode(buf, payload); err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	var decoded testPayload
	if err := Decode(buf, &decoded); err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if decoded != payload {
		t.Fatalf("expected decoded payload to match, got %#v", decoded)
	}
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	var out testPayload
	if err := Unmarshal([]byte("{not json"), &out); err == nil {
		t.Fatal("expected error for malformed input")
	}
}
