package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/kalambet/vibelink/internal/profile"
)

func TestDecodeRejectsWrongType(t *testing.T) {
	env, err := Encode(TypeHandshake, Handshake{ProtocolVersion: Version, PeerSignature: "abc"})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var ack HandshakeAck
	if err := Decode(env, TypeHandshakeAck, &ack); !errors.Is(err, ErrMalformed) {
		t.Errorf("Decode error = %v, want ErrMalformed", err)
	}

	var hs Handshake
	if err := Decode(env, TypeHandshake, &hs); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if hs.PeerSignature != "abc" || hs.ProtocolVersion != Version {
		t.Errorf("decoded %+v", hs)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	env := Envelope{Type: TypeProfileExchange, Payload: json.RawMessage(`{"profile": 12}`)}
	var pe ProfileExchange
	if err := Decode(env, TypeProfileExchange, &pe); !errors.Is(err, ErrMalformed) {
		t.Errorf("Decode error = %v, want ErrMalformed", err)
	}
	if err := Decode(Envelope{Type: TypeProfileExchange}, TypeProfileExchange, &pe); !errors.Is(err, ErrMalformed) {
		t.Errorf("empty payload error = %v, want ErrMalformed", err)
	}
}

func TestToWireOmitsOwner(t *testing.T) {
	p := profile.Profile{
		OwnerID:    "alice@example.com",
		Dimensions: map[string]float64{"a": 0.4},
		Baseline:   map[string]float64{"a": 0.3},
	}
	env, err := Encode(TypeProfileExchange, ProfileExchange{Profile: ToWire(p)})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	var raw map[string]map[string]any
	if err := json.Unmarshal(env.Payload, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"owner_id", "OwnerID", "baseline"} {
		if _, ok := raw["profile"][key]; ok {
			t.Errorf("wire profile carries %q", key)
		}
	}
}

func TestWireProfileValidation(t *testing.T) {
	tests := []struct {
		name    string
		wire    WireProfile
		wantErr bool
	}{
		{"valid", WireProfile{Dimensions: map[string]float64{"a": 0.5}}, false},
		{"no dimensions", WireProfile{}, true},
		{"empty name", WireProfile{Dimensions: map[string]float64{"": 0.5}}, true},
		{"negative version", WireProfile{Dimensions: map[string]float64{"a": 0.5}, Version: -1}, true},
		{"too many", WireProfile{Dimensions: map[string]float64{
			"d1": 0, "d2": 0, "d3": 0, "d4": 0, "d5": 0, "d6": 0, "d7": 0,
			"d8": 0, "d9": 0, "d10": 0, "d11": 0, "d12": 0, "d13": 0,
		}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.wire.Profile()
			if tt.wantErr && !errors.Is(err, ErrMalformed) {
				t.Errorf("error = %v, want ErrMalformed", err)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestWireProfileClamps(t *testing.T) {
	w := WireProfile{
		Dimensions:          map[string]float64{"a": 1.7, "b": -0.2},
		DimensionConfidence: map[string]float64{"a": 2},
		EnergyLevel:         3,
	}
	p, err := w.Profile()
	if err != nil {
		t.Fatalf("Profile: %v", err)
	}
	if p.Dimensions["a"] != 1 || p.Dimensions["b"] != 0 || p.EnergyLevel != 1 {
		t.Errorf("values not clamped: %+v", p)
	}
	if p.DimensionConfidence["a"] != 1 || p.DimensionConfidence["b"] != 0 {
		t.Errorf("confidence = %v", p.DimensionConfidence)
	}
	if w.Dimensions["a"] != 1.7 {
		t.Error("Profile mutated the wire maps")
	}
}
