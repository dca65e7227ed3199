package streams

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelopeValidateBasic(t *testing.T) {
	env := Envelope{
		EventID:        "evt-1",
		EventType:      StreamItemValidated,
		PayloadVersion: "v1",
		Data:           json.RawMessage(`{"item_id":"i-1"}`),
	}
	if err := env.ValidateBasic(); err != nil {
		t.Fatalf("valid envelope rejected: %v", err)
	}
	if env.OccurredAt.IsZero() {
		t.Fatal("expected OccurredAt to be defaulted")
	}

	missing := env
	missing.Data = nil
	if err := missing.ValidateBasic(); err == nil {
		t.Fatal("expected error for missing data payload")
	}

	noType := env
	noType.EventType = ""
	if err := noType.ValidateBasic(); err == nil {
		t.Fatal("expected error for missing event type")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env := Envelope{
		EventID:        "evt-2",
		EventType:      StreamAlertCreated,
		OccurredAt:     time.Now().UTC().Truncate(time.Second),
		PayloadVersion: "v1",
		Data:           json.RawMessage(`{"alert_id":"a-1","urgency":"critical"}`),
	}
	raw, err := env.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	got, err := UnmarshalEnvelope(raw)
	if err != nil {
		t.Fatalf("UnmarshalEnvelope: %v", err)
	}
	if got.EventID != env.EventID || got.EventType != env.EventType {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}
