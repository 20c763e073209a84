package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func TestDeadLetterEnvelope(t *testing.T) {
	last := "broker unavailable"
	e := &OutboxEntry{
		ID:          7,
		AggregateID: "enc-1",
		EventType:   "encounter.downloaded",
		Topic:       "shr.encounter.downloaded",
		Payload:     json.RawMessage(`{"healthId":"hid-1"}`),
		RetryCount:  5,
		LastError:   &last,
		CreatedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	body, err := e.deadLetter()
	if err != nil {
		t.Fatalf("deadLetter: %v", err)
	}
	var got map[string]any
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["original_topic"] != "shr.encounter.downloaded" || got["last_error"] != last {
		t.Errorf("envelope = %s", body)
	}
	payload, _ := got["payload"].(map[string]any)
	if payload["healthId"] != "hid-1" {
		t.Errorf("payload not embedded as JSON: %s", body)
	}
}

func TestWriteEntryRequiresTx(t *testing.T) {
	err := WriteEntry(context.Background(), &OutboxEntry{})
	if !errors.Is(err, ErrNoTx) {
		t.Errorf("err = %v, want ErrNoTx", err)
	}
}

func TestOutboxStopWithoutStart(t *testing.T) {
	o := NewOutbox(nil, nil, DefaultOutboxConfig(), nil)
	o.Stop()
}
