package domain

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestIDUnmarshalAcceptsStringAndNumber(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    ID
		wantErr bool
	}{
		{name: "string", in: `"42"`, want: 42},
		{name: "number", in: `42`, want: 42},
		{name: "padded string", in: `" 7 "`, want: 7},
		{name: "null leaves zero", in: `null`, want: 0},
		{name: "zero", in: `0`, wantErr: true},
		{name: "negative", in: `"-3"`, wantErr: true},
		{name: "fraction", in: `1.5`, wantErr: true},
		{name: "word", in: `"abc"`, wantErr: true},
		{name: "empty string", in: `""`, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var got ID
			err := json.Unmarshal([]byte(tc.in), &got)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidID) {
					t.Fatalf("expected ErrInvalidID, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unmarshal %s: %v", tc.in, err)
			}
			if got != tc.want {
				t.Fatalf("got %d, want %d", got, tc.want)
			}
		})
	}
}

func TestIDMarshalsAsString(t *testing.T) {
	out, err := json.Marshal(struct {
		ID ID `json:"id"`
	}{ID: 9})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"id":"9"}` {
		t.Fatalf("unexpected json %s", out)
	}
}

func TestGetMessagesPayloadOptionalCursor(t *testing.T) {
	var p GetMessagesPayload
	if err := json.Unmarshal([]byte(`{"userId":1,"recipientId":"2"}`), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.BeforeMessageID != nil {
		t.Fatalf("expected nil cursor, got %v", *p.BeforeMessageID)
	}
	if err := json.Unmarshal([]byte(`{"userId":1,"recipientId":2,"beforeMessageId":"15"}`), &p); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if p.BeforeMessageID == nil || *p.BeforeMessageID != 15 {
		t.Fatalf("unexpected cursor %v", p.BeforeMessageID)
	}
}
