package protocol

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    Request
		wantErr bool
	}{
		{name: "register without session", in: `{"action":"register"}`, want: &Register{}},
		{name: "register with session", in: `{"action":"register","session":"S1"}`, want: &Register{Session: "S1"}},
		{name: "request", in: `{"action":"request","session":"S1"}`, want: &SyncRequest{Session: "S1"}},
		{name: "empty body", in: ``, wantErr: true},
		{name: "whitespace body", in: "  \n", wantErr: true},
		{name: "not json", in: `register`, wantErr: true},
		{name: "missing action", in: `{"session":"S1"}`, wantErr: true},
		{name: "unknown action", in: `{"action":"fullsync","session":"S1"}`, wantErr: true},
		{name: "broadcast without session", in: `{"action":"broadcast","data":{"type":"sync"}}`, wantErr: true},
		{name: "broadcast without data", in: `{"action":"broadcast","session":"S1"}`, wantErr: true},
		{name: "broadcast with null data", in: `{"action":"broadcast","session":"S1","data":null}`, wantErr: true},
		{name: "request without session", in: `{"action":"request"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Decode([]byte(tt.in))
			if tt.wantErr {
				if !errors.Is(err, ErrMalformed) {
					t.Fatalf("expected ErrMalformed, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("decode: %v", err)
			}

			switch want := tt.want.(type) {
			case *Register:
				g, ok := got.(*Register)
				if !ok || *g != *want {
					t.Fatalf("expected %+v, got %#v", want, got)
				}
			case *SyncRequest:
				g, ok := got.(*SyncRequest)
				if !ok || *g != *want {
					t.Fatalf("expected %+v, got %#v", want, got)
				}
			}
		})
	}
}

func TestDecodeBroadcastKeepsPayloadVerbatim(t *testing.T) {
	payload := `{"type":"sync", "content":{"x":1,  "nested":[1,2,3]}}`
	in := `{"action":"broadcast","session":"S1","data":` + payload + `}`

	req, err := Decode([]byte(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	b, ok := req.(*Broadcast)
	if !ok {
		t.Fatalf("expected *Broadcast, got %T", req)
	}
	if b.Session != "S1" {
		t.Fatalf("expected session S1, got %q", b.Session)
	}
	if string(b.Data) != payload {
		t.Fatalf("payload changed:\nwant %s\ngot  %s", payload, b.Data)
	}
	if b.Action() != ActionBroadcast {
		t.Fatalf("expected action %s, got %s", ActionBroadcast, b.Action())
	}
}

func TestRegisteredEncoding(t *testing.T) {
	b, err := json.Marshal(NewRegistered("S1"))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got, want := string(b), `{"type":"registration-success","session":"S1"}`; got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

func TestSyncRequestMessage(t *testing.T) {
	msg := SyncRequestMessage()
	if string(msg) != `{"type":"request"}` {
		t.Fatalf("unexpected message %s", msg)
	}

	// Callers may not corrupt the shared template.
	msg[0] = 'x'
	if string(SyncRequestMessage()) != `{"type":"request"}` {
		t.Fatal("template was mutated through a returned slice")
	}
}

func TestSchema(t *testing.T) {
	s := Schema()
	if s.Type != "object" {
		t.Fatalf("expected object schema, got %q", s.Type)
	}
	for _, prop := range []string{"action", "session", "data"} {
		if _, ok := s.Properties.Get(prop); !ok {
			t.Fatalf("schema missing property %q", prop)
		}
	}
	if len(s.Required) != 1 || s.Required[0] != "action" {
		t.Fatalf("expected only action to be required, got %v", s.Required)
	}
}
