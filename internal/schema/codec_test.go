package schema

import (
	"errors"
	"testing"

	"collab/engine/internal/document"

	"github.com/google/go-cmp/cmp"
)

func defaultCodec(t *testing.T) *Codec {
	t.Helper()
	r, err := DefaultRegistry()
	if err != nil {
		t.Fatalf("DefaultRegistry() error = %v", err)
	}
	return NewCodec(r)
}

func TestOperationRoundTrip(t *testing.T) {
	c := defaultCodec(t)
	op := document.Operation{
		DocumentID: "doc-1",
		Kind:       document.OpInsert,
		Actor:      "alice",
		Counter:    3,
		Clock:      7,
		After:      document.ElementID{Actor: "bob", Counter: 2},
		Value:      "x",
		Deps:       document.VersionVector{"bob": 2},
	}
	data, err := c.EncodeOperation(op)
	if err != nil {
		t.Fatalf("EncodeOperation() error = %v", err)
	}
	got, err := c.DecodeOperation(data)
	if err != nil {
		t.Fatalf("DecodeOperation() error = %v", err)
	}
	op.SchemaVersion = CurrentVersion
	if diff := cmp.Diff(op, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestLegacyOperationMatchesCurrent(t *testing.T) {
	c := defaultCodec(t)
	legacy := []struct {
		name string
		data string
	}{
		{name: "v1", data: `{"event":"operation","schema_version":1,"document_id":"doc-1","op":"insert","actor":"alice","seq":3,"clock":7,"after":"bob:2","char":"x"}`},
		{name: "v2", data: `{"event":"operation","schema_version":2,"document_id":"doc-1","kind":"insert","actor_id":"alice","counter":3,"clock":7,"after":"bob:2","char":"x"}`},
	}
	current, err := c.EncodeOperation(document.Operation{
		DocumentID: "doc-1",
		Kind:       document.OpInsert,
		Actor:      "alice",
		Counter:    3,
		Clock:      7,
		After:      document.ElementID{Actor: "bob", Counter: 2},
		Value:      "x",
	})
	if err != nil {
		t.Fatalf("EncodeOperation() error = %v", err)
	}
	want, err := c.DecodeOperation(current)
	if err != nil {
		t.Fatalf("DecodeOperation(current) error = %v", err)
	}

	for _, tt := range legacy {
		t.Run(tt.name, func(t *testing.T) {
			got, err := c.DecodeOperation([]byte(tt.data))
			if err != nil {
				t.Fatalf("DecodeOperation() error = %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("upgraded event differs (-current +legacy):\n%s", diff)
			}
		})
	}

	del, err := c.DecodeOperation([]byte(`{"event":"operation","schema_version":1,"op":"delete","actor":"bob","seq":4,"clock":9,"target":"alice:3"}`))
	if err != nil {
		t.Fatalf("DecodeOperation(v1 delete) error = %v", err)
	}
	if del.Kind != document.OpDelete || del.Target != (document.ElementID{Actor: "alice", Counter: 3}) || !del.After.IsZero() {
		t.Fatalf("unexpected delete: %+v", del)
	}
}

func TestLegacyPresence(t *testing.T) {
	type presence struct {
		Actor     string `json:"actor_id"`
		Cursor    *int   `json:"cursor"`
		Selection *struct {
			Start int `json:"start"`
			End   int `json:"end"`
		} `json:"selection"`
		Active bool `json:"active"`
	}
	c := defaultCodec(t)
	var got presence
	if err := c.Decode([]byte(`{"event":"presence","schema_version":1,"actor":"alice","cursor":4,"selection":[1,4]}`), EventPresence, &got); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Actor != "alice" || got.Cursor == nil || *got.Cursor != 4 || !got.Active {
		t.Fatalf("unexpected presence: %+v", got)
	}
	if got.Selection == nil || got.Selection.Start != 1 || got.Selection.End != 4 {
		t.Fatalf("unexpected selection: %+v", got.Selection)
	}
}

func TestDecodeRejects(t *testing.T) {
	c := defaultCodec(t)
	tests := []struct {
		name string
		data string
		want error
	}{
		{name: "not json", data: `{`, want: ErrInvalidEvent},
		{name: "missing version", data: `{"event":"operation","kind":"insert"}`, want: ErrInvalidEvent},
		{name: "future version", data: `{"event":"operation","schema_version":9,"kind":"insert"}`, want: ErrUnknownVersion},
		{name: "schema violation", data: `{"event":"operation","schema_version":3,"kind":"move"}`, want: ErrInvalidEvent},
		{name: "bad element reference", data: `{"event":"operation","schema_version":2,"kind":"delete","actor_id":"a","counter":1,"target":"nocounter"}`, want: ErrInvalidEvent},
		{name: "wrong event type", data: `{"event":"presence","schema_version":3,"actor_id":"a"}`, want: ErrInvalidEvent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := c.DecodeOperation([]byte(tt.data)); !errors.Is(err, tt.want) {
				t.Fatalf("DecodeOperation() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestDefaultRegistry(t *testing.T) {
	c := defaultCodec(t)
	r := c.Registry()
	if r.Current() != CurrentVersion || r.Base() != 1 {
		t.Fatalf("versions = %d..%d", r.Base(), r.Current())
	}
	if !r.Deprecated(1) || r.Deprecated(2) {
		t.Fatal("only v1 should be deprecated")
	}
	if err := r.Register(3, setField("x", 1)); !errors.Is(err, ErrDuplicateVersion) {
		t.Fatalf("re-registering v3 error = %v", err)
	}
	if _, err := c.Encode("operation", "not an object"); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("Encode(string) error = %v", err)
	}
}
