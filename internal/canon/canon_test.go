package canon_test

import (
	"testing"

	"github.com/bdobrica/agentgate/internal/canon"
)

func TestMarshal_SortsKeys(t *testing.T) {
	a := map[string]any{"b": 1, "a": 2, "c": nil}
	b := map[string]any{"c": nil, "a": 2, "b": 1}

	ea, err := canon.Marshal(a)
	if err != nil {
		t.Fatalf("marshal a: %v", err)
	}
	eb, err := canon.Marshal(b)
	if err != nil {
		t.Fatalf("marshal b: %v", err)
	}
	if string(ea) != string(eb) {
		t.Fatalf("expected identical canonical bytes, got %q vs %q", ea, eb)
	}
	want := `{"a":2,"b":1,"c":null}`
	if string(ea) != want {
		t.Fatalf("got %q, want %q", ea, want)
	}
}

func TestHash_Deterministic(t *testing.T) {
	v := map[string]any{"x": 1, "y": []any{1, 2, 3}}
	h1, err := canon.Hash(v)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, err := canon.Hash(v)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected stable hash, got %q vs %q", h1, h2)
	}
}

func TestHash_DiffersOnContentChange(t *testing.T) {
	h1, _ := canon.Hash(map[string]any{"a": 1})
	h2, _ := canon.Hash(map[string]any{"a": 2})
	if h1 == h2 {
		t.Fatal("expected different hashes for different content")
	}
}

func TestMarshal_NestedArraysAndObjects(t *testing.T) {
	v := map[string]any{
		"list": []any{map[string]any{"z": 1, "a": 2}, "text"},
	}
	got, err := canon.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"list":[{"a":2,"z":1},"text"]}`
	if string(got) != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}
