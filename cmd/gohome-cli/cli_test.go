package main

import (
	"testing"
)

func TestExtractJSONFlag(t *testing.T) {
	args, ok := extractJSONFlag([]string{"herohealth", "--json", "slots"})
	if !ok || len(args) != 2 || args[1] != "slots" {
		t.Fatalf("unexpected result %v %v", args, ok)
	}
	if _, ok := extractJSONFlag([]string{"plugins", "list"}); ok {
		t.Fatalf("json flag should be absent")
	}
}

func TestDialAddr(t *testing.T) {
	for listen, want := range map[string]string{
		"0.0.0.0:9000":   "127.0.0.1:9000",
		":9000":          "127.0.0.1:9000",
		"gohome:9000":    "gohome:9000",
		"10.0.0.5:19000": "10.0.0.5:19000",
	} {
		if got := dialAddr(listen); got != want {
			t.Fatalf("dialAddr(%q) = %q, want %q", listen, got, want)
		}
	}
}

func TestResolveNamedID(t *testing.T) {
	options := map[string]string{"Vitamin D": "2", "Aspirin": "1"}
	id, err := resolveNamedID("pill", "vitamin-d", options)
	if err != nil || id != "2" {
		t.Fatalf("unexpected %q %v", id, err)
	}
	if _, err := resolveNamedID("pill", "ibuprofen", options); err == nil {
		t.Fatalf("expected not found error")
	}
}

func TestText(t *testing.T) {
	fields := map[string]any{"n": float64(15), "s": "", "b": true, "l": []any{"a", "b"}}
	cases := map[string]string{"n": "15", "s": "-", "b": "true", "l": "a, b", "missing": "-"}
	for key, want := range cases {
		if got := text(fields, key); got != want {
			t.Fatalf("text(%q) = %q, want %q", key, got, want)
		}
	}
}

func TestResolveNamedIDPrefix(t *testing.T) {
	options := map[string]string{"Vitamin D": "2", "Vitamin C": "3", "Aspirin": "1"}
	if id, err := resolveNamedID("pill", "asp", options); err != nil || id != "1" {
		t.Fatalf("unexpected %q %v", id, err)
	}
	if _, err := resolveNamedID("pill", "vitamin", options); err == nil {
		t.Fatalf("expected ambiguity error")
	}
}
