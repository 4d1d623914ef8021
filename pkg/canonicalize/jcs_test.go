package canonicalize

import "testing"

func TestJCSSortsKeys(t *testing.T) {
	in := map[string]any{"b": 1, "a": 2, "c": 3}
	got, err := JCSString(in)
	if err != nil {
		t.Fatalf("JCSString: %v", err)
	}
	want := `{"a":2,"b":1,"c":3}`
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestJCSDeterministicAcrossKeyOrder(t *testing.T) {
	a := map[string]any{"x": map[string]any{"z": 1, "y": 2}, "a": 1}
	b := map[string]any{"a": 1, "x": map[string]any{"y": 2, "z": 1}}

	ha, err := CanonicalHash(a)
	if err != nil {
		t.Fatalf("CanonicalHash(a): %v", err)
	}
	hb, err := CanonicalHash(b)
	if err != nil {
		t.Fatalf("CanonicalHash(b): %v", err)
	}
	if ha != hb {
		t.Fatalf("hashes diverged for key-order-only difference: %s != %s", ha, hb)
	}
}

func TestJCSEscapesNonASCII(t *testing.T) {
	got, err := JCSString("café")
	if err != nil {
		t.Fatalf("JCSString: %v", err)
	}
	want := "\"caf\\u00e9\""
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestJCSNoHTMLEscaping(t *testing.T) {
	got, err := JCSString("<a>&</a>")
	if err != nil {
		t.Fatalf("JCSString: %v", err)
	}
	want := `"<a>&</a>"`
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestJCSArraysPreserveOrder(t *testing.T) {
	got, err := JCSString([]any{3, 1, 2})
	if err != nil {
		t.Fatalf("JCSString: %v", err)
	}
	want := `[3,1,2]`
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
