package textutil

import (
	"reflect"
	"testing"
)

func TestStripMarkup(t *testing.T) {
	cases := map[string]string{
		"Plain Tee":                       "Plain Tee",
		"<b>Bold</b> Hoodie":              "Bold Hoodie",
		`Mug<script>alert("x")</script>`:  "Mug",
		"  Tom &amp; Jerry\n\tSocks ":     "Tom & Jerry Socks",
		`<img src=x onerror=alert(1)>Cap`: "Cap",
		"":                                "",
	}
	for input, want := range cases {
		if got := StripMarkup(input); got != want {
			t.Fatalf("StripMarkup(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("héllo", 2); got != "hé" {
		t.Fatalf("expected rune-aware truncation, got %q", got)
	}
	if got := Truncate("abc", 0); got != "abc" {
		t.Fatalf("expected no-op for zero limit, got %q", got)
	}
}

func TestNormalizeStringMap(t *testing.T) {
	input := map[string]string{
		" orderNumber ": " ORD-1 ",
		"empty":         " ",
		" ":             "ignored",
	}
	expected := map[string]string{"orderNumber": "ORD-1"}
	if actual := NormalizeStringMap(input); !reflect.DeepEqual(actual, expected) {
		t.Fatalf("expected %#v got %#v", expected, actual)
	}
	if NormalizeStringMap(nil) != nil {
		t.Fatalf("expected nil for nil input")
	}
}
