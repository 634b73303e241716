package taskbus

import (
	"slices"
	"strings"
	"testing"
)

func TestParseSignature(t *testing.T) {
	tests := []struct {
		in      string
		wantErr bool
	}{
		{"", false},
		{"y", false},
		{"b", false},
		{"n", false},
		{"q", false},
		{"i", false},
		{"u", false},
		{"x", false},
		{"t", false},
		{"d", false},
		{"s", false},
		{"o", false},
		{"g", false},
		{"v", false},
		{"as", false},
		{"ay", false},
		{"aas", false},
		{"a{sx}", false},
		{"a{yv}", false},
		{"(nb)", false},
		{"a(nb)", false},
		{"(y(nb))", false},
		{"a(y(nb))", false},
		{"(asa(nb)aa(y(nb)))", false},
		{"susus", false},
		{"a{s(ii)}", false},
		{"a{sa{sv}}", false},

		{"z", true},
		{"()", true},    // empty struct
		{"a", true},     // array with no element type
		{"(", true},     // unterminated struct
		{"(ss", true},   // unterminated struct
		{")", true},     // unopened struct
		{"a{}", true},   // dict with no types
		{"a{s}", true},  // dict with no value type
		{"a{si", true},  // unterminated dict
		{"a{vs}", true}, // container key
		{"a{(i)s}", true},
		{"{si}", true}, // dict entry outside array
		{strings.Repeat("s", 256), true},
	}

	for _, tc := range tests {
		got, err := ParseSignature(tc.in)
		if gotErr := err != nil; gotErr != tc.wantErr {
			t.Errorf("ParseSignature(%q) err = %v, wantErr %v", tc.in, err, tc.wantErr)
			continue
		}
		if err == nil && got.String() != tc.in {
			t.Errorf("ParseSignature(%q).String() = %q", tc.in, got)
		}
	}
}

func TestSignatureTypes(t *testing.T) {
	tests := []struct {
		in   Signature
		want []Signature
	}{
		{"", nil},
		{"s", []Signature{"s"}},
		{"susus", []Signature{"s", "u", "s", "u", "s"}},
		{"a{sv}u(ii)", []Signature{"a{sv}", "u", "(ii)"}},
		{"aai(a{sv})", []Signature{"aai", "(a{sv})"}},
	}

	for _, tc := range tests {
		got, err := tc.in.Types()
		if err != nil {
			t.Errorf("Signature(%q).Types() got err: %v", tc.in, err)
			continue
		}
		if !slices.Equal(got, tc.want) {
			t.Errorf("Signature(%q).Types() = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestSignatureSingle(t *testing.T) {
	tests := []struct {
		in   Signature
		want bool
	}{
		{"s", true},
		{"a{sv}", true},
		{"(iii)", true},
		{"v", true},
		{"", false},
		{"ss", false},
		{"a{sv}u", false},
	}

	for _, tc := range tests {
		if got := tc.in.Single(); got != tc.want {
			t.Errorf("Signature(%q).Single() = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestSignatureAlignment(t *testing.T) {
	tests := []struct {
		in   Signature
		want int
	}{
		{"y", 1},
		{"g", 1},
		{"v", 1},
		{"n", 2},
		{"q", 2},
		{"b", 4},
		{"i", 4},
		{"u", 4},
		{"s", 4},
		{"o", 4},
		{"as", 4},
		{"a{sv}", 4},
		{"x", 8},
		{"t", 8},
		{"d", 8},
		{"(y)", 8},
	}

	for _, tc := range tests {
		if got := tc.in.alignment(); got != tc.want {
			t.Errorf("Signature(%q).alignment() = %d, want %d", tc.in, got, tc.want)
		}
	}
}
