package bulk

import (
	"testing"
	"time"
)

func TestEscapeLossless(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"plain", "hello world", "hello world"},
		{"backslash first", `a\b`, `a\\b`},
		{"tab", "a\tb", `a\tb`},
		{"newline", "a\nb", `a\nb`},
		{"carriage return", "a\rb", `a\rb`},
		{"all four", "a\\b\tc\nd\re", `a\\b\tc\nd\re`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EscapeLossless(tt.in); got != tt.want {
				t.Errorf("EscapeLossless(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestEscapeLossy(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"plain", "hello world", "hello world"},
		{"tab becomes space", "a\tb", "a b"},
		{"newline becomes space", "a\nb", "a b"},
		{"carriage return becomes space", "a\rb", "a b"},
		{"backslash untouched", `a\b`, `a\b`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EscapeLossy(tt.in); got != tt.want {
				t.Errorf("EscapeLossy(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRowWriter(t *testing.T) {
	w := newRowWriter(2, 16)
	w.row("a", "b", "c")
	w.row("1", "2")

	want := "a\tb\tc\n1\t2\n"
	if got := w.buf.String(); got != want {
		t.Errorf("rowWriter output = %q, want %q", got, want)
	}
}

func TestPhasesTotalAndSlow(t *testing.T) {
	p := Phases{
		Setup: 10 * time.Millisecond,
		Copy:  20 * time.Millisecond,
		Merge: 30 * time.Millisecond,
		Agg:   5 * time.Millisecond,
		Rows:  100,
	}
	if got, want := p.Total(), 65*time.Millisecond; got != want {
		t.Errorf("Total() = %s, want %s", got, want)
	}
	if p.Slow() {
		t.Error("Slow() = true, want false for a 65ms total under the 100ms threshold")
	}

	p.Merge = 200 * time.Millisecond
	if !p.Slow() {
		t.Error("Slow() = false, want true once total exceeds the 100ms threshold")
	}
}
