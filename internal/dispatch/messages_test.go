package dispatch

import (
	"errors"
	"strings"
	"testing"

	"github.com/zulandar/courier/internal/errs"
)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("disk gone") }

func TestParseMessages(t *testing.T) {
	got, err := ParseMessages(strings.NewReader("  hello \n\n\r\nsecond line\r\n   \nthird"))
	if err != nil {
		t.Fatalf("ParseMessages: %v", err)
	}
	want := []string{"hello", "second line", "third"}
	if len(got) != len(want) {
		t.Fatalf("got %d messages, want %d: %q", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("msg[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestParseMessages_Invalid(t *testing.T) {
	tests := []struct {
		name string
		run  func() error
	}{
		{"nil reader", func() error { _, err := ParseMessages(nil); return err }},
		{"blank file", func() error { _, err := ParseMessages(strings.NewReader("\n \n\t\n")); return err }},
		{"read error", func() error { _, err := ParseMessages(failingReader{}); return err }},
		{"line too long", func() error {
			_, err := ParseMessages(strings.NewReader(strings.Repeat("x", maxLineBytes+1)))
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); !errors.Is(err, errs.ErrMessageSourceInvalid) {
				t.Errorf("err = %v, want ErrMessageSourceInvalid", err)
			}
		})
	}
}

func TestCleanMessages(t *testing.T) {
	got := CleanMessages([]string{" a ", "", "  ", "b"})
	if strings.Join(got, "|") != "a|b" {
		t.Errorf("CleanMessages = %q", got)
	}
}
