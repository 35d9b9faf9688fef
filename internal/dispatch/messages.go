package dispatch

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/zulandar/courier/internal/errs"
)

// maxLineBytes bounds a single message line in an uploaded batch.
const maxLineBytes = 64 * 1024

// ParseMessages reads a newline-separated batch. Lines are trimmed and blank
// lines dropped.
func ParseMessages(r io.Reader) ([]string, error) {
	if r == nil {
		return nil, fmt.Errorf("dispatch: no message source: %w", errs.ErrMessageSourceInvalid)
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxLineBytes)
	var out []string
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			out = append(out, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("dispatch: read messages: %v: %w", err, errs.ErrMessageSourceInvalid)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("dispatch: message source has no messages: %w", errs.ErrMessageSourceInvalid)
	}
	return out, nil
}

// CleanMessages trims each message and drops blanks.
func CleanMessages(msgs []string) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	return out
}
