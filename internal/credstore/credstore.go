// Package credstore persists the opaque per-session credential blobs the
// transport layer needs to resume a paired device without re-pairing.
package credstore

import (
	"context"
	"fmt"
	"regexp"
	"time"
)

// Credentials is the stored state for one credential location.
type Credentials struct {
	Blob       []byte    `json:"blob"`
	Registered bool      `json:"registered"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Empty reports whether nothing has been stored yet.
func (c Credentials) Empty() bool {
	return len(c.Blob) == 0 && !c.Registered
}

// Store loads and saves credentials by location. Load of an unknown location
// returns the zero value and no error.
type Store interface {
	Load(ctx context.Context, loc string) (Credentials, error)
	Save(ctx context.Context, loc string, creds Credentials) error
	Delete(ctx context.Context, loc string) error
}

var locationPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,128}$`)

// ValidateLocation rejects locations that are empty, too long or could
// escape the storage root.
func ValidateLocation(loc string) error {
	if !locationPattern.MatchString(loc) || loc == "." || loc == ".." {
		return fmt.Errorf("credstore: invalid location %q", loc)
	}
	return nil
}
