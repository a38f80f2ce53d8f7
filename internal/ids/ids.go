// Package ids mints sortable identifiers for requests and audit events.
package ids

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// New returns a ULID for the current instant.
func New() string {
	return ulid.Make().String()
}

// Time reports when id was minted. ok is false for strings that are not ULIDs.
func Time(id string) (t time.Time, ok bool) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(parsed.Time()), true
}
