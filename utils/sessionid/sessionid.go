// Package sessionid issues and checks upload session identifiers.
package sessionid

import (
	"errors"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

const prefix = "upl_"

// ErrInvalid is returned for values that are not upload session ids.
var ErrInvalid = errors.New("invalid upload session id")

// New returns an upl_* id. ulid.Make draws from a process-wide, lock-guarded
// monotonic crypto entropy source, so ids are unguessable and sort by issue
// time within one process.
func New() string {
	return prefix + strings.ToLower(ulid.Make().String())
}

// Parse validates an upl_* id and returns its ULID.
func Parse(value string) (ulid.ULID, error) {
	raw, ok := strings.CutPrefix(strings.TrimSpace(value), prefix)
	if !ok {
		return ulid.ULID{}, ErrInvalid
	}
	id, err := ulid.ParseStrict(raw)
	if err != nil {
		return ulid.ULID{}, errors.Join(ErrInvalid, err)
	}
	return id, nil
}

// IssuedAt returns when the session id was minted.
func IssuedAt(value string) (time.Time, error) {
	id, err := Parse(value)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(id.Time()), nil
}

// Plausible reports whether value is a valid id not issued after now+skew.
// Ids from the future were not minted by this service.
func Plausible(value string, now time.Time, skew time.Duration) bool {
	issued, err := IssuedAt(value)
	if err != nil {
		return false
	}
	return !issued.After(now.Add(skew))
}
