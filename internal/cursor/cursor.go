// Package cursor implements comparison of mailbox history ids.
//
// History ids are decimal strings that grow monotonically per mailbox. They
// may exceed 2^53, so they are never routed through float64.
package cursor

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// ErrInvalid is returned for values that are not non-negative decimal integers
var ErrInvalid = errors.New("invalid history id")

// HistoryID is a parsed history id
type HistoryID struct {
	v *big.Int
}

// Parse parses a decimal history id
func Parse(s string) (HistoryID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return HistoryID{}, fmt.Errorf("%w: empty", ErrInvalid)
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return HistoryID{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	return HistoryID{v: v}, nil
}

// FromUint64 builds a history id from the provider's numeric form
func FromUint64(n uint64) HistoryID {
	return HistoryID{v: new(big.Int).SetUint64(n)}
}

// IsZero reports whether the id is unset
func (h HistoryID) IsZero() bool {
	return h.v == nil
}

// Cmp compares h and o. An unset id sorts before every set id.
func (h HistoryID) Cmp(o HistoryID) int {
	switch {
	case h.v == nil && o.v == nil:
		return 0
	case h.v == nil:
		return -1
	case o.v == nil:
		return 1
	}
	return h.v.Cmp(o.v)
}

// Uint64 returns the id in the provider's numeric form
func (h HistoryID) Uint64() (uint64, error) {
	if h.v == nil || !h.v.IsUint64() {
		return 0, fmt.Errorf("%w: %s out of range", ErrInvalid, h.String())
	}
	return h.v.Uint64(), nil
}

func (h HistoryID) String() string {
	if h.v == nil {
		return ""
	}
	return h.v.String()
}

// Newer reports whether candidate is strictly greater than current.
// An empty or unparsable current value is treated as unset.
func Newer(current, candidate string) (bool, error) {
	next, err := Parse(candidate)
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(current) == "" {
		return true, nil
	}
	cur, err := Parse(current)
	if err != nil {
		return true, nil
	}
	return next.Cmp(cur) > 0, nil
}

// Max returns the greater of two history id strings, ignoring invalid ones
func Max(a, b string) string {
	pa, errA := Parse(a)
	pb, errB := Parse(b)
	switch {
	case errA != nil && errB != nil:
		return ""
	case errA != nil:
		return pb.String()
	case errB != nil:
		return pa.String()
	}
	if pa.Cmp(pb) >= 0 {
		return pa.String()
	}
	return pb.String()
}
