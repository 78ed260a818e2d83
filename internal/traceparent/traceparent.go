package traceparent

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
)

const (
	// Header is the HTTP header carrying a TraceParent.
	Header = "traceparent"
	// BaggageHeader is the companion W3C baggage header. It is forwarded
	// untouched.
	BaggageHeader = "baggage"

	headerLen = 55
)

// ErrMalformed is returned (wrapped) by Parse for any input that is not a
// well-formed traceparent.
var ErrMalformed = errors.New("traceparent malformed")

// TraceParent is an immutable trace-context value.
type TraceParent struct {
	Version  uint8
	TraceID  [16]byte
	ParentID uint64
	Flags    uint8
}

// New returns a TraceParent with version 0, flags 0 and random trace and
// parent ids.
func New() TraceParent {
	tp := TraceParent{ParentID: rand.Uint64()}
	binary.BigEndian.PutUint64(tp.TraceID[:8], rand.Uint64())
	binary.BigEndian.PutUint64(tp.TraceID[8:], rand.Uint64())
	return tp
}

// Parse decodes a traceparent header value.
func Parse(s string) (TraceParent, error) {
	if len(s) != headerLen {
		return TraceParent{}, fmt.Errorf("%w: length was %d", ErrMalformed, len(s))
	}

	segs := strings.Split(s, "-")
	if len(segs) != 4 {
		return TraceParent{}, fmt.Errorf("%w: expected 4 fields, got %d", ErrMalformed, len(segs))
	}

	var (
		tp      TraceParent
		version [1]byte
		parent  [8]byte
		flags   [1]byte
	)
	fields := []struct {
		name string
		dst  []byte
	}{
		{"version", version[:]},
		{"trace-id", tp.TraceID[:]},
		{"parent-id", parent[:]},
		{"flags", flags[:]},
	}
	for i, f := range fields {
		if len(segs[i]) != 2*len(f.dst) {
			return TraceParent{}, fmt.Errorf("%w: %s has width %d", ErrMalformed, f.name, len(segs[i]))
		}
		if _, err := hex.Decode(f.dst, []byte(segs[i])); err != nil {
			return TraceParent{}, fmt.Errorf("%w: %s: %w", ErrMalformed, f.name, err)
		}
	}

	tp.Version = version[0]
	tp.ParentID = binary.BigEndian.Uint64(parent[:])
	tp.Flags = flags[0]
	return tp, nil
}

// HeaderValue renders the canonical lowercase header form.
func (tp TraceParent) HeaderValue() string {
	return fmt.Sprintf("%02x-%s-%016x-%02x", tp.Version, hex.EncodeToString(tp.TraceID[:]), tp.ParentID, tp.Flags)
}

// String returns only the trace id, for log correlation.
func (tp TraceParent) String() string {
	return hex.EncodeToString(tp.TraceID[:])
}
