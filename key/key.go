// Package key implements the structured cache key model: immutable
// ordered keys, the pattern variants matched against them, and the
// canonical string form used as a storage sub-key.
package key

import (
	"strings"

	"github.com/otero/querycache/errs"
)

const (
	maxSegments   = 10
	maxSegmentLen = 255
	// delimiter is reserved; it never appears in a valid segment because
	// segments are length-bounded ordinary strings the caller controls,
	// but we still guard against it in Make to keep canonical() injective.
	delimiter = "\x1f"
)

// Key is an ordered, immutable sequence of non-empty short strings.
// Zero value is not a valid Key; construct with Make.
type Key struct {
	segments []string
}

// Make validates and builds a Key. Fails with errs.InvalidKey if segments
// is empty, any segment is empty, len(segments) > 10, or any segment
// exceeds 255 bytes.
func Make(segments ...string) (Key, error) {
	if len(segments) == 0 {
		return Key{}, errs.New(errs.InvalidKey, "key must have at least one segment")
	}
	if len(segments) > maxSegments {
		return Key{}, errs.New(errs.InvalidKey, "key has more than 10 segments")
	}
	cp := make([]string, len(segments))
	for i, s := range segments {
		if s == "" {
			return Key{}, errs.New(errs.InvalidKey, "key segment cannot be empty")
		}
		if len(s) > maxSegmentLen {
			return Key{}, errs.New(errs.InvalidKey, "key segment exceeds 255 bytes")
		}
		if strings.Contains(s, delimiter) {
			return Key{}, errs.New(errs.InvalidKey, "key segment contains reserved delimiter")
		}
		cp[i] = s
	}
	return Key{segments: cp}, nil
}

// MustMake panics on an invalid key; intended for tests and static keys.
func MustMake(segments ...string) Key {
	k, err := Make(segments...)
	if err != nil {
		panic(err)
	}
	return k
}

// Segments returns a defensive copy of the key's segments.
func (k Key) Segments() []string {
	cp := make([]string, len(k.segments))
	copy(cp, k.segments)
	return cp
}

// Len returns the number of segments.
func (k Key) Len() int { return len(k.segments) }

// Equal reports whether two keys have pairwise-equal segments in order.
// Comparison is byte-for-byte; no Unicode normalisation is performed.
func (k Key) Equal(other Key) bool {
	if len(k.segments) != len(other.segments) {
		return false
	}
	for i := range k.segments {
		if k.segments[i] != other.segments[i] {
			return false
		}
	}
	return true
}

// Canonical returns the injective string form used as a persistence
// sub-key: segments joined by a reserved delimiter forbidden inside any
// segment, so distinct keys always produce distinct strings.
func (k Key) Canonical() string {
	return strings.Join(k.segments, delimiter)
}

func (k Key) String() string {
	return "[" + strings.Join(k.segments, ",") + "]"
}

// ParseCanonical reconstructs a Key from a string produced by Canonical.
// Round-trips: Canonical(ParseCanonical(Canonical(k))) == Canonical(k).
func ParseCanonical(s string) (Key, error) {
	segments := strings.Split(s, delimiter)
	return Make(segments...)
}

// PatternKind tags the variant of a QueryKeyPattern.
type PatternKind int

const (
	Exact PatternKind = iota
	Prefix
	Contains
)

// Pattern is a tagged union over the three matcher variants the core
// supports. Exact and Prefix carry a Key; Contains carries a single
// segment string compared for exact segment equality — not substring
// matching (see DESIGN.md on the spec's Contains open question).
type Pattern struct {
	kind     PatternKind
	key      Key
	segment  string
}

// NewExact builds a pattern matching only keys equal to k.
func NewExact(k Key) Pattern { return Pattern{kind: Exact, key: k} }

// NewPrefix builds a pattern matching any key whose leading segments
// equal prefix's segments in order.
func NewPrefix(prefix Key) Pattern { return Pattern{kind: Prefix, key: prefix} }

// NewContains builds a pattern matching any key with a segment exactly
// equal to segment.
func NewContains(segment string) Pattern { return Pattern{kind: Contains, segment: segment} }

func (p Pattern) Kind() PatternKind { return p.kind }

// Matches reports whether target satisfies the pattern. Matching is
// total (defined for every Key/Pattern pair) and deterministic.
func (p Pattern) Matches(target Key) bool {
	switch p.kind {
	case Exact:
		return target.Equal(p.key)
	case Prefix:
		if len(p.key.segments) > len(target.segments) {
			return false
		}
		for i, seg := range p.key.segments {
			if target.segments[i] != seg {
				return false
			}
		}
		return true
	case Contains:
		for _, seg := range target.segments {
			if seg == p.segment {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// Matches is a free function mirroring the spec's matches(key, pattern)
// contract for callers that prefer it over the method form.
func Matches(target Key, pattern Pattern) bool {
	return pattern.Matches(target)
}
