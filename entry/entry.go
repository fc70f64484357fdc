// Package entry implements the type-tagged serialized payload used to
// move values in and out of the cache store without the core ever
// introspecting their shape.
package entry

import (
	"encoding/json"
	"time"

	"github.com/otero/querycache/errs"
)

// SerializedEntry is an opaque byte payload paired with a stable type
// tag and the monotonic time it was written. The encoding format is an
// implementation detail (here: JSON, for portability and debuggability,
// matching the teacher's own default) but is deterministic and
// self-describing enough to support a structural round-trip.
type SerializedEntry struct {
	Bytes     []byte
	TypeTag   string
	WrittenAt time.Time
}

// Serialize encodes value under typeTag. Fails with errs.Serialization
// on encoder error.
func Serialize(value interface{}, typeTag string) (SerializedEntry, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return SerializedEntry{}, errs.Wrap(errs.Serialization, "encode value", err)
	}
	return SerializedEntry{
		Bytes:     data,
		TypeTag:   typeTag,
		WrittenAt: time.Now(),
	}, nil
}

// Deserialize decodes se into out, which must be a non-nil pointer.
// Fails with errs.TypeMismatch if se.TypeTag != expectedTypeTag, or
// errs.Deserialization on decoder error.
func Deserialize(se SerializedEntry, expectedTypeTag string, out interface{}) error {
	if se.TypeTag != expectedTypeTag {
		return errs.New(errs.TypeMismatch, "entry type tag "+se.TypeTag+" does not match requested "+expectedTypeTag)
	}
	if err := json.Unmarshal(se.Bytes, out); err != nil {
		return errs.Wrap(errs.Deserialization, "decode value", err)
	}
	return nil
}

// Size returns the encoded payload size in bytes, used by the cache
// store's stats() for totalBytes accounting.
func (se SerializedEntry) Size() int {
	return len(se.Bytes)
}
