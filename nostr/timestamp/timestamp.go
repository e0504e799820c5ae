// Package timestamp is a convenience wrapper around UNIX-second values,
// grounded on the teacher's pkg/nostr/timestamp.
package timestamp

import (
	"encoding/binary"
	"encoding/json"
	"time"
)

type T int64

func Now() T { return T(time.Now().Unix()) }

func (t T) U64() uint64    { return uint64(t) }
func (t T) I64() int64     { return int64(t) }
func (t T) Int() int       { return int(t) }
func (t T) Time() time.Time { return time.Unix(int64(t), 0) }

// Bytes returns the big-endian encoding used as a sort-order-preserving
// key component in the storage layer.
func (t T) Bytes() []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(t))
	return b
}

func FromBytes(b []byte) T {
	return T(binary.BigEndian.Uint64(b))
}

func (t T) MarshalJSON() ([]byte, error)  { return json.Marshal(int64(t)) }
func (t *T) UnmarshalJSON(b []byte) error {
	var i int64
	if err := json.Unmarshal(b, &i); err != nil {
		return err
	}
	*t = T(i)
	return nil
}
