// Package keys is a small composable framework for building badger
// database keys out of typed fields, grounded on the teacher's
// pkg/nostr/eventstore/badger/keys family. The teacher splits each
// field type into its own subpackage (id, pubkey, kinder, serial,
// createdat, index); here they are collapsed into one package since
// the substrate only needs a handful of fixed-width fields and a
// single prefix byte, not the teacher's larger field catalogue.
package keys

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Element is a fixed- or variable-width field that knows how to
// serialize itself into and out of a key.
type Element interface {
	Write(buf *bytes.Buffer)
	Len() int
}

// Build concatenates the binary form of every element into one key.
func Build(elems ...Element) []byte {
	n := 0
	for _, e := range elems {
		n += e.Len()
	}
	buf := bytes.NewBuffer(make([]byte, 0, n))
	for _, e := range elems {
		e.Write(buf)
	}
	return buf.Bytes()
}

// Prefix is the single leading byte identifying a key's index family.
type Prefix byte

const (
	PrefixEvent      Prefix = iota // [0][serial]
	PrefixCreatedAt                // [1][created_at][serial]
	PrefixID                       // [2][id-prefix][serial]
	PrefixKind                     // [3][kind][created_at][serial]
	PrefixPubkey                   // [4][pubkey-prefix][created_at][serial]
	PrefixPubkeyKind               // [5][pubkey-prefix][kind][created_at][serial]
	PrefixTag                      // [6][tag letter][tag value, <=480b][created_at][serial]
	PrefixCounter                  // [7][serial] -> value: access metadata
	PrefixVersion    Prefix = 255
)

func (p Prefix) Key(elems ...Element) []byte {
	return Build(append([]Element{rawByte(byte(p))}, elems...)...)
}

func (p Prefix) Bytes() []byte { return []byte{byte(p)} }

type rawByte byte

func (r rawByte) Write(buf *bytes.Buffer) { buf.WriteByte(byte(r)) }
func (r rawByte) Len() int                { return 1 }

const (
	SerialLen    = 8
	IDPrefixLen  = 8
	PubkeyLen    = 8
	KindLen      = 2
	CreatedAtLen = 8
)

// Serial is badger's monotonic, conflict-free record number.
type Serial uint64

func (s Serial) Write(buf *bytes.Buffer) {
	var b [SerialLen]byte
	binary.BigEndian.PutUint64(b[:], uint64(s))
	buf.Write(b[:])
}
func (s Serial) Len() int { return SerialLen }

func SerialFromKey(k []byte) Serial {
	if len(k) < SerialLen {
		panic("key too short to contain a serial")
	}
	return Serial(binary.BigEndian.Uint64(k[len(k)-SerialLen:]))
}

// IDPrefix is the first 8 bytes of an event id, enough to make
// collisions practically impossible while keeping keys compact.
type IDPrefix [IDPrefixLen]byte

func (p IDPrefix) Write(buf *bytes.Buffer) { buf.Write(p[:]) }
func (p IDPrefix) Len() int                { return IDPrefixLen }

func NewIDPrefix(idBytes []byte) IDPrefix {
	var p IDPrefix
	copy(p[:], idBytes)
	return p
}

// PubkeyPrefix is the first 8 bytes of an author's pubkey.
type PubkeyPrefix [PubkeyLen]byte

func (p PubkeyPrefix) Write(buf *bytes.Buffer) { buf.Write(p[:]) }
func (p PubkeyPrefix) Len() int                { return PubkeyLen }

func NewPubkeyPrefix(pkBytes []byte) PubkeyPrefix {
	var p PubkeyPrefix
	copy(p[:], pkBytes)
	return p
}

// Kind is a big-endian 16-bit event kind field, matching the wire
// width the teacher's index keys use even though the in-memory kind.T
// the rest of this module uses is 32 bits; kinds above 65535 are not
// currently assigned by the protocol.
type Kind uint16

func (k Kind) Write(buf *bytes.Buffer) {
	var b [KindLen]byte
	binary.BigEndian.PutUint16(b[:], uint16(k))
	buf.Write(b[:])
}
func (k Kind) Len() int { return KindLen }

// CreatedAt is a big-endian unix timestamp, ordered so range scans over
// a prefix naturally walk events oldest-to-newest.
type CreatedAt int64

func (c CreatedAt) Write(buf *bytes.Buffer) {
	var b [CreatedAtLen]byte
	binary.BigEndian.PutUint64(b[:], uint64(c))
	buf.Write(b[:])
}
func (c CreatedAt) Len() int { return CreatedAtLen }

// Tag is a variable-length field holding a single-letter tag's value,
// truncated to fit the 510-byte badger key limit alongside its fixed
// neighbours.
type Tag struct {
	Letter byte
	Value  []byte
}

// MaxTagValueLen bounds the Value portion of a tag key so the full key
// (prefix + letter + value + created_at + serial) stays under badger's
// key size limit.
const MaxTagValueLen = 480

func NewTag(letter byte, value string) Tag {
	v := []byte(value)
	if len(v) > MaxTagValueLen {
		v = v[:MaxTagValueLen]
	}
	return Tag{Letter: letter, Value: v}
}

func (t Tag) Write(buf *bytes.Buffer) {
	buf.WriteByte(t.Letter)
	buf.Write(t.Value)
}
func (t Tag) Len() int { return 1 + len(t.Value) }

func (t Tag) String() string { return fmt.Sprintf("%c:%s", t.Letter, t.Value) }
