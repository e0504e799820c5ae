// Package kind names the Nostr event kinds this engine needs to route on.
// The numeric ranges are normative (NIP-01); the type exists so "kind.T"
// reads the way the rest of this module's leaf types do.
package kind

type T uint32

func (k T) ToUint32() uint32 { return uint32(k) }

const (
	ProfileMetadata        T = 0
	TextNote               T = 1
	RecommendRelay         T = 2
	ContactList            T = 3
	EncryptedDirectMessage T = 4
	Deletion               T = 5
	Repost                 T = 6
	Reaction               T = 7
	BadgeAward             T = 8
	GenericRepost          T = 16
	Seal                   T = 13
	GiftWrap               T = 1059
	ClientAuthentication   T = 22242
	LongFormContent        T = 30023
	ZapReceipt             T = 9735

	ReplaceableStart T = 10000
	MuteList         T = 10000
	RelayListMetadata T = 10002
	DMRelayList      T = 10050
	ReplaceableEnd   T = 20000

	EphemeralStart T = 20000
	EphemeralEnd   T = 30000

	ParameterizedReplaceableStart T = 30000
	ParameterizedReplaceableEnd   T = 40000
)

// IsReplaceable reports whether only the newest event per (pubkey, kind)
// should be retained. ProfileMetadata and ContactList are replaceable
// despite being outside the 10000-range, per NIP-01.
func (k T) IsReplaceable() bool {
	return k == ProfileMetadata || k == ContactList ||
		(k >= ReplaceableStart && k < ReplaceableEnd)
}

// IsParameterizedReplaceable reports whether only the newest event per
// (pubkey, kind, d-tag) should be retained.
func (k T) IsParameterizedReplaceable() bool {
	return k >= ParameterizedReplaceableStart && k < ParameterizedReplaceableEnd
}

// IsEphemeral reports whether the event must never be persisted.
func (k T) IsEphemeral() bool {
	return k >= EphemeralStart && k < EphemeralEnd
}

// IsDirectMessage reports whether the kind carries an encrypted payload
// addressed at a specific recipient (used by the relay-list logic to pick
// DM relays over general outbox relays).
func (k T) IsDirectMessage() bool {
	return k == EncryptedDirectMessage || k == GiftWrap || k == Seal
}
