// Package flo implements the Flo content-object and Realm data model:
// versioned, signed objects organized by realm, identified
// deterministically by the hash of their encoded content.
//
// The stable binary encoding and its hash follow a block-hash
// convention of RLP-encoding a header and taking its SHA-256 digest as
// the canonical identifier.
package flo

import (
	"encoding/hex"
	"fmt"
)

// idSize is the width in bytes of a 256-bit RealmID/FloID.
const idSize = 32

// RealmID identifies a Realm: a named administrative scope.
type RealmID [idSize]byte

// FloID identifies a Flo deterministically by the hash of its encoded
// content, or by an explicit forced hash set in FloConfig.
type FloID [idSize]byte

func (id RealmID) String() string { return hex.EncodeToString(id[:]) }
func (id FloID) String() string   { return hex.EncodeToString(id[:]) }

// IsZero reports whether id is the unset zero value.
func (id FloID) IsZero() bool { return id == FloID{} }

// MarshalYAML renders a RealmID as its hex string rather than a byte
// sequence, so wire messages stay readable.
func (id RealmID) MarshalYAML() (interface{}, error) { return id.String(), nil }

// UnmarshalYAML parses a RealmID from the hex string produced by
// MarshalYAML.
func (id *RealmID) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := ParseRealmID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// MarshalYAML renders a FloID as its hex string rather than a byte
// sequence, so wire messages stay readable.
func (id FloID) MarshalYAML() (interface{}, error) { return id.String(), nil }

// UnmarshalYAML parses a FloID from the hex string produced by
// MarshalYAML.
func (id *FloID) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		*id = FloID{}
		return nil
	}
	parsed, err := ParseFloID(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseRealmID decodes a hex-encoded RealmID.
func ParseRealmID(s string) (RealmID, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != idSize {
		return RealmID{}, fmt.Errorf("flo: invalid realm id %q", s)
	}
	var id RealmID
	copy(id[:], b)
	return id, nil
}

// ParseFloID decodes a hex-encoded FloID.
func ParseFloID(s string) (FloID, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != idSize {
		return FloID{}, fmt.Errorf("flo: invalid flo id %q", s)
	}
	var id FloID
	copy(id[:], b)
	return id, nil
}

// GlobalID is the pair (RealmID, FloID) used for cross-realm addressing.
type GlobalID struct {
	Realm RealmID
	Flo   FloID
}

func (g GlobalID) String() string {
	return g.Realm.String() + "/" + g.Flo.String()
}
