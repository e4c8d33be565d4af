// Package access implements a composable access-control predicate
// language: verifiers, delegated badges, and threshold (N-of-T)
// combinators, together with the deterministic condition-hash/signing
// protocol used to authorize Flo creation and updates.
//
// The locking and lookup style follows a flatter role-based precedent
// (GrantRole/RevokeRole/HasRole backed by ledger state), generalized here
// into a recursive Condition tree small enough to stay an enum rather
// than an open class hierarchy.
package access

import (
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// ConditionKind discriminates the recursive Condition variant.
type ConditionKind uint8

const (
	KindPass ConditionKind = iota
	KindFail
	KindVerifier
	KindBadge
	KindNofT
)

// VersionPolicyKind selects how a Badge reference accepts the resolved
// condition's version.
type VersionPolicyKind uint8

const (
	PolicyMinimal VersionPolicyKind = iota // accepts versions >= Version
	PolicyExact                            // accepts only Version
	PolicyMaximal                          // accepts versions <= Version
)

// VersionPolicy is Version<BadgeID>'s acceptance rule.
type VersionPolicy struct {
	Kind    VersionPolicyKind
	Version uint64
}

// Accepts reports whether the resolved badge's version v satisfies the
// policy.
func (p VersionPolicy) Accepts(v uint64) bool {
	switch p.Kind {
	case PolicyMinimal:
		return v >= p.Version
	case PolicyExact:
		return v == p.Version
	case PolicyMaximal:
		return v <= p.Version
	default:
		return false
	}
}

// BadgeID identifies a stored access-control record (itself a Flo) that a
// Badge condition delegates to.
type BadgeID [32]byte

func (id BadgeID) String() string { return fmt.Sprintf("%x", id[:]) }

// BadgeRef is a Version<BadgeID>: a reference to another stored condition
// plus the version-acceptance policy that reference carries.
type BadgeRef struct {
	ID     BadgeID
	Policy VersionPolicy
}

// Condition is the recursive access predicate:
//
//	Verifier(KeyPairID)  — a specific public key must sign
//	Badge(Version<BadgeID>) — delegate to another stored condition
//	NofT(t, [C1..Cn])    — at least t of the listed subconditions hold
//	Pass                 — always true (testing only)
//	Fail                 — never true (implicit)
type Condition struct {
	Kind ConditionKind

	Verifier ed25519.PublicKey // valid when Kind == KindVerifier
	Badge    BadgeRef          // valid when Kind == KindBadge
	T        int               // valid when Kind == KindNofT
	Sub      []Condition       // valid when Kind == KindNofT
}

// Pass returns the always-true condition. Intended for testing only.
func Pass() Condition { return Condition{Kind: KindPass} }

// Fail returns the never-true condition.
func Fail() Condition { return Condition{Kind: KindFail} }

// VerifierCond returns a condition requiring a signature from pub.
func VerifierCond(pub ed25519.PublicKey) Condition {
	return Condition{Kind: KindVerifier, Verifier: pub}
}

// BadgeCond returns a condition delegating to the resolved condition of ref.
func BadgeCond(ref BadgeRef) Condition {
	return Condition{Kind: KindBadge, Badge: ref}
}

// NofT returns a condition satisfied when at least t of cs hold.
// NofT(0, ...) is equivalent to Pass and NofT(n+1, [n elems]) is
// unsatisfiable.
func NofT(t int, cs ...Condition) Condition {
	return Condition{Kind: KindNofT, T: t, Sub: cs}
}

// KeyPairID hashes an Ed25519 public key into the identifier Conditions and
// signature maps index by.
func KeyPairID(pub ed25519.PublicKey) [32]byte {
	return sha256.Sum256(pub)
}

// selfHash returns the hash of this node's own immediate fields, excluding
// any children — used as one entry of the pre-order hash list that seeds
// the condition hash.
func (c Condition) selfHash() [32]byte {
	type encoded struct {
		Kind uint8
		Data []byte
	}
	var data []byte
	switch c.Kind {
	case KindVerifier:
		data = append([]byte(nil), c.Verifier...)
	case KindBadge:
		policy, _ := rlp.EncodeToBytes(struct {
			Kind    uint8
			Version uint64
		}{uint8(c.Badge.Policy.Kind), c.Badge.Policy.Version})
		data = append(append([]byte(nil), c.Badge.ID[:]...), policy...)
	case KindNofT:
		data, _ = rlp.EncodeToBytes(uint64(c.T))
	}
	enc, _ := rlp.EncodeToBytes(encoded{Kind: uint8(c.Kind), Data: data})
	return sha256.Sum256(enc)
}
