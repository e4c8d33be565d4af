package access

import (
	"crypto/ed25519"
	"errors"
	"testing"
)

type staticResolver map[BadgeID]struct {
	cond    Condition
	version uint64
}

var errBadgeNotFound = errors.New("badge not found")

func (r staticResolver) ResolveBadge(ref BadgeRef) (Condition, uint64, error) {
	e, ok := r[ref.ID]
	if !ok {
		return Condition{}, 0, errBadgeNotFound
	}
	return e.cond, e.version, nil
}

func genKey(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return pub, priv
}

// TestNofTThreeKeysRequiresTwoSignatures checks NofT(2, [V(k1), V(k2),
// V(k3)]) is unsatisfied with zero or one signature and satisfied once
// any two of the three sign.
func TestNofTThreeKeysRequiresTwoSignatures(t *testing.T) {
	pub1, priv1 := genKey(t)
	pub2, priv2 := genKey(t)
	pub3, priv3 := genKey(t)

	cond := NofT(2, VerifierCond(pub1), VerifierCond(pub2), VerifierCond(pub3))
	msg := []byte("update flo 0xdeadbeef")

	bs, err := New(msg, cond, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	ok, err := bs.Evaluate()
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if ok {
		t.Fatal("expected unsatisfied with zero signatures")
	}

	if err := bs.Sign(pub1, priv1); err != nil {
		t.Fatalf("sign 1: %v", err)
	}
	ok, err = bs.Evaluate()
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if ok {
		t.Fatal("expected unsatisfied with one signature")
	}

	if err := bs.Sign(pub2, priv2); err != nil {
		t.Fatalf("sign 2: %v", err)
	}
	ok, err = bs.Evaluate()
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !ok {
		t.Fatal("expected satisfied with two of three signatures")
	}

	if _, err := bs.Finalize(); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	_ = priv3
}

// TestNofTZeroIsPass checks NofT(0, ...) is equivalent to Pass.
func TestNofTZeroIsPass(t *testing.T) {
	pub, _ := genKey(t)
	cond := NofT(0, VerifierCond(pub))
	bs, err := New([]byte("m"), cond, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ok, err := bs.Evaluate()
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !ok {
		t.Fatal("NofT(0, ...) should be satisfied unconditionally")
	}
}

// TestNofTUnsatisfiableWhenThresholdExceedsMembers checks NofT(n+1, [n
// elems]) never satisfies regardless of signatures collected.
func TestNofTUnsatisfiableWhenThresholdExceedsMembers(t *testing.T) {
	pub1, priv1 := genKey(t)
	pub2, priv2 := genKey(t)
	cond := NofT(3, VerifierCond(pub1), VerifierCond(pub2))
	bs, err := New([]byte("m"), cond, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := bs.Sign(pub1, priv1); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := bs.Sign(pub2, priv2); err != nil {
		t.Fatalf("sign: %v", err)
	}
	ok, err := bs.Evaluate()
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if ok {
		t.Fatal("NofT(3, [2 elems]) must be unsatisfiable")
	}
}

// TestBadgeDelegationResolvesAndVerifies checks a Badge condition
// delegates to its resolved condition and that signing against the
// correct condition hash verifies.
func TestBadgeDelegationResolvesAndVerifies(t *testing.T) {
	pub, priv := genKey(t)
	badgeID := BadgeID{0x01}
	resolver := staticResolver{
		badgeID: {cond: VerifierCond(pub), version: 1},
	}
	ref := BadgeRef{ID: badgeID, Policy: VersionPolicy{Kind: PolicyMinimal, Version: 1}}
	cond := BadgeCond(ref)

	bs, err := New([]byte("m"), cond, resolver)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := bs.Sign(pub, priv); err != nil {
		t.Fatalf("sign: %v", err)
	}
	ok, err := bs.Evaluate()
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !ok {
		t.Fatal("expected badge delegation to verify")
	}
}

// TestSignUnknownVerifierRejected checks Sign rejects a key that names no
// slot in the expanded condition.
func TestSignUnknownVerifierRejected(t *testing.T) {
	pub1, _ := genKey(t)
	outsider, outsiderPriv := genKey(t)
	cond := VerifierCond(pub1)
	bs, err := New([]byte("m"), cond, nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := bs.Sign(outsider, outsiderPriv); err == nil {
		t.Fatal("expected error signing with a key not named by the condition")
	}
}
