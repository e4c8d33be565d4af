package flo

import (
	"bytes"
	"testing"

	"fledger/internal/access"
)

func testRealm() RealmID {
	var r RealmID
	r[0] = 0x42
	return r
}

func TestNewComputesContentID(t *testing.T) {
	realm := testRealm()
	f, err := New(realm, "note", 1, []byte("hello"), NoRules(), FloConfig{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if f.ID.IsZero() {
		t.Fatal("expected a non-zero content id")
	}

	f2, err := New(realm, "note", 1, []byte("hello"), NoRules(), FloConfig{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if f.ID != f2.ID {
		t.Fatal("identical content must hash to the identical FloID")
	}

	f3, err := New(realm, "note", 1, []byte("goodbye"), NoRules(), FloConfig{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if f.ID == f3.ID {
		t.Fatal("different payloads must not collide")
	}
}

func TestForceIDOverridesContentHash(t *testing.T) {
	realm := testRealm()
	var forced FloID
	forced[0] = 0xAA
	f, err := New(realm, "note", 2, []byte("updated"), NoRules(), FloConfig{Kind: ConfigNone, ForceID: forced})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if f.ID != forced {
		t.Fatalf("expected forced id %v, got %v", forced, f.ID)
	}
}

func TestRuleConditionDefaultsToPass(t *testing.T) {
	f, err := New(testRealm(), "note", 1, nil, NoRules(), FloConfig{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if f.RuleCondition().Kind != access.KindPass {
		t.Fatal("a Flo with no rules clause should resolve to Pass")
	}
}

func TestPinnedRulesResolveToBadgeCondition(t *testing.T) {
	ref := access.BadgeRef{ID: access.BadgeID{0x01}}
	f, err := New(testRealm(), "note", 1, nil, PinnedRules(ref), FloConfig{})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	cond := f.RuleCondition()
	if cond.Kind != access.KindBadge || !bytes.Equal(cond.Badge.ID[:], ref.ID[:]) {
		t.Fatalf("expected badge condition referencing %v, got %+v", ref, cond)
	}
}

func TestFloStorageAttachDetachCuckoo(t *testing.T) {
	f, _ := New(testRealm(), "note", 1, nil, NoRules(), FloConfig{})
	fs := FloStorage{Flo: f}
	var c1, c2 FloID
	c1[0], c2[0] = 1, 2

	fs.Attach(c1)
	fs.Attach(c1)
	fs.Attach(c2)
	if len(fs.Cuckoos) != 2 {
		t.Fatalf("expected 2 distinct cuckoos, got %d", len(fs.Cuckoos))
	}

	fs.Detach(c1)
	if len(fs.Cuckoos) != 1 || fs.Cuckoos[0] != c2 {
		t.Fatalf("expected only c2 to remain, got %+v", fs.Cuckoos)
	}
}

func TestRealmAcceptsRespectsMaxFloSize(t *testing.T) {
	r := Realm{ID: testRealm(), Config: RealmConfig{MaxFloSize: 10}}
	if !r.Accepts(10) {
		t.Fatal("expected exactly-at-budget size to be accepted")
	}
	if r.Accepts(11) {
		t.Fatal("expected over-budget size to be rejected")
	}
}
