package flo

import (
	"crypto/sha256"
	"time"

	"github.com/ethereum/go-ethereum/rlp"

	"fledger/internal/access"
)

// encodedFlo is the RLP-encodable projection of a Flo's content, used to
// compute its FloID (when not forced).
type encodedFlo struct {
	Realm   [32]byte
	Tag     string
	Version uint64
	Payload []byte
}

// Flo is a content-addressed, versioned, signed object: a payload
// tagged with a type, scoped to a realm, carrying an
// update-authorization Rules clause and an optional cuckoo FloConfig.
type Flo struct {
	Realm   RealmID
	ID      FloID
	Tag     string
	Version uint64
	Payload []byte
	Rules   Rules
	Config  FloConfig
}

// New builds a Flo and computes its FloID: the SHA-256 hash of the
// RLP-encoded (realm, tag, version, payload) tuple, unless cfg.ForceID is
// set, in which case that value is used directly — the mechanism a
// version update uses to keep the identity of the Flo it supersedes.
func New(realm RealmID, tag string, version uint64, payload []byte, rules Rules, cfg FloConfig) (Flo, error) {
	f := Flo{
		Realm:   realm,
		Tag:     tag,
		Version: version,
		Payload: payload,
		Rules:   rules,
		Config:  cfg,
	}
	if !cfg.ForceID.IsZero() {
		f.ID = cfg.ForceID
		return f, nil
	}
	id, err := contentID(realm, tag, version, payload)
	if err != nil {
		return Flo{}, err
	}
	f.ID = id
	return f, nil
}

func contentID(realm RealmID, tag string, version uint64, payload []byte) (FloID, error) {
	enc, err := rlp.EncodeToBytes(encodedFlo{Realm: realm, Tag: tag, Version: version, Payload: payload})
	if err != nil {
		return FloID{}, err
	}
	return sha256.Sum256(enc), nil
}

// GlobalID returns the (RealmID, FloID) pair addressing this Flo
// cross-realm.
func (f Flo) GlobalID() GlobalID {
	return GlobalID{Realm: f.Realm, Flo: f.ID}
}

// RuleCondition resolves this Flo's effective update condition: its own
// inline condition, the pinned badge reference expressed as a Badge
// condition, or access.Pass() when the Flo declares no rules of its own
// (realm-level conditions apply in that case, handled by the caller).
func (f Flo) RuleCondition() access.Condition {
	switch f.Rules.Kind {
	case RulesCondition:
		return f.Rules.Condition
	case RulesPinned:
		return access.BadgeCond(f.Rules.Pinned)
	default:
		return access.Pass()
	}
}

// FloStorage is the per-realm stored record: the Flo itself plus
// replication/bookkeeping metadata — the set of cuckoos currently
// attached to it, and creation/update/read timestamps plus a read count.
// Anti-entropy compares only version and cuckoo count, and eviction
// picks by distance depth; neither reads the timestamps.
type FloStorage struct {
	Flo       Flo
	Cuckoos   []FloID
	CreatedAt time.Time
	UpdatedAt time.Time
	LastRead  time.Time
	ReadCount uint64
}

// Touch records a read access, advancing LastRead and incrementing
// ReadCount; the DHT storage layer calls it on every Get.
func (fs *FloStorage) Touch(now time.Time) {
	fs.LastRead = now
	fs.ReadCount++
}

// Attach records that cuckoo is now attached to this Flo, ignoring
// duplicates.
func (fs *FloStorage) Attach(cuckoo FloID) {
	for _, c := range fs.Cuckoos {
		if c == cuckoo {
			return
		}
	}
	fs.Cuckoos = append(fs.Cuckoos, cuckoo)
}

// Detach removes cuckoo from the attached set, if present.
func (fs *FloStorage) Detach(cuckoo FloID) {
	for i, c := range fs.Cuckoos {
		if c == cuckoo {
			fs.Cuckoos = append(fs.Cuckoos[:i], fs.Cuckoos[i+1:]...)
			return
		}
	}
}

// Realm is a named administrative scope holding FloStorage records
// under a single access condition and size policy.
type Realm struct {
	ID        RealmID
	Config    RealmConfig
	Condition access.Condition
}

// Accepts reports whether a Flo of the given encoded size may be admitted
// under this realm's space policy.
func (r Realm) Accepts(encodedSize uint64) bool {
	return encodedSize <= r.Config.MaxFloSize
}
