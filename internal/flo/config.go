package flo

import "fledger/internal/access"

// FloConfigKind discriminates the FloConfig tagged union.
type FloConfigKind uint8

const (
	// ConfigNone declares no cuckoo relationship and no forced hash.
	ConfigNone FloConfigKind = iota
	// ConfigDuration declares the Flo a time-bounded cuckoo that expires
	// after the given number of ticks.
	ConfigDuration
	// ConfigParent declares the Flo a cuckoo of another FloID.
	ConfigParent
)

// FloConfig describes cuckoo behaviour and an optional forced FloID used
// by version updates to preserve identity across a version bump: an
// update produces a new Flo whose content hashes to a different FloID
// unless a ForceID is set.
type FloConfig struct {
	Kind     FloConfigKind
	Duration uint64 // ticks, valid when Kind == ConfigDuration
	Parent   FloID  // valid when Kind == ConfigParent

	// ForceID, when non-zero, is used as the Flo's FloID instead of
	// hashing the encoded content — the mechanism an update uses to keep
	// the same identity as the version it supersedes.
	ForceID FloID
}

// IsCuckoo reports whether this config declares a cuckoo relationship
// (either Duration- or Parent-based).
func (c FloConfig) IsCuckoo() bool {
	return c.Kind == ConfigDuration || c.Kind == ConfigParent
}

// ParentID returns the FloID this config attaches to as a cuckoo, if any.
func (c FloConfig) ParentID() (FloID, bool) {
	if c.Kind == ConfigParent {
		return c.Parent, true
	}
	return FloID{}, false
}

// RulesKind discriminates a Flo's rules clause: either a pinned
// access-control identity, a per-update condition, or none.
type RulesKind uint8

const (
	// RulesNone means the Flo carries no update rule of its own (e.g. it
	// inherits the realm's access condition).
	RulesNone RulesKind = iota
	// RulesPinned references a badge/access-control identity stored
	// elsewhere in the DHT.
	RulesPinned
	// RulesCondition embeds a concrete per-update access.Condition inline.
	RulesCondition
)

// Rules is a Flo's update-authorization clause: either a pinned reference
// to another stored access-control Flo (a Badge), an inline per-update
// Condition, or none.
type Rules struct {
	Kind      RulesKind
	Pinned    access.BadgeRef    // valid when Kind == RulesPinned
	Condition access.Condition   // valid when Kind == RulesCondition
}

// NoRules is the zero-value "none" rules clause.
func NoRules() Rules { return Rules{Kind: RulesNone} }

// PinnedRules references another stored access-control badge.
func PinnedRules(ref access.BadgeRef) Rules {
	return Rules{Kind: RulesPinned, Pinned: ref}
}

// ConditionRules embeds a concrete per-update condition inline.
func ConditionRules(c access.Condition) Rules {
	return Rules{Kind: RulesCondition, Condition: c}
}

// RealmConfig is the per-realm storage and size policy.
type RealmConfig struct {
	MaxSpace    uint64 // bytes
	MaxFloSize  uint64 // bytes
}
