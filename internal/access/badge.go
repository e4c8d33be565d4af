package access

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"fmt"

	"fledger/pkg/errs"
)

// BadgeResolver resolves a Badge reference to the condition stored under
// it — typically backed by a realm's Flo storage: resolving a Badge
// condition means fetching the access-control Flo it names and reading
// its own condition.
type BadgeResolver interface {
	ResolveBadge(ref BadgeRef) (Condition, uint64, error)
}

// SignatureEntry is one partially-filled slot of a BadgeSignature: the
// verifier this slot belongs to and, once signed, its signature over the
// message's condition hash.
type SignatureEntry struct {
	Verifier ed25519.PublicKey
	Sig      []byte
}

// BadgeSignature is a partially-filled evidence object: a message, the
// concrete condition it must satisfy, the badges that
// condition transitively references (fully expanded and cached), and a
// slot per distinct verifier the expanded tree names.
type BadgeSignature struct {
	Message    []byte
	Condition  Condition
	Badges     map[BadgeID]Condition
	Signatures map[[32]byte]*SignatureEntry
}

// New builds a BadgeSignature for msg under cond, resolving every Badge
// condition reachable from cond via resolver and seeding an empty
// signature slot for every distinct Verifier the expanded tree names.
// Cycles among badge references are broken by tracking the set of
// already-expanded BadgeIDs.
func New(msg []byte, cond Condition, resolver BadgeResolver) (*BadgeSignature, error) {
	bs := &BadgeSignature{
		Message:    msg,
		Condition:  cond,
		Badges:     make(map[BadgeID]Condition),
		Signatures: make(map[[32]byte]*SignatureEntry),
	}
	if err := bs.expand(cond, resolver, make(map[BadgeID]bool)); err != nil {
		return nil, err
	}
	return bs, nil
}

func (bs *BadgeSignature) expand(c Condition, resolver BadgeResolver, expanding map[BadgeID]bool) error {
	switch c.Kind {
	case KindVerifier:
		id := KeyPairID(c.Verifier)
		if _, ok := bs.Signatures[id]; !ok {
			bs.Signatures[id] = &SignatureEntry{Verifier: c.Verifier}
		}
	case KindBadge:
		if _, already := bs.Badges[c.Badge.ID]; already {
			return nil
		}
		if expanding[c.Badge.ID] {
			// Cyclic badge reference: stop expanding, leave it unresolved.
			return nil
		}
		if resolver == nil {
			return fmt.Errorf("access: badge %s referenced with no resolver: %w", c.Badge.ID, errs.ErrBadgeUnavailable)
		}
		resolved, version, err := resolver.ResolveBadge(c.Badge)
		if err != nil {
			return fmt.Errorf("access: resolving badge %s: %w", c.Badge.ID, err)
		}
		if !c.Badge.Policy.Accepts(version) {
			return fmt.Errorf("access: badge %s version %d rejected by policy: %w", c.Badge.ID, version, errs.ErrBadgeUnavailable)
		}
		bs.Badges[c.Badge.ID] = resolved
		expanding[c.Badge.ID] = true
		defer delete(expanding, c.Badge.ID)
		return bs.expand(resolved, resolver, expanding)
	case KindNofT:
		for _, sub := range c.Sub {
			if err := bs.expand(sub, resolver, expanding); err != nil {
				return err
			}
		}
	}
	return nil
}

// conditionHash computes msg' = H("ConditionHash", m, hash1,...,hashn) by
// walking the concrete tree — expanding Badge nodes using the already
// resolved Badges map, never re-resolving — in pre-order and pushing each
// node's own hash into the list.
func (bs *BadgeSignature) conditionHash() ([]byte, error) {
	var hashes [][32]byte
	var walk func(c Condition) error
	walk = func(c Condition) error {
		hashes = append(hashes, c.selfHash())
		switch c.Kind {
		case KindBadge:
			resolved, ok := bs.Badges[c.Badge.ID]
			if !ok {
				return fmt.Errorf("access: badge %s not expanded: %w", c.Badge.ID, errs.ErrBadgeUnavailable)
			}
			return walk(resolved)
		case KindNofT:
			for _, sub := range c.Sub {
				if err := walk(sub); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(bs.Condition); err != nil {
		return nil, err
	}

	h := sha256.New()
	h.Write([]byte("ConditionHash"))
	h.Write(bs.Message)
	for _, hh := range hashes {
		h.Write(hh[:])
	}
	return h.Sum(nil), nil
}

// Sign fills this BadgeSignature's slot for priv's corresponding public
// key, if that key appears anywhere in the expanded condition tree. It is
// a no-op returning ErrUnknownVerifier if pub names no slot.
func (bs *BadgeSignature) Sign(pub ed25519.PublicKey, priv ed25519.PrivateKey) error {
	id := KeyPairID(pub)
	entry, ok := bs.Signatures[id]
	if !ok {
		return errs.ErrUnknownVerifier
	}
	msgPrime, err := bs.conditionHash()
	if err != nil {
		return err
	}
	entry.Sig = ed25519.Sign(priv, msgPrime)
	return nil
}

// Evaluate reports whether the expanded condition tree is currently
// satisfied by the signatures collected so far.
func (bs *BadgeSignature) Evaluate() (bool, error) {
	msgPrime, err := bs.conditionHash()
	if err != nil {
		return false, err
	}
	return bs.evaluate(bs.Condition, msgPrime)
}

func (bs *BadgeSignature) evaluate(c Condition, msgPrime []byte) (bool, error) {
	switch c.Kind {
	case KindPass:
		return true, nil
	case KindFail:
		return false, nil
	case KindVerifier:
		entry, ok := bs.Signatures[KeyPairID(c.Verifier)]
		if !ok || entry.Sig == nil {
			return false, nil
		}
		if !bytes.Equal(entry.Verifier, c.Verifier) {
			return false, nil
		}
		return ed25519.Verify(c.Verifier, msgPrime, entry.Sig), nil
	case KindBadge:
		resolved, ok := bs.Badges[c.Badge.ID]
		if !ok {
			return false, fmt.Errorf("access: badge %s not expanded: %w", c.Badge.ID, errs.ErrBadgeUnavailable)
		}
		return bs.evaluate(resolved, msgPrime)
	case KindNofT:
		satisfied := 0
		for _, sub := range c.Sub {
			ok, err := bs.evaluate(sub, msgPrime)
			if err != nil {
				return false, err
			}
			if ok {
				satisfied++
			}
		}
		return satisfied >= c.T, nil
	default:
		return false, nil
	}
}

// Finalize returns the verified condition hash once the expanded
// condition is satisfied, or ErrSignatureMismatch if it is not.
func (bs *BadgeSignature) Finalize() ([]byte, error) {
	msgPrime, err := bs.conditionHash()
	if err != nil {
		return nil, err
	}
	ok, err := bs.evaluate(bs.Condition, msgPrime)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.ErrSignatureMismatch
	}
	return msgPrime, nil
}
