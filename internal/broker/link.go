package broker

// addOutputTranslator registers an output-side translator subsystem
// targeting another broker (used by LinkBi/LinkDirect).
func (b *Broker[I, O]) addOutputTranslator(target Node, fn func(O) (bool, error)) int {
	return b.addSubsystem(&subsystem[I, O]{kind: kindOutputTranslator, outTranslate: fn, target: target})
}

// addInputTranslator registers an input-side translator subsystem
// targeting another broker (used by LinkDirect's pass-through forwarding).
func (b *Broker[I, O]) addInputTranslator(target Node, fn func(I) (bool, error)) int {
	return b.addSubsystem(&subsystem[I, O]{kind: kindInputTranslator, inTranslate: fn, target: target})
}

// LinkBi installs mutual translators between two brokers of potentially
// different message types. Each direction is a pure partial function: ab
// translates A's output into B's input, ba translates B's output into
// A's input. Returning ok=false drops the message.
func LinkBi[IA, OA, IB, OB any](a *Broker[IA, OA], b *Broker[IB, OB], ab func(OA) (IB, bool), ba func(OB) (IA, bool)) {
	a.addOutputTranslator(b, func(msg OA) (bool, error) {
		translated, ok := ab(msg)
		if !ok {
			return false, nil
		}
		if err := b.EmitIn(translated); err != nil {
			return true, err
		}
		return true, nil
	})
	b.addOutputTranslator(a, func(msg OB) (bool, error) {
		translated, ok := ba(msg)
		if !ok {
			return false, nil
		}
		if err := a.EmitIn(translated); err != nil {
			return true, err
		}
		return true, nil
	})
}

// LinkDirect is like LinkBi but for pass-through wrappers: one side's input
// is forwarded verbatim to the other side's input, and outputs are
// forwarded verbatim in the other direction, with no type translation
// possible since I and O are shared between the two brokers.
func LinkDirect[I, O any](a *Broker[I, O], b *Broker[I, O]) {
	a.addInputTranslator(b, func(msg I) (bool, error) {
		if err := b.EmitIn(msg); err != nil {
			return true, err
		}
		return true, nil
	})
	b.addOutputTranslator(a, func(msg O) (bool, error) {
		if err := a.EmitOut(msg); err != nil {
			return true, err
		}
		return true, nil
	})
}
