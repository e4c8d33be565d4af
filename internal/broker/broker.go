// Package broker implements a process-wide actor/pub-sub fabric: a
// logically single-threaded runtime carrying typed messages between
// handlers, taps and translators, with loop detection and a "settle to
// quiescence" barrier for deterministic testing.
//
// Each Broker follows a long-lived-component shape seen throughout this
// codebase's other stateful components: a struct holding a
// *logrus.Logger, internal mutex-guarded state, and Start/Stop-style
// lifecycle methods.
package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"fledger/pkg/log"
)

// Destination tags an envelope with routing metadata.
type Destination struct {
	kind    destKind
	handler int
	trail   []string
}

type destKind uint8

const (
	destAll destKind = iota
	destNoTap
	destHandled
	destForwarded
)

// All is the default destination: deliver to taps and handlers normally.
func All() Destination { return Destination{kind: destAll} }

// NoTap skips delivery to observer taps; used for test-only traffic.
func NoTap() Destination { return Destination{kind: destNoTap} }

// Handled marks an envelope as produced by handler id, so that handler does
// not see its own output if it loops back into this broker's input.
func Handled(id int) Destination { return Destination{kind: destHandled, handler: id} }

// Forwarded carries the trail of broker IDs a broadcast has already visited,
// used for loop detection during translator forwarding.
func Forwarded(trail []string) Destination { return Destination{kind: destForwarded, trail: trail} }

// Visited reports whether brokerID already appears in a Forwarded trail.
func (d Destination) Visited(brokerID string) bool {
	if d.kind != destForwarded {
		return false
	}
	for _, id := range d.trail {
		if id == brokerID {
			return true
		}
	}
	return false
}

// WithHop appends brokerID to the destination's trail, growing a
// Forwarded destination or starting one from All/NoTap.
func (d Destination) WithHop(brokerID string) Destination {
	trail := append(append([]string(nil), d.trail...), brokerID)
	return Destination{kind: destForwarded, trail: trail}
}

// TrailIDs returns the broker IDs already visited by a Forwarded
// destination, or nil otherwise. It exists so a Destination can be
// flattened onto the wire (e.g. YAML-encoded alongside a Request),
// where the unexported trail field itself isn't reachable.
func (d Destination) TrailIDs() []string {
	if d.kind != destForwarded {
		return nil
	}
	return append([]string(nil), d.trail...)
}

// ForwardedTrail reconstructs a Forwarded Destination from trail IDs
// read off the wire, the inverse of TrailIDs.
func ForwardedTrail(trail []string) Destination {
	if len(trail) == 0 {
		return All()
	}
	return Forwarded(trail)
}

func (d Destination) skipTap() bool { return d.kind == destNoTap }

func (d Destination) producedBy(handlerID int) bool {
	return d.kind == destHandled && d.handler == handlerID
}

// Node is the type-erased view of a Broker used for settle-barrier
// traversal across brokers of different message types.
type Node interface {
	ID() string
	Empty() bool
	linkedNodes() []Node
}

type inEnvelope[I any] struct {
	dest Destination
	msg  I
}

type outEnvelope[O any] struct {
	dest Destination
	msg  O
}

type subsystemKind uint8

const (
	kindInputTap subsystemKind = iota
	kindOutputTap
	kindHandler
	kindOutputTranslator
	kindInputTranslator
)

type subsystem[I, O any] struct {
	id      int
	kind    subsystemKind
	removed bool

	inputTap  func(I)
	outputTap func(O)
	handler   func(I) []O

	// outTranslate/inTranslate report whether the message applied to this
	// translator (consumed, dropping it from further processing) and any
	// enqueue error encountered while forwarding it to the linked broker.
	// A non-nil error marks the subsystem for removal at end-of-step: a
	// translator that fails to enqueue is dropped rather than retried.
	outTranslate func(O) (consumed bool, err error)
	inTranslate  func(I) (consumed bool, err error)

	target Node
}

// Broker is a logically single-threaded actor carrying messages of input
// type I and output type O.
type Broker[I, O any] struct {
	id     string
	logger *logrus.Logger

	mu         sync.Mutex
	inQueue    []inEnvelope[I]
	outQueue   []outEnvelope[O]
	subsystems []*subsystem[I, O]
	nextSubID  int
	pendingAdd []*subsystem[I, O]

	wake   chan struct{}
	done   chan struct{}
	closed bool
}

// New creates a Broker identified by id. Each broker runs its own
// processing goroutine for the lifetime of the process (or until Close).
func New[I, O any](id string) *Broker[I, O] {
	b := &Broker[I, O]{
		id:     id,
		logger: log.New("broker:" + id),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Broker[I, O]) lock()   { b.mu.Lock() }
func (b *Broker[I, O]) unlock() { b.mu.Unlock() }

// ID returns the broker's identifier, used for loop detection and settle
// traversal.
func (b *Broker[I, O]) ID() string { return b.id }

func (b *Broker[I, O]) notify() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// EmitIn enqueues msg on the input side with destination All. It returns
// immediately; failure means the broker is closed.
func (b *Broker[I, O]) EmitIn(msg I) error {
	return b.EmitInTo(msg, All())
}

// EmitInTo enqueues msg on the input side with an explicit destination.
func (b *Broker[I, O]) EmitInTo(msg I, dest Destination) error {
	b.lock()
	defer b.unlock()
	if b.closed {
		return fmt.Errorf("broker %s: closed", b.id)
	}
	b.inQueue = append(b.inQueue, inEnvelope[I]{dest: dest, msg: msg})
	b.notify()
	return nil
}

// EmitOut enqueues msg on the output side with destination All.
func (b *Broker[I, O]) EmitOut(msg O) error {
	return b.EmitOutTo(msg, All())
}

// EmitOutTo enqueues msg on the output side with an explicit destination.
func (b *Broker[I, O]) EmitOutTo(msg O, dest Destination) error {
	b.lock()
	defer b.unlock()
	if b.closed {
		return fmt.Errorf("broker %s: closed", b.id)
	}
	b.outQueue = append(b.outQueue, outEnvelope[O]{dest: dest, msg: msg})
	b.notify()
	return nil
}

// Empty reports whether both queues are currently drained.
func (b *Broker[I, O]) Empty() bool {
	b.lock()
	defer b.unlock()
	return len(b.inQueue) == 0 && len(b.outQueue) == 0
}

func (b *Broker[I, O]) linkedNodes() []Node {
	b.lock()
	defer b.unlock()
	var out []Node
	for _, s := range b.subsystems {
		if s.target != nil && !s.removed {
			out = append(out, s.target)
		}
	}
	return out
}

// Close stops the broker's processing goroutine. Pending messages are
// dropped.
func (b *Broker[I, O]) Close() {
	b.lock()
	if b.closed {
		b.unlock()
		return
	}
	b.closed = true
	b.unlock()
	close(b.done)
}

func (b *Broker[I, O]) addSubsystem(s *subsystem[I, O]) int {
	b.lock()
	defer b.unlock()
	b.nextSubID++
	s.id = b.nextSubID
	b.pendingAdd = append(b.pendingAdd, s)
	b.notify()
	return s.id
}

// AddInputTap registers a read-only observer of inbound messages.
func (b *Broker[I, O]) AddInputTap(fn func(I)) int {
	return b.addSubsystem(&subsystem[I, O]{kind: kindInputTap, inputTap: fn})
}

// AddOutputTap registers a read-only observer of outbound messages.
func (b *Broker[I, O]) AddOutputTap(fn func(O)) int {
	return b.addSubsystem(&subsystem[I, O]{kind: kindOutputTap, outputTap: fn})
}

// AddHandler registers a handler that consumes inputs and may produce
// outputs, which are tagged Handled(id) so they are not re-delivered to the
// producing handler.
func (b *Broker[I, O]) AddHandler(fn func(I) []O) int {
	return b.addSubsystem(&subsystem[I, O]{kind: kindHandler, handler: fn})
}

// RemoveSubsystem removes a previously registered tap, handler or
// translator by id. Like additions, removal is observed at the start of the
// next processing step.
func (b *Broker[I, O]) RemoveSubsystem(id int) {
	b.lock()
	defer b.unlock()
	for _, s := range b.subsystems {
		if s.id == id {
			s.removed = true
		}
	}
	for _, s := range b.pendingAdd {
		if s.id == id {
			s.removed = true
		}
	}
}

// step performs one fixed-order processing round: translate outputs,
// translate inputs, deliver to taps, deliver to handlers. It returns true
// if any work was done (so the caller can loop until quiescent).
func (b *Broker[I, O]) step() bool {
	b.lock()
	if len(b.pendingAdd) > 0 {
		b.subsystems = append(b.subsystems, b.pendingAdd...)
		b.pendingAdd = nil
	}
	inBatch := b.inQueue
	outBatch := b.outQueue
	b.inQueue = nil
	b.outQueue = nil
	subs := append([]*subsystem[I, O](nil), b.subsystems...)
	b.unlock()

	if len(inBatch) == 0 && len(outBatch) == 0 {
		return false
	}

	var toRemove []int

	// (1) translate outputs: a message consumed by a translator is
	// dropped from further processing (it never reaches an output tap).
	remainingOut := outBatch[:0:0]
	for _, env := range outBatch {
		consumed := false
		for _, s := range subs {
			if s.removed || s.kind != kindOutputTranslator || s.outTranslate == nil {
				continue
			}
			if env.dest.Visited(s.target.ID()) {
				continue
			}
			ok, err := s.outTranslate(env.msg)
			if err != nil {
				b.logger.Warnf("output translator %d removed after enqueue error: %v", s.id, err)
				toRemove = append(toRemove, s.id)
			}
			if ok {
				consumed = true
				break
			}
		}
		if !consumed {
			remainingOut = append(remainingOut, env)
		}
	}

	// (2) translate inputs similarly (used by link_direct pass-through).
	remainingIn := inBatch[:0:0]
	for _, env := range inBatch {
		consumed := false
		for _, s := range subs {
			if s.removed || s.kind != kindInputTranslator || s.inTranslate == nil {
				continue
			}
			if env.dest.Visited(s.target.ID()) {
				continue
			}
			ok, err := s.inTranslate(env.msg)
			if err != nil {
				b.logger.Warnf("input translator %d removed after enqueue error: %v", s.id, err)
				toRemove = append(toRemove, s.id)
			}
			if ok {
				consumed = true
				break
			}
		}
		if !consumed {
			remainingIn = append(remainingIn, env)
		}
	}

	// (3) deliver to taps (NoTap excluded).
	for _, env := range remainingOut {
		if env.dest.skipTap() {
			continue
		}
		for _, s := range subs {
			if s.removed || s.kind != kindOutputTap {
				continue
			}
			s.outputTap(env.msg)
		}
	}
	for _, env := range remainingIn {
		if env.dest.skipTap() {
			continue
		}
		for _, s := range subs {
			if s.removed || s.kind != kindInputTap {
				continue
			}
			s.inputTap(env.msg)
		}
	}

	// (4) deliver inputs to handlers, collecting outputs for the next step.
	var produced []outEnvelope[O]
	for _, env := range remainingIn {
		for _, s := range subs {
			if s.removed || s.kind != kindHandler || s.handler == nil {
				continue
			}
			if env.dest.producedBy(s.id) {
				continue
			}
			for _, out := range s.handler(env.msg) {
				produced = append(produced, outEnvelope[O]{dest: Handled(s.id), msg: out})
			}
		}
	}

	if len(toRemove) > 0 {
		b.lock()
		for _, s := range b.subsystems {
			for _, id := range toRemove {
				if s.id == id {
					s.removed = true
				}
			}
		}
		b.unlock()
	}

	if len(produced) > 0 {
		b.lock()
		b.outQueue = append(produced, b.outQueue...)
		b.unlock()
	}

	return true
}

func (b *Broker[I, O]) run() {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		for b.step() {
			// drain until quiescent
		}
		select {
		case <-b.done:
			return
		case <-b.wake:
		case <-ticker.C:
			// periodic wake-up guards against a missed notify() race
			// between notify() and a concurrent step() observing an
			// empty queue.
		}
	}
}

// Settle blocks until this broker's queues are empty and every broker
// reachable through its translators has likewise settled. A broker whose ID
// already appears in visited returns immediately, breaking recursion.
func (b *Broker[I, O]) Settle(ctx context.Context) error {
	return b.settle(ctx, make(map[string]struct{}))
}

func (b *Broker[I, O]) settle(ctx context.Context, visited map[string]struct{}) error {
	if _, ok := visited[b.id]; ok {
		return nil
	}
	visited[b.id] = struct{}{}
	for {
		if b.Empty() {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	for _, n := range b.linkedNodes() {
		if err := settleNode(ctx, n, visited); err != nil {
			return err
		}
	}
	return nil
}

func settleNode(ctx context.Context, n Node, visited map[string]struct{}) error {
	if s, ok := n.(settler); ok {
		return s.settle(ctx, visited)
	}
	return nil
}

type settler interface {
	settle(ctx context.Context, visited map[string]struct{}) error
}
