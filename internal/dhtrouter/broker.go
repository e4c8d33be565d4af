package dhtrouter

import "fledger/internal/broker"

// NewBroker wraps r's Handle method in a Broker[Request, Output]
// identified by id, making the DHT router participate in the same
// actor/pub-sub fabric as the rest of the system rather than being
// called directly as a bare library.
func NewBroker(id string, r *Router) *broker.Broker[Request, Output] {
	b := broker.New[Request, Output](id)
	b.AddHandler(r.Handle)
	return b
}
