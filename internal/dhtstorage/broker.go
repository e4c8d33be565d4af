package dhtstorage

import (
	"time"

	"fledger/internal/broker"
)

// NewBroker wraps storage's Handler in a Broker[Message, Message]
// identified by id, so DHT storage participates in the same
// actor/pub-sub fabric as dhtrouter and the rest of the system instead
// of being called as a bare library.
func NewBroker(id string, storage *RealmStorage) *broker.Broker[Message, Message] {
	b := broker.New[Message, Message](id)
	h := NewHandler(storage, time.Now)
	b.AddHandler(h.Handle)
	return b
}
