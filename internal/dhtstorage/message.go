package dhtstorage

import (
	"time"

	"gopkg.in/yaml.v3"

	"fledger/internal/flo"
	"fledger/internal/nodeid"
)

// MessageKind discriminates the storage protocol's message variants:
// node-closest requests that expect a direct reply, and the broadcast
// anti-entropy sync round.
type MessageKind uint8

const (
	// StoreFlo asks the node closest to a FloID to persist it.
	StoreFlo MessageKind = iota
	// ReadFlo asks the node closest to a FloID to return it.
	ReadFlo
	// FloValue replies to ReadFlo with the stored record.
	FloValue
	// UnknownFlo replies to ReadFlo when no record is held for the ID.
	UnknownFlo
	// RequestFloMetas opens an anti-entropy round by advertising nothing
	// and asking the peer for its metadata list.
	RequestFloMetas
	// AvailableFlos answers RequestFloMetas with the sender's metadata.
	AvailableFlos
	// RequestFlos asks for the full records behind a metadata list
	// previously learned via AvailableFlos.
	RequestFlos
	// Flos answers RequestFlos with the requested full records.
	Flos
)

// Message is the DHT storage broker's single message type, carrying
// whichever payload its Kind selects. It flattens the tagged-union shape
// of the anti-entropy sync round (RequestFloMetas -> AvailableFlos ->
// RequestFlos -> Flos) into one struct since Go lacks sum types.
type Message struct {
	Kind MessageKind

	// Origin is the requester this reply (FloValue/UnknownFlo) should be
	// routed back to, or the peer a sync round (RequestFloMetas etc.) is
	// being carried out against.
	Origin nodeid.NodeID

	FloID flo.FloID     // ReadFlo, FloValue, UnknownFlo
	Flo   flo.Flo       // StoreFlo, FloValue
	Metas []FloMeta     // AvailableFlos, RequestFlos (wanted IDs carried via Metas[i].ID)
	Flos  []flo.FloStorage // Flos
}

// Marshal renders a Message to YAML, the same wire encoding dhtrouter
// uses for its own Request traffic.
func (m Message) Marshal() ([]byte, error) {
	return yaml.Marshal(m)
}

// UnmarshalMessage parses a Message previously produced by Marshal.
func UnmarshalMessage(b []byte) (Message, error) {
	var m Message
	if err := yaml.Unmarshal(b, &m); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Handler adapts a RealmStorage into the storage protocol's message
// handler: one Message in, zero or more Messages out, suitable for
// broker.Broker[Message, Message].AddHandler.
type Handler struct {
	storage *RealmStorage
	now     func() time.Time
}

// NewHandler builds a Handler bound to storage, using now for
// timestamps (time.Now in production, fixed clocks in tests).
func NewHandler(storage *RealmStorage, now func() time.Time) *Handler {
	return &Handler{storage: storage, now: now}
}

// Handle implements the storage protocol over storage: StoreFlo
// persists and acknowledges nothing; ReadFlo replies FloValue or
// UnknownFlo; RequestFloMetas replies AvailableFlos; RequestFlos
// resolves each requested FloID from local storage and replies Flos.
func (h *Handler) Handle(msg Message) []Message {
	switch msg.Kind {
	case StoreFlo:
		_ = h.storage.Upsert(msg.Flo, h.now())
		return nil

	case ReadFlo:
		rec, ok := h.storage.Get(msg.FloID, h.now())
		if !ok {
			return []Message{{Kind: UnknownFlo, Origin: msg.Origin, FloID: msg.FloID}}
		}
		return []Message{{Kind: FloValue, Origin: msg.Origin, FloID: msg.FloID, Flo: rec.Flo}}

	case RequestFloMetas:
		return []Message{{Kind: AvailableFlos, Origin: msg.Origin, Metas: h.storage.Metas()}}

	case AvailableFlos:
		want := h.storage.SyncAvailable(msg.Metas)
		if len(want) == 0 {
			return nil
		}
		return []Message{{Kind: RequestFlos, Origin: msg.Origin, Metas: want}}

	case RequestFlos:
		now := h.now()
		out := make([]flo.FloStorage, 0, len(msg.Metas))
		for _, m := range msg.Metas {
			if rec, ok := h.storage.Get(m.ID, now); ok {
				out = append(out, rec)
			}
		}
		if len(out) == 0 {
			return nil
		}
		return []Message{{Kind: Flos, Origin: msg.Origin, Flos: out}}

	case Flos:
		now := h.now()
		for _, rec := range msg.Flos {
			_ = h.storage.Upsert(rec.Flo, now)
		}
		return nil
	}
	return nil
}
