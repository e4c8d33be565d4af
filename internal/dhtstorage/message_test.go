package dhtstorage

import (
	"testing"
	"time"

	"fledger/internal/flo"
	"fledger/internal/nodeid"
)

func fixedNow() time.Time { return time.Unix(0, 0) }

func TestHandlerReadFloUnknownRepliesUnknownFlo(t *testing.T) {
	s := New(nodeid.NodeID{}, testRealm(1000, 1000), nil)
	h := NewHandler(s, fixedNow)

	var id flo.FloID
	id[0] = 0x01
	origin := nodeid.NodeID{}
	origin[0] = 0x99

	out := h.Handle(Message{Kind: ReadFlo, Origin: origin, FloID: id})
	if len(out) != 1 || out[0].Kind != UnknownFlo || out[0].Origin != origin {
		t.Fatalf("expected a single UnknownFlo reply to origin, got %+v", out)
	}
}

func TestHandlerStoreThenReadRepliesFloValue(t *testing.T) {
	s := New(nodeid.NodeID{}, testRealm(1000, 1000), nil)
	h := NewHandler(s, fixedNow)

	f := mustFlo(t, "note", 1, []byte("hello"))
	if out := h.Handle(Message{Kind: StoreFlo, Flo: f}); out != nil {
		t.Fatalf("expected StoreFlo to produce no reply, got %+v", out)
	}

	out := h.Handle(Message{Kind: ReadFlo, FloID: f.ID})
	if len(out) != 1 || out[0].Kind != FloValue || out[0].Flo.ID != f.ID {
		t.Fatalf("expected a FloValue reply carrying the stored flo, got %+v", out)
	}
}

func TestHandlerSyncRoundRequestsThenReturnsFlos(t *testing.T) {
	local := New(nodeid.NodeID{}, testRealm(1000, 1000), nil)
	remote := New(nodeid.NodeID{}, testRealm(1000, 1000), nil)
	remoteHandler := NewHandler(remote, fixedNow)
	localHandler := NewHandler(local, fixedNow)

	f := mustFlo(t, "note", 3, []byte("remote-only"))
	if out := remoteHandler.Handle(Message{Kind: StoreFlo, Flo: f}); out != nil {
		t.Fatalf("unexpected reply from StoreFlo: %+v", out)
	}

	metasReply := remoteHandler.Handle(Message{Kind: RequestFloMetas})
	if len(metasReply) != 1 || metasReply[0].Kind != AvailableFlos {
		t.Fatalf("expected AvailableFlos reply, got %+v", metasReply)
	}

	wantReply := localHandler.Handle(metasReply[0])
	if len(wantReply) != 1 || wantReply[0].Kind != RequestFlos {
		t.Fatalf("expected RequestFlos once metas reveal a missing flo, got %+v", wantReply)
	}

	flosReply := remoteHandler.Handle(wantReply[0])
	if len(flosReply) != 1 || flosReply[0].Kind != Flos || len(flosReply[0].Flos) != 1 {
		t.Fatalf("expected Flos reply carrying the requested record, got %+v", flosReply)
	}

	if out := localHandler.Handle(flosReply[0]); out != nil {
		t.Fatalf("expected ingesting Flos to produce no further reply, got %+v", out)
	}
	if _, ok := local.Get(f.ID, fixedNow()); !ok {
		t.Fatal("expected the synced flo to now be present locally")
	}
}

func TestMessageMarshalRoundTrip(t *testing.T) {
	f := mustFlo(t, "note", 1, []byte("payload"))
	msg := Message{Kind: StoreFlo, Flo: f}

	b, err := msg.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := UnmarshalMessage(b)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Kind != StoreFlo || got.Flo.ID != f.ID {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}
