// Package realmview is a typed, read-oriented convenience layer over
// dhtstorage that groups stored Flos into pages by their type tag, the
// way an application wants to browse a realm without re-deriving tag
// grouping on every read.
//
// The same "thin typed facade over a lower-level store" shape used by
// CLI convenience commands elsewhere in this codebase, here as a library
// package rather than a CLI command set since Fledger's CLI
// (cmd/fledger) is a separate consumer.
package realmview

import (
	"sort"

	"fledger/internal/dhtstorage"
	"fledger/internal/flo"
)

// Page groups every Flo sharing a type tag within one realm.
type Page struct {
	Tag  string
	Flos []flo.Flo
}

// View is a read-oriented facade over one realm's storage.
type View struct {
	storage *dhtstorage.RealmStorage
	realm   flo.RealmID
}

// New wraps storage as a realm view for realm.
func New(storage *dhtstorage.RealmStorage, realm flo.RealmID) *View {
	return &View{storage: storage, realm: realm}
}

// Tag returns the page for a single tag, sorted by descending version so
// the newest entries come first.
func (v *View) Tag(tag string) Page {
	page := Page{Tag: tag}
	for _, rec := range v.storage.All() {
		if rec.Flo.Tag == tag {
			page.Flos = append(page.Flos, rec.Flo)
		}
	}
	sort.Slice(page.Flos, func(i, j int) bool {
		return page.Flos[i].Version > page.Flos[j].Version
	})
	return page
}

// Pages returns every tag currently present in the realm, each grouped
// and sorted the same way as Tag.
func (v *View) Pages() []Page {
	grouped := make(map[string][]flo.Flo)
	for _, rec := range v.storage.All() {
		grouped[rec.Flo.Tag] = append(grouped[rec.Flo.Tag], rec.Flo)
	}
	tags := make([]string, 0, len(grouped))
	for tag := range grouped {
		tags = append(tags, tag)
	}
	sort.Strings(tags)

	pages := make([]Page, 0, len(tags))
	for _, tag := range tags {
		flos := grouped[tag]
		sort.Slice(flos, func(i, j int) bool { return flos[i].Version > flos[j].Version })
		pages = append(pages, Page{Tag: tag, Flos: flos})
	}
	return pages
}

// Cuckoos returns the cuckoo FloIDs attached to id, or nil if id is
// unknown to this realm's storage.
func (v *View) Cuckoos(id flo.FloID) []flo.FloID {
	for _, rec := range v.storage.All() {
		if rec.Flo.ID == id {
			return rec.Cuckoos
		}
	}
	return nil
}
