package legacydb

import (
	"fmt"
	"sort"
)

// Fixture is an in-memory Database used by tests and by the example
// scenarios in spec.md §8. Grounded on the teacher's testInput pattern
// of feeding a hand-built fixture into the pipeline instead of a real
// file.
type Fixture struct {
	items     map[PhysicalID]Item
	revisions map[PhysicalID][]Revision
	content   map[PhysicalID]map[int][]byte
}

// NewFixture returns an empty fixture database.
func NewFixture() *Fixture {
	return &Fixture{
		items:     make(map[PhysicalID]Item),
		revisions: make(map[PhysicalID][]Revision),
		content:   make(map[PhysicalID]map[int][]byte),
	}
}

// AddItem registers an Item record, creating it if absent.
func (f *Fixture) AddItem(item Item) {
	f.items[item.ID] = item
}

// AddRevision appends a revision to an item's log. Revisions returns
// the log stably sorted by timestamp, so revisions sharing a timestamp
// keep the order in which they were appended.
func (f *Fixture) AddRevision(rev Revision) {
	f.revisions[rev.Item] = append(f.revisions[rev.Item], rev)
}

// SetContent records the byte content of a file at a given version.
func (f *Fixture) SetContent(id PhysicalID, version int, data []byte) {
	if f.content[id] == nil {
		f.content[id] = make(map[int][]byte)
	}
	f.content[id][version] = data
}

func (f *Fixture) Item(id PhysicalID) (Item, error) {
	it, ok := f.items[id]
	if !ok {
		return Item{}, fmt.Errorf("legacydb: fixture: unknown item %q", id)
	}
	return it, nil
}

func (f *Fixture) Revisions(id PhysicalID) ([]Revision, error) {
	revs := f.revisions[id]
	out := make([]Revision, len(revs))
	copy(out, revs)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

func (f *Fixture) Content(id PhysicalID, version int) ([]byte, error) {
	versions, ok := f.content[id]
	if !ok {
		return nil, fmt.Errorf("legacydb: fixture: no content recorded for %q", id)
	}
	data, ok := versions[version]
	if !ok {
		return nil, fmt.Errorf("legacydb: fixture: no content for %q#%d", id, version)
	}
	return data, nil
}
