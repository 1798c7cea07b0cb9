package replay

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vsstransfer/vsstransfer/changeset"
	"github.com/vsstransfer/vsstransfer/historywriter"
	"github.com/vsstransfer/vsstransfer/legacydb"
	"github.com/vsstransfer/vsstransfer/pathmap"
)

func at(seconds int) time.Time {
	return time.Date(2024, 1, 1, 12, 0, seconds, 0, time.UTC)
}

// newScenario wires a PathMapper rooted at "TestProject" plus a
// Memory writer and an Engine writing into a scratch work dir -
// the harness every scenario-style test below builds on.
func newScenario(t *testing.T) (*pathmap.PathMapper, *historywriter.Memory, *Engine, string) {
	t.Helper()
	dir := t.TempDir()
	pm := pathmap.New(nil)
	pm.SetRoot("proj", "TestProject", "$/TestProject")
	w := historywriter.NewMemory()
	e := New(&fixtureDB{}, pm, w, nil, Config{WorkDir: dir, EmailDomain: "example.com"})
	t.Cleanup(e.Close)
	return pm, w, e, dir
}

// fixtureDB is a minimal legacydb.Database double for replay tests:
// content is supplied directly by the test via a shared map keyed by
// (item, version), since replay only calls Content/Item, never Revisions.
type fixtureDB struct {
	items   map[legacydb.PhysicalID]legacydb.Item
	content map[legacydb.PhysicalID]map[int][]byte
}

func (f *fixtureDB) Item(id legacydb.PhysicalID) (legacydb.Item, error) {
	it, ok := f.items[id]
	if !ok {
		return legacydb.Item{}, assert.AnError
	}
	return it, nil
}

func (f *fixtureDB) Revisions(id legacydb.PhysicalID) ([]legacydb.Revision, error) { return nil, nil }

func (f *fixtureDB) Content(id legacydb.PhysicalID, version int) ([]byte, error) {
	if byVer, ok := f.content[id]; ok {
		if c, ok := byVer[version]; ok {
			return c, nil
		}
	}
	return nil, assert.AnError
}

func TestBasicAddEditLabel(t *testing.T) {
	dir := t.TempDir()
	pm := pathmap.New(nil)
	pm.SetRoot("proj", "TestProject", "$/TestProject")
	w := historywriter.NewMemory()
	db := &fixtureDB{
		items: map[legacydb.PhysicalID]legacydb.Item{
			"readme": {ID: "readme", Kind: legacydb.KindFile, LogicalName: "readme.txt"},
			"mainc":  {ID: "mainc", Kind: legacydb.KindFile, LogicalName: "main.c"},
		},
		content: map[legacydb.PhysicalID]map[int][]byte{
			"readme": {1: []byte("Version 1"), 2: []byte("Version 2"), 3: []byte("Version 3 - final")},
			"mainc":  {1: []byte("int main() {}")},
		},
	}
	e := New(db, pm, w, nil, Config{WorkDir: dir, EmailDomain: "example.com"})
	defer e.Close()

	changesets := []changeset.Changeset{
		{
			User:      "alice",
			Timestamp: at(0),
			Revisions: []legacydb.Revision{
				{Item: "proj", User: "alice", Timestamp: at(0), Action: legacydb.Action{Kind: legacydb.ActionAdd, Target: "readme"}},
			},
		},
		{
			User:      "alice",
			Timestamp: at(10),
			Revisions: []legacydb.Revision{
				{Item: "readme", User: "alice", Timestamp: at(10), Version: 2, Action: legacydb.Action{Kind: legacydb.ActionEdit, Target: "readme"}},
			},
		},
		{
			User:      "alice",
			Timestamp: at(20),
			Revisions: []legacydb.Revision{
				{Item: "readme", User: "alice", Timestamp: at(20), Version: 3, Comment: "final", Action: legacydb.Action{Kind: legacydb.ActionEdit, Target: "readme"}},
				{Item: "proj", User: "alice", Timestamp: at(20), Action: legacydb.Action{Kind: legacydb.ActionAdd, Target: "mainc"}},
				{Item: "proj", User: "alice", Timestamp: at(20), Action: legacydb.Action{Kind: legacydb.ActionLabel, LabelText: "v1"}},
			},
		},
	}

	stats, err := e.Replay(changesets)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Committed)
	assert.Equal(t, 1, stats.TagsCreated)
	assert.Equal(t, []string{"v1"}, w.Tags)

	got, err := os.ReadFile(filepath.Join(dir, "TestProject", "readme.txt"))
	require.NoError(t, err)
	assert.Equal(t, "Version 3 - final", string(got))
	assert.ElementsMatch(t, []string{"TestProject/readme.txt", "TestProject/main.c"}, w.Paths())
}

func TestPinFreezesContentThenUnpinRewrites(t *testing.T) {
	dir := t.TempDir()
	pm := pathmap.New(nil)
	pm.SetRoot("a", "A", "$/A")
	pm.SetRoot("b", "B", "$/B")
	db := &fixtureDB{
		items: map[legacydb.PhysicalID]legacydb.Item{
			"f": {ID: "f", Kind: legacydb.KindFile, LogicalName: "data.txt"},
		},
		content: map[legacydb.PhysicalID]map[int][]byte{
			"f": {1: []byte("v1"), 2: []byte("v2")},
		},
	}
	w := historywriter.NewMemory()
	e := New(db, pm, w, nil, Config{WorkDir: dir, EmailDomain: "example.com"})
	defer e.Close()

	changesets := []changeset.Changeset{
		{User: "alice", Timestamp: at(0), Revisions: []legacydb.Revision{
			{Item: "a", User: "alice", Timestamp: at(0), Action: legacydb.Action{Kind: legacydb.ActionAdd, Target: "f"}},
		}},
		{User: "alice", Timestamp: at(1), Revisions: []legacydb.Revision{
			{Item: "b", User: "alice", Timestamp: at(1), Action: legacydb.Action{Kind: legacydb.ActionShare, Target: "f"}},
		}},
		{User: "alice", Timestamp: at(2), Revisions: []legacydb.Revision{
			{Item: "b", User: "alice", Timestamp: at(2), Action: legacydb.Action{Kind: legacydb.ActionPin, Target: "f", Version: 1}},
		}},
		{User: "alice", Timestamp: at(3), Revisions: []legacydb.Revision{
			{Item: "f", User: "alice", Timestamp: at(3), Version: 2, Action: legacydb.Action{Kind: legacydb.ActionEdit, Target: "f"}},
		}},
	}
	_, err := e.Replay(changesets)
	require.NoError(t, err)

	bContent, err := os.ReadFile(filepath.Join(dir, "B", "data.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v1", string(bContent), "pinned project keeps the frozen version across an edit")

	aContent, err := os.ReadFile(filepath.Join(dir, "A", "data.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(aContent))

	unpin := []changeset.Changeset{
		{User: "alice", Timestamp: at(4), Revisions: []legacydb.Revision{
			{Item: "b", User: "alice", Timestamp: at(4), Action: legacydb.Action{Kind: legacydb.ActionUnpin, Target: "f"}},
		}},
	}
	_, err = e.Replay(unpin)
	require.NoError(t, err)
	bContent, err = os.ReadFile(filepath.Join(dir, "B", "data.txt"))
	require.NoError(t, err)
	assert.Equal(t, "v2", string(bContent), "unpin rewrites to the current version")
}

func TestRenameMovesFileOnDiskAndTranslatesPendingPaths(t *testing.T) {
	dir := t.TempDir()
	pm := pathmap.New(nil)
	pm.SetRoot("proj", "Project", "$/Project")
	db := &fixtureDB{
		items: map[legacydb.PhysicalID]legacydb.Item{
			"f": {ID: "f", Kind: legacydb.KindFile, LogicalName: "oldname.txt"},
		},
		content: map[legacydb.PhysicalID]map[int][]byte{
			"f": {1: []byte("hello")},
		},
	}
	w := historywriter.NewMemory()
	e := New(db, pm, w, nil, Config{WorkDir: dir, EmailDomain: "example.com"})
	defer e.Close()

	changesets := []changeset.Changeset{
		{User: "alice", Timestamp: at(0), Revisions: []legacydb.Revision{
			{Item: "proj", User: "alice", Timestamp: at(0), Action: legacydb.Action{Kind: legacydb.ActionAdd, Target: "f"}},
			{Item: "proj", User: "alice", Timestamp: at(0), Action: legacydb.Action{Kind: legacydb.ActionRename, Target: "f", NewName: "newname.txt"}},
		}},
	}
	_, err := e.Replay(changesets)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "Project", "oldname.txt"))
	assert.True(t, os.IsNotExist(err))
	got, err := os.ReadFile(filepath.Join(dir, "Project", "newname.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
	// The staged add was translated to the new name before the commit.
	assert.Equal(t, []string{"Project/newname.txt"}, w.Paths())
}

func TestEmptyChangesetIsNotCounted(t *testing.T) {
	_, w, e, _ := newScenario(t)
	e.db = &fixtureDB{}
	stats, err := e.Replay([]changeset.Changeset{{User: "alice", Timestamp: at(0)}})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Committed)
	assert.Equal(t, 1, stats.SkippedEmpty)
	assert.Equal(t, 0, w.Commits)
}

func TestFromDateWindowDefersCommit(t *testing.T) {
	dir := t.TempDir()
	pm := pathmap.New(nil)
	pm.SetRoot("proj", "Project", "$/Project")
	db := &fixtureDB{
		items:   map[legacydb.PhysicalID]legacydb.Item{"f": {ID: "f", Kind: legacydb.KindFile, LogicalName: "x.txt"}},
		content: map[legacydb.PhysicalID]map[int][]byte{"f": {1: []byte("x")}},
	}
	w := historywriter.NewMemory()
	from := at(10)
	e := New(db, pm, w, nil, Config{WorkDir: dir, EmailDomain: "example.com", FromDate: &from})
	defer e.Close()

	changesets := []changeset.Changeset{
		{User: "alice", Timestamp: at(0), Revisions: []legacydb.Revision{
			{Item: "proj", User: "alice", Timestamp: at(0), Action: legacydb.Action{Kind: legacydb.ActionAdd, Target: "f"}},
		}},
	}
	stats, err := e.Replay(changesets)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Committed)
	assert.Equal(t, 0, w.Commits)
	// PathMapper state was still built even though nothing committed.
	p, ok := pm.GetWorkingPath("f")
	assert.True(t, ok)
	assert.Equal(t, "Project/x.txt", p)
}

func TestToDateWindowStopsLoop(t *testing.T) {
	_, w, e, _ := newScenario(t)
	e.db = &fixtureDB{items: map[legacydb.PhysicalID]legacydb.Item{
		"a": {ID: "a", Kind: legacydb.KindFile, LogicalName: "a.txt"},
		"b": {ID: "b", Kind: legacydb.KindFile, LogicalName: "b.txt"},
	}, content: map[legacydb.PhysicalID]map[int][]byte{
		"a": {1: []byte("a")}, "b": {1: []byte("b")},
	}}
	to := at(5)
	e.cfg.ToDate = &to
	changesets := []changeset.Changeset{
		{User: "alice", Timestamp: at(0), Revisions: []legacydb.Revision{
			{Item: "proj", User: "alice", Timestamp: at(0), Action: legacydb.Action{Kind: legacydb.ActionAdd, Target: "a"}},
		}},
		{User: "alice", Timestamp: at(100), Revisions: []legacydb.Revision{
			{Item: "proj", User: "alice", Timestamp: at(100), Action: legacydb.Action{Kind: legacydb.ActionAdd, Target: "b"}},
		}},
	}
	stats, err := e.Replay(changesets)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Committed)
	assert.ElementsMatch(t, []string{"TestProject/a.txt"}, w.Paths())
}

func TestWriterErrorIgnorePolicyContinues(t *testing.T) {
	_, _, e, _ := newScenario(t)
	e.db = &fixtureDB{items: map[legacydb.PhysicalID]legacydb.Item{
		"f": {ID: "f", Kind: legacydb.KindFile, LogicalName: "f.txt"},
	}, content: map[legacydb.PhysicalID]map[int][]byte{"f": {1: []byte("x")}}}
	e.writer = &failingWriter{Memory: historywriter.NewMemory(), failOps: map[string]bool{"commit": true}}
	e.cfg.IgnoreErrors = true

	changesets := []changeset.Changeset{
		{User: "alice", Timestamp: at(0), Revisions: []legacydb.Revision{
			{Item: "proj", User: "alice", Timestamp: at(0), Action: legacydb.Action{Kind: legacydb.ActionAdd, Target: "f"}},
		}},
	}
	stats, err := e.Replay(changesets)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.WriterErrorsIgnored)
}

func TestWriterErrorAbortPolicyStopsRun(t *testing.T) {
	_, _, e, _ := newScenario(t)
	e.db = &fixtureDB{items: map[legacydb.PhysicalID]legacydb.Item{
		"f": {ID: "f", Kind: legacydb.KindFile, LogicalName: "f.txt"},
	}, content: map[legacydb.PhysicalID]map[int][]byte{"f": {1: []byte("x")}}}
	e.writer = &failingWriter{Memory: historywriter.NewMemory(), failOps: map[string]bool{"commit": true}}

	changesets := []changeset.Changeset{
		{User: "alice", Timestamp: at(0), Revisions: []legacydb.Revision{
			{Item: "proj", User: "alice", Timestamp: at(0), Action: legacydb.Action{Kind: legacydb.ActionAdd, Target: "f"}},
		}},
	}
	_, err := e.Replay(changesets)
	assert.Error(t, err)
}

func TestTagNameCollisionsGetSuffixed(t *testing.T) {
	e := &Engine{usedTags: make(map[string]bool)}
	first := e.uniqueTagName("release")
	second := e.uniqueTagName("release")
	third := e.uniqueTagName("RELEASE")
	assert.Equal(t, "release", first)
	assert.Equal(t, "release-2", second)
	assert.Equal(t, "release-3", third)
}

func TestTagNameFromLabelReplacesNonAlnumRuns(t *testing.T) {
	assert.Equal(t, "release_candidate", tagNameFromLabel("release candidate"))
	assert.Equal(t, "v1_0_beta", tagNameFromLabel("v1.0/beta"))
}

func TestSynthesizeEmail(t *testing.T) {
	e := &Engine{cfg: Config{EmailDomain: "example.com"}}
	assert.Equal(t, "john.doe@example.com", e.synthesizeEmail("John Doe"))
}

// failingWriter wraps Memory and forces a chosen op to fail once per call.
type failingWriter struct {
	*historywriter.Memory
	failOps map[string]bool
}

func (f *failingWriter) Commit(name, email, comment string, ts time.Time) (bool, error) {
	if f.failOps["commit"] {
		return false, assert.AnError
	}
	return f.Memory.Commit(name, email, comment, ts)
}
