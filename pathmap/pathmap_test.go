package pathmap

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/vsstransfer/vsstransfer/legacydb"
)

func TestSetRootAndAddItem(t *testing.T) {
	m := New(nil)
	m.SetRoot("proj1", "TestProject", "$/TestProject")
	m.AddItem("proj1", legacydb.Item{ID: "file1", Kind: legacydb.KindFile, LogicalName: "readme.txt"})

	p, ok := m.GetWorkingPath("file1")
	assert.True(t, ok)
	assert.Equal(t, "TestProject/readme.txt", p)
}

func TestRenameRoundTrip(t *testing.T) {
	m := New(nil)
	m.SetRoot("proj1", "Project", "$/Project")
	m.AddItem("proj1", legacydb.Item{ID: "file1", Kind: legacydb.KindFile, LogicalName: "oldname.txt"})

	orig, _ := m.GetWorkingPath("file1")
	assert.NoError(t, m.Rename("file1", "newname.txt"))
	renamed, _ := m.GetWorkingPath("file1")
	assert.NotEqual(t, orig, renamed)
	assert.NoError(t, m.Rename("file1", "oldname.txt"))
	back, _ := m.GetWorkingPath("file1")
	assert.Equal(t, orig, back)
}

func TestMoveRoundTrip(t *testing.T) {
	m := New(nil)
	m.SetRoot("root", "Project", "$/Project")
	m.AddItem("root", legacydb.Item{ID: "a", Kind: legacydb.KindProject, LogicalName: "FolderA"})
	m.AddItem("root", legacydb.Item{ID: "b", Kind: legacydb.KindProject, LogicalName: "FolderB"})
	m.AddItem("a", legacydb.Item{ID: "sub", Kind: legacydb.KindProject, LogicalName: "SubDir"})

	orig, _ := m.GetWorkingPath("sub")
	assert.NoError(t, m.MoveFrom("a", "b", "sub"))
	moved, _ := m.GetWorkingPath("sub")
	assert.NotEqual(t, orig, moved)
	assert.NoError(t, m.MoveFrom("b", "a", "sub"))
	back, _ := m.GetWorkingPath("sub")
	assert.Equal(t, orig, back)
}

func TestMoveToIdempotentAfterMoveFrom(t *testing.T) {
	m := New(nil)
	m.SetRoot("root", "Project", "$/Project")
	m.AddItem("root", legacydb.Item{ID: "a", Kind: legacydb.KindProject, LogicalName: "FolderA"})
	m.AddItem("root", legacydb.Item{ID: "b", Kind: legacydb.KindProject, LogicalName: "FolderB"})
	m.AddItem("a", legacydb.Item{ID: "sub", Kind: legacydb.KindProject, LogicalName: "SubDir"})

	assert.NoError(t, m.MoveFrom("a", "b", "sub"))
	assert.NoError(t, m.MoveTo("a", "b", "sub")) // idempotent, MoveFrom already won
	p, _ := m.GetWorkingPath("sub")
	assert.Equal(t, "Project/FolderB/SubDir", p)
	assert.Len(t, m.Children("a"), 0)
	assert.Len(t, m.Children("b"), 1)
}

func TestPinUnpinRoundTrip(t *testing.T) {
	m := New(nil)
	m.SetRoot("a", "A", "$/A")
	m.SetRoot("b", "B", "$/B")
	m.AddItem("a", legacydb.Item{ID: "f", Kind: legacydb.KindFile, LogicalName: "data.txt"})
	assert.NoError(t, m.Share("b", "f"))
	m.SetFileVersion("f", 1)

	before := m.EffectiveVersion("f", "b")
	m.SetFileVersion("f", 2)
	assert.NoError(t, m.Pin("b", "f", 1))
	assert.Equal(t, 1, m.EffectiveVersion("f", "b"))
	assert.Equal(t, 2, m.EffectiveVersion("f", "a"))
	assert.NoError(t, m.Unpin("b", "f"))
	assert.Equal(t, 2, m.EffectiveVersion("f", "b"))
	_ = before
}

func TestShareBranchDestroy(t *testing.T) {
	m := New(nil)
	m.SetRoot("a", "A", "$/A")
	m.SetRoot("b", "B", "$/B")
	m.SetRoot("c", "C", "$/C")
	m.AddItem("a", legacydb.Item{ID: "f", Kind: legacydb.KindFile, LogicalName: "shared.txt"})
	assert.NoError(t, m.Share("b", "f"))
	assert.NoError(t, m.Share("c", "f"))

	paths := m.GetFilePaths("f", "")
	assert.ElementsMatch(t, []string{"A/shared.txt", "B/shared.txt", "C/shared.txt"}, paths)

	assert.NoError(t, m.BranchFile("b", "f2", "shared.txt", "f"))
	assert.ElementsMatch(t, []string{"A/shared.txt", "C/shared.txt"}, m.GetFilePaths("f", ""))
	assert.Equal(t, []string{"B/shared.txt"}, m.GetFilePaths("f2", ""))

	assert.NoError(t, m.Destroy("f2"))
	assert.True(t, m.IsDestroyed("f2"))
	assert.Empty(t, m.GetFilePaths("f2", ""))
}

func TestDuplicateNameStillAdded(t *testing.T) {
	m := New(nil)
	m.SetRoot("root", "Project", "$/Project")
	m.AddItem("root", legacydb.Item{ID: "f1", Kind: legacydb.KindFile, LogicalName: "name.txt"})
	m.AddItem("root", legacydb.Item{ID: "f2", Kind: legacydb.KindFile, LogicalName: "Name.txt"})
	assert.Len(t, m.Children("root"), 2) // both retained despite case-insensitive clash
}

func TestUnmappedProjectYieldsNoPath(t *testing.T) {
	m := New(nil)
	m.AddItem("floating-parent", legacydb.Item{ID: "f1", Kind: legacydb.KindFile, LogicalName: "x.txt"})
	_, ok := m.GetWorkingPath("f1")
	assert.False(t, ok)
	assert.False(t, m.IsProjectRooted("floating-parent"))
}

func TestFilesUnderProjectRecursesAndSkipsDestroyed(t *testing.T) {
	m := New(nil)
	m.SetRoot("root", "Project", "$/Project")
	m.AddItem("root", legacydb.Item{ID: "sub", Kind: legacydb.KindProject, LogicalName: "Sub"})
	m.AddItem("root", legacydb.Item{ID: "f1", Kind: legacydb.KindFile, LogicalName: "a.txt"})
	m.AddItem("sub", legacydb.Item{ID: "f2", Kind: legacydb.KindFile, LogicalName: "b.txt"})
	m.AddItem("sub", legacydb.Item{ID: "f3", Kind: legacydb.KindFile, LogicalName: "c.txt"})
	assert.NoError(t, m.Destroy("f3"))

	files := m.FilesUnderProject("root")
	ids := make([]string, len(files))
	for i, f := range files {
		ids[i] = string(f)
	}
	assert.ElementsMatch(t, []string{"f1", "f2"}, ids)
}
