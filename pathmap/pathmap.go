// Package pathmap implements PathMapper: the virtual filesystem that
// maps each legacy item's logical state to a working path, tracking
// the sharing graph, pins, and project containment (spec.md §4.3).
//
// Grounded on the arena/handle design note in spec.md §9 ("cyclic
// references in PathMapper ... represent with arena + integer indices
// or tagged handles; never reference-count with back-pointers that
// would create cycles") - itemInfo nodes live in one map keyed by
// PhysicalID and refer to each other by pointer within that arena, a
// parent never outlives the map that owns it.
package pathmap

import (
	"fmt"
	"path"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/vsstransfer/vsstransfer/legacydb"
)

// itemInfo is the arena record for one physical id. Kind-specific
// fields are zero-valued for the other Kind, mirroring the tagged
// struct style the teacher uses for GitFile/P4File.
type itemInfo struct {
	id          legacydb.PhysicalID
	kind        legacydb.Kind
	logicalName string
	destroyed   bool

	// Project fields.
	parent   *itemInfo
	children []*itemInfo
	rootPath string // non-"" iff this project was registered via SetRoot

	// File fields.
	sharing map[legacydb.PhysicalID]*itemInfo // containing-project id -> project itemInfo
	version int
	pinned  map[legacydb.PhysicalID]int // containing-project id -> pinned version
}

func (n *itemInfo) isRoot() bool { return n.kind == legacydb.KindProject && n.rootPath != "" }

// PathMapper is the engine-owned, single-writer single-reader virtual
// filesystem described in spec.md §4.3 and §5.
type PathMapper struct {
	logger *logrus.Logger
	items  map[legacydb.PhysicalID]*itemInfo
}

// New constructs an empty PathMapper.
func New(logger *logrus.Logger) *PathMapper {
	if logger == nil {
		logger = logrus.New()
	}
	return &PathMapper{logger: logger, items: make(map[legacydb.PhysicalID]*itemInfo)}
}

func (m *PathMapper) get(id legacydb.PhysicalID) *itemInfo {
	return m.items[id]
}

func (m *PathMapper) getOrCreate(id legacydb.PhysicalID, kind legacydb.Kind, name string) *itemInfo {
	if it, ok := m.items[id]; ok {
		return it
	}
	it := &itemInfo{id: id, kind: kind, logicalName: name}
	if kind == legacydb.KindFile {
		it.sharing = make(map[legacydb.PhysicalID]*itemInfo)
		it.pinned = make(map[legacydb.PhysicalID]int)
	}
	m.items[id] = it
	return it
}

// SetRoot registers projID as a root mapping: ancestor lookups on this
// project (and its descendants) resolve against workingPath.
// logicalPath is recorded as the project's logical name for display
// only; the working path is authoritative for materialization.
func (m *PathMapper) SetRoot(projID legacydb.PhysicalID, workingPath string, logicalPath string) {
	it := m.getOrCreate(projID, legacydb.KindProject, logicalPath)
	it.rootPath = path.Clean(workingPath)
}

// AddItem creates child (if absent) and links it into parent's child
// list. A duplicate logical name (case-insensitive) within parent is
// tolerated: the item is still added and a warning logged, per
// spec.md's "dup-name: new item still added, replay later logs a
// warning" contract.
func (m *PathMapper) AddItem(parent legacydb.PhysicalID, child legacydb.Item) {
	p := m.get(parent)
	if p == nil {
		m.logger.Warnf("pathmap: AddItem: unmapped parent %s for child %s", parent, child.ID)
		p = m.getOrCreate(parent, legacydb.KindProject, "")
	}
	c := m.getOrCreate(child.ID, child.Kind, child.LogicalName)
	c.destroyed = false
	if child.Kind == legacydb.KindFile {
		c.sharing[parent] = p
	} else {
		c.parent = p
	}
	for _, existing := range p.children {
		if existing.id == child.ID {
			return // already linked
		}
		if !existing.destroyed && strings.EqualFold(existing.logicalName, child.LogicalName) {
			m.logger.Warnf("pathmap: duplicate logical name %q under %s (existing id %s, new id %s)",
				child.LogicalName, parent, existing.id, child.ID)
		}
	}
	p.children = append(p.children, c)
}

// Share adds parent to file's sharing set.
func (m *PathMapper) Share(parent legacydb.PhysicalID, file legacydb.PhysicalID) error {
	p := m.get(parent)
	f := m.get(file)
	if p == nil || f == nil || f.kind != legacydb.KindFile {
		return fmt.Errorf("pathmap: Share: invalid parent/file %s/%s", parent, file)
	}
	f.sharing[parent] = p
	for _, existing := range p.children {
		if existing.id == file {
			return nil
		}
	}
	p.children = append(p.children, f)
	return nil
}

// BranchFile converts a share into an independent copy: removes parent
// from oldFile's sharing set and creates newFile (inheriting oldFile's
// current version) shared only by parent.
func (m *PathMapper) BranchFile(parent legacydb.PhysicalID, newFile legacydb.PhysicalID, newName string, oldFile legacydb.PhysicalID) error {
	p := m.get(parent)
	old := m.get(oldFile)
	if p == nil || old == nil {
		return fmt.Errorf("pathmap: BranchFile: invalid parent/oldFile %s/%s", parent, oldFile)
	}
	delete(old.sharing, parent)
	for i, c := range p.children {
		if c.id == oldFile {
			p.children = append(p.children[:i], p.children[i+1:]...)
			break
		}
	}
	nf := m.getOrCreate(newFile, legacydb.KindFile, newName)
	nf.version = old.version
	nf.sharing[parent] = p
	p.children = append(p.children, nf)
	return nil
}

// Pin freezes file at version within parent; Unpin clears the freeze.
func (m *PathMapper) Pin(parent legacydb.PhysicalID, file legacydb.PhysicalID, version int) error {
	f := m.get(file)
	if f == nil || f.kind != legacydb.KindFile {
		return fmt.Errorf("pathmap: Pin: unknown file %s", file)
	}
	f.pinned[parent] = version
	return nil
}

func (m *PathMapper) Unpin(parent legacydb.PhysicalID, file legacydb.PhysicalID) error {
	f := m.get(file)
	if f == nil || f.kind != legacydb.KindFile {
		return fmt.Errorf("pathmap: Unpin: unknown file %s", file)
	}
	delete(f.pinned, parent)
	return nil
}

// Rename updates item's logical name. Parent references are unchanged;
// callers project this onto the filesystem separately (spec.md's
// two-step rename through a temporary name applies at that layer, not
// here - PathMapper state transitions atomically).
func (m *PathMapper) Rename(item legacydb.PhysicalID, newLogicalName string) error {
	it := m.get(item)
	if it == nil {
		return fmt.Errorf("pathmap: Rename: unknown item %s", item)
	}
	it.logicalName = newLogicalName
	return nil
}

// MoveFrom is the authoritative project-reparent operation: it detaches
// project from oldParent and attaches it under newParent.
func (m *PathMapper) MoveFrom(oldParent, newParent, project legacydb.PhysicalID) error {
	np := m.get(newParent)
	proj := m.get(project)
	if np == nil || proj == nil {
		return fmt.Errorf("pathmap: MoveFrom: invalid newParent/project %s/%s", newParent, project)
	}
	if op := m.get(oldParent); op != nil {
		for i, c := range op.children {
			if c.id == project {
				op.children = append(op.children[:i], op.children[i+1:]...)
				break
			}
		}
	}
	proj.parent = np
	for _, c := range np.children {
		if c.id == project {
			return nil
		}
	}
	np.children = append(np.children, proj)
	return nil
}

// MoveTo is bookkeeping-only cleanup on the departing parent; when both
// MoveFrom and MoveTo appear in the same changeset the first applied
// wins and the second is idempotent (spec.md §4.3).
func (m *PathMapper) MoveTo(oldParent, newParent, project legacydb.PhysicalID) error {
	proj := m.get(project)
	if proj == nil {
		return fmt.Errorf("pathmap: MoveTo: unknown project %s", project)
	}
	if proj.parent != nil && proj.parent.id == newParent {
		return nil // MoveFrom already applied this move
	}
	return m.MoveFrom(oldParent, newParent, project)
}

// Delete soft-removes item from parent's child list.
func (m *PathMapper) Delete(parent, item legacydb.PhysicalID) error {
	p := m.get(parent)
	it := m.get(item)
	if p == nil || it == nil {
		m.logger.Warnf("pathmap: Delete: invalid parent/item %s/%s", parent, item)
		return nil
	}
	for i, c := range p.children {
		if c.id == item {
			p.children = append(p.children[:i], p.children[i+1:]...)
			break
		}
	}
	if it.kind == legacydb.KindFile {
		delete(it.sharing, parent)
	} else if it.parent != nil && it.parent.id == parent {
		it.parent = nil
	}
	return nil
}

// Recover soft-restores item into parent's child list.
func (m *PathMapper) Recover(parent, item legacydb.PhysicalID) error {
	p := m.get(parent)
	it := m.get(item)
	if p == nil || it == nil {
		m.logger.Warnf("pathmap: Recover: invalid parent/item %s/%s", parent, item)
		return nil
	}
	it.destroyed = false
	if it.kind == legacydb.KindFile {
		it.sharing[parent] = p
	} else {
		it.parent = p
	}
	for _, c := range p.children {
		if c.id == item {
			return nil
		}
	}
	p.children = append(p.children, it)
	return nil
}

// Destroy hard-flags item as destroyed; it is retained in the arena
// (spec.md: ItemInfo "marked destroyed (but retained in the map)").
func (m *PathMapper) Destroy(item legacydb.PhysicalID) error {
	it := m.get(item)
	if it == nil {
		return fmt.Errorf("pathmap: Destroy: unknown item %s", item)
	}
	it.destroyed = true
	return nil
}

// GetWorkingPath returns the current absolute working path for item,
// or ("", false) if it is unmapped (its ancestor chain never reaches a
// registered root). For a shared file this returns the path under its
// first rooted sharing project in map-iteration order; callers that
// need every path must use GetFilePaths.
func (m *PathMapper) GetWorkingPath(id legacydb.PhysicalID) (string, bool) {
	it := m.get(id)
	if it == nil {
		return "", false
	}
	if it.kind == legacydb.KindProject {
		return m.projectPath(it)
	}
	for _, parent := range it.sharing {
		if p, ok := m.projectPath(parent); ok {
			return path.Join(p, it.logicalName), true
		}
	}
	return "", false
}

// projectPath resolves a project's absolute working path by walking
// ancestors until a registered root is found.
func (m *PathMapper) projectPath(it *itemInfo) (string, bool) {
	if it == nil {
		return "", false
	}
	if it.isRoot() {
		return it.rootPath, true
	}
	segments := []string{}
	cur := it
	for cur != nil {
		if cur.isRoot() {
			p := cur.rootPath
			for i := len(segments) - 1; i >= 0; i-- {
				p = path.Join(p, segments[i])
			}
			return p, true
		}
		segments = append(segments, cur.logicalName)
		cur = cur.parent
	}
	return "", false
}

// GetFilePaths returns every working path under which file is
// currently materialized. If underProject is non-empty, the result is
// restricted to that single sharing project (or empty if file is not
// shared there).
func (m *PathMapper) GetFilePaths(fileID legacydb.PhysicalID, underProject legacydb.PhysicalID) []string {
	it := m.get(fileID)
	if it == nil || it.kind != legacydb.KindFile || it.destroyed {
		return nil
	}
	var out []string
	for projID, parent := range it.sharing {
		if underProject != "" && projID != underProject {
			continue
		}
		if parent.destroyed {
			continue
		}
		if p, ok := m.projectPath(parent); ok {
			out = append(out, path.Join(p, it.logicalName))
		}
	}
	return out
}

// IsProjectRooted reports whether id's ancestor chain terminates at a
// registered root.
func (m *PathMapper) IsProjectRooted(id legacydb.PhysicalID) bool {
	it := m.get(id)
	if it == nil {
		return false
	}
	if it.kind == legacydb.KindFile {
		for _, parent := range it.sharing {
			if _, ok := m.projectPath(parent); ok {
				return true
			}
		}
		return false
	}
	_, ok := m.projectPath(it)
	return ok
}

// GetFileVersion returns the file's current version (ignoring pins).
func (m *PathMapper) GetFileVersion(fileID legacydb.PhysicalID) int {
	it := m.get(fileID)
	if it == nil {
		return 0
	}
	return it.version
}

// SetFileVersion sets the file's current version.
func (m *PathMapper) SetFileVersion(fileID legacydb.PhysicalID, v int) {
	it := m.get(fileID)
	if it == nil {
		return
	}
	it.version = v
}

// EffectiveVersion returns the version that should be materialized for
// file under a specific sharing project: the pin in that project if
// present, otherwise the file's current version.
func (m *PathMapper) EffectiveVersion(fileID legacydb.PhysicalID, project legacydb.PhysicalID) int {
	it := m.get(fileID)
	if it == nil {
		return 0
	}
	if v, ok := it.pinned[project]; ok {
		return v
	}
	return it.version
}

// IsPinned reports whether file is pinned within project.
func (m *PathMapper) IsPinned(fileID legacydb.PhysicalID, project legacydb.PhysicalID) bool {
	it := m.get(fileID)
	if it == nil {
		return false
	}
	_, ok := it.pinned[project]
	return ok
}

// SharingProjects returns the physical ids of every non-destroyed
// project currently sharing file.
func (m *PathMapper) SharingProjects(fileID legacydb.PhysicalID) []legacydb.PhysicalID {
	it := m.get(fileID)
	if it == nil {
		return nil
	}
	out := make([]legacydb.PhysicalID, 0, len(it.sharing))
	for id, p := range it.sharing {
		if !p.destroyed {
			out = append(out, id)
		}
	}
	return out
}

// Children returns the physical ids of item's current (non-destroyed
// view is the caller's responsibility) direct children, in the order
// they were added.
func (m *PathMapper) Children(item legacydb.PhysicalID) []legacydb.PhysicalID {
	it := m.get(item)
	if it == nil {
		return nil
	}
	out := make([]legacydb.PhysicalID, 0, len(it.children))
	for _, c := range it.children {
		out = append(out, c.id)
	}
	return out
}

// IsDestroyed reports whether item carries the hard-destroyed flag.
func (m *PathMapper) IsDestroyed(item legacydb.PhysicalID) bool {
	it := m.get(item)
	return it != nil && it.destroyed
}

// LogicalName returns item's current display name.
func (m *PathMapper) LogicalName(item legacydb.PhysicalID) string {
	it := m.get(item)
	if it == nil {
		return ""
	}
	return it.logicalName
}

// Kind returns item's Kind, or false if unmapped.
func (m *PathMapper) Kind(item legacydb.PhysicalID) (legacydb.Kind, bool) {
	it := m.get(item)
	if it == nil {
		return 0, false
	}
	return it.kind, true
}

// FilesUnderProject recursively collects every non-destroyed file
// physical id reachable from project, used by ReplayEngine to
// rematerialize a recovered/added subtree and to decide whether a
// Delete/Destroy of a project must recurse (spec.md §4.4).
func (m *PathMapper) FilesUnderProject(project legacydb.PhysicalID) []legacydb.PhysicalID {
	it := m.get(project)
	if it == nil {
		return nil
	}
	var out []legacydb.PhysicalID
	var walk func(*itemInfo)
	walk = func(n *itemInfo) {
		for _, c := range n.children {
			if c.destroyed {
				continue
			}
			if c.kind == legacydb.KindFile {
				out = append(out, c.id)
			} else {
				walk(c)
			}
		}
	}
	walk(it)
	return out
}
