// Package legacydb describes the external contract for the legacy
// file-versioning database: a random-access store of Items, keyed by
// a stable physical id, each carrying an ordered Revision log and (for
// files) byte content per revision.
//
// The on-disk decoder for the legacy binary format is out of scope for
// this module (spec.md §1) - Database is the fixed contract that the
// rest of the pipeline is built against. Fixture is an in-memory
// implementation used by tests and by the example scenarios.
package legacydb

import (
	"fmt"
	"time"
)

// PhysicalID is the legacy database's stable, opaque item identifier.
type PhysicalID string

// Kind distinguishes a project (container) from a file (versioned content).
type Kind int

const (
	KindFile Kind = iota
	KindProject
)

func (k Kind) String() string {
	if k == KindProject {
		return "Project"
	}
	return "File"
}

// Item is a uniquely named record in the legacy database.
type Item struct {
	ID          PhysicalID
	Kind        Kind
	LogicalName string
}

// ActionKind is the closed set of revision action variants (spec.md §3).
type ActionKind int

const (
	ActionCreate ActionKind = iota
	ActionAdd
	ActionShare
	ActionBranch
	ActionPin
	ActionUnpin
	ActionRename
	ActionMoveFrom
	ActionMoveTo
	ActionDelete
	ActionRecover
	ActionDestroy
	ActionArchive
	ActionRestore
	ActionLabel
	ActionEdit
)

func (a ActionKind) String() string {
	names := [...]string{
		"Create", "Add", "Share", "Branch", "Pin", "Unpin", "Rename",
		"MoveFrom", "MoveTo", "Delete", "Recover", "Destroy", "Archive",
		"Restore", "Label", "Edit",
	}
	if int(a) < 0 || int(a) >= len(names) {
		return "Unknown"
	}
	return names[a]
}

// Action is a tagged-variant record; only the fields relevant to Kind
// are populated. Exhaustive callers should switch on Kind, never on
// field presence alone.
type Action struct {
	Kind ActionKind

	// Target is the item the action is principally about: the child
	// added/shared/branched/pinned/moved/deleted/destroyed/restored,
	// or (for Rename) the item being renamed.
	Target PhysicalID

	// Source is populated for Branch (the file being branched from)
	// and MoveFrom (the departing parent project).
	Source PhysicalID

	// NewParent is populated for MoveTo (the arriving parent project).
	NewParent PhysicalID

	// OldName/NewName are populated for Rename.
	OldName string
	NewName string

	// Version is populated for Pin (the version to freeze at).
	Version int

	// ArchivePath is populated for Archive/Restore (opaque export path).
	ArchivePath string

	// LabelText is populated for Label.
	LabelText string
}

// Revision is an immutable event on an item.
type Revision struct {
	Item      PhysicalID // item the revision is recorded against (project for project-level, file for file-level)
	Version   int        // monotonically increasing per-item, >= 1; only meaningful for file revisions
	Timestamp time.Time  // local wall clock, second precision
	User      string
	Comment   string
	Action    Action
}

func (r Revision) String() string {
	return fmt.Sprintf("%s@%d %s %s %s", r.Item, r.Version, r.Timestamp.Format(time.RFC3339), r.User, r.Action.Kind)
}

// Database is the external, random-access contract for the legacy
// store. Implementations must support repeated independent reads -
// RevisionAnalyzer and ReplayEngine each re-read content as needed.
type Database interface {
	// Item returns the current Item record for a physical id, or an
	// error if it cannot be decoded (a Decode error per spec.md §7).
	Item(id PhysicalID) (Item, error)

	// Revisions returns the full, version-ordered revision log for an
	// item. For files this is the global per-file log (spec.md §4.1.2);
	// for projects it is the project's own structural event log.
	Revisions(id PhysicalID) ([]Revision, error)

	// Content returns the byte content of a file at a specific
	// version. Errors here are Content errors (spec.md §7) and must
	// not abort the run.
	Content(id PhysicalID, version int) ([]byte, error)
}
