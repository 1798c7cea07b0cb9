// Package historywriter defines HistoryWriter (spec.md §4.5): the
// backend-neutral contract ReplayEngine drives strictly serially to
// persist tree snapshots into the target content-addressed history.
//
// Three backends are named in spec.md §6 (native-process, managed-lib,
// streaming-pipe); only streaming-pipe is implemented here as a real
// git-fast-import stream writer (FastImportPipe) - the teacher itself
// is a fast-import *producer* (it parses the same wire format via
// rcowham/go-libgitfastimport in main.go), so emitting that format is
// squarely within this corpus's domain. Memory is an in-memory test
// double recording every call, in the spirit of the teacher's
// testInput/testOutput fixture style.
package historywriter

import "time"

// Writer is the abstract HistoryWriter contract (spec.md §4.5). The
// engine calls these strictly serially; implementations make no
// concurrency guarantees of their own.
type Writer interface {
	// Init prepares the backend to accept writes. Idempotent on an
	// empty target.
	Init() error

	// SetCommitEncoding declares the encoding of commit messages.
	SetCommitEncoding(encoding string) error

	// AddAll stages a subset of changed paths. Paths may include
	// non-existent paths to signal deletions.
	AddAll(paths []string) error

	// Remove stages a delete.
	Remove(path string, recursive bool) error

	// Move stages a move; both paths are absolute inside the working
	// directory.
	Move(src, dst string) error

	// Commit commits staged changes, returning false if the net tree
	// diff is empty (no commit was actually recorded).
	Commit(name, email, comment string, localTimestamp time.Time) (bool, error)

	// Tag creates an annotated tag pointing at the most recent commit.
	Tag(name, taggerName, taggerEmail, message string, localTimestamp time.Time) error

	// Checkpoint is an optional compaction/flush hint.
	Checkpoint() error

	// Dispose flushes and finalizes the backend. Critical for
	// streaming backends; always called on every exit path.
	Dispose() error
}

// UnsupportedBackendError is returned by cmd/vsstransfer's newWriter
// for a named backend that
// spec.md §1 treats as an external collaborator with a fixed contract
// but that this distribution does not implement.
type UnsupportedBackendError struct {
	Backend string
}

func (e *UnsupportedBackendError) Error() string {
	return "historywriter: backend " + e.Backend + " is not built in this distribution"
}

const (
	BackendNativeProcess = "native-process"
	BackendManagedLib    = "managed-lib"
	BackendStreamingPipe = "streaming-pipe"
)
