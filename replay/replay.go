// Package replay implements ReplayEngine (spec.md §4.4): the stateful
// projector that drives PathMapper and HistoryWriter through an
// ordered changeset sequence, materializing file content on disk and
// recording the net tree change of each changeset as one commit, with
// deferred Label→tag emission after the commit it belongs to lands.
package replay

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alitto/pond"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/vsstransfer/vsstransfer/changeset"
	"github.com/vsstransfer/vsstransfer/historywriter"
	"github.com/vsstransfer/vsstransfer/legacydb"
	"github.com/vsstransfer/vsstransfer/node"
	"github.com/vsstransfer/vsstransfer/pathmap"
)

// ContentError wraps a LegacyDatabase content read failure (spec.md
// §7's Content kind: per-revision skip, logged, no commit for that
// write).
type ContentError struct {
	Item    legacydb.PhysicalID
	Version int
	Err     error
}

func (e *ContentError) Error() string {
	return fmt.Sprintf("replay: content error reading %s@%d: %v", e.Item, e.Version, e.Err)
}
func (e *ContentError) Unwrap() error { return e.Err }

// WriterError wraps a HistoryWriter backend call failure (spec.md §7's
// Writer kind: routed through the error policy).
type WriterError struct {
	Op  string
	Err error
}

func (e *WriterError) Error() string { return fmt.Sprintf("replay: writer error during %s: %v", e.Op, e.Err) }
func (e *WriterError) Unwrap() error  { return e.Err }

// Outcome is the error-policy's verdict for a failed Writer call.
type Outcome int

const (
	OutcomeIgnore Outcome = iota
	OutcomeRetry
	OutcomeAbort
)

// ErrorPolicy decides what to do with a WriterError. Content and
// Decode errors are always per-item/per-revision skips (spec.md §7)
// and never consult this policy.
type ErrorPolicy func(err error) Outcome

// Config holds ReplayEngine's external inputs (spec.md §6).
type Config struct {
	EmailDomain            string
	ForceAnnotatedTags     bool
	ExportProjectToGitRoot bool
	DefaultComment         string
	CommitInterval         int // default 1000, per spec.md §4.4
	FromDate               *time.Time
	ToDate                 *time.Time
	IgnoreErrors           bool // unattended mode: policy is always ignore
	ErrorPolicy            ErrorPolicy
	MaxRetries             int // bound on OutcomeRetry loops, default 3
	WorkDir                string
	PondMinWorkers         int // default 4

	// SourceEncoding names the legacy database's comment encoding (e.g.
	// "windows-1252"); Replay always declares SourceEncoding to the
	// backend via SetCommitEncoding, and TranscodeUTF8 additionally asks
	// the engine to transcode comments and label text to UTF-8 before
	// handing them to the writer (spec.md §6/§4.5).
	SourceEncoding string
	TranscodeUTF8  bool
}

// Stats is the optional performance summary spec.md §6 allows as output.
type Stats struct {
	ChangesetsReplayed int
	Committed          int
	SkippedEmpty       int
	FilesWritten       int
	TagsCreated        int
	ContentErrors      int
	WriterErrorsIgnored int
	InvariantNotes     int
}

// pendingLabel is a deferred tag emission (spec.md's "Label... After
// the changeset's commit succeeds, emit an annotated tag").
type pendingLabel struct {
	project legacydb.PhysicalID
	text    string
	user    string
	email   string
	comment string
}

// Engine drives one end-to-end replay run.
type Engine struct {
	db     legacydb.Database
	pm     *pathmap.PathMapper
	writer historywriter.Writer
	logger *logrus.Logger
	cfg    Config
	pool   *pond.WorkerPool

	tree *node.Node // mirrors the teacher's filesOnBranch: currently materialized working paths

	fileVersion map[legacydb.PhysicalID]int // local cache set by Edit and Branch revisions
	usedTags    map[string]bool

	pendingLabels      []pendingLabel
	pendingWritePaths  map[string]bool
	commitsSinceCheckpoint int

	encodingWarned bool // only warn once about an unrecognized SourceEncoding

	cancel <-chan struct{}

	stats Stats
}

// New constructs a ReplayEngine over an already-populated PathMapper
// (callers typically call pm.SetRoot for each configured root project
// before the first changeset, per exportProjectToGitRoot).
func New(db legacydb.Database, pm *pathmap.PathMapper, writer historywriter.Writer, logger *logrus.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.CommitInterval <= 0 {
		cfg.CommitInterval = 1000
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.EmailDomain == "" {
		cfg.EmailDomain = "example.com"
	}
	minWorkers := cfg.PondMinWorkers
	if minWorkers <= 0 {
		minWorkers = 4
	}
	return &Engine{
		db:                db,
		pm:                pm,
		writer:            writer,
		logger:            logger,
		cfg:               cfg,
		pool:              pond.New(minWorkers*4, 0, pond.MinWorkers(minWorkers)),
		tree:              node.NewNode("", true),
		fileVersion:       make(map[legacydb.PhysicalID]int),
		usedTags:          make(map[string]bool),
		pendingWritePaths: make(map[string]bool),
	}
}

// SetCancel installs a cancellation channel polled between revisions
// and between changesets (spec.md §5).
func (e *Engine) SetCancel(cancel <-chan struct{}) { e.cancel = cancel }

func (e *Engine) cancelled() bool {
	if e.cancel == nil {
		return false
	}
	select {
	case <-e.cancel:
		return true
	default:
		return false
	}
}

var actionPriority = map[legacydb.ActionKind]int{
	legacydb.ActionCreate:   0,
	legacydb.ActionLabel:    1,
	legacydb.ActionAdd:      2,
	legacydb.ActionShare:    2,
	legacydb.ActionRecover:  2,
	legacydb.ActionRestore:  2,
	legacydb.ActionMoveFrom: 3,
	legacydb.ActionBranch:   4,
	legacydb.ActionPin:      5,
	legacydb.ActionUnpin:    5,
	legacydb.ActionEdit:     6,
	legacydb.ActionRename:   7,
	legacydb.ActionArchive:  8,
	legacydb.ActionMoveTo:   9,
	legacydb.ActionDelete:   10,
	legacydb.ActionDestroy:  11,
}

// Replay runs every changeset through PathMapper + HistoryWriter and
// returns the run's Stats. Errors returned here are abort-policy
// terminations; everything recoverable is logged and folded into Stats.
func (e *Engine) Replay(changesets []changeset.Changeset) (*Stats, error) {
	if err := e.writer.Init(); err != nil {
		return &e.stats, errors.Wrap(err, "replay: writer init failed")
	}
	defer e.writer.Dispose()

	if err := e.callWriter("setCommitEncoding", func() error { return e.writer.SetCommitEncoding(e.cfg.SourceEncoding) }); err != nil {
		return &e.stats, err
	}

	for _, cs := range changesets {
		if e.cancelled() {
			e.logger.Info("replay: cancellation observed between changesets, stopping")
			return &e.stats, nil
		}
		if e.cfg.ToDate != nil && cs.Timestamp.After(*e.cfg.ToDate) {
			e.logger.Infof("replay: reached toDate at %s, stopping", cs.Timestamp)
			break
		}
		if err := e.replayOne(cs); err != nil {
			return &e.stats, err
		}
	}
	return &e.stats, nil
}

// replayOne applies one changeset's revisions in action-priority order,
// then commits and emits any deferred tags.
func (e *Engine) replayOne(cs changeset.Changeset) error {
	e.stats.ChangesetsReplayed++
	sorted := append([]legacydb.Revision(nil), cs.Revisions...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].Timestamp.Before(sorted[j].Timestamp)
		}
		return actionPriority[sorted[i].Action.Kind] < actionPriority[sorted[j].Action.Kind]
	})

	e.pendingLabels = e.pendingLabels[:0]
	for k := range e.pendingWritePaths {
		delete(e.pendingWritePaths, k)
	}
	var pendingRemoves []string
	var pendingMoves [][2]string

	for _, rev := range sorted {
		if e.cancelled() {
			break
		}
		if err := e.applyRevision(rev, &pendingRemoves, &pendingMoves); err != nil {
			return err
		}
	}

	committed, err := e.commitChangeset(cs, pendingRemoves, pendingMoves)
	if err != nil {
		return err
	}
	if committed {
		e.emitDeferredLabels()
	} else if len(e.pendingLabels) > 0 {
		e.logger.Warnf("replay: %d label(s) dropped, no commit preceded them", len(e.pendingLabels))
	}
	return nil
}

// applyRevision implements the per-action projection rules of spec.md
// §4.4. The Database.Revisions contract records project-level actions
// against the acting project's own id and file-level actions (Edit)
// against the file's global id; see legacydb.Revision/Action field
// docs for which side of a two-party action (MoveFrom/MoveTo,
// Pin/Unpin) carries which id.
func (e *Engine) applyRevision(rev legacydb.Revision, pendingRemoves *[]string, pendingMoves *[][2]string) error {
	a := rev.Action
	switch a.Kind {
	case legacydb.ActionCreate, legacydb.ActionArchive:
		// Create is a no-op (materialization happens via Add); Archive
		// is an opaque export, ignored per spec.md §3.
		return nil

	case legacydb.ActionAdd, legacydb.ActionRestore:
		return e.applyAddLike(rev.Item, a.Target)

	case legacydb.ActionShare:
		if err := e.pm.Share(rev.Item, a.Target); err != nil {
			e.logger.Warnf("replay: %v", err)
			e.stats.InvariantNotes++
			return nil
		}
		return e.materializeFile(a.Target, rev.Item)

	case legacydb.ActionRecover:
		if err := e.pm.Recover(rev.Item, a.Target); err != nil {
			e.logger.Warnf("replay: %v", err)
			e.stats.InvariantNotes++
			return nil
		}
		return e.applyRecoverMaterialize(a.Target)

	case legacydb.ActionMoveFrom:
		return e.applyMoveFrom(a.Source, rev.Item, a.Target, pendingMoves)

	case legacydb.ActionBranch:
		return e.applyBranch(rev.Item, a.Target, a.Source)

	case legacydb.ActionPin:
		return e.pm.Pin(rev.Item, a.Target, a.Version)

	case legacydb.ActionUnpin:
		if err := e.pm.Unpin(rev.Item, a.Target); err != nil {
			return nil
		}
		return e.rewriteFileAt(a.Target, rev.Item)

	case legacydb.ActionEdit:
		return e.applyEdit(rev)

	case legacydb.ActionRename:
		return e.applyRename(a.Target, a.NewName, pendingMoves)

	case legacydb.ActionMoveTo:
		return e.applyMoveTo(rev.Item, a.NewParent, a.Target, pendingRemoves)

	case legacydb.ActionDelete:
		return e.applyDelete(rev.Item, a.Target, pendingRemoves)

	case legacydb.ActionDestroy:
		return e.applyDestroy(a.Target, pendingRemoves)

	case legacydb.ActionLabel:
		e.pendingLabels = append(e.pendingLabels, pendingLabel{
			project: rev.Item,
			text:    a.LabelText,
			user:    rev.User,
			email:   e.synthesizeEmail(rev.User),
			comment: rev.Comment,
		})
		return nil
	}
	return nil
}

func (e *Engine) applyAddLike(parent, target legacydb.PhysicalID) error {
	item, err := e.db.Item(target)
	if err != nil {
		e.logger.Errorf("replay: decode error reading item %s, skipping Add: %v", target, err)
		e.stats.ContentErrors++
		return nil
	}
	e.pm.AddItem(parent, item)
	if item.Kind == legacydb.KindFile {
		return e.materializeFile(target, parent)
	}
	// Project Add: if the project already held content (reachable
	// earlier, or this is effectively a Recover of a containing
	// project), rematerialize its current subtree.
	return e.materializeSubtree(target)
}

func (e *Engine) applyRecoverMaterialize(target legacydb.PhysicalID) error {
	kind, ok := e.pm.Kind(target)
	if !ok {
		return nil
	}
	if kind == legacydb.KindFile {
		projects := e.pm.SharingProjects(target)
		var firstErr error
		for _, p := range projects {
			if err := e.materializeFile(target, p); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
	return e.materializeSubtree(target)
}

func (e *Engine) applyBranch(parent, newFile, oldFile legacydb.PhysicalID) error {
	item, err := e.db.Item(newFile)
	newName := ""
	if err == nil {
		newName = item.LogicalName
	}
	if err := e.pm.BranchFile(parent, newFile, newName, oldFile); err != nil {
		e.logger.Warnf("replay: %v", err)
		e.stats.InvariantNotes++
		return nil
	}
	e.fileVersion[newFile] = e.fileVersion[oldFile]
	return e.materializeFile(newFile, parent)
}

func (e *Engine) applyMoveFrom(oldParent, newParent, project legacydb.PhysicalID, pendingMoves *[][2]string) error {
	oldPath, hadOld := e.pm.GetWorkingPath(project)
	destBefore, destExisted := e.resolveUnder(newParent, e.pm.LogicalName(project))
	destExisted = destExisted && len(e.tree.GetFiles(destBefore)) > 0
	if err := e.pm.MoveFrom(oldParent, newParent, project); err != nil {
		e.logger.Warnf("replay: %v", err)
		e.stats.InvariantNotes++
		return nil
	}
	newPath, hadNew := e.pm.GetWorkingPath(project)
	if !hadOld || !hadNew {
		return nil
	}
	if destExisted && destBefore != oldPath {
		e.removeSubtreeFromTree(destBefore)
		e.removeOnDisk(destBefore)
		*pendingMoves = append(*pendingMoves, [2]string{"__remove__", destBefore})
	}
	e.tree.RenameSubtree(oldPath, newPath)
	e.renameOnDisk(oldPath, newPath)
	e.translatePendingPaths(oldPath, newPath)
	*pendingMoves = append(*pendingMoves, [2]string{oldPath, newPath})
	return nil
}

func (e *Engine) removeOnDisk(p string) {
	if e.cfg.WorkDir == "" {
		return
	}
	full := filepath.Join(e.cfg.WorkDir, filepath.FromSlash(p))
	if err := os.RemoveAll(full); err != nil {
		e.logger.Warnf("replay: remove %s failed: %v", p, err)
	}
}

func (e *Engine) applyMoveTo(oldParent, newParent, project legacydb.PhysicalID, pendingRemoves *[]string) error {
	// Bookkeeping-only: if the project has been destroyed and its
	// directory is now empty, remove it. MoveFrom already performed the
	// authoritative relocation when both appear in the same changeset.
	if !e.pm.IsDestroyed(project) {
		return nil
	}
	if p, ok := e.pm.GetWorkingPath(project); ok && len(e.tree.GetFiles(p)) == 0 {
		*pendingRemoves = append(*pendingRemoves, p)
	}
	return nil
}

func (e *Engine) applyEdit(rev legacydb.Revision) error {
	fileID := rev.Item
	e.fileVersion[fileID] = rev.Version
	e.pm.SetFileVersion(fileID, rev.Version)
	for _, proj := range e.pm.SharingProjects(fileID) {
		if e.pm.IsPinned(fileID, proj) {
			continue
		}
		if err := e.materializeFile(fileID, proj); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) rewriteFileAt(fileID, project legacydb.PhysicalID) error {
	return e.materializeFile(fileID, project)
}

func (e *Engine) applyRename(target legacydb.PhysicalID, newName string, pendingMoves *[][2]string) error {
	oldPath, hadOld := e.pm.GetWorkingPath(target)
	if err := e.pm.Rename(target, newName); err != nil {
		e.logger.Warnf("replay: %v", err)
		e.stats.InvariantNotes++
		return nil
	}
	newPath, hadNew := e.pm.GetWorkingPath(target)
	if !hadOld || !hadNew {
		return nil
	}
	kind, _ := e.pm.Kind(target)
	if kind == legacydb.KindProject {
		e.tree.RenameSubtree(oldPath, newPath)
	} else {
		if e.tree.FindFile(oldPath) {
			e.tree.DeleteFile(oldPath)
		}
		e.tree.AddFile(newPath)
	}
	e.renameOnDisk(oldPath, newPath)
	*pendingMoves = append(*pendingMoves, [2]string{oldPath, newPath})
	e.translatePendingPaths(oldPath, newPath)
	return nil
}

// renameOnDisk physically relocates a previously-materialized path so
// later writes in the same run (which resolve paths via PathMapper's
// already-updated state) find the file at its new location. Best
// effort: a missing source is normal the first time an item is
// renamed before ever being materialized on disk.
func (e *Engine) renameOnDisk(oldPath, newPath string) {
	if e.cfg.WorkDir == "" || oldPath == newPath {
		return
	}
	oldFull := filepath.Join(e.cfg.WorkDir, filepath.FromSlash(oldPath))
	newFull := filepath.Join(e.cfg.WorkDir, filepath.FromSlash(newPath))
	if _, err := os.Stat(oldFull); err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(newFull), 0o755); err != nil {
		e.logger.Warnf("replay: mkdir for rename %s -> %s failed: %v", oldPath, newPath, err)
		return
	}
	if err := os.Rename(oldFull, newFull); err != nil {
		e.logger.Warnf("replay: rename %s -> %s failed: %v", oldPath, newPath, err)
	}
}

func (e *Engine) applyDelete(parent, target legacydb.PhysicalID, pendingRemoves *[]string) error {
	kind, ok := e.pm.Kind(target)
	if !ok {
		e.logger.Warnf("replay: Delete of unknown item %s", target)
		e.stats.InvariantNotes++
		return nil
	}
	if kind == legacydb.KindFile {
		if e.siblingSharesName(parent, target) {
			return e.pm.Delete(parent, target)
		}
		for _, p := range e.pm.GetFilePaths(target, parent) {
			*pendingRemoves = append(*pendingRemoves, p)
			e.tree.DeleteFile(p)
		}
		return e.pm.Delete(parent, target)
	}
	files := e.pm.FilesUnderProject(target)
	if len(files) > 0 {
		if p, ok := e.pm.GetWorkingPath(target); ok {
			*pendingRemoves = append(*pendingRemoves, p)
			e.removeSubtreeFromTree(p)
		}
	} else if p, ok := e.pm.GetWorkingPath(target); ok {
		*pendingRemoves = append(*pendingRemoves, p)
	}
	return e.pm.Delete(parent, target)
}

func (e *Engine) applyDestroy(target legacydb.PhysicalID, pendingRemoves *[]string) error {
	kind, ok := e.pm.Kind(target)
	if ok && kind == legacydb.KindFile {
		for _, p := range e.pm.GetFilePaths(target, "") {
			*pendingRemoves = append(*pendingRemoves, p)
			e.tree.DeleteFile(p)
		}
	} else if ok {
		if p, ok := e.pm.GetWorkingPath(target); ok {
			*pendingRemoves = append(*pendingRemoves, p)
			e.removeSubtreeFromTree(p)
		}
	}
	return e.pm.Destroy(target)
}

// siblingSharesName reports whether parent already contains another
// non-destroyed file with the same logical name as target (spec.md
// §4.4's Delete/Destroy guard against double-removal of a shared slot).
func (e *Engine) siblingSharesName(parent, target legacydb.PhysicalID) bool {
	name := e.pm.LogicalName(target)
	for _, sib := range e.pm.Children(parent) {
		if sib == target {
			continue
		}
		if strings.EqualFold(e.pm.LogicalName(sib), name) && !e.pm.IsDestroyed(sib) {
			return true
		}
	}
	return false
}

func (e *Engine) resolveUnder(parent legacydb.PhysicalID, name string) (string, bool) {
	base, ok := e.pm.GetWorkingPath(parent)
	if !ok {
		return "", false
	}
	return filepath.ToSlash(filepath.Join(base, name)), true
}

// removeSubtreeFromTree drops every file registered under dir from the
// working-path tree (dir itself is never a leaf, so a plain
// DeleteFile/DeleteSubFile call on it would silently no-op).
func (e *Engine) removeSubtreeFromTree(dir string) {
	for _, f := range e.tree.GetFiles(dir) {
		e.tree.DeleteFile(f)
	}
}

// translatePendingPaths rewrites any pendingWritePaths entries still
// referring to oldPrefix onto newPrefix, case-insensitively, per
// spec.md §4.4's Rename/MoveFrom projection rules.
func (e *Engine) translatePendingPaths(oldPrefix, newPrefix string) {
	lower := strings.ToLower(oldPrefix)
	for p := range e.pendingWritePaths {
		lp := strings.ToLower(p)
		if lp == lower {
			delete(e.pendingWritePaths, p)
			e.pendingWritePaths[newPrefix] = true
			continue
		}
		if strings.HasPrefix(lp, lower+"/") {
			delete(e.pendingWritePaths, p)
			e.pendingWritePaths[newPrefix+p[len(oldPrefix):]] = true
		}
	}
}

// materializeSubtree rewrites every currently-contained file of
// project at its current effective version (spec.md's "recursively
// materialize all currently contained files at their current
// versions").
func (e *Engine) materializeSubtree(project legacydb.PhysicalID) error {
	files := e.pm.FilesUnderProject(project)
	var firstErr error
	for _, f := range files {
		for _, p := range e.pm.SharingProjects(f) {
			if err := e.materializeFile(f, p); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// materializeFile writes fileID's effective content (pin-aware) to its
// working path under project. The content is read on the calling
// thread and the file writes fan out through the pond pool (spec.md
// §5: auxiliary worker threads for I/O, single producer for state
// mutation). HistoryWriter is not called here; the only PathMapper
// change is bootstrapping an unset version to 1.
func (e *Engine) materializeFile(fileID, project legacydb.PhysicalID) error {
	paths := e.pm.GetFilePaths(fileID, project)
	if len(paths) == 0 {
		return nil
	}
	version := e.pm.EffectiveVersion(fileID, project)
	if version == 0 {
		version = 1
		e.pm.SetFileVersion(fileID, 1)
	}
	content, err := e.db.Content(fileID, version)
	if err != nil {
		e.logger.Errorf("replay: content error for %s@%d, skipping write: %v", fileID, version, err)
		e.stats.ContentErrors++
		return nil
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var writeErr error
	for _, p := range paths {
		p := p
		wg.Add(1)
		e.pool.Submit(func() {
			defer wg.Done()
			if err := e.writeBytes(p, content); err != nil {
				mu.Lock()
				if writeErr == nil {
					writeErr = err
				}
				mu.Unlock()
				return
			}
			mu.Lock()
			e.pendingWritePaths[p] = true
			e.tree.AddFile(p)
			mu.Unlock()
		})
	}
	wg.Wait()
	if writeErr != nil {
		return errors.Wrap(writeErr, "replay: materializeFile")
	}
	e.stats.FilesWritten += len(paths)
	return nil
}

func (e *Engine) writeBytes(relPath string, content []byte) error {
	if e.cfg.WorkDir == "" {
		return nil // no filesystem sink configured (e.g. a pure-Memory-writer unit test)
	}
	full := filepath.Join(e.cfg.WorkDir, filepath.FromSlash(relPath))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, content, 0o644)
}

// commitChangeset stages pendingWritePaths/removes/moves and calls
// Commit, running every Writer call through the error policy.
func (e *Engine) commitChangeset(cs changeset.Changeset, removes []string, moves [][2]string) (bool, error) {
	var addPaths []string
	for p := range e.pendingWritePaths {
		addPaths = append(addPaths, p)
	}
	sort.Strings(addPaths)

	if len(addPaths) > 0 {
		if err := e.callWriter("addAll", func() error { return e.writer.AddAll(addPaths) }); err != nil {
			return false, err
		}
	}
	for _, mv := range moves {
		if mv[0] == "__remove__" {
			if err := e.callWriter("remove", func() error { return e.writer.Remove(mv[1], true) }); err != nil {
				return false, err
			}
			continue
		}
		if err := e.callWriter("move", func() error { return e.writer.Move(mv[0], mv[1]) }); err != nil {
			return false, err
		}
	}
	for _, p := range removes {
		p := p
		if err := e.callWriter("remove", func() error { return e.writer.Remove(p, true) }); err != nil {
			return false, err
		}
		e.removeOnDisk(p)
	}

	if e.cfg.FromDate != nil && cs.Timestamp.Before(*e.cfg.FromDate) {
		// Replayed against PathMapper to build correct state, but not
		// committed yet (spec.md §4.4's date-range windowing).
		return false, nil
	}

	comment := cs.Comment
	if comment == "" {
		comment = e.cfg.DefaultComment
	}
	comment = e.transcodeToUTF8(comment)
	email := e.synthesizeEmail(cs.User)

	var changed bool
	err := e.callWriter("commit", func() error {
		var cerr error
		changed, cerr = e.writer.Commit(cs.User, email, comment, cs.Timestamp)
		return cerr
	})
	if err != nil {
		return false, err
	}
	if !changed {
		e.stats.SkippedEmpty++
		return false, nil
	}
	e.stats.Committed++
	e.commitsSinceCheckpoint++
	if e.commitsSinceCheckpoint >= e.cfg.CommitInterval {
		e.commitsSinceCheckpoint = 0
		if err := e.callWriter("checkpoint", e.writer.Checkpoint); err != nil {
			return false, err
		}
	}
	return true, nil
}

// emitDeferredLabels runs after a successful commit, converting each
// pendingLabel into an annotated tag with a collision-safe name.
func (e *Engine) emitDeferredLabels() {
	for _, l := range e.pendingLabels {
		name := e.uniqueTagName(tagNameFromLabel(l.text))
		msg := l.comment
		if msg == "" && e.cfg.ForceAnnotatedTags {
			msg = l.text
		}
		msg = e.transcodeToUTF8(msg)
		if err := e.callWriter("tag", func() error {
			return e.writer.Tag(name, l.user, l.email, msg, time.Now())
		}); err != nil {
			e.logger.Warnf("replay: tag %q failed: %v", name, err)
			continue
		}
		e.stats.TagsCreated++
	}
	e.pendingLabels = nil
}

// tagNameFromLabel replaces any run of non [A-Za-z0-9_-] characters
// with a single underscore (spec.md §4.4).
func tagNameFromLabel(text string) string {
	var b strings.Builder
	inRun := false
	for _, r := range text {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			b.WriteRune(r)
			inRun = false
			continue
		}
		if !inRun {
			b.WriteByte('_')
			inRun = true
		}
	}
	name := b.String()
	if name == "" {
		name = "label"
	}
	return name
}

// uniqueTagName resolves collisions case-insensitively by appending
// -2, -3, ... (spec.md §4.4: "compared case-insensitively because the
// target history may be case-insensitive").
func (e *Engine) uniqueTagName(base string) string {
	lower := strings.ToLower(base)
	if !e.usedTags[lower] {
		e.usedTags[lower] = true
		return base
	}
	for i := 2; ; i++ {
		candidate := base + "-" + strconv.Itoa(i)
		lc := strings.ToLower(candidate)
		if !e.usedTags[lc] {
			e.usedTags[lc] = true
			return candidate
		}
	}
}

func (e *Engine) synthesizeEmail(user string) string {
	local := strings.ReplaceAll(strings.ToLower(user), " ", ".")
	return local + "@" + e.cfg.EmailDomain
}

// callWriter runs fn and routes any error through the error policy:
// retry (bounded), ignore, or abort.
func (e *Engine) callWriter(op string, fn func() error) error {
	policy := e.cfg.ErrorPolicy
	if policy == nil {
		policy = func(error) Outcome {
			if e.cfg.IgnoreErrors {
				return OutcomeIgnore
			}
			return OutcomeAbort
		}
	}
	attempts := 0
	for {
		err := fn()
		if err == nil {
			return nil
		}
		werr := &WriterError{Op: op, Err: err}
		switch policy(werr) {
		case OutcomeIgnore:
			e.logger.Warnf("replay: ignoring writer error: %v", werr)
			e.stats.WriterErrorsIgnored++
			return nil
		case OutcomeRetry:
			attempts++
			if attempts >= e.cfg.MaxRetries {
				return errors.Wrap(werr, "replay: writer error exceeded retry budget")
			}
			continue
		default:
			return werr
		}
	}
}

// Close releases the content-materialization worker pool. Call after
// Replay returns, on every exit path (spec.md §5's scoped acquisition).
func (e *Engine) Close() {
	e.pool.StopAndWait()
}

// StatsSnapshot returns a copy of the run's counters.
func (e *Engine) StatsSnapshot() Stats { return e.stats }
