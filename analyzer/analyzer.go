// Package analyzer implements RevisionAnalyzer (spec.md §4.1): a
// streaming scan of the legacy database's per-item revision logs that
// determines which items are in scope, which have been destroyed, and
// materializes a globally ordered revision stream for ChangesetBuilder.
package analyzer

import (
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/sirupsen/logrus"

	"github.com/vsstransfer/vsstransfer/legacydb"
)

// TimeBucket groups every revision observed at one timestamp, in
// discovery order (spec.md's "SortedRevisions ... list preserves
// discovery order").
type TimeBucket struct {
	Timestamp time.Time
	Revisions []legacydb.Revision
}

// Result is RevisionAnalyzer's full output.
type Result struct {
	SortedRevisions []TimeBucket
	DestroyedSet    map[legacydb.PhysicalID]bool
	RootProjects    []legacydb.PhysicalID
	FileCount       int
	RevisionCount   int
}

// Analyzer walks the legacy project tree and builds Result.
type Analyzer struct {
	db      legacydb.Database
	logger  *logrus.Logger
	exclude []glob.Glob
}

// New compiles the exclusion glob list and returns an Analyzer over db.
// Patterns are anchored at string start, case-insensitive, with `?`
// matching one in-segment character, `*` matching within a segment,
// and `**` crossing segment boundaries (spec.md §4.1).
func New(db legacydb.Database, logger *logrus.Logger, excludePatterns []string) (*Analyzer, error) {
	if logger == nil {
		logger = logrus.New()
	}
	a := &Analyzer{db: db, logger: logger}
	for _, p := range excludePatterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		g, err := glob.Compile(strings.ToLower(p), '/')
		if err != nil {
			return nil, fmt.Errorf("analyzer: invalid exclusion pattern %q: %w", p, err)
		}
		a.exclude = append(a.exclude, g)
	}
	return a, nil
}

func (a *Analyzer) excluded(fullPath string) bool {
	lower := strings.ToLower(fullPath)
	for _, g := range a.exclude {
		if g.Match(lower) {
			return true
		}
	}
	return false
}

// walkState accumulates discovery across the DFS.
type walkState struct {
	visitedProjects map[legacydb.PhysicalID]bool
	inScopeFiles    map[legacydb.PhysicalID]bool
	revisions       []legacydb.Revision
	fileCount       int
}

// Analyze performs the full-tree walk rooted at each of roots (spec.md
// §4.1 Algorithm) and returns the materialized, globally sorted
// revision stream plus the destroyed-item set.
func (a *Analyzer) Analyze(roots []legacydb.PhysicalID) (*Result, error) {
	st := &walkState{
		visitedProjects: make(map[legacydb.PhysicalID]bool),
		inScopeFiles:    make(map[legacydb.PhysicalID]bool),
	}
	var actualRoots []legacydb.PhysicalID
	for _, root := range roots {
		item, err := a.db.Item(root)
		if err != nil {
			a.logger.Errorf("analyzer: skipping root %s: %v", root, err)
			continue
		}
		if item.Kind != legacydb.KindProject {
			a.logger.Errorf("analyzer: root %s is not a project, skipping", root)
			continue
		}
		actualRoots = append(actualRoots, root)
		if err := a.walkProject(st, root, "$/"+item.LogicalName); err != nil {
			return nil, err
		}
	}

	revCount := 0
	for range st.revisions {
		revCount++
	}

	buckets := bucketByTimestamp(st.revisions)
	destroyed := computeDestroyedSet(st.revisions)

	return &Result{
		SortedRevisions: buckets,
		DestroyedSet:    destroyed,
		RootProjects:    actualRoots,
		FileCount:       len(st.inScopeFiles),
		RevisionCount:   revCount,
	}, nil
}

// walkProject enumerates a project's own revisions, recursing into
// projects and recording files introduced by Add/Share/Branch/Recover/
// Restore (spec.md §4.1 step 1-2).
func (a *Analyzer) walkProject(st *walkState, projID legacydb.PhysicalID, fullPath string) error {
	if st.visitedProjects[projID] {
		return nil
	}
	st.visitedProjects[projID] = true

	revs, err := a.db.Revisions(projID)
	if err != nil {
		a.logger.Errorf("analyzer: decode error on project %s, skipping: %v", projID, err)
		return nil
	}
	st.revisions = append(st.revisions, revs...)

	for _, rev := range revs {
		var childID legacydb.PhysicalID
		switch rev.Action.Kind {
		case legacydb.ActionAdd, legacydb.ActionShare, legacydb.ActionBranch,
			legacydb.ActionRecover, legacydb.ActionRestore:
			childID = rev.Action.Target
		default:
			continue
		}
		if childID == "" {
			continue
		}
		child, err := a.db.Item(childID)
		if err != nil {
			a.logger.Errorf("analyzer: decode error on item %s, skipping: %v", childID, err)
			continue
		}
		childPath := path.Join(fullPath, child.LogicalName)
		if child.Kind == legacydb.KindProject {
			if err := a.walkProject(st, childID, childPath); err != nil {
				return err
			}
			continue
		}
		if a.excluded(childPath) {
			a.logger.Debugf("analyzer: excluding %s (matches exclusion glob)", childPath)
			continue
		}
		if st.inScopeFiles[childID] {
			continue
		}
		st.inScopeFiles[childID] = true
		st.fileCount++
		fileRevs, err := a.db.Revisions(childID)
		if err != nil {
			a.logger.Errorf("analyzer: decode error on file %s, skipping: %v", childID, err)
			continue
		}
		st.revisions = append(st.revisions, fileRevs...)
	}
	return nil
}

// bucketByTimestamp groups revs (already in discovery order) into
// TimeBuckets sorted ascending by timestamp, using a stable sort so
// same-timestamp revisions keep their discovery order.
func bucketByTimestamp(revs []legacydb.Revision) []TimeBucket {
	sorted := make([]legacydb.Revision, len(revs))
	copy(sorted, revs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	var buckets []TimeBucket
	for _, rev := range sorted {
		if len(buckets) == 0 || !buckets[len(buckets)-1].Timestamp.Equal(rev.Timestamp) {
			buckets = append(buckets, TimeBucket{Timestamp: rev.Timestamp})
		}
		b := &buckets[len(buckets)-1]
		b.Revisions = append(b.Revisions, rev)
	}
	return buckets
}

// computeDestroyedSet implements spec.md §4.1 step 5: a physical id is
// destroyed iff the last structural action observed against it,
// chronologically, is Destroy (i.e. no later Recover/Add/Share/Restore
// superseded it).
func computeDestroyedSet(revs []legacydb.Revision) map[legacydb.PhysicalID]bool {
	sorted := make([]legacydb.Revision, len(revs))
	copy(sorted, revs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Timestamp.Before(sorted[j].Timestamp) })

	lastAction := make(map[legacydb.PhysicalID]legacydb.ActionKind)
	for _, rev := range sorted {
		switch rev.Action.Kind {
		case legacydb.ActionAdd, legacydb.ActionShare, legacydb.ActionBranch,
			legacydb.ActionRecover, legacydb.ActionRestore, legacydb.ActionDelete, legacydb.ActionDestroy:
			if rev.Action.Target != "" {
				lastAction[rev.Action.Target] = rev.Action.Kind
			}
		}
	}
	destroyed := make(map[legacydb.PhysicalID]bool)
	for id, kind := range lastAction {
		if kind == legacydb.ActionDestroy {
			destroyed[id] = true
		}
	}
	return destroyed
}
