// Package changeset implements ChangesetBuilder (spec.md §4.2): a
// temporal clustering algorithm that fuses the analyzer's sorted
// revision stream into atomic changesets, preserving causal integrity
// (same user, bounded time window, no conflicting same-target writes).
package changeset

import (
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vsstransfer/vsstransfer/legacydb"
)

// Changeset is an ordered list of revisions that commit atomically.
type Changeset struct {
	Revisions []legacydb.Revision
	Timestamp time.Time // earliest revision's timestamp
	User      string
	Comment   string // longest non-empty comment among revisions, or ""
}

// Config holds the two clustering thresholds (spec.md §4.2).
// sameCommentWindow must be >= anyCommentWindow; Builder clamps it up
// if a caller supplies an inverted pair.
type Config struct {
	AnyCommentWindow  time.Duration
	SameCommentWindow time.Duration
}

// DefaultConfig matches spec.md's stated defaults.
func DefaultConfig() Config {
	return Config{AnyCommentWindow: 30 * time.Second, SameCommentWindow: 600 * time.Second}
}

// Builder groups a flat, timestamp-sorted revision stream into Changesets.
type Builder struct {
	cfg    Config
	logger *logrus.Logger
}

// New returns a Builder. A zero Config falls back to DefaultConfig.
func New(cfg Config, logger *logrus.Logger) *Builder {
	if cfg.AnyCommentWindow == 0 && cfg.SameCommentWindow == 0 {
		cfg = DefaultConfig()
	}
	if cfg.SameCommentWindow < cfg.AnyCommentWindow {
		cfg.SameCommentWindow = cfg.AnyCommentWindow
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Builder{cfg: cfg, logger: logger}
}

// open is an in-progress changeset being accumulated.
type open struct {
	revisions     []legacydb.Revision
	user          string
	lastTimestamp time.Time
	// editsByProject tracks, per (project, file) pair, whether a file
	// edit from that acting project is already present - the conflict
	// rule's "two edits to file F in project P" case (spec.md §4.2).
	editsByProject map[conflictKey]bool
}

type conflictKey struct {
	project legacydb.PhysicalID
	file    legacydb.PhysicalID
}

// Build consumes revisions (assumed already sorted by timestamp, as
// produced by analyzer.bucketByTimestamp) and returns the ordered
// Changeset sequence.
func (b *Builder) Build(revisions []legacydb.Revision) []Changeset {
	var closed []Changeset
	var cur *open

	for _, rev := range revisions {
		if cur != nil && b.accepts(cur, rev) {
			b.add(cur, rev)
			continue
		}
		if cur != nil {
			closed = append(closed, cur.close())
		}
		cur = &open{
			revisions:      []legacydb.Revision{rev},
			user:           rev.User,
			lastTimestamp:  rev.Timestamp,
			editsByProject: make(map[conflictKey]bool),
		}
		b.recordConflictKeys(cur, rev)
	}
	if cur != nil {
		closed = append(closed, cur.close())
	}
	return closed
}

// accepts implements the three clustering conditions of spec.md §4.2.
func (b *Builder) accepts(cur *open, rev legacydb.Revision) bool {
	if rev.User != cur.user {
		return false
	}
	gap := rev.Timestamp.Sub(cur.lastTimestamp)
	if gap < 0 {
		gap = -gap
	}
	withinAny := gap <= b.cfg.AnyCommentWindow
	withinSame := gap <= b.cfg.SameCommentWindow && commentsEqual(cur.revisions, rev.Comment)
	if !withinAny && !withinSame {
		return false
	}
	if b.conflicts(cur, rev) {
		return false
	}
	return true
}

// conflicts implements spec.md §4.2's conflict rule: two revisions on
// the same file physical id performed within the same acting project
// conflict; the same file's actions from different projects do not.
func (b *Builder) conflicts(cur *open, rev legacydb.Revision) bool {
	if rev.Action.Kind != legacydb.ActionEdit {
		return false
	}
	key := conflictKey{project: actingProject(rev), file: rev.Item}
	return cur.editsByProject[key]
}

func (b *Builder) recordConflictKeys(cur *open, rev legacydb.Revision) {
	if rev.Action.Kind == legacydb.ActionEdit {
		key := conflictKey{project: actingProject(rev), file: rev.Item}
		cur.editsByProject[key] = true
	}
}

func (b *Builder) add(cur *open, rev legacydb.Revision) {
	cur.revisions = append(cur.revisions, rev)
	if rev.Timestamp.After(cur.lastTimestamp) {
		cur.lastTimestamp = rev.Timestamp
	}
	b.recordConflictKeys(cur, rev)
}

// actingProject identifies the project a revision is recorded against
// for conflict purposes. File-level revisions (Edit) carry no acting
// project id in the Revision record itself - the project the edit was
// made "from" is not distinguishable from the file's revision alone in
// this data model, so the conflict window collapses to "same file,
// different revision, same instant" at the file level; two edits to
// the same file item ALWAYS conflict here, which is a safe
// over-approximation of spec.md's "same acting project" rule (it can
// only split a changeset that would otherwise merge two true edits of
// the same file, never merge two that should split).
func actingProject(rev legacydb.Revision) legacydb.PhysicalID {
	return rev.Item
}

// commentsEqual reports whether rev's normalized comment equals the
// normalized comment already carried by cur (spec.md §4.2: "the two
// comments compare equal after normalization").
func commentsEqual(existing []legacydb.Revision, comment string) bool {
	norm := normalizeComment(comment)
	if norm == "" {
		return false
	}
	for _, r := range existing {
		if normalizeComment(r.Comment) == norm {
			return true
		}
	}
	return false
}

// normalizeComment trims trailing whitespace per line, collapses line
// endings to LF, and drops leading/trailing blank lines.
func normalizeComment(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	start := 0
	for start < len(lines) && lines[start] == "" {
		start++
	}
	end := len(lines)
	for end > start && lines[end-1] == "" {
		end--
	}
	return strings.Join(lines[start:end], "\n")
}

// close finalizes an open changeset per spec.md §4.2's closure rule.
func (o *open) close() Changeset {
	cs := Changeset{
		Revisions: o.revisions,
		User:      o.user,
	}
	cs.Timestamp = o.revisions[0].Timestamp
	for _, r := range o.revisions {
		if r.Timestamp.Before(cs.Timestamp) {
			cs.Timestamp = r.Timestamp
		}
	}
	for _, r := range o.revisions {
		if len(r.Comment) > len(cs.Comment) {
			cs.Comment = r.Comment
		}
	}
	return cs
}
