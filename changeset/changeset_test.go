package changeset

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vsstransfer/vsstransfer/legacydb"
)

func at(seconds int) time.Time {
	return time.Date(2024, 1, 1, 12, 0, seconds, 0, time.UTC)
}

func TestSameUserWithinWindowClusters(t *testing.T) {
	b := New(DefaultConfig(), nil)
	revs := []legacydb.Revision{
		{Item: "a", User: "alice", Timestamp: at(0), Action: legacydb.Action{Kind: legacydb.ActionAdd, Target: "f1"}},
		{Item: "a", User: "alice", Timestamp: at(5), Action: legacydb.Action{Kind: legacydb.ActionAdd, Target: "f2"}},
	}
	out := b.Build(revs)
	assert.Len(t, out, 1)
	assert.Len(t, out[0].Revisions, 2)
}

func TestDifferentUserSplits(t *testing.T) {
	b := New(DefaultConfig(), nil)
	revs := []legacydb.Revision{
		{Item: "a", User: "alice", Timestamp: at(0), Action: legacydb.Action{Kind: legacydb.ActionAdd, Target: "f1"}},
		{Item: "a", User: "bob", Timestamp: at(1), Action: legacydb.Action{Kind: legacydb.ActionAdd, Target: "f2"}},
	}
	out := b.Build(revs)
	assert.Len(t, out, 2)
}

func TestGapBeyondAnyWindowSplitsWithoutMatchingComment(t *testing.T) {
	b := New(DefaultConfig(), nil)
	revs := []legacydb.Revision{
		{Item: "a", User: "alice", Timestamp: at(0), Comment: "one", Action: legacydb.Action{Kind: legacydb.ActionAdd, Target: "f1"}},
		{Item: "a", User: "alice", Timestamp: at(60), Comment: "two", Action: legacydb.Action{Kind: legacydb.ActionAdd, Target: "f2"}},
	}
	out := b.Build(revs)
	assert.Len(t, out, 2)
}

func TestSameCommentWithinLongerWindowClusters(t *testing.T) {
	b := New(DefaultConfig(), nil)
	revs := []legacydb.Revision{
		{Item: "a", User: "alice", Timestamp: at(0), Comment: "checkpoint", Action: legacydb.Action{Kind: legacydb.ActionAdd, Target: "f1"}},
		{Item: "a", User: "alice", Timestamp: at(120), Comment: "checkpoint", Action: legacydb.Action{Kind: legacydb.ActionAdd, Target: "f2"}},
	}
	out := b.Build(revs)
	assert.Len(t, out, 1)
	assert.Equal(t, "checkpoint", out[0].Comment)
}

func TestCommentNormalizationIgnoresTrailingWhitespaceAndLineEndings(t *testing.T) {
	b := New(DefaultConfig(), nil)
	revs := []legacydb.Revision{
		{Item: "a", User: "alice", Timestamp: at(0), Comment: "line1  \r\nline2", Action: legacydb.Action{Kind: legacydb.ActionAdd, Target: "f1"}},
		{Item: "a", User: "alice", Timestamp: at(120), Comment: "\nline1\nline2\n", Action: legacydb.Action{Kind: legacydb.ActionAdd, Target: "f2"}},
	}
	out := b.Build(revs)
	assert.Len(t, out, 1)
}

func TestConflictingEditsOnSameFileSplit(t *testing.T) {
	b := New(DefaultConfig(), nil)
	revs := []legacydb.Revision{
		{Item: "f1", User: "alice", Timestamp: at(0), Action: legacydb.Action{Kind: legacydb.ActionEdit, Target: "f1"}},
		{Item: "f1", User: "alice", Timestamp: at(1), Action: legacydb.Action{Kind: legacydb.ActionEdit, Target: "f1"}},
	}
	out := b.Build(revs)
	assert.Len(t, out, 2)
}

func TestCrossProjectActionsOnSharedFileDoNotConflict(t *testing.T) {
	b := New(DefaultConfig(), nil)
	revs := []legacydb.Revision{
		{Item: "proj-a", User: "alice", Timestamp: at(0), Action: legacydb.Action{Kind: legacydb.ActionAdd, Target: "shared"}},
		{Item: "proj-b", User: "alice", Timestamp: at(1), Action: legacydb.Action{Kind: legacydb.ActionShare, Target: "shared"}},
	}
	out := b.Build(revs)
	assert.Len(t, out, 1)
}

func TestClosureTakesEarliestTimestampAndLongestComment(t *testing.T) {
	b := New(DefaultConfig(), nil)
	revs := []legacydb.Revision{
		{Item: "a", User: "alice", Timestamp: at(5), Comment: "short", Action: legacydb.Action{Kind: legacydb.ActionAdd, Target: "f1"}},
		{Item: "a", User: "alice", Timestamp: at(0), Comment: "a much longer comment", Action: legacydb.Action{Kind: legacydb.ActionAdd, Target: "f2"}},
	}
	out := b.Build(revs)
	assert.Len(t, out, 1)
	assert.Equal(t, at(0), out[0].Timestamp)
	assert.Equal(t, "a much longer comment", out[0].Comment)
}

func TestEmptyCommentsYieldEmptyClosureComment(t *testing.T) {
	b := New(DefaultConfig(), nil)
	revs := []legacydb.Revision{
		{Item: "a", User: "alice", Timestamp: at(0), Action: legacydb.Action{Kind: legacydb.ActionAdd, Target: "f1"}},
	}
	out := b.Build(revs)
	assert.Equal(t, "", out[0].Comment)
}

func TestSameCommentWindowClampedUpWhenInverted(t *testing.T) {
	b := New(Config{AnyCommentWindow: 100 * time.Second, SameCommentWindow: 10 * time.Second}, nil)
	assert.Equal(t, 100*time.Second, b.cfg.SameCommentWindow)
}
