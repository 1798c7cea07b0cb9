package historywriter

import (
	"sort"
	"time"
)

// Call records one invocation against Memory, in call order.
type Call struct {
	Op      string // "init", "setCommitEncoding", "addAll", "remove", "move", "commit", "tag", "checkpoint", "dispose"
	Paths   []string
	Src     string
	Dst     string
	Name    string
	Email   string
	Comment string
	Tagger  string
}

// Memory is an in-memory Writer that records every call for test
// assertions and tracks the resulting tree as a simple path set, so
// tests can assert both on call sequence and net effect.
type Memory struct {
	Calls      []Call
	Encoding   string
	Tree       map[string]bool // paths currently present
	Commits    int
	Tags       []string
	staged     map[string]bool // paths added this changeset
	removed    map[string]bool
	disposed   bool
	commitDone bool
}

// NewMemory returns an empty Memory writer.
func NewMemory() *Memory {
	return &Memory{
		Tree:    make(map[string]bool),
		staged:  make(map[string]bool),
		removed: make(map[string]bool),
	}
}

func (m *Memory) Init() error {
	m.Calls = append(m.Calls, Call{Op: "init"})
	return nil
}

func (m *Memory) SetCommitEncoding(encoding string) error {
	m.Encoding = encoding
	m.Calls = append(m.Calls, Call{Op: "setCommitEncoding", Name: encoding})
	return nil
}

func (m *Memory) AddAll(paths []string) error {
	m.Calls = append(m.Calls, Call{Op: "addAll", Paths: append([]string(nil), paths...)})
	for _, p := range paths {
		m.staged[p] = true
		delete(m.removed, p)
	}
	return nil
}

func (m *Memory) Remove(path string, recursive bool) error {
	m.Calls = append(m.Calls, Call{Op: "remove", Paths: []string{path}})
	if recursive {
		prefix := path + "/"
		for p := range m.Tree {
			if p == path || hasPrefix(p, prefix) {
				m.removed[p] = true
			}
		}
	} else {
		m.removed[path] = true
	}
	delete(m.staged, path)
	return nil
}

func (m *Memory) Move(src, dst string) error {
	m.Calls = append(m.Calls, Call{Op: "move", Src: src, Dst: dst})
	if m.Tree[src] {
		m.removed[src] = true
		m.staged[dst] = true
	}
	prefix := src + "/"
	for p := range m.Tree {
		if hasPrefix(p, prefix) {
			newPath := dst + p[len(src):]
			m.removed[p] = true
			m.staged[newPath] = true
		}
	}
	return nil
}

func (m *Memory) Commit(name, email, comment string, localTimestamp time.Time) (bool, error) {
	m.Calls = append(m.Calls, Call{Op: "commit", Name: name, Email: email, Comment: comment})
	changed := len(m.staged) > 0 || len(m.removed) > 0
	for p := range m.staged {
		m.Tree[p] = true
	}
	for p := range m.removed {
		delete(m.Tree, p)
	}
	m.staged = make(map[string]bool)
	m.removed = make(map[string]bool)
	if changed {
		m.Commits++
	}
	return changed, nil
}

func (m *Memory) Tag(name, taggerName, taggerEmail, message string, localTimestamp time.Time) error {
	m.Calls = append(m.Calls, Call{Op: "tag", Name: name, Tagger: taggerName, Comment: message})
	m.Tags = append(m.Tags, name)
	return nil
}

func (m *Memory) Checkpoint() error {
	m.Calls = append(m.Calls, Call{Op: "checkpoint"})
	return nil
}

func (m *Memory) Dispose() error {
	m.Calls = append(m.Calls, Call{Op: "dispose"})
	m.disposed = true
	return nil
}

// Paths returns the current tree's paths, sorted, for assertions.
func (m *Memory) Paths() []string {
	out := make([]string, 0, len(m.Tree))
	for p := range m.Tree {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
