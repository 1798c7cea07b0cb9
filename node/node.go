// Package node implements a directory-shaped tree used by ReplayEngine
// to track, for a project subtree, which working paths are currently
// materialized. Adapted from the teacher's git-branch-content tree
// (used there to reconcile renames/deletes/copies against a git
// branch); here it tracks the working-path tree of a history-graph
// project instead of a git branch, and gains move/rename-in-place
// operations the original didn't need.
package node

import "strings"

// Node is one path segment of the tree. A leaf (IsFile) carries the
// full working path it represents; interior nodes are directories.
type Node struct {
	Name            string
	Path            string
	IsFile          bool
	CaseInsensitive bool
	Children        []*Node
}

func (n *Node) stringEqual(s1, s2 string) bool {
	if n.CaseInsensitive {
		return len(s1) == len(s2) && strings.EqualFold(s1, s2)
	}
	return len(s1) == len(s2) && s1 == s2
}

// NewNode constructs an empty directory node.
func NewNode(name string, caseInsensitive bool) *Node {
	return &Node{Name: name, CaseInsensitive: caseInsensitive}
}

// AddSubFile registers a file at fullPath, recursing via subPath (the
// remaining path components relative to n).
func (n *Node) AddSubFile(fullPath string, subPath string) {
	parts := strings.Split(subPath, "/")
	if len(parts) == 1 {
		for _, c := range n.Children {
			if n.stringEqual(c.Name, parts[0]) {
				return // file already registered
			}
		}
		n.Children = append(n.Children, &Node{Name: parts[0], IsFile: true, Path: fullPath, CaseInsensitive: n.CaseInsensitive})
	} else {
		for _, c := range n.Children {
			if n.stringEqual(c.Name, parts[0]) {
				c.AddSubFile(fullPath, strings.Join(parts[1:], "/"))
				return
			}
		}
		n.Children = append(n.Children, NewNode(parts[0], n.CaseInsensitive))
		n.Children[len(n.Children)-1].AddSubFile(fullPath, strings.Join(parts[1:], "/"))
	}
}

// DeleteSubFile removes a previously registered file. Deleting a path
// that was never added is a silent no-op (spec.md's Delete/Destroy
// projection rules tolerate this - a destroyed file may never have
// been materialized on this branch of the tree).
func (n *Node) DeleteSubFile(fullPath string, subPath string) {
	parts := strings.Split(subPath, "/")
	if len(parts) == 1 {
		i := 0
		var c *Node
		found := false
		for i, c = range n.Children {
			if n.stringEqual(c.Name, parts[0]) {
				found = true
				break
			}
		}
		if i < len(n.Children) && found {
			n.Children[i] = n.Children[len(n.Children)-1]
			n.Children = n.Children[:len(n.Children)-1]
		}
	} else {
		for _, c := range n.Children {
			if n.stringEqual(c.Name, parts[0]) {
				c.DeleteSubFile(fullPath, strings.Join(parts[1:], "/"))
				return
			}
		}
	}
}

func (n *Node) AddFile(path string) {
	n.AddSubFile(path, path)
}

func (n *Node) DeleteFile(path string) {
	n.DeleteSubFile(path, path)
}

func (n *Node) getChildFiles() []string {
	files := make([]string, 0)
	for _, c := range n.Children {
		if c.IsFile {
			files = append(files, c.Path)
		} else {
			files = append(files, c.getChildFiles()...)
		}
	}
	return files
}

// GetFiles returns every file currently registered under dirName
// (a "" dirName on the root node returns every file in the tree).
func (n *Node) GetFiles(dirName string) []string {
	files := make([]string, 0)
	if n.Name == "" && dirName == "" {
		files = append(files, n.getChildFiles()...)
		return files
	}
	parts := strings.Split(dirName, "/")
	if len(parts) == 1 {
		for _, c := range n.Children {
			if n.stringEqual(c.Name, parts[0]) {
				if c.IsFile {
					files = append(files, c.Path)
				} else {
					files = append(files, c.getChildFiles()...)
				}
			}
		}
		return files
	}
	for _, c := range n.Children {
		if n.stringEqual(c.Name, parts[0]) {
			return c.GetFiles(strings.Join(parts[1:], "/"))
		}
	}
	return files
}

// FindFile returns true iff a single file with exactly this path is registered.
func (n *Node) FindFile(fileName string) bool {
	parts := strings.Split(fileName, "/")
	dir := ""
	if len(parts) > 1 {
		dir = strings.Join(parts[:len(parts)-1], "/")
	}
	files := n.GetFiles(dir)
	for _, f := range files {
		if n.stringEqual(f, fileName) {
			return true
		}
	}
	return false
}

// RenameSubtree moves every file registered under oldDir to the same
// relative position under newDir, rewriting each Path. Used by
// ReplayEngine's Rename and MoveFrom projections for directory
// (project) renames,
// including case-only renames (spec.md §4.3 "two-step rename through
// a temporary name" - the temp-name step is the caller's concern;
// RenameSubtree just needs the final path set rewritten once).
func (n *Node) RenameSubtree(oldDir, newDir string) {
	files := n.GetFiles(oldDir)
	for _, f := range files {
		n.DeleteSubFile(f, f)
	}
	for _, f := range files {
		suffix := strings.TrimPrefix(f, oldDir)
		n.AddFile(newDir + suffix)
	}
}

// MoveSubtree relocates every file registered under oldDir to newDir;
// it is the same operation as RenameSubtree.
func (n *Node) MoveSubtree(oldDir, newDir string) {
	n.RenameSubtree(oldDir, newDir)
}
