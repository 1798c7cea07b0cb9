package legacydb

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	yaml "gopkg.in/yaml.v2"
)

// manifestAction is the YAML-decodable mirror of Action: the legacy
// binary decoder is out of scope (spec.md §1), so --legacy-root points
// at a manifest of this shape plus a content/ directory holding raw
// bytes, instead of the real on-disk VSS database.
type manifestAction struct {
	Kind        string `yaml:"kind"`
	Target      string `yaml:"target"`
	Source      string `yaml:"source"`
	NewParent   string `yaml:"new_parent"`
	OldName     string `yaml:"old_name"`
	NewName     string `yaml:"new_name"`
	Version     int    `yaml:"version"`
	ArchivePath string `yaml:"archive_path"`
	LabelText   string `yaml:"label_text"`
}

var manifestActionKinds = map[string]ActionKind{
	"create":    ActionCreate,
	"add":       ActionAdd,
	"share":     ActionShare,
	"branch":    ActionBranch,
	"pin":       ActionPin,
	"unpin":     ActionUnpin,
	"rename":    ActionRename,
	"move_from": ActionMoveFrom,
	"move_to":   ActionMoveTo,
	"delete":    ActionDelete,
	"recover":   ActionRecover,
	"destroy":   ActionDestroy,
	"archive":   ActionArchive,
	"restore":   ActionRestore,
	"label":     ActionLabel,
	"edit":      ActionEdit,
}

type manifestItem struct {
	ID          string `yaml:"id"`
	Kind        string `yaml:"kind"` // "file" | "project"
	LogicalName string `yaml:"logical_name"`
}

type manifestRevision struct {
	Item      string          `yaml:"item"`
	Version   int             `yaml:"version"`
	Timestamp string          `yaml:"timestamp"` // RFC3339
	User      string          `yaml:"user"`
	Comment   string          `yaml:"comment"`
	Action    manifestAction  `yaml:"action"`
}

type manifestContent struct {
	Item    string `yaml:"item"`
	Version int    `yaml:"version"`
	File    string `yaml:"file"` // path relative to the manifest's directory
}

type manifest struct {
	Items     []manifestItem     `yaml:"items"`
	Revisions []manifestRevision `yaml:"revisions"`
	Content   []manifestContent  `yaml:"content"`
}

// LoadFixtureFile reads a manifest.yaml (plus sibling content files it
// references) into a Fixture. This is the concrete legacy-root format
// cmd/vsstransfer's --legacy-root flag accepts in this distribution,
// standing in for the real VSS decoder (out of scope per spec.md §1).
func LoadFixtureFile(path string) (*Fixture, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("legacydb: failed to read manifest %s: %w", path, err)
	}
	var m manifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("legacydb: failed to parse manifest %s: %w", path, err)
	}

	dir := filepath.Dir(path)
	f := NewFixture()
	for _, it := range m.Items {
		kind := KindFile
		if it.Kind == "project" {
			kind = KindProject
		}
		f.AddItem(Item{ID: PhysicalID(it.ID), Kind: kind, LogicalName: it.LogicalName})
	}
	for _, r := range m.Revisions {
		ts, err := time.Parse(time.RFC3339, r.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("legacydb: revision on %s: bad timestamp %q: %w", r.Item, r.Timestamp, err)
		}
		kind, ok := manifestActionKinds[r.Action.Kind]
		if !ok {
			return nil, fmt.Errorf("legacydb: revision on %s: unknown action kind %q", r.Item, r.Action.Kind)
		}
		f.AddRevision(Revision{
			Item:      PhysicalID(r.Item),
			Version:   r.Version,
			Timestamp: ts,
			User:      r.User,
			Comment:   r.Comment,
			Action: Action{
				Kind:        kind,
				Target:      PhysicalID(r.Action.Target),
				Source:      PhysicalID(r.Action.Source),
				NewParent:   PhysicalID(r.Action.NewParent),
				OldName:     r.Action.OldName,
				NewName:     r.Action.NewName,
				Version:     r.Action.Version,
				ArchivePath: r.Action.ArchivePath,
				LabelText:   r.Action.LabelText,
			},
		})
	}
	for _, c := range m.Content {
		data, err := os.ReadFile(filepath.Join(dir, c.File))
		if err != nil {
			return nil, fmt.Errorf("legacydb: content for %s#%d: %w", c.Item, c.Version, err)
		}
		f.SetContent(PhysicalID(c.Item), c.Version, data)
	}
	return f, nil
}
