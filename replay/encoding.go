package replay

import (
	"strings"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// encodingByName maps spec.md §6's source_encoding names to the
// concrete single-byte legacy encodings this engine can transcode.
// Grounded on the pack's golang.org/x/text/encoding usage (e.g.
// peer-db's products importer, storj's multinode tool), generalized
// from their x/text/encoding/unicode calls to charmap for the
// Windows/VSS-era codepages this spec's legacy databases actually use.
func encodingByName(name string) encoding.Encoding {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "latin1", "iso-8859-1", "iso8859-1":
		return charmap.ISO8859_1
	case "windows-1252", "cp1252", "win1252":
		return charmap.Windows1252
	default:
		return nil
	}
}

// transcodeToUTF8 reinterprets s as bytes in cfg.SourceEncoding and
// returns the UTF-8 string those bytes decode to. When TranscodeUTF8
// is not set, s is returned untouched and SetCommitEncoding has
// already told the backend what encoding to expect instead.
func (e *Engine) transcodeToUTF8(s string) string {
	if !e.cfg.TranscodeUTF8 || s == "" {
		return s
	}
	name := strings.ToLower(strings.TrimSpace(e.cfg.SourceEncoding))
	if name == "" || name == "utf-8" || name == "utf8" {
		return s
	}
	enc := encodingByName(name)
	if enc == nil {
		if !e.encodingWarned {
			e.logger.Warnf("replay: unrecognized source_encoding %q, leaving comments untranscoded", e.cfg.SourceEncoding)
			e.encodingWarned = true
		}
		return s
	}
	out, err := enc.NewDecoder().String(s)
	if err != nil {
		e.logger.Warnf("replay: failed to transcode comment from %s: %v", e.cfg.SourceEncoding, err)
		return s
	}
	return out
}
