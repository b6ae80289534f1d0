// Package diff defines the change-set representation the review pipeline
// works on: parsed unified diffs, the provider contract for fetching them,
// path filtering, and the derived views (stats, digests, new-side line
// sets) the chunker, prompts and parser consume.
package diff

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Status classifies how a file changed.
type Status string

const (
	// StatusAdded marks a file new in the target branch.
	StatusAdded Status = "Added"

	// StatusModified marks an existing file with content changes.
	StatusModified Status = "Modified"

	// StatusDeleted marks a file removed by the change set.
	StatusDeleted Status = "Deleted"

	// StatusRenamed marks a moved file; OldPath holds the source.
	StatusRenamed Status = "Renamed"
)

// LineKind distinguishes context, added and deleted lines within a hunk.
type LineKind byte

const (
	// LineCtx is an unchanged line present on both sides.
	LineCtx LineKind = ' '

	// LineAdd is a line present only on the new side.
	LineAdd LineKind = '+'

	// LineDel is a line present only on the old side.
	LineDel LineKind = '-'
)

// Line is one diff line without its +/-/space prefix. OldNo and NewNo are
// 1-based positions on each side; zero means the line does not exist on
// that side.
type Line struct {
	Kind  LineKind
	Text  string
	OldNo int
	NewNo int
}

// Hunk is one contiguous change region.
type Hunk struct {
	OldStart int
	OldCount int
	NewStart int
	NewCount int
	Lines    []Line
}

// NewHunk builds a hunk from lines, deriving the header ranges from the
// line numbers. The chunker uses it when splitting oversized hunks.
func NewHunk(lines []Line) Hunk {
	h := Hunk{Lines: lines}
	for _, l := range lines {
		if l.OldNo > 0 {
			if h.OldStart == 0 {
				h.OldStart = l.OldNo
			}
			h.OldCount++
		}
		if l.NewNo > 0 {
			if h.NewStart == 0 {
				h.NewStart = l.NewNo
			}
			h.NewCount++
		}
	}
	return h
}

// Header renders the @@ range line.
func (h Hunk) Header() string {
	return fmt.Sprintf("@@ -%d,%d +%d,%d @@", h.OldStart, h.OldCount, h.NewStart, h.NewCount)
}

// Render writes the hunk in unified format.
func (h Hunk) Render(b *strings.Builder) {
	b.WriteString(h.Header())
	b.WriteByte('\n')
	for _, l := range h.Lines {
		b.WriteByte(byte(l.Kind))
		b.WriteString(l.Text)
		b.WriteByte('\n')
	}
}

// File is one changed file within a diff.
type File struct {
	// Path is the file's location on the new side (old side for deletions).
	Path string

	// OldPath is set for renames.
	OldPath string

	Status   Status
	IsBinary bool

	// AddedLines and DeletedLines are totals across hunks.
	AddedLines   int
	DeletedLines int

	Hunks []Hunk
}

// Header renders the per-file preamble in unified format.
func (f File) Header() string {
	var b strings.Builder
	old := f.Path
	if f.OldPath != "" {
		old = f.OldPath
	}
	fmt.Fprintf(&b, "diff --git a/%s b/%s\n", old, f.Path)
	switch f.Status {
	case StatusAdded:
		b.WriteString("--- /dev/null\n")
		fmt.Fprintf(&b, "+++ b/%s\n", f.Path)
	case StatusDeleted:
		fmt.Fprintf(&b, "--- a/%s\n", f.Path)
		b.WriteString("+++ /dev/null\n")
	case StatusRenamed:
		fmt.Fprintf(&b, "rename from %s\nrename to %s\n", old, f.Path)
		fmt.Fprintf(&b, "--- a/%s\n+++ b/%s\n", old, f.Path)
	default:
		fmt.Fprintf(&b, "--- a/%s\n+++ b/%s\n", f.Path, f.Path)
	}
	return b.String()
}

// Render writes the file in unified format. Binary files render as a
// one-line marker.
func (f File) Render(b *strings.Builder) {
	b.WriteString(f.Header())
	if f.IsBinary {
		fmt.Fprintf(b, "Binary files differ\n")
		return
	}
	for _, h := range f.Hunks {
		h.Render(b)
	}
}

// Render produces the unified text of the whole change set; single-call
// analyses send this to the model.
func Render(files []File) string {
	var b strings.Builder
	for _, f := range files {
		f.Render(&b)
	}
	return b.String()
}

// Stats aggregates change-set totals for prompts and summaries.
type Stats struct {
	Files    int `json:"files"`
	Added    int `json:"added"`
	Deleted  int `json:"deleted"`
	Binary   int `json:"binary"`
	Renamed  int `json:"renamed"`
	NewFiles int `json:"newFiles"`
}

// Summarize computes Stats over a change set.
func Summarize(files []File) Stats {
	var s Stats
	s.Files = len(files)
	for _, f := range files {
		s.Added += f.AddedLines
		s.Deleted += f.DeletedLines
		if f.IsBinary {
			s.Binary++
		}
		switch f.Status {
		case StatusRenamed:
			s.Renamed++
		case StatusAdded:
			s.NewFiles++
		}
	}
	return s
}

func (s Stats) String() string {
	return fmt.Sprintf("%d files changed, %d insertions(+), %d deletions(-)", s.Files, s.Added, s.Deleted)
}

// NewSideLines returns, per path, the set of line numbers present on the
// new side of the diff (context and added lines). Comment anchors are
// validated against this set; anything outside it loses its anchor.
func NewSideLines(files []File) map[string]map[int]struct{} {
	out := make(map[string]map[int]struct{}, len(files))
	for _, f := range files {
		if f.Status == StatusDeleted || f.IsBinary {
			continue
		}
		set := out[f.Path]
		if set == nil {
			set = make(map[int]struct{})
			out[f.Path] = set
		}
		for _, h := range f.Hunks {
			for _, l := range h.Lines {
				if l.NewNo > 0 {
					set[l.NewNo] = struct{}{}
				}
			}
		}
	}
	return out
}

// Digest returns a short stable digest of the change-set content. It keys
// the per-review diff cache and is written as the completion marker so
// operators can see which content a dedup window covers.
func Digest(files []File) string {
	sum := sha256.Sum256([]byte(Render(files)))
	return hex.EncodeToString(sum[:])[:16]
}
