package diff

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseUnified parses git unified diff text into files. Empty or
// whitespace-only input yields an empty change set. Lines the parser does
// not understand outside hunks (mode changes, index lines, similarity
// scores) are skipped; a malformed hunk header is an error because line
// anchoring depends on it.
func ParseUnified(text string) ([]File, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	var (
		files []File
		cur   *File
		hunk  *Hunk
		oldNo int
		newNo int
		// Remaining body lines the current hunk header promised. Blank
		// lines only count as trimmed context while the hunk is still
		// open, so separator lines between files are not swallowed.
		oldLeft int
		newLeft int
	)

	flushHunk := func() {
		if cur != nil && hunk != nil {
			cur.Hunks = append(cur.Hunks, *hunk)
		}
		hunk = nil
	}
	flushFile := func() {
		flushHunk()
		if cur != nil {
			files = append(files, *cur)
		}
		cur = nil
	}

	for _, raw := range strings.Split(text, "\n") {
		switch {
		case strings.HasPrefix(raw, "diff --git "):
			flushFile()
			oldPath, newPath := parseGitHeader(raw)
			cur = &File{Path: newPath, Status: StatusModified}
			if oldPath != newPath {
				cur.OldPath = oldPath
				cur.Status = StatusRenamed
			}

		case cur == nil:
			// Preamble before the first file header.
			continue

		case strings.HasPrefix(raw, "new file mode"):
			cur.Status = StatusAdded

		case strings.HasPrefix(raw, "deleted file mode"):
			cur.Status = StatusDeleted

		case strings.HasPrefix(raw, "rename from "):
			cur.OldPath = strings.TrimPrefix(raw, "rename from ")
			cur.Status = StatusRenamed

		case strings.HasPrefix(raw, "rename to "):
			cur.Path = strings.TrimPrefix(raw, "rename to ")
			cur.Status = StatusRenamed

		case strings.HasPrefix(raw, "Binary files ") || strings.HasPrefix(raw, "GIT binary patch"):
			cur.IsBinary = true

		case strings.HasPrefix(raw, "--- "):
			if strings.TrimPrefix(raw, "--- ") == "/dev/null" {
				cur.Status = StatusAdded
			}

		case strings.HasPrefix(raw, "+++ "):
			target := strings.TrimPrefix(raw, "+++ ")
			if target == "/dev/null" {
				cur.Status = StatusDeleted
				if cur.Path == "" && cur.OldPath != "" {
					cur.Path = cur.OldPath
				}
			} else if p, ok := strings.CutPrefix(target, "b/"); ok && cur.Status != StatusRenamed {
				cur.Path = p
			}

		case strings.HasPrefix(raw, "@@ "):
			flushHunk()
			h, err := parseHunkHeader(raw)
			if err != nil {
				return nil, fmt.Errorf("file %s: %w", cur.Path, err)
			}
			hunk = &h
			oldNo, newNo = h.OldStart, h.NewStart
			oldLeft, newLeft = h.OldCount, h.NewCount

		case hunk != nil && strings.HasPrefix(raw, "+"):
			hunk.Lines = append(hunk.Lines, Line{Kind: LineAdd, Text: raw[1:], NewNo: newNo})
			newNo++
			newLeft--
			cur.AddedLines++

		case hunk != nil && strings.HasPrefix(raw, "-"):
			hunk.Lines = append(hunk.Lines, Line{Kind: LineDel, Text: raw[1:], OldNo: oldNo})
			oldNo++
			oldLeft--
			cur.DeletedLines++

		case hunk != nil && strings.HasPrefix(raw, " "):
			hunk.Lines = append(hunk.Lines, Line{Kind: LineCtx, Text: raw[1:], OldNo: oldNo, NewNo: newNo})
			oldNo++
			newNo++
			oldLeft--
			newLeft--

		case hunk != nil && strings.HasPrefix(raw, `\`):
			// "\ No newline at end of file"; not a content line.
			continue

		case hunk != nil && raw == "" && oldLeft > 0 && newLeft > 0:
			// Some producers trim the leading space off blank context
			// lines.
			hunk.Lines = append(hunk.Lines, Line{Kind: LineCtx, OldNo: oldNo, NewNo: newNo})
			oldNo++
			newNo++
			oldLeft--
			newLeft--
		}
	}
	flushFile()

	if len(files) == 0 {
		return nil, fmt.Errorf("unified diff: no file headers found")
	}
	return files, nil
}

// parseGitHeader extracts the a/ and b/ paths from a "diff --git" line.
// Quoted paths have their quotes stripped; paths containing " b/" are rare
// enough that the first occurrence wins.
func parseGitHeader(line string) (oldPath, newPath string) {
	rest := strings.TrimPrefix(line, "diff --git ")
	rest = strings.ReplaceAll(rest, `"`, "")
	if i := strings.Index(rest, " b/"); i >= 0 {
		oldPath = strings.TrimPrefix(rest[:i], "a/")
		newPath = rest[i+3:]
		return oldPath, newPath
	}
	// Fallback: split on the middle space.
	parts := strings.SplitN(rest, " ", 2)
	if len(parts) == 2 {
		return strings.TrimPrefix(parts[0], "a/"), strings.TrimPrefix(parts[1], "b/")
	}
	return rest, rest
}

// parseHunkHeader parses "@@ -oldStart[,oldCount] +newStart[,newCount] @@".
// Omitted counts default to 1 per the unified format.
func parseHunkHeader(line string) (Hunk, error) {
	var h Hunk
	body := strings.TrimPrefix(line, "@@ ")
	end := strings.Index(body, " @@")
	if end < 0 {
		return h, fmt.Errorf("malformed hunk header %q", line)
	}
	ranges := strings.Fields(body[:end])
	if len(ranges) != 2 || !strings.HasPrefix(ranges[0], "-") || !strings.HasPrefix(ranges[1], "+") {
		return h, fmt.Errorf("malformed hunk header %q", line)
	}

	var err error
	h.OldStart, h.OldCount, err = parseRange(ranges[0][1:])
	if err != nil {
		return h, fmt.Errorf("malformed hunk header %q: %w", line, err)
	}
	h.NewStart, h.NewCount, err = parseRange(ranges[1][1:])
	if err != nil {
		return h, fmt.Errorf("malformed hunk header %q: %w", line, err)
	}
	return h, nil
}

func parseRange(s string) (start, count int, err error) {
	count = 1
	if i := strings.IndexByte(s, ','); i >= 0 {
		if count, err = strconv.Atoi(s[i+1:]); err != nil {
			return 0, 0, err
		}
		s = s[:i]
	}
	if start, err = strconv.Atoi(s); err != nil {
		return 0, 0, err
	}
	return start, count, nil
}
