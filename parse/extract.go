package parse

import (
	"regexp"
	"strings"
)

// Extraction patterns for JSON embedded in model prose. Fenced blocks are
// preferred over the greedy fallback so surrounding commentary cannot
// widen the match.
var (
	fencedObjectPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	fencedArrayPattern  = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\[.*\\])\\s*```")
	bareObjectPattern   = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	bareArrayPattern    = regexp.MustCompile(`(?s)\[[\s\S]*\]`)
	trailingComma       = regexp.MustCompile(`,\s*([}\]])`)
)

// Extract pulls the largest JSON document out of model output and scrubs
// the artifacts models habitually add: markdown fences, // comments and
// trailing commas. Objects win over arrays; an empty string means nothing
// JSON-shaped was found.
func Extract(content string) string {
	if m := fencedObjectPattern.FindStringSubmatch(content); len(m) > 1 {
		return scrub(m[1])
	}
	if m := fencedArrayPattern.FindStringSubmatch(content); len(m) > 1 {
		return scrub(m[1])
	}
	if m := bareObjectPattern.FindString(content); m != "" {
		return scrub(m)
	}
	if m := bareArrayPattern.FindString(content); m != "" {
		return scrub(m)
	}
	return ""
}

// scrub removes // comments outside string values and trailing commas
// before closing brackets.
func scrub(raw string) string {
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		lines[i] = stripLineComment(line)
	}
	return trailingComma.ReplaceAllString(strings.Join(lines, "\n"), "$1")
}

// stripLineComment drops a // comment from one line unless the slashes sit
// inside a JSON string value.
func stripLineComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}
	inString := false
	escaped := false
	for i := 0; i < len(line); i++ {
		switch {
		case escaped:
			escaped = false
		case line[i] == '\\' && inString:
			escaped = true
		case line[i] == '"':
			inString = !inString
		case !inString && line[i] == '/' && i+1 < len(line) && line[i+1] == '/':
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}
