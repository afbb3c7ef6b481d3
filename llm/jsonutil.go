package llm

import (
	"regexp"
	"strings"
)

// Models wrap JSON in markdown fences and sprinkle it with JS-style
// comments and trailing commas. These patterns dig the payload out.
var (
	fencedObjectRe = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	bareObjectRe   = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	fencedArrayRe  = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\[.*\\])\\s*```")
	bareArrayRe    = regexp.MustCompile(`(?s)\[[\s\S]*\]`)
	trailingComma  = regexp.MustCompile(`,\s*([}\]])`)
)

// ExtractJSON pulls a JSON object out of a model response, preferring a
// fenced code block over a bare object, and repairs common artifacts.
// Returns "" when no object is found.
func ExtractJSON(content string) string {
	var raw string
	if m := fencedObjectRe.FindStringSubmatch(content); len(m) > 1 {
		raw = m[1]
	} else {
		raw = bareObjectRe.FindString(content)
	}
	if raw == "" {
		return ""
	}
	return repairJSON(raw)
}

// ExtractJSONArray is ExtractJSON for top-level arrays.
func ExtractJSONArray(content string) string {
	var raw string
	if m := fencedArrayRe.FindStringSubmatch(content); len(m) > 1 {
		raw = m[1]
	} else {
		raw = bareArrayRe.FindString(content)
	}
	if raw == "" {
		return ""
	}
	return repairJSON(raw)
}

// repairJSON strips line comments and trailing commas.
func repairJSON(raw string) string {
	lines := strings.Split(raw, "\n")
	for i, line := range lines {
		lines[i] = cutComment(line)
	}
	out := strings.Join(lines, "\n")
	return trailingComma.ReplaceAllString(out, "$1")
}

// cutComment drops a // comment from a line unless the slashes sit
// inside a string value (URLs stay intact).
func cutComment(line string) string {
	if !strings.Contains(line, "//") {
		return line
	}

	inString := false
	escaped := false
	for i := 0; i < len(line); i++ {
		ch := line[i]
		if escaped {
			escaped = false
			continue
		}
		switch {
		case ch == '\\' && inString:
			escaped = true
		case ch == '"':
			inString = !inString
		case !inString && ch == '/' && i+1 < len(line) && line[i+1] == '/':
			return strings.TrimRight(line[:i], " \t")
		}
	}
	return line
}
