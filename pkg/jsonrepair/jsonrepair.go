// Package jsonrepair applies best-effort fixups to strings that are almost
// JSON. LLMs routinely wrap objects in markdown fences, lead with prose,
// emit smart quotes, or leave trailing commas; this package strips those
// artifacts without any semantic inference. The result may still fail to
// parse — callers must re-validate.
package jsonrepair

import (
	"regexp"
	"strings"
)

// Pre-compiled patterns for extraction and cleanup.
var (
	// fencedBlockPattern matches JSON inside markdown code blocks: ```json { ... } ```
	fencedBlockPattern = regexp.MustCompile("(?s)```(?:json)?\\s*\\n?(\\{.*\\})\\s*```")
	// objectPattern matches the outermost JSON object (greedy fallback).
	objectPattern = regexp.MustCompile(`(?s)\{[\s\S]*\}`)
	// trailingCommaPattern matches trailing commas before ] or }.
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// curlyQuotes maps typographic quotes onto their ASCII forms.
var curlyQuotes = strings.NewReplacer(
	"“", `"`, // “
	"”", `"`, // ”
	"‘", "'", // ‘
	"’", "'", // ’
)

// Repair extracts and cleans a JSON object from an LLM response string.
// Returns the empty string when no object-shaped substring exists.
func Repair(content string) string {
	raw := extractObject(content)
	if raw == "" {
		return ""
	}
	return clean(raw)
}

// extractObject pulls the JSON object out of fences or surrounding prose.
func extractObject(content string) string {
	if matches := fencedBlockPattern.FindStringSubmatch(content); len(matches) > 1 {
		return matches[1]
	}
	if match := objectPattern.FindString(content); match != "" {
		return match
	}
	return ""
}

// clean normalizes curly quotes outside string values and removes trailing
// commas. Quote normalization must not touch characters inside legitimate
// JSON strings, so the scan tracks string state.
func clean(raw string) string {
	raw = normalizeQuotes(raw)
	return trailingCommaPattern.ReplaceAllString(raw, "$1")
}

// normalizeQuotes replaces typographic double quotes used as string
// delimiters and typographic single quotes anywhere outside strings.
// A curly quote inside a well-delimited ASCII string is user content
// and is left alone.
func normalizeQuotes(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))

	inString := false
	openedCurly := false
	escaped := false
	for _, r := range raw {
		if escaped {
			escaped = false
			b.WriteRune(r)
			continue
		}
		if inString {
			switch {
			case r == '\\':
				escaped = true
				b.WriteRune(r)
			case r == '"' && !openedCurly:
				inString = false
				b.WriteRune(r)
			case r == '”' && openedCurly:
				inString = false
				b.WriteRune('"')
			default:
				b.WriteRune(r)
			}
			continue
		}

		switch r {
		case '"':
			inString = true
			openedCurly = false
			b.WriteRune(r)
		case '“':
			inString = true
			openedCurly = true
			b.WriteRune('"')
		case '”':
			// Stray closer outside a string: normalize anyway.
			b.WriteRune('"')
		case '‘', '’':
			b.WriteRune('\'')
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// HasFences reports whether the content is wrapped in markdown code fences.
// Used by callers that log when a repair was required.
func HasFences(content string) bool {
	return strings.Contains(content, "```")
}
