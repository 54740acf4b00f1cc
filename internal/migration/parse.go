package migration

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoJSON is returned when no parseable JSON object could be located
// in the provider text.
var ErrNoJSON = errors.New("no JSON object found in text")

// ParseDirective parses provider text into a Directive. A directive with
// no file entries is rejected: it cannot drive a build.
func ParseDirective(text string) (*Directive, error) {
	var d Directive
	if err := parseInto(text, &d); err != nil {
		return nil, err
	}
	if len(d.Files) == 0 {
		return nil, fmt.Errorf("directive has no file entries")
	}
	for i, f := range d.Files {
		if f.File == "" {
			return nil, fmt.Errorf("directive file entry %d has no path", i)
		}
		if !validAction(f.Action) {
			return nil, fmt.Errorf("directive file %s has invalid action %q", f.File, f.Action)
		}
	}
	return &d, nil
}

// ParseBuildResult parses provider text into a BuildResult.
func ParseBuildResult(text string) (*BuildResult, error) {
	var r BuildResult
	if err := parseInto(text, &r); err != nil {
		return nil, err
	}
	for i, c := range r.Changes {
		if c.File == "" {
			return nil, fmt.Errorf("change %d has no file path", i)
		}
		if !validAction(c.Action) {
			return nil, fmt.Errorf("change for %s has invalid action %q", c.File, c.Action)
		}
	}
	return &r, nil
}

// ParseFixPlan parses provider text into a FixPlan.
func ParseFixPlan(text string) (*FixPlan, error) {
	var p FixPlan
	if err := parseInto(text, &p); err != nil {
		return nil, err
	}
	if len(p.Files) == 0 {
		return nil, fmt.Errorf("fix plan names no files")
	}
	return &p, nil
}

func validAction(action string) bool {
	switch action {
	case "create", "modify", "delete":
		return true
	}
	return false
}

// parseInto runs the extraction chain and unmarshals into v.
// Chain: direct parse, fenced-block strip, balanced-bracket extraction.
func parseInto(text string, v any) error {
	raw, err := extractJSON(text)
	if err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("failed to decode JSON: %w", err)
	}
	return nil
}

// extractJSON locates the JSON object in free-form provider text.
func extractJSON(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return "", ErrNoJSON
	}

	// 1. Direct: the whole text is a JSON object.
	if json.Valid([]byte(trimmed)) && strings.HasPrefix(trimmed, "{") {
		return trimmed, nil
	}

	// 2. Fenced: strip markdown code fences and retry.
	if fenced := stripFences(trimmed); fenced != "" {
		if json.Valid([]byte(fenced)) && strings.HasPrefix(fenced, "{") {
			return fenced, nil
		}
	}

	// 3. Balanced: extract the first brace-balanced region.
	if candidate := balancedRegion(trimmed); candidate != "" {
		if json.Valid([]byte(candidate)) {
			return candidate, nil
		}
	}

	return "", ErrNoJSON
}

// stripFences returns the content of the first fenced code block, or "".
func stripFences(text string) string {
	start := strings.Index(text, "```")
	if start < 0 {
		return ""
	}
	rest := text[start+3:]
	// Drop an optional language tag on the fence line.
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		first := strings.TrimSpace(rest[:nl])
		if first == "json" || first == "" || !strings.ContainsAny(first, "{}") {
			rest = rest[nl+1:]
		}
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(rest[:end])
}

// balancedRegion returns the first string-aware brace-balanced {...}
// region of text, or "".
func balancedRegion(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
