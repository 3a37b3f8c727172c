package lexical

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidFilter is returned when a filter value cannot be rendered
// safely.
var ErrInvalidFilter = errors.New("lexical: invalid filter value")

// BuildFilter renders the Meilisearch filter expression for the given
// constraints. Groups are ANDed; values within a group are ORed. Every
// string value is quoted with embedded quotes escaped so user input
// cannot break out of its clause.
func BuildFilter(fileTypes []string, scanIDs []int64, projectPath string) (string, error) {
	var groups []string

	if len(fileTypes) > 0 {
		clauses := make([]string, len(fileTypes))
		for i, ft := range fileTypes {
			if strings.ContainsAny(ft, "\n\r") {
				return "", fmt.Errorf("%w: file type %q", ErrInvalidFilter, ft)
			}
			clauses[i] = fmt.Sprintf("file_type = %s", quote(ft))
		}
		groups = append(groups, group(clauses))
	}

	if len(scanIDs) > 0 {
		clauses := make([]string, len(scanIDs))
		for i, id := range scanIDs {
			if id < 0 {
				return "", fmt.Errorf("%w: scan id %d", ErrInvalidFilter, id)
			}
			clauses[i] = fmt.Sprintf("scan_id = %d", id)
		}
		groups = append(groups, group(clauses))
	}

	if projectPath != "" {
		if strings.ContainsAny(projectPath, "\n\r") {
			return "", fmt.Errorf("%w: project path", ErrInvalidFilter)
		}
		groups = append(groups, fmt.Sprintf("file_path STARTS WITH %s", quote(projectPath)))
	}

	return strings.Join(groups, " AND "), nil
}

// ParseScanIDs validates stringly-typed scan ids from the API layer,
// rejecting anything that is not an integer.
func ParseScanIDs(raw []string) ([]int64, error) {
	out := make([]int64, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		var id int64
		if _, err := fmt.Sscanf(s, "%d", &id); err != nil || fmt.Sprintf("%d", id) != s {
			return nil, fmt.Errorf("%w: scan id %q is not an integer", ErrInvalidFilter, s)
		}
		out = append(out, id)
	}
	return out, nil
}

func quote(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return `"` + v + `"`
}

func group(clauses []string) string {
	if len(clauses) == 1 {
		return clauses[0]
	}
	return "(" + strings.Join(clauses, " OR ") + ")"
}
