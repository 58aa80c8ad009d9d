package resolver

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/mod/semver"
)

// Range is a parsed version range such as ">=1.2.0 <2.0.0 || ^3.1".
// Comparators separated by spaces must all hold; "||" separates
// alternatives. Versions are matched by their coerced major.minor.patch.
type Range struct {
	raw  string
	sets [][]comparator
}

type comparator struct {
	op      string
	version string
}

func (c comparator) matches(v string) bool {
	r := semver.Compare(v, c.version)
	switch c.op {
	case ">":
		return r > 0
	case ">=":
		return r >= 0
	case "<":
		return r < 0
	case "<=":
		return r <= 0
	default:
		return r == 0
	}
}

// partial is a version with possibly missing or wildcard components;
// n counts the components given.
type partial struct {
	major, minor, patch int
	n                   int
}

func (p partial) lower() string {
	return fmt.Sprintf("v%d.%d.%d", p.major, p.minor, p.patch)
}

// next returns the smallest version outside the partial's wildcard span.
func (p partial) next() string {
	switch p.n {
	case 1:
		return fmt.Sprintf("v%d.0.0", p.major+1)
	case 2:
		return fmt.Sprintf("v%d.%d.0", p.major, p.minor+1)
	default:
		return fmt.Sprintf("v%d.%d.%d", p.major, p.minor, p.patch+1)
	}
}

// ParseRange parses expr. The empty range and "*" match every version.
func ParseRange(expr string) (*Range, error) {
	r := &Range{raw: strings.TrimSpace(expr)}
	for _, alt := range strings.Split(r.raw, "||") {
		set, err := parseSet(alt)
		if err != nil {
			return nil, fmt.Errorf("invalid version range %q: %w", expr, err)
		}
		r.sets = append(r.sets, set)
	}
	return r, nil
}

// Contains reports whether version satisfies the range.
func (r *Range) Contains(version string) bool {
	if r == nil {
		return true
	}
	v, ok := Coerce(version)
	if !ok {
		return false
	}
	for _, set := range r.sets {
		if setMatches(set, v) {
			return true
		}
	}
	return false
}

func (r *Range) String() string {
	if r == nil {
		return ""
	}
	return r.raw
}

func setMatches(set []comparator, v string) bool {
	for _, c := range set {
		if !c.matches(v) {
			return false
		}
	}
	return true
}

func parseSet(expr string) ([]comparator, error) {
	tokens := strings.Fields(expr)

	// Hyphen range: "1.2 - 2.3.4".
	if len(tokens) == 3 && tokens[1] == "-" {
		lo, err := parsePartial(tokens[0])
		if err != nil {
			return nil, err
		}
		hi, err := parsePartial(tokens[2])
		if err != nil {
			return nil, err
		}
		set := []comparator{{">=", lo.lower()}}
		return append(set, desugar("<=", hi)...), nil
	}

	var set []comparator
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]
		// Allow a space between operator and version: ">= 1.2.0".
		if isOperator(tok) && i+1 < len(tokens) {
			i++
			tok += tokens[i]
		}
		op, rest := splitOperator(tok)
		p, err := parsePartial(rest)
		if err != nil {
			return nil, err
		}
		set = append(set, desugar(op, p)...)
	}
	return set, nil
}

func isOperator(s string) bool {
	switch s {
	case ">", ">=", "<", "<=", "=", "^", "~":
		return true
	}
	return false
}

func splitOperator(tok string) (string, string) {
	for _, op := range []string{">=", "<=", "~>", ">", "<", "=", "^", "~"} {
		if strings.HasPrefix(tok, op) {
			if op == "~>" {
				op = "~"
			}
			return op, tok[len(op):]
		}
	}
	return "", tok
}

func parsePartial(s string) (partial, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "="), "v")
	if i := strings.IndexAny(s, "-+"); i >= 0 {
		s = s[:i]
	}
	var p partial
	if s == "" {
		return p, nil
	}
	for i, part := range strings.Split(s, ".") {
		if i > 2 {
			return p, fmt.Errorf("too many version components in %q", s)
		}
		if part == "x" || part == "X" || part == "*" {
			break
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return p, fmt.Errorf("invalid version component %q", part)
		}
		switch i {
		case 0:
			p.major = n
		case 1:
			p.minor = n
		case 2:
			p.patch = n
		}
		p.n = i + 1
	}
	return p, nil
}

// desugar turns one operator and partial version into plain comparators.
func desugar(op string, p partial) []comparator {
	if p.n == 0 {
		switch op {
		case ">", "<":
			// Nothing is above or below every version.
			return []comparator{{"<", "v0.0.0"}}
		default:
			return nil
		}
	}

	switch op {
	case ">":
		if p.n == 3 {
			return []comparator{{">", p.lower()}}
		}
		return []comparator{{">=", p.next()}}
	case ">=":
		return []comparator{{">=", p.lower()}}
	case "<":
		return []comparator{{"<", p.lower()}}
	case "<=":
		if p.n == 3 {
			return []comparator{{"<=", p.lower()}}
		}
		return []comparator{{"<", p.next()}}
	case "~":
		if p.n == 1 {
			return []comparator{{">=", p.lower()}, {"<", p.next()}}
		}
		return []comparator{{">=", p.lower()}, {"<", fmt.Sprintf("v%d.%d.0", p.major, p.minor+1)}}
	case "^":
		var upper string
		switch {
		case p.major > 0 || p.n == 1:
			upper = fmt.Sprintf("v%d.0.0", p.major+1)
		case p.minor > 0 || p.n == 2:
			upper = fmt.Sprintf("v0.%d.0", p.minor+1)
		default:
			upper = fmt.Sprintf("v0.0.%d", p.patch+1)
		}
		return []comparator{{">=", p.lower()}, {"<", upper}}
	default:
		if p.n == 3 {
			return []comparator{{"=", p.lower()}}
		}
		return []comparator{{">=", p.lower()}, {"<", p.next()}}
	}
}
