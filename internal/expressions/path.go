package expressions

import (
	"fmt"
	"strconv"
	"strings"
)

// segment is one step of a property path: a key or an array index.
type segment struct {
	key   string
	index int
	isIdx bool
}

// parsePath parses the restricted path grammar used by the fast path:
//
//	path    = ident { "." ident | "[" index "]" | "[" quoted "]" }
//	ident   = letter|"_"|"$" { letter|digit|"_"|"$" }
//	quoted  = "'" chars "'" | '"' chars '"'
//
// e.g. output.answer, outputs.files[0], data["content-type"].
func parsePath(path string) ([]segment, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, fmt.Errorf("empty path")
	}

	var segs []segment
	i := 0
	first := true
	for i < len(p) {
		switch {
		case first || p[i] == '.':
			if !first {
				i++
			}
			start := i
			for i < len(p) && isIdentChar(p[i], i == start) {
				i++
			}
			if i == start {
				return nil, fmt.Errorf("expected identifier at offset %d in %q", start, path)
			}
			segs = append(segs, segment{key: p[start:i]})
			first = false
		case p[i] == '[':
			seg, next, err := parseBracket(p, i)
			if err != nil {
				return nil, fmt.Errorf("%s in %q", err.Error(), path)
			}
			segs = append(segs, seg)
			i = next
		default:
			return nil, fmt.Errorf("unexpected %q at offset %d in %q", p[i], i, path)
		}
	}
	return segs, nil
}

// parseBracket parses "[...]" starting at p[i] == '['.
func parseBracket(p string, i int) (segment, int, error) {
	i++ // '['
	if i >= len(p) {
		return segment{}, 0, fmt.Errorf("unterminated '['")
	}

	if q := p[i]; q == '"' || q == '\'' {
		end := strings.IndexByte(p[i+1:], q)
		if end < 0 {
			return segment{}, 0, fmt.Errorf("unterminated string key")
		}
		key := p[i+1 : i+1+end]
		i += end + 2
		if i >= len(p) || p[i] != ']' {
			return segment{}, 0, fmt.Errorf("expected ']' after string key")
		}
		return segment{key: key}, i + 1, nil
	}

	end := strings.IndexByte(p[i:], ']')
	if end < 0 {
		return segment{}, 0, fmt.Errorf("unterminated '['")
	}
	n, err := strconv.Atoi(p[i : i+end])
	if err != nil || n < 0 {
		return segment{}, 0, fmt.Errorf("invalid index %q", p[i:i+end])
	}
	return segment{index: n, isIdx: true}, i + end + 1, nil
}

func isIdentChar(c byte, leading bool) bool {
	switch {
	case c == '_' || c == '$':
		return true
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return !leading
	}
	return false
}

// IsSimplePath reports whether expression is a plain property path that
// ResolvePath can evaluate without the sandbox.
func IsSimplePath(expression string) bool {
	segs, err := parsePath(expression)
	if err != nil {
		return false
	}
	if len(segs) == 1 {
		switch segs[0].key {
		case "true", "false", "nil", "null":
			return false
		}
	}
	return true
}

// ResolvePath walks root along path. Missing keys, out-of-range indexes and
// traversal into scalars resolve to nil; only a malformed path is an error.
func ResolvePath(root any, path string) (any, error) {
	segs, err := parsePath(path)
	if err != nil {
		return nil, evalError(path, err, "invalid path: %s", err.Error())
	}

	current := root
	for _, seg := range segs {
		if current == nil {
			return nil, nil
		}
		switch node := current.(type) {
		case map[string]any:
			if seg.isIdx {
				current = node[strconv.Itoa(seg.index)]
			} else {
				current = node[seg.key]
			}
		case []any:
			idx := seg.index
			if !seg.isIdx {
				n, err := strconv.Atoi(seg.key)
				if err != nil {
					return nil, nil
				}
				idx = n
			}
			if idx < 0 || idx >= len(node) {
				return nil, nil
			}
			current = node[idx]
		default:
			return nil, nil
		}
	}
	return current, nil
}
