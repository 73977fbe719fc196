package flow

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Reference expressions are the wire format linking steps together:
//
//	{{identifier}}                 a prior step's output binding
//	{{identifier.path.to.field}}   a nested field by dotted path
//	{{identifier.list[0].field}}   with array indexing
//	{{trigger.field}}              the trigger payload
//	{{credential.name}}            a secret from the credential store
//
// The syntax is parsed into a small AST rather than resolved by runtime
// property lookup, so dependency scanning and value resolution share one
// parser.

// RefKind discriminates reference targets.
type RefKind int

const (
	// RefStep resolves a prior step's output binding.
	RefStep RefKind = iota

	// RefTrigger resolves a field of the trigger payload.
	RefTrigger

	// RefCredential resolves a secret by name.
	RefCredential
)

// pathSeg is one element of a dotted path: a field name or a list index.
type pathSeg struct {
	field string
	index int
	isIdx bool
}

// Ref is one parsed reference expression.
type Ref struct {
	// Kind is the reference target class.
	Kind RefKind

	// Target is the binding name for RefStep, the credential name for
	// RefCredential, and empty for RefTrigger.
	Target string

	// raw is the original expression text, for error messages.
	raw string

	path []pathSeg
}

// templateToken is either literal text or a reference.
type templateToken struct {
	text string
	ref  *Ref
}

// parseTemplate splits a string into literal and reference tokens.
func parseTemplate(s string) ([]templateToken, error) {
	var tokens []templateToken
	rest := s
	for {
		open := strings.Index(rest, "{{")
		if open < 0 {
			if rest != "" {
				tokens = append(tokens, templateToken{text: rest})
			}
			return tokens, nil
		}
		if open > 0 {
			tokens = append(tokens, templateToken{text: rest[:open]})
		}
		closeIdx := strings.Index(rest[open:], "}}")
		if closeIdx < 0 {
			return nil, &ValidationError{
				Code:    CodeMalformedReference,
				Message: fmt.Sprintf("unterminated reference in %q", s),
			}
		}
		inner := strings.TrimSpace(rest[open+2 : open+closeIdx])
		ref, err := parseRef(inner)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, templateToken{ref: ref})
		rest = rest[open+closeIdx+2:]
	}
}

// parseRef parses the inside of one {{...}} expression.
func parseRef(expr string) (*Ref, error) {
	segs, err := parsePath(expr)
	if err != nil {
		return nil, err
	}
	if len(segs) == 0 || segs[0].isIdx {
		return nil, &ValidationError{
			Code:    CodeMalformedReference,
			Message: fmt.Sprintf("reference %q must start with an identifier", expr),
		}
	}

	head := segs[0].field
	rest := segs[1:]

	switch head {
	case "trigger":
		return &Ref{Kind: RefTrigger, raw: expr, path: rest}, nil
	case "credential":
		if len(rest) != 1 || rest[0].isIdx {
			return nil, &ValidationError{
				Code:    CodeMalformedReference,
				Message: fmt.Sprintf("credential reference %q must name exactly one secret", expr),
			}
		}
		return &Ref{Kind: RefCredential, Target: rest[0].field, raw: expr}, nil
	default:
		return &Ref{Kind: RefStep, Target: head, raw: expr, path: rest}, nil
	}
}

// parsePath tokenizes "a.b[2].c" into field and index segments.
func parsePath(expr string) ([]pathSeg, error) {
	var segs []pathSeg
	i := 0
	for i < len(expr) {
		switch {
		case expr[i] == '.':
			i++
			if i >= len(expr) {
				return nil, malformedRef(expr, "trailing dot")
			}
		case expr[i] == '[':
			end := strings.IndexByte(expr[i:], ']')
			if end < 0 {
				return nil, malformedRef(expr, "unterminated index")
			}
			idx, err := strconv.Atoi(expr[i+1 : i+end])
			if err != nil || idx < 0 {
				return nil, malformedRef(expr, "index must be a non-negative integer")
			}
			segs = append(segs, pathSeg{index: idx, isIdx: true})
			i += end + 1
		default:
			start := i
			for i < len(expr) && expr[i] != '.' && expr[i] != '[' {
				c := expr[i]
				if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-') {
					return nil, malformedRef(expr, fmt.Sprintf("invalid character %q", c))
				}
				i++
			}
			segs = append(segs, pathSeg{field: expr[start:i]})
		}
	}
	return segs, nil
}

func malformedRef(expr, why string) error {
	return &ValidationError{
		Code:    CodeMalformedReference,
		Message: fmt.Sprintf("malformed reference %q: %s", expr, why),
	}
}

// scanRefs collects every reference in a template value, recursing through
// maps and lists. Used by the dependency graph builder.
func scanRefs(value interface{}, out *[]Ref) error {
	switch v := value.(type) {
	case string:
		tokens, err := parseTemplate(v)
		if err != nil {
			return err
		}
		for _, tok := range tokens {
			if tok.ref != nil {
				*out = append(*out, *tok.ref)
			}
		}
	case map[string]interface{}:
		for _, nested := range v {
			if err := scanRefs(nested, out); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, nested := range v {
			if err := scanRefs(nested, out); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveTemplate resolves every reference in a template value against the
// run context. A string that is exactly one reference substitutes the raw
// value; references embedded in larger strings are formatted into the text.
func resolveTemplate(ctx context.Context, value interface{}, rc *RunContext) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return resolveString(ctx, v, rc)
	case map[string]interface{}:
		resolved := make(map[string]interface{}, len(v))
		for key, nested := range v {
			rv, err := resolveTemplate(ctx, nested, rc)
			if err != nil {
				return nil, err
			}
			resolved[key] = rv
		}
		return resolved, nil
	case []interface{}:
		resolved := make([]interface{}, len(v))
		for i, nested := range v {
			rv, err := resolveTemplate(ctx, nested, rc)
			if err != nil {
				return nil, err
			}
			resolved[i] = rv
		}
		return resolved, nil
	default:
		return value, nil
	}
}

func resolveString(ctx context.Context, s string, rc *RunContext) (interface{}, error) {
	tokens, err := parseTemplate(s)
	if err != nil {
		return nil, err
	}

	// A lone reference keeps the resolved value's type.
	if len(tokens) == 1 && tokens[0].ref != nil {
		return resolveRef(ctx, tokens[0].ref, rc)
	}

	var sb strings.Builder
	for _, tok := range tokens {
		if tok.ref == nil {
			sb.WriteString(tok.text)
			continue
		}
		val, err := resolveRef(ctx, tok.ref, rc)
		if err != nil {
			return nil, err
		}
		sb.WriteString(fmt.Sprintf("%v", val))
	}
	return sb.String(), nil
}

func resolveRef(ctx context.Context, ref *Ref, rc *RunContext) (interface{}, error) {
	switch ref.Kind {
	case RefTrigger:
		return walkPath(rc.Trigger, ref.path, ref.raw)
	case RefCredential:
		return rc.credential(ctx, ref.Target)
	default:
		value, ok := rc.Get(ref.Target)
		if !ok {
			return nil, fmt.Errorf("reference %q: binding %q has no value", ref.raw, ref.Target)
		}
		return walkPath(value, ref.path, ref.raw)
	}
}

// walkPath descends a dotted path through maps and lists.
func walkPath(value interface{}, path []pathSeg, raw string) (interface{}, error) {
	current := value
	for _, seg := range path {
		if seg.isIdx {
			list, ok := current.([]interface{})
			if !ok {
				return nil, fmt.Errorf("reference %q: cannot index into %T", raw, current)
			}
			if seg.index >= len(list) {
				return nil, fmt.Errorf("reference %q: index %d out of range (len %d)", raw, seg.index, len(list))
			}
			current = list[seg.index]
			continue
		}
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("reference %q: cannot access field %q of %T", raw, seg.field, current)
		}
		next, ok := m[seg.field]
		if !ok {
			return nil, fmt.Errorf("reference %q: field %q not found", raw, seg.field)
		}
		current = next
	}
	return current, nil
}
