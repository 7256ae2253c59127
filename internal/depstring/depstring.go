// Package depstring parses and resolves dependent strings: literals
// that may contain zero or more ${{ ... }} placeholders binding either
// to a parent state's output field (id.outputs.field) or to the run's
// key/value store (store.key).
//
// Ported from the reference implementation's DependentString/Dependent
// pair (create_dependent_string / generate_string / set_value), in the
// hand-rolled-scanner style the teacher uses for its own small parsers.
package depstring

import (
	"fmt"
	"strings"
)

const (
	openToken  = "${{"
	closeToken = "}}"
)

// Part is one placeholder occurrence within a DependentString: the
// source it binds to, the literal text following it up to the next
// placeholder (or the end of the string), and — once resolved — its
// value.
type Part struct {
	Identifier string // "store" for a store.key reference
	Field      string // output field name, or the store key
	Tail       string
	Value      *string
}

// IsStoreRef reports whether this part binds to the run store rather
// than to a parent state's outputs.
func (p *Part) IsStoreRef() bool { return p.Identifier == "store" }

// DependentString is the parsed, immutable form of a literal that may
// embed placeholders. Resolved output equals
// Head + Σ(part.Value + part.Tail) in order.
type DependentString struct {
	Raw   string
	Head  string
	Parts []Part
}

// Parse splits raw on ${{ ... }} placeholders. Each placeholder's
// inner text is split on "." into either exactly 3 trimmed segments
// (id.outputs.field) or exactly 2 (store.key); anything else is a
// parse error. An unbalanced "${{" with no matching "}}" is a parse
// error. Parse never fails on a well-formed literal with zero
// placeholders (Head == raw, no Parts).
func Parse(raw string) (*DependentString, error) {
	ds := &DependentString{Raw: raw}
	rest := raw
	first := true

	for {
		idx := strings.Index(rest, openToken)
		if idx < 0 {
			if first {
				ds.Head = rest
			} else {
				ds.Parts[len(ds.Parts)-1].Tail = rest
			}
			break
		}
		head := rest[:idx]
		if first {
			ds.Head = head
			first = false
		} else {
			ds.Parts[len(ds.Parts)-1].Tail = head
		}

		after := rest[idx+len(openToken):]
		closeIdx := strings.Index(after, closeToken)
		if closeIdx < 0 {
			return nil, fmt.Errorf("depstring: unbalanced %q in %q", openToken, raw)
		}
		inner := strings.TrimSpace(after[:closeIdx])
		part, err := parsePlaceholder(inner)
		if err != nil {
			return nil, fmt.Errorf("depstring: %w in %q", err, raw)
		}
		ds.Parts = append(ds.Parts, part)
		rest = after[closeIdx+len(closeToken):]
	}

	return ds, nil
}

func parsePlaceholder(inner string) (Part, error) {
	segs := strings.Split(inner, ".")
	for i := range segs {
		segs[i] = strings.TrimSpace(segs[i])
	}
	switch len(segs) {
	case 2:
		if segs[0] != "store" {
			return Part{}, fmt.Errorf("invalid syntax string placeholder %q", inner)
		}
		if segs[0] == "" || segs[1] == "" {
			return Part{}, fmt.Errorf("invalid syntax string placeholder %q", inner)
		}
		return Part{Identifier: "store", Field: segs[1]}, nil
	case 3:
		if segs[1] != "outputs" {
			return Part{}, fmt.Errorf("invalid syntax string placeholder %q", inner)
		}
		if segs[0] == "" || segs[2] == "" {
			return Part{}, fmt.Errorf("invalid syntax string placeholder %q", inner)
		}
		return Part{Identifier: segs[0], Field: segs[2]}, nil
	default:
		return Part{}, fmt.Errorf("invalid syntax string placeholder %q", inner)
	}
}

// IdentifierField is a distinct (identifier, field) pair referenced by
// a DependentString, exposed for dependency analysis (C6 rule 7/8).
type IdentifierField struct {
	Identifier string
	Field      string
}

// IdentifierFields returns the distinct (identifier, field) pairs this
// DependentString references, in first-seen order.
func (ds *DependentString) IdentifierFields() []IdentifierField {
	seen := make(map[IdentifierField]bool)
	var out []IdentifierField
	for _, p := range ds.Parts {
		key := IdentifierField{Identifier: p.Identifier, Field: p.Field}
		if !seen[key] {
			seen[key] = true
			out = append(out, key)
		}
	}
	return out
}

// SetValue assigns value to every part whose (identifier, field) pair
// matches, mirroring the reference implementation's fan-out: a single
// placeholder value may be shared by multiple occurrences.
func (ds *DependentString) SetValue(identifier, field, value string) {
	for i := range ds.Parts {
		if ds.Parts[i].Identifier == identifier && ds.Parts[i].Field == field {
			v := value
			ds.Parts[i].Value = &v
		}
	}
}

// Generate renders the resolved string. Returns an error naming the
// first unresolved (identifier, field) or store.key if any part's
// Value is still unset — callers classify this as a resolution
// failure (spec §4.1: "fails at runtime only if a declared source has
// no value").
func (ds *DependentString) Generate() (string, error) {
	var b strings.Builder
	b.WriteString(ds.Head)
	for _, p := range ds.Parts {
		if p.Value == nil {
			if p.IsStoreRef() {
				return "", fmt.Errorf("unresolved store.%s", p.Field)
			}
			return "", fmt.Errorf("unresolved %s.outputs.%s", p.Identifier, p.Field)
		}
		b.WriteString(*p.Value)
		b.WriteString(p.Tail)
	}
	return b.String(), nil
}
