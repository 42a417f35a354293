// Package treename maps (definition, model, kind, name) tuples to the names of
// the ordered trees in a backing store, and back.
//
// Names have the form "{Definition}::{Model}::{Kind}::{Name}". Main trees have
// no name part: "{Definition}::{Model}::Main". Each component is escaped, "%"
// becomes "%25" and ":" becomes "%3A", so different tuples never produce the
// same tree name.
package treename

import (
	"errors"
	"fmt"
	"strings"
)

var ErrSyntax = errors.New("treename: bad tree name")

// Kind is the kind of tree.
type Kind int

const (
	Main         Kind = iota // Primary key to record data, unique.
	Secondary                // Secondary key to primary key, multimap.
	Relational               // Foreign key to primary key, multimap.
	Subscription             // Primary key to content hash, unique, one tree per topic.
	Accumulator              // Single entry holding the XOR accumulator of a topic.
)

var kindStrings = []string{"Main", "Secondary", "Relational", "Subscription", "Accumulator"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindStrings) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindStrings[k]
}

// ParseKind returns the kind for its string form.
func ParseKind(s string) (Kind, error) {
	for i, ks := range kindStrings {
		if ks == s {
			return Kind(i), nil
		}
	}
	return 0, fmt.Errorf("%w: unknown kind %q", ErrSyntax, s)
}

// Parts are the components a tree name is made of.
type Parts struct {
	Definition string
	Model      string
	Kind       Kind
	Name       string // Empty for Main.
}

// String returns the tree name for the parts.
func (p Parts) String() string {
	return Name(p.Definition, p.Model, p.Kind, p.Name)
}

var escaper = strings.NewReplacer("%", "%25", ":", "%3A")
var unescaper = strings.NewReplacer("%25", "%", "%3A", ":")

// Name returns the tree name. For Main, name is ignored.
func Name(definition, model string, kind Kind, name string) string {
	s := escaper.Replace(definition) + "::" + escaper.Replace(model) + "::" + kind.String()
	if kind == Main {
		return s
	}
	return s + "::" + escaper.Replace(name)
}

// Model returns the prefix shared by all tree names of a model, including the
// trailing separator.
func Model(definition, model string) string {
	return escaper.Replace(definition) + "::" + escaper.Replace(model) + "::"
}

// Parse inverts Name.
func Parse(s string) (Parts, error) {
	t := strings.Split(s, "::")
	if len(t) != 3 && len(t) != 4 {
		return Parts{}, fmt.Errorf("%w: %q", ErrSyntax, s)
	}
	for _, e := range t {
		if err := checkEscaped(e); err != nil {
			return Parts{}, fmt.Errorf("%w: %q: %s", ErrSyntax, s, err)
		}
	}
	k, err := ParseKind(t[2])
	if err != nil {
		return Parts{}, err
	}
	if (k == Main) != (len(t) == 3) {
		return Parts{}, fmt.Errorf("%w: %q: name part does not match kind", ErrSyntax, s)
	}
	p := Parts{
		Definition: unescaper.Replace(t[0]),
		Model:      unescaper.Replace(t[1]),
		Kind:       k,
	}
	if len(t) == 4 {
		p.Name = unescaper.Replace(t[3])
	}
	return p, nil
}

// checkEscaped verifies s could have come out of the escaper.
func checkEscaped(s string) error {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case ':':
			return errors.New("unescaped colon")
		case '%':
			if !strings.HasPrefix(s[i:], "%25") && !strings.HasPrefix(s[i:], "%3A") {
				return errors.New("bad escape")
			}
			i += 2
		}
	}
	return nil
}
