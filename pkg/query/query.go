// Package query builds entity store predicates: a conjunction of
// equality and lower-bound clauses over entity attributes.
package query

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

type Op string

const (
	OpEq  Op = "="
	OpGte Op = ">="
)

var attrName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Attrs is the read side of an entity's attribute map.
type Attrs interface {
	String(key string) (string, bool)
	Number(key string) (int64, bool)
}

type Clause struct {
	Attr    string
	Op      Op
	Str     string
	Num     int64
	Numeric bool
}

func (c Clause) String() string {
	if c.Numeric {
		return c.Attr + " " + string(c.Op) + " " + strconv.FormatInt(c.Num, 10)
	}
	return c.Attr + " " + string(c.Op) + " " + strconv.Quote(c.Str)
}

type Predicate struct {
	clauses []Clause
	err     error
}

func New() *Predicate {
	return &Predicate{}
}

func Type(t string) *Predicate {
	return New().Eq("type", t)
}

func (p *Predicate) add(c Clause) *Predicate {
	if p.err != nil {
		return p
	}
	if !attrName.MatchString(c.Attr) {
		p.err = errors.Errorf("query: invalid attribute name %q", c.Attr)
		return p
	}
	p.clauses = append(p.clauses, c)
	return p
}

func (p *Predicate) Eq(attr, value string) *Predicate {
	return p.add(Clause{Attr: attr, Op: OpEq, Str: value})
}

func (p *Predicate) EqNum(attr string, value int64) *Predicate {
	return p.add(Clause{Attr: attr, Op: OpEq, Num: value, Numeric: true})
}

func (p *Predicate) Gte(attr string, value int64) *Predicate {
	return p.add(Clause{Attr: attr, Op: OpGte, Num: value, Numeric: true})
}

func (p *Predicate) Clauses() []Clause {
	out := make([]Clause, len(p.clauses))
	copy(out, p.clauses)
	return out
}

// Err reports the first invalid clause, or an empty predicate.
func (p *Predicate) Err() error {
	if p.err != nil {
		return p.err
	}
	if len(p.clauses) == 0 {
		return errors.New("query: empty predicate")
	}
	return nil
}

func (p *Predicate) String() string {
	parts := make([]string, len(p.clauses))
	for i, c := range p.clauses {
		parts[i] = c.String()
	}
	return strings.Join(parts, " && ")
}

func (p *Predicate) Matches(a Attrs) bool {
	if p.Err() != nil {
		return false
	}
	for _, c := range p.clauses {
		if c.Numeric {
			v, ok := a.Number(c.Attr)
			if !ok {
				return false
			}
			switch c.Op {
			case OpEq:
				if v != c.Num {
					return false
				}
			case OpGte:
				if v < c.Num {
					return false
				}
			}
			continue
		}
		v, ok := a.String(c.Attr)
		if !ok || v != c.Str {
			return false
		}
	}
	return true
}
