package search

import (
	"errors"
	"strings"
)

// Expr is a boolean query expression independent of the underlying index
// engine. The Query Builder constructs it; engines interpret it.
type Expr interface{ isExpr() }

// Term matches one exact value of a keyword field.
type Term struct {
	Field string
	Value string
}

// Match matches analyzed text against one field, with an optional boost.
type Match struct {
	Field string
	Text  string
	Boost float64
}

// MatchPhrase matches a quoted phrase against one field, with an optional boost.
type MatchPhrase struct {
	Field  string
	Phrase string
	Boost  float64
}

// And is the conjunction of its sub-expressions.
type And struct{ Sub []Expr }

// Or is the disjunction of its sub-expressions.
type Or struct{ Sub []Expr }

// Not excludes documents matching its sub-expression.
type Not struct{ Sub Expr }

// MatchAll matches every document in the index.
type MatchAll struct{}

func (Term) isExpr()        {}
func (Match) isExpr()       {}
func (MatchPhrase) isExpr() {}
func (And) isExpr()         {}
func (Or) isExpr()          {}
func (Not) isExpr()         {}
func (MatchAll) isExpr()    {}

// ErrBadSyntax reports free text that is not well-formed query syntax.
// It never reaches callers of BuildQuery; it only drives the literal fallback.
var ErrBadSyntax = errors.New("malformed query syntax")

// token is one unit of parsed free text: a bare word or a quoted phrase.
type token struct {
	text   string
	phrase bool
}

// syntaxChars are reserved by query syntax and disallowed in bare terms:
// wildcards, ranges, grouping, boosts and field prefixes.
const syntaxChars = "*?[]{}()^~:\\"

// tryParse splits free text into word and phrase tokens, rejecting malformed
// syntax: unbalanced quotes, reserved wildcard/range characters, and boolean
// operators with nothing to bind to.
func tryParse(text string) ([]token, error) {
	var tokens []token
	rest := text
	for {
		rest = strings.TrimLeft(rest, " \t")
		if rest == "" {
			break
		}
		if rest[0] == '"' {
			end := strings.IndexByte(rest[1:], '"')
			if end < 0 {
				return nil, ErrBadSyntax
			}
			phrase := rest[1 : 1+end]
			if strings.ContainsAny(phrase, syntaxChars) {
				return nil, ErrBadSyntax
			}
			if strings.TrimSpace(phrase) != "" {
				tokens = append(tokens, token{text: phrase, phrase: true})
			}
			rest = rest[2+end:]
			continue
		}
		word := rest
		if i := strings.IndexAny(rest, " \t"); i >= 0 {
			word, rest = rest[:i], rest[i:]
		} else {
			rest = ""
		}
		if strings.ContainsAny(word, syntaxChars+`"`) {
			return nil, ErrBadSyntax
		}
		tokens = append(tokens, token{text: word})
	}

	// AND/OR need a term on both sides, NOT needs one to negate, and bare
	// +/- bind to nothing.
	for i, t := range tokens {
		if t.phrase {
			continue
		}
		switch t.text {
		case "+", "-":
			return nil, ErrBadSyntax
		case "AND", "OR":
			if i == 0 || i == len(tokens)-1 {
				return nil, ErrBadSyntax
			}
		case "NOT":
			if i == len(tokens)-1 {
				return nil, ErrBadSyntax
			}
		}
	}
	return tokens, nil
}

// Escape strips query syntax from text so it can only be read literally.
func Escape(text string) string {
	var b strings.Builder
	for _, r := range text {
		if strings.ContainsRune(syntaxChars+`"`, r) {
			b.WriteByte(' ')
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// parseText is the two-stage parse: well-formed syntax as written, anything
// else degraded to literal terms. It never fails; every user-supplied string
// yields some query.
func parseText(text string) []token {
	tokens, err := tryParse(text)
	if err == nil {
		return tokens
	}
	var literal []token
	for _, word := range strings.Fields(Escape(text)) {
		switch word {
		case "AND", "OR", "NOT", "+", "-":
			continue
		}
		literal = append(literal, token{text: word})
	}
	return literal
}

// BuildQuery translates free text plus structured filters into one boolean
// expression for the given entity type. Each free-text term is matched across
// the entity's weighted field set, with AND/OR/NOT operators honored and
// plain adjacency meaning OR; filters are AND'd with the text clause and each
// other; tag filters are OR'd among themselves. Empty text with applicable
// filters degrades to match-then-filter over every document.
//
// A nil result means this entity has nothing to match: filters were supplied
// but none of them apply to this entity type, so the caller skips its index
// entirely instead of returning the whole corpus.
func BuildQuery(entity EntityType, text string, f Filters) Expr {
	sch := schemaFor(entity)
	var parts []Expr
	if tc := textClause(sch, text); tc != nil {
		parts = append(parts, tc)
	}

	switch entity {
	case EntityCourse:
		if f.Category != "" {
			parts = append(parts, Term{Field: fieldCategory, Value: strings.ToLower(f.Category)})
		}
		if f.Level != "" {
			parts = append(parts, Term{Field: fieldLevel, Value: strings.ToLower(f.Level)})
		}
		if tags := NormalizeTags(f.Tags); len(tags) > 0 {
			anyTag := Or{}
			for _, tag := range tags {
				anyTag.Sub = append(anyTag.Sub, Term{Field: fieldTags, Value: tag})
			}
			parts = append(parts, anyTag)
		}
		if f.TeacherName != "" {
			parts = append(parts, matchLiteral(fieldTeacherName, f.TeacherName))
		}
	case EntityMaterial:
		if f.MaterialType != "" {
			parts = append(parts, Term{Field: fieldMaterialType, Value: strings.ToLower(f.MaterialType)})
		}
	case EntityTeacher:
		if f.TeacherName != "" {
			parts = append(parts, matchLiteral(fieldName, f.TeacherName))
		}
	}

	switch len(parts) {
	case 0:
		if f.Empty() && strings.TrimSpace(text) == "" {
			// No text and no filters at all: an administrative browse of
			// everything. Normal callers reject this at the API boundary.
			return MatchAll{}
		}
		// Text that degraded to nothing, or filters that all belong to
		// other entity types: nothing can match here.
		return nil
	case 1:
		return parts[0]
	default:
		return And{Sub: parts}
	}
}

// textGroup is one conjunction in the free-text clause: terms that must
// match and terms that must not.
type textGroup struct {
	must    []Expr
	mustNot []Expr
}

func (g *textGroup) empty() bool {
	return len(g.must) == 0 && len(g.mustNot) == 0
}

func (g *textGroup) expr() Expr {
	parts := g.must
	if len(parts) == 0 && len(g.mustNot) > 0 {
		// Pure negation still needs a positive side to subtract from.
		parts = []Expr{MatchAll{}}
	}
	for _, sub := range g.mustNot {
		parts = append(parts, Not{Sub: sub})
	}
	switch len(parts) {
	case 0:
		return nil
	case 1:
		return parts[0]
	default:
		return And{Sub: parts}
	}
}

// textClause builds the free-text clause over the entity's field set.
// Boolean operators keep their meaning: AND joins terms into one
// conjunction, NOT negates the following term within it, and OR (or plain
// adjacency) separates conjunctions. Nil means no usable text was supplied.
func textClause(sch entitySchema, text string) Expr {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	tokens := parseText(text)
	if len(tokens) == 0 {
		return nil
	}

	groups := []*textGroup{{}}
	cur := groups[0]
	nextAnd := false
	negate := false
	for _, t := range tokens {
		if !t.phrase {
			switch t.text {
			case "AND":
				nextAnd = true
				continue
			case "OR":
				nextAnd = false
				continue
			case "NOT":
				negate = true
				continue
			}
		}
		clause := tokenClause(sch, t)
		switch {
		case negate:
			cur.mustNot = append(cur.mustNot, clause)
		case nextAnd || cur.empty():
			cur.must = append(cur.must, clause)
		default:
			cur = &textGroup{must: []Expr{clause}}
			groups = append(groups, cur)
		}
		nextAnd = false
		negate = false
	}

	disjuncts := make([]Expr, 0, len(groups))
	for _, g := range groups {
		if e := g.expr(); e != nil {
			disjuncts = append(disjuncts, e)
		}
	}
	switch len(disjuncts) {
	case 0:
		return nil
	case 1:
		return disjuncts[0]
	default:
		return Or{Sub: disjuncts}
	}
}

// tokenClause matches one token across the entity's weighted field set.
func tokenClause(sch entitySchema, t token) Expr {
	clause := Or{}
	for _, field := range sch.textFields() {
		switch {
		case field.keyword:
			// Keyword fields store case-folded single terms; a phrase
			// can still hit a multi-word tag value exactly.
			clause.Sub = append(clause.Sub, Term{Field: field.name, Value: strings.ToLower(t.text)})
		case t.phrase:
			clause.Sub = append(clause.Sub, MatchPhrase{Field: field.name, Phrase: t.text, Boost: field.boost})
		default:
			clause.Sub = append(clause.Sub, Match{Field: field.name, Text: t.text, Boost: field.boost})
		}
	}
	if len(clause.Sub) == 1 {
		return clause.Sub[0]
	}
	return clause
}

// matchLiteral builds an analyzed match with syntax stripped; filter values
// are never interpreted as query syntax.
func matchLiteral(field, text string) Expr {
	return Match{Field: field, Text: Escape(text)}
}
