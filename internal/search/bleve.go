package search

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"
)

// facetTermLimit bounds how many distinct values a facet group reports.
const facetTermLimit = 100

// bleveIndex is one persisted per-entity index. The mutex enforces the
// single-writer discipline and guards handle swaps during Reset; bleve gives
// readers a consistent snapshot per commit, so partially written documents
// are never visible.
type bleveIndex struct {
	mu   sync.RWMutex
	idx  bleve.Index
	path string
	sch  entitySchema
}

// Bleve is the embedded index engine: three bleve indexes, one directory per
// entity type under the configured root.
type Bleve struct {
	indexes map[EntityType]*bleveIndex
}

// NewBleve opens or creates the three entity indexes under dir. A corrupt or
// unreadable index is recreated empty rather than failing the caller.
func NewBleve(dir string) (*Bleve, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}

	b := &Bleve{indexes: make(map[EntityType]*bleveIndex)}
	for _, entity := range Entities {
		sch := schemaFor(entity)
		path := filepath.Join(dir, string(entity)+"s.bleve")
		idx, err := openOrCreate(path, sch)
		if err != nil {
			b.closeOpened()
			return nil, fmt.Errorf("open %s index: %w", entity, err)
		}
		b.indexes[entity] = &bleveIndex{idx: idx, path: path, sch: sch}
	}
	return b, nil
}

// openOrCreate opens a persisted index, recreating it empty when it is
// missing, corrupt, or unreadable.
func openOrCreate(path string, sch entitySchema) (bleve.Index, error) {
	if _, err := os.Stat(path); err == nil {
		idx, err := bleve.Open(path)
		if err == nil {
			return idx, nil
		}
		log.Printf("search: index at %s unreadable, recreating: %v", path, err)
		if err := os.RemoveAll(path); err != nil {
			return nil, fmt.Errorf("remove unreadable index: %w", err)
		}
	}
	return bleve.New(path, sch.indexMapping())
}

func (b *Bleve) closeOpened() {
	for _, bi := range b.indexes {
		if bi.idx != nil {
			_ = bi.idx.Close()
		}
	}
}

// Healthy always reports true; the embedded engine has no remote dependency.
func (b *Bleve) Healthy() bool { return true }

// Close releases all three indexes.
func (b *Bleve) Close() error {
	var firstErr error
	for entity, bi := range b.indexes {
		bi.mu.Lock()
		if err := bi.idx.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s index: %w", entity, err)
		}
		bi.mu.Unlock()
	}
	return firstErr
}

// upsert writes a full-replacement document. bleve replaces any existing
// document under the same id atomically, so duplicates cannot coexist.
func (b *Bleve) upsert(entity EntityType, id string, fields map[string]interface{}) error {
	if id == "" {
		return fmt.Errorf("index %s: empty id", entity)
	}
	bi := b.indexes[entity]
	bi.mu.Lock()
	defer bi.mu.Unlock()
	if err := bi.idx.Index(id, fields); err != nil {
		return fmt.Errorf("index %s id=%s: %w", entity, id, err)
	}
	return nil
}

func (b *Bleve) UpsertCourse(doc CourseDocument) error {
	return b.upsert(EntityCourse, doc.ID, doc.fields())
}

func (b *Bleve) UpsertMaterial(doc MaterialDocument) error {
	return b.upsert(EntityMaterial, doc.ID, doc.fields())
}

func (b *Bleve) UpsertTeacher(doc TeacherDocument) error {
	return b.upsert(EntityTeacher, doc.ID, doc.fields())
}

// Delete removes the document with the given id. Deleting an id that was
// never indexed is a no-op, not an error.
func (b *Bleve) Delete(entity EntityType, id string) error {
	bi := b.indexes[entity]
	bi.mu.Lock()
	defer bi.mu.Unlock()
	if err := bi.idx.Delete(id); err != nil {
		return fmt.Errorf("delete %s id=%s: %w", entity, id, err)
	}
	return nil
}

// Reset destroys all documents for one entity type and leaves an empty,
// ready index. Used only by full rebuilds; concurrent queries may observe
// the index empty or partially repopulated until the rebuild finishes.
func (b *Bleve) Reset(entity EntityType) error {
	bi := b.indexes[entity]
	bi.mu.Lock()
	defer bi.mu.Unlock()

	if err := bi.idx.Close(); err != nil {
		return fmt.Errorf("reset %s: close: %w", entity, err)
	}
	if err := os.RemoveAll(bi.path); err != nil {
		return fmt.Errorf("reset %s: remove: %w", entity, err)
	}
	idx, err := bleve.New(bi.path, bi.sch.indexMapping())
	if err != nil {
		return fmt.Errorf("reset %s: recreate: %w", entity, err)
	}
	bi.idx = idx
	return nil
}

// Search runs one entity's query and aggregates its facets over the matched
// set before the limit is applied.
func (b *Bleve) Search(entity EntityType, req Request) (EntityResult, error) {
	expr := BuildQuery(entity, req.Text, req.Filters)
	if expr == nil {
		return EntityResult{}, nil
	}

	bi := b.indexes[entity]
	bi.mu.RLock()
	defer bi.mu.RUnlock()

	sreq := bleve.NewSearchRequest(compileExpr(expr))
	sreq.Size = req.limit()
	sreq.Fields = []string{"*"}
	for _, field := range bi.sch.facetFields() {
		sreq.AddFacet(field, bleve.NewFacetRequest(field, facetTermLimit))
	}

	res, err := bi.idx.Search(sreq)
	if err != nil {
		return EntityResult{}, fmt.Errorf("search %s: %w", entity, err)
	}

	out := EntityResult{Facets: make(map[string][]FacetValue)}
	for _, hit := range res.Hits {
		out.Hits = append(out.Hits, hitFromFields(entity, hit.ID, hit.Score, hit.Fields))
	}
	for name, fr := range res.Facets {
		var values []FacetValue
		for _, term := range fr.Terms.Terms() {
			values = append(values, FacetValue{Value: term.Term, Count: term.Count})
		}
		if len(values) > 0 {
			out.Facets[name] = values
		}
	}
	return out, nil
}

// hitFromFields rebuilds a Hit from the stored fields of a match.
func hitFromFields(entity EntityType, id string, score float64, fields map[string]interface{}) Hit {
	h := Hit{ID: id, Entity: entity, Score: score}
	switch entity {
	case EntityCourse:
		h.Title = storedString(fields, fieldTitle)
		h.Category = storedString(fields, fieldCategory)
		h.Level = storedString(fields, fieldLevel)
		h.TeacherName = storedString(fields, fieldTeacherName)
		h.Tags = storedStrings(fields, fieldTags)
	case EntityMaterial:
		h.Title = materialDisplayTitle(storedString(fields, fieldTitle), storedString(fields, fieldCourseTitle))
		h.MaterialType = storedString(fields, fieldMaterialType)
		h.CourseID = storedString(fields, fieldCourseID)
	case EntityTeacher:
		h.Title = storedString(fields, fieldName)
	}
	return h
}

func storedString(fields map[string]interface{}, name string) string {
	switch v := fields[name].(type) {
	case string:
		return v
	case []interface{}:
		if len(v) > 0 {
			if s, ok := v[0].(string); ok {
				return s
			}
		}
	}
	return ""
}

func storedStrings(fields map[string]interface{}, name string) []string {
	switch v := fields[name].(type) {
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	case []interface{}:
		var out []string
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// compileExpr interprets the engine-independent expression tree as bleve
// queries.
func compileExpr(e Expr) query.Query {
	switch v := e.(type) {
	case MatchAll:
		return bleve.NewMatchAllQuery()
	case Term:
		q := bleve.NewTermQuery(v.Value)
		q.SetField(v.Field)
		return q
	case Match:
		q := bleve.NewMatchQuery(v.Text)
		q.SetField(v.Field)
		if v.Boost > 0 {
			q.SetBoost(v.Boost)
		}
		return q
	case MatchPhrase:
		q := bleve.NewMatchPhraseQuery(v.Phrase)
		q.SetField(v.Field)
		if v.Boost > 0 {
			q.SetBoost(v.Boost)
		}
		return q
	case And:
		sub := make([]query.Query, 0, len(v.Sub))
		for _, s := range v.Sub {
			sub = append(sub, compileExpr(s))
		}
		return bleve.NewConjunctionQuery(sub...)
	case Or:
		sub := make([]query.Query, 0, len(v.Sub))
		for _, s := range v.Sub {
			sub = append(sub, compileExpr(s))
		}
		return bleve.NewDisjunctionQuery(sub...)
	case Not:
		q := bleve.NewBooleanQuery()
		q.AddMustNot(compileExpr(v.Sub))
		return q
	default:
		return bleve.NewMatchNoneQuery()
	}
}
