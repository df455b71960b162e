// Package search maintains the three full-text indexes (courses, materials,
// teachers) that back the platform's search box. Each entity type has its own
// independently persisted index; writes are full replacements keyed by id, and
// a single query fans out to every enabled index, merging ranked hits and
// facet counts into one response.
package search

import (
	"context"
	"fmt"
	"strings"
)

// EntityType identifies which of the three indexes a document belongs to.
type EntityType string

const (
	EntityCourse   EntityType = "course"
	EntityMaterial EntityType = "material"
	EntityTeacher  EntityType = "teacher"
)

// Entities lists every indexed entity type.
var Entities = []EntityType{EntityCourse, EntityMaterial, EntityTeacher}

// CourseDocument is the search snapshot of a course. TeacherName is
// denormalized at write time and goes stale until the next upsert or reindex.
type CourseDocument struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Category    string   `json:"category"`
	Level       string   `json:"level"`
	TeacherName string   `json:"teacherName"`
	Tags        []string `json:"tags"`
}

// MaterialDocument is the search snapshot of a course material. CourseTitle is
// denormalized for display and cross-field matching.
type MaterialDocument struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Content      string `json:"content"`
	MaterialType string `json:"materialType"`
	CourseID     string `json:"courseId"`
	CourseTitle  string `json:"courseTitle"`
}

// TeacherDocument is the search snapshot of a teacher.
type TeacherDocument struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Filters are the structured, exact-match constraints of a search request.
// Each filter only applies to entity types that carry the field.
type Filters struct {
	Category     string
	Level        string
	Tags         []string
	MaterialType string
	TeacherName  string
}

// Empty reports whether no filter is set.
func (f Filters) Empty() bool {
	return f.Category == "" && f.Level == "" && len(f.Tags) == 0 &&
		f.MaterialType == "" && f.TeacherName == ""
}

// Sources selects which entity indexes a search runs against.
// The zero value means "all enabled".
type Sources struct {
	Courses   bool
	Materials bool
	Teachers  bool
}

// AllSources enables every entity index.
func AllSources() Sources {
	return Sources{Courses: true, Materials: true, Teachers: true}
}

func (s Sources) enabled(entity EntityType) bool {
	if s == (Sources{}) {
		return true
	}
	switch entity {
	case EntityCourse:
		return s.Courses
	case EntityMaterial:
		return s.Materials
	case EntityTeacher:
		return s.Teachers
	}
	return false
}

// Request describes one search call. Callers must supply free text or at
// least one filter; that validation happens at the API boundary, not here.
type Request struct {
	Text    string
	Filters Filters
	Sources Sources
	Limit   int
}

// DefaultLimit bounds searches that do not specify a limit.
const DefaultLimit = 20

func (r Request) limit() int {
	if r.Limit <= 0 {
		return DefaultLimit
	}
	return r.Limit
}

// Hit is a single ranked search result.
type Hit struct {
	ID           string     `json:"id"`
	Entity       EntityType `json:"type"`
	Title        string     `json:"title"`
	Score        float64    `json:"relevanceScore"`
	Category     string     `json:"category,omitempty"`
	Level        string     `json:"level,omitempty"`
	TeacherName  string     `json:"teacherName,omitempty"`
	Tags         []string   `json:"tags,omitempty"`
	MaterialType string     `json:"materialType,omitempty"`
	CourseID     string     `json:"courseId,omitempty"`
}

// FacetValue is one (value, count) pair within a facet group.
type FacetValue struct {
	Value string `json:"value"`
	Count int    `json:"count"`
}

// Facets groups distinct-value counts over the matched document set,
// ordered by count descending. Empty groups are omitted from responses.
// Teachers is kept for wire compatibility but teacher documents carry no
// facet fields, so it is only ever empty.
type Facets struct {
	Categories    []FacetValue `json:"categories,omitempty"`
	Levels        []FacetValue `json:"levels,omitempty"`
	Tags          []FacetValue `json:"tags,omitempty"`
	MaterialTypes []FacetValue `json:"materialTypes,omitempty"`
	Teachers      []FacetValue `json:"teachers,omitempty"`
}

// Response is the envelope returned to the query-serving caller.
type Response struct {
	Query   string `json:"query"`
	Results []Hit  `json:"results"`
	Facets  Facets `json:"facets"`
}

// EntityResult is what an engine returns for one index: ranked hits bounded by
// the request limit, plus facet counts over the full matched set (pre-limit).
type EntityResult struct {
	Hits   []Hit
	Facets map[string][]FacetValue
}

// Engine executes index reads and writes for all three entity types.
// Implementations follow single-writer/multiple-reader discipline per index;
// readers see either the pre-write or the fully committed post-write state.
type Engine interface {
	UpsertCourse(doc CourseDocument) error
	UpsertMaterial(doc MaterialDocument) error
	UpsertTeacher(doc TeacherDocument) error
	Delete(entity EntityType, id string) error
	Search(entity EntityType, req Request) (EntityResult, error)
	Reset(entity EntityType) error
	Healthy() bool
	Close() error
}

// Counts reports how many documents a rebuild indexed per entity type.
type Counts struct {
	Courses   int `json:"courses"`
	Materials int `json:"materials"`
	Teachers  int `json:"teachers"`
}

// Source enumerates every current entity from the system of record for a
// full rebuild. Enumeration order is up to the implementation.
type Source interface {
	EachCourse(ctx context.Context, fn func(CourseDocument) error) error
	EachMaterial(ctx context.Context, fn func(MaterialDocument) error) error
	EachTeacher(ctx context.Context, fn func(TeacherDocument) error) error
}

// EngineConfig selects and configures the index engine.
type EngineConfig struct {
	Name     string // "bleve" (default) or "meili"
	IndexDir string
	MeiliURL string
	MeiliKey string
}

// NewEngine builds the configured engine. The embedded bleve engine is the
// default and the reference implementation of the search semantics.
func NewEngine(cfg EngineConfig) (Engine, error) {
	switch cfg.Name {
	case "", "bleve":
		return NewBleve(cfg.IndexDir)
	case "meili":
		return NewMeili(cfg.MeiliURL, cfg.MeiliKey), nil
	default:
		return nil, fmt.Errorf("unknown search engine %q", cfg.Name)
	}
}

// SplitTags turns the comma-separated tag column into normalized tag values:
// trimmed, lowercased, blanks dropped, duplicates removed.
func SplitTags(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	seen := make(map[string]bool)
	var tags []string
	for _, part := range strings.Split(raw, ",") {
		tag := strings.ToLower(strings.TrimSpace(part))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		tags = append(tags, tag)
	}
	return tags
}

// NormalizeTags applies SplitTags normalization to an already-split list.
func NormalizeTags(raw []string) []string {
	return SplitTags(strings.Join(raw, ","))
}

// materialDisplayTitle is the display string for material hits: the material
// title with its parent course title attached.
func materialDisplayTitle(title, courseTitle string) string {
	if strings.TrimSpace(courseTitle) == "" {
		return title
	}
	return fmt.Sprintf("%s (course: %s)", title, courseTitle)
}
