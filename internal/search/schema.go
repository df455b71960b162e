package search

import (
	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
)

// Field names as stored in the indexes. Keyword fields are case-folded by the
// document constructors before writing, not by the analyzer.
const (
	fieldTitle        = "title"
	fieldDescription  = "description"
	fieldCategory     = "category"
	fieldLevel        = "level"
	fieldTeacherName  = "teacherName"
	fieldTags         = "tags"
	fieldContent      = "content"
	fieldMaterialType = "materialType"
	fieldCourseID     = "courseId"
	fieldCourseTitle  = "courseTitle"
	fieldName         = "name"
)

// fieldSpec declares one indexed field: analyzed text or exact keyword,
// optional query-time boost, and whether it participates in facet counting.
type fieldSpec struct {
	name    string
	keyword bool    // exact term matching (facets, filters)
	boost   float64 // free-text relevance boost; 0 means 1.0
	facet   bool
	noIndex bool // stored only, returned verbatim, never searched
}

// entitySchema is the schema registry entry for one entity type.
type entitySchema struct {
	entity EntityType
	fields []fieldSpec
}

var (
	courseSchema = entitySchema{
		entity: EntityCourse,
		fields: []fieldSpec{
			{name: fieldTitle, boost: 2.0},
			{name: fieldDescription},
			{name: fieldCategory, keyword: true, facet: true},
			{name: fieldLevel, keyword: true, facet: true},
			{name: fieldTeacherName},
			{name: fieldTags, keyword: true, facet: true},
		},
	}
	materialSchema = entitySchema{
		entity: EntityMaterial,
		fields: []fieldSpec{
			{name: fieldTitle, boost: 1.5},
			{name: fieldContent},
			{name: fieldMaterialType, keyword: true, facet: true},
			{name: fieldCourseID, noIndex: true},
			{name: fieldCourseTitle},
		},
	}
	teacherSchema = entitySchema{
		entity: EntityTeacher,
		fields: []fieldSpec{
			{name: fieldName, boost: 2.0},
		},
	}
)

func schemaFor(entity EntityType) entitySchema {
	switch entity {
	case EntityCourse:
		return courseSchema
	case EntityMaterial:
		return materialSchema
	default:
		return teacherSchema
	}
}

// textFields returns the weighted field set free text is matched against.
// Keyword fields are included so a single query box can hit a tag or a
// category the same way it hits a title.
func (s entitySchema) textFields() []fieldSpec {
	var out []fieldSpec
	for _, f := range s.fields {
		if f.noIndex {
			continue
		}
		out = append(out, f)
	}
	return out
}

// facetFields returns the fields facet counts are computed for.
func (s entitySchema) facetFields() []string {
	var out []string
	for _, f := range s.fields {
		if f.facet {
			out = append(out, f.name)
		}
	}
	return out
}

// indexMapping builds the bleve mapping for this entity's index. Every field
// is stored so hits can be returned verbatim without a second lookup.
func (s entitySchema) indexMapping() mapping.IndexMapping {
	doc := bleve.NewDocumentMapping()
	for _, f := range s.fields {
		fm := bleve.NewTextFieldMapping()
		fm.Store = true
		switch {
		case f.noIndex:
			fm.Index = false
		case f.keyword:
			fm.Analyzer = keyword.Name
		default:
			fm.Analyzer = standard.Name
		}
		doc.AddFieldMappingsAt(f.name, fm)
	}

	im := bleve.NewIndexMapping()
	im.DefaultAnalyzer = standard.Name
	im.AddDocumentMapping("_default", doc)
	return im
}

func (d CourseDocument) fields() map[string]interface{} {
	return map[string]interface{}{
		fieldTitle:       d.Title,
		fieldDescription: d.Description,
		fieldCategory:    d.Category,
		fieldLevel:       d.Level,
		fieldTeacherName: d.TeacherName,
		fieldTags:        d.Tags,
	}
}

func (d MaterialDocument) fields() map[string]interface{} {
	return map[string]interface{}{
		fieldTitle:        d.Title,
		fieldContent:      d.Content,
		fieldMaterialType: d.MaterialType,
		fieldCourseID:     d.CourseID,
		fieldCourseTitle:  d.CourseTitle,
	}
}

func (d TeacherDocument) fields() map[string]interface{} {
	return map[string]interface{}{
		fieldName: d.Name,
	}
}
