package search

import (
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const (
	idxCourses   = "lectern_courses"
	idxMaterials = "lectern_materials"
	idxTeachers  = "lectern_teachers"
)

func meiliIndexUID(entity EntityType) string {
	switch entity {
	case EntityCourse:
		return idxCourses
	case EntityMaterial:
		return idxMaterials
	default:
		return idxTeachers
	}
}

// Meili is the optional remote engine for deployments that prefer a hosted
// search cluster over the embedded indexes. It approximates the embedded
// semantics: filters become meili filter expressions (the teacher-name filter
// degrades to exact equality), facet counts come from facet distributions,
// and meili's own parser handles free text, which never raises on user input
// but treats AND/OR/NOT as plain terms rather than operators.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates the client and configures the three indexes. A failed
// initial connection is logged, not fatal; a background probe flips the
// engine healthy once the cluster recovers.
func NewMeili(url, apiKey string) *Meili {
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		done:   make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	indexes := []struct {
		uid        string
		filterable []string
		searchable []string
	}{
		{
			uid:        idxCourses,
			filterable: []string{fieldCategory, fieldLevel, fieldTags, fieldTeacherName},
			searchable: []string{fieldTitle, fieldDescription, fieldTeacherName, fieldTags, fieldCategory, fieldLevel},
		},
		{
			uid:        idxMaterials,
			filterable: []string{fieldMaterialType},
			searchable: []string{fieldTitle, fieldContent, fieldCourseTitle},
		},
		{
			uid:        idxTeachers,
			filterable: []string{},
			searchable: []string{fieldName},
		},
	}

	for _, idx := range indexes {
		if _, err := m.client.CreateIndex(&meili.IndexConfig{
			Uid:        idx.uid,
			PrimaryKey: "id",
		}); err != nil {
			log.Printf("search: create index %s (may already exist): %v", idx.uid, err)
		}

		index := m.client.Index(idx.uid)
		filterable := make([]interface{}, len(idx.filterable))
		for i, v := range idx.filterable {
			filterable[i] = v
		}
		if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
			log.Printf("search: update filterable attrs for %s: %v", idx.uid, err)
		}
		searchable := idx.searchable
		if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
			log.Printf("search: update searchable attrs for %s: %v", idx.uid, err)
		}
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Healthy reports whether the cluster is reachable.
func (m *Meili) Healthy() bool { return m.healthy.Load() }

// Close stops the background health probe.
func (m *Meili) Close() error {
	close(m.done)
	return nil
}

func (m *Meili) UpsertCourse(doc CourseDocument) error {
	doc.Tags = NormalizeTags(doc.Tags)
	_, err := m.client.Index(idxCourses).AddDocuments([]CourseDocument{doc}, nil)
	if err != nil {
		return fmt.Errorf("index course id=%s: %w", doc.ID, err)
	}
	return nil
}

func (m *Meili) UpsertMaterial(doc MaterialDocument) error {
	_, err := m.client.Index(idxMaterials).AddDocuments([]MaterialDocument{doc}, nil)
	if err != nil {
		return fmt.Errorf("index material id=%s: %w", doc.ID, err)
	}
	return nil
}

func (m *Meili) UpsertTeacher(doc TeacherDocument) error {
	_, err := m.client.Index(idxTeachers).AddDocuments([]TeacherDocument{doc}, nil)
	if err != nil {
		return fmt.Errorf("index teacher id=%s: %w", doc.ID, err)
	}
	return nil
}

func (m *Meili) Delete(entity EntityType, id string) error {
	if _, err := m.client.Index(meiliIndexUID(entity)).DeleteDocument(id, nil); err != nil {
		return fmt.Errorf("delete %s id=%s: %w", entity, id, err)
	}
	return nil
}

func (m *Meili) Reset(entity EntityType) error {
	if _, err := m.client.Index(meiliIndexUID(entity)).DeleteAllDocuments(nil); err != nil {
		return fmt.Errorf("reset %s: %w", entity, err)
	}
	return nil
}

func (m *Meili) Search(entity EntityType, req Request) (EntityResult, error) {
	if !m.healthy.Load() {
		return EntityResult{}, fmt.Errorf("search %s: meilisearch unhealthy", entity)
	}
	// Same skip rule as the embedded engine: nothing can match this entity.
	if BuildQuery(entity, req.Text, req.Filters) == nil {
		return EntityResult{}, nil
	}

	sreq := &meili.SearchRequest{
		Limit:            int64(req.limit()),
		ShowRankingScore: true,
		Facets:           schemaFor(entity).facetFields(),
	}
	if filter := meiliFilter(entity, req.Filters); len(filter) > 0 {
		sreq.Filter = filter
	}

	resp, err := m.client.Index(meiliIndexUID(entity)).Search(req.Text, sreq)
	if err != nil {
		m.healthy.Store(false)
		return EntityResult{}, fmt.Errorf("search %s: %w", entity, err)
	}

	out := EntityResult{Facets: decodeFacetDistribution(resp.FacetDistribution)}
	for _, hit := range resp.Hits {
		out.Hits = append(out.Hits, meiliHit(entity, hit))
	}
	return out, nil
}

// meiliFilter renders the structured filters as meili filter expressions,
// all AND'd together; requested tags are OR'd among themselves.
func meiliFilter(entity EntityType, f Filters) []string {
	var filters []string
	switch entity {
	case EntityCourse:
		if f.Category != "" {
			filters = append(filters, fmt.Sprintf("%s = %q", fieldCategory, strings.ToLower(f.Category)))
		}
		if f.Level != "" {
			filters = append(filters, fmt.Sprintf("%s = %q", fieldLevel, strings.ToLower(f.Level)))
		}
		if tags := NormalizeTags(f.Tags); len(tags) > 0 {
			parts := make([]string, len(tags))
			for i, tag := range tags {
				parts[i] = fmt.Sprintf("%s = %q", fieldTags, tag)
			}
			filters = append(filters, "("+strings.Join(parts, " OR ")+")")
		}
		if f.TeacherName != "" {
			filters = append(filters, fmt.Sprintf("%s = %q", fieldTeacherName, f.TeacherName))
		}
	case EntityMaterial:
		if f.MaterialType != "" {
			filters = append(filters, fmt.Sprintf("%s = %q", fieldMaterialType, strings.ToLower(f.MaterialType)))
		}
	}
	return filters
}

func meiliHit(entity EntityType, hit meili.Hit) Hit {
	h := Hit{
		ID:     decodeString(hit, "id"),
		Entity: entity,
		Score:  decodeFloat(hit, "_rankingScore"),
	}
	switch entity {
	case EntityCourse:
		h.Title = decodeString(hit, fieldTitle)
		h.Category = decodeString(hit, fieldCategory)
		h.Level = decodeString(hit, fieldLevel)
		h.TeacherName = decodeString(hit, fieldTeacherName)
		h.Tags = decodeStrings(hit, fieldTags)
	case EntityMaterial:
		h.Title = materialDisplayTitle(decodeString(hit, fieldTitle), decodeString(hit, fieldCourseTitle))
		h.MaterialType = decodeString(hit, fieldMaterialType)
		h.CourseID = decodeString(hit, fieldCourseID)
	case EntityTeacher:
		h.Title = decodeString(hit, fieldName)
	}
	return h
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}

func decodeStrings(hit meili.Hit, key string) []string {
	raw, ok := hit[key]
	if !ok {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	return nil
}

func decodeFloat(hit meili.Hit, key string) float64 {
	raw, ok := hit[key]
	if !ok {
		return 0
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f
	}
	return 0
}

// decodeFacetDistribution converts meili's facet distribution into ordered
// facet groups, count descending.
func decodeFacetDistribution(dist interface{}) map[string][]FacetValue {
	out := make(map[string][]FacetValue)
	if dist == nil {
		return out
	}
	raw, err := json.Marshal(dist)
	if err != nil {
		return out
	}
	var groups map[string]map[string]int
	if err := json.Unmarshal(raw, &groups); err != nil {
		return out
	}
	for field, counts := range groups {
		var values []FacetValue
		for value, count := range counts {
			values = append(values, FacetValue{Value: value, Count: count})
		}
		sort.Slice(values, func(i, j int) bool {
			if values[i].Count != values[j].Count {
				return values[i].Count > values[j].Count
			}
			return values[i].Value < values[j].Value
		})
		if len(values) > 0 {
			out[field] = values
		}
	}
	return out
}
