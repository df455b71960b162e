package search

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
)

// Service owns the engine and exposes the write, read, and rebuild contracts.
// It imposes no concurrency model of its own; callers invoke it from whatever
// goroutines the host service uses.
type Service struct {
	engine Engine
}

// NewService wraps an engine.
func NewService(engine Engine) *Service {
	return &Service{engine: engine}
}

// Engine exposes the underlying engine, mainly for health checks.
func (s *Service) Engine() Engine { return s.engine }

// Close releases the engine's index handles.
func (s *Service) Close() error { return s.engine.Close() }

// UpsertCourse writes the full replacement snapshot of a course. Keyword
// fields are case-folded and tags normalized before indexing. Write failures
// are surfaced to the caller; the service does not retry.
func (s *Service) UpsertCourse(doc CourseDocument) error {
	doc.Category = strings.ToLower(strings.TrimSpace(doc.Category))
	doc.Level = strings.ToLower(strings.TrimSpace(doc.Level))
	doc.Tags = NormalizeTags(doc.Tags)
	if err := s.engine.UpsertCourse(doc); err != nil {
		return fmt.Errorf("upsert course: %w", err)
	}
	return nil
}

// UpsertMaterial writes the full replacement snapshot of a material.
func (s *Service) UpsertMaterial(doc MaterialDocument) error {
	doc.MaterialType = strings.ToLower(strings.TrimSpace(doc.MaterialType))
	if err := s.engine.UpsertMaterial(doc); err != nil {
		return fmt.Errorf("upsert material: %w", err)
	}
	return nil
}

// UpsertTeacher writes the full replacement snapshot of a teacher.
func (s *Service) UpsertTeacher(doc TeacherDocument) error {
	if err := s.engine.UpsertTeacher(doc); err != nil {
		return fmt.Errorf("upsert teacher: %w", err)
	}
	return nil
}

// Delete removes one document; deleting an id that is not indexed is a no-op.
func (s *Service) Delete(entity EntityType, id string) error {
	if err := s.engine.Delete(entity, id); err != nil {
		return fmt.Errorf("delete %s %s: %w", entity, id, err)
	}
	return nil
}

// Search fans the request out to every enabled entity index, merges the
// ranked hits, and assembles the facet groups. A failing entity index
// degrades to an empty result for that type instead of failing the whole
// query. Raw relevance scores are compared across entity types without
// renormalization; the scales differ per entity field set.
func (s *Service) Search(req Request) Response {
	merged := make([]Hit, 0)
	var facets Facets

	for _, entity := range Entities {
		if !req.Sources.enabled(entity) {
			continue
		}
		res, err := s.engine.Search(entity, req)
		if err != nil {
			log.Printf("search: %s query failed: %v", entity, err)
			continue
		}
		merged = append(merged, res.Hits...)
		collectFacets(&facets, entity, res.Facets)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Score > merged[j].Score
	})
	if limit := req.limit(); len(merged) > limit {
		merged = merged[:limit]
	}

	return Response{Query: req.Text, Results: merged, Facets: facets}
}

// collectFacets maps an entity's facet fields onto the response groups.
// Teacher documents declare no facet fields, so the teachers group stays
// empty and is omitted from the serialized response.
func collectFacets(out *Facets, entity EntityType, groups map[string][]FacetValue) {
	switch entity {
	case EntityCourse:
		out.Categories = groups[fieldCategory]
		out.Levels = groups[fieldLevel]
		out.Tags = groups[fieldTags]
	case EntityMaterial:
		out.MaterialTypes = groups[fieldMaterialType]
	}
}

// ReindexAll rebuilds all three indexes from the authoritative enumeration:
// reset every index, then upsert each current entity. The rebuild is
// best-effort, not transactional; if the enumeration fails partway, documents
// already written remain and the per-entity counts report progress so far.
// Queries running during a rebuild may observe temporarily empty or partially
// repopulated indexes.
func (s *Service) ReindexAll(ctx context.Context, src Source) (Counts, error) {
	var counts Counts

	for _, entity := range Entities {
		if err := s.engine.Reset(entity); err != nil {
			return counts, fmt.Errorf("reindex: %w", err)
		}
	}

	if err := src.EachCourse(ctx, func(doc CourseDocument) error {
		if err := s.UpsertCourse(doc); err != nil {
			return err
		}
		counts.Courses++
		return nil
	}); err != nil {
		return counts, fmt.Errorf("reindex courses (indexed %d): %w", counts.Courses, err)
	}

	if err := src.EachMaterial(ctx, func(doc MaterialDocument) error {
		if err := s.UpsertMaterial(doc); err != nil {
			return err
		}
		counts.Materials++
		return nil
	}); err != nil {
		return counts, fmt.Errorf("reindex materials (indexed %d): %w", counts.Materials, err)
	}

	if err := src.EachTeacher(ctx, func(doc TeacherDocument) error {
		if err := s.UpsertTeacher(doc); err != nil {
			return err
		}
		counts.Teachers++
		return nil
	}); err != nil {
		return counts, fmt.Errorf("reindex teachers (indexed %d): %w", counts.Teachers, err)
	}

	log.Printf("search: reindexed %d courses, %d materials, %d teachers",
		counts.Courses, counts.Materials, counts.Teachers)
	return counts, nil
}
