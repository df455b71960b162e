package search

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	engine, err := NewBleve(t.TempDir())
	if err != nil {
		t.Fatalf("NewBleve: %v", err)
	}
	t.Cleanup(func() { _ = engine.Close() })
	return NewService(engine)
}

func seed(t *testing.T, svc *Service) {
	t.Helper()
	courses := []CourseDocument{
		{ID: "1", Title: "Python for Beginners", Description: "Learn the basics of Python", Category: "Programming", Level: "beginner", TeacherName: "Alice Reed", Tags: []string{"python", "web"}},
		{ID: "2", Title: "Advanced Java", Description: "JVM internals and concurrency", Category: "Programming", Level: "advanced", TeacherName: "Boris Ivanov", Tags: []string{"java"}},
		{ID: "3", Title: "Watercolor Painting", Description: "An introduction to watercolor", Category: "Art", Level: "beginner", TeacherName: "Alice Reed", Tags: []string{"art"}},
	}
	for _, c := range courses {
		if err := svc.UpsertCourse(c); err != nil {
			t.Fatalf("UpsertCourse(%s): %v", c.ID, err)
		}
	}
	materials := []MaterialDocument{
		{ID: "10", Title: "Python Basics Video", Content: "Variables and loops in Python", MaterialType: "video", CourseID: "1", CourseTitle: "Python for Beginners"},
		{ID: "11", Title: "Java Quiz", Content: "Test your Java knowledge", MaterialType: "quiz", CourseID: "2", CourseTitle: "Advanced Java"},
	}
	for _, m := range materials {
		if err := svc.UpsertMaterial(m); err != nil {
			t.Fatalf("UpsertMaterial(%s): %v", m.ID, err)
		}
	}
	teachers := []TeacherDocument{
		{ID: "100", Name: "Alice Reed"},
		{ID: "101", Name: "Boris Ivanov"},
	}
	for _, d := range teachers {
		if err := svc.UpsertTeacher(d); err != nil {
			t.Fatalf("UpsertTeacher(%s): %v", d.ID, err)
		}
	}
}

func hitsOf(resp Response, entity EntityType) []Hit {
	var out []Hit
	for _, h := range resp.Results {
		if h.Entity == entity {
			out = append(out, h)
		}
	}
	return out
}

func TestUpsertIsIdempotentReplace(t *testing.T) {
	svc := newTestService(t)
	seed(t, svc)

	// Rewrite course 1 with different values; exactly one document must
	// remain under that id, reflecting the latest snapshot.
	err := svc.UpsertCourse(CourseDocument{
		ID: "1", Title: "Python Mastery", Category: "Programming",
		Level: "intermediate", TeacherName: "Alice Reed", Tags: []string{"python"},
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	resp := svc.Search(Request{Text: "python", Sources: Sources{Courses: true}})
	courses := hitsOf(resp, EntityCourse)
	if len(courses) != 1 {
		t.Fatalf("got %d course hits, want 1: %+v", len(courses), courses)
	}
	if courses[0].Title != "Python Mastery" || courses[0].Level != "intermediate" {
		t.Errorf("hit = %+v, want replaced values", courses[0])
	}
}

func TestDeleteRemovesVisibility(t *testing.T) {
	svc := newTestService(t)
	seed(t, svc)

	if err := svc.Delete(EntityCourse, "1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	resp := svc.Search(Request{Text: "python", Sources: Sources{Courses: true}})
	for _, h := range resp.Results {
		if h.ID == "1" {
			t.Fatalf("deleted course still visible: %+v", h)
		}
	}

	// Deleting an id that was never indexed is a no-op.
	if err := svc.Delete(EntityCourse, "does-not-exist"); err != nil {
		t.Errorf("delete of missing id: %v", err)
	}
}

func TestSearchMergesEntitiesRankedByScore(t *testing.T) {
	svc := newTestService(t)
	seed(t, svc)

	resp := svc.Search(Request{Text: "python"})
	if len(hitsOf(resp, EntityCourse)) == 0 {
		t.Error("no course hits for python")
	}
	if len(hitsOf(resp, EntityMaterial)) == 0 {
		t.Error("no material hits for python")
	}
	for i := 1; i < len(resp.Results); i++ {
		if resp.Results[i].Score > resp.Results[i-1].Score {
			t.Fatalf("results not sorted by score desc at %d: %+v", i, resp.Results)
		}
	}
	for _, h := range hitsOf(resp, EntityMaterial) {
		if h.Title != "Python Basics Video (course: Python for Beginners)" {
			t.Errorf("material display title = %q", h.Title)
		}
	}
}

func TestFilterOnlySearch(t *testing.T) {
	svc := newTestService(t)
	seed(t, svc)

	resp := svc.Search(Request{Filters: Filters{Category: "Programming"}})
	courses := hitsOf(resp, EntityCourse)
	if len(courses) != 2 {
		t.Fatalf("got %d programming courses, want 2: %+v", len(courses), courses)
	}
	for _, h := range courses {
		if h.Category != "programming" {
			t.Errorf("hit %s category = %q", h.ID, h.Category)
		}
	}

	// The category facet must report the returned course count.
	found := false
	for _, fv := range resp.Facets.Categories {
		if fv.Value == "programming" {
			found = true
			if fv.Count != len(courses) {
				t.Errorf("programming facet count = %d, want %d", fv.Count, len(courses))
			}
		}
	}
	if !found {
		t.Errorf("no programming entry in category facet: %+v", resp.Facets.Categories)
	}
}

func TestMaterialTypeFilterAndFacet(t *testing.T) {
	svc := newTestService(t)
	seed(t, svc)

	// The material-type filter applies only to materials; with no text, the
	// course and teacher indexes are skipped rather than returning everything.
	resp := svc.Search(Request{Filters: Filters{MaterialType: "video"}})
	if len(resp.Results) != 1 {
		t.Fatalf("got %d hits, want 1: %+v", len(resp.Results), resp.Results)
	}
	hit := resp.Results[0]
	if hit.Entity != EntityMaterial || hit.ID != "10" || hit.MaterialType != "video" {
		t.Errorf("hit = %+v, want the video material", hit)
	}

	found := false
	for _, fv := range resp.Facets.MaterialTypes {
		if fv.Value == "video" {
			found = true
			if fv.Count != 1 {
				t.Errorf("video facet count = %d, want 1", fv.Count)
			}
		}
		if fv.Value == "quiz" {
			t.Errorf("quiz entry in facet despite filter: %+v", fv)
		}
	}
	if !found {
		t.Errorf("no video entry in material type facet: %+v", resp.Facets.MaterialTypes)
	}
}

func TestNotOperatorExcludes(t *testing.T) {
	svc := newTestService(t)
	seed(t, svc)

	// "programming" alone matches both programming courses; NOT carves the
	// Java one out instead of matching "java" literally.
	resp := svc.Search(Request{Text: "programming NOT java", Sources: Sources{Courses: true}})
	got := make(map[string]bool)
	for _, h := range resp.Results {
		got[h.ID] = true
	}
	if !got["1"] {
		t.Errorf("python course excluded: %v", got)
	}
	if got["2"] {
		t.Errorf("negated java course returned: %v", got)
	}
}

func TestAndOperatorNarrows(t *testing.T) {
	svc := newTestService(t)
	seed(t, svc)

	// No course mentions both python and watercolor.
	resp := svc.Search(Request{Text: "python AND watercolor", Sources: Sources{Courses: true}})
	if len(resp.Results) != 0 {
		t.Errorf("conjunction matched %+v, want nothing", resp.Results)
	}

	// Plain adjacency is a disjunction and finds both courses.
	resp = svc.Search(Request{Text: "python watercolor", Sources: Sources{Courses: true}})
	got := make(map[string]bool)
	for _, h := range resp.Results {
		got[h.ID] = true
	}
	if !got["1"] || !got["3"] {
		t.Errorf("adjacent terms should match either course: %v", got)
	}
}

func TestTagOrSemantics(t *testing.T) {
	svc := newTestService(t)
	seed(t, svc)

	resp := svc.Search(Request{
		Filters: Filters{Tags: []string{"python", "java"}},
		Sources: Sources{Courses: true},
	})
	got := make(map[string]bool)
	for _, h := range resp.Results {
		got[h.ID] = true
	}
	if !got["1"] || !got["2"] {
		t.Errorf("courses tagged python or java missing: %v", got)
	}
	if got["3"] {
		t.Error("course tagged neither python nor java returned")
	}
}

func TestFacetTotalsConsistency(t *testing.T) {
	svc := newTestService(t)
	seed(t, svc)

	// Level is single-valued: its facet counts must sum to the number of
	// matched course documents.
	resp := svc.Search(Request{Sources: Sources{Courses: true}, Limit: 100})
	matched := len(hitsOf(resp, EntityCourse))
	sum := 0
	for _, fv := range resp.Facets.Levels {
		sum += fv.Count
	}
	if sum != matched {
		t.Errorf("level facet sum = %d, matched courses = %d", sum, matched)
	}
}

func TestDisabledSourceExclusion(t *testing.T) {
	svc := newTestService(t)
	seed(t, svc)

	resp := svc.Search(Request{
		Text:    "alice",
		Sources: Sources{Courses: true, Materials: true},
	})
	for _, h := range resp.Results {
		if h.Entity == EntityTeacher {
			t.Fatalf("teacher hit with teachers disabled: %+v", h)
		}
	}
	if len(resp.Facets.Teachers) != 0 {
		t.Errorf("teachers facet = %+v, want empty", resp.Facets.Teachers)
	}
}

func TestMalformedQueryNeverFails(t *testing.T) {
	svc := newTestService(t)
	seed(t, svc)

	for _, text := range []string{
		`"unbalanced quote`,
		`wild*card`,
		`[beginner TO advanced]`,
		`title:python^2`,
		`AND OR NOT`,
		`((((`,
		`python~3 java`,
	} {
		resp := svc.Search(Request{Text: text})
		if resp.Results == nil {
			t.Errorf("Search(%q) returned nil results", text)
		}
	}

	// The literal fallback still finds real terms buried in bad syntax.
	resp := svc.Search(Request{Text: `python*`, Sources: Sources{Courses: true}})
	if len(resp.Results) == 0 {
		t.Error("literal fallback found nothing for python*")
	}
}

func TestSearchLimitTruncatesMergedResults(t *testing.T) {
	svc := newTestService(t)
	seed(t, svc)

	resp := svc.Search(Request{Limit: 2})
	if len(resp.Results) > 2 {
		t.Errorf("got %d results, want at most 2", len(resp.Results))
	}
}

// fakeSource enumerates fixed document sets, optionally failing partway
// through the course pass.
type fakeSource struct {
	courses    []CourseDocument
	materials  []MaterialDocument
	teachers   []TeacherDocument
	failAfter  int // fail after this many courses; 0 disables
	sourceFail error
}

func (f *fakeSource) EachCourse(_ context.Context, fn func(CourseDocument) error) error {
	for i, d := range f.courses {
		if f.failAfter > 0 && i == f.failAfter {
			return f.sourceFail
		}
		if err := fn(d); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeSource) EachMaterial(_ context.Context, fn func(MaterialDocument) error) error {
	for _, d := range f.materials {
		if err := fn(d); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeSource) EachTeacher(_ context.Context, fn func(TeacherDocument) error) error {
	for _, d := range f.teachers {
		if err := fn(d); err != nil {
			return err
		}
	}
	return nil
}

func fixedSource(n, m, k int) *fakeSource {
	src := &fakeSource{}
	for i := 0; i < n; i++ {
		src.courses = append(src.courses, CourseDocument{
			ID: fmt.Sprintf("c%d", i), Title: fmt.Sprintf("Course %d", i),
			Category: "Programming", Level: "beginner",
		})
	}
	for i := 0; i < m; i++ {
		src.materials = append(src.materials, MaterialDocument{
			ID: fmt.Sprintf("m%d", i), Title: fmt.Sprintf("Material %d", i),
			MaterialType: "text", CourseID: "c0", CourseTitle: "Course 0",
		})
	}
	for i := 0; i < k; i++ {
		src.teachers = append(src.teachers, TeacherDocument{
			ID: fmt.Sprintf("t%d", i), Name: fmt.Sprintf("Teacher %d", i),
		})
	}
	return src
}

func TestReindexAllRebuildConsistency(t *testing.T) {
	svc := newTestService(t)
	seed(t, svc)

	const n, m, k = 4, 3, 2
	counts, err := svc.ReindexAll(context.Background(), fixedSource(n, m, k))
	if err != nil {
		t.Fatalf("ReindexAll: %v", err)
	}
	if counts.Courses != n || counts.Materials != m || counts.Teachers != k {
		t.Errorf("counts = %+v, want {%d %d %d}", counts, n, m, k)
	}

	// The rebuild replaces everything previously indexed: an unfiltered
	// search across all three types returns exactly N+M+K hits.
	resp := svc.Search(Request{Limit: 100})
	if len(resp.Results) != n+m+k {
		t.Errorf("got %d hits after rebuild, want %d", len(resp.Results), n+m+k)
	}
}

func TestReindexAllPartialFailure(t *testing.T) {
	svc := newTestService(t)

	src := fixedSource(5, 2, 1)
	src.failAfter = 3
	src.sourceFail = errors.New("enumeration lost its database connection")

	counts, err := svc.ReindexAll(context.Background(), src)
	if err == nil {
		t.Fatal("expected enumeration error")
	}
	if counts.Courses != 3 {
		t.Errorf("counts.Courses = %d, want 3 indexed before the failure", counts.Courses)
	}

	// Documents written before the failure stay visible; the caller decides
	// whether to retry.
	resp := svc.Search(Request{Sources: Sources{Courses: true}, Limit: 100})
	if len(resp.Results) != 3 {
		t.Errorf("got %d course hits, want 3", len(resp.Results))
	}
}

func TestCorruptIndexRecreatedOnOpen(t *testing.T) {
	dir := t.TempDir()

	engine, err := NewBleve(dir)
	if err != nil {
		t.Fatalf("NewBleve: %v", err)
	}
	svc := NewService(engine)
	if err := svc.UpsertCourse(CourseDocument{ID: "1", Title: "Python"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := engine.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Trash the course index and reopen: the store must degrade to an empty
	// but usable index instead of failing.
	coursePath := filepath.Join(dir, "courses.bleve")
	if err := os.RemoveAll(coursePath); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(coursePath, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(coursePath, "index_meta.json"), []byte("not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	engine2, err := NewBleve(dir)
	if err != nil {
		t.Fatalf("NewBleve after corruption: %v", err)
	}
	defer engine2.Close()

	svc2 := NewService(engine2)
	resp := svc2.Search(Request{Text: "python", Sources: Sources{Courses: true}})
	if len(resp.Results) != 0 {
		t.Errorf("recreated index should be empty, got %+v", resp.Results)
	}
	if err := svc2.UpsertCourse(CourseDocument{ID: "2", Title: "Python again"}); err != nil {
		t.Errorf("recreated index not writable: %v", err)
	}
}
