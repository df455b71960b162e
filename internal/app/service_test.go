package app

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"testing"
	"time"

	"lectern/api/internal/authpw"
	"lectern/api/internal/config"
	"lectern/api/internal/search"
	"lectern/api/internal/store"
)

// memStore is an in-memory stand-in for the Postgres store. It also
// satisfies authpw.UserStore and search.Source.
type memStore struct {
	users     map[string]store.User
	courses   map[string]store.Course
	materials map[string]store.Material
	activity  []store.Activity
	progress  []store.CourseProgress
	rows      []store.ActivityRow
}

func newMemStore() *memStore {
	return &memStore{
		users:     make(map[string]store.User),
		courses:   make(map[string]store.Course),
		materials: make(map[string]store.Material),
	}
}

func (m *memStore) Ping(context.Context) error { return nil }

func (m *memStore) CreateUser(_ context.Context, user store.User) error {
	for _, u := range m.users {
		if u.Email == user.Email {
			return store.ErrEmailTaken
		}
	}
	m.users[user.ID] = user
	return nil
}

func (m *memStore) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	for _, u := range m.users {
		if u.Email == email {
			return u, nil
		}
	}
	return store.User{}, store.ErrNotFound
}

func (m *memStore) GetUserByID(_ context.Context, id string) (store.User, error) {
	u, ok := m.users[id]
	if !ok {
		return store.User{}, store.ErrNotFound
	}
	return u, nil
}

func (m *memStore) ListUsers(context.Context) ([]store.User, error) {
	out := make([]store.User, 0, len(m.users))
	for _, u := range m.users {
		out = append(out, u)
	}
	return out, nil
}

func (m *memStore) ListCourses(_ context.Context, category, level string) ([]store.Course, error) {
	out := make([]store.Course, 0, len(m.courses))
	for _, c := range m.courses {
		if category != "" && c.Category != category {
			continue
		}
		if level != "" && c.Level != level {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memStore) GetCourse(_ context.Context, id string) (store.Course, error) {
	c, ok := m.courses[id]
	if !ok {
		return store.Course{}, store.ErrNotFound
	}
	return c, nil
}

func (m *memStore) InsertCourse(_ context.Context, course store.Course) error {
	m.courses[course.ID] = course
	return nil
}

func (m *memStore) UpdateCourse(_ context.Context, course store.Course) error {
	if _, ok := m.courses[course.ID]; !ok {
		return store.ErrNotFound
	}
	m.courses[course.ID] = course
	return nil
}

func (m *memStore) DeleteCourse(_ context.Context, id string) ([]string, error) {
	if _, ok := m.courses[id]; !ok {
		return nil, store.ErrNotFound
	}
	var materialIDs []string
	for mid, mat := range m.materials {
		if mat.CourseID == id {
			materialIDs = append(materialIDs, mid)
			delete(m.materials, mid)
		}
	}
	delete(m.courses, id)
	return materialIDs, nil
}

func (m *memStore) CountCourses(context.Context) (int, error) {
	return len(m.courses), nil
}

func (m *memStore) ListCourseMaterials(_ context.Context, courseID string) ([]store.Material, error) {
	var out []store.Material
	for _, mat := range m.materials {
		if mat.CourseID == courseID {
			out = append(out, mat)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderIndex < out[j].OrderIndex })
	return out, nil
}

func (m *memStore) GetMaterial(_ context.Context, id string) (store.Material, error) {
	mat, ok := m.materials[id]
	if !ok {
		return store.Material{}, store.ErrNotFound
	}
	return mat, nil
}

func (m *memStore) InsertMaterial(_ context.Context, mat store.Material) error {
	m.materials[mat.ID] = mat
	return nil
}

func (m *memStore) UpdateMaterial(_ context.Context, mat store.Material) error {
	if _, ok := m.materials[mat.ID]; !ok {
		return store.ErrNotFound
	}
	m.materials[mat.ID] = mat
	return nil
}

func (m *memStore) DeleteMaterial(_ context.Context, id string) error {
	if _, ok := m.materials[id]; !ok {
		return store.ErrNotFound
	}
	delete(m.materials, id)
	return nil
}

func (m *memStore) MaterialCountsByCourse(context.Context) (map[string]int, error) {
	counts := make(map[string]int)
	for _, mat := range m.materials {
		counts[mat.CourseID]++
	}
	return counts, nil
}

func (m *memStore) InsertActivity(_ context.Context, a store.Activity) error {
	m.activity = append(m.activity, a)
	return nil
}

func (m *memStore) UserProgress(context.Context, string) ([]store.CourseProgress, error) {
	return m.progress, nil
}

func (m *memStore) ListActivityRows(context.Context) ([]store.ActivityRow, error) {
	return m.rows, nil
}

func (m *memStore) EachCourse(_ context.Context, fn func(search.CourseDocument) error) error {
	for _, c := range m.courses {
		doc := search.CourseDocument{
			ID:          c.ID,
			Title:       c.Title,
			Description: c.Description,
			Category:    c.Category,
			Level:       c.Level,
			TeacherName: c.TeacherName,
			Tags:        search.SplitTags(c.Tags),
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
	return nil
}

func (m *memStore) EachMaterial(_ context.Context, fn func(search.MaterialDocument) error) error {
	for _, mat := range m.materials {
		doc := search.MaterialDocument{
			ID:           mat.ID,
			Title:        mat.Title,
			Content:      mat.Content,
			MaterialType: mat.Type,
			CourseID:     mat.CourseID,
			CourseTitle:  mat.CourseTitle,
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
	return nil
}

func (m *memStore) EachTeacher(_ context.Context, fn func(search.TeacherDocument) error) error {
	for _, u := range m.users {
		if u.Role != store.RoleTeacher || !u.IsActive {
			continue
		}
		if err := fn(search.TeacherDocument{ID: u.ID, Name: u.Name}); err != nil {
			return err
		}
	}
	return nil
}

// memSessions is an in-memory refresh session store.
type memSessions struct {
	byHash map[string]store.User
}

func newMemSessions() *memSessions {
	return &memSessions{byHash: make(map[string]store.User)}
}

func (m *memSessions) Save(_ context.Context, tokenHash string, user store.User, _ time.Time) error {
	m.byHash[tokenHash] = user
	return nil
}

func (m *memSessions) Lookup(_ context.Context, tokenHash string) (store.User, error) {
	user, ok := m.byHash[tokenHash]
	if !ok {
		return store.User{}, errors.New("session not found")
	}
	return user, nil
}

func (m *memSessions) Revoke(_ context.Context, tokenHash string) error {
	delete(m.byHash, tokenHash)
	return nil
}

type testEnv struct {
	service  *Service
	store    *memStore
	sessions *memSessions
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	engine, err := search.NewEngine(search.EngineConfig{IndexDir: t.TempDir()})
	if err != nil {
		t.Fatalf("open search engine: %v", err)
	}
	searchSvc := search.NewService(engine)
	t.Cleanup(func() { _ = searchSvc.Close() })

	cfg := config.Config{
		JWTSecret:  "test-secret",
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
	}
	ms := newMemStore()
	sessions := newMemSessions()
	svc := New(cfg, ms, sessions, authpw.NewService(ms), searchSvc, nil)
	return &testEnv{service: svc, store: ms, sessions: sessions}
}

func (e *testEnv) seedUser(id, name, role string) Session {
	e.store.users[id] = store.User{ID: id, Name: name, Email: id + "@example.com", Role: role, IsActive: true}
	return Session{UserID: id, UserName: name, Role: role}
}

func domainStatus(t *testing.T, err error) int {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("expected DomainError, got %v", err)
	}
	return domainErr.Status
}

func TestRegisterLoginRefresh(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session, err := env.service.Register(ctx, authpw.RegisterRequest{
		Name: "Ann", Email: "ann@example.com", Password: "hunter22",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if session.Role != store.RoleStudent {
		t.Errorf("role = %q, want student", session.Role)
	}
	if session.Token == "" || session.RefreshToken == "" {
		t.Fatal("expected access and refresh tokens")
	}

	login, err := env.service.Login(ctx, "ann@example.com", "hunter22")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	rotated, err := env.service.Refresh(ctx, login.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rotated.RefreshToken == login.RefreshToken {
		t.Error("refresh token was not rotated")
	}

	// The consumed token must be dead.
	if _, err := env.service.Refresh(ctx, login.RefreshToken); err == nil {
		t.Error("expected rotated-out refresh token to be rejected")
	}
}

func TestRefreshRejectsDeactivatedUser(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	session, err := env.service.Register(ctx, authpw.RegisterRequest{
		Name: "Ann", Email: "ann@example.com", Password: "hunter22",
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	user := env.store.users[session.UserID]
	user.IsActive = false
	env.store.users[session.UserID] = user

	if _, err := env.service.Refresh(ctx, session.RefreshToken); err == nil {
		t.Error("expected refresh to fail for deactivated user")
	}
}

func TestRegisterTeacherBecomesSearchable(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.service.Register(context.Background(), authpw.RegisterRequest{
		Name: "Grace Hopper", Email: "grace@example.com", Password: "compilers", Role: store.RoleTeacher,
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	res := env.service.Search(search.Request{Text: "grace", Sources: search.Sources{Teachers: true}})
	if len(res.Results) != 1 {
		t.Fatalf("results = %d, want 1", len(res.Results))
	}
	if res.Results[0].Entity != search.EntityTeacher {
		t.Errorf("entity = %q, want teacher", res.Results[0].Entity)
	}
}

func TestCreateCourseIndexesDocument(t *testing.T) {
	env := newTestEnv(t)
	admin := env.seedUser("usr_admin", "Root", store.RoleAdmin)

	course, err := env.service.CreateCourse(context.Background(), admin, CourseInput{
		Title:    "Go Fundamentals",
		Category: "Programming",
		Level:    "beginner",
		Tags:     "go, backend",
	})
	if err != nil {
		t.Fatalf("create course: %v", err)
	}

	res := env.service.Search(search.Request{Text: "fundamentals", Sources: search.Sources{Courses: true}})
	if len(res.Results) != 1 {
		t.Fatalf("results = %d, want 1", len(res.Results))
	}
	hit := res.Results[0]
	if hit.ID != course.ID || hit.Entity != search.EntityCourse {
		t.Errorf("unexpected hit: %+v", hit)
	}
	if len(res.Facets.Categories) == 0 || res.Facets.Categories[0].Value != "programming" {
		t.Errorf("category facet = %+v, want programming", res.Facets.Categories)
	}
}

func TestCourseRenameReindexesMaterials(t *testing.T) {
	env := newTestEnv(t)
	admin := env.seedUser("usr_admin", "Root", store.RoleAdmin)
	ctx := context.Background()

	course, err := env.service.CreateCourse(ctx, admin, CourseInput{Title: "Old Title", Category: "Programming"})
	if err != nil {
		t.Fatalf("create course: %v", err)
	}
	if _, err := env.service.CreateMaterial(ctx, admin, MaterialInput{
		CourseID: course.ID, Title: "Intro Lesson", Type: "text",
	}); err != nil {
		t.Fatalf("create material: %v", err)
	}

	if _, err := env.service.UpdateCourse(ctx, admin, course.ID, map[string]interface{}{"title": "Gopher Academy"}); err != nil {
		t.Fatalf("update course: %v", err)
	}

	res := env.service.Search(search.Request{Text: "intro", Sources: search.Sources{Materials: true}})
	if len(res.Results) != 1 {
		t.Fatalf("results = %d, want 1", len(res.Results))
	}
	if got := res.Results[0].Title; got != "Intro Lesson (course: Gopher Academy)" {
		t.Errorf("material display title = %q, want renamed course attached", got)
	}
}

func TestDeleteCourseDropsMaterialIndexDocs(t *testing.T) {
	env := newTestEnv(t)
	admin := env.seedUser("usr_admin", "Root", store.RoleAdmin)
	ctx := context.Background()

	course, err := env.service.CreateCourse(ctx, admin, CourseInput{Title: "Doomed Course"})
	if err != nil {
		t.Fatalf("create course: %v", err)
	}
	if _, err := env.service.CreateMaterial(ctx, admin, MaterialInput{
		CourseID: course.ID, Title: "Doomed Lesson", Type: "video",
	}); err != nil {
		t.Fatalf("create material: %v", err)
	}

	if err := env.service.DeleteCourse(ctx, admin, course.ID); err != nil {
		t.Fatalf("delete course: %v", err)
	}

	res := env.service.Search(search.Request{Text: "doomed"})
	if len(res.Results) != 0 {
		t.Errorf("results = %d after delete, want 0: %+v", len(res.Results), res.Results)
	}
	if len(env.store.materials) != 0 {
		t.Errorf("materials left in store = %d, want 0", len(env.store.materials))
	}
}

func TestTeacherOwnsOnlyOwnCourses(t *testing.T) {
	env := newTestEnv(t)
	owner := env.seedUser("usr_owner", "Owner", store.RoleTeacher)
	other := env.seedUser("usr_other", "Other", store.RoleTeacher)
	ctx := context.Background()

	course, err := env.service.CreateCourse(ctx, owner, CourseInput{Title: "My Course"})
	if err != nil {
		t.Fatalf("create course: %v", err)
	}
	if course.TeacherID == nil || *course.TeacherID != owner.UserID {
		t.Fatalf("teacher id = %v, want creator", course.TeacherID)
	}

	_, err = env.service.UpdateCourse(ctx, other, course.ID, map[string]interface{}{"title": "Hijacked"})
	if status := domainStatus(t, err); status != http.StatusForbidden {
		t.Errorf("status = %d, want 403", status)
	}

	if err := env.service.DeleteCourse(ctx, other, course.ID); err == nil {
		t.Error("expected delete by non-owner to fail")
	}
}

func TestStudentCannotCreateCourses(t *testing.T) {
	env := newTestEnv(t)
	student := env.seedUser("usr_student", "Student", store.RoleStudent)

	_, err := env.service.CreateCourse(context.Background(), student, CourseInput{Title: "Nope"})
	if status := domainStatus(t, err); status != http.StatusForbidden {
		t.Errorf("status = %d, want 403", status)
	}
}

func TestCreateActivityRules(t *testing.T) {
	env := newTestEnv(t)
	admin := env.seedUser("usr_admin", "Root", store.RoleAdmin)
	student := env.seedUser("usr_student", "Student", store.RoleStudent)
	ctx := context.Background()

	course, err := env.service.CreateCourse(ctx, admin, CourseInput{Title: "Course"})
	if err != nil {
		t.Fatalf("create course: %v", err)
	}
	material, err := env.service.CreateMaterial(ctx, admin, MaterialInput{CourseID: course.ID, Title: "Lesson", Type: "text"})
	if err != nil {
		t.Fatalf("create material: %v", err)
	}

	_, err = env.service.CreateActivity(ctx, student, ActivityInput{MaterialID: "mat_missing", Action: "view"})
	if status := domainStatus(t, err); status != http.StatusNotFound {
		t.Errorf("missing material status = %d, want 404", status)
	}

	_, err = env.service.CreateActivity(ctx, student, ActivityInput{UserID: admin.UserID, MaterialID: material.ID, Action: "view"})
	if status := domainStatus(t, err); status != http.StatusForbidden {
		t.Errorf("impersonation status = %d, want 403", status)
	}

	activity, err := env.service.CreateActivity(ctx, student, ActivityInput{MaterialID: material.ID, Action: store.ActionComplete, Duration: 90})
	if err != nil {
		t.Fatalf("create activity: %v", err)
	}
	if activity.UserID != student.UserID {
		t.Errorf("activity user = %q, want session user", activity.UserID)
	}

	// Admins may log on behalf of others.
	if _, err := env.service.CreateActivity(ctx, admin, ActivityInput{UserID: student.UserID, MaterialID: material.ID, Action: "view", Duration: 30}); err != nil {
		t.Errorf("admin logging for student: %v", err)
	}
}

func TestReindexRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	teacher := env.seedUser("usr_teacher", "Teacher", store.RoleTeacher)

	_, err := env.service.Reindex(context.Background(), teacher)
	if status := domainStatus(t, err); status != http.StatusForbidden {
		t.Errorf("status = %d, want 403", status)
	}
}

func TestBootstrapRebuildsEmptyIndex(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	// Seed the database directly so the index has never seen the course.
	env.store.courses["crs_1"] = store.Course{ID: "crs_1", Title: "Orphaned Course", Category: "Programming", Level: "beginner"}

	if res := env.service.Search(search.Request{Text: "orphaned"}); len(res.Results) != 0 {
		t.Fatalf("index unexpectedly populated: %+v", res.Results)
	}

	if err := env.service.Bootstrap(ctx); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	res := env.service.Search(search.Request{Text: "orphaned"})
	if len(res.Results) != 1 {
		t.Fatalf("results after bootstrap = %d, want 1", len(res.Results))
	}
}
