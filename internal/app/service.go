package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"lectern/api/internal/auth"
	"lectern/api/internal/authpw"
	"lectern/api/internal/blob"
	"lectern/api/internal/config"
	"lectern/api/internal/etl"
	"lectern/api/internal/rbac"
	"lectern/api/internal/search"
	"lectern/api/internal/store"
	"lectern/api/internal/util"
)

// Session is one authenticated caller: the parsed access token plus the
// user snapshot behind it.
type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

// CourseInput is the create/update payload for a course.
type CourseInput struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Category    string `json:"category"`
	Level       string `json:"level"`
	TeacherID   string `json:"teacherId"`
	Tags        string `json:"tags"`
}

// MaterialInput is the create/update payload for a material.
type MaterialInput struct {
	CourseID   string `json:"courseId"`
	Title      string `json:"title"`
	Content    string `json:"content"`
	Type       string `json:"type"`
	OrderIndex int    `json:"orderIndex"`
}

// ActivityInput is the payload for logging one learning event.
type ActivityInput struct {
	UserID     string                 `json:"userId"`
	MaterialID string                 `json:"materialId"`
	Action     string                 `json:"action"`
	Duration   int                    `json:"duration"`
	Score      *float64               `json:"score"`
	Meta       map[string]interface{} `json:"meta"`
}

var allowedLevels = map[string]struct{}{
	"beginner":     {},
	"intermediate": {},
	"advanced":     {},
}

var allowedMaterialTypes = map[string]struct{}{
	"video":      {},
	"text":       {},
	"quiz":       {},
	"assignment": {},
}

// dataStore is the slice of the Postgres store the service depends on.
type dataStore interface {
	Ping(context.Context) error
	GetUserByID(context.Context, string) (store.User, error)
	ListUsers(context.Context) ([]store.User, error)
	ListCourses(ctx context.Context, category, level string) ([]store.Course, error)
	GetCourse(context.Context, string) (store.Course, error)
	InsertCourse(context.Context, store.Course) error
	UpdateCourse(context.Context, store.Course) error
	DeleteCourse(context.Context, string) ([]string, error)
	CountCourses(context.Context) (int, error)
	ListCourseMaterials(context.Context, string) ([]store.Material, error)
	GetMaterial(context.Context, string) (store.Material, error)
	InsertMaterial(context.Context, store.Material) error
	UpdateMaterial(context.Context, store.Material) error
	DeleteMaterial(context.Context, string) error
	MaterialCountsByCourse(context.Context) (map[string]int, error)
	InsertActivity(context.Context, store.Activity) error
	UserProgress(context.Context, string) ([]store.CourseProgress, error)
	ListActivityRows(context.Context) ([]store.ActivityRow, error)
	search.Source
}

// sessionStore holds refresh sessions keyed by token hash.
type sessionStore interface {
	Save(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	Lookup(ctx context.Context, tokenHash string) (store.User, error)
	Revoke(ctx context.Context, tokenHash string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	accounts *authpw.Service
	search   *search.Service
	assets   *blob.Store
}

// New wires the service. assets may be nil when no object store is
// configured; asset endpoints then report unavailable.
func New(cfg config.Config, dataStore dataStore, sessions sessionStore, accounts *authpw.Service, searchSvc *search.Service, assets *blob.Store) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: sessions,
		accounts: accounts,
		search:   searchSvc,
		assets:   assets,
	}
}

// Bootstrap rebuilds the search indexes when the database already has
// courses but the course index is empty, e.g. after an index directory loss.
func (s *Service) Bootstrap(ctx context.Context) error {
	courses, err := s.store.CountCourses(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap: %w", err)
	}
	if courses == 0 {
		return nil
	}

	probe := s.search.Search(search.Request{Sources: search.Sources{Courses: true}, Limit: 1})
	if len(probe.Results) > 0 {
		return nil
	}

	log.Printf("app: course index empty with %d courses in database, rebuilding", courses)
	counts, err := s.search.ReindexAll(ctx, s.store)
	if err != nil {
		return fmt.Errorf("bootstrap reindex: %w", err)
	}
	log.Printf("app: bootstrap reindex done: %d courses, %d materials, %d teachers",
		counts.Courses, counts.Materials, counts.Teachers)
	return nil
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SearchHealthy() bool {
	return s.search.Engine().Healthy()
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// Register creates an account and signs it in. New teachers become
// searchable immediately.
func (s *Service) Register(ctx context.Context, req authpw.RegisterRequest) (Session, error) {
	user, err := s.accounts.Register(ctx, req)
	if err != nil {
		if errors.Is(err, store.ErrEmailTaken) {
			return Session{}, domainError(http.StatusConflict, "EMAIL_TAKEN", "Email already registered", nil)
		}
		return Session{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}

	if user.Role == store.RoleTeacher {
		if err := s.search.UpsertTeacher(search.TeacherDocument{ID: user.ID, Name: user.Name}); err != nil {
			log.Printf("app: index new teacher %s: %v", user.ID, err)
		}
	}

	return s.issueSession(ctx, user)
}

func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	user, err := s.accounts.Login(ctx, email, password)
	if err != nil {
		if errors.Is(err, authpw.ErrAccountDisabled) {
			return Session{}, domainError(http.StatusForbidden, "ACCOUNT_DISABLED", "Account is disabled", nil)
		}
		return Session{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid email or password", nil)
	}
	return s.issueSession(ctx, user)
}

// Refresh rotates a refresh token: the old one is revoked and a new session
// issued from the user's current database state.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	snapshot, err := s.sessions.Lookup(ctx, tokenHash)
	if err != nil {
		return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
	}
	if err := s.sessions.Revoke(ctx, tokenHash); err != nil {
		return Session{}, err
	}

	user, err := s.store.GetUserByID(ctx, snapshot.ID)
	if err != nil || !user.IsActive {
		return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.sessions.Revoke(ctx, auth.HashToken(refreshToken))
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.Name,
		Role: user.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	if err := s.sessions.Save(ctx, auth.HashToken(refresh), user, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.Name,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		Role:      claims.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) GetUser(ctx context.Context, userID string) (store.User, error) {
	return s.store.GetUserByID(ctx, userID)
}

func (s *Service) ListCourses(ctx context.Context, category, level string) ([]store.Course, error) {
	return s.store.ListCourses(ctx, category, level)
}

func (s *Service) GetCourse(ctx context.Context, courseID string) (store.Course, error) {
	return s.store.GetCourse(ctx, courseID)
}

// CreateCourse inserts a course and indexes it. Teachers own what they
// create; only admins may assign another teacher.
func (s *Service) CreateCourse(ctx context.Context, session Session, input CourseInput) (store.Course, error) {
	if !s.Can(session.Role, rbac.ActionManageCourses) {
		return store.Course{}, errForbidden()
	}
	if err := validateCourseInput(input); err != nil {
		return store.Course{}, err
	}

	teacherID := strings.TrimSpace(input.TeacherID)
	if session.Role == store.RoleTeacher {
		teacherID = session.UserID
	}

	level := input.Level
	if level == "" {
		level = "beginner"
	}

	course := store.Course{
		ID:          util.NewID("crs"),
		Title:       strings.TrimSpace(input.Title),
		Description: input.Description,
		Category:    input.Category,
		Level:       level,
		Tags:        input.Tags,
	}
	if teacherID != "" {
		teacher, err := s.store.GetUserByID(ctx, teacherID)
		if err != nil {
			return store.Course{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "teacher not found", nil)
		}
		course.TeacherID = &teacher.ID
		course.TeacherName = teacher.Name
	}

	if err := s.store.InsertCourse(ctx, course); err != nil {
		return store.Course{}, err
	}
	s.indexCourse(course)
	return course, nil
}

// UpdateCourse applies a partial update. Teachers may only touch their own
// courses. The index document is replaced, and when the title changes every
// material of the course is reindexed to refresh its denormalized course
// title.
func (s *Service) UpdateCourse(ctx context.Context, session Session, courseID string, patch map[string]interface{}) (store.Course, error) {
	course, err := s.store.GetCourse(ctx, courseID)
	if err != nil {
		return store.Course{}, err
	}
	if err := s.requireCourseAccess(session, course); err != nil {
		return store.Course{}, err
	}

	titleChanged := false
	if v, ok := stringField(patch, "title"); ok {
		if strings.TrimSpace(v) == "" {
			return store.Course{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title cannot be empty", nil)
		}
		titleChanged = v != course.Title
		course.Title = v
	}
	if v, ok := stringField(patch, "description"); ok {
		course.Description = v
	}
	if v, ok := stringField(patch, "category"); ok {
		course.Category = v
	}
	if v, ok := stringField(patch, "level"); ok {
		if _, allowed := allowedLevels[v]; !allowed {
			return store.Course{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid level", nil)
		}
		course.Level = v
	}
	if v, ok := stringField(patch, "tags"); ok {
		course.Tags = v
	}

	if err := s.store.UpdateCourse(ctx, course); err != nil {
		return store.Course{}, err
	}
	s.indexCourse(course)

	if titleChanged {
		materials, err := s.store.ListCourseMaterials(ctx, course.ID)
		if err != nil {
			log.Printf("app: reindex materials of %s after rename: %v", course.ID, err)
			return course, nil
		}
		for _, material := range materials {
			material.CourseTitle = course.Title
			s.indexMaterial(material)
		}
	}
	return course, nil
}

// DeleteCourse removes a course, its materials and all their index
// documents.
func (s *Service) DeleteCourse(ctx context.Context, session Session, courseID string) error {
	course, err := s.store.GetCourse(ctx, courseID)
	if err != nil {
		return err
	}
	if err := s.requireCourseAccess(session, course); err != nil {
		return err
	}

	materialIDs, err := s.store.DeleteCourse(ctx, courseID)
	if err != nil {
		return err
	}
	if err := s.search.Delete(search.EntityCourse, courseID); err != nil {
		log.Printf("app: drop course %s from index: %v", courseID, err)
	}
	for _, id := range materialIDs {
		if err := s.search.Delete(search.EntityMaterial, id); err != nil {
			log.Printf("app: drop material %s from index: %v", id, err)
		}
	}
	return nil
}

func (s *Service) GetMaterial(ctx context.Context, materialID string) (store.Material, error) {
	return s.store.GetMaterial(ctx, materialID)
}

func (s *Service) ListCourseMaterials(ctx context.Context, courseID string) ([]store.Material, error) {
	if _, err := s.store.GetCourse(ctx, courseID); err != nil {
		return nil, err
	}
	return s.store.ListCourseMaterials(ctx, courseID)
}

func (s *Service) CreateMaterial(ctx context.Context, session Session, input MaterialInput) (store.Material, error) {
	course, err := s.store.GetCourse(ctx, input.CourseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Material{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "course not found", nil)
		}
		return store.Material{}, err
	}
	if err := s.requireCourseAccess(session, course); err != nil {
		return store.Material{}, err
	}
	if strings.TrimSpace(input.Title) == "" {
		return store.Material{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	if _, ok := allowedMaterialTypes[input.Type]; !ok {
		return store.Material{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid material type", nil)
	}

	material := store.Material{
		ID:          util.NewID("mat"),
		CourseID:    course.ID,
		CourseTitle: course.Title,
		Title:       strings.TrimSpace(input.Title),
		Content:     input.Content,
		Type:        input.Type,
		OrderIndex:  input.OrderIndex,
	}
	if err := s.store.InsertMaterial(ctx, material); err != nil {
		return store.Material{}, err
	}
	s.indexMaterial(material)
	return material, nil
}

func (s *Service) UpdateMaterial(ctx context.Context, session Session, materialID string, patch map[string]interface{}) (store.Material, error) {
	material, err := s.store.GetMaterial(ctx, materialID)
	if err != nil {
		return store.Material{}, err
	}
	course, err := s.store.GetCourse(ctx, material.CourseID)
	if err != nil {
		return store.Material{}, err
	}
	if err := s.requireCourseAccess(session, course); err != nil {
		return store.Material{}, err
	}

	if v, ok := stringField(patch, "title"); ok {
		if strings.TrimSpace(v) == "" {
			return store.Material{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title cannot be empty", nil)
		}
		material.Title = v
	}
	if v, ok := stringField(patch, "content"); ok {
		material.Content = v
	}
	if v, ok := stringField(patch, "type"); ok {
		if _, allowed := allowedMaterialTypes[v]; !allowed {
			return store.Material{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid material type", nil)
		}
		material.Type = v
	}
	if v, ok := patch["orderIndex"].(float64); ok {
		material.OrderIndex = int(v)
	}

	if err := s.store.UpdateMaterial(ctx, material); err != nil {
		return store.Material{}, err
	}
	s.indexMaterial(material)
	return material, nil
}

func (s *Service) DeleteMaterial(ctx context.Context, session Session, materialID string) error {
	material, err := s.store.GetMaterial(ctx, materialID)
	if err != nil {
		return err
	}
	course, err := s.store.GetCourse(ctx, material.CourseID)
	if err != nil {
		return err
	}
	if err := s.requireCourseAccess(session, course); err != nil {
		return err
	}

	if err := s.store.DeleteMaterial(ctx, materialID); err != nil {
		return err
	}
	if err := s.search.Delete(search.EntityMaterial, materialID); err != nil {
		log.Printf("app: drop material %s from index: %v", materialID, err)
	}
	return nil
}

// CreateActivity logs a learning event. Users log for themselves; only
// admins may log on behalf of others.
func (s *Service) CreateActivity(ctx context.Context, session Session, input ActivityInput) (store.Activity, error) {
	userID := input.UserID
	if userID == "" {
		userID = session.UserID
	}
	if userID != session.UserID && session.Role != store.RoleAdmin {
		return store.Activity{}, errForbidden()
	}
	if strings.TrimSpace(input.Action) == "" {
		return store.Activity{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "action is required", nil)
	}
	if _, err := s.store.GetMaterial(ctx, input.MaterialID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Activity{}, domainError(http.StatusNotFound, "NOT_FOUND", "material not found", nil)
		}
		return store.Activity{}, err
	}

	activity := store.Activity{
		ID:         util.NewID("act"),
		UserID:     userID,
		MaterialID: input.MaterialID,
		Action:     input.Action,
		Duration:   input.Duration,
		Score:      input.Score,
		Meta:       input.Meta,
		Timestamp:  time.Now().UTC(),
	}
	if err := s.store.InsertActivity(ctx, activity); err != nil {
		return store.Activity{}, err
	}
	return activity, nil
}

// UserProgress reports per-course completion. Students see only their own;
// teachers and admins may inspect anyone.
func (s *Service) UserProgress(ctx context.Context, session Session, userID string) ([]store.CourseProgress, error) {
	if userID != session.UserID && session.Role != store.RoleAdmin && session.Role != store.RoleTeacher {
		return nil, errForbidden()
	}
	return s.store.UserProgress(ctx, userID)
}

func (s *Service) Search(req search.Request) search.Response {
	return s.search.Search(req)
}

// Reindex rebuilds all three indexes from the database.
func (s *Service) Reindex(ctx context.Context, session Session) (search.Counts, error) {
	if session.Role != store.RoleAdmin {
		return search.Counts{}, errForbidden()
	}
	return s.search.ReindexAll(ctx, s.store)
}

func (s *Service) Interactions(ctx context.Context, session Session) ([]etl.Interaction, error) {
	if session.Role != store.RoleAdmin {
		return nil, errForbidden()
	}
	return s.buildInteractions(ctx)
}

func (s *Service) buildInteractions(ctx context.Context) ([]etl.Interaction, error) {
	rows, err := s.store.ListActivityRows(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := s.store.MaterialCountsByCourse(ctx)
	if err != nil {
		return nil, err
	}
	return etl.BuildInteractions(rows, counts), nil
}

func (s *Service) CourseFeatures(ctx context.Context, session Session) ([]etl.CourseFeature, error) {
	if session.Role != store.RoleAdmin {
		return nil, errForbidden()
	}
	courses, err := s.store.ListCourses(ctx, "", "")
	if err != nil {
		return nil, err
	}
	counts, err := s.store.MaterialCountsByCourse(ctx)
	if err != nil {
		return nil, err
	}
	return etl.BuildCourseFeatures(courses, counts), nil
}

func (s *Service) UserFeatures(ctx context.Context, session Session) ([]etl.UserFeature, error) {
	if session.Role != store.RoleAdmin {
		return nil, errForbidden()
	}
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	courses, err := s.store.ListCourses(ctx, "", "")
	if err != nil {
		return nil, err
	}
	rows, err := s.store.ListActivityRows(ctx)
	if err != nil {
		return nil, err
	}
	interactions, err := s.buildInteractions(ctx)
	if err != nil {
		return nil, err
	}
	return etl.BuildUserFeatures(users, interactions, rows, etl.CourseMetaFrom(courses)), nil
}

// UploadAsset stores a material's binary asset in the object store.
func (s *Service) UploadAsset(ctx context.Context, session Session, materialID string, r io.Reader, size int64, contentType string) error {
	if s.assets == nil {
		return errAssetsUnavailable()
	}
	material, err := s.store.GetMaterial(ctx, materialID)
	if err != nil {
		return err
	}
	course, err := s.store.GetCourse(ctx, material.CourseID)
	if err != nil {
		return err
	}
	if err := s.requireCourseAccess(session, course); err != nil {
		return err
	}
	return s.assets.Put(ctx, assetKey(materialID), r, size, contentType)
}

// OpenAsset streams a material's asset back. Any authenticated user may
// read course content.
func (s *Service) OpenAsset(ctx context.Context, materialID string) (io.ReadCloser, string, error) {
	if s.assets == nil {
		return nil, "", errAssetsUnavailable()
	}
	if _, err := s.store.GetMaterial(ctx, materialID); err != nil {
		return nil, "", err
	}
	return s.assets.Get(ctx, assetKey(materialID))
}

// PresignAsset returns a short-lived direct download URL so large assets can
// be fetched from the object store without passing through the API.
func (s *Service) PresignAsset(ctx context.Context, materialID string) (string, error) {
	if s.assets == nil {
		return "", errAssetsUnavailable()
	}
	if _, err := s.store.GetMaterial(ctx, materialID); err != nil {
		return "", err
	}
	return s.assets.Presign(ctx, assetKey(materialID), 15*time.Minute)
}

func assetKey(materialID string) string {
	return "materials/" + materialID
}

// requireCourseAccess enforces course ownership: admins manage everything,
// teachers only their own courses.
func (s *Service) requireCourseAccess(session Session, course store.Course) error {
	if session.Role == store.RoleAdmin {
		return nil
	}
	if session.Role == store.RoleTeacher && course.TeacherID != nil && *course.TeacherID == session.UserID {
		return nil
	}
	return errForbidden()
}

func (s *Service) indexCourse(course store.Course) {
	err := s.search.UpsertCourse(search.CourseDocument{
		ID:          course.ID,
		Title:       course.Title,
		Description: course.Description,
		Category:    course.Category,
		Level:       course.Level,
		TeacherName: course.TeacherName,
		Tags:        search.SplitTags(course.Tags),
	})
	if err != nil {
		log.Printf("app: index course %s: %v", course.ID, err)
	}
}

func (s *Service) indexMaterial(material store.Material) {
	err := s.search.UpsertMaterial(search.MaterialDocument{
		ID:           material.ID,
		Title:        material.Title,
		Content:      material.Content,
		MaterialType: material.Type,
		CourseID:     material.CourseID,
		CourseTitle:  material.CourseTitle,
	})
	if err != nil {
		log.Printf("app: index material %s: %v", material.ID, err)
	}
}

func validateCourseInput(input CourseInput) error {
	if strings.TrimSpace(input.Title) == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "title is required", nil)
	}
	if input.Level != "" {
		if _, ok := allowedLevels[input.Level]; !ok {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "invalid level", nil)
		}
	}
	return nil
}

func stringField(patch map[string]interface{}, key string) (string, bool) {
	v, ok := patch[key].(string)
	return v, ok
}

func errForbidden() *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

func errAssetsUnavailable() *DomainError {
	return domainError(http.StatusServiceUnavailable, "ASSETS_UNAVAILABLE", "Asset storage not configured", nil)
}
