package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"lectern/api/internal/auth"
	"lectern/api/internal/authpw"
	"lectern/api/internal/etl"
	"lectern/api/internal/rbac"
	"lectern/api/internal/search"
	"lectern/api/internal/store"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	// Auth routes, no session required.
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/api/auth/register":
		s.handleRegister(w, r)
		return
	case r.Method == http.MethodPost && r.URL.Path == "/api/auth/login":
		s.handleLogin(w, r)
		return
	case r.Method == http.MethodPost && r.URL.Path == "/api/auth/refresh":
		s.handleRefresh(w, r)
		return
	case r.Method == http.MethodPost && r.URL.Path == "/api/auth/logout":
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.Logout(r.Context(), body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) == 0 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	parts = parts[1:]

	switch {
	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "users" && parts[1] == "me":
		user, err := s.service.GetUser(r.Context(), session.UserID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, userPayload(user))

	case r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "search":
		s.handleSearch(w, r, session)

	case r.Method == http.MethodGet && len(parts) == 1 && parts[0] == "courses":
		items, err := s.service.ListCourses(r.Context(), r.URL.Query().Get("category"), r.URL.Query().Get("level"))
		if err != nil {
			s.fail(w, err)
			return
		}
		payload := make([]map[string]any, 0, len(items))
		for _, course := range items {
			payload = append(payload, coursePayload(course))
		}
		writeJSON(w, http.StatusOK, map[string]any{"courses": payload})

	case r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "courses":
		var input CourseInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		course, err := s.service.CreateCourse(r.Context(), session, input)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, coursePayload(course))

	case len(parts) == 2 && parts[0] == "courses":
		s.handleCourse(w, r, session, parts[1])

	case r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "courses" && parts[2] == "materials":
		items, err := s.service.ListCourseMaterials(r.Context(), parts[1])
		if err != nil {
			s.fail(w, err)
			return
		}
		payload := make([]map[string]any, 0, len(items))
		for _, material := range items {
			payload = append(payload, materialPayload(material))
		}
		writeJSON(w, http.StatusOK, map[string]any{"materials": payload})

	case r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "materials":
		var input MaterialInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		material, err := s.service.CreateMaterial(r.Context(), session, input)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, materialPayload(material))

	case len(parts) == 2 && parts[0] == "materials":
		s.handleMaterial(w, r, session, parts[1])

	case len(parts) == 3 && parts[0] == "materials" && parts[2] == "asset":
		s.handleAsset(w, r, session, parts[1])

	case r.Method == http.MethodPost && len(parts) == 1 && parts[0] == "activities":
		var input ActivityInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		activity, err := s.service.CreateActivity(r.Context(), session, input)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"id":         activity.ID,
			"userId":     activity.UserID,
			"materialId": activity.MaterialID,
			"action":     activity.Action,
			"timestamp":  activity.Timestamp.Format(time.RFC3339),
		})

	case r.Method == http.MethodGet && len(parts) == 4 && parts[0] == "analytics" && parts[1] == "users" && parts[3] == "progress":
		items, err := s.service.UserProgress(r.Context(), session, parts[2])
		if err != nil {
			s.fail(w, err)
			return
		}
		payload := make([]map[string]any, 0, len(items))
		for _, p := range items {
			payload = append(payload, map[string]any{
				"courseId":             p.CourseID,
				"courseTitle":          p.CourseTitle,
				"totalMaterials":       p.TotalMaterials,
				"completedMaterials":   p.Completed,
				"completionPercentage": p.Progress,
				"totalTime":            p.TotalTime,
				"avgScore":             p.AvgScore,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"progress": payload})

	case r.Method == http.MethodPost && len(parts) == 3 && parts[0] == "admin" && parts[1] == "search" && parts[2] == "reindex":
		counts, err := s.service.Reindex(r.Context(), session)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"indexed": counts})

	case r.Method == http.MethodGet && len(parts) == 2 && parts[0] == "etl":
		s.handleETL(w, r, session, parts[1])

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
		"search":   map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	if !s.service.SearchHealthy() {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["search"] = map[string]any{"status": "error", "error": "search engine unavailable"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string `json:"name"`
		Email    string `json:"email"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.Register(r.Context(), authpw.RegisterRequest{
		Name:     body.Name,
		Email:    body.Email,
		Password: body.Password,
		Role:     body.Role,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sessionPayload(session))
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.Login(r.Context(), body.Email, body.Password)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	session, err := s.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionPayload(session))
}

// handleSearch is the read boundary of the search subsystem: it validates
// and parses the query string into a search request, rejecting requests
// that supply neither free text nor any filter.
func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, session Session) {
	if !s.service.Can(session.Role, rbac.ActionRead) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return
	}

	query := r.URL.Query()
	req := search.Request{
		Text: strings.TrimSpace(query.Get("q")),
		Filters: search.Filters{
			Category:     strings.TrimSpace(query.Get("category")),
			Level:        strings.TrimSpace(query.Get("level")),
			MaterialType: strings.TrimSpace(query.Get("material_type")),
			TeacherName:  strings.TrimSpace(query.Get("teacher_name")),
		},
	}
	for _, raw := range query["tags"] {
		req.Filters.Tags = append(req.Filters.Tags, search.SplitTags(raw)...)
	}

	if req.Text == "" && req.Filters.Empty() {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Provide a query or at least one filter", nil)
		return
	}

	req.Limit = search.DefaultLimit
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 100 {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "limit must be an integer between 1 and 100", nil)
			return
		}
		req.Limit = limit
	}

	sources := search.AllSources()
	for param, enabled := range map[string]*bool{
		"in_courses":   &sources.Courses,
		"in_materials": &sources.Materials,
		"in_teachers":  &sources.Teachers,
	} {
		if raw := strings.TrimSpace(query.Get(param)); raw != "" {
			parsed, err := strconv.ParseBool(raw)
			if err != nil {
				writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", param+" must be a boolean", nil)
				return
			}
			*enabled = parsed
		}
	}
	if sources == (search.Sources{}) {
		// Every source switched off: nothing to search.
		writeJSON(w, http.StatusOK, search.Response{Query: req.Text, Results: []search.Hit{}})
		return
	}
	req.Sources = sources

	writeJSON(w, http.StatusOK, s.service.Search(req))
}

func (s *HTTPServer) handleCourse(w http.ResponseWriter, r *http.Request, session Session, courseID string) {
	switch r.Method {
	case http.MethodGet:
		course, err := s.service.GetCourse(r.Context(), courseID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, coursePayload(course))
	case http.MethodPatch:
		var patch map[string]interface{}
		if err := decodeBody(r, &patch); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		course, err := s.service.UpdateCourse(r.Context(), session, courseID, patch)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, coursePayload(course))
	case http.MethodDelete:
		if err := s.service.DeleteCourse(r.Context(), session, courseID); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleMaterial(w http.ResponseWriter, r *http.Request, session Session, materialID string) {
	switch r.Method {
	case http.MethodGet:
		material, err := s.service.GetMaterial(r.Context(), materialID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, materialPayload(material))
	case http.MethodPatch:
		var patch map[string]interface{}
		if err := decodeBody(r, &patch); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		material, err := s.service.UpdateMaterial(r.Context(), session, materialID, patch)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, materialPayload(material))
	case http.MethodDelete:
		if err := s.service.DeleteMaterial(r.Context(), session, materialID); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleAsset(w http.ResponseWriter, r *http.Request, session Session, materialID string) {
	switch r.Method {
	case http.MethodPut:
		contentType := r.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		err := s.service.UploadAsset(r.Context(), session, materialID, r.Body, r.ContentLength, contentType)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case http.MethodGet:
		if raw := r.URL.Query().Get("presign"); raw != "" {
			if parsed, err := strconv.ParseBool(raw); err == nil && parsed {
				url, err := s.service.PresignAsset(r.Context(), materialID)
				if err != nil {
					s.fail(w, err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{"url": url})
				return
			}
		}
		reader, contentType, err := s.service.OpenAsset(r.Context(), materialID)
		if err != nil {
			s.fail(w, err)
			return
		}
		defer reader.Close()
		w.Header().Set("Content-Type", contentType)
		w.WriteHeader(http.StatusOK)
		_, _ = io.Copy(w, reader)
	default:
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	}
}

func (s *HTTPServer) handleETL(w http.ResponseWriter, r *http.Request, session Session, report string) {
	ctx := r.Context()
	switch report {
	case "user-course-interactions":
		items, err := s.service.Interactions(ctx, session)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case "user-course-interactions.csv":
		items, err := s.service.Interactions(ctx, session)
		if err != nil {
			s.fail(w, err)
			return
		}
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="user_course_interactions.csv"`)
		w.WriteHeader(http.StatusOK)
		if err := etl.WriteInteractionsCSV(w, items); err != nil {
			log.Printf("app: stream interactions csv: %v", err)
		}
	case "course-features":
		items, err := s.service.CourseFeatures(ctx, session)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	case "user-features":
		items, err := s.service.UserFeatures(ctx, session)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, items)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, store.ErrNotFound) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, store.ErrEmailTaken) {
		return http.StatusConflict, "EMAIL_TAKEN", "Email already registered", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"accessToken":  session.Token,
		"refreshToken": session.RefreshToken,
		"userId":       session.UserID,
		"userName":     session.UserName,
		"role":         session.Role,
		"expiresAt":    session.ExpiresAt.Unix(),
	}
}

func userPayload(user store.User) map[string]any {
	return map[string]any{
		"id":       user.ID,
		"name":     user.Name,
		"email":    user.Email,
		"role":     user.Role,
		"isActive": user.IsActive,
	}
}

func coursePayload(course store.Course) map[string]any {
	return map[string]any{
		"id":          course.ID,
		"title":       course.Title,
		"description": course.Description,
		"category":    course.Category,
		"level":       course.Level,
		"teacherId":   course.TeacherID,
		"teacherName": course.TeacherName,
		"tags":        search.SplitTags(course.Tags),
	}
}

func materialPayload(material store.Material) map[string]any {
	return map[string]any{
		"id":          material.ID,
		"courseId":    material.CourseID,
		"courseTitle": material.CourseTitle,
		"title":       material.Title,
		"content":     material.Content,
		"type":        material.Type,
		"orderIndex":  material.OrderIndex,
	}
}
