package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"lectern/api/internal/search"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrEmailTaken = errors.New("email already registered")
)

const pgUniqueViolation = "23505"

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, password_hash, role, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, user.ID, user.Name, user.Email, user.PasswordHash, user.Role, user.IsActive)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return ErrEmailTaken
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, role, is_active, created_at
		FROM users WHERE email = $1
	`, email))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return s.scanUser(s.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, role, is_active, created_at
		FROM users WHERE id = $1
	`, userID))
}

func (s *PostgresStore) scanUser(row *sql.Row) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.Role, &user.IsActive, &user.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("read user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, email, password_hash, role, is_active, created_at
		FROM users ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	items := make([]User, 0)
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.Role, &user.IsActive, &user.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		items = append(items, user)
	}
	return items, rows.Err()
}

const courseColumns = `
	c.id, c.title, c.description, c.category, c.level, c.teacher_id,
	COALESCE(u.name, ''), c.tags, c.created_at
`

func (s *PostgresStore) ListCourses(ctx context.Context, category, level string) ([]Course, error) {
	query := `
		SELECT ` + courseColumns + `
		FROM courses c
		LEFT JOIN users u ON u.id = c.teacher_id
		WHERE ($1 = '' OR LOWER(c.category) = LOWER($1))
			AND ($2 = '' OR LOWER(c.level) = LOWER($2))
		ORDER BY c.created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, category, level)
	if err != nil {
		return nil, fmt.Errorf("list courses: %w", err)
	}
	defer rows.Close()

	items := make([]Course, 0)
	for rows.Next() {
		course, err := scanCourse(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, course)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetCourse(ctx context.Context, courseID string) (Course, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+courseColumns+`
		FROM courses c
		LEFT JOIN users u ON u.id = c.teacher_id
		WHERE c.id = $1
	`, courseID)
	course, err := scanCourse(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Course{}, ErrNotFound
	}
	return course, err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCourse(row rowScanner) (Course, error) {
	var course Course
	err := row.Scan(&course.ID, &course.Title, &course.Description, &course.Category,
		&course.Level, &course.TeacherID, &course.TeacherName, &course.Tags, &course.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Course{}, err
	}
	if err != nil {
		return Course{}, fmt.Errorf("scan course: %w", err)
	}
	return course, nil
}

func (s *PostgresStore) InsertCourse(ctx context.Context, course Course) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO courses (id, title, description, category, level, teacher_id, tags)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, course.ID, course.Title, course.Description, course.Category, course.Level, course.TeacherID, course.Tags)
	if err != nil {
		return fmt.Errorf("insert course: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateCourse(ctx context.Context, course Course) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE courses
		SET title=$2, description=$3, category=$4, level=$5, teacher_id=$6, tags=$7
		WHERE id=$1
	`, course.ID, course.Title, course.Description, course.Category, course.Level, course.TeacherID, course.Tags)
	if err != nil {
		return fmt.Errorf("update course: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteCourse removes a course and its materials, returning the ids of the
// removed materials so the caller can drop their index documents too.
func (s *PostgresStore) DeleteCourse(ctx context.Context, courseID string) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin delete course: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM materials WHERE course_id=$1`, courseID)
	if err != nil {
		return nil, fmt.Errorf("list course materials: %w", err)
	}
	var materialIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan material id: %w", err)
		}
		materialIDs = append(materialIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list course materials: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM courses WHERE id=$1`, courseID)
	if err != nil {
		return nil, fmt.Errorf("delete course: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete course: %w", err)
	}
	return materialIDs, nil
}

func (s *PostgresStore) CountCourses(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM courses`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count courses: %w", err)
	}
	return n, nil
}

const materialColumns = `
	m.id, m.course_id, c.title, m.title, m.content, m.type, m.order_index, m.created_at
`

func (s *PostgresStore) ListCourseMaterials(ctx context.Context, courseID string) ([]Material, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+materialColumns+`
		FROM materials m
		JOIN courses c ON c.id = m.course_id
		WHERE m.course_id = $1
		ORDER BY m.order_index, m.created_at
	`, courseID)
	if err != nil {
		return nil, fmt.Errorf("list materials: %w", err)
	}
	defer rows.Close()

	items := make([]Material, 0)
	for rows.Next() {
		material, err := scanMaterial(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, material)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetMaterial(ctx context.Context, materialID string) (Material, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+materialColumns+`
		FROM materials m
		JOIN courses c ON c.id = m.course_id
		WHERE m.id = $1
	`, materialID)
	material, err := scanMaterial(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Material{}, ErrNotFound
	}
	return material, err
}

func scanMaterial(row rowScanner) (Material, error) {
	var material Material
	err := row.Scan(&material.ID, &material.CourseID, &material.CourseTitle,
		&material.Title, &material.Content, &material.Type, &material.OrderIndex, &material.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Material{}, err
	}
	if err != nil {
		return Material{}, fmt.Errorf("scan material: %w", err)
	}
	return material, nil
}

func (s *PostgresStore) InsertMaterial(ctx context.Context, material Material) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO materials (id, course_id, title, content, type, order_index)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, material.ID, material.CourseID, material.Title, material.Content, material.Type, material.OrderIndex)
	if err != nil {
		return fmt.Errorf("insert material: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateMaterial(ctx context.Context, material Material) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE materials
		SET title=$2, content=$3, type=$4, order_index=$5
		WHERE id=$1
	`, material.ID, material.Title, material.Content, material.Type, material.OrderIndex)
	if err != nil {
		return fmt.Errorf("update material: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteMaterial(ctx context.Context, materialID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM materials WHERE id=$1`, materialID)
	if err != nil {
		return fmt.Errorf("delete material: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MaterialCountsByCourse reports how many materials each course has.
func (s *PostgresStore) MaterialCountsByCourse(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT course_id, COUNT(*) FROM materials GROUP BY course_id
	`)
	if err != nil {
		return nil, fmt.Errorf("count materials: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var courseID string
		var n int
		if err := rows.Scan(&courseID, &n); err != nil {
			return nil, fmt.Errorf("scan material count: %w", err)
		}
		counts[courseID] = n
	}
	return counts, rows.Err()
}

func (s *PostgresStore) InsertActivity(ctx context.Context, activity Activity) error {
	meta, err := json.Marshal(activity.Meta)
	if err != nil {
		return fmt.Errorf("encode activity meta: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO activities (id, user_id, material_id, action, duration, score, meta)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, activity.ID, activity.UserID, activity.MaterialID, activity.Action, activity.Duration, activity.Score, meta)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// UserProgress reports per-course completion for one user over the courses
// they have touched. Progress is completed materials over the course's total.
func (s *PostgresStore) UserProgress(ctx context.Context, userID string) ([]CourseProgress, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.title,
			(SELECT COUNT(*) FROM materials m2 WHERE m2.course_id = c.id),
			COUNT(DISTINCT a.material_id) FILTER (WHERE a.action = 'complete'),
			COALESCE(SUM(a.duration), 0),
			AVG(a.score)
		FROM activities a
		JOIN materials m ON m.id = a.material_id
		JOIN courses c ON c.id = m.course_id
		WHERE a.user_id = $1
		GROUP BY c.id, c.title
		ORDER BY c.title
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("user progress: %w", err)
	}
	defer rows.Close()

	items := make([]CourseProgress, 0)
	for rows.Next() {
		var p CourseProgress
		if err := rows.Scan(&p.CourseID, &p.CourseTitle, &p.TotalMaterials, &p.Completed, &p.TotalTime, &p.AvgScore); err != nil {
			return nil, fmt.Errorf("scan progress: %w", err)
		}
		if p.TotalMaterials > 0 {
			p.Progress = float64(p.Completed) / float64(p.TotalMaterials) * 100
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

// ListActivityRows streams every activity joined with its material's course,
// ordered by time, for the ETL aggregations.
func (s *PostgresStore) ListActivityRows(ctx context.Context) ([]ActivityRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.user_id, u.name, m.course_id, c.title, a.material_id, a.action, a.duration, a.score, m.type, a.timestamp
		FROM activities a
		JOIN users u ON u.id = a.user_id
		JOIN materials m ON m.id = a.material_id
		JOIN courses c ON c.id = m.course_id
		ORDER BY a.user_id, m.course_id, a.timestamp
	`)
	if err != nil {
		return nil, fmt.Errorf("list activity rows: %w", err)
	}
	defer rows.Close()

	items := make([]ActivityRow, 0)
	for rows.Next() {
		var row ActivityRow
		if err := rows.Scan(&row.UserID, &row.UserName, &row.CourseID, &row.CourseTitle,
			&row.MaterialID, &row.Action, &row.Duration, &row.Score, &row.MaterialType, &row.Timestamp); err != nil {
			return nil, fmt.Errorf("scan activity row: %w", err)
		}
		items = append(items, row)
	}
	return items, rows.Err()
}

// EachCourse enumerates every course as its index document. Implements the
// reindex enumeration the search service rebuilds from.
func (s *PostgresStore) EachCourse(ctx context.Context, fn func(search.CourseDocument) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.title, c.description, c.category, c.level, COALESCE(u.name, ''), c.tags
		FROM courses c
		LEFT JOIN users u ON u.id = c.teacher_id
		ORDER BY c.id
	`)
	if err != nil {
		return fmt.Errorf("enumerate courses: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var doc search.CourseDocument
		var tags string
		if err := rows.Scan(&doc.ID, &doc.Title, &doc.Description, &doc.Category, &doc.Level, &doc.TeacherName, &tags); err != nil {
			return fmt.Errorf("scan course document: %w", err)
		}
		doc.Tags = search.SplitTags(tags)
		if err := fn(doc); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *PostgresStore) EachMaterial(ctx context.Context, fn func(search.MaterialDocument) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.title, m.content, m.type, m.course_id, c.title
		FROM materials m
		JOIN courses c ON c.id = m.course_id
		ORDER BY m.id
	`)
	if err != nil {
		return fmt.Errorf("enumerate materials: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var doc search.MaterialDocument
		if err := rows.Scan(&doc.ID, &doc.Title, &doc.Content, &doc.MaterialType, &doc.CourseID, &doc.CourseTitle); err != nil {
			return fmt.Errorf("scan material document: %w", err)
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
	return rows.Err()
}

func (s *PostgresStore) EachTeacher(ctx context.Context, fn func(search.TeacherDocument) error) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name FROM users WHERE role = $1 AND is_active ORDER BY id
	`, RoleTeacher)
	if err != nil {
		return fmt.Errorf("enumerate teachers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var doc search.TeacherDocument
		if err := rows.Scan(&doc.ID, &doc.Name); err != nil {
			return fmt.Errorf("scan teacher document: %w", err)
		}
		if err := fn(doc); err != nil {
			return err
		}
	}
	return rows.Err()
}
