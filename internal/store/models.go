package store

import "time"

// Roles assignable to a user account.
const (
	RoleStudent = "student"
	RoleTeacher = "teacher"
	RoleAdmin   = "admin"
)

type User struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string
	Role         string
	IsActive     bool
	CreatedAt    time.Time
}

// Course is a row from the courses table. TeacherName is filled by queries
// that join users; it is empty for courses without an assigned teacher.
type Course struct {
	ID          string
	Title       string
	Description string
	Category    string
	Level       string
	TeacherID   *string
	TeacherName string
	Tags        string
	CreatedAt   time.Time
}

// Material is a row from the materials table. CourseTitle is filled by
// queries that join courses.
type Material struct {
	ID          string
	CourseID    string
	CourseTitle string
	Title       string
	Content     string
	Type        string
	OrderIndex  int
	CreatedAt   time.Time
}

// Activity is one learning event: a user acting on a material.
type Activity struct {
	ID         string
	UserID     string
	MaterialID string
	Action     string
	Duration   int
	Score      *float64
	Meta       map[string]interface{}
	Timestamp  time.Time
}

// ActionComplete marks a material as finished; progress and completion
// metrics count distinct completed materials.
const ActionComplete = "complete"

// CourseProgress is one row of a user's per-course progress report.
type CourseProgress struct {
	CourseID       string
	CourseTitle    string
	TotalMaterials int
	Completed      int
	Progress       float64
	TotalTime      int
	AvgScore       *float64
}

// ActivityRow is the denormalized activity record streamed to the ETL
// aggregations: the activity joined with its user and its material's course.
type ActivityRow struct {
	UserID       string
	UserName     string
	CourseID     string
	CourseTitle  string
	MaterialID   string
	Action       string
	Duration     int
	Score        *float64
	MaterialType string
	Timestamp    time.Time
}
