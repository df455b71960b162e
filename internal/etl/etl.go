// Package etl prepares analytics exports from the platform's raw tables:
// per user-course interaction summaries, per-course feature rows and
// per-user feature rows. Aggregation is pure; callers feed it rows from
// the store.
package etl

import (
	"math"
	"sort"
	"strings"
	"time"

	"lectern/api/internal/search"
	"lectern/api/internal/store"
)

// minViewDuration drops drive-by view events from the interaction data.
const minViewDuration = 10

// minCourseTitleLen filters out placeholder courses from the feature rows.
const minCourseTitleLen = 3

// preferredTopN bounds the preferred category/level lists per user.
const preferredTopN = 3

// progressThreshold is the minimum progress for a course to count towards a
// user's category/level preferences.
const progressThreshold = 30.0

// Interaction is one user-course summary: what a user did across one
// course's materials.
type Interaction struct {
	UserID          string     `json:"user_id"`
	CourseID        string     `json:"course_id"`
	UserName        string     `json:"user_name"`
	CourseTitle     string     `json:"course_title"`
	CompletedCount  int        `json:"completed_materials_count"`
	TotalMaterials  int        `json:"total_materials_in_course"`
	Progress        float64    `json:"progress_percentage"`
	TimeSpent       float64    `json:"total_time_spent_seconds"`
	ActionsCount    int        `json:"actions_count"`
	AvgQuizScore    *float64   `json:"avg_score_on_quizzes"`
	FirstActivityAt time.Time  `json:"first_activity_timestamp"`
	LastActivityAt  time.Time  `json:"last_activity_timestamp"`
}

// CourseFeature is one course's row in the course feature export.
type CourseFeature struct {
	CourseID     string    `json:"course_id"`
	Title        string    `json:"title"`
	Description  string    `json:"description"`
	Category     string    `json:"category"`
	Level        string    `json:"level"`
	TeacherID    *string   `json:"teacher_id"`
	TeacherName  string    `json:"teacher_name"`
	CreatedAt    time.Time `json:"created_at"`
	NumMaterials int       `json:"num_materials"`
	Tags         []string  `json:"tags"`
}

// UserFeature is one user's row in the user feature export.
type UserFeature struct {
	UserID              string   `json:"user_id"`
	UserName            string   `json:"user_name"`
	UserEmail           string   `json:"user_email"`
	Role                string   `json:"role"`
	CreatedAt           time.Time `json:"created_at"`
	IsActive            bool     `json:"is_active"`
	CoursesInteracted   int      `json:"total_courses_interacted_with"`
	CoursesCompleted    int      `json:"total_courses_completed"`
	ActivitiesLogged    int      `json:"total_activities_logged"`
	TimeSpentLearning   float64  `json:"total_time_spent_learning_seconds"`
	AvgProgress         *float64 `json:"avg_progress_on_interacted_courses"`
	AvgQuizScore        *float64 `json:"avg_score_on_all_quizzes"`
	PreferredCategories []string `json:"preferred_categories"`
	PreferredLevels     []string `json:"preferred_levels"`
}

// cleanRow applies the shared activity cleaning: short views are dropped
// entirely, out-of-range scores are kept but nulled.
func cleanRow(row store.ActivityRow) (store.ActivityRow, bool) {
	if row.Action == "view" && row.Duration <= minViewDuration {
		return row, false
	}
	if row.Score != nil && (*row.Score < 0 || *row.Score > 100) {
		row.Score = nil
	}
	return row, true
}

// BuildInteractions aggregates cleaned activity rows into one summary per
// (user, course) pair. materialCounts maps course id to its total material
// count; courses missing from it report zero progress.
func BuildInteractions(rows []store.ActivityRow, materialCounts map[string]int) []Interaction {
	type key struct{ userID, courseID string }
	type agg struct {
		Interaction
		completed  map[string]bool
		quizScores []float64
	}

	byKey := make(map[key]*agg)
	var order []key
	for _, raw := range rows {
		row, ok := cleanRow(raw)
		if !ok {
			continue
		}
		k := key{row.UserID, row.CourseID}
		a, ok := byKey[k]
		if !ok {
			a = &agg{
				Interaction: Interaction{
					UserID:          row.UserID,
					CourseID:        row.CourseID,
					UserName:        row.UserName,
					CourseTitle:     row.CourseTitle,
					FirstActivityAt: row.Timestamp,
					LastActivityAt:  row.Timestamp,
				},
				completed: make(map[string]bool),
			}
			byKey[k] = a
			order = append(order, k)
		}

		a.ActionsCount++
		if row.Duration > 0 {
			a.TimeSpent += float64(row.Duration)
		}
		if row.Action == store.ActionComplete {
			a.completed[row.MaterialID] = true
		}
		if row.MaterialType == "quiz" && row.Score != nil {
			a.quizScores = append(a.quizScores, *row.Score)
		}
		if row.Timestamp.Before(a.FirstActivityAt) {
			a.FirstActivityAt = row.Timestamp
		}
		if row.Timestamp.After(a.LastActivityAt) {
			a.LastActivityAt = row.Timestamp
		}
	}

	out := make([]Interaction, 0, len(order))
	for _, k := range order {
		a := byKey[k]
		a.CompletedCount = len(a.completed)
		a.TotalMaterials = materialCounts[a.CourseID]
		if a.TotalMaterials > 0 {
			a.Progress = round2(float64(a.CompletedCount) / float64(a.TotalMaterials) * 100)
		}
		a.TimeSpent = round2(a.TimeSpent)
		a.AvgQuizScore = roundAvg(a.quizScores)
		out = append(out, a.Interaction)
	}
	return out
}

// BuildCourseFeatures turns course rows into the course feature export.
// Descriptions are whitespace-normalized, tags split and lowercased, and
// courses with throwaway titles are dropped.
func BuildCourseFeatures(courses []store.Course, materialCounts map[string]int) []CourseFeature {
	out := make([]CourseFeature, 0, len(courses))
	for _, course := range courses {
		if len(course.Title) < minCourseTitleLen {
			continue
		}
		out = append(out, CourseFeature{
			CourseID:     course.ID,
			Title:        course.Title,
			Description:  strings.Join(strings.Fields(course.Description), " "),
			Category:     course.Category,
			Level:        course.Level,
			TeacherID:    course.TeacherID,
			TeacherName:  course.TeacherName,
			CreatedAt:    course.CreatedAt,
			NumMaterials: materialCounts[course.ID],
			Tags:         search.SplitTags(course.Tags),
		})
	}
	return out
}

// CourseMeta carries the category/level lookup for preference counting.
type CourseMeta struct {
	Category string
	Level    string
}

// CourseMetaFrom indexes courses by id for BuildUserFeatures.
func CourseMetaFrom(courses []store.Course) map[string]CourseMeta {
	meta := make(map[string]CourseMeta, len(courses))
	for _, course := range courses {
		meta[course.ID] = CourseMeta{Category: course.Category, Level: course.Level}
	}
	return meta
}

// BuildUserFeatures turns users plus their interaction summaries into the
// user feature export. Inactive users and users with implausible emails are
// dropped; preferences come from courses with meaningful progress.
func BuildUserFeatures(users []store.User, interactions []Interaction, rows []store.ActivityRow, meta map[string]CourseMeta) []UserFeature {
	byUser := make(map[string][]Interaction)
	for _, in := range interactions {
		byUser[in.UserID] = append(byUser[in.UserID], in)
	}

	activityCount := make(map[string]int)
	quizScores := make(map[string][]float64)
	for _, row := range rows {
		activityCount[row.UserID]++
		if row.MaterialType == "quiz" && row.Score != nil && *row.Score >= 0 && *row.Score <= 100 {
			quizScores[row.UserID] = append(quizScores[row.UserID], *row.Score)
		}
	}

	out := make([]UserFeature, 0, len(users))
	for _, user := range users {
		if !user.IsActive {
			continue
		}
		if !plausibleEmail(user.Email) {
			continue
		}

		ins := byUser[user.ID]
		feature := UserFeature{
			UserID:            user.ID,
			UserName:          user.Name,
			UserEmail:         user.Email,
			Role:              user.Role,
			CreatedAt:         user.CreatedAt,
			IsActive:          user.IsActive,
			CoursesInteracted: len(ins),
			ActivitiesLogged:  activityCount[user.ID],
			AvgQuizScore:      roundAvg(quizScores[user.ID]),
		}

		var progressSum float64
		categories := make(map[string]int)
		levels := make(map[string]int)
		for _, in := range ins {
			if in.Progress >= 100 {
				feature.CoursesCompleted++
			}
			feature.TimeSpentLearning += in.TimeSpent
			progressSum += in.Progress
			if in.Progress > progressThreshold {
				if m, ok := meta[in.CourseID]; ok {
					categories[m.Category]++
					levels[m.Level]++
				}
			}
		}
		feature.TimeSpentLearning = round2(feature.TimeSpentLearning)
		if len(ins) > 0 {
			avg := round2(progressSum / float64(len(ins)))
			feature.AvgProgress = &avg
		}
		feature.PreferredCategories = topN(categories, preferredTopN)
		feature.PreferredLevels = topN(levels, preferredTopN)
		out = append(out, feature)
	}
	return out
}

func plausibleEmail(email string) bool {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return false
	}
	return strings.Contains(email[at+1:], ".")
}

// topN returns the n most frequent keys, count descending, ties by name.
func topN(counts map[string]int, n int) []string {
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})
	if len(keys) > n {
		keys = keys[:n]
	}
	return keys
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func roundAvg(scores []float64) *float64 {
	if len(scores) == 0 {
		return nil
	}
	var sum float64
	for _, s := range scores {
		sum += s
	}
	avg := round2(sum / float64(len(scores)))
	return &avg
}
