package etl

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

// WriteInteractionsCSV renders the interaction export as CSV, one row per
// user-course pair, headers matching the JSON field names.
func WriteInteractionsCSV(w io.Writer, items []Interaction) error {
	cw := csv.NewWriter(w)
	header := []string{
		"user_id", "course_id", "user_name", "course_title",
		"completed_materials_count", "total_materials_in_course",
		"progress_percentage", "total_time_spent_seconds", "actions_count",
		"avg_score_on_quizzes", "first_activity_timestamp", "last_activity_timestamp",
	}
	if err := cw.Write(header); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	for _, item := range items {
		record := []string{
			item.UserID,
			item.CourseID,
			item.UserName,
			item.CourseTitle,
			strconv.Itoa(item.CompletedCount),
			strconv.Itoa(item.TotalMaterials),
			formatFloat(item.Progress),
			formatFloat(item.TimeSpent),
			strconv.Itoa(item.ActionsCount),
			formatOptFloat(item.AvgQuizScore),
			item.FirstActivityAt.Format(time.RFC3339),
			item.LastActivityAt.Format(time.RFC3339),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flush csv: %w", err)
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func formatOptFloat(v *float64) string {
	if v == nil {
		return ""
	}
	return formatFloat(*v)
}
