package rbac

type Role string
type Action string

const (
	RoleStudent Role = "student"
	RoleTeacher Role = "teacher"
	RoleAdmin   Role = "admin"
)

const (
	ActionRead          Action = "read"
	ActionLearn         Action = "learn"
	ActionManageCourses Action = "manage_courses"
	ActionAdmin         Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleTeacher:
		return action == ActionRead || action == ActionLearn || action == ActionManageCourses
	case RoleStudent:
		return action == ActionRead || action == ActionLearn
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleStudent, RoleTeacher, RoleAdmin:
		return Role(role)
	default:
		return RoleStudent
	}
}
