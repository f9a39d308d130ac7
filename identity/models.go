package identity

import "time"

type Role string

const (
	RoleStudent Role = "student"
	RoleTutor   Role = "tutor"
	RoleParent  Role = "parent"
	RoleStaff   Role = "staff"
)

// User is the domain representation of an account in the marketplace.
// It mirrors the users table and carries no JSON annotations so it can be
// reused by different presentation layers.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Phone        *string
	Role         Role
	// GuardianID links a student to the parent account that must confirm
	// attendance reported by tutors. Nil means the student confirms (or is
	// trusted) on their own.
	GuardianID *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// RegisterRequest contains account registration data supplied by callers.
type RegisterRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	FullName   string `json:"full_name"`
	Role       Role   `json:"role"`
	GuardianID string `json:"guardian_id,omitempty"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
