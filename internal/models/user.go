package models

import "time"

// UserRole enumerates API access roles.
type UserRole string

const (
	// RoleAdmin can manage everything including users.
	RoleAdmin UserRole = "ADMIN"
	// RoleRegistrar manages rosters, assignments and school-wide reports.
	RoleRegistrar UserRole = "REGISTRAR"
	// RoleTeacher records grades for assigned subjects.
	RoleTeacher UserRole = "TEACHER"
)

// User is an API account. Teachers link to their roster row via TeacherID.
type User struct {
	ID           string     `db:"id" json:"id"`
	Email        string     `db:"email" json:"email"`
	FullName     string     `db:"full_name" json:"full_name"`
	PasswordHash string     `db:"password_hash" json:"-"`
	Role         UserRole   `db:"role" json:"role"`
	TeacherID    *string    `db:"teacher_id" json:"teacher_id,omitempty"`
	Active       bool       `db:"active" json:"active"`
	LastLoginAt  *time.Time `db:"last_login_at" json:"last_login_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at" json:"updated_at"`
}

// Pagination describes list metadata in response envelopes.
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	TotalCount int `json:"total_count"`
}
