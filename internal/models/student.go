package models

import "time"

// Student represents a learner registered in the school.
// GroupLabel is mutable: moving a student between groups changes which
// assignments apply going forward, never the grade history already recorded.
type Student struct {
	ID             string    `db:"id" json:"id"`
	FullName       string    `db:"full_name" json:"full_name"`
	Email          string    `db:"email" json:"email"`
	EnrollmentCode string    `db:"enrollment_code" json:"enrollment_code"`
	GroupLabel     *string   `db:"group_label" json:"group_label,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at" json:"updated_at"`
}

// StudentFilter encapsulates allowed search parameters for listing students.
type StudentFilter struct {
	Search     string
	GroupLabel string
	Page       int
	PageSize   int
	SortBy     string
	SortOrder  string
}
