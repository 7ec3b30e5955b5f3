package models

import "time"

// Assignment authorizes one teacher to grade one subject for one group.
// The (subject_id, group_label) pair is unique: each group has exactly one
// teacher per subject, enforced with a storage-level constraint.
type Assignment struct {
	ID         string    `db:"id" json:"id"`
	TeacherID  string    `db:"teacher_id" json:"teacher_id"`
	SubjectID  string    `db:"subject_id" json:"subject_id"`
	GroupLabel string    `db:"group_label" json:"group_label"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// AssignmentDetail enriches an assignment with descriptive fields.
type AssignmentDetail struct {
	Assignment
	SubjectCode string `db:"subject_code" json:"subject_code"`
	SubjectName string `db:"subject_name" json:"subject_name"`
	TeacherName string `db:"teacher_name" json:"teacher_name"`
}

// SubjectAssignment is a resolved (subject, teacher) pair for a student's
// current group. An empty resolution is a valid state, not an error.
type SubjectAssignment struct {
	SubjectID   string `db:"subject_id" json:"subject_id"`
	SubjectCode string `db:"subject_code" json:"subject_code"`
	SubjectName string `db:"subject_name" json:"subject_name"`
	TeacherID   string `db:"teacher_id" json:"teacher_id"`
	TeacherName string `db:"teacher_name" json:"teacher_name"`
	GroupLabel  string `db:"group_label" json:"group_label"`
}

// AssignmentSyncFailure captures a per-item failure during a bulk resync.
type AssignmentSyncFailure struct {
	GroupLabel string `json:"group_label"`
	TeacherID  string `json:"teacher_id"`
	Reason     string `json:"reason"`
}

// AssignmentSyncResult summarises a bulk assignment replacement.
type AssignmentSyncResult struct {
	SubjectID    string                  `json:"subject_id"`
	SuccessCount int                     `json:"success_count"`
	Failures     []AssignmentSyncFailure `json:"failures,omitempty"`
}
