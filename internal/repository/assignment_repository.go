package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/campusmx/gradebook-api/internal/models"
)

// AssignmentRepository persists teacher-subject-group assignments.
type AssignmentRepository struct {
	db *sqlx.DB
}

// NewAssignmentRepository constructs the repository.
func NewAssignmentRepository(db *sqlx.DB) *AssignmentRepository {
	return &AssignmentRepository{db: db}
}

// ListByGroup returns the resolved (subject, teacher) pairs for a group.
func (r *AssignmentRepository) ListByGroup(ctx context.Context, groupLabel string) ([]models.SubjectAssignment, error) {
	const query = `
SELECT a.subject_id, s.code AS subject_code, s.name AS subject_name,
       a.teacher_id, t.full_name AS teacher_name, a.group_label
FROM assignments a
JOIN subjects s ON s.id = a.subject_id
JOIN teachers t ON t.id = a.teacher_id
WHERE a.group_label = $1
ORDER BY s.code ASC`
	var pairs []models.SubjectAssignment
	if err := r.db.SelectContext(ctx, &pairs, query, groupLabel); err != nil {
		return nil, fmt.Errorf("list assignments by group: %w", err)
	}
	return pairs, nil
}

// ListByTeacher returns assignments owned by the teacher.
func (r *AssignmentRepository) ListByTeacher(ctx context.Context, teacherID string) ([]models.AssignmentDetail, error) {
	const query = `
SELECT a.id, a.teacher_id, a.subject_id, a.group_label, a.created_at,
       s.code AS subject_code, s.name AS subject_name, t.full_name AS teacher_name
FROM assignments a
JOIN subjects s ON s.id = a.subject_id
JOIN teachers t ON t.id = a.teacher_id
WHERE a.teacher_id = $1
ORDER BY a.group_label ASC, s.code ASC`
	var assignments []models.AssignmentDetail
	if err := r.db.SelectContext(ctx, &assignments, query, teacherID); err != nil {
		return nil, fmt.Errorf("list assignments by teacher: %w", err)
	}
	return assignments, nil
}

// ListBySubject returns the assignment set of a subject across groups.
func (r *AssignmentRepository) ListBySubject(ctx context.Context, subjectID string) ([]models.AssignmentDetail, error) {
	const query = `
SELECT a.id, a.teacher_id, a.subject_id, a.group_label, a.created_at,
       s.code AS subject_code, s.name AS subject_name, t.full_name AS teacher_name
FROM assignments a
JOIN subjects s ON s.id = a.subject_id
JOIN teachers t ON t.id = a.teacher_id
WHERE a.subject_id = $1
ORDER BY a.group_label ASC`
	var assignments []models.AssignmentDetail
	if err := r.db.SelectContext(ctx, &assignments, query, subjectID); err != nil {
		return nil, fmt.Errorf("list assignments by subject: %w", err)
	}
	return assignments, nil
}

// GroupsByTeacher returns the distinct group labels the teacher grades in.
func (r *AssignmentRepository) GroupsByTeacher(ctx context.Context, teacherID string) ([]string, error) {
	const query = `SELECT DISTINCT group_label FROM assignments WHERE teacher_id = $1 ORDER BY group_label ASC`
	var groups []string
	if err := r.db.SelectContext(ctx, &groups, query, teacherID); err != nil {
		return nil, fmt.Errorf("list teacher groups: %w", err)
	}
	return groups, nil
}

// Exists checks whether the exact teacher-subject-group triple is assigned.
func (r *AssignmentRepository) Exists(ctx context.Context, teacherID, subjectID, groupLabel string) (bool, error) {
	const query = `SELECT 1 FROM assignments WHERE teacher_id = $1 AND subject_id = $2 AND group_label = $3 LIMIT 1`
	var exists int
	if err := r.db.GetContext(ctx, &exists, query, teacherID, subjectID, groupLabel); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check assignment: %w", err)
	}
	return true, nil
}

// Create inserts a new assignment. The unique constraint on
// (subject_id, group_label) turns concurrent duplicates into ErrDuplicate.
func (r *AssignmentRepository) Create(ctx context.Context, assignment *models.Assignment) error {
	if assignment.ID == "" {
		assignment.ID = uuid.NewString()
	}
	if assignment.CreatedAt.IsZero() {
		assignment.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO assignments (id, teacher_id, subject_id, group_label, created_at)
		VALUES (:id, :teacher_id, :subject_id, :group_label, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, assignment); err != nil {
		if mapped := mapUniqueViolation(err); mapped == ErrDuplicate {
			return ErrDuplicate
		}
		return fmt.Errorf("create assignment: %w", err)
	}
	return nil
}

// DeleteBySubject clears the assignment set of a subject ahead of a resync.
// Grade history referencing the old pairings is untouched.
func (r *AssignmentRepository) DeleteBySubject(ctx context.Context, subjectID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM assignments WHERE subject_id = $1`, subjectID); err != nil {
		return fmt.Errorf("delete assignments by subject: %w", err)
	}
	return nil
}

// Delete removes an assignment row. Grade history referencing the old pairing
// is untouched.
func (r *AssignmentRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM assignments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete assignment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check deleted assignment rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}
