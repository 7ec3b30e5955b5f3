package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/campusmx/gradebook-api/internal/models"
)

// GradeRepository persists the append-only grade ledger. Rows are never
// updated in place; the soft-delete flag is the single exception.
type GradeRepository struct {
	db *sqlx.DB
}

// NewGradeRepository creates a new grade repository.
func NewGradeRepository(db *sqlx.DB) *GradeRepository {
	return &GradeRepository{db: db}
}

// Insert appends a ledger entry and fills in the generated id. A duplicate
// idempotency key surfaces as ErrDuplicate so the caller can fetch the
// original entry instead of double-recording.
func (r *GradeRepository) Insert(ctx context.Context, entry *models.GradeEntry) error {
	now := time.Now().UTC()
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = now
	}
	entry.CreatedAt = now
	const query = `INSERT INTO grade_entries (student_id, subject_id, teacher_id, score, recorded_at, notes, idempotency_key, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`
	err := r.db.QueryRowxContext(ctx, query,
		entry.StudentID, entry.SubjectID, entry.TeacherID,
		entry.Score, entry.RecordedAt, entry.Notes, entry.IdempotencyKey, entry.CreatedAt,
	).Scan(&entry.ID)
	if err != nil {
		if mapped := mapUniqueViolation(err); mapped == ErrDuplicate {
			return ErrDuplicate
		}
		return fmt.Errorf("insert grade entry: %w", err)
	}
	return nil
}

// FindByID returns a ledger entry regardless of its deleted flag.
func (r *GradeRepository) FindByID(ctx context.Context, id int64) (*models.GradeEntry, error) {
	const query = `SELECT id, student_id, subject_id, teacher_id, score, recorded_at, notes, deleted, idempotency_key, created_at
		FROM grade_entries WHERE id = $1`
	var entry models.GradeEntry
	if err := r.db.GetContext(ctx, &entry, query, id); err != nil {
		return nil, err
	}
	return &entry, nil
}

// FindByIdempotencyKey returns the entry recorded under the given key.
func (r *GradeRepository) FindByIdempotencyKey(ctx context.Context, key string) (*models.GradeEntry, error) {
	const query = `SELECT id, student_id, subject_id, teacher_id, score, recorded_at, notes, deleted, idempotency_key, created_at
		FROM grade_entries WHERE idempotency_key = $1`
	var entry models.GradeEntry
	if err := r.db.GetContext(ctx, &entry, query, key); err != nil {
		return nil, err
	}
	return &entry, nil
}

// History returns the non-deleted entries for one ledger key, newest first.
// Ties on recorded_at fall back to id so ordering is stable across calls.
func (r *GradeRepository) History(ctx context.Context, key models.GradeKey) ([]models.GradeEntry, error) {
	const query = `SELECT id, student_id, subject_id, teacher_id, score, recorded_at, notes, deleted, idempotency_key, created_at
		FROM grade_entries
		WHERE student_id = $1 AND subject_id = $2 AND teacher_id = $3 AND NOT deleted
		ORDER BY recorded_at DESC, id DESC`
	var entries []models.GradeEntry
	if err := r.db.SelectContext(ctx, &entries, query, key.StudentID, key.SubjectID, key.TeacherID); err != nil {
		return nil, fmt.Errorf("list grade history: %w", err)
	}
	return entries, nil
}

// SoftDelete flags an entry as deleted. Re-deleting is a no-op so the call
// stays idempotent; only a missing row is an error.
func (r *GradeRepository) SoftDelete(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `UPDATE grade_entries SET deleted = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("soft delete grade entry: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check soft deleted rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListCurrent returns the current (most recent non-deleted) entry per
// (student, subject, teacher) key matching the filter. DISTINCT ON with the
// same ordering as History keeps the read-time derivation deterministic.
func (r *GradeRepository) ListCurrent(ctx context.Context, filter models.GradeFilter) ([]models.GradeEntry, error) {
	query := `SELECT DISTINCT ON (student_id, subject_id, teacher_id)
		id, student_id, subject_id, teacher_id, score, recorded_at, notes, deleted, idempotency_key, created_at
		FROM grade_entries
		WHERE NOT deleted`
	var args []interface{}
	if filter.StudentID != "" {
		query += fmt.Sprintf(" AND student_id = $%d", len(args)+1)
		args = append(args, filter.StudentID)
	}
	if filter.SubjectID != "" {
		query += fmt.Sprintf(" AND subject_id = $%d", len(args)+1)
		args = append(args, filter.SubjectID)
	}
	if filter.TeacherID != "" {
		query += fmt.Sprintf(" AND teacher_id = $%d", len(args)+1)
		args = append(args, filter.TeacherID)
	}
	query += " ORDER BY student_id, subject_id, teacher_id, recorded_at DESC, id DESC"
	var entries []models.GradeEntry
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("list current grades: %w", err)
	}
	return entries, nil
}

// ListCurrentForStudents returns current entries for a set of students.
func (r *GradeRepository) ListCurrentForStudents(ctx context.Context, studentIDs []string) ([]models.GradeEntry, error) {
	if len(studentIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(studentIDs))
	args := make([]interface{}, len(studentIDs))
	for i, id := range studentIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	query := fmt.Sprintf(`SELECT DISTINCT ON (student_id, subject_id, teacher_id)
		id, student_id, subject_id, teacher_id, score, recorded_at, notes, deleted, idempotency_key, created_at
		FROM grade_entries
		WHERE NOT deleted AND student_id IN (%s)
		ORDER BY student_id, subject_id, teacher_id, recorded_at DESC, id DESC`, strings.Join(placeholders, ","))
	var entries []models.GradeEntry
	if err := r.db.SelectContext(ctx, &entries, query, args...); err != nil {
		return nil, fmt.Errorf("list current grades for students: %w", err)
	}
	return entries, nil
}

// ListByTeacher returns a teacher's recorded entries with student context,
// newest first.
func (r *GradeRepository) ListByTeacher(ctx context.Context, teacherID string) ([]models.GradeEntryDetail, error) {
	const query = `
SELECT g.id, g.student_id, g.subject_id, g.teacher_id, g.score, g.recorded_at, g.notes, g.deleted, g.created_at,
       st.full_name AS student_name, st.enrollment_code, st.group_label,
       s.name AS subject_name, s.code AS subject_code
FROM grade_entries g
JOIN students st ON st.id = g.student_id
JOIN subjects s ON s.id = g.subject_id
WHERE g.teacher_id = $1 AND NOT g.deleted
ORDER BY g.recorded_at DESC, g.id DESC`
	var entries []models.GradeEntryDetail
	if err := r.db.SelectContext(ctx, &entries, query, teacherID); err != nil {
		return nil, fmt.Errorf("list grades by teacher: %w", err)
	}
	return entries, nil
}

// ListHistoryForStudent returns every non-deleted entry of a student, newest
// first, for transcript assembly.
func (r *GradeRepository) ListHistoryForStudent(ctx context.Context, studentID string) ([]models.GradeEntry, error) {
	const query = `SELECT id, student_id, subject_id, teacher_id, score, recorded_at, notes, deleted, idempotency_key, created_at
		FROM grade_entries
		WHERE student_id = $1 AND NOT deleted
		ORDER BY recorded_at DESC, id DESC`
	var entries []models.GradeEntry
	if err := r.db.SelectContext(ctx, &entries, query, studentID); err != nil {
		return nil, fmt.Errorf("list student history: %w", err)
	}
	return entries, nil
}
