package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusmx/gradebook-api/internal/models"
)

func newGradeMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

var gradeColumns = []string{"id", "student_id", "subject_id", "teacher_id", "score", "recorded_at", "notes", "deleted", "idempotency_key", "created_at"}

func TestGradeRepositoryInsert(t *testing.T) {
	db, mock, cleanup := newGradeMock(t)
	defer cleanup()
	repo := NewGradeRepository(db)

	mock.ExpectQuery("INSERT INTO grade_entries").
		WithArgs("stu1", "sub1", "t1", 85.5, sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	score := 85.5
	entry := &models.GradeEntry{StudentID: "stu1", SubjectID: "sub1", TeacherID: "t1", Score: &score}
	err := repo.Insert(context.Background(), entry)
	require.NoError(t, err)
	assert.Equal(t, int64(42), entry.ID)
	assert.False(t, entry.RecordedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGradeRepositoryInsertDuplicateKey(t *testing.T) {
	db, mock, cleanup := newGradeMock(t)
	defer cleanup()
	repo := NewGradeRepository(db)

	mock.ExpectQuery("INSERT INTO grade_entries").
		WillReturnError(&pq.Error{Code: pqUniqueViolation})

	key := "dedupe-1"
	err := repo.Insert(context.Background(), &models.GradeEntry{StudentID: "stu1", SubjectID: "sub1", TeacherID: "t1", IdempotencyKey: &key})
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGradeRepositoryHistoryOrdering(t *testing.T) {
	db, mock, cleanup := newGradeMock(t)
	defer cleanup()
	repo := NewGradeRepository(db)

	now := time.Now().UTC()
	rows := sqlmock.NewRows(gradeColumns).
		AddRow(int64(3), "stu1", "sub1", "t1", 90.0, now, nil, false, nil, now).
		AddRow(int64(2), "stu1", "sub1", "t1", 70.0, now.Add(-time.Hour), nil, false, nil, now)
	mock.ExpectQuery(regexp.QuoteMeta("AND NOT deleted") + `\s+ORDER BY recorded_at DESC, id DESC`).
		WithArgs("stu1", "sub1", "t1").
		WillReturnRows(rows)

	entries, err := repo.History(context.Background(), models.GradeKey{StudentID: "stu1", SubjectID: "sub1", TeacherID: "t1"})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, int64(3), entries[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGradeRepositorySoftDelete(t *testing.T) {
	db, mock, cleanup := newGradeMock(t)
	defer cleanup()
	repo := NewGradeRepository(db)

	mock.ExpectExec("UPDATE grade_entries SET deleted = TRUE").
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.SoftDelete(context.Background(), 7))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGradeRepositorySoftDeleteMissingRow(t *testing.T) {
	db, mock, cleanup := newGradeMock(t)
	defer cleanup()
	repo := NewGradeRepository(db)

	mock.ExpectExec("UPDATE grade_entries SET deleted = TRUE").
		WithArgs(int64(999)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.SoftDelete(context.Background(), 999)
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGradeRepositoryListCurrentFilters(t *testing.T) {
	db, mock, cleanup := newGradeMock(t)
	defer cleanup()
	repo := NewGradeRepository(db)

	now := time.Now().UTC()
	rows := sqlmock.NewRows(gradeColumns).
		AddRow(int64(5), "stu1", "sub1", "t1", 88.0, now, nil, false, nil, now)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT DISTINCT ON (student_id, subject_id, teacher_id)")).
		WithArgs("stu1").
		WillReturnRows(rows)

	entries, err := repo.ListCurrent(context.Background(), models.GradeFilter{StudentID: "stu1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "sub1", entries[0].SubjectID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGradeRepositoryListCurrentForStudentsEmptySet(t *testing.T) {
	db, mock, cleanup := newGradeMock(t)
	defer cleanup()
	repo := NewGradeRepository(db)

	entries, err := repo.ListCurrentForStudents(context.Background(), nil)
	require.NoError(t, err)
	assert.Nil(t, entries)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGradeRepositoryFindByIdempotencyKey(t *testing.T) {
	db, mock, cleanup := newGradeMock(t)
	defer cleanup()
	repo := NewGradeRepository(db)

	now := time.Now().UTC()
	key := "dedupe-1"
	rows := sqlmock.NewRows(gradeColumns).
		AddRow(int64(11), "stu1", "sub1", "t1", 88.0, now, nil, false, key, now)
	mock.ExpectQuery(regexp.QuoteMeta("WHERE idempotency_key = $1")).
		WithArgs(key).
		WillReturnRows(rows)

	entry, err := repo.FindByIdempotencyKey(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, int64(11), entry.ID)
	require.NotNil(t, entry.IdempotencyKey)
	assert.Equal(t, key, *entry.IdempotencyKey)
	assert.NoError(t, mock.ExpectationsWereMet())
}
