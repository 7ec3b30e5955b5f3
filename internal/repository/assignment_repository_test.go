package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campusmx/gradebook-api/internal/models"
)

func newAssignmentMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

func TestAssignmentRepositoryListByGroup(t *testing.T) {
	db, mock, cleanup := newAssignmentMock(t)
	defer cleanup()
	repo := NewAssignmentRepository(db)

	rows := sqlmock.NewRows([]string{"subject_id", "subject_code", "subject_name", "teacher_id", "teacher_name", "group_label"}).
		AddRow("sub1", "MATH-1", "Mathematics", "t1", "Laura Mendez", "1-A").
		AddRow("sub2", "HIST-1", "History", "t2", "Pedro Silva", "1-A")
	mock.ExpectQuery(regexp.QuoteMeta("WHERE a.group_label = $1")).
		WithArgs("1-A").
		WillReturnRows(rows)

	pairs, err := repo.ListByGroup(context.Background(), "1-A")
	require.NoError(t, err)
	require.Len(t, pairs, 2)
	assert.Equal(t, "MATH-1", pairs[0].SubjectCode)
	assert.Equal(t, "t2", pairs[1].TeacherID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignmentRepositoryExists(t *testing.T) {
	db, mock, cleanup := newAssignmentMock(t)
	defer cleanup()
	repo := NewAssignmentRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM assignments")).
		WithArgs("t1", "sub1", "1-A").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT 1 FROM assignments")).
		WithArgs("t2", "sub1", "1-A").
		WillReturnError(sql.ErrNoRows)

	ok, err := repo.Exists(context.Background(), "t1", "sub1", "1-A")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Exists(context.Background(), "t2", "sub1", "1-A")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignmentRepositoryCreate(t *testing.T) {
	db, mock, cleanup := newAssignmentMock(t)
	defer cleanup()
	repo := NewAssignmentRepository(db)

	mock.ExpectExec("INSERT INTO assignments").
		WithArgs(sqlmock.AnyArg(), "t1", "sub1", "1-A", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	assignment := &models.Assignment{TeacherID: "t1", SubjectID: "sub1", GroupLabel: "1-A"}
	require.NoError(t, repo.Create(context.Background(), assignment))
	assert.NotEmpty(t, assignment.ID)
	assert.False(t, assignment.CreatedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignmentRepositoryCreateDuplicate(t *testing.T) {
	db, mock, cleanup := newAssignmentMock(t)
	defer cleanup()
	repo := NewAssignmentRepository(db)

	mock.ExpectExec("INSERT INTO assignments").
		WillReturnError(&pq.Error{Code: pqUniqueViolation})

	err := repo.Create(context.Background(), &models.Assignment{TeacherID: "t2", SubjectID: "sub1", GroupLabel: "1-A"})
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignmentRepositoryDelete(t *testing.T) {
	db, mock, cleanup := newAssignmentMock(t)
	defer cleanup()
	repo := NewAssignmentRepository(db)

	mock.ExpectExec("DELETE FROM assignments WHERE id").
		WithArgs("a1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM assignments WHERE id").
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.Delete(context.Background(), "a1"))
	assert.ErrorIs(t, repo.Delete(context.Background(), "missing"), sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignmentRepositoryDeleteBySubject(t *testing.T) {
	db, mock, cleanup := newAssignmentMock(t)
	defer cleanup()
	repo := NewAssignmentRepository(db)

	mock.ExpectExec("DELETE FROM assignments WHERE subject_id").
		WithArgs("sub1").
		WillReturnResult(sqlmock.NewResult(0, 3))

	require.NoError(t, repo.DeleteBySubject(context.Background(), "sub1"))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAssignmentRepositoryGroupsByTeacher(t *testing.T) {
	db, mock, cleanup := newAssignmentMock(t)
	defer cleanup()
	repo := NewAssignmentRepository(db)

	rows := sqlmock.NewRows([]string{"group_label"}).AddRow("1-A").AddRow("2-B")
	mock.ExpectQuery(regexp.QuoteMeta("SELECT DISTINCT group_label FROM assignments")).
		WithArgs("t1").
		WillReturnRows(rows)

	groups, err := repo.GroupsByTeacher(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, []string{"1-A", "2-B"}, groups)
	assert.NoError(t, mock.ExpectationsWereMet())
}
