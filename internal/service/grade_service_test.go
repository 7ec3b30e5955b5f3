package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/campusmx/gradebook-api/internal/models"
	"github.com/campusmx/gradebook-api/internal/repository"
	appErrors "github.com/campusmx/gradebook-api/pkg/errors"
)

type mockGradeRepo struct {
	entries        []models.GradeEntry
	nextID         int64
	failInsertOn   string
	precheckMisses int
}

func (m *mockGradeRepo) Insert(ctx context.Context, entry *models.GradeEntry) error {
	if entry.IdempotencyKey != nil && *entry.IdempotencyKey == m.failInsertOn {
		return repository.ErrDuplicate
	}
	for _, e := range m.entries {
		if entry.IdempotencyKey != nil && e.IdempotencyKey != nil && *e.IdempotencyKey == *entry.IdempotencyKey {
			return repository.ErrDuplicate
		}
	}
	m.nextID++
	entry.ID = m.nextID
	entry.RecordedAt = time.Now().UTC()
	entry.CreatedAt = entry.RecordedAt
	m.entries = append(m.entries, *entry)
	return nil
}

func (m *mockGradeRepo) FindByID(ctx context.Context, id int64) (*models.GradeEntry, error) {
	for _, e := range m.entries {
		if e.ID == id {
			entry := e
			return &entry, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockGradeRepo) FindByIdempotencyKey(ctx context.Context, key string) (*models.GradeEntry, error) {
	if m.precheckMisses > 0 {
		m.precheckMisses--
		return nil, sql.ErrNoRows
	}
	for _, e := range m.entries {
		if e.IdempotencyKey != nil && *e.IdempotencyKey == key {
			entry := e
			return &entry, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *mockGradeRepo) History(ctx context.Context, key models.GradeKey) ([]models.GradeEntry, error) {
	var result []models.GradeEntry
	for i := len(m.entries) - 1; i >= 0; i-- {
		e := m.entries[i]
		if !e.Deleted && e.Key() == key {
			result = append(result, e)
		}
	}
	return result, nil
}

func (m *mockGradeRepo) SoftDelete(ctx context.Context, id int64) error {
	for i, e := range m.entries {
		if e.ID == id {
			m.entries[i].Deleted = true
			return nil
		}
	}
	return sql.ErrNoRows
}

func (m *mockGradeRepo) ListByTeacher(ctx context.Context, teacherID string) ([]models.GradeEntryDetail, error) {
	var result []models.GradeEntryDetail
	for _, e := range m.entries {
		if !e.Deleted && e.TeacherID == teacherID {
			result = append(result, models.GradeEntryDetail{GradeEntry: e})
		}
	}
	return result, nil
}

type mockAssignmentValidator struct {
	allowed map[string]bool
}

func (m *mockAssignmentValidator) ValidateAssignment(ctx context.Context, teacherID, subjectID, groupLabel string) (bool, error) {
	return m.allowed[teacherID+"|"+subjectID+"|"+groupLabel], nil
}

type mockStudentReader struct {
	students map[string]*models.Student
}

func (m *mockStudentReader) FindByID(ctx context.Context, id string) (*models.Student, error) {
	if s, ok := m.students[id]; ok {
		return s, nil
	}
	return nil, sql.ErrNoRows
}

type mockInvalidator struct {
	patterns []string
}

func (m *mockInvalidator) DeleteByPattern(ctx context.Context, pattern string) error {
	m.patterns = append(m.patterns, pattern)
	return nil
}

func ptrFloat(v float64) *float64 {
	return &v
}

func ptrString(v string) *string {
	return &v
}

func newGradeFixture() (*GradeService, *mockGradeRepo, *mockInvalidator) {
	repo := &mockGradeRepo{}
	group := "1-A"
	students := &mockStudentReader{students: map[string]*models.Student{
		"stu1": {ID: "stu1", FullName: "Ana Torres", GroupLabel: &group},
		"stu2": {ID: "stu2", FullName: "Bruno Diaz"},
	}}
	assignments := &mockAssignmentValidator{allowed: map[string]bool{
		"t1|sub1|1-A": true,
	}}
	invalidator := &mockInvalidator{}
	svc := NewGradeService(repo, assignments, students, invalidator, nil, validator.New(), zap.NewNop())
	return svc, repo, invalidator
}

func TestGradeSubmitRecordsEntry(t *testing.T) {
	svc, repo, invalidator := newGradeFixture()

	entry, err := svc.Submit(context.Background(), SubmitGradeRequest{
		StudentID: "stu1", SubjectID: "sub1", TeacherID: "t1", Score: ptrFloat(85),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.ID)
	assert.Equal(t, 85.0, *entry.Score)
	assert.Len(t, repo.entries, 1)
	assert.Contains(t, invalidator.patterns, "agg:student:stu1*")
	assert.Contains(t, invalidator.patterns, "agg:teacher:t1*")
	assert.Contains(t, invalidator.patterns, "agg:system*")
}

func TestGradeSubmitRejectsUnassignedTeacher(t *testing.T) {
	svc, repo, _ := newGradeFixture()

	_, err := svc.Submit(context.Background(), SubmitGradeRequest{
		StudentID: "stu1", SubjectID: "sub1", TeacherID: "t2", Score: ptrFloat(90),
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrUnauthorized.Code, appErrors.FromError(err).Code)
	assert.Empty(t, repo.entries)
}

func TestGradeSubmitRejectsStudentWithoutGroup(t *testing.T) {
	svc, _, _ := newGradeFixture()

	_, err := svc.Submit(context.Background(), SubmitGradeRequest{
		StudentID: "stu2", SubjectID: "sub1", TeacherID: "t1", Score: ptrFloat(90),
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrUnauthorized.Code, appErrors.FromError(err).Code)
}

func TestGradeSubmitScoreBounds(t *testing.T) {
	svc, _, _ := newGradeFixture()
	ctx := context.Background()

	for _, score := range []float64{0, 100} {
		entry, err := svc.Submit(ctx, SubmitGradeRequest{
			StudentID: "stu1", SubjectID: "sub1", TeacherID: "t1", Score: ptrFloat(score),
		})
		require.NoError(t, err, "score %v must be accepted", score)
		assert.Equal(t, score, *entry.Score)
	}

	for _, score := range []float64{-1, 100.01, 101} {
		_, err := svc.Submit(ctx, SubmitGradeRequest{
			StudentID: "stu1", SubjectID: "sub1", TeacherID: "t1", Score: ptrFloat(score),
		})
		require.Error(t, err, "score %v must be rejected", score)
		assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
	}
}

func TestGradeSubmitNilScoreAccepted(t *testing.T) {
	svc, _, _ := newGradeFixture()

	entry, err := svc.Submit(context.Background(), SubmitGradeRequest{
		StudentID: "stu1", SubjectID: "sub1", TeacherID: "t1",
	})
	require.NoError(t, err)
	assert.Nil(t, entry.Score)
}

func TestGradeSubmitCorrectionAppends(t *testing.T) {
	svc, repo, _ := newGradeFixture()
	ctx := context.Background()

	first, err := svc.Submit(ctx, SubmitGradeRequest{StudentID: "stu1", SubjectID: "sub1", TeacherID: "t1", Score: ptrFloat(60)})
	require.NoError(t, err)
	second, err := svc.Submit(ctx, SubmitGradeRequest{StudentID: "stu1", SubjectID: "sub1", TeacherID: "t1", Score: ptrFloat(75)})
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Len(t, repo.entries, 2, "corrections append, never overwrite")

	history, err := svc.History(ctx, models.GradeKey{StudentID: "stu1", SubjectID: "sub1", TeacherID: "t1"})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 75.0, *history[0].Score, "most recent entry first")
}

func TestGradeSubmitIdempotencyKeyReturnsOriginal(t *testing.T) {
	svc, repo, _ := newGradeFixture()
	ctx := context.Background()

	first, err := svc.Submit(ctx, SubmitGradeRequest{
		StudentID: "stu1", SubjectID: "sub1", TeacherID: "t1", Score: ptrFloat(88),
		IdempotencyKey: ptrString("key-1"),
	})
	require.NoError(t, err)

	second, err := svc.Submit(ctx, SubmitGradeRequest{
		StudentID: "stu1", SubjectID: "sub1", TeacherID: "t1", Score: ptrFloat(92),
		IdempotencyKey: ptrString("key-1"),
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 88.0, *second.Score, "original entry wins")
	assert.Len(t, repo.entries, 1)
}

func TestGradeSubmitIdempotencyKeyReusedForDifferentStudent(t *testing.T) {
	svc, repo, _ := newGradeFixture()
	ctx := context.Background()

	_, err := svc.Submit(ctx, SubmitGradeRequest{
		StudentID: "stu1", SubjectID: "sub1", TeacherID: "t1", Score: ptrFloat(88),
		IdempotencyKey: ptrString("key-1"),
	})
	require.NoError(t, err)

	// The same key on another student's grade must not silently hand back
	// the unrelated original entry.
	_, err = svc.Submit(ctx, SubmitGradeRequest{
		StudentID: "stu2", SubjectID: "sub1", TeacherID: "t1", Score: ptrFloat(40),
		IdempotencyKey: ptrString("key-1"),
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
	assert.Len(t, repo.entries, 1)
}

func TestGradeSubmitIdempotencyRace(t *testing.T) {
	// A concurrent writer got the key in between pre-check and insert: the
	// insert reports a duplicate and the stored row is returned instead.
	repo := &mockGradeRepo{nextID: 100, failInsertOn: "key-race", precheckMisses: 1}
	repo.entries = []models.GradeEntry{{
		ID: 77, StudentID: "stu1", SubjectID: "sub1", TeacherID: "t1",
		Score: ptrFloat(70), IdempotencyKey: ptrString("key-race"),
	}}
	group := "1-A"
	svc := NewGradeService(repo,
		&mockAssignmentValidator{allowed: map[string]bool{"t1|sub1|1-A": true}},
		&mockStudentReader{students: map[string]*models.Student{"stu1": {ID: "stu1", GroupLabel: &group}}},
		nil, nil, validator.New(), zap.NewNop())

	entry, err := svc.Submit(context.Background(), SubmitGradeRequest{
		StudentID: "stu1", SubjectID: "sub1", TeacherID: "t1", Score: ptrFloat(95),
		IdempotencyKey: ptrString("key-race"),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(77), entry.ID)
	assert.Equal(t, 70.0, *entry.Score)
}

func TestGradeSubmitIdempotencyRaceKeyMismatchConflicts(t *testing.T) {
	// The concurrent writer used the key for a different ledger tuple, so
	// the recovered row cannot be returned as this request's entry.
	repo := &mockGradeRepo{nextID: 100, failInsertOn: "key-race", precheckMisses: 1}
	repo.entries = []models.GradeEntry{{
		ID: 77, StudentID: "stu9", SubjectID: "sub1", TeacherID: "t1",
		Score: ptrFloat(70), IdempotencyKey: ptrString("key-race"),
	}}
	group := "1-A"
	svc := NewGradeService(repo,
		&mockAssignmentValidator{allowed: map[string]bool{"t1|sub1|1-A": true}},
		&mockStudentReader{students: map[string]*models.Student{"stu1": {ID: "stu1", GroupLabel: &group}}},
		nil, nil, validator.New(), zap.NewNop())

	_, err := svc.Submit(context.Background(), SubmitGradeRequest{
		StudentID: "stu1", SubjectID: "sub1", TeacherID: "t1", Score: ptrFloat(95),
		IdempotencyKey: ptrString("key-race"),
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
}

func TestGradeSoftDeleteIdempotent(t *testing.T) {
	svc, repo, _ := newGradeFixture()
	ctx := context.Background()

	entry, err := svc.Submit(ctx, SubmitGradeRequest{StudentID: "stu1", SubjectID: "sub1", TeacherID: "t1", Score: ptrFloat(50)})
	require.NoError(t, err)

	require.NoError(t, svc.SoftDelete(ctx, entry.ID))
	assert.True(t, repo.entries[0].Deleted)

	require.NoError(t, svc.SoftDelete(ctx, entry.ID), "deleting twice succeeds")

	err = svc.SoftDelete(ctx, 12345)
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestGradeSoftDeleteExcludesFromHistory(t *testing.T) {
	svc, _, _ := newGradeFixture()
	ctx := context.Background()

	first, err := svc.Submit(ctx, SubmitGradeRequest{StudentID: "stu1", SubjectID: "sub1", TeacherID: "t1", Score: ptrFloat(40)})
	require.NoError(t, err)
	_, err = svc.Submit(ctx, SubmitGradeRequest{StudentID: "stu1", SubjectID: "sub1", TeacherID: "t1", Score: ptrFloat(90)})
	require.NoError(t, err)

	require.NoError(t, svc.SoftDelete(ctx, first.ID))

	history, err := svc.History(ctx, models.GradeKey{StudentID: "stu1", SubjectID: "sub1", TeacherID: "t1"})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 90.0, *history[0].Score)
}

func TestGradeHistoryRequiresFullKey(t *testing.T) {
	svc, _, _ := newGradeFixture()

	_, err := svc.History(context.Background(), models.GradeKey{StudentID: "stu1"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
}

func TestGradeSubmitUnknownStudent(t *testing.T) {
	svc, _, _ := newGradeFixture()

	_, err := svc.Submit(context.Background(), SubmitGradeRequest{
		StudentID: "missing", SubjectID: "sub1", TeacherID: "t1", Score: ptrFloat(80),
	})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}
