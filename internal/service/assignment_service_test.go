package service

import (
	"context"
	"database/sql"
	"testing"

	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/campusmx/gradebook-api/internal/models"
	"github.com/campusmx/gradebook-api/internal/repository"
	appErrors "github.com/campusmx/gradebook-api/pkg/errors"
)

type mockAssignmentRepo struct {
	assignments []models.Assignment
	nextID      int
}

func (m *mockAssignmentRepo) ListByGroup(ctx context.Context, groupLabel string) ([]models.SubjectAssignment, error) {
	var result []models.SubjectAssignment
	for _, a := range m.assignments {
		if a.GroupLabel == groupLabel {
			result = append(result, models.SubjectAssignment{
				SubjectID: a.SubjectID, TeacherID: a.TeacherID, GroupLabel: a.GroupLabel,
			})
		}
	}
	return result, nil
}

func (m *mockAssignmentRepo) ListByTeacher(ctx context.Context, teacherID string) ([]models.AssignmentDetail, error) {
	var result []models.AssignmentDetail
	for _, a := range m.assignments {
		if a.TeacherID == teacherID {
			result = append(result, models.AssignmentDetail{Assignment: a})
		}
	}
	return result, nil
}

func (m *mockAssignmentRepo) ListBySubject(ctx context.Context, subjectID string) ([]models.AssignmentDetail, error) {
	var result []models.AssignmentDetail
	for _, a := range m.assignments {
		if a.SubjectID == subjectID {
			result = append(result, models.AssignmentDetail{Assignment: a})
		}
	}
	return result, nil
}

func (m *mockAssignmentRepo) GroupsByTeacher(ctx context.Context, teacherID string) ([]string, error) {
	seen := make(map[string]bool)
	var result []string
	for _, a := range m.assignments {
		if a.TeacherID == teacherID && !seen[a.GroupLabel] {
			seen[a.GroupLabel] = true
			result = append(result, a.GroupLabel)
		}
	}
	return result, nil
}

func (m *mockAssignmentRepo) Exists(ctx context.Context, teacherID, subjectID, groupLabel string) (bool, error) {
	for _, a := range m.assignments {
		if a.TeacherID == teacherID && a.SubjectID == subjectID && a.GroupLabel == groupLabel {
			return true, nil
		}
	}
	return false, nil
}

func (m *mockAssignmentRepo) Create(ctx context.Context, assignment *models.Assignment) error {
	for _, a := range m.assignments {
		if a.SubjectID == assignment.SubjectID && a.GroupLabel == assignment.GroupLabel {
			return repository.ErrDuplicate
		}
	}
	m.nextID++
	assignment.ID = string(rune('a' + m.nextID))
	m.assignments = append(m.assignments, *assignment)
	return nil
}

func (m *mockAssignmentRepo) Delete(ctx context.Context, id string) error {
	for i, a := range m.assignments {
		if a.ID == id {
			m.assignments = append(m.assignments[:i], m.assignments[i+1:]...)
			return nil
		}
	}
	return sql.ErrNoRows
}

func (m *mockAssignmentRepo) DeleteBySubject(ctx context.Context, subjectID string) error {
	kept := m.assignments[:0]
	for _, a := range m.assignments {
		if a.SubjectID != subjectID {
			kept = append(kept, a)
		}
	}
	m.assignments = kept
	return nil
}

type mockTeacherReader struct {
	teachers map[string]*models.Teacher
}

func (m *mockTeacherReader) FindByID(ctx context.Context, id string) (*models.Teacher, error) {
	if t, ok := m.teachers[id]; ok {
		return t, nil
	}
	return nil, sql.ErrNoRows
}

type mockSubjectReader struct {
	subjects map[string]*models.Subject
}

func (m *mockSubjectReader) FindByID(ctx context.Context, id string) (*models.Subject, error) {
	if s, ok := m.subjects[id]; ok {
		return s, nil
	}
	return nil, sql.ErrNoRows
}

func newAssignmentFixture() (*AssignmentService, *mockAssignmentRepo) {
	repo := &mockAssignmentRepo{}
	group := "1-A"
	students := &mockStudentReader{students: map[string]*models.Student{
		"stu1": {ID: "stu1", GroupLabel: &group},
		"stu2": {ID: "stu2"},
	}}
	teachers := &mockTeacherReader{teachers: map[string]*models.Teacher{
		"t1": {ID: "t1", FullName: "Laura Mendez"},
		"t2": {ID: "t2", FullName: "Pedro Silva"},
	}}
	subjects := &mockSubjectReader{subjects: map[string]*models.Subject{
		"sub1": {ID: "sub1", Code: "MATH"},
	}}
	svc := NewAssignmentService(repo, students, teachers, subjects, validator.New(), zap.NewNop())
	return svc, repo
}

func TestResolveSubjectsForStudent(t *testing.T) {
	svc, repo := newAssignmentFixture()
	ctx := context.Background()

	repo.assignments = []models.Assignment{
		{ID: "a1", TeacherID: "t1", SubjectID: "sub1", GroupLabel: "1-A"},
		{ID: "a2", TeacherID: "t2", SubjectID: "sub2", GroupLabel: "2-B"},
	}

	pairs, err := svc.ResolveSubjectsForStudent(ctx, "stu1")
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, "sub1", pairs[0].SubjectID)
	assert.Equal(t, "t1", pairs[0].TeacherID)
}

func TestResolveSubjectsForStudentWithoutGroup(t *testing.T) {
	svc, _ := newAssignmentFixture()

	pairs, err := svc.ResolveSubjectsForStudent(context.Background(), "stu2")
	require.NoError(t, err, "a student without a group is a valid empty resolution")
	assert.Empty(t, pairs)
	assert.NotNil(t, pairs)
}

func TestResolveGroupsForTeacher(t *testing.T) {
	svc, repo := newAssignmentFixture()

	repo.assignments = []models.Assignment{
		{ID: "a1", TeacherID: "t1", SubjectID: "sub1", GroupLabel: "1-A"},
		{ID: "a2", TeacherID: "t1", SubjectID: "sub2", GroupLabel: "1-A"},
		{ID: "a3", TeacherID: "t1", SubjectID: "sub1", GroupLabel: "2-B"},
	}

	groups, err := svc.ResolveGroupsForTeacher(context.Background(), "t1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"1-A", "2-B"}, groups)

	_, err = svc.ResolveGroupsForTeacher(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestValidateAssignment(t *testing.T) {
	svc, repo := newAssignmentFixture()
	ctx := context.Background()

	repo.assignments = []models.Assignment{{ID: "a1", TeacherID: "t1", SubjectID: "sub1", GroupLabel: "1-A"}}

	ok, err := svc.ValidateAssignment(ctx, "t1", "sub1", "1-A")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.ValidateAssignment(ctx, "t2", "sub1", "1-A")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = svc.ValidateAssignment(ctx, "", "sub1", "1-A")
	require.NoError(t, err)
	assert.False(t, ok, "blank key parts never authorize")
}

func TestAssignConflict(t *testing.T) {
	svc, _ := newAssignmentFixture()
	ctx := context.Background()

	_, err := svc.Assign(ctx, AssignRequest{TeacherID: "t1", SubjectID: "sub1", GroupLabel: "1-A"})
	require.NoError(t, err)

	// Same subject and group under a different teacher is still a conflict.
	_, err = svc.Assign(ctx, AssignRequest{TeacherID: "t2", SubjectID: "sub1", GroupLabel: "1-A"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
}

func TestAssignUnknownEntities(t *testing.T) {
	svc, _ := newAssignmentFixture()
	ctx := context.Background()

	_, err := svc.Assign(ctx, AssignRequest{TeacherID: "ghost", SubjectID: "sub1", GroupLabel: "1-A"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)

	_, err = svc.Assign(ctx, AssignRequest{TeacherID: "t1", SubjectID: "ghost", GroupLabel: "1-A"})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestUnassignLeavesHistory(t *testing.T) {
	svc, repo := newAssignmentFixture()
	ctx := context.Background()

	created, err := svc.Assign(ctx, AssignRequest{TeacherID: "t1", SubjectID: "sub1", GroupLabel: "1-A"})
	require.NoError(t, err)
	require.NoError(t, svc.Unassign(ctx, created.ID))
	assert.Empty(t, repo.assignments)

	err = svc.Unassign(ctx, "missing")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestSyncForSubjectReplacesSet(t *testing.T) {
	svc, repo := newAssignmentFixture()
	ctx := context.Background()

	repo.assignments = []models.Assignment{
		{ID: "old", TeacherID: "t2", SubjectID: "sub1", GroupLabel: "3-C"},
	}

	result, err := svc.SyncForSubject(ctx, "sub1", AssignmentSyncRequest{Entries: []AssignmentSyncEntry{
		{TeacherID: "t1", GroupLabel: "1-A"},
		{TeacherID: "t2", GroupLabel: "2-B"},
	}})
	require.NoError(t, err)
	assert.Equal(t, 2, result.SuccessCount)
	assert.Empty(t, result.Failures)
	assert.Len(t, repo.assignments, 2, "previous set is replaced wholesale")
}

func TestSyncForSubjectDuplicateGroupFails(t *testing.T) {
	svc, repo := newAssignmentFixture()

	repo.assignments = []models.Assignment{{ID: "old", TeacherID: "t2", SubjectID: "sub1", GroupLabel: "3-C"}}

	_, err := svc.SyncForSubject(context.Background(), "sub1", AssignmentSyncRequest{Entries: []AssignmentSyncEntry{
		{TeacherID: "t1", GroupLabel: "1-A"},
		{TeacherID: "t2", GroupLabel: "1-A"},
	}})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErrors.FromError(err).Code)
	assert.Len(t, repo.assignments, 1, "batch is rejected before any deletion")
}

func TestSyncForSubjectPartialFailures(t *testing.T) {
	svc, _ := newAssignmentFixture()

	result, err := svc.SyncForSubject(context.Background(), "sub1", AssignmentSyncRequest{Entries: []AssignmentSyncEntry{
		{TeacherID: "t1", GroupLabel: "1-A"},
		{TeacherID: "ghost", GroupLabel: "2-B"},
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, result.SuccessCount)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "teacher not found", result.Failures[0].Reason)
	assert.Equal(t, "2-B", result.Failures[0].GroupLabel)
}

func TestSyncForSubjectUnknownSubject(t *testing.T) {
	svc, _ := newAssignmentFixture()

	_, err := svc.SyncForSubject(context.Background(), "ghost", AssignmentSyncRequest{Entries: []AssignmentSyncEntry{
		{TeacherID: "t1", GroupLabel: "1-A"},
	}})
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}
