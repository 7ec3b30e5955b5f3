package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/campusmx/gradebook-api/internal/models"
	"github.com/campusmx/gradebook-api/internal/repository"
	appErrors "github.com/campusmx/gradebook-api/pkg/errors"
)

type assignmentRepository interface {
	ListByGroup(ctx context.Context, groupLabel string) ([]models.SubjectAssignment, error)
	ListByTeacher(ctx context.Context, teacherID string) ([]models.AssignmentDetail, error)
	ListBySubject(ctx context.Context, subjectID string) ([]models.AssignmentDetail, error)
	GroupsByTeacher(ctx context.Context, teacherID string) ([]string, error)
	Exists(ctx context.Context, teacherID, subjectID, groupLabel string) (bool, error)
	Create(ctx context.Context, assignment *models.Assignment) error
	Delete(ctx context.Context, id string) error
	DeleteBySubject(ctx context.Context, subjectID string) error
}

type assignmentStudentReader interface {
	FindByID(ctx context.Context, id string) (*models.Student, error)
}

type assignmentTeacherReader interface {
	FindByID(ctx context.Context, id string) (*models.Teacher, error)
}

type assignmentSubjectReader interface {
	FindByID(ctx context.Context, id string) (*models.Subject, error)
}

// AssignRequest describes a single assignment creation.
type AssignRequest struct {
	TeacherID  string `json:"teacher_id" validate:"required"`
	SubjectID  string `json:"subject_id" validate:"required"`
	GroupLabel string `json:"group_label" validate:"required"`
}

// AssignmentSyncEntry is one item of a bulk assignment replacement.
type AssignmentSyncEntry struct {
	TeacherID  string `json:"teacher_id" validate:"required"`
	GroupLabel string `json:"group_label" validate:"required"`
}

// AssignmentSyncRequest replaces a subject's assignment set wholesale.
type AssignmentSyncRequest struct {
	Entries []AssignmentSyncEntry `json:"entries" validate:"required,dive"`
}

// AssignmentService resolves which teacher grades which subject for which
// group, and maintains the assignment table.
type AssignmentService struct {
	repo      assignmentRepository
	students  assignmentStudentReader
	teachers  assignmentTeacherReader
	subjects  assignmentSubjectReader
	validator *validator.Validate
	logger    *zap.Logger
}

// NewAssignmentService constructs AssignmentService.
func NewAssignmentService(repo assignmentRepository, students assignmentStudentReader, teachers assignmentTeacherReader, subjects assignmentSubjectReader, validate *validator.Validate, logger *zap.Logger) *AssignmentService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AssignmentService{repo: repo, students: students, teachers: teachers, subjects: subjects, validator: validate, logger: logger}
}

// ResolveSubjectsForStudent returns the (subject, teacher) pairs whose
// assignment matches the student's current group. A student without a group,
// or a group without assignments, resolves to an empty slice.
func (s *AssignmentService) ResolveSubjectsForStudent(ctx context.Context, studentID string) ([]models.SubjectAssignment, error) {
	student, err := s.students.FindByID(ctx, studentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	if student.GroupLabel == nil || *student.GroupLabel == "" {
		return []models.SubjectAssignment{}, nil
	}
	pairs, err := s.repo.ListByGroup(ctx, *student.GroupLabel)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve assignments")
	}
	if pairs == nil {
		pairs = []models.SubjectAssignment{}
	}
	return pairs, nil
}

// ResolveGroupsForTeacher returns the distinct group labels the teacher is
// assigned to grade.
func (s *AssignmentService) ResolveGroupsForTeacher(ctx context.Context, teacherID string) ([]string, error) {
	if _, err := s.teachers.FindByID(ctx, teacherID); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "teacher not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load teacher")
	}
	groups, err := s.repo.GroupsByTeacher(ctx, teacherID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve teacher groups")
	}
	if groups == nil {
		groups = []string{}
	}
	return groups, nil
}

// ValidateAssignment reports whether the exact teacher-subject-group triple is
// assigned. It answers the authorization question behind every grade write.
func (s *AssignmentService) ValidateAssignment(ctx context.Context, teacherID, subjectID, groupLabel string) (bool, error) {
	if teacherID == "" || subjectID == "" || groupLabel == "" {
		return false, nil
	}
	ok, err := s.repo.Exists(ctx, teacherID, subjectID, groupLabel)
	if err != nil {
		return false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to validate assignment")
	}
	return ok, nil
}

// ListByTeacher returns a teacher's assignments with subject context.
func (s *AssignmentService) ListByTeacher(ctx context.Context, teacherID string) ([]models.AssignmentDetail, error) {
	assignments, err := s.repo.ListByTeacher(ctx, teacherID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list assignments")
	}
	if assignments == nil {
		assignments = []models.AssignmentDetail{}
	}
	return assignments, nil
}

// ListBySubject returns a subject's assignments across groups.
func (s *AssignmentService) ListBySubject(ctx context.Context, subjectID string) ([]models.AssignmentDetail, error) {
	assignments, err := s.repo.ListBySubject(ctx, subjectID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list assignments")
	}
	if assignments == nil {
		assignments = []models.AssignmentDetail{}
	}
	return assignments, nil
}

// Assign creates a single assignment after checking referenced entities.
func (s *AssignmentService) Assign(ctx context.Context, req AssignRequest) (*models.Assignment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid assignment payload")
	}
	if _, err := s.teachers.FindByID(ctx, req.TeacherID); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "teacher not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load teacher")
	}
	if _, err := s.subjects.FindByID(ctx, req.SubjectID); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "subject not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load subject")
	}
	assignment := &models.Assignment{TeacherID: req.TeacherID, SubjectID: req.SubjectID, GroupLabel: req.GroupLabel}
	if err := s.repo.Create(ctx, assignment); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "subject already assigned for group")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create assignment")
	}
	return assignment, nil
}

// Unassign removes an assignment. Historical grade entries recorded under the
// removed pairing are not touched.
func (s *AssignmentService) Unassign(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		if err == sql.ErrNoRows {
			return appErrors.Clone(appErrors.ErrNotFound, "assignment not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete assignment")
	}
	return nil
}

// SyncForSubject replaces the assignment set of a subject. Duplicate group
// labels within the batch fail the whole request as a validation error rather
// than being silently deduplicated. Per-item failures for otherwise valid
// batches are reported in the result, not as a call-level error.
func (s *AssignmentService) SyncForSubject(ctx context.Context, subjectID string, req AssignmentSyncRequest) (*models.AssignmentSyncResult, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid sync payload")
	}
	if _, err := s.subjects.FindByID(ctx, subjectID); err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "subject not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load subject")
	}

	seen := make(map[string]bool, len(req.Entries))
	for _, entry := range req.Entries {
		if seen[entry.GroupLabel] {
			return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("duplicate group label %q in batch", entry.GroupLabel))
		}
		seen[entry.GroupLabel] = true
	}

	if err := s.repo.DeleteBySubject(ctx, subjectID); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to clear subject assignments")
	}

	result := &models.AssignmentSyncResult{SubjectID: subjectID}
	for _, entry := range req.Entries {
		if _, err := s.teachers.FindByID(ctx, entry.TeacherID); err != nil {
			if err == sql.ErrNoRows {
				result.Failures = append(result.Failures, models.AssignmentSyncFailure{
					GroupLabel: entry.GroupLabel, TeacherID: entry.TeacherID, Reason: "teacher not found",
				})
				continue
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load teacher")
		}
		assignment := &models.Assignment{TeacherID: entry.TeacherID, SubjectID: subjectID, GroupLabel: entry.GroupLabel}
		if err := s.repo.Create(ctx, assignment); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				result.Failures = append(result.Failures, models.AssignmentSyncFailure{
					GroupLabel: entry.GroupLabel, TeacherID: entry.TeacherID, Reason: "subject already assigned for group",
				})
				continue
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create assignment")
		}
		result.SuccessCount++
	}

	s.logger.Info("assignment sync finished",
		zap.String("subject_id", subjectID),
		zap.Int("success", result.SuccessCount),
		zap.Int("failures", len(result.Failures)))
	return result, nil
}
