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

type gradeRepository interface {
	Insert(ctx context.Context, entry *models.GradeEntry) error
	FindByID(ctx context.Context, id int64) (*models.GradeEntry, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*models.GradeEntry, error)
	History(ctx context.Context, key models.GradeKey) ([]models.GradeEntry, error)
	SoftDelete(ctx context.Context, id int64) error
	ListByTeacher(ctx context.Context, teacherID string) ([]models.GradeEntryDetail, error)
}

type assignmentValidator interface {
	ValidateAssignment(ctx context.Context, teacherID, subjectID, groupLabel string) (bool, error)
}

type gradeStudentReader interface {
	FindByID(ctx context.Context, id string) (*models.Student, error)
}

type aggregateCacheInvalidator interface {
	DeleteByPattern(ctx context.Context, pattern string) error
}

// SubmitGradeRequest describes a ledger append.
type SubmitGradeRequest struct {
	StudentID      string   `json:"student_id" validate:"required"`
	SubjectID      string   `json:"subject_id" validate:"required"`
	TeacherID      string   `json:"teacher_id" validate:"required"`
	Score          *float64 `json:"score"`
	Notes          *string  `json:"notes"`
	IdempotencyKey *string  `json:"idempotency_key"`
}

// GradeService maintains the append-only grade ledger. Every accepted submit
// is a new row; corrections never rewrite history.
type GradeService struct {
	repo        gradeRepository
	assignments assignmentValidator
	students    gradeStudentReader
	cache       aggregateCacheInvalidator
	metrics     *MetricsService
	validator   *validator.Validate
	logger      *zap.Logger
}

// NewGradeService constructs GradeService. The cache invalidator and metrics
// are optional.
func NewGradeService(repo gradeRepository, assignments assignmentValidator, students gradeStudentReader, cache aggregateCacheInvalidator, metrics *MetricsService, validate *validator.Validate, logger *zap.Logger) *GradeService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GradeService{repo: repo, assignments: assignments, students: students, cache: cache, metrics: metrics, validator: validate, logger: logger}
}

// Submit appends a grade entry after authorizing the teacher against the
// student's current group. A nil score is a valid "not graded yet" marker;
// out-of-range scores are rejected, never clamped. Resubmitting the same
// idempotency key returns the originally recorded entry.
func (s *GradeService) Submit(ctx context.Context, req SubmitGradeRequest) (*models.GradeEntry, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid grade payload")
	}
	if req.Score != nil && (*req.Score < models.ScoreMin || *req.Score > models.ScoreMax) {
		return nil, appErrors.Clone(appErrors.ErrValidation,
			fmt.Sprintf("score must be between %.0f and %.0f", models.ScoreMin, models.ScoreMax))
	}

	if req.IdempotencyKey != nil && *req.IdempotencyKey != "" {
		existing, err := s.repo.FindByIdempotencyKey(ctx, *req.IdempotencyKey)
		if err == nil {
			if !matchesSubmittedKey(existing, req) {
				return nil, appErrors.Clone(appErrors.ErrConflict, "idempotency key already used for a different grade")
			}
			return existing, nil
		}
		if err != sql.ErrNoRows {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check idempotency key")
		}
	}

	student, err := s.students.FindByID(ctx, req.StudentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	if student.GroupLabel == nil || *student.GroupLabel == "" {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "student has no group")
	}
	allowed, err := s.assignments.ValidateAssignment(ctx, req.TeacherID, req.SubjectID, *student.GroupLabel)
	if err != nil {
		return nil, err
	}
	if !allowed {
		return nil, appErrors.ErrUnauthorized
	}

	entry := &models.GradeEntry{
		StudentID:      req.StudentID,
		SubjectID:      req.SubjectID,
		TeacherID:      req.TeacherID,
		Score:          req.Score,
		Notes:          req.Notes,
		IdempotencyKey: req.IdempotencyKey,
	}
	if err := s.repo.Insert(ctx, entry); err != nil {
		if errors.Is(err, repository.ErrDuplicate) && req.IdempotencyKey != nil {
			// Lost a race on the same key; the first writer's row wins.
			existing, findErr := s.repo.FindByIdempotencyKey(ctx, *req.IdempotencyKey)
			if findErr != nil {
				return nil, appErrors.Wrap(findErr, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load recorded entry")
			}
			if !matchesSubmittedKey(existing, req) {
				return nil, appErrors.Clone(appErrors.ErrConflict, "idempotency key already used for a different grade")
			}
			return existing, nil
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record grade")
	}

	s.metrics.RecordGradeEntry()
	s.invalidateAggregates(ctx, entry)
	s.logger.Info("grade recorded",
		zap.Int64("entry_id", entry.ID),
		zap.String("student_id", entry.StudentID),
		zap.String("subject_id", entry.SubjectID),
		zap.String("teacher_id", entry.TeacherID))
	return entry, nil
}

// SoftDelete flags a ledger entry as deleted. Deleting an already deleted
// entry succeeds without effect.
func (s *GradeService) SoftDelete(ctx context.Context, entryID int64) error {
	entry, err := s.repo.FindByID(ctx, entryID)
	if err != nil {
		if err == sql.ErrNoRows {
			return appErrors.Clone(appErrors.ErrNotFound, "grade entry not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load grade entry")
	}
	if entry.Deleted {
		return nil
	}
	if err := s.repo.SoftDelete(ctx, entryID); err != nil {
		if err == sql.ErrNoRows {
			return appErrors.Clone(appErrors.ErrNotFound, "grade entry not found")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete grade entry")
	}
	s.invalidateAggregates(ctx, entry)
	return nil
}

// History returns the non-deleted ledger entries for one
// (student, subject, teacher) key, most recent first.
func (s *GradeService) History(ctx context.Context, key models.GradeKey) ([]models.GradeEntry, error) {
	if key.StudentID == "" || key.SubjectID == "" || key.TeacherID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "student, subject and teacher are required")
	}
	entries, err := s.repo.History(ctx, key)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list grade history")
	}
	if entries == nil {
		entries = []models.GradeEntry{}
	}
	return entries, nil
}

// ListByTeacher returns a teacher's recorded entries with student context.
func (s *GradeService) ListByTeacher(ctx context.Context, teacherID string) ([]models.GradeEntryDetail, error) {
	entries, err := s.repo.ListByTeacher(ctx, teacherID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list teacher grades")
	}
	if entries == nil {
		entries = []models.GradeEntryDetail{}
	}
	return entries, nil
}

// matchesSubmittedKey guards idempotent replays: a stored entry only counts
// as the original submission when its ledger key tuple matches the request.
func matchesSubmittedKey(entry *models.GradeEntry, req SubmitGradeRequest) bool {
	return entry.StudentID == req.StudentID &&
		entry.SubjectID == req.SubjectID &&
		entry.TeacherID == req.TeacherID
}

func (s *GradeService) invalidateAggregates(ctx context.Context, entry *models.GradeEntry) {
	if s.cache == nil {
		return
	}
	patterns := []string{
		fmt.Sprintf("agg:student:%s*", entry.StudentID),
		fmt.Sprintf("agg:teacher:%s*", entry.TeacherID),
		"agg:system*",
		"agg:report*",
	}
	for _, pattern := range patterns {
		if err := s.cache.DeleteByPattern(ctx, pattern); err != nil {
			s.logger.Warn("aggregate cache invalidation failed", zap.String("pattern", pattern), zap.Error(err))
		}
	}
}
