package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/campusmx/gradebook-api/internal/models"
	appErrors "github.com/campusmx/gradebook-api/pkg/errors"
)

type aggregateGradeRepository interface {
	History(ctx context.Context, key models.GradeKey) ([]models.GradeEntry, error)
	ListCurrent(ctx context.Context, filter models.GradeFilter) ([]models.GradeEntry, error)
	ListCurrentForStudents(ctx context.Context, studentIDs []string) ([]models.GradeEntry, error)
	ListHistoryForStudent(ctx context.Context, studentID string) ([]models.GradeEntry, error)
}

type aggregateStudentReader interface {
	FindByID(ctx context.Context, id string) (*models.Student, error)
	ListByGroups(ctx context.Context, groups []string) ([]models.Student, error)
	ListAll(ctx context.Context) ([]models.Student, error)
}

type groupAssignmentReader interface {
	ListByGroup(ctx context.Context, groupLabel string) ([]models.SubjectAssignment, error)
	ListByTeacher(ctx context.Context, teacherID string) ([]models.AssignmentDetail, error)
}

type aggregateCache interface {
	Get(ctx context.Context, key string, dest interface{}) error
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// AggregateService derives current grades, averages and reports from the
// ledger at read time. Nothing here writes to the ledger.
type AggregateService struct {
	grades      aggregateGradeRepository
	students    aggregateStudentReader
	assignments groupAssignmentReader
	cache       aggregateCache
	cacheTTL    time.Duration
	logger      *zap.Logger
}

// NewAggregateService constructs AggregateService. The cache is optional.
func NewAggregateService(grades aggregateGradeRepository, students aggregateStudentReader, assignments groupAssignmentReader, cache aggregateCache, cacheTTL time.Duration, logger *zap.Logger) *AggregateService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &AggregateService{grades: grades, students: students, assignments: assignments, cache: cache, cacheTTL: cacheTTL, logger: logger}
}

// roundHalfUp rounds to two decimals with ties going away from zero toward
// the larger value, so 53.335 becomes 53.34.
func roundHalfUp(v float64) float64 {
	return math.Floor(v*100+0.5) / 100
}

// currentIndex builds the composite-key lookup used by every aggregate.
func currentIndex(entries []models.GradeEntry) map[models.GradeKey]models.GradeEntry {
	index := make(map[models.GradeKey]models.GradeEntry, len(entries))
	for _, entry := range entries {
		index[entry.Key()] = entry
	}
	return index
}

// CurrentGrade returns the most recent non-deleted score for one ledger key,
// or nil when the key has no history or only a null placeholder on top.
func (s *AggregateService) CurrentGrade(ctx context.Context, key models.GradeKey) (*float64, error) {
	if key.StudentID == "" || key.SubjectID == "" || key.TeacherID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "student, subject and teacher are required")
	}
	history, err := s.grades.History(ctx, key)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load grade history")
	}
	if len(history) == 0 {
		return nil, nil
	}
	return history[0].Score, nil
}

// StudentAverage computes the mean of the student's non-null current grades
// over the (subject, teacher) pairs resolved from their current group.
// Ungraded pairs never enter the denominator.
func (s *AggregateService) StudentAverage(ctx context.Context, studentID string) (*models.StudentAverage, error) {
	cacheKey := fmt.Sprintf("agg:student:%s:avg", studentID)
	if s.cache != nil {
		var cached models.StudentAverage
		if err := s.cache.Get(ctx, cacheKey, &cached); err == nil {
			return &cached, nil
		} else if !errors.Is(err, appErrors.ErrCacheMiss) {
			s.logger.Warn("aggregate cache read failed", zap.String("key", cacheKey), zap.Error(err))
		}
	}

	student, err := s.students.FindByID(ctx, studentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}

	pairs, err := s.resolvePairs(ctx, student)
	if err != nil {
		return nil, err
	}
	current, err := s.grades.ListCurrent(ctx, models.GradeFilter{StudentID: studentID})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load current grades")
	}

	summary := computeStudentAverage(studentID, pairs, currentIndex(current))
	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, summary, s.cacheTTL); err != nil {
			s.logger.Warn("aggregate cache write failed", zap.String("key", cacheKey), zap.Error(err))
		}
	}
	return &summary, nil
}

// TeacherGroupAverage computes the mean current grade across the students of
// one group, restricted to the subjects the teacher grades there.
func (s *AggregateService) TeacherGroupAverage(ctx context.Context, teacherID, groupLabel string) (*models.GroupAverage, error) {
	if teacherID == "" || groupLabel == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "teacher and group are required")
	}
	cacheKey := fmt.Sprintf("agg:teacher:%s:group:%s", teacherID, groupLabel)
	if s.cache != nil {
		var cached models.GroupAverage
		if err := s.cache.Get(ctx, cacheKey, &cached); err == nil {
			return &cached, nil
		} else if !errors.Is(err, appErrors.ErrCacheMiss) {
			s.logger.Warn("aggregate cache read failed", zap.String("key", cacheKey), zap.Error(err))
		}
	}

	assignments, err := s.assignments.ListByTeacher(ctx, teacherID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load assignments")
	}
	var subjectIDs []string
	for _, a := range assignments {
		if a.GroupLabel == groupLabel {
			subjectIDs = append(subjectIDs, a.SubjectID)
		}
	}

	students, err := s.students.ListByGroups(ctx, []string{groupLabel})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load group students")
	}

	result := models.GroupAverage{TeacherID: teacherID, GroupLabel: groupLabel, StudentCount: len(students)}
	if len(students) > 0 && len(subjectIDs) > 0 {
		ids := make([]string, len(students))
		for i, st := range students {
			ids[i] = st.ID
		}
		current, err := s.grades.ListCurrentForStudents(ctx, ids)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load current grades")
		}
		index := currentIndex(current)

		var sum float64
		for _, st := range students {
			for _, subjectID := range subjectIDs {
				entry, ok := index[models.GradeKey{StudentID: st.ID, SubjectID: subjectID, TeacherID: teacherID}]
				if !ok || entry.Score == nil {
					continue
				}
				sum += *entry.Score
				result.GradedCount++
			}
		}
		if result.GradedCount > 0 {
			result.Average = roundHalfUp(sum / float64(result.GradedCount))
		}
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, result, s.cacheTTL); err != nil {
			s.logger.Warn("aggregate cache write failed", zap.String("key", cacheKey), zap.Error(err))
		}
	}
	return &result, nil
}

// GroupReport builds one teacher group's current grades, one row per
// student-subject pair, with the group summary on top. Used by exports.
func (s *AggregateService) GroupReport(ctx context.Context, teacherID, groupLabel string) (*models.GroupReport, error) {
	if teacherID == "" || groupLabel == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "teacher and group are required")
	}
	assignments, err := s.assignments.ListByTeacher(ctx, teacherID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load assignments")
	}
	var subjects []models.AssignmentDetail
	for _, a := range assignments {
		if a.GroupLabel == groupLabel {
			subjects = append(subjects, a)
		}
	}
	students, err := s.students.ListByGroups(ctx, []string{groupLabel})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load group students")
	}

	report := &models.GroupReport{
		GeneratedAt: time.Now().UTC(),
		Summary:     models.GroupAverage{TeacherID: teacherID, GroupLabel: groupLabel, StudentCount: len(students)},
		Rows:        make([]models.GroupReportRow, 0, len(students)*len(subjects)),
	}
	if len(students) == 0 || len(subjects) == 0 {
		return report, nil
	}

	ids := make([]string, len(students))
	for i, st := range students {
		ids[i] = st.ID
	}
	current, err := s.grades.ListCurrentForStudents(ctx, ids)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load current grades")
	}
	index := currentIndex(current)

	var sum float64
	for _, st := range students {
		for _, subject := range subjects {
			row := models.GroupReportRow{
				StudentID:      st.ID,
				StudentName:    st.FullName,
				EnrollmentCode: st.EnrollmentCode,
				SubjectID:      subject.SubjectID,
				SubjectCode:    subject.SubjectCode,
			}
			if entry, ok := index[models.GradeKey{StudentID: st.ID, SubjectID: subject.SubjectID, TeacherID: teacherID}]; ok && entry.Score != nil {
				row.Score = entry.Score
				sum += *entry.Score
				report.Summary.GradedCount++
			}
			report.Rows = append(report.Rows, row)
		}
	}
	if report.Summary.GradedCount > 0 {
		report.Summary.Average = roundHalfUp(sum / float64(report.Summary.GradedCount))
	}
	return report, nil
}

// SystemWideAverage computes the mean over every non-null current grade.
func (s *AggregateService) SystemWideAverage(ctx context.Context) (*models.SystemAverage, error) {
	const cacheKey = "agg:system:avg"
	if s.cache != nil {
		var cached models.SystemAverage
		if err := s.cache.Get(ctx, cacheKey, &cached); err == nil {
			return &cached, nil
		} else if !errors.Is(err, appErrors.ErrCacheMiss) {
			s.logger.Warn("aggregate cache read failed", zap.String("key", cacheKey), zap.Error(err))
		}
	}

	current, err := s.grades.ListCurrent(ctx, models.GradeFilter{})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load current grades")
	}

	result := models.SystemAverage{}
	var sum float64
	for _, entry := range current {
		if entry.Score == nil {
			continue
		}
		sum += *entry.Score
		result.GradeCount++
	}
	if result.GradeCount > 0 {
		result.Average = roundHalfUp(sum / float64(result.GradeCount))
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, result, s.cacheTTL); err != nil {
			s.logger.Warn("aggregate cache write failed", zap.String("key", cacheKey), zap.Error(err))
		}
	}
	return &result, nil
}

// Transcript assembles a student's per-subject current grades and full
// histories, plus the average summary over the resolved pairs.
func (s *AggregateService) Transcript(ctx context.Context, studentID string) (*models.StudentTranscript, error) {
	student, err := s.students.FindByID(ctx, studentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}

	pairs, err := s.resolvePairs(ctx, student)
	if err != nil {
		return nil, err
	}
	history, err := s.grades.ListHistoryForStudent(ctx, studentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student history")
	}

	byKey := make(map[models.GradeKey][]models.GradeEntry)
	for _, entry := range history {
		key := entry.Key()
		byKey[key] = append(byKey[key], entry)
	}

	transcript := &models.StudentTranscript{Student: *student, Subjects: make([]models.TranscriptSubject, 0, len(pairs))}
	index := make(map[models.GradeKey]models.GradeEntry, len(pairs))
	for _, pair := range pairs {
		key := models.GradeKey{StudentID: studentID, SubjectID: pair.SubjectID, TeacherID: pair.TeacherID}
		subject := models.TranscriptSubject{
			SubjectID:   pair.SubjectID,
			SubjectCode: pair.SubjectCode,
			SubjectName: pair.SubjectName,
			TeacherID:   pair.TeacherID,
			TeacherName: pair.TeacherName,
			History:     byKey[key],
		}
		if entries := byKey[key]; len(entries) > 0 {
			subject.CurrentScore = entries[0].Score
			index[key] = entries[0]
		}
		if subject.History == nil {
			subject.History = []models.GradeEntry{}
		}
		transcript.Subjects = append(transcript.Subjects, subject)
	}
	transcript.Summary = computeStudentAverage(studentID, pairs, index)
	return transcript, nil
}

// SchoolReport builds the school-wide performance report: one row per
// student with their average, plus the system-wide summary.
func (s *AggregateService) SchoolReport(ctx context.Context) (*models.SchoolReport, error) {
	const cacheKey = "agg:report:school"
	if s.cache != nil {
		var cached models.SchoolReport
		if err := s.cache.Get(ctx, cacheKey, &cached); err == nil {
			return &cached, nil
		} else if !errors.Is(err, appErrors.ErrCacheMiss) {
			s.logger.Warn("aggregate cache read failed", zap.String("key", cacheKey), zap.Error(err))
		}
	}

	students, err := s.students.ListAll(ctx)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load students")
	}
	current, err := s.grades.ListCurrent(ctx, models.GradeFilter{})
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load current grades")
	}
	index := currentIndex(current)

	// Assignments are resolved once per distinct group, not per student.
	pairsByGroup := make(map[string][]models.SubjectAssignment)
	for _, student := range students {
		if student.GroupLabel == nil || *student.GroupLabel == "" {
			continue
		}
		group := *student.GroupLabel
		if _, ok := pairsByGroup[group]; ok {
			continue
		}
		pairs, err := s.assignments.ListByGroup(ctx, group)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve group assignments")
		}
		pairsByGroup[group] = pairs
	}

	report := &models.SchoolReport{GeneratedAt: time.Now().UTC(), Students: make([]models.SchoolReportRow, 0, len(students))}
	var sum float64
	for _, entry := range current {
		if entry.Score == nil {
			continue
		}
		sum += *entry.Score
		report.System.GradeCount++
	}
	if report.System.GradeCount > 0 {
		report.System.Average = roundHalfUp(sum / float64(report.System.GradeCount))
	}

	for _, student := range students {
		var pairs []models.SubjectAssignment
		if student.GroupLabel != nil {
			pairs = pairsByGroup[*student.GroupLabel]
		}
		summary := computeStudentAverage(student.ID, pairs, index)
		report.Students = append(report.Students, models.SchoolReportRow{
			StudentID:      student.ID,
			StudentName:    student.FullName,
			EnrollmentCode: student.EnrollmentCode,
			GroupLabel:     student.GroupLabel,
			Average:        summary.Average,
			GradedSubjects: summary.GradedSubjects,
		})
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, report, s.cacheTTL); err != nil {
			s.logger.Warn("aggregate cache write failed", zap.String("key", cacheKey), zap.Error(err))
		}
	}
	return report, nil
}

func (s *AggregateService) resolvePairs(ctx context.Context, student *models.Student) ([]models.SubjectAssignment, error) {
	if student.GroupLabel == nil || *student.GroupLabel == "" {
		return nil, nil
	}
	pairs, err := s.assignments.ListByGroup(ctx, *student.GroupLabel)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to resolve assignments")
	}
	return pairs, nil
}

func computeStudentAverage(studentID string, pairs []models.SubjectAssignment, index map[models.GradeKey]models.GradeEntry) models.StudentAverage {
	summary := models.StudentAverage{StudentID: studentID, AssignedSubjects: len(pairs)}
	var sum float64
	for _, pair := range pairs {
		entry, ok := index[models.GradeKey{StudentID: studentID, SubjectID: pair.SubjectID, TeacherID: pair.TeacherID}]
		if !ok || entry.Score == nil {
			continue
		}
		sum += *entry.Score
		summary.GradedSubjects++
	}
	if summary.GradedSubjects > 0 {
		summary.Average = roundHalfUp(sum / float64(summary.GradedSubjects))
	}
	return summary
}
