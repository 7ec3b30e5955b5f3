package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/campusmx/gradebook-api/internal/models"
	appErrors "github.com/campusmx/gradebook-api/pkg/errors"
)

type fakeLedger struct {
	// histories keyed by ledger key, most recent first.
	histories map[models.GradeKey][]models.GradeEntry
}

func (f *fakeLedger) History(ctx context.Context, key models.GradeKey) ([]models.GradeEntry, error) {
	return f.histories[key], nil
}

func (f *fakeLedger) ListCurrent(ctx context.Context, filter models.GradeFilter) ([]models.GradeEntry, error) {
	var result []models.GradeEntry
	for key, entries := range f.histories {
		if len(entries) == 0 {
			continue
		}
		if filter.StudentID != "" && key.StudentID != filter.StudentID {
			continue
		}
		if filter.SubjectID != "" && key.SubjectID != filter.SubjectID {
			continue
		}
		if filter.TeacherID != "" && key.TeacherID != filter.TeacherID {
			continue
		}
		result = append(result, entries[0])
	}
	return result, nil
}

func (f *fakeLedger) ListCurrentForStudents(ctx context.Context, studentIDs []string) ([]models.GradeEntry, error) {
	wanted := make(map[string]struct{}, len(studentIDs))
	for _, id := range studentIDs {
		wanted[id] = struct{}{}
	}
	var result []models.GradeEntry
	for key, entries := range f.histories {
		if _, ok := wanted[key.StudentID]; !ok || len(entries) == 0 {
			continue
		}
		result = append(result, entries[0])
	}
	return result, nil
}

func (f *fakeLedger) ListHistoryForStudent(ctx context.Context, studentID string) ([]models.GradeEntry, error) {
	var result []models.GradeEntry
	for key, entries := range f.histories {
		if key.StudentID == studentID {
			result = append(result, entries...)
		}
	}
	return result, nil
}

type fakeRoster struct {
	students map[string]*models.Student
}

func (f *fakeRoster) FindByID(ctx context.Context, id string) (*models.Student, error) {
	if s, ok := f.students[id]; ok {
		return s, nil
	}
	return nil, sql.ErrNoRows
}

func (f *fakeRoster) ListByGroups(ctx context.Context, groups []string) ([]models.Student, error) {
	var result []models.Student
	for _, s := range f.students {
		if s.GroupLabel == nil {
			continue
		}
		for _, g := range groups {
			if *s.GroupLabel == g {
				result = append(result, *s)
			}
		}
	}
	return result, nil
}

func (f *fakeRoster) ListAll(ctx context.Context) ([]models.Student, error) {
	var result []models.Student
	for _, s := range f.students {
		result = append(result, *s)
	}
	return result, nil
}

type fakeAssignments struct {
	byGroup map[string][]models.SubjectAssignment
}

func (f *fakeAssignments) ListByGroup(ctx context.Context, groupLabel string) ([]models.SubjectAssignment, error) {
	return f.byGroup[groupLabel], nil
}

func (f *fakeAssignments) ListByTeacher(ctx context.Context, teacherID string) ([]models.AssignmentDetail, error) {
	var result []models.AssignmentDetail
	for group, pairs := range f.byGroup {
		for _, pair := range pairs {
			if pair.TeacherID != teacherID {
				continue
			}
			result = append(result, models.AssignmentDetail{
				Assignment: models.Assignment{
					TeacherID:  pair.TeacherID,
					SubjectID:  pair.SubjectID,
					GroupLabel: group,
				},
				SubjectCode: pair.SubjectCode,
				SubjectName: pair.SubjectName,
			})
		}
	}
	return result, nil
}

type memoryCache struct {
	data map[string][]byte
	hits int
}

func (m *memoryCache) Get(ctx context.Context, key string, dest interface{}) error {
	raw, ok := m.data[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	m.hits++
	return json.Unmarshal(raw, dest)
}

func (m *memoryCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if m.data == nil {
		m.data = make(map[string][]byte)
	}
	m.data[key] = raw
	return nil
}

func entry(studentID, subjectID, teacherID string, score *float64) models.GradeEntry {
	return models.GradeEntry{
		StudentID: studentID,
		SubjectID: subjectID,
		TeacherID: teacherID,
		Score:     score,
	}
}

func groupPtr(g string) *string {
	return &g
}

func newAggregateFixture() (*AggregateService, *fakeLedger, *fakeRoster, *fakeAssignments) {
	ledger := &fakeLedger{histories: make(map[models.GradeKey][]models.GradeEntry)}
	roster := &fakeRoster{students: map[string]*models.Student{
		"stu1": {ID: "stu1", FullName: "Ana Torres", EnrollmentCode: "S-0001", GroupLabel: groupPtr("1-A")},
	}}
	assignments := &fakeAssignments{byGroup: map[string][]models.SubjectAssignment{
		"1-A": {
			{SubjectID: "math", SubjectCode: "MATH", SubjectName: "Mathematics", TeacherID: "t1", GroupLabel: "1-A"},
			{SubjectID: "hist", SubjectCode: "HIST", SubjectName: "History", TeacherID: "t2", GroupLabel: "1-A"},
			{SubjectID: "bio", SubjectCode: "BIO", SubjectName: "Biology", TeacherID: "t3", GroupLabel: "1-A"},
		},
	}}
	svc := NewAggregateService(ledger, roster, assignments, nil, time.Minute, zap.NewNop())
	return svc, ledger, roster, assignments
}

func TestRoundHalfUp(t *testing.T) {
	assert.Equal(t, 53.34, roundHalfUp(53.335))
	assert.Equal(t, 80.0, roundHalfUp(80.004))
	assert.Equal(t, 80.01, roundHalfUp(80.005))
	assert.Equal(t, 0.0, roundHalfUp(0))
	assert.Equal(t, 100.0, roundHalfUp(100))
}

func TestStudentAverageExcludesUngradedSubjects(t *testing.T) {
	svc, ledger, _, _ := newAggregateFixture()

	// Three assigned subjects, only two graded: the denominator is 2, so the
	// average is (75+85)/2 = 80.00 rather than (75+85+0)/3.
	ledger.histories[models.GradeKey{StudentID: "stu1", SubjectID: "math", TeacherID: "t1"}] = []models.GradeEntry{entry("stu1", "math", "t1", ptrFloat(75))}
	ledger.histories[models.GradeKey{StudentID: "stu1", SubjectID: "hist", TeacherID: "t2"}] = []models.GradeEntry{entry("stu1", "hist", "t2", ptrFloat(85))}

	avg, err := svc.StudentAverage(context.Background(), "stu1")
	require.NoError(t, err)
	assert.Equal(t, 80.0, avg.Average)
	assert.Equal(t, 2, avg.GradedSubjects)
	assert.Equal(t, 3, avg.AssignedSubjects)
}

func TestStudentAverageNoGrades(t *testing.T) {
	svc, _, _, _ := newAggregateFixture()

	avg, err := svc.StudentAverage(context.Background(), "stu1")
	require.NoError(t, err)
	assert.Equal(t, 0.0, avg.Average)
	assert.Equal(t, 0, avg.GradedSubjects)
	assert.Equal(t, 3, avg.AssignedSubjects, "graded count distinguishes no data from a zero average")
}

func TestStudentAverageNullScoreNotCounted(t *testing.T) {
	svc, ledger, _, _ := newAggregateFixture()

	ledger.histories[models.GradeKey{StudentID: "stu1", SubjectID: "math", TeacherID: "t1"}] = []models.GradeEntry{entry("stu1", "math", "t1", nil)}
	ledger.histories[models.GradeKey{StudentID: "stu1", SubjectID: "hist", TeacherID: "t2"}] = []models.GradeEntry{entry("stu1", "hist", "t2", ptrFloat(90))}

	avg, err := svc.StudentAverage(context.Background(), "stu1")
	require.NoError(t, err)
	assert.Equal(t, 90.0, avg.Average)
	assert.Equal(t, 1, avg.GradedSubjects)
}

func TestStudentAverageFollowsGroupMove(t *testing.T) {
	svc, ledger, roster, assignments := newAggregateFixture()

	// Grade recorded while the student was in 1-A.
	ledger.histories[models.GradeKey{StudentID: "stu1", SubjectID: "math", TeacherID: "t1"}] = []models.GradeEntry{entry("stu1", "math", "t1", ptrFloat(95))}

	// The student moves to 2-B, where a different teacher grades math.
	roster.students["stu1"].GroupLabel = groupPtr("2-B")
	assignments.byGroup["2-B"] = []models.SubjectAssignment{
		{SubjectID: "math", SubjectCode: "MATH", SubjectName: "Mathematics", TeacherID: "t9", GroupLabel: "2-B"},
	}

	avg, err := svc.StudentAverage(context.Background(), "stu1")
	require.NoError(t, err)
	assert.Equal(t, 0, avg.GradedSubjects, "entries from old group pairings no longer apply")
	assert.Equal(t, 1, avg.AssignedSubjects)

	// History under the old key stays queryable.
	history, err := svc.grades.History(context.Background(), models.GradeKey{StudentID: "stu1", SubjectID: "math", TeacherID: "t1"})
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestStudentAverageUnknownStudent(t *testing.T) {
	svc, _, _, _ := newAggregateFixture()

	_, err := svc.StudentAverage(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestCurrentGradeUsesLatestEntry(t *testing.T) {
	svc, ledger, _, _ := newAggregateFixture()
	key := models.GradeKey{StudentID: "stu1", SubjectID: "math", TeacherID: "t1"}

	// Most recent first: the correction shadows the original.
	ledger.histories[key] = []models.GradeEntry{
		entry("stu1", "math", "t1", ptrFloat(75)),
		entry("stu1", "math", "t1", ptrFloat(60)),
	}

	score, err := svc.CurrentGrade(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, score)
	assert.Equal(t, 75.0, *score)
}

func TestCurrentGradeEmptyHistory(t *testing.T) {
	svc, _, _, _ := newAggregateFixture()

	score, err := svc.CurrentGrade(context.Background(), models.GradeKey{StudentID: "stu1", SubjectID: "math", TeacherID: "t1"})
	require.NoError(t, err)
	assert.Nil(t, score)
}

func TestTeacherGroupAverage(t *testing.T) {
	svc, ledger, roster, _ := newAggregateFixture()

	roster.students["stu2"] = &models.Student{ID: "stu2", FullName: "Bruno Diaz", GroupLabel: groupPtr("1-A")}
	ledger.histories[models.GradeKey{StudentID: "stu1", SubjectID: "math", TeacherID: "t1"}] = []models.GradeEntry{entry("stu1", "math", "t1", ptrFloat(80))}
	ledger.histories[models.GradeKey{StudentID: "stu2", SubjectID: "math", TeacherID: "t1"}] = []models.GradeEntry{entry("stu2", "math", "t1", ptrFloat(90))}
	// Another teacher's grade in the same group is not t1's business.
	ledger.histories[models.GradeKey{StudentID: "stu1", SubjectID: "hist", TeacherID: "t2"}] = []models.GradeEntry{entry("stu1", "hist", "t2", ptrFloat(10))}

	avg, err := svc.TeacherGroupAverage(context.Background(), "t1", "1-A")
	require.NoError(t, err)
	assert.Equal(t, 85.0, avg.Average)
	assert.Equal(t, 2, avg.GradedCount)
	assert.Equal(t, 2, avg.StudentCount)
}

func TestTeacherGroupAverageValidation(t *testing.T) {
	svc, _, _, _ := newAggregateFixture()

	_, err := svc.TeacherGroupAverage(context.Background(), "", "1-A")
	require.Error(t, err)
	_, err = svc.TeacherGroupAverage(context.Background(), "t1", "")
	require.Error(t, err)
}

func TestSystemWideAverage(t *testing.T) {
	svc, ledger, _, _ := newAggregateFixture()

	ledger.histories[models.GradeKey{StudentID: "stu1", SubjectID: "math", TeacherID: "t1"}] = []models.GradeEntry{entry("stu1", "math", "t1", ptrFloat(70))}
	ledger.histories[models.GradeKey{StudentID: "stu1", SubjectID: "hist", TeacherID: "t2"}] = []models.GradeEntry{entry("stu1", "hist", "t2", ptrFloat(80))}
	ledger.histories[models.GradeKey{StudentID: "stu1", SubjectID: "bio", TeacherID: "t3"}] = []models.GradeEntry{entry("stu1", "bio", "t3", nil)}

	avg, err := svc.SystemWideAverage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 75.0, avg.Average)
	assert.Equal(t, 2, avg.GradeCount, "null scores stay out of the count")
}

func TestTranscript(t *testing.T) {
	svc, ledger, _, _ := newAggregateFixture()
	key := models.GradeKey{StudentID: "stu1", SubjectID: "math", TeacherID: "t1"}
	ledger.histories[key] = []models.GradeEntry{
		entry("stu1", "math", "t1", ptrFloat(88)),
		entry("stu1", "math", "t1", ptrFloat(70)),
	}

	transcript, err := svc.Transcript(context.Background(), "stu1")
	require.NoError(t, err)
	require.Len(t, transcript.Subjects, 3)

	var math *models.TranscriptSubject
	for i := range transcript.Subjects {
		if transcript.Subjects[i].SubjectID == "math" {
			math = &transcript.Subjects[i]
		}
	}
	require.NotNil(t, math)
	require.NotNil(t, math.CurrentScore)
	assert.Equal(t, 88.0, *math.CurrentScore)
	assert.Len(t, math.History, 2)
	assert.Equal(t, 88.0, transcript.Summary.Average)
	assert.Equal(t, 1, transcript.Summary.GradedSubjects)
}

func TestSchoolReport(t *testing.T) {
	svc, ledger, roster, _ := newAggregateFixture()

	roster.students["stu2"] = &models.Student{ID: "stu2", FullName: "Bruno Diaz", EnrollmentCode: "S-0002", GroupLabel: groupPtr("1-A")}
	roster.students["stu3"] = &models.Student{ID: "stu3", FullName: "Carla Ruiz", EnrollmentCode: "S-0003"}

	ledger.histories[models.GradeKey{StudentID: "stu1", SubjectID: "math", TeacherID: "t1"}] = []models.GradeEntry{entry("stu1", "math", "t1", ptrFloat(60))}
	ledger.histories[models.GradeKey{StudentID: "stu2", SubjectID: "math", TeacherID: "t1"}] = []models.GradeEntry{entry("stu2", "math", "t1", ptrFloat(100))}

	report, err := svc.SchoolReport(context.Background())
	require.NoError(t, err)
	assert.Len(t, report.Students, 3)
	assert.Equal(t, 80.0, report.System.Average)
	assert.Equal(t, 2, report.System.GradeCount)

	rows := make(map[string]models.SchoolReportRow)
	for _, row := range report.Students {
		rows[row.StudentID] = row
	}
	assert.Equal(t, 60.0, rows["stu1"].Average)
	assert.Equal(t, 100.0, rows["stu2"].Average)
	assert.Equal(t, 0, rows["stu3"].GradedSubjects, "ungrouped students appear with no graded subjects")
}

func TestStudentAverageServedFromCache(t *testing.T) {
	ledger := &fakeLedger{histories: map[models.GradeKey][]models.GradeEntry{
		{StudentID: "stu1", SubjectID: "math", TeacherID: "t1"}: {entry("stu1", "math", "t1", ptrFloat(50))},
	}}
	roster := &fakeRoster{students: map[string]*models.Student{
		"stu1": {ID: "stu1", GroupLabel: groupPtr("1-A")},
	}}
	assignments := &fakeAssignments{byGroup: map[string][]models.SubjectAssignment{
		"1-A": {{SubjectID: "math", TeacherID: "t1", GroupLabel: "1-A"}},
	}}
	cache := &memoryCache{}
	svc := NewAggregateService(ledger, roster, assignments, cache, time.Minute, zap.NewNop())
	ctx := context.Background()

	first, err := svc.StudentAverage(ctx, "stu1")
	require.NoError(t, err)
	assert.Equal(t, 50.0, first.Average)
	assert.Equal(t, 0, cache.hits)

	// A stale cache keeps serving the old value until invalidated.
	ledger.histories[models.GradeKey{StudentID: "stu1", SubjectID: "math", TeacherID: "t1"}] = []models.GradeEntry{entry("stu1", "math", "t1", ptrFloat(99))}
	second, err := svc.StudentAverage(ctx, "stu1")
	require.NoError(t, err)
	assert.Equal(t, 50.0, second.Average)
	assert.Equal(t, 1, cache.hits)
}

func TestGroupReport(t *testing.T) {
	svc, ledger, roster, _ := newAggregateFixture()

	roster.students["stu2"] = &models.Student{ID: "stu2", FullName: "Bruno Diaz", EnrollmentCode: "S-0002", GroupLabel: groupPtr("1-A")}
	ledger.histories[models.GradeKey{StudentID: "stu1", SubjectID: "math", TeacherID: "t1"}] = []models.GradeEntry{entry("stu1", "math", "t1", ptrFloat(70))}

	report, err := svc.GroupReport(context.Background(), "t1", "1-A")
	require.NoError(t, err)
	assert.Len(t, report.Rows, 2, "one row per student for the teacher's subject")
	assert.Equal(t, 1, report.Summary.GradedCount)
	assert.Equal(t, 70.0, report.Summary.Average)
	assert.Equal(t, 2, report.Summary.StudentCount)
}
