package models

import "time"

// Score bounds for a grade entry. A nil score means "no grade yet" and is a
// valid placeholder distinct from zero.
const (
	ScoreMin = 0.0
	ScoreMax = 100.0
)

// GradeEntry is one immutable row of the grade ledger. Corrections are new
// entries; the only permitted mutation is the soft-delete flag. The id is a
// bigserial so that id order doubles as insertion order when recorded_at ties.
type GradeEntry struct {
	ID             int64     `db:"id" json:"id"`
	StudentID      string    `db:"student_id" json:"student_id"`
	SubjectID      string    `db:"subject_id" json:"subject_id"`
	TeacherID      string    `db:"teacher_id" json:"teacher_id"`
	Score          *float64  `db:"score" json:"score"`
	RecordedAt     time.Time `db:"recorded_at" json:"recorded_at"`
	Notes          *string   `db:"notes" json:"notes,omitempty"`
	Deleted        bool      `db:"deleted" json:"deleted"`
	IdempotencyKey *string   `db:"idempotency_key" json:"-"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// GradeKey identifies the ledger stream for one student/subject/teacher.
type GradeKey struct {
	StudentID string
	SubjectID string
	TeacherID string
}

// Key returns the composite ledger key of the entry.
func (e GradeEntry) Key() GradeKey {
	return GradeKey{StudentID: e.StudentID, SubjectID: e.SubjectID, TeacherID: e.TeacherID}
}

// GradeFilter narrows ledger listings.
type GradeFilter struct {
	StudentID string
	SubjectID string
	TeacherID string
}

// GradeEntryDetail enriches a ledger row with descriptive fields.
type GradeEntryDetail struct {
	GradeEntry
	StudentName    string  `db:"student_name" json:"student_name"`
	EnrollmentCode string  `db:"enrollment_code" json:"enrollment_code"`
	GroupLabel     *string `db:"group_label" json:"group_label,omitempty"`
	SubjectName    string  `db:"subject_name" json:"subject_name"`
	SubjectCode    string  `db:"subject_code" json:"subject_code"`
}

// StudentAverage is the mean of a student's non-null current grades.
// GradedSubjects counts the pairs that entered the denominator so callers can
// tell "no data" (GradedSubjects == 0, Average presented as 0) apart from a
// genuine average of zero.
type StudentAverage struct {
	StudentID        string  `json:"student_id"`
	Average          float64 `json:"average"`
	GradedSubjects   int     `json:"graded_subjects"`
	AssignedSubjects int     `json:"assigned_subjects"`
}

// GroupAverage is the mean current grade across one teacher's group.
type GroupAverage struct {
	TeacherID    string  `json:"teacher_id"`
	GroupLabel   string  `json:"group_label"`
	Average      float64 `json:"average"`
	GradedCount  int     `json:"graded_count"`
	StudentCount int     `json:"student_count"`
}

// SystemAverage is the mean over every non-null current grade in the system.
type SystemAverage struct {
	Average    float64 `json:"average"`
	GradeCount int     `json:"grade_count"`
}

// TranscriptSubject summarises one subject on a student transcript: the
// current grade plus the full non-deleted history behind it.
type TranscriptSubject struct {
	SubjectID    string       `json:"subject_id"`
	SubjectCode  string       `json:"subject_code"`
	SubjectName  string       `json:"subject_name"`
	TeacherID    string       `json:"teacher_id"`
	TeacherName  string       `json:"teacher_name"`
	CurrentScore *float64     `json:"current_score"`
	History      []GradeEntry `json:"history"`
}

// StudentTranscript aggregates a student's subjects and average.
type StudentTranscript struct {
	Student  Student             `json:"student"`
	Subjects []TranscriptSubject `json:"subjects"`
	Summary  StudentAverage      `json:"summary"`
}

// GroupReportRow is one student-subject line in a teacher's group report.
type GroupReportRow struct {
	StudentID      string   `json:"student_id"`
	StudentName    string   `json:"student_name"`
	EnrollmentCode string   `json:"enrollment_code"`
	SubjectID      string   `json:"subject_id"`
	SubjectCode    string   `json:"subject_code"`
	Score          *float64 `json:"score"`
}

// GroupReport is one teacher group's current grades with the group summary.
type GroupReport struct {
	GeneratedAt time.Time        `json:"generated_at"`
	Summary     GroupAverage     `json:"summary"`
	Rows        []GroupReportRow `json:"rows"`
}

// SchoolReportRow is one student's summary line in the school-wide report.
type SchoolReportRow struct {
	StudentID      string  `json:"student_id"`
	StudentName    string  `json:"student_name"`
	EnrollmentCode string  `json:"enrollment_code"`
	GroupLabel     *string `json:"group_label,omitempty"`
	Average        float64 `json:"average"`
	GradedSubjects int     `json:"graded_subjects"`
}

// SchoolReport aggregates school-wide performance.
type SchoolReport struct {
	GeneratedAt time.Time         `json:"generated_at"`
	System      SystemAverage     `json:"system"`
	Students    []SchoolReportRow `json:"students"`
}
