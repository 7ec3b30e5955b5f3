package models

import "time"

// ReportType enumerates exportable reports.
type ReportType string

const (
	// ReportTypeSchool exports the school-wide performance report.
	ReportTypeSchool ReportType = "SCHOOL"
	// ReportTypeGroup exports one teacher group's current grades.
	ReportTypeGroup ReportType = "GROUP"
)

// ReportFormat enumerates export encodings.
type ReportFormat string

const (
	ReportFormatCSV ReportFormat = "CSV"
	ReportFormatPDF ReportFormat = "PDF"
)

// ReportStatus tracks job lifecycle.
type ReportStatus string

const (
	ReportStatusQueued     ReportStatus = "QUEUED"
	ReportStatusProcessing ReportStatus = "PROCESSING"
	ReportStatusFinished   ReportStatus = "FINISHED"
	ReportStatusFailed     ReportStatus = "FAILED"
)

// ReportJobParams scopes a report job.
type ReportJobParams struct {
	TeacherID  string       `json:"teacher_id,omitempty"`
	GroupLabel string       `json:"group_label,omitempty"`
	Format     ReportFormat `json:"format"`
}

// ReportJob is a queued export of aggregated grades.
type ReportJob struct {
	ID           string          `db:"id" json:"id"`
	Type         ReportType      `db:"type" json:"type"`
	Params       ReportJobParams `db:"-" json:"params"`
	ParamsRaw    []byte          `db:"params" json:"-"`
	Status       ReportStatus    `db:"status" json:"status"`
	Progress     int             `db:"progress" json:"progress"`
	ResultURL    *string         `db:"result_url" json:"result_url,omitempty"`
	ErrorMessage *string         `db:"error_message" json:"error_message,omitempty"`
	CreatedBy    string          `db:"created_by" json:"created_by"`
	CreatedAt    time.Time       `db:"created_at" json:"created_at"`
	FinishedAt   *time.Time      `db:"finished_at" json:"finished_at,omitempty"`
}
