package service

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/campusmx/gradebook-api/internal/models"
	"github.com/campusmx/gradebook-api/pkg/export"
	"github.com/campusmx/gradebook-api/pkg/storage"
)

type reportDataSource interface {
	SchoolReport(ctx context.Context) (*models.SchoolReport, error)
	GroupReport(ctx context.Context, teacherID, groupLabel string) (*models.GroupReport, error)
}

type fileStorage interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
	Delete(filename string) error
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

type csvRenderer interface {
	Render(table export.Table) ([]byte, error)
}

type pdfRenderer interface {
	Render(table export.Table, title string) ([]byte, error)
}

// ExportConfig tunes export behaviour.
type ExportConfig struct {
	APIPrefix string
	ResultTTL time.Duration
}

// ExportResult captures successful generation metadata.
type ExportResult struct {
	RelativePath string
	Token        string
	URL          string
	Format       models.ReportFormat
	ExpiresAt    time.Time
}

// ExportService builds report tables from the aggregation engine and
// persists rendered files behind signed download tokens.
type ExportService struct {
	aggregates reportDataSource
	storage    fileStorage
	csv        csvRenderer
	pdf        pdfRenderer
	signer     *storage.SignedURLSigner
	logger     *zap.Logger
	cfg        ExportConfig
}

// NewExportService constructs an ExportService.
func NewExportService(aggregates reportDataSource, store fileStorage, signer *storage.SignedURLSigner, cfg ExportConfig, logger *zap.Logger, csv csvRenderer, pdf pdfRenderer) *ExportService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	if csv == nil {
		csv = export.NewCSVExporter()
	}
	if pdf == nil {
		pdf = export.NewPDFExporter()
	}
	return &ExportService{
		aggregates: aggregates,
		storage:    store,
		csv:        csv,
		pdf:        pdf,
		signer:     signer,
		logger:     logger,
		cfg:        cfg,
	}
}

// Generate builds the table for the job and stores the rendered export.
func (s *ExportService) Generate(ctx context.Context, job *models.ReportJob) (*ExportResult, error) {
	if job == nil {
		return nil, fmt.Errorf("job nil")
	}
	table, title, err := s.buildTable(ctx, job)
	if err != nil {
		return nil, err
	}

	var payload []byte
	switch job.Params.Format {
	case models.ReportFormatCSV:
		payload, err = s.csv.Render(table)
	case models.ReportFormatPDF:
		payload, err = s.pdf.Render(table, title)
	default:
		err = fmt.Errorf("unsupported format %s", job.Params.Format)
	}
	if err != nil {
		return nil, err
	}

	relPath, err := s.storage.Save(s.buildFilename(job), payload)
	if err != nil {
		return nil, err
	}

	token, expiresAt, err := s.signer.Generate(job.ID, relPath)
	if err != nil {
		return nil, err
	}
	prefix := strings.TrimRight(s.cfg.APIPrefix, "/")
	if prefix == "" {
		prefix = "/api/v1"
	}

	return &ExportResult{
		RelativePath: relPath,
		Token:        token,
		URL:          fmt.Sprintf("%s/reports/export/%s", prefix, token),
		Format:       job.Params.Format,
		ExpiresAt:    expiresAt,
	}, nil
}

// ParseToken validates download token metadata.
func (s *ExportService) ParseToken(token string, allowExpired bool) (jobID, relPath string, expiresAt time.Time, err error) {
	return s.signer.Parse(token, allowExpired)
}

// Open returns a handle to the stored file.
func (s *ExportService) Open(relPath string) (*os.File, error) {
	return s.storage.Open(relPath)
}

// Delete removes a stored export file.
func (s *ExportService) Delete(relPath string) error {
	return s.storage.Delete(relPath)
}

// Cleanup removes files older than ttl, defaulting to the configured TTL.
func (s *ExportService) Cleanup(ttl time.Duration) ([]string, error) {
	if ttl <= 0 {
		ttl = s.cfg.ResultTTL
	}
	return s.storage.CleanupOlderThan(ttl)
}

func (s *ExportService) buildFilename(job *models.ReportJob) string {
	timestamp := time.Now().UTC().Format("20060102_150405")
	scope := "all"
	if job.Params.GroupLabel != "" {
		scope = sanitizeFilename(job.Params.GroupLabel)
	}
	ext := strings.ToLower(string(job.Params.Format))
	return fmt.Sprintf("%s_%s_%s.%s", strings.ToLower(string(job.Type)), scope, timestamp, ext)
}

func sanitizeFilename(raw string) string {
	if raw == "" {
		return "na"
	}
	replacer := strings.NewReplacer(" ", "_", "/", "-", "\\", "-", ":", "-", "..", ".", "__", "_")
	result := replacer.Replace(raw)
	if len(result) > 100 {
		return result[:100]
	}
	return result
}

func (s *ExportService) buildTable(ctx context.Context, job *models.ReportJob) (export.Table, string, error) {
	switch job.Type {
	case models.ReportTypeSchool:
		return s.buildSchoolTable(ctx)
	case models.ReportTypeGroup:
		return s.buildGroupTable(ctx, job.Params)
	default:
		return export.Table{}, "", fmt.Errorf("unsupported report type %s", job.Type)
	}
}

func (s *ExportService) buildSchoolTable(ctx context.Context) (export.Table, string, error) {
	report, err := s.aggregates.SchoolReport(ctx)
	if err != nil {
		return export.Table{}, "", err
	}
	rows := make([][]string, 0, len(report.Students))
	for _, student := range report.Students {
		group := ""
		if student.GroupLabel != nil {
			group = *student.GroupLabel
		}
		rows = append(rows, []string{
			student.EnrollmentCode,
			student.StudentName,
			group,
			fmt.Sprintf("%.2f", student.Average),
			fmt.Sprintf("%d", student.GradedSubjects),
		})
	}
	table := export.Table{
		Columns: []string{"Enrollment Code", "Student", "Group", "Average", "Graded Subjects"},
		Rows:    rows,
	}
	title := fmt.Sprintf("School Report (system average %.2f)", report.System.Average)
	return table, title, nil
}

func (s *ExportService) buildGroupTable(ctx context.Context, params models.ReportJobParams) (export.Table, string, error) {
	report, err := s.aggregates.GroupReport(ctx, params.TeacherID, params.GroupLabel)
	if err != nil {
		return export.Table{}, "", err
	}
	rows := make([][]string, 0, len(report.Rows))
	for _, row := range report.Rows {
		score := ""
		if row.Score != nil {
			score = fmt.Sprintf("%.2f", *row.Score)
		}
		rows = append(rows, []string{
			row.EnrollmentCode,
			row.StudentName,
			row.SubjectCode,
			score,
		})
	}
	table := export.Table{
		Columns: []string{"Enrollment Code", "Student", "Subject", "Score"},
		Rows:    rows,
	}
	title := fmt.Sprintf("Group %s Report (average %.2f)", params.GroupLabel, report.Summary.Average)
	return table, title, nil
}
