package handler

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/campusmx/gradebook-api/internal/models"
	"github.com/campusmx/gradebook-api/internal/service"
	appErrors "github.com/campusmx/gradebook-api/pkg/errors"
	"github.com/campusmx/gradebook-api/pkg/response"
)

// ReportHandler exposes aggregate report and export endpoints.
type ReportHandler struct {
	aggregates *service.AggregateService
	reports    *service.ReportService
}

// NewReportHandler constructs ReportHandler.
func NewReportHandler(aggregates *service.AggregateService, reports *service.ReportService) *ReportHandler {
	return &ReportHandler{aggregates: aggregates, reports: reports}
}

// SchoolReport godoc
// @Summary School-wide report with per-student averages
// @Tags Reports
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /reports/school [get]
func (h *ReportHandler) SchoolReport(c *gin.Context) {
	report, err := h.aggregates.SchoolReport(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, report, nil)
}

// SystemAverage godoc
// @Summary System-wide average over all current grades
// @Tags Reports
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /reports/system-average [get]
func (h *ReportHandler) SystemAverage(c *gin.Context) {
	average, err := h.aggregates.SystemWideAverage(c.Request.Context())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, average, nil)
}

// CreateJob godoc
// @Summary Queue a report export job
// @Tags Reports
// @Accept json
// @Produce json
// @Param payload body service.CreateReportRequest true "Export request"
// @Success 202 {object} response.Envelope
// @Router /reports/jobs [post]
func (h *ReportHandler) CreateJob(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrTokenInvalid)
		return
	}
	var req service.CreateReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	status, err := h.reports.CreateJob(c.Request.Context(), req, claims.UserID, claims.Role, claims.TeacherID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusAccepted, status, nil)
}

// JobStatus godoc
// @Summary Report export job status
// @Tags Reports
// @Produce json
// @Param id path string true "Job ID"
// @Success 200 {object} response.Envelope
// @Router /reports/jobs/{id} [get]
func (h *ReportHandler) JobStatus(c *gin.Context) {
	claims := claimsFromContext(c)
	if claims == nil {
		response.Error(c, appErrors.ErrTokenInvalid)
		return
	}
	status, err := h.reports.GetStatus(c.Request.Context(), c.Param("id"), claims.UserID, claims.Role)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, status, nil)
}

// Download godoc
// @Summary Download a finished report export
// @Tags Reports
// @Produce octet-stream
// @Param token path string true "Signed download token"
// @Success 200 {file} binary
// @Router /reports/export/{token} [get]
func (h *ReportHandler) Download(c *gin.Context) {
	result, err := h.reports.ResolveDownload(c.Request.Context(), c.Param("token"))
	if err != nil {
		response.Error(c, err)
		return
	}
	defer result.File.Close() //nolint:errcheck

	info, err := result.File.Stat()
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrInternal.Code, http.StatusInternalServerError, "failed to read export file"))
		return
	}

	mimeType := "text/csv"
	if result.Format == models.ReportFormatPDF {
		mimeType = "application/pdf"
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=\"%s\"", result.Filename))
	c.Header("Cache-Control", "no-store")
	c.DataFromReader(http.StatusOK, info.Size(), mimeType, result.File, nil)
}
