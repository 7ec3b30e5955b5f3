package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/campusmx/gradebook-api/internal/models"
	"github.com/campusmx/gradebook-api/internal/service"
	appErrors "github.com/campusmx/gradebook-api/pkg/errors"
	"github.com/campusmx/gradebook-api/pkg/response"
)

// GradeHandler exposes grade ledger endpoints.
type GradeHandler struct {
	grades     *service.GradeService
	aggregates *service.AggregateService
}

// NewGradeHandler constructs GradeHandler.
func NewGradeHandler(grades *service.GradeService, aggregates *service.AggregateService) *GradeHandler {
	return &GradeHandler{grades: grades, aggregates: aggregates}
}

// Submit godoc
// @Summary Append a grade entry to the ledger
// @Tags Grades
// @Accept json
// @Produce json
// @Param Idempotency-Key header string false "Idempotency key"
// @Param payload body service.SubmitGradeRequest true "Grade payload"
// @Success 201 {object} response.Envelope
// @Router /grades [post]
func (h *GradeHandler) Submit(c *gin.Context) {
	var req service.SubmitGradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}

	// Teachers always record under their own identity.
	claims := claimsFromContext(c)
	if claims != nil && claims.Role == models.RoleTeacher {
		if claims.TeacherID == nil {
			response.Error(c, appErrors.Clone(appErrors.ErrForbidden, "account has no teacher profile"))
			return
		}
		req.TeacherID = *claims.TeacherID
	}

	if req.IdempotencyKey == nil {
		if key := strings.TrimSpace(c.GetHeader("Idempotency-Key")); key != "" {
			req.IdempotencyKey = &key
		}
	}

	entry, err := h.grades.Submit(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, entry)
}

// Delete godoc
// @Summary Soft delete a grade entry
// @Tags Grades
// @Produce json
// @Param id path int true "Entry ID"
// @Success 204
// @Router /grades/{id} [delete]
func (h *GradeHandler) Delete(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid entry id"))
		return
	}
	if err := h.grades.SoftDelete(c.Request.Context(), id); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

// History godoc
// @Summary Ledger history for one student, subject and teacher
// @Tags Grades
// @Produce json
// @Param studentId query string true "Student ID"
// @Param subjectId query string true "Subject ID"
// @Param teacherId query string true "Teacher ID"
// @Success 200 {object} response.Envelope
// @Router /grades/history [get]
func (h *GradeHandler) History(c *gin.Context) {
	key := models.GradeKey{
		StudentID: c.Query("studentId"),
		SubjectID: c.Query("subjectId"),
		TeacherID: c.Query("teacherId"),
	}
	entries, err := h.grades.History(c.Request.Context(), key)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entries, nil)
}

// Current godoc
// @Summary Current grade for one student, subject and teacher
// @Tags Grades
// @Produce json
// @Param studentId query string true "Student ID"
// @Param subjectId query string true "Subject ID"
// @Param teacherId query string true "Teacher ID"
// @Success 200 {object} response.Envelope
// @Router /grades/current [get]
func (h *GradeHandler) Current(c *gin.Context) {
	key := models.GradeKey{
		StudentID: c.Query("studentId"),
		SubjectID: c.Query("subjectId"),
		TeacherID: c.Query("teacherId"),
	}
	score, err := h.aggregates.CurrentGrade(c.Request.Context(), key)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, gin.H{"score": score}, nil)
}
