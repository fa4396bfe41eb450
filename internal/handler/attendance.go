package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"attendsync/internal/apperror"
	"attendsync/internal/attendance"
	"attendsync/internal/auth"
	"attendsync/internal/logging"
	"attendsync/internal/response"
)

// BatchUpload ingests an offline batch for the calling student.
func (h *Handler) BatchUpload(c *gin.Context) {
	var batch attendance.Batch
	if err := bindJSON(c, &batch, false); err != nil {
		response.Error(c, err)
		return
	}
	res, err := h.ingest.Ingest(c.Request.Context(), claims(c).StudentID, batch)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, res)
}

type localRecordRef struct {
	LocalID string `json:"local_id"`
}

type resolveItem struct {
	ConflictID  string          `json:"conflict_id"`
	StudentID   int64           `json:"student_id"`
	LectureID   int64           `json:"lecture_id"`
	Strategy    string          `json:"resolution_strategy" binding:"required"`
	LocalRecord *localRecordRef `json:"local_record"`
}

type resolveRequest struct {
	Conflicts []resolveItem `json:"conflicts" binding:"required,min=1,max=100,dive"`
}

type resolveResult struct {
	Index       int                     `json:"index"`
	ConflictID  string                  `json:"conflict_id,omitempty"`
	StudentID   int64                   `json:"student_id"`
	LectureID   int64                   `json:"lecture_id"`
	Success     bool                    `json:"success"`
	Resolutions []attendance.Resolution `json:"resolutions,omitempty"`
	Error       *response.ErrorBody     `json:"error,omitempty"`
}

type resolveSummary struct {
	Total    int `json:"total"`
	Resolved int `json:"resolved"`
	Failed   int `json:"failed"`
}

type resolveResponse struct {
	Results []resolveResult `json:"results"`
	Summary resolveSummary  `json:"summary"`
}

// ResolveConflicts applies a strategy to each requested conflict. Items are
// independent: one failing does not stop the rest.
func (h *Handler) ResolveConflicts(c *gin.Context) {
	var req resolveRequest
	if err := bindJSON(c, &req, false); err != nil {
		response.Error(c, err)
		return
	}
	cl := claims(c)
	out := resolveResponse{Results: make([]resolveResult, len(req.Conflicts))}
	for i, item := range req.Conflicts {
		res := h.resolveOne(c, cl, item)
		res.Index = i
		if res.Success {
			out.Summary.Resolved++
		} else {
			out.Summary.Failed++
		}
		out.Results[i] = res
	}
	out.Summary.Total = len(req.Conflicts)
	response.Success(c, http.StatusOK, out)
}

func (h *Handler) resolveOne(c *gin.Context, cl auth.Claims, item resolveItem) resolveResult {
	ctx := c.Request.Context()
	res := resolveResult{ConflictID: item.ConflictID, StudentID: item.StudentID, LectureID: item.LectureID}
	fail := func(err error) resolveResult {
		res.Error = h.itemError(c, err)
		return res
	}

	strategy, err := attendance.ParseStrategy(item.Strategy)
	if err != nil {
		return fail(err)
	}

	if item.ConflictID != "" {
		conflict, err := h.resolver.Conflict(ctx, item.ConflictID)
		if err != nil {
			return fail(err)
		}
		if !canActFor(cl, conflict.StudentID) {
			return fail(apperror.ErrForbidden.WithMessage("conflict belongs to another student"))
		}
		res.StudentID, res.LectureID = conflict.StudentID, conflict.LectureID
		r, err := h.resolver.Resolve(ctx, conflict.ID, strategy)
		if err != nil {
			return fail(err)
		}
		res.Success, res.Resolutions = true, []attendance.Resolution{r}
		return res
	}

	if res.StudentID == 0 && cl.Role == auth.RoleStudent {
		res.StudentID = cl.StudentID
	}
	if res.StudentID <= 0 || res.LectureID <= 0 {
		return fail(apperror.Validation("conflict_id or student_id and lecture_id are required"))
	}
	if !canActFor(cl, res.StudentID) {
		return fail(apperror.ErrForbidden.WithMessage("cannot resolve conflicts of another student"))
	}
	var localID string
	if item.LocalRecord != nil {
		localID = item.LocalRecord.LocalID
	}
	rs, err := h.resolver.ResolveForPair(ctx, res.StudentID, res.LectureID, strategy, localID)
	if err != nil {
		return fail(err)
	}
	res.Success, res.Resolutions = true, rs
	return res
}

// itemError renders err for a per-item result. Internal causes are logged
// and replaced by the generic internal error.
func (h *Handler) itemError(c *gin.Context, err error) *response.ErrorBody {
	appErr, ok := apperror.As(err)
	if !ok {
		logging.FromContext(c.Request.Context(), h.logger).Error("conflict resolution failed", zap.Error(err))
		appErr = apperror.ErrInternal
	}
	return &response.ErrorBody{Code: appErr.Code, Message: appErr.Message, Details: appErr.Details}
}

func canActFor(cl auth.Claims, studentID int64) bool {
	return cl.Role != auth.RoleStudent || cl.StudentID == studentID
}

// subject resolves which student a read is about: students read their own
// data, staff name the student with ?student_id.
func subject(c *gin.Context, cl auth.Claims) (int64, error) {
	if cl.Role == auth.RoleStudent {
		return cl.StudentID, nil
	}
	raw := c.Query("student_id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, apperror.Validation("student_id query parameter is required")
	}
	return id, nil
}

// Conflicts lists open conflicts.
func (h *Handler) Conflicts(c *gin.Context) {
	studentID, err := subject(c, claims(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	list, err := h.resolver.OpenConflicts(c.Request.Context(), studentID)
	if err != nil {
		response.Error(c, err)
		return
	}
	if list == nil {
		list = []attendance.Conflict{}
	}
	response.Success(c, http.StatusOK, gin.H{
		"student_id": studentID,
		"conflicts":  list,
		"count":      len(list),
	})
}

// Record returns one attendance record.
func (h *Handler) Record(c *gin.Context) {
	rec, err := h.ingest.Record(c.Request.Context(), c.Param("id"))
	if errors.Is(err, attendance.ErrNotFound) {
		response.Error(c, apperror.ErrNotFound.WithMessage("attendance record not found"))
		return
	}
	if err != nil {
		response.Error(c, err)
		return
	}
	if !canActFor(claims(c), rec.StudentID) {
		// Same answer as a missing record, so ids of other students are not probed.
		response.Error(c, apperror.ErrNotFound.WithMessage("attendance record not found"))
		return
	}
	response.Success(c, http.StatusOK, rec)
}

// parseSince accepts a date (2006-01-02) or an RFC 3339 timestamp.
func parseSince(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.DateOnly, raw); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, apperror.Validation("since_date must be YYYY-MM-DD or RFC 3339")
}

// SyncStatus reports ingestion statistics and sync health for the student.
func (h *Handler) SyncStatus(c *gin.Context) {
	since, err := parseSince(c.Query("since_date"))
	if err != nil {
		response.Error(c, err)
		return
	}
	detailed, _ := strconv.ParseBool(c.DefaultQuery("detailed_analysis", "false"))
	studentID, err := subject(c, claims(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	st, err := h.sync.Status(c.Request.Context(), studentID, since, detailed)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, st)
}
