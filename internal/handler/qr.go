package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"attendsync/internal/apperror"
	"attendsync/internal/auth"
	"attendsync/internal/catalog"
	"attendsync/internal/logging"
	"attendsync/internal/qrsession"
	"attendsync/internal/response"
)

type generateQRRequest struct {
	DurationMinutes int  `json:"duration_minutes" binding:"omitempty,gte=1,lte=1440"`
	MaxUsageCount   int  `json:"max_usage_count" binding:"omitempty,gte=1,lte=100000"`
	ForceNew        bool `json:"force_new"`
}

type generateQRResponse struct {
	Session          qrsession.Session `json:"qr_session"`
	Payload          qrsession.Payload `json:"qr_payload"`
	Status           string            `json:"status"`
	RemainingSeconds int64             `json:"remaining_seconds"`
}

// GenerateQR issues (or returns the active) QR session of a lecture.
func (h *Handler) GenerateQR(c *gin.Context) {
	ctx := c.Request.Context()
	lectureID, err := pathID(c, "lecture_id")
	if err != nil {
		response.Error(c, err)
		return
	}
	var req generateQRRequest
	if err := bindJSON(c, &req, true); err != nil {
		response.Error(c, err)
		return
	}

	lec, err := h.catalog.Lecture(ctx, lectureID)
	if errors.Is(err, catalog.ErrNotFound) {
		response.Error(c, apperror.ErrNotFound.WithMessage("lecture not found"))
		return
	}
	if err != nil {
		response.Error(c, err)
		return
	}
	cl := claims(c)
	if cl.Role == auth.RoleTeacher && lec.TeacherID != 0 && lec.TeacherID != cl.UserID() {
		response.Error(c, apperror.ErrForbidden.WithMessage("lecture belongs to another teacher"))
		return
	}

	sess, created, err := h.qr.Issue(ctx, qrsession.IssueRequest{
		LectureID: lectureID,
		IssuedBy:  cl.UserID(),
		Duration:  time.Duration(req.DurationMinutes) * time.Minute,
		MaxUsage:  req.MaxUsageCount,
		ForceNew:  req.ForceNew,
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	payload, err := h.signer.Payload(sess, lec)
	if err != nil {
		response.Error(c, err)
		return
	}

	status, code := "existing", http.StatusOK
	if created {
		status, code = "new", http.StatusCreated
	}
	logging.FromContext(ctx, h.logger).Info("qr session served",
		zap.String("session_id", sess.ID),
		zap.Int64("lecture_id", lectureID),
		zap.String("status", status),
	)
	response.Success(c, code, generateQRResponse{
		Session:          sess,
		Payload:          payload,
		Status:           status,
		RemainingSeconds: int64(sess.Remaining(h.now()).Seconds()),
	})
}
