// Package handler exposes the attendance, conflict and sync operations over
// HTTP.
package handler

import (
	"errors"
	"io"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"attendsync/internal/apperror"
	"attendsync/internal/attendance"
	"attendsync/internal/auth"
	"attendsync/internal/catalog"
	"attendsync/internal/qrsession"
	"attendsync/internal/syncdelta"
)

// Deps are the services behind the endpoints.
type Deps struct {
	QR       *qrsession.Manager
	Signer   *qrsession.Signer
	Catalog  catalog.Reader
	Registry *catalog.Registry
	Ingest   *attendance.Service
	Resolver *attendance.Resolver
	Sync     *syncdelta.Engine
	Logger   *zap.Logger
	Now      func() time.Time
}

// Handler serves the API.
type Handler struct {
	qr       *qrsession.Manager
	signer   *qrsession.Signer
	catalog  catalog.Reader
	registry *catalog.Registry
	ingest   *attendance.Service
	resolver *attendance.Resolver
	sync     *syncdelta.Engine
	logger   *zap.Logger
	now      func() time.Time
}

func New(d Deps) *Handler {
	if v, ok := binding.Validator.Engine().(*validator.Validate); ok {
		v.RegisterTagNameFunc(apperror.JSONTagName)
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &Handler{
		qr:       d.QR,
		signer:   d.Signer,
		catalog:  d.Catalog,
		registry: d.Registry,
		ingest:   d.Ingest,
		resolver: d.Resolver,
		sync:     d.Sync,
		logger:   logger.Named("http"),
		now:      now,
	}
}

// Register mounts every authenticated route on r. authn must store the
// caller's claims (auth.Bearer).
func (h *Handler) Register(r gin.IRouter, authn gin.HandlerFunc, policy *auth.Policy) {
	api := r.Group("/api", authn)

	att := api.Group("/attendance")
	att.POST("/generate-qr/:lecture_id", auth.Authorize(policy, auth.ResourceQR, auth.ActionIssue), h.GenerateQR)
	att.POST("/batch-upload", auth.Authorize(policy, auth.ResourceAttendance, auth.ActionUpload), h.BatchUpload)
	att.POST("/resolve-conflicts", auth.Authorize(policy, auth.ResourceConflicts, auth.ActionResolve), h.ResolveConflicts)
	att.GET("/conflicts", auth.Authorize(policy, auth.ResourceConflicts, auth.ActionRead), h.Conflicts)
	att.GET("/sync-status", auth.Authorize(policy, auth.ResourceAttendance, auth.ActionRead), h.SyncStatus)
	att.GET("/records/:id", auth.Authorize(policy, auth.ResourceAttendance, auth.ActionRead), h.Record)

	student := api.Group("/student", auth.Authorize(policy, auth.ResourceSync, auth.ActionRead))
	student.GET("/sync-data", h.SyncData)
	student.GET("/incremental-sync", h.IncrementalSync)

	admin := api.Group("/admin", auth.Authorize(policy, auth.ResourceCatalog, auth.ActionWrite))
	admin.PUT("/rooms", h.PutRoom)
	admin.PUT("/subjects", h.PutSubject)
	admin.PUT("/schedules", h.PutSchedule)
	admin.PUT("/lectures", h.PutLecture)
	admin.PUT("/students", h.PutStudent)
}

func claims(c *gin.Context) auth.Claims {
	cl, _ := auth.FromContext(c)
	return cl
}

// bindJSON decodes the body into v. An empty body is accepted when optional.
func bindJSON(c *gin.Context, v any, optional bool) error {
	err := c.ShouldBindJSON(v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return apperror.MapValidationError(err)
	}
	return apperror.Wrap(err, apperror.CodeValidation, "request body is not valid JSON", apperror.ErrValidation.HTTPStatus)
}

func pathID(c *gin.Context, name string) (int64, error) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperror.Validation(name + " must be a positive integer")
	}
	return id, nil
}
