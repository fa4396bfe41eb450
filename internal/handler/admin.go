package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"attendsync/internal/apperror"
	"attendsync/internal/catalog"
	"attendsync/internal/response"
)

// roomRequest lets a room be described by its size instead of a polygon.
type roomRequest struct {
	catalog.Room
	WidthM  float64 `json:"width_m"`
	HeightM float64 `json:"height_m"`
}

func (h *Handler) PutRoom(c *gin.Context) {
	var req roomRequest
	if err := bindJSON(c, &req, false); err != nil {
		response.Error(c, err)
		return
	}
	room := req.Room
	room.Width, room.Height = req.WidthM, req.HeightM
	save(c, func(ctx context.Context) (catalog.Room, error) { return h.registry.PutRoom(ctx, room) })
}

func (h *Handler) PutSubject(c *gin.Context) {
	var s catalog.Subject
	if err := bindJSON(c, &s, false); err != nil {
		response.Error(c, err)
		return
	}
	save(c, func(ctx context.Context) (catalog.Subject, error) { return h.registry.PutSubject(ctx, s) })
}

func (h *Handler) PutSchedule(c *gin.Context) {
	var s catalog.Schedule
	if err := bindJSON(c, &s, false); err != nil {
		response.Error(c, err)
		return
	}
	save(c, func(ctx context.Context) (catalog.Schedule, error) { return h.registry.PutSchedule(ctx, s) })
}

func (h *Handler) PutLecture(c *gin.Context) {
	var l catalog.Lecture
	if err := bindJSON(c, &l, false); err != nil {
		response.Error(c, err)
		return
	}
	save(c, func(ctx context.Context) (catalog.Lecture, error) { return h.registry.PutLecture(ctx, l) })
}

func (h *Handler) PutStudent(c *gin.Context) {
	var s catalog.Student
	if err := bindJSON(c, &s, false); err != nil {
		response.Error(c, err)
		return
	}
	save(c, func(ctx context.Context) (catalog.Student, error) { return h.registry.PutStudent(ctx, s) })
}

// save runs a registry write. Registry errors are input problems except for
// missing references and storage failures.
func save[T any](c *gin.Context, put func(context.Context) (T, error)) {
	v, err := put(c.Request.Context())
	switch {
	case err == nil:
		response.Success(c, http.StatusOK, v)
	case errors.Is(err, catalog.ErrNotFound):
		response.Error(c, apperror.ErrNotFound.WithMessage(err.Error()))
	case errors.Is(err, catalog.ErrInvalid):
		response.Error(c, apperror.Validation(err.Error()))
	default:
		response.Error(c, err)
	}
}
