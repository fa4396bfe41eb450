package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"attendsync/internal/apperror"
	"attendsync/internal/attendance"
	"attendsync/internal/catalog"
	"attendsync/internal/response"
	"attendsync/internal/syncdelta"
)

type fullSyncResponse struct {
	Profile    *catalog.Student    `json:"student_profile"`
	Subjects   []catalog.Subject   `json:"subjects"`
	Schedules  []catalog.Schedule  `json:"schedules"`
	Rooms      []catalog.Room      `json:"rooms"`
	Lectures   []catalog.Lecture   `json:"lectures"`
	Attendance []attendance.Record `json:"attendance"`
	Metadata   syncdelta.Metadata  `json:"sync_metadata"`
}

// SyncData returns the student's full offline dataset.
func (h *Handler) SyncData(c *gin.Context) {
	d, err := h.sync.Full(c.Request.Context(), claims(c).StudentID)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, fullSyncResponse{
		Profile:    d.Profile,
		Subjects:   d.Changes.Subjects,
		Schedules:  d.Changes.Schedules,
		Rooms:      d.Changes.Rooms,
		Lectures:   d.Changes.Lectures,
		Attendance: d.Changes.Attendance,
		Metadata:   d.Metadata,
	})
}

// IncrementalSync returns what changed after the data_version cursor. A
// client that only knows its last sync time gets the full dataset.
func (h *Handler) IncrementalSync(c *gin.Context) {
	token, hasToken := c.GetQuery("data_version")
	_, hasLast := c.GetQuery("last_sync")
	if !hasToken && !hasLast {
		response.Error(c, apperror.Validation("data_version or last_sync is required"))
		return
	}

	ctx, studentID := c.Request.Context(), claims(c).StudentID
	var (
		d   syncdelta.Delta
		err error
	)
	if hasToken {
		d, err = h.sync.Delta(ctx, studentID, token)
	} else {
		d, err = h.sync.Full(ctx, studentID)
	}
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, http.StatusOK, d)
}
