package attendance

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"attendsync/internal/catalog"
	"attendsync/internal/geofence"
)

// attempt is the state of one claim moving through the checks.
type attempt struct {
	claim   Claim
	lecture catalog.Lecture
	room    catalog.Room
	roomErr error
	record  Record
	// redeemed is set once a session use was consumed; stored once the
	// record carrying it was written.
	redeemed bool
	stored   bool
}

// check returns a non-empty reason to reject the claim, or an error when the
// decision could not be made.
type check struct {
	name string
	run  func(ctx context.Context, a *attempt) (Reason, string, error)
}

func newID() string { return uuid.NewString() }

func (s *Service) checkWindow(_ context.Context, a *attempt) (Reason, string, error) {
	if !s.policy.EnforceLectureWindow {
		return ReasonNone, "", nil
	}
	if a.lecture.Status == catalog.LectureCancelled {
		return ReasonOutsideWindow, "lecture was cancelled", nil
	}
	from := a.lecture.ScheduledStart.Add(-s.policy.EarlyGrace)
	to := a.lecture.ScheduledEnd.Add(s.policy.LateGrace)
	at := a.record.CheckInTime
	if at.Before(from) || at.After(to) {
		return ReasonOutsideWindow, fmt.Sprintf("check-in at %s is outside %s..%s",
			at.Format("15:04"), from.UTC().Format("15:04"), to.UTC().Format("15:04")), nil
	}
	return ReasonNone, "", nil
}

func (s *Service) checkQR(ctx context.Context, a *attempt) (Reason, string, error) {
	if a.claim.QRToken != "" && s.tokens != nil {
		if err := s.tokens.Verify(a.claim.QRToken, a.claim.QRSessionID, a.claim.LectureID, s.now()); err != nil {
			return ReasonQRInvalid, "qr token rejected", nil
		}
	}
	red, err := s.qr.RedeemForLecture(ctx, a.claim.QRSessionID, a.claim.LectureID)
	if err != nil {
		return ReasonNone, "", err
	}
	if !red.OK {
		return ReasonQRInvalid, string(red.Reason), nil
	}
	a.redeemed = true
	a.record.QRVerified = true
	return ReasonNone, "", nil
}

func (s *Service) checkLocation(_ context.Context, a *attempt) (Reason, string, error) {
	if a.roomErr != nil {
		if errors.Is(a.roomErr, catalog.ErrNotFound) {
			return ReasonRoomMisconfigured, fmt.Sprintf("room %d does not exist", a.lecture.RoomID), nil
		}
		return ReasonNone, "", a.roomErr
	}
	fix := geofence.Fix{Lat: a.claim.Latitude, Lon: a.claim.Longitude, Accuracy: a.claim.Accuracy}
	if a.claim.Altitude != nil {
		fix.Alt, fix.HasAlt = *a.claim.Altitude, true
	}
	res, err := geofence.Validate(a.room.Fence(), fix, s.policy.Geofence)
	if errors.Is(err, geofence.ErrInvalidPolygon) {
		return ReasonRoomMisconfigured, fmt.Sprintf("room %d boundary is invalid", a.room.ID), nil
	}
	if err != nil {
		return ReasonNone, "", err
	}

	h := res.HorizontalMargin
	a.record.HorizontalMargin = &h
	if res.AltitudeChecked {
		v := res.VerticalMargin
		a.record.VerticalMargin = &v
	}
	a.record.LocationVerified = res.Inside
	if res.Inside || !s.policy.RequireLocation {
		return ReasonNone, "", nil
	}
	if !res.HorizontalInside {
		return ReasonLocationInvalid, fmt.Sprintf("fix is outside the room (horizontal margin %.1f m)", res.HorizontalMargin), nil
	}
	return ReasonLocationInvalid, "altitude is outside the room's floor band", nil
}
