package qrsession

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	qrcode "github.com/skip2/go-qrcode"

	"attendsync/internal/catalog"
)

const payloadVersion = "1.0"

// ErrInvalidToken is returned when a scanned token fails verification.
var ErrInvalidToken = errors.New("qrsession: invalid token")

// Payload is what the teacher's screen shows and the student's app scans.
type Payload struct {
	SessionID   string    `json:"session_id"`
	LectureID   int64     `json:"lecture_id"`
	RoomID      int64     `json:"room_id"`
	Section     string    `json:"section"`
	GeneratedAt time.Time `json:"generated_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	Version     string    `json:"version"`
	Token       string    `json:"token"`
	ImagePNG    string    `json:"qr_image_base64,omitempty"`
}

// TokenClaims bind a token to one session of one lecture.
type TokenClaims struct {
	SessionID string `json:"sid"`
	LectureID int64  `json:"lid"`
	jwt.RegisteredClaims
}

// Signer signs and verifies QR tokens with an HS256 key separate from the
// user token key.
type Signer struct {
	key       []byte
	issuer    string
	imageSize int
}

// NewSigner creates a signer. imageSize is the PNG edge in pixels; zero
// disables image rendering.
func NewSigner(key []byte, issuer string, imageSize int) *Signer {
	return &Signer{key: key, issuer: issuer, imageSize: imageSize}
}

// Payload renders the display payload of a session.
func (s *Signer) Payload(sess Session, lec catalog.Lecture) (Payload, error) {
	claims := TokenClaims{
		SessionID: sess.ID,
		LectureID: sess.LectureID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   strconv.FormatInt(sess.LectureID, 10),
			ID:        sess.ID,
			IssuedAt:  jwt.NewNumericDate(sess.CreatedAt),
			ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return Payload{}, fmt.Errorf("sign qr token: %w", err)
	}
	p := Payload{
		SessionID:   sess.ID,
		LectureID:   sess.LectureID,
		RoomID:      lec.RoomID,
		Section:     lec.Section,
		GeneratedAt: sess.CreatedAt,
		ExpiresAt:   sess.ExpiresAt,
		Version:     payloadVersion,
		Token:       token,
	}
	if s.imageSize > 0 {
		png, err := qrcode.Encode(token, qrcode.Medium, s.imageSize)
		if err != nil {
			return Payload{}, fmt.Errorf("render qr: %w", err)
		}
		p.ImagePNG = base64.StdEncoding.EncodeToString(png)
	}
	return p, nil
}

// Verify checks the signature and expiry of a token at now and that it names
// sessionID and lectureID.
func (s *Signer) Verify(token, sessionID string, lectureID int64, now time.Time) error {
	var claims TokenClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.SessionID != sessionID || claims.LectureID != lectureID {
		return fmt.Errorf("%w: token is bound to another session", ErrInvalidToken)
	}
	return nil
}
