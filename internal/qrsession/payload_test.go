package qrsession

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"attendsync/internal/catalog"
)

func TestPayloadRoundTrip(t *testing.T) {
	now := time.Date(2024, 3, 4, 8, 30, 0, 0, time.UTC)
	sess := Session{ID: "s-1", LectureID: 1, CreatedAt: now, ExpiresAt: now.Add(15 * time.Minute)}
	signer := NewSigner([]byte("qr-secret"), "attendsync", 128)

	p, err := signer.Payload(sess, catalog.Lecture{ID: 1, RoomID: 4, Section: "A"})
	require.NoError(t, err)
	assert.Equal(t, "1.0", p.Version)
	assert.Equal(t, int64(4), p.RoomID)

	png, err := base64.StdEncoding.DecodeString(p.ImagePNG)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), png[:4])

	assert.NoError(t, signer.Verify(p.Token, "s-1", 1, now.Add(time.Minute)))
	assert.ErrorIs(t, signer.Verify(p.Token, "s-2", 1, now), ErrInvalidToken)
	assert.ErrorIs(t, signer.Verify(p.Token, "s-1", 1, now.Add(16*time.Minute)), ErrInvalidToken)
	assert.ErrorIs(t, NewSigner([]byte("other"), "attendsync", 0).Verify(p.Token, "s-1", 1, now), ErrInvalidToken)
}
