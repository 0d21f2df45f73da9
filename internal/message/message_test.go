package message

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_TextMessage(t *testing.T) {
	now := time.Date(2025, 7, 27, 16, 5, 5, 0, time.UTC)
	m, err := New(SendRequest{ID: "m1", RoomID: "g1", UserID: "u1", Sender: "Alice", Content: "hi"}, "u1", now)
	require.NoError(t, err)

	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, "g1", m.RoomID)
	assert.Equal(t, "u1", m.UserID)
	assert.Equal(t, "Alice", m.Sender)
	assert.Equal(t, "hi", m.Content)
	assert.Equal(t, now, m.CreatedAt)
	assert.Equal(t, "16:05", m.Time)
	assert.False(t, m.HasFile())
}

func TestNew_AssignsIDAndUser(t *testing.T) {
	m, err := New(SendRequest{RoomID: "g1", Content: "hi"}, "u1", time.Now())
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, "u1", m.UserID)
}

func TestNew_FileOnly(t *testing.T) {
	m, err := New(SendRequest{RoomID: "g1", FileName: "a.png", FileData: "data:image/png;base64,AAAA"}, "u1", time.Now())
	require.NoError(t, err)
	assert.True(t, m.HasFile())
	assert.Empty(t, m.Content)
}

func TestNew_Rejects(t *testing.T) {
	tests := []struct {
		name string
		req  SendRequest
		user string
		want error
	}{
		{"empty room", SendRequest{Content: "hi"}, "u1", ErrInvalidRoom},
		{"no content no file", SendRequest{RoomID: "g1"}, "u1", ErrInvalidMessage},
		{"file name without data", SendRequest{RoomID: "g1", FileName: "a.txt"}, "u1", ErrInvalidMessage},
		{"file data without name", SendRequest{RoomID: "g1", FileData: "xx"}, "u1", ErrInvalidMessage},
		{"user mismatch", SendRequest{RoomID: "g1", UserID: "u2", Content: "hi"}, "u1", ErrUserMismatch},
		{"anonymous connection", SendRequest{RoomID: "g1", Content: "hi"}, "", ErrInvalidMessage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := New(tt.req, tt.user, time.Now())
			assert.Nil(t, m)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, IsInvalidInput(err))
		})
	}
}
