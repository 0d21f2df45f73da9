package message

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var (
	ErrInvalidRoom    = errors.New("room id is required")
	ErrInvalidMessage = errors.New("invalid message")
	ErrUserMismatch   = errors.New("user id does not match connection")
)

// Message is immutable once built by New.
type Message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	UserID    string    `json:"userId"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content,omitempty"`
	FileName  string    `json:"fileName,omitempty"`
	FileData  string    `json:"fileData,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Time      string    `json:"time"`
}

func (m *Message) HasFile() bool { return m.FileName != "" && m.FileData != "" }

// SendRequest is the body of a "send-message" frame.
type SendRequest struct {
	ID       string `json:"id"                 validate:"max=128"`
	RoomID   string `json:"roomId"             validate:"required,max=128"`
	UserID   string `json:"userId"             validate:"max=128"`
	Sender   string `json:"sender"             validate:"max=256"`
	Content  string `json:"content,omitempty"  validate:"required_without=FileData"`
	FileName string `json:"fileName,omitempty" validate:"required_with=FileData,max=255"`
	FileData string `json:"fileData,omitempty" validate:"required_with=FileName"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate reports ErrInvalidRoom or a wrapped ErrInvalidMessage.
func (r *SendRequest) Validate() error {
	err := validate.Struct(r)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	fe := fieldErrs[0]
	switch fe.StructField() {
	case "RoomID":
		if fe.Tag() == "required" {
			return ErrInvalidRoom
		}
		return fmt.Errorf("%w: room id too long", ErrInvalidMessage)
	case "Content", "FileData":
		return fmt.Errorf("%w: content or file attachment is required", ErrInvalidMessage)
	case "FileName":
		if fe.Tag() == "required_with" {
			return fmt.Errorf("%w: file name is required with file data", ErrInvalidMessage)
		}
		return fmt.Errorf("%w: file name too long", ErrInvalidMessage)
	default:
		return fmt.Errorf("%w: %s failed %s", ErrInvalidMessage, fe.Field(), fe.Tag())
	}
}

// New validates req on behalf of the connection bound to userID and stamps
// the server creation time.
func New(req SendRequest, userID string, now time.Time) (*Message, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if userID == "" {
		return nil, fmt.Errorf("%w: sender user id is required", ErrInvalidMessage)
	}
	if req.UserID != "" && req.UserID != userID {
		return nil, ErrUserMismatch
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	now = now.UTC()
	return &Message{
		ID:        id,
		RoomID:    req.RoomID,
		UserID:    userID,
		Sender:    req.Sender,
		Content:   req.Content,
		FileName:  req.FileName,
		FileData:  req.FileData,
		CreatedAt: now,
		Time:      now.Format("15:04"),
	}, nil
}

// IsInvalidInput reports whether err belongs to the invalid-input class.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidRoom) ||
		errors.Is(err, ErrInvalidMessage) ||
		errors.Is(err, ErrUserMismatch)
}
