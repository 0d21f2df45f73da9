package history

import (
	"context"
	"fmt"
	"time"

	"grouprelay/internal/directory"
	"grouprelay/internal/message"

	"golang.org/x/sync/singleflight"
)

const UnknownUser = "Unknown User"

// loadTimeout bounds a shared read, which outlives any single caller.
const loadTimeout = 10 * time.Second

// Entry is one history row as served to clients.
type Entry struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt" example:"2025-07-27T16:05:05Z"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	FileName  string    `json:"fileName,omitempty"`
	FileData  string    `json:"fileData,omitempty"`
} // @name HistoryEntry

// Source lists a room's persisted messages, oldest first.
type Source interface {
	ListByRoom(ctx context.Context, roomID string) ([]message.Message, error)
}

type IHistoryService interface {
	ListMessages(ctx context.Context, roomID string) ([]Entry, error)
}

type historyService struct {
	src   Source
	users directory.Directory
	sf    singleflight.Group
}

var _ IHistoryService = (*historyService)(nil)

func NewHistoryService(src Source, users directory.Directory) IHistoryService {
	return &historyService{src: src, users: users}
}

// ListMessages returns the whole history of roomID with sender names
// resolved. Concurrent calls for the same room share one read; a caller
// that goes away stops waiting without failing the others.
func (svc *historyService) ListMessages(ctx context.Context, roomID string) ([]Entry, error) {
	if roomID == "" {
		return nil, message.ErrInvalidRoom
	}
	ch := svc.sf.DoChan(roomID, func() (interface{}, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		return svc.load(loadCtx, roomID)
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		shared := res.Val.([]Entry)
		return append(make([]Entry, 0, len(shared)), shared...), nil
	}
}

func (svc *historyService) load(ctx context.Context, roomID string) ([]Entry, error) {
	msgs, err := svc.src.ListByRoom(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("list messages of %s: %w", roomID, err)
	}

	ids := make([]string, 0, len(msgs))
	for i := range msgs {
		ids = append(ids, msgs[i].UserID)
	}
	names, err := svc.users.GetUsersByIds(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve users: %w", err)
	}

	out := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		name, ok := names[m.UserID]
		if !ok || name == "" {
			name = UnknownUser
		}
		out = append(out, Entry{
			ID:        m.ID,
			Content:   m.Content,
			CreatedAt: m.CreatedAt,
			UserID:    m.UserID,
			UserName:  name,
			FileName:  m.FileName,
			FileData:  m.FileData,
		})
	}
	return out, nil
}
