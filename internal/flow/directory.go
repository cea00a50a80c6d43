package flow

import (
	"context"
	"fmt"

	"github.com/BTreeMap/CoachPipe/internal/messaging"
	"github.com/BTreeMap/CoachPipe/internal/store"
)

// ProfileDirectory resolves recipients from stored profiles. Users without a
// profile phone are addressed by their id, which is usually the phone itself.
type ProfileDirectory struct {
	store store.Store
}

var _ messaging.Directory = (*ProfileDirectory)(nil)

// NewProfileDirectory creates a ProfileDirectory.
func NewProfileDirectory(st store.Store) *ProfileDirectory {
	return &ProfileDirectory{store: st}
}

// Recipient implements messaging.Directory.
func (d *ProfileDirectory) Recipient(ctx context.Context, userID string) (string, error) {
	p, err := d.store.GetProfile(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("load profile: %w", err)
	}
	if p != nil && p.Phone != "" {
		return messaging.CanonicalizePhone(p.Phone)
	}
	return messaging.CanonicalizePhone(userID)
}

// UserID maps an inbound phone number back to a user id.
func (d *ProfileDirectory) UserID(ctx context.Context, phone string) (string, error) {
	canonical, err := messaging.CanonicalizePhone(phone)
	if err != nil {
		return "", err
	}
	ids, err := d.store.ListUserIDs(ctx)
	if err != nil {
		return "", err
	}
	for _, id := range ids {
		if id == canonical {
			return id, nil
		}
		p, err := d.store.GetProfile(ctx, id)
		if err != nil {
			return "", err
		}
		if p == nil || p.Phone == "" {
			continue
		}
		if pc, err := messaging.CanonicalizePhone(p.Phone); err == nil && pc == canonical {
			return id, nil
		}
	}
	return canonical, nil
}

// ReplyFunc answers inbound SMS through the chat path.
func (c *Coach) ReplyFunc(dir *ProfileDirectory) messaging.ReplyFunc {
	return func(ctx context.Context, from, body string) (string, error) {
		userID, err := dir.UserID(ctx, from)
		if err != nil {
			return "", err
		}
		reply, err := c.Chat(ctx, userID, body)
		if err != nil {
			return "", err
		}
		return reply.Reply, nil
	}
}
