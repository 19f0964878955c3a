package app

import (
	"context"
	"strings"
	"unicode/utf8"

	"tandem/api/internal/apperr"
	"tandem/api/internal/presence"
	"tandem/api/internal/rbac"
	"tandem/api/internal/search"
)

// PublishPresence stores the caller's awareness record for a page.
// Selections are measured in characters of the page's plain text.
func (s *Service) PublishPresence(ctx context.Context, sess Session, pageID, connectionID string, sel *presence.Selection) (presence.Record, error) {
	page, caps, err := s.pageCaps(ctx, sess, pageID, rbac.ActionPresencePublish)
	if err != nil {
		return presence.Record{}, err
	}
	if strings.TrimSpace(connectionID) == "" {
		return presence.Record{}, apperr.InvalidArgument("CONNECTION_REQUIRED", "connectionId is required")
	}
	who := presence.Participant{UserID: sess.UserID, DisplayName: sess.Name, Role: string(caps.Role)}
	size := utf8.RuneCountInString(search.PlainText(page.Content))
	return s.presence.Publish(ctx, presence.RoomForPage(page.ID), who, connectionID, sel, size)
}

func (s *Service) LeavePresence(ctx context.Context, sess Session, pageID, connectionID string) error {
	page, _, err := s.pageCaps(ctx, sess, pageID, rbac.ActionPresencePublish)
	if err != nil {
		return err
	}
	return s.presence.Leave(ctx, presence.RoomForPage(page.ID), sess.UserID, connectionID)
}

func (s *Service) Roster(ctx context.Context, sess Session, pageID string) (presence.Roster, error) {
	page, _, err := s.pageCaps(ctx, sess, pageID, rbac.ActionPageRead)
	if err != nil {
		return presence.Roster{}, err
	}
	return s.presence.Roster(ctx, presence.RoomForPage(page.ID))
}

// SubscribePresence streams roster snapshots until ctx ends.
func (s *Service) SubscribePresence(ctx context.Context, sess Session, pageID string) (<-chan presence.Roster, error) {
	page, _, err := s.pageCaps(ctx, sess, pageID, rbac.ActionPageRead)
	if err != nil {
		return nil, err
	}
	return s.presence.Subscribe(ctx, presence.RoomForPage(page.ID))
}
