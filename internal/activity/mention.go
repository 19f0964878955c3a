package activity

import (
	"context"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"tandem/api/internal/store"
)

var mentionPattern = regexp.MustCompile(`<span[^>]*data-type="mention"[^>]*data-id="([^"]+)"[^>]*>@([^<]+)</span>`)

type Mention struct {
	UserID string
	Name   string
}

// ExtractMentions returns each mentioned user once, in document order.
func ExtractMentions(content string) []Mention {
	var out []Mention
	seen := map[string]bool{}
	for _, m := range mentionPattern.FindAllStringSubmatch(content, -1) {
		id := html.UnescapeString(m[1])
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, Mention{UserID: id, Name: strings.TrimSpace(html.UnescapeString(m[2]))})
	}
	return out
}

// MentionTracker remembers which users were already mentioned within one
// editing session. Mark reports true only the first time.
type MentionTracker interface {
	Mark(ctx context.Context, session, userID string) (bool, error)
}

type MemoryTracker struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	sessions map[string]*trackedSession
}

type trackedSession struct {
	users   map[string]bool
	expires time.Time
}

func NewMemoryTracker(ttl time.Duration, now func() time.Time) *MemoryTracker {
	if now == nil {
		now = time.Now
	}
	return &MemoryTracker{ttl: ttl, now: now, sessions: map[string]*trackedSession{}}
}

// Mark extends the session on every call, so it expires after ttl of
// inactivity.
func (t *MemoryTracker) Mark(_ context.Context, session, userID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for key, s := range t.sessions {
		if now.After(s.expires) {
			delete(t.sessions, key)
		}
	}
	s, ok := t.sessions[session]
	if !ok {
		s = &trackedSession{users: map[string]bool{}}
		t.sessions[session] = s
	}
	s.expires = now.Add(t.ttl)
	if s.users[userID] {
		return false, nil
	}
	s.users[userID] = true
	return true, nil
}

type MentionInput struct {
	ProjectID string
	PageID    string
	PageTitle string
	ActorID   string
	ActorName string
	// SessionID identifies one continuous edit. Without one, the actor's
	// edits of the page share a session until it expires.
	SessionID string
	Content   string
}

// SessionKey scopes a session to the page and actor so a client cannot
// suppress someone else's mentions by reusing their session id.
func (in MentionInput) SessionKey() string {
	return in.PageID + ":" + in.ActorID + ":" + in.SessionID
}

// RecordMentions appends a mention entry for every user mentioned in the
// content for the first time in this editing session.
func (r *Recorder) RecordMentions(ctx context.Context, in MentionInput) ([]store.Activity, error) {
	mentions := ExtractMentions(in.Content)
	if len(mentions) == 0 {
		return nil, nil
	}
	actor := in.ActorName
	if actor == "" {
		actor = in.ActorID
	}

	var recorded []store.Activity
	var errs []error
	for _, m := range mentions {
		first, err := r.mentions.Mark(ctx, in.SessionKey(), m.UserID)
		if err != nil {
			errs = append(errs, fmt.Errorf("track mention: %w", err))
			continue
		}
		if !first {
			continue
		}
		a, err := r.append(ctx, Entry{
			ProjectID: in.ProjectID,
			ActorID:   in.ActorID,
			Type:      TypeMention,
			Content:   fmt.Sprintf("%s mentioned %s in %q", actor, m.Name, in.PageTitle),
			Metadata: map[string]any{
				"pageId":            in.PageID,
				"pageTitle":         in.PageTitle,
				"mentionedUserId":   m.UserID,
				"mentionedUserName": m.Name,
			},
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		recorded = append(recorded, a)
	}
	if len(recorded) > 0 {
		log.WithFields(log.Fields{"pageId": in.PageID, "count": len(recorded)}).Info("activity.mentions_recorded")
	}
	return recorded, errors.Join(errs...)
}
