// Package activity records the project audit feed: one immutable entry per
// noteworthy mutation, rendered for people to read.
package activity

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"tandem/api/internal/apperr"
	"tandem/api/internal/ordering"
	"tandem/api/internal/rbac"
	"tandem/api/internal/store"
	"tandem/api/internal/util"
)

type Type string

const (
	TypeCardCreate  Type = "card_create"
	TypeCardMove    Type = "card_move"
	TypeCardReorder Type = "card_reorder"
	TypeCardAssign  Type = "card_assign"
	TypeCardEdit    Type = "card_edit"
	TypeMention     Type = "mention"
	TypePageRestore Type = "page_restore"
)

var knownTypes = []Type{
	TypeCardCreate, TypeCardMove, TypeCardReorder, TypeCardAssign, TypeCardEdit,
	TypeMention, TypePageRestore,
}

func (t Type) Valid() bool {
	return slices.Contains(knownTypes, t)
}

// Card fields that can be audited.
const (
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldAssignee    = "assignee"
	FieldDueDate     = "dueDate"
	FieldLabels      = "labels"
)

const DefaultLimit = 50

type Store interface {
	InsertActivity(ctx context.Context, a store.Activity) error
	ListActivities(ctx context.Context, filter store.ActivityFilter) ([]store.Activity, error)
	ListOwnedProjectIDs(ctx context.Context, userID string) ([]string, error)
}

// Policy decides which mutations are worth an entry. Assignee changes and
// cross-column moves are always recorded.
type Policy struct {
	AuditedCardFields []string
	AuditReorders     bool
}

func DefaultPolicy() Policy {
	return Policy{AuditedCardFields: []string{FieldTitle}}
}

func (p Policy) Audits(field string) bool {
	return slices.Contains(p.AuditedCardFields, field)
}

type Entry struct {
	ProjectID string
	ActorID   string
	Type      Type
	Content   string
	Metadata  map[string]any
}

type Recorder struct {
	store    Store
	policy   Policy
	maxLimit int
	mentions MentionTracker
	now      func() time.Time
}

type Option func(*Recorder)

func WithMaxLimit(n int) Option {
	return func(r *Recorder) { r.maxLimit = n }
}

// WithMentionTracker sets where already-recorded mentions are remembered.
// The default keeps them in process memory for 30 minutes.
func WithMentionTracker(t MentionTracker) Option {
	return func(r *Recorder) { r.mentions = t }
}

func WithClock(now func() time.Time) Option {
	return func(r *Recorder) { r.now = now }
}

func New(s Store, policy Policy, opts ...Option) *Recorder {
	r := &Recorder{store: s, policy: policy, maxLimit: 200, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	if r.mentions == nil {
		r.mentions = NewMemoryTracker(30*time.Minute, r.now)
	}
	return r
}

func (r *Recorder) Policy() Policy {
	return r.policy
}

// Record appends an entry on behalf of a caller holding caps for the
// entry's project.
func (r *Recorder) Record(ctx context.Context, caps rbac.Capabilities, entry Entry) (store.Activity, error) {
	if caps.ProjectID != entry.ProjectID {
		return store.Activity{}, apperr.Forbidden("capabilities do not cover this project")
	}
	if err := caps.Require(rbac.ActionActivityWrite); err != nil {
		return store.Activity{}, err
	}
	return r.append(ctx, entry)
}

func (r *Recorder) append(ctx context.Context, entry Entry) (store.Activity, error) {
	switch {
	case strings.TrimSpace(entry.ProjectID) == "":
		return store.Activity{}, apperr.InvalidArgument("PROJECT_REQUIRED", "projectId is required")
	case strings.TrimSpace(entry.ActorID) == "":
		return store.Activity{}, apperr.Unauthenticated("activity requires an actor")
	case !entry.Type.Valid():
		return store.Activity{}, apperr.InvalidArgument("UNKNOWN_ACTIVITY_TYPE", fmt.Sprintf("unknown activity type %q", entry.Type))
	case strings.TrimSpace(entry.Content) == "":
		return store.Activity{}, apperr.InvalidArgument("CONTENT_REQUIRED", "content is required")
	}

	metadata := entry.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	a := store.Activity{
		ID:        util.NewID("act"),
		ProjectID: entry.ProjectID,
		UserID:    entry.ActorID,
		Type:      string(entry.Type),
		Content:   entry.Content,
		Metadata:  metadata,
		CreatedAt: r.now().UTC(),
	}
	if err := r.store.InsertActivity(ctx, a); err != nil {
		return store.Activity{}, fmt.Errorf("insert activity: %w", err)
	}
	log.WithFields(log.Fields{"projectId": a.ProjectID, "type": a.Type, "activityId": a.ID}).Debug("activity.recorded")
	return a, nil
}

// ListProject returns the project's newest entries first.
func (r *Recorder) ListProject(ctx context.Context, caps rbac.Capabilities, limit int) ([]store.Activity, error) {
	if err := caps.Require(rbac.ActionActivityRead); err != nil {
		return nil, err
	}
	return r.store.ListActivities(ctx, store.ActivityFilter{ProjectIDs: []string{caps.ProjectID}, Limit: r.limit(limit)})
}

// ListOwned returns the newest entries across every project userID owns.
func (r *Recorder) ListOwned(ctx context.Context, userID string, limit int) ([]store.Activity, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, apperr.Unauthenticated("activity feed requires an identity")
	}
	ids, err := r.store.ListOwnedProjectIDs(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list owned projects: %w", err)
	}
	if len(ids) == 0 {
		return []store.Activity{}, nil
	}
	return r.store.ListActivities(ctx, store.ActivityFilter{ProjectIDs: ids, Limit: r.limit(limit)})
}

func (r *Recorder) limit(n int) int {
	if n <= 0 {
		n = DefaultLimit
	}
	if r.maxLimit > 0 && n > r.maxLimit {
		n = r.maxLimit
	}
	return n
}

// CardMoved records cross-column moves, and same-column reorders when the
// policy asks for them.
func (r *Recorder) CardMoved(ctx context.Context, ev ordering.MoveEvent) error {
	if ev.From.ID == ev.To.ID {
		if !r.policy.AuditReorders {
			return nil
		}
		_, err := r.append(ctx, Entry{
			ProjectID: ev.ProjectID,
			ActorID:   ev.ActorID,
			Type:      TypeCardReorder,
			Content:   fmt.Sprintf("Reordered %q in %s", ev.Card.Title, ev.To.Title),
			Metadata: map[string]any{
				"cardId":    ev.Card.ID,
				"columnId":  ev.To.ID,
				"fromIndex": ev.FromIndex,
				"toIndex":   ev.ToIndex,
			},
		})
		return err
	}
	_, err := r.append(ctx, Entry{
		ProjectID: ev.ProjectID,
		ActorID:   ev.ActorID,
		Type:      TypeCardMove,
		Content:   fmt.Sprintf("Moved %q from %s to %s", ev.Card.Title, ev.From.Title, ev.To.Title),
		Metadata: map[string]any{
			"cardId":       ev.Card.ID,
			"fromColumnId": ev.From.ID,
			"toColumnId":   ev.To.ID,
		},
	})
	return err
}

func (r *Recorder) CardCreated(ctx context.Context, projectID, actorID string, card store.Card) error {
	_, err := r.append(ctx, Entry{
		ProjectID: projectID,
		ActorID:   actorID,
		Type:      TypeCardCreate,
		Content:   fmt.Sprintf("Created card %q", card.Title),
		Metadata:  map[string]any{"cardId": card.ID, "columnId": card.ColumnID},
	})
	return err
}

// CardUpdated compares before and after. An assignee change is recorded as
// an assignment; every other changed field in the audited set gets its own
// edit entry.
func (r *Recorder) CardUpdated(ctx context.Context, projectID, actorID string, before, after store.Card) error {
	var errs []error
	for _, field := range ChangedFields(before, after) {
		if field == FieldAssignee {
			errs = append(errs, r.assigned(ctx, projectID, actorID, after))
			continue
		}
		if !r.policy.Audits(field) {
			continue
		}
		_, err := r.append(ctx, Entry{
			ProjectID: projectID,
			ActorID:   actorID,
			Type:      TypeCardEdit,
			Content:   fmt.Sprintf("Edited card %q", after.Title),
			Metadata:  map[string]any{"cardId": after.ID, "field": field},
		})
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (r *Recorder) assigned(ctx context.Context, projectID, actorID string, card store.Card) error {
	entry := Entry{
		ProjectID: projectID,
		ActorID:   actorID,
		Type:      TypeCardAssign,
		Metadata:  map[string]any{"cardId": card.ID, "assignee": nil},
	}
	if card.Assignee != nil && *card.Assignee != "" {
		entry.Content = fmt.Sprintf("Assigned %q to %s", card.Title, *card.Assignee)
		entry.Metadata["assignee"] = *card.Assignee
	} else {
		entry.Content = fmt.Sprintf("Unassigned %q", card.Title)
	}
	_, err := r.append(ctx, entry)
	return err
}

// PageRestored records a restore as its own entry so the feed shows where
// the new version came from.
func (r *Recorder) PageRestored(ctx context.Context, projectID, actorID string, page store.Page, fromVersion, toVersion int) error {
	_, err := r.append(ctx, Entry{
		ProjectID: projectID,
		ActorID:   actorID,
		Type:      TypePageRestore,
		Content:   fmt.Sprintf("Restored %q to version %d", page.Title, fromVersion),
		Metadata:  map[string]any{"pageId": page.ID, "fromVersion": fromVersion, "version": toVersion},
	})
	return err
}

// ChangedFields lists the card fields that differ, in a fixed order.
func ChangedFields(before, after store.Card) []string {
	var fields []string
	if before.Title != after.Title {
		fields = append(fields, FieldTitle)
	}
	if before.Description != after.Description {
		fields = append(fields, FieldDescription)
	}
	if deref(before.Assignee) != deref(after.Assignee) {
		fields = append(fields, FieldAssignee)
	}
	if !sameTime(before.DueDate, after.DueDate) {
		fields = append(fields, FieldDueDate)
	}
	if !slices.Equal(before.Labels, after.Labels) {
		fields = append(fields, FieldLabels)
	}
	return fields
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
