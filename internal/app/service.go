// Package app binds the ordering engine, the version ledger, presence and
// the activity feed to authenticated callers, and serves them over HTTP.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"tandem/api/internal/activity"
	"tandem/api/internal/apperr"
	"tandem/api/internal/archive"
	"tandem/api/internal/auth"
	"tandem/api/internal/export"
	"tandem/api/internal/gitrepo"
	"tandem/api/internal/ledger"
	"tandem/api/internal/ordering"
	"tandem/api/internal/presence"
	"tandem/api/internal/rbac"
	"tandem/api/internal/search"
	"tandem/api/internal/store"
	"tandem/api/internal/util"
)

// Session is the identity a request runs as.
type Session struct {
	UserID string
	Name   string
}

var defaultColumns = []string{"To do", "In progress", "Done"}

type Deps struct {
	Store    store.Store
	Verifier *auth.Verifier
	Presence *presence.Aggregator
	Search   *search.Service
	// Mirror and Archive are optional.
	Mirror   *gitrepo.Mirror
	Archive  archive.Archiver
	Export   *export.Service
	Policy   activity.Policy
	Activity []activity.Option
}

type Service struct {
	store    store.Store
	verifier *auth.Verifier
	engine   *ordering.Engine
	ledger   *ledger.Ledger
	activity *activity.Recorder
	presence *presence.Aggregator
	search   *search.Service
	mirror   *gitrepo.Mirror
	archive  archive.Archiver
	export   *export.Service
	now      func() time.Time
}

func New(d Deps) *Service {
	s := &Service{
		store:    d.Store,
		verifier: d.Verifier,
		presence: d.Presence,
		search:   d.Search,
		mirror:   d.Mirror,
		archive:  d.Archive,
		export:   d.Export,
		now:      func() time.Time { return time.Now().UTC() },
	}
	if s.presence == nil {
		s.presence = presence.NewAggregator(presence.NewMemoryChannel(5*time.Second), 5*time.Second)
	}
	if s.search == nil {
		s.search = search.NewService(nil, search.NewMemorySearcher(d.Store))
	}
	if s.archive == nil {
		s.archive = archive.Noop{}
	}
	if s.export == nil {
		s.export = export.NewService(d.Store)
	}
	s.activity = activity.New(d.Store, d.Policy, d.Activity...)
	s.engine = ordering.NewEngine(d.Store, s.activity)

	observers := []ledger.Observer{s.search}
	if s.mirror != nil {
		observers = append(observers, s.mirror)
	}
	s.ledger = ledger.New(d.Store, observers...)
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// SessionFromToken verifies a bearer token.
func (s *Service) SessionFromToken(token string) (Session, error) {
	if s.verifier == nil {
		return Session{}, apperr.Unauthenticated("authentication is not configured")
	}
	id, err := s.verifier.Verify(token)
	if err != nil {
		return Session{}, err
	}
	return Session{UserID: id.UserID, Name: id.Name}, nil
}

// Caps resolves what the session may do in a project. The project owner is
// always an owner; everyone else needs a membership row.
func (s *Service) Caps(ctx context.Context, sess Session, projectID string) (rbac.Capabilities, error) {
	if sess.UserID == "" {
		return rbac.Capabilities{}, apperr.Unauthenticated("no identity")
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return rbac.Capabilities{}, err
	}
	if project.OwnerID == sess.UserID {
		return rbac.Resolve(projectID, rbac.RoleOwner), nil
	}
	member, err := s.store.GetMember(ctx, projectID, sess.UserID)
	if errors.Is(err, apperr.ErrNotFound) {
		return rbac.Capabilities{}, apperr.Forbidden("not a member of this project")
	}
	if err != nil {
		return rbac.Capabilities{}, err
	}
	return rbac.Resolve(projectID, rbac.Normalize(member.Role)), nil
}

func (s *Service) capsFor(ctx context.Context, sess Session, projectID string, action rbac.Action) (rbac.Capabilities, error) {
	caps, err := s.Caps(ctx, sess, projectID)
	if err != nil {
		return rbac.Capabilities{}, err
	}
	if err := caps.Require(action); err != nil {
		return rbac.Capabilities{}, err
	}
	return caps, nil
}

func (s *Service) CreateProject(ctx context.Context, sess Session, name, description string) (store.Board, error) {
	if sess.UserID == "" {
		return store.Board{}, apperr.Unauthenticated("no identity")
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return store.Board{}, apperr.InvalidArgument("NAME_REQUIRED", "project name is required")
	}
	now := s.now()
	project := store.Project{
		ID:          util.NewID("prj"),
		Name:        name,
		Description: strings.TrimSpace(description),
		OwnerID:     sess.UserID,
		CreatedAt:   now,
	}
	columns := make([]store.Column, len(defaultColumns))
	for i, title := range defaultColumns {
		columns[i] = store.Column{ID: util.NewID("col"), ProjectID: project.ID, Title: title, Order: i, CreatedAt: now}
	}

	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertProject(ctx, project); err != nil {
			return err
		}
		if err := tx.UpsertMember(ctx, store.Member{ProjectID: project.ID, UserID: sess.UserID, Role: string(rbac.RoleOwner), CreatedAt: now}); err != nil {
			return err
		}
		for _, c := range columns {
			if err := tx.InsertColumn(ctx, c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return store.Board{}, fmt.Errorf("create project: %w", err)
	}
	log.WithFields(log.Fields{"projectId": project.ID, "ownerId": sess.UserID}).Info("project.created")
	return store.BuildBoard(project, columns, nil), nil
}

func (s *Service) ListProjects(ctx context.Context, sess Session) ([]store.Project, error) {
	if sess.UserID == "" {
		return nil, apperr.Unauthenticated("no identity")
	}
	return s.store.ListProjectsForUser(ctx, sess.UserID)
}

// DeleteProject archives every page ledger, then removes the project graph
// in one transaction.
func (s *Service) DeleteProject(ctx context.Context, sess Session, projectID string) error {
	if _, err := s.capsFor(ctx, sess, projectID, rbac.ActionProjectAdmin); err != nil {
		return err
	}
	pages, err := s.store.ListPages(ctx, projectID)
	if err != nil {
		return err
	}
	cards, err := s.store.ListProjectCards(ctx, projectID)
	if err != nil {
		return err
	}
	for _, p := range pages {
		s.archivePage(ctx, p.ID, sess.UserID)
	}
	if err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		return tx.DeleteProject(ctx, projectID)
	}); err != nil {
		return fmt.Errorf("delete project: %w", err)
	}

	for _, p := range pages {
		s.forgetPage(ctx, p.ID)
	}
	for _, c := range cards {
		s.search.DeleteCard(c.ID)
	}
	log.WithFields(log.Fields{"projectId": projectID, "pages": len(pages), "cards": len(cards)}).Info("project.deleted")
	return nil
}

func (s *Service) ListMembers(ctx context.Context, sess Session, projectID string) ([]store.Member, error) {
	if _, err := s.capsFor(ctx, sess, projectID, rbac.ActionBoardRead); err != nil {
		return nil, err
	}
	return s.store.ListMembers(ctx, projectID)
}

func (s *Service) AddMember(ctx context.Context, sess Session, projectID, userID, role string) (store.Member, error) {
	if _, err := s.capsFor(ctx, sess, projectID, rbac.ActionProjectAdmin); err != nil {
		return store.Member{}, err
	}
	if strings.TrimSpace(userID) == "" {
		return store.Member{}, apperr.InvalidArgument("USER_REQUIRED", "userId is required")
	}
	if !rbac.Valid(role) {
		return store.Member{}, apperr.InvalidArgument("INVALID_ROLE", fmt.Sprintf("unknown role %q", role))
	}
	m := store.Member{ProjectID: projectID, UserID: userID, Role: role, CreatedAt: s.now()}
	if err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		return tx.UpsertMember(ctx, m)
	}); err != nil {
		return store.Member{}, err
	}
	return m, nil
}

func (s *Service) RemoveMember(ctx context.Context, sess Session, projectID, userID string) error {
	if _, err := s.capsFor(ctx, sess, projectID, rbac.ActionProjectAdmin); err != nil {
		return err
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if project.OwnerID == userID {
		return apperr.InvalidArgument("OWNER_REQUIRED", "the project owner cannot be removed")
	}
	return s.store.WithinTx(ctx, func(tx store.Tx) error {
		return tx.DeleteMember(ctx, projectID, userID)
	})
}

// RecordActivity appends a caller-supplied entry to the project's feed.
func (s *Service) RecordActivity(ctx context.Context, sess Session, projectID string, entry activity.Entry) (store.Activity, error) {
	caps, err := s.Caps(ctx, sess, projectID)
	if err != nil {
		return store.Activity{}, err
	}
	entry.ProjectID = projectID
	entry.ActorID = sess.UserID
	return s.activity.Record(ctx, caps, entry)
}

// ListActivities lists one project's feed, or with an empty projectID the
// feed of every project the caller owns.
func (s *Service) ListActivities(ctx context.Context, sess Session, projectID string, limit int) ([]store.Activity, error) {
	if projectID == "" {
		return s.activity.ListOwned(ctx, sess.UserID, limit)
	}
	caps, err := s.Caps(ctx, sess, projectID)
	if err != nil {
		return nil, err
	}
	return s.activity.ListProject(ctx, caps, limit)
}

// Search runs a query limited to the projects the caller can read.
func (s *Service) Search(ctx context.Context, sess Session, q search.Query, projectID string) (search.Response, error) {
	if sess.UserID == "" {
		return search.Response{}, apperr.Unauthenticated("no identity")
	}
	if projectID != "" {
		if _, err := s.capsFor(ctx, sess, projectID, rbac.ActionPageRead); err != nil {
			return search.Response{}, err
		}
		q.ProjectIDs = []string{projectID}
		return s.search.Search(ctx, q), nil
	}
	projects, err := s.store.ListProjectsForUser(ctx, sess.UserID)
	if err != nil {
		return search.Response{}, err
	}
	q.ProjectIDs = make([]string, 0, len(projects))
	for _, p := range projects {
		q.ProjectIDs = append(q.ProjectIDs, p.ID)
	}
	return s.search.Search(ctx, q), nil
}

// Reindex rebuilds the search index from the store.
func (s *Service) Reindex(ctx context.Context) (int, int, error) {
	return s.search.Reindex(ctx, s.store)
}
