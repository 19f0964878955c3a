package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"tandem/api/internal/apperr"
)

// MemoryStore keeps all state in process. Transactions run one at a time on
// a private copy that replaces the committed state only when fn succeeds, so
// readers never observe a half-applied unit of work.
type MemoryStore struct {
	txMu sync.Mutex

	mu    sync.RWMutex
	state *memState

	faultMu sync.Mutex
	faults  map[string]error
}

type memState struct {
	projects   map[string]Project
	members    map[string]map[string]Member
	columns    map[string]Column
	cards      map[string]Card
	pages      map[string]Page
	versions   map[string]PageVersion
	activities []Activity
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			projects: map[string]Project{},
			members:  map[string]map[string]Member{},
			columns:  map[string]Column{},
			cards:    map[string]Card{},
			pages:    map[string]Page{},
			versions: map[string]PageVersion{},
		},
		faults: map[string]error{},
	}
}

// SetFault makes the named operation fail with err until cleared with a nil err.
func (s *MemoryStore) SetFault(op string, err error) {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	if err == nil {
		delete(s.faults, op)
		return
	}
	s.faults[op] = err
}

func (s *MemoryStore) fault(op string) error {
	s.faultMu.Lock()
	defer s.faultMu.Unlock()
	return s.faults[op]
}

func (s *MemoryStore) read() *memState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	if err := s.fault("Ping"); err != nil {
		return apperr.Unavailable("memory store unavailable", err)
	}
	return ctx.Err()
}

func (s *MemoryStore) WithinTx(ctx context.Context, fn func(Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}

	work := s.read().clone()
	if err := fn(&memTx{store: s, state: work}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.state = work
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) InsertActivity(ctx context.Context, a Activity) error {
	return s.WithinTx(ctx, func(tx Tx) error {
		return tx.InsertActivity(ctx, a)
	})
}

func (s *MemoryStore) GetProject(_ context.Context, id string) (Project, error) {
	p, ok := s.read().projects[id]
	if !ok {
		return Project{}, apperr.NotFound("project", id)
	}
	return p, nil
}

func (s *MemoryStore) ListProjectsForUser(_ context.Context, userID string) ([]Project, error) {
	st := s.read()
	out := make([]Project, 0)
	for _, p := range st.projects {
		if p.OwnerID == userID {
			out = append(out, p)
			continue
		}
		if _, ok := st.members[p.ID][userID]; ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) ListOwnedProjectIDs(_ context.Context, userID string) ([]string, error) {
	ids := make([]string, 0)
	for _, p := range s.read().projects {
		if p.OwnerID == userID {
			ids = append(ids, p.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *MemoryStore) GetMember(_ context.Context, projectID, userID string) (Member, error) {
	m, ok := s.read().members[projectID][userID]
	if !ok {
		return Member{}, apperr.NotFound("member", userID)
	}
	return m, nil
}

func (s *MemoryStore) ListMembers(_ context.Context, projectID string) ([]Member, error) {
	out := make([]Member, 0)
	for _, m := range s.read().members[projectID] {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].UserID < out[j].UserID
	})
	return out, nil
}

func (s *MemoryStore) GetColumn(_ context.Context, id string) (Column, error) {
	c, ok := s.read().columns[id]
	if !ok {
		return Column{}, apperr.NotFound("column", id)
	}
	return c, nil
}

func (s *MemoryStore) ListColumns(_ context.Context, projectID string) ([]Column, error) {
	return s.read().projectColumns(projectID), nil
}

func (s *MemoryStore) GetCard(_ context.Context, id string) (Card, error) {
	c, ok := s.read().cards[id]
	if !ok {
		return Card{}, apperr.NotFound("card", id)
	}
	return cloneCard(c), nil
}

func (s *MemoryStore) ListProjectCards(_ context.Context, projectID string) ([]Card, error) {
	if err := s.fault("ListProjectCards"); err != nil {
		return nil, err
	}
	st := s.read()
	out := make([]Card, 0)
	for _, col := range st.projectColumns(projectID) {
		out = append(out, st.columnCards(col.ID)...)
	}
	return out, nil
}

func (s *MemoryStore) GetPage(_ context.Context, id string) (Page, error) {
	if err := s.fault("GetPage"); err != nil {
		return Page{}, err
	}
	p, ok := s.read().pages[id]
	if !ok {
		return Page{}, apperr.NotFound("page", id)
	}
	return p, nil
}

func (s *MemoryStore) ListPages(_ context.Context, projectID string) ([]Page, error) {
	out := make([]Page, 0)
	for _, p := range s.read().pages {
		if p.ProjectID == projectID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) ListVersions(ctx context.Context, pageID string) ([]VersionSummary, error) {
	full, err := s.ListVersionsFull(ctx, pageID)
	if err != nil {
		return nil, err
	}
	out := make([]VersionSummary, 0, len(full))
	for i := len(full) - 1; i >= 0; i-- {
		v := full[i]
		out = append(out, VersionSummary{ID: v.ID, PageID: v.PageID, Version: v.Version, Title: v.Title, CreatedBy: v.CreatedBy, CreatedAt: v.CreatedAt})
	}
	return out, nil
}

func (s *MemoryStore) ListVersionsFull(_ context.Context, pageID string) ([]PageVersion, error) {
	out := make([]PageVersion, 0)
	for _, v := range s.read().versions {
		if v.PageID == pageID {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

func (s *MemoryStore) GetVersion(_ context.Context, id string) (PageVersion, error) {
	v, ok := s.read().versions[id]
	if !ok {
		return PageVersion{}, apperr.NotFound("version", id)
	}
	return v, nil
}

func (s *MemoryStore) ListActivities(_ context.Context, filter ActivityFilter) ([]Activity, error) {
	if len(filter.ProjectIDs) == 0 {
		return []Activity{}, nil
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	scope := make(map[string]bool, len(filter.ProjectIDs))
	for _, id := range filter.ProjectIDs {
		scope[id] = true
	}
	st := s.read()
	out := make([]Activity, 0, limit)
	// activities are stored in append order; walk backwards for newest-first
	for i := len(st.activities) - 1; i >= 0 && len(out) < limit; i-- {
		if scope[st.activities[i].ProjectID] {
			out = append(out, st.activities[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) LoadSearchRecords(_ context.Context) ([]SearchRecord, error) {
	st := s.read()
	out := make([]SearchRecord, 0, len(st.pages)+len(st.cards))
	for _, p := range st.pages {
		out = append(out, SearchRecord{Kind: "page", ID: p.ID, ProjectID: p.ProjectID, PageID: p.ID, Title: p.Title, Body: p.Content})
	}
	for _, c := range st.cards {
		col := st.columns[c.ColumnID]
		out = append(out, SearchRecord{Kind: "card", ID: c.ID, ProjectID: col.ProjectID, Title: c.Title, Body: c.Description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type memTx struct {
	store *MemoryStore
	state *memState
}

func (t *memTx) InsertProject(_ context.Context, p Project) error {
	if _, ok := t.state.projects[p.ID]; ok {
		return apperr.Conflict("DUPLICATE", "project already exists")
	}
	t.state.projects[p.ID] = p
	return nil
}

func (t *memTx) UpsertMember(_ context.Context, m Member) error {
	if _, ok := t.state.projects[m.ProjectID]; !ok {
		return apperr.NotFound("project", m.ProjectID)
	}
	if t.state.members[m.ProjectID] == nil {
		t.state.members[m.ProjectID] = map[string]Member{}
	}
	if existing, ok := t.state.members[m.ProjectID][m.UserID]; ok {
		m.CreatedAt = existing.CreatedAt
	}
	t.state.members[m.ProjectID][m.UserID] = m
	return nil
}

func (t *memTx) DeleteMember(_ context.Context, projectID, userID string) error {
	if _, ok := t.state.members[projectID][userID]; !ok {
		return apperr.NotFound("member", userID)
	}
	delete(t.state.members[projectID], userID)
	return nil
}

func (t *memTx) DeleteProject(_ context.Context, id string) error {
	if err := t.store.fault("DeleteProject"); err != nil {
		return err
	}
	if _, ok := t.state.projects[id]; !ok {
		return apperr.NotFound("project", id)
	}
	for colID, col := range t.state.columns {
		if col.ProjectID != id {
			continue
		}
		t.deleteColumnCards(colID)
		delete(t.state.columns, colID)
	}
	for pageID, p := range t.state.pages {
		if p.ProjectID != id {
			continue
		}
		t.deletePageVersions(pageID)
		delete(t.state.pages, pageID)
	}
	kept := t.state.activities[:0]
	for _, a := range t.state.activities {
		if a.ProjectID != id {
			kept = append(kept, a)
		}
	}
	t.state.activities = kept
	delete(t.state.members, id)
	delete(t.state.projects, id)
	return nil
}

func (t *memTx) LockColumns(_ context.Context, ids ...string) ([]Column, error) {
	unique := uniqueSorted(ids)
	out := make([]Column, 0, len(unique))
	for _, id := range unique {
		c, ok := t.state.columns[id]
		if !ok {
			return nil, apperr.NotFound("column", id)
		}
		out = append(out, c)
	}
	return out, nil
}

func (t *memTx) MaxColumnOrder(_ context.Context, projectID string) (int, error) {
	max := -1
	for _, c := range t.state.columns {
		if c.ProjectID == projectID && c.Order > max {
			max = c.Order
		}
	}
	return max, nil
}

func (t *memTx) InsertColumn(_ context.Context, c Column) error {
	if _, ok := t.state.projects[c.ProjectID]; !ok {
		return apperr.NotFound("project", c.ProjectID)
	}
	t.state.columns[c.ID] = c
	return nil
}

func (t *memTx) RenameColumn(_ context.Context, id, title string) error {
	c, ok := t.state.columns[id]
	if !ok {
		return apperr.NotFound("column", id)
	}
	c.Title = title
	t.state.columns[id] = c
	return nil
}

func (t *memTx) DeleteColumn(_ context.Context, id string) error {
	if err := t.store.fault("DeleteColumn"); err != nil {
		return err
	}
	if _, ok := t.state.columns[id]; !ok {
		return apperr.NotFound("column", id)
	}
	t.deleteColumnCards(id)
	delete(t.state.columns, id)
	return nil
}

func (t *memTx) LockCard(_ context.Context, id string) (Card, error) {
	c, ok := t.state.cards[id]
	if !ok {
		return Card{}, apperr.NotFound("card", id)
	}
	return cloneCard(c), nil
}

func (t *memTx) ListColumnCards(_ context.Context, columnID string) ([]Card, error) {
	return t.state.columnCards(columnID), nil
}

func (t *memTx) MaxCardOrder(_ context.Context, columnID string) (int, error) {
	max := -1
	for _, c := range t.state.cards {
		if c.ColumnID == columnID && c.Order > max {
			max = c.Order
		}
	}
	return max, nil
}

func (t *memTx) InsertCard(_ context.Context, c Card) error {
	if _, ok := t.state.columns[c.ColumnID]; !ok {
		return apperr.NotFound("column", c.ColumnID)
	}
	t.state.cards[c.ID] = cloneCard(c)
	return nil
}

func (t *memTx) UpdateCard(_ context.Context, c Card) error {
	existing, ok := t.state.cards[c.ID]
	if !ok {
		return apperr.NotFound("card", c.ID)
	}
	c.ColumnID = existing.ColumnID
	c.Order = existing.Order
	c.CreatedAt = existing.CreatedAt
	t.state.cards[c.ID] = cloneCard(c)
	return nil
}

func (t *memTx) SetCardPlacement(_ context.Context, cardID, columnID string, order int) error {
	if err := t.store.fault("SetCardPlacement"); err != nil {
		return err
	}
	c, ok := t.state.cards[cardID]
	if !ok {
		return apperr.NotFound("card", cardID)
	}
	c.ColumnID = columnID
	c.Order = order
	t.state.cards[cardID] = c
	return nil
}

func (t *memTx) DeleteCard(_ context.Context, id string) error {
	if _, ok := t.state.cards[id]; !ok {
		return apperr.NotFound("card", id)
	}
	delete(t.state.cards, id)
	return nil
}

func (t *memTx) InsertPage(_ context.Context, p Page) error {
	if _, ok := t.state.projects[p.ProjectID]; !ok {
		return apperr.NotFound("project", p.ProjectID)
	}
	t.state.pages[p.ID] = p
	return nil
}

func (t *memTx) LockPage(_ context.Context, id string) (Page, error) {
	p, ok := t.state.pages[id]
	if !ok {
		return Page{}, apperr.NotFound("page", id)
	}
	return p, nil
}

func (t *memTx) MaxPageVersion(_ context.Context, pageID string) (int, error) {
	max := 0
	for _, v := range t.state.versions {
		if v.PageID == pageID && v.Version > max {
			max = v.Version
		}
	}
	return max, nil
}

func (t *memTx) InsertPageVersion(_ context.Context, v PageVersion) error {
	if err := t.store.fault("InsertPageVersion"); err != nil {
		return err
	}
	if _, ok := t.state.pages[v.PageID]; !ok {
		return apperr.NotFound("page", v.PageID)
	}
	for _, existing := range t.state.versions {
		if existing.PageID == v.PageID && existing.Version == v.Version {
			return apperr.Conflict("DUPLICATE", "version already exists")
		}
	}
	t.state.versions[v.ID] = v
	return nil
}

func (t *memTx) UpdatePageContent(_ context.Context, id, title, content, updatedBy string, version int, at time.Time) error {
	if err := t.store.fault("UpdatePageContent"); err != nil {
		return err
	}
	p, ok := t.state.pages[id]
	if !ok {
		return apperr.NotFound("page", id)
	}
	p.Title = title
	p.Content = content
	p.UpdatedBy = updatedBy
	p.CurrentVersion = version
	p.UpdatedAt = at
	t.state.pages[id] = p
	return nil
}

func (t *memTx) DeletePage(_ context.Context, id string) error {
	if _, ok := t.state.pages[id]; !ok {
		return apperr.NotFound("page", id)
	}
	t.deletePageVersions(id)
	delete(t.state.pages, id)
	return nil
}

func (t *memTx) InsertActivity(_ context.Context, a Activity) error {
	if err := t.store.fault("InsertActivity"); err != nil {
		return err
	}
	if _, ok := t.state.projects[a.ProjectID]; !ok {
		return apperr.NotFound("project", a.ProjectID)
	}
	t.state.activities = append(t.state.activities, a)
	return nil
}

func (t *memTx) deleteColumnCards(columnID string) {
	for id, c := range t.state.cards {
		if c.ColumnID == columnID {
			delete(t.state.cards, id)
		}
	}
}

func (t *memTx) deletePageVersions(pageID string) {
	for id, v := range t.state.versions {
		if v.PageID == pageID {
			delete(t.state.versions, id)
		}
	}
}

func (st *memState) projectColumns(projectID string) []Column {
	out := make([]Column, 0)
	for _, c := range st.columns {
		if c.ProjectID == projectID {
			out = append(out, c)
		}
	}
	SortColumns(out)
	return out
}

func (st *memState) columnCards(columnID string) []Card {
	out := make([]Card, 0)
	for _, c := range st.cards {
		if c.ColumnID == columnID {
			out = append(out, cloneCard(c))
		}
	}
	SortCards(out)
	return out
}

func (st *memState) clone() *memState {
	cp := &memState{
		projects:   make(map[string]Project, len(st.projects)),
		members:    make(map[string]map[string]Member, len(st.members)),
		columns:    make(map[string]Column, len(st.columns)),
		cards:      make(map[string]Card, len(st.cards)),
		pages:      make(map[string]Page, len(st.pages)),
		versions:   make(map[string]PageVersion, len(st.versions)),
		activities: append([]Activity(nil), st.activities...),
	}
	for k, v := range st.projects {
		cp.projects[k] = v
	}
	for k, members := range st.members {
		inner := make(map[string]Member, len(members))
		for uid, m := range members {
			inner[uid] = m
		}
		cp.members[k] = inner
	}
	for k, v := range st.columns {
		cp.columns[k] = v
	}
	for k, v := range st.cards {
		cp.cards[k] = cloneCard(v)
	}
	for k, v := range st.pages {
		cp.pages[k] = v
	}
	for k, v := range st.versions {
		cp.versions[k] = v
	}
	return cp
}

func cloneCard(c Card) Card {
	if c.Labels != nil {
		c.Labels = append([]string(nil), c.Labels...)
	} else {
		c.Labels = []string{}
	}
	if c.Assignee != nil {
		v := *c.Assignee
		c.Assignee = &v
	}
	if c.DueDate != nil {
		v := *c.DueDate
		c.DueDate = &v
	}
	return c
}
