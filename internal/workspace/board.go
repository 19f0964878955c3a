package workspace

import (
	"context"

	"tandem/api/internal/ordering"
	"tandem/api/internal/store"
)

// BoardAuthority is the server side of a board session. MoveCard answers
// with the cards of the columns the move touched, in display order.
type BoardAuthority interface {
	Board(ctx context.Context, projectID string) (store.Board, error)
	MoveCard(ctx context.Context, cardID, toColumnID string, toIndex int) ([]store.Card, error)
}

type BoardSession struct {
	*session[store.Board]
	authority BoardAuthority
}

func NewBoardSession(authority BoardAuthority, projectID string) *BoardSession {
	load := func(ctx context.Context) (store.Board, error) {
		return authority.Board(ctx, projectID)
	}
	return &BoardSession{
		session:   newSession("board "+projectID, load, store.Board.Clone),
		authority: authority,
	}
}

// OnChange registers fn to observe every state transition along with the
// board shown at that moment. It runs with the session locked.
func (b *BoardSession) OnChange(fn func(State, store.Board)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onChange = fn
}

// MoveCard shows the move immediately, then replaces the touched columns
// with the authority's ordering. If the answer does not match what the
// session believed, or the move fails, the whole board is re-read.
func (b *BoardSession) MoveCard(ctx context.Context, cardID, toColumnID string, toIndex int) ([]store.Card, error) {
	var fromColumnID string
	return mutate(ctx, b.session, mutation[store.Board, []store.Card]{
		apply: func(view store.Board) (store.Board, error) {
			next, from, err := applyMove(view, cardID, toColumnID, toIndex)
			fromColumnID = from
			return next, err
		},
		send: func(ctx context.Context) ([]store.Card, error) {
			return b.authority.MoveCard(ctx, cardID, toColumnID, toIndex)
		},
		confirm: func(base store.Board, cards []store.Card) (store.Board, bool) {
			return confirmMove(base, cardID, fromColumnID, toColumnID, cards)
		},
	})
}

func applyMove(view store.Board, cardID, toColumnID string, toIndex int) (store.Board, string, error) {
	card, fromLane, ok := view.FindCard(cardID)
	if !ok {
		return view, "", errNotInView("card", cardID)
	}
	toLane := view.Lane(toColumnID)
	if toLane < 0 {
		return view, "", errNotInView("column", toColumnID)
	}
	plan, err := ordering.Move(view.Lanes[fromLane].Cards, view.Lanes[toLane].Cards, card.ID, toColumnID, toIndex)
	if err != nil {
		return view, "", err
	}
	view.Lanes[toLane].Cards = plan.Destination
	if !plan.SameColumn() {
		view.Lanes[fromLane].Cards = plan.Source
	}
	return view, card.ColumnID, nil
}

// confirmMove swaps in the authoritative cards for the source and
// destination columns. It refuses when the moved card is missing from the
// answer or the answer mentions other columns.
func confirmMove(base store.Board, cardID, fromColumnID, toColumnID string, cards []store.Card) (store.Board, bool) {
	byColumn := map[string][]store.Card{fromColumnID: {}, toColumnID: {}}
	found := false
	for _, c := range cards {
		if _, ok := byColumn[c.ColumnID]; !ok {
			return base, false
		}
		if c.ID == cardID {
			found = true
		}
		byColumn[c.ColumnID] = append(byColumn[c.ColumnID], c)
	}
	if !found {
		return base, false
	}
	for columnID, lane := range byColumn {
		i := base.Lane(columnID)
		if i < 0 {
			return base, false
		}
		store.SortCards(lane)
		base.Lanes[i].Cards = lane
	}
	// the card must not linger in a column the answer did not cover
	for _, lane := range base.Lanes {
		if _, covered := byColumn[lane.Column.ID]; covered {
			continue
		}
		for _, c := range lane.Cards {
			if c.ID == cardID {
				return base, false
			}
		}
	}
	return base, true
}
