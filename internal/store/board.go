package store

// Board is a project's columns in order, each with its cards in display
// order.
type Board struct {
	Project Project
	Lanes   []Lane
}

type Lane struct {
	Column Column
	Cards  []Card
}

func BuildBoard(project Project, columns []Column, cards []Card) Board {
	columns = append([]Column(nil), columns...)
	SortColumns(columns)
	byColumn := make(map[string][]Card, len(columns))
	for _, c := range cards {
		byColumn[c.ColumnID] = append(byColumn[c.ColumnID], cloneCard(c))
	}
	b := Board{Project: project, Lanes: make([]Lane, 0, len(columns))}
	for _, col := range columns {
		lane := Lane{Column: col, Cards: byColumn[col.ID]}
		if lane.Cards == nil {
			lane.Cards = []Card{}
		}
		SortCards(lane.Cards)
		b.Lanes = append(b.Lanes, lane)
	}
	return b
}

func (b Board) Clone() Board {
	out := Board{Project: b.Project, Lanes: make([]Lane, len(b.Lanes))}
	for i, lane := range b.Lanes {
		cards := make([]Card, len(lane.Cards))
		for j, c := range lane.Cards {
			cards[j] = cloneCard(c)
		}
		out.Lanes[i] = Lane{Column: lane.Column, Cards: cards}
	}
	return out
}

// Lane returns the index of the lane for columnID, or -1.
func (b Board) Lane(columnID string) int {
	for i, lane := range b.Lanes {
		if lane.Column.ID == columnID {
			return i
		}
	}
	return -1
}

// FindCard returns the card and the index of its lane.
func (b Board) FindCard(cardID string) (Card, int, bool) {
	for i, lane := range b.Lanes {
		for _, c := range lane.Cards {
			if c.ID == cardID {
				return c, i, true
			}
		}
	}
	return Card{}, -1, false
}
