// Package ordering assigns card order keys within and across board columns.
package ordering

import (
	"tandem/api/internal/apperr"
	"tandem/api/internal/store"
)

// Plan is the outcome of applying one move to snapshots of the touched
// columns. Source and Destination are in display order with keys equal to
// their positions; they are the same slice for a reorder within a column.
type Plan struct {
	Card        store.Card
	FromColumn  string
	ToColumn    string
	FromIndex   int
	ToIndex     int
	Source      []store.Card
	Destination []store.Card
	// Changed lists cards whose column or order key differs from the input.
	Changed []store.Card
}

func (p Plan) SameColumn() bool {
	return p.FromColumn == p.ToColumn
}

// Affected returns the destination sequence followed by the source sequence
// when the move crossed columns.
func (p Plan) Affected() []store.Card {
	out := append([]store.Card{}, p.Destination...)
	if !p.SameColumn() {
		out = append(out, p.Source...)
	}
	return out
}

// Move removes cardID from source, inserts it into the destination at index
// clamped to [0, len(destination)] and rekeys the touched sequences by
// position. dest is ignored when toColumn is the card's own column. Applying
// the same move twice leaves the second result without changes.
func Move(source, dest []store.Card, cardID, toColumn string, index int) (Plan, error) {
	src := cloneSorted(source)
	from := -1
	for i, c := range src {
		if c.ID == cardID {
			from = i
			break
		}
	}
	if from < 0 {
		return Plan{}, apperr.NotFound("card", cardID)
	}
	card := src[from]
	fromColumn := card.ColumnID
	original := snapshot(src)

	remaining := append(src[:from:from], src[from+1:]...)

	var target []store.Card
	if toColumn == fromColumn {
		target = remaining
	} else {
		target = cloneSorted(dest)
		for _, c := range target {
			original[c.ID] = placement{column: c.ColumnID, order: c.Order}
		}
	}

	index = clamp(index, 0, len(target))
	card.ColumnID = toColumn
	target = append(target, store.Card{})
	copy(target[index+1:], target[index:])
	target[index] = card

	rekey(target, toColumn)
	plan := Plan{
		FromColumn:  fromColumn,
		ToColumn:    toColumn,
		FromIndex:   from,
		ToIndex:     index,
		Destination: target,
		Source:      target,
	}
	if toColumn != fromColumn {
		rekey(remaining, fromColumn)
		plan.Source = remaining
	}
	plan.Card = target[index]

	for _, c := range plan.Affected() {
		before := original[c.ID]
		if before.column != c.ColumnID || before.order != c.Order {
			plan.Changed = append(plan.Changed, c)
		}
	}
	return plan, nil
}

// Rekey returns cards in display order with keys reassigned 0..n-1.
func Rekey(cards []store.Card) []store.Card {
	out := cloneSorted(cards)
	for i := range out {
		out[i].Order = i
	}
	return out
}

type placement struct {
	column string
	order  int
}

func snapshot(cards []store.Card) map[string]placement {
	out := make(map[string]placement, len(cards))
	for _, c := range cards {
		out[c.ID] = placement{column: c.ColumnID, order: c.Order}
	}
	return out
}

func rekey(cards []store.Card, columnID string) {
	for i := range cards {
		cards[i].ColumnID = columnID
		cards[i].Order = i
	}
}

func cloneSorted(cards []store.Card) []store.Card {
	out := append([]store.Card(nil), cards...)
	store.SortCards(out)
	return out
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
