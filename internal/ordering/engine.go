package ordering

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"tandem/api/internal/apperr"
	"tandem/api/internal/keylock"
	"tandem/api/internal/rbac"
	"tandem/api/internal/store"
)

const tracerName = "tandem/ordering"

// maxPlacementAttempts bounds retries when another instance moved the card
// between the unlocked read and the column locks.
const maxPlacementAttempts = 3

type Store interface {
	store.TxRunner
	GetCard(ctx context.Context, id string) (store.Card, error)
}

type MoveRequest struct {
	CardID     string
	ToColumnID string
	ToIndex    int
	ActorID    string
	Caps       rbac.Capabilities
}

type MoveResult struct {
	Card       store.Card
	FromColumn store.Column
	ToColumn   store.Column
	// Cards holds the destination column then, for cross-column moves, the
	// source column, each in display order.
	Cards   []store.Card
	Changed int
}

func (r MoveResult) SameColumn() bool {
	return r.FromColumn.ID == r.ToColumn.ID
}

// MoveEvent is emitted after a move commits.
type MoveEvent struct {
	ProjectID string
	ActorID   string
	Card      store.Card
	From      store.Column
	To        store.Column
	FromIndex int
	ToIndex   int
}

type Observer interface {
	CardMoved(ctx context.Context, event MoveEvent) error
}

type Engine struct {
	store     Store
	locks     *keylock.Locker
	observers []Observer
}

func NewEngine(s Store, observers ...Observer) *Engine {
	return &Engine{store: s, locks: keylock.New(), observers: observers}
}

// Move places a card at a position in a column. Moves of the same card are
// processed in arrival order; moves of different cards only contend on the
// column row locks held for the duration of the transaction.
func (e *Engine) Move(ctx context.Context, req MoveRequest) (MoveResult, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ordering.Move")
	defer span.End()
	span.SetAttributes(
		attribute.String("card.id", req.CardID),
		attribute.String("column.to", req.ToColumnID),
		attribute.Int("index.requested", req.ToIndex),
	)

	result, err := e.move(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return MoveResult{}, err
	}
	span.SetAttributes(
		attribute.String("column.from", result.FromColumn.ID),
		attribute.Int("cards.changed", result.Changed),
	)
	return result, nil
}

func (e *Engine) move(ctx context.Context, req MoveRequest) (MoveResult, error) {
	if strings.TrimSpace(req.CardID) == "" || strings.TrimSpace(req.ToColumnID) == "" {
		return MoveResult{}, apperr.InvalidArgument("INVALID_MOVE", "cardId and toColumnId are required")
	}
	if err := req.Caps.Require(rbac.ActionBoardWrite); err != nil {
		return MoveResult{}, err
	}

	release, err := e.locks.Acquire(ctx, "card:"+req.CardID)
	if err != nil {
		return MoveResult{}, err
	}
	defer release()

	var result MoveResult
	var plan Plan
	for attempt := 1; ; attempt++ {
		current, err := e.store.GetCard(ctx, req.CardID)
		if err != nil {
			return MoveResult{}, err
		}

		stale := false
		err = e.store.WithinTx(ctx, func(tx store.Tx) error {
			columns, err := tx.LockColumns(ctx, current.ColumnID, req.ToColumnID)
			if err != nil {
				return err
			}
			byID := make(map[string]store.Column, len(columns))
			for _, c := range columns {
				byID[c.ID] = c
			}
			from, to := byID[current.ColumnID], byID[req.ToColumnID]
			if from.ProjectID != req.Caps.ProjectID || to.ProjectID != req.Caps.ProjectID {
				return apperr.Forbidden("column belongs to another project")
			}

			locked, err := tx.LockCard(ctx, req.CardID)
			if err != nil {
				return err
			}
			if locked.ColumnID != current.ColumnID {
				stale = true
				return nil
			}

			source, err := tx.ListColumnCards(ctx, from.ID)
			if err != nil {
				return err
			}
			var dest []store.Card
			if to.ID != from.ID {
				if dest, err = tx.ListColumnCards(ctx, to.ID); err != nil {
					return err
				}
			}

			plan, err = Move(source, dest, req.CardID, to.ID, req.ToIndex)
			if err != nil {
				return err
			}
			for _, c := range plan.Changed {
				if err := tx.SetCardPlacement(ctx, c.ID, c.ColumnID, c.Order); err != nil {
					return err
				}
			}
			result = MoveResult{
				Card:       plan.Card,
				FromColumn: from,
				ToColumn:   to,
				Cards:      plan.Affected(),
				Changed:    len(plan.Changed),
			}
			return nil
		})
		if err != nil {
			return MoveResult{}, err
		}
		if !stale {
			break
		}
		if attempt >= maxPlacementAttempts {
			return MoveResult{}, apperr.Conflict("CARD_MOVED", "card moved concurrently, refetch the board")
		}
	}

	log.WithFields(log.Fields{
		"cardId":  req.CardID,
		"from":    result.FromColumn.ID,
		"to":      result.ToColumn.ID,
		"index":   plan.ToIndex,
		"changed": result.Changed,
	}).Debug("ordering.moved")

	if result.Changed > 0 {
		e.notify(ctx, MoveEvent{
			ProjectID: req.Caps.ProjectID,
			ActorID:   req.ActorID,
			Card:      result.Card,
			From:      result.FromColumn,
			To:        result.ToColumn,
			FromIndex: plan.FromIndex,
			ToIndex:   plan.ToIndex,
		})
	}
	return result, nil
}

// notify runs observers after commit. Their failures are logged; the move
// itself already succeeded.
func (e *Engine) notify(ctx context.Context, event MoveEvent) {
	for _, o := range e.observers {
		if err := o.CardMoved(ctx, event); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"cardId":    event.Card.ID,
				"projectId": event.ProjectID,
			}).Warn("ordering.observer_failed")
		}
	}
}

// Compact rewrites a column's keys to 0..n-1 in display order. Used after a
// card is deleted or created out of band.
func Compact(ctx context.Context, tx store.Tx, columnID string) error {
	cards, err := tx.ListColumnCards(ctx, columnID)
	if err != nil {
		return err
	}
	for i, c := range cards {
		if c.Order == i {
			continue
		}
		if err := tx.SetCardPlacement(ctx, c.ID, columnID, i); err != nil {
			return err
		}
	}
	return nil
}
