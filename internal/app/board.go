package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"tandem/api/internal/apperr"
	"tandem/api/internal/ordering"
	"tandem/api/internal/rbac"
	"tandem/api/internal/search"
	"tandem/api/internal/store"
	"tandem/api/internal/util"
)

type CardInput struct {
	ColumnID    string     `json:"columnId"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Assignee    *string    `json:"assignee"`
	DueDate     *time.Time `json:"dueDate"`
	Labels      []string   `json:"labels"`
}

// CardPatch changes only the fields that are set. An empty Assignee
// unassigns; ClearDueDate removes the due date.
type CardPatch struct {
	Title        *string    `json:"title"`
	Description  *string    `json:"description"`
	Assignee     *string    `json:"assignee"`
	DueDate      *time.Time `json:"dueDate"`
	ClearDueDate bool       `json:"clearDueDate"`
	Labels       *[]string  `json:"labels"`
}

func (p CardPatch) apply(c store.Card) store.Card {
	if p.Title != nil {
		c.Title = strings.TrimSpace(*p.Title)
	}
	if p.Description != nil {
		c.Description = *p.Description
	}
	if p.Assignee != nil {
		if *p.Assignee == "" {
			c.Assignee = nil
		} else {
			assignee := *p.Assignee
			c.Assignee = &assignee
		}
	}
	if p.ClearDueDate {
		c.DueDate = nil
	} else if p.DueDate != nil {
		due := *p.DueDate
		c.DueDate = &due
	}
	if p.Labels != nil {
		c.Labels = append([]string(nil), (*p.Labels)...)
	}
	return c
}

func (s *Service) Board(ctx context.Context, sess Session, projectID string) (store.Board, error) {
	if _, err := s.capsFor(ctx, sess, projectID, rbac.ActionBoardRead); err != nil {
		return store.Board{}, err
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return store.Board{}, err
	}
	columns, err := s.store.ListColumns(ctx, projectID)
	if err != nil {
		return store.Board{}, err
	}
	cards, err := s.store.ListProjectCards(ctx, projectID)
	if err != nil {
		return store.Board{}, err
	}
	return store.BuildBoard(project, columns, cards), nil
}

func (s *Service) CreateColumn(ctx context.Context, sess Session, projectID, title string) (store.Column, error) {
	if _, err := s.capsFor(ctx, sess, projectID, rbac.ActionBoardWrite); err != nil {
		return store.Column{}, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return store.Column{}, apperr.InvalidArgument("TITLE_REQUIRED", "column title is required")
	}
	col := store.Column{ID: util.NewID("col"), ProjectID: projectID, Title: title, CreatedAt: s.now()}
	err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		max, err := tx.MaxColumnOrder(ctx, projectID)
		if err != nil {
			return err
		}
		col.Order = max + 1
		return tx.InsertColumn(ctx, col)
	})
	if err != nil {
		return store.Column{}, fmt.Errorf("create column: %w", err)
	}
	return col, nil
}

func (s *Service) RenameColumn(ctx context.Context, sess Session, columnID, title string) (store.Column, error) {
	col, err := s.store.GetColumn(ctx, columnID)
	if err != nil {
		return store.Column{}, err
	}
	if _, err := s.capsFor(ctx, sess, col.ProjectID, rbac.ActionBoardWrite); err != nil {
		return store.Column{}, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return store.Column{}, apperr.InvalidArgument("TITLE_REQUIRED", "column title is required")
	}
	if err := s.store.WithinTx(ctx, func(tx store.Tx) error {
		return tx.RenameColumn(ctx, columnID, title)
	}); err != nil {
		return store.Column{}, err
	}
	col.Title = title
	return col, nil
}

// DeleteColumn removes a column and its cards together.
func (s *Service) DeleteColumn(ctx context.Context, sess Session, columnID string) error {
	col, err := s.store.GetColumn(ctx, columnID)
	if err != nil {
		return err
	}
	if _, err := s.capsFor(ctx, sess, col.ProjectID, rbac.ActionBoardWrite); err != nil {
		return err
	}
	var removed []store.Card
	err = s.store.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockColumns(ctx, columnID); err != nil {
			return err
		}
		cards, err := tx.ListColumnCards(ctx, columnID)
		if err != nil {
			return err
		}
		removed = cards
		return tx.DeleteColumn(ctx, columnID)
	})
	if err != nil {
		return fmt.Errorf("delete column: %w", err)
	}
	for _, c := range removed {
		s.search.DeleteCard(c.ID)
	}
	return nil
}

// CreateCard appends a card to the end of its column.
func (s *Service) CreateCard(ctx context.Context, sess Session, in CardInput) (store.Card, error) {
	col, err := s.store.GetColumn(ctx, in.ColumnID)
	if err != nil {
		return store.Card{}, err
	}
	if _, err := s.capsFor(ctx, sess, col.ProjectID, rbac.ActionBoardWrite); err != nil {
		return store.Card{}, err
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return store.Card{}, apperr.InvalidArgument("TITLE_REQUIRED", "card title is required")
	}
	now := s.now()
	card := store.Card{
		ID:          util.NewID("card"),
		ColumnID:    col.ID,
		Title:       title,
		Description: in.Description,
		Assignee:    in.Assignee,
		DueDate:     in.DueDate,
		Labels:      in.Labels,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err = s.store.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockColumns(ctx, col.ID); err != nil {
			return err
		}
		max, err := tx.MaxCardOrder(ctx, col.ID)
		if err != nil {
			return err
		}
		card.Order = max + 1
		return tx.InsertCard(ctx, card)
	})
	if err != nil {
		return store.Card{}, fmt.Errorf("create card: %w", err)
	}

	if err := s.activity.CardCreated(ctx, col.ProjectID, sess.UserID, card); err != nil {
		log.WithError(err).WithField("cardId", card.ID).Warn("activity.record_failed")
	}
	s.search.IndexCard(search.CardRecordOf(col.ProjectID, card))
	return card, nil
}

func (s *Service) UpdateCard(ctx context.Context, sess Session, cardID string, patch CardPatch) (store.Card, error) {
	before, err := s.store.GetCard(ctx, cardID)
	if err != nil {
		return store.Card{}, err
	}
	col, err := s.store.GetColumn(ctx, before.ColumnID)
	if err != nil {
		return store.Card{}, err
	}
	if _, err := s.capsFor(ctx, sess, col.ProjectID, rbac.ActionBoardWrite); err != nil {
		return store.Card{}, err
	}
	after := patch.apply(before)
	if after.Title == "" {
		return store.Card{}, apperr.InvalidArgument("TITLE_REQUIRED", "card title is required")
	}

	err = s.store.WithinTx(ctx, func(tx store.Tx) error {
		locked, err := tx.LockCard(ctx, cardID)
		if err != nil {
			return err
		}
		before = locked
		after = patch.apply(locked)
		after.UpdatedAt = s.now()
		return tx.UpdateCard(ctx, after)
	})
	if err != nil {
		return store.Card{}, fmt.Errorf("update card: %w", err)
	}

	if err := s.activity.CardUpdated(ctx, col.ProjectID, sess.UserID, before, after); err != nil {
		log.WithError(err).WithField("cardId", cardID).Warn("activity.record_failed")
	}
	s.search.IndexCard(search.CardRecordOf(col.ProjectID, after))
	return after, nil
}

// DeleteCard removes a card and closes the gap it leaves in its column.
func (s *Service) DeleteCard(ctx context.Context, sess Session, cardID string) error {
	card, err := s.store.GetCard(ctx, cardID)
	if err != nil {
		return err
	}
	col, err := s.store.GetColumn(ctx, card.ColumnID)
	if err != nil {
		return err
	}
	if _, err := s.capsFor(ctx, sess, col.ProjectID, rbac.ActionBoardWrite); err != nil {
		return err
	}
	// Columns before cards, the same order the ordering engine locks in.
	err = s.store.WithinTx(ctx, func(tx store.Tx) error {
		if _, err := tx.LockColumns(ctx, card.ColumnID); err != nil {
			return err
		}
		locked, err := tx.LockCard(ctx, cardID)
		if err != nil {
			return err
		}
		if locked.ColumnID != card.ColumnID {
			return apperr.Conflict("CARD_MOVED", "card moved concurrently, refetch the board")
		}
		if err := tx.DeleteCard(ctx, cardID); err != nil {
			return err
		}
		return ordering.Compact(ctx, tx, locked.ColumnID)
	})
	if err != nil {
		return fmt.Errorf("delete card: %w", err)
	}
	s.search.DeleteCard(cardID)
	return nil
}

// MoveCard places a card at toIndex in toColumnID through the ordering engine.
func (s *Service) MoveCard(ctx context.Context, sess Session, cardID, toColumnID string, toIndex int) (ordering.MoveResult, error) {
	col, err := s.store.GetColumn(ctx, toColumnID)
	if err != nil {
		return ordering.MoveResult{}, err
	}
	caps, err := s.Caps(ctx, sess, col.ProjectID)
	if err != nil {
		return ordering.MoveResult{}, err
	}
	return s.engine.Move(ctx, ordering.MoveRequest{
		CardID:     cardID,
		ToColumnID: toColumnID,
		ToIndex:    toIndex,
		ActorID:    sess.UserID,
		Caps:       caps,
	})
}
