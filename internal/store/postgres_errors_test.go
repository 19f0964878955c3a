package store

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tandem/api/internal/apperr"
)

func TestMapErrTranslatesDriverErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want error
	}{
		{"deadlock", &pgconn.PgError{Code: "40P01"}, apperr.ErrConflict},
		{"serialization", fmt.Errorf("move: %w", &pgconn.PgError{Code: "40001"}), apperr.ErrConflict},
		{"unique", &pgconn.PgError{Code: "23505"}, apperr.ErrConflict},
		{"foreign key", &pgconn.PgError{Code: "23503"}, apperr.ErrNotFound},
		{"no rows", sql.ErrNoRows, apperr.ErrNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := mapErr(tc.err, "card", "card_1")
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}

	deadlock := &pgconn.PgError{Code: "40P01"}
	e, ok := apperr.As(mapErr(deadlock, "", ""))
	require.True(t, ok)
	assert.Equal(t, "RETRY", e.Code)
	assert.True(t, errors.As(e, &deadlock), "driver error stays wrapped")

	assert.Nil(t, mapErr(nil, "", ""))
	plain := errors.New("boom")
	assert.Equal(t, plain, mapErr(plain, "", ""))
}
