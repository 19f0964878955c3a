package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"tandem/api/internal/app"
	"tandem/api/internal/auth"
	"tandem/api/internal/presence"
	"tandem/api/internal/store"
	"tandem/api/internal/util"
	"tandem/api/internal/workspace"
)

func init() {
	migrateDownCmd.Flags().Int("steps", 1, "number of migrations to revert")
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd, migrateVersionCmd)

	tokenCmd.Flags().String("user", "", "user id to issue the token for")
	tokenCmd.Flags().String("name", "", "display name")
	tokenCmd.Flags().Duration("ttl", 0, "token lifetime (defaults to the configured ttl)")
	_ = tokenCmd.MarkFlagRequired("user")

	for _, cmd := range []*cobra.Command{boardMoveCmd, presenceJoinCmd} {
		cmd.Flags().String("user", "", "user id to act as")
		cmd.Flags().String("name", "", "display name")
		_ = cmd.MarkFlagRequired("user")
	}
	boardMoveCmd.Flags().String("project", "", "project the card belongs to")
	_ = boardMoveCmd.MarkFlagRequired("project")
	boardCmd.AddCommand(boardMoveCmd)
	presenceCmd.AddCommand(presenceJoinCmd)
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func sessionFlags(cmd *cobra.Command) app.Session {
	user, _ := cmd.Flags().GetString("user")
	name, _ := cmd.Flags().GetString("name")
	if name == "" {
		name = user
	}
	return app.Session{UserID: user, Name: name}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		if rt.db != nil {
			if err := store.MigrateUp(rt.db); err != nil {
				return err
			}
		}

		server := app.NewHTTPServer(rt.service, rt.cfg.CORSOrigin)
		errCh := make(chan error, 1)
		go func() {
			log.WithField("addr", rt.cfg.Addr).Info("http.listening")
			errCh <- server.Start(rt.cfg.Addr)
		}()

		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server failed: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("http.shutdown_failed")
		}
		log.Info("http.stopped")
		return nil
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd.Context(), func(rt *runtime) error {
			if err := store.MigrateUp(rt.db); err != nil {
				return err
			}
			fmt.Println("Migrations applied.")
			return nil
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Revert migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		steps, _ := cmd.Flags().GetInt("steps")
		return withDB(cmd.Context(), func(rt *runtime) error {
			if err := store.MigrateDown(rt.db, steps); err != nil {
				return err
			}
			fmt.Printf("Reverted %d migration(s).\n", steps)
			return nil
		})
	},
}

var migrateVersionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show the applied schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withDB(cmd.Context(), func(rt *runtime) error {
			version, dirty, err := store.MigrationVersion(rt.db)
			if err != nil {
				return err
			}
			fmt.Printf("Version: %d (dirty: %t)\n", version, dirty)
			return nil
		})
	},
}

// withDB runs fn with only a database connection open.
func withDB(ctx context.Context, fn func(rt *runtime) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	db, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	return fn(&runtime{cfg: cfg, db: db})
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the search index from the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		pages, cards, err := rt.service.Reindex(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Indexed %d page(s) and %d card(s).\n", pages, cards)
		return nil
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a signed access token for local use",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.JWTSecret == "" {
			return errors.New("no shared secret configured; tokens come from the identity provider")
		}
		sess := sessionFlags(cmd)
		ttl, _ := cmd.Flags().GetDuration("ttl")
		if ttl <= 0 {
			ttl = cfg.TokenTTL
		}
		token, err := auth.IssueToken([]byte(cfg.JWTSecret), auth.Identity{UserID: sess.UserID, Name: sess.Name}, ttl, time.Now())
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

var boardCmd = &cobra.Command{
	Use:   "board",
	Short: "Work with project boards",
}

var boardMoveCmd = &cobra.Command{
	Use:   "move <card-id> <column-id> <index>",
	Short: "Move a card and print the resulting board",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		index, err := strconv.Atoi(args[2])
		if err != nil || index < 0 {
			return fmt.Errorf("index must be a non-negative integer, got %q", args[2])
		}
		projectID, _ := cmd.Flags().GetString("project")

		ctx, stop := signalContext()
		defer stop()
		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		board := workspace.NewBoardSession(rt.service.Authority(sessionFlags(cmd)), projectID)
		board.OnChange(func(state workspace.State, _ store.Board) {
			log.WithField("state", state.String()).Debug("workspace.board")
		})
		if err := board.Open(ctx); err != nil {
			return err
		}
		if _, err := board.MoveCard(ctx, args[0], args[1], index); err != nil {
			return err
		}
		printBoard(board.View())
		return nil
	},
}

func printBoard(b store.Board) {
	fmt.Printf("%s\n", b.Project.Name)
	for _, lane := range b.Lanes {
		fmt.Printf("\n[%s]\n", lane.Column.Title)
		for i, card := range lane.Cards {
			fmt.Printf("  %d. %s (%s)\n", i, card.Title, card.ID)
		}
	}
}

var presenceCmd = &cobra.Command{
	Use:   "presence",
	Short: "Inspect live page presence",
}

var presenceJoinCmd = &cobra.Command{
	Use:   "join <page-id>",
	Short: "Join a page's roster and print it as it changes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()
		rt, err := newRuntime(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		sess := sessionFlags(cmd)
		pageID := args[0]
		rosters, err := rt.service.SubscribePresence(ctx, sess, pageID)
		if err != nil {
			return err
		}

		conn := presence.NewConnection(
			pagePublisher{svc: rt.service, sess: sess, pageID: pageID},
			util.NewID("cli"),
			presence.Participant{UserID: sess.UserID, DisplayName: sess.Name},
			presence.WithHeartbeat(rt.cfg.PresenceHeartbeat),
		)
		if err := conn.Attach(ctx, presence.RoomForPage(pageID), 0); err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = conn.Close(closeCtx)
		}()

		for roster := range rosters {
			fmt.Printf("%s  %d present\n", roster.At.Format(time.TimeOnly), len(roster.Members))
			for _, m := range roster.Members {
				fmt.Printf("  %s  %s (%s)\n", m.Color, m.DisplayName, m.ConnectionID)
			}
		}
		return nil
	},
}

// pagePublisher publishes through the service so the caller's page
// permissions apply. The room argument is always the page's room.
type pagePublisher struct {
	svc    *app.Service
	sess   app.Session
	pageID string
}

func (p pagePublisher) Publish(ctx context.Context, _ string, _ presence.Participant, connectionID string, sel *presence.Selection, _ int) (presence.Record, error) {
	return p.svc.PublishPresence(ctx, p.sess, p.pageID, connectionID, sel)
}

func (p pagePublisher) Leave(ctx context.Context, _, _, connectionID string) error {
	return p.svc.LeavePresence(ctx, p.sess, p.pageID, connectionID)
}
