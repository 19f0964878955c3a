package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/MicahParks/keyfunc"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"tandem/api/internal/activity"
	"tandem/api/internal/app"
	"tandem/api/internal/archive"
	"tandem/api/internal/auth"
	"tandem/api/internal/config"
	"tandem/api/internal/gitrepo"
	"tandem/api/internal/presence"
	"tandem/api/internal/search"
	"tandem/api/internal/session"
	"tandem/api/internal/store"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "tandem",
	Short:        "Collaborative boards and pages API",
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(serveCmd, migrateCmd, reindexCmd, tokenCmd, boardCmd, presenceCmd)
}

// runtime owns every connection opened for a command. Close releases them
// in reverse order.
type runtime struct {
	cfg      config.Config
	db       *sql.DB
	meili    *search.Meili
	presence *presence.Aggregator
	service  *app.Service
	closers  []func()
}

func (r *runtime) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	setupLogging(cfg)
	return cfg, nil
}

func setupLogging(cfg config.Config) {
	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)
	if strings.EqualFold(cfg.LogFormat, "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

// setupTracing installs a tracer provider. Spans are printed only when
// stdout tracing is on; otherwise they are sampled out.
func setupTracing(cfg config.Config) (func(context.Context) error, error) {
	opts := []sdktrace.TracerProviderOption{}
	if cfg.TracesStdout {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("stdout trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	} else {
		opts = append(opts, sdktrace.WithSampler(sdktrace.NeverSample()))
	}
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func openDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	if cfg.UsesMemoryStore() {
		return nil, errors.New("this command needs a postgres DATABASE_URL")
	}
	return store.Open(ctx, cfg.DatabaseURL)
}

// newRuntime builds the service with every backend the config names.
func newRuntime(ctx context.Context) (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	rt := &runtime{cfg: cfg}
	if err := rt.build(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) build(ctx context.Context) error {
	cfg := rt.cfg

	shutdownTracing, err := setupTracing(cfg)
	if err != nil {
		return err
	}
	rt.closers = append(rt.closers, func() { _ = shutdownTracing(context.Background()) })

	var st store.Store
	var fallback search.Searcher
	if cfg.UsesMemoryStore() {
		log.Warn("store.memory: data is lost on exit")
		mem := store.NewMemoryStore()
		st, fallback = mem, search.NewMemorySearcher(mem)
	} else {
		db, err := store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		rt.db = db
		rt.closers = append(rt.closers, func() { _ = db.Close() })
		st, fallback = store.NewPostgresStore(db), search.NewPgFTS(db)
	}

	policy := activity.Policy{AuditedCardFields: cfg.AuditedCardFields, AuditReorders: cfg.AuditReorders}
	activityOpts := []activity.Option{activity.WithMaxLimit(cfg.ActivityLimitMax)}

	var channel presence.Channel = presence.NewMemoryChannel(cfg.PresenceTTL)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		client, err := session.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		rt.closers = append(rt.closers, func() { _ = client.Close() })
		channel = presence.NewRedisChannel(client, cfg.PresenceTTL)
		activityOpts = append(activityOpts, activity.WithMentionTracker(session.NewMentionStore(client, cfg.MentionSessionTTL)))
		log.Info("presence.redis")
	} else {
		activityOpts = append(activityOpts, activity.WithMentionTracker(activity.NewMemoryTracker(cfg.MentionSessionTTL, nil)))
	}
	rt.presence = presence.NewAggregator(channel, cfg.PresenceTTL)

	if strings.TrimSpace(cfg.MeiliURL) != "" {
		rt.meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
		rt.closers = append(rt.closers, rt.meili.Close)
	}

	var jwks *keyfunc.JWKS
	if strings.TrimSpace(cfg.JWKSURL) != "" {
		loaded, err := auth.LoadJWKS(cfg.JWKSURL)
		if err != nil {
			return err
		}
		jwks = loaded
		rt.closers = append(rt.closers, loaded.EndBackground)
	}

	deps := app.Deps{
		Store:    st,
		Verifier: auth.NewVerifier([]byte(cfg.JWTSecret), jwks),
		Presence: rt.presence,
		Search:   search.NewService(rt.meili, fallback),
		Policy:   policy,
		Activity: activityOpts,
	}
	if dir := strings.TrimSpace(cfg.ReposDir); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create repos dir: %w", err)
		}
		deps.Mirror = gitrepo.New(dir)
	}
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		archiver, err := archive.New(ctx, archive.Options{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return err
		}
		deps.Archive = archiver
	}
	rt.service = app.New(deps)
	return nil
}
