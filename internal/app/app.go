package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"librarybot/internal/bot"
	"librarybot/internal/config"
	"librarybot/internal/events"
	"librarybot/internal/logging"
	"librarybot/internal/notify"
	"librarybot/internal/seed"
	"librarybot/internal/session"
	"librarybot/internal/storage"
	"librarybot/internal/storage/ch"
	"librarybot/internal/storage/jsonfile"
	mongostore "librarybot/internal/storage/mongo"
	"librarybot/internal/storage/pg"
	"librarybot/internal/storage/sqlite"
	"librarybot/internal/storage/stubs"
	"librarybot/internal/workflow"
)

// App represents the application
type App struct {
	config    *config.Config
	logger    *zap.Logger
	db        storage.Storage
	sessions  session.Store
	sweeper   *session.MemoryStore
	redis     *redis.Client
	publisher events.Publisher
	api       bot.Poller
	bot       *bot.Bot
	server    *http.Server
}

// New creates and initializes a new application instance
func New(ctx context.Context) (*App, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return nil, err
	}

	app := &App{config: cfg, logger: logger}
	logger.Info("Starting Library Bot", zap.String("storage", cfg.StorageBackend))

	if err := app.initDatabase(ctx); err != nil {
		app.Close()
		return nil, err
	}
	if err := app.initSessions(ctx); err != nil {
		app.Close()
		return nil, err
	}
	if err := app.initEvents(); err != nil {
		app.Close()
		return nil, err
	}
	if err := app.initBot(); err != nil {
		app.Close()
		return nil, err
	}
	app.initHTTPServer()

	return app, nil
}

// OpenStorage connects to the configured backend and prepares its schema
func OpenStorage(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.Storage, error) {
	var db storage.Storage
	switch cfg.StorageBackend {
	case config.BackendMemory:
		logger.Warn("Using in-memory storage, data is lost on restart")
		db = stubs.NewMockDB()
	case config.BackendJSONFile:
		store, err := jsonfile.New(cfg.DataDir, logger)
		if err != nil {
			return nil, err
		}
		db = store
	case config.BackendSQLite:
		store, err := sqlite.NewSQLiteDB(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open SQLite: %w", err)
		}
		db = store
	case config.BackendPostgres:
		store, err := pg.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
		}
		db = store
	case config.BackendClickHouse:
		logger.Info("Connecting to ClickHouse",
			zap.String("host", cfg.ClickHouseHost),
			zap.Int("port", cfg.ClickHousePort),
			zap.String("database", cfg.ClickHouseDatabase),
			zap.String("user", cfg.ClickHouseUser),
			zap.Bool("tls", cfg.ClickHouseUseTLS),
		)
		store, err := ch.NewClickHouseDB(
			cfg.ClickHouseHost,
			cfg.ClickHousePort,
			cfg.ClickHouseDatabase,
			cfg.ClickHouseUser,
			cfg.ClickHousePassword,
			cfg.ClickHouseUseTLS,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
		}
		db = store
	case config.BackendMongo:
		store, err := mongostore.Connect(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
		}
		db = store
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}

	if err := db.Initialize(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return db, nil
}

// initDatabase opens storage and applies the optional catalog seed
func (a *App) initDatabase(ctx context.Context) error {
	db, err := OpenStorage(ctx, a.config, a.logger)
	if err != nil {
		return err
	}
	a.db = db
	a.logger.Info("Database initialized successfully")

	if a.config.SeedCatalogFile != "" {
		if _, err := seed.LoadFile(ctx, db, a.config.SeedCatalogFile, a.logger); err != nil {
			return fmt.Errorf("failed to seed catalog: %w", err)
		}
	}
	return nil
}

func (a *App) initSessions(ctx context.Context) error {
	ttl := a.config.SessionTTL()
	if a.config.RedisAddr == "" {
		a.sweeper = session.NewMemoryStore(ttl, a.logger)
		a.sessions = a.sweeper
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     a.config.RedisAddr,
		Password: a.config.RedisPassword,
		DB:       a.config.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	a.logger.Info("Session state stored in Redis", zap.String("addr", a.config.RedisAddr))
	a.redis = client
	a.sessions = session.NewRedisStore(client, ttl)
	return nil
}

func (a *App) initEvents() error {
	if a.config.NATSURL == "" {
		a.publisher = events.Nop{}
		return nil
	}
	publisher, err := events.NewNATSPublisher(a.config.NATSURL, a.logger)
	if err != nil {
		return err
	}
	a.logger.Info("Publishing events to NATS", zap.String("url", a.config.NATSURL))
	a.publisher = publisher
	return nil
}

// initBot initializes the Telegram bot and the workflow behind it
func (a *App) initBot() error {
	api, err := bot.NewAPI(a.config.TelegramToken, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	a.api = api

	relay := notify.NewRelay(bot.NewSender(api), a.logger)
	engine := workflow.NewEngine(a.db, a.sessions, relay, a.publisher, workflow.Config{
		LibrarianChatID:   a.config.LibrarianChatID,
		DefaultPickupTime: a.config.DefaultPickupTime,
		PhonePattern:      regexp.MustCompile(a.config.PhonePattern),
	}, a.logger)

	a.bot = bot.NewBot(api, engine, relay, a.logger)
	a.logger.Info("Bot created successfully", zap.Int64("librarian_chat_id", a.config.LibrarianChatID))
	return nil
}

// initHTTPServer initializes the HTTP server for health checks, webhook and the Mini App API
func (a *App) initHTTPServer() {
	a.server = &http.Server{
		Addr:         ":" + a.config.Port,
		Handler:      a.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

func (a *App) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "OK")
	})
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		mode := "polling"
		if a.config.WebhookMode {
			mode = "webhook"
		}
		fmt.Fprintf(w, "Library Bot is running (mode: %s)", mode)
	})
	if a.config.WebhookMode {
		r.Post("/telegram-webhook", a.bot.WebhookHandler())
	}

	bot.NewHTTPServer(a.db, a.config.TelegramToken, a.config.WebhookMode, a.logger).RegisterRoutes(r)
	return r
}

// Run starts every component and blocks until ctx is canceled or one of them fails
func (a *App) Run(ctx context.Context) error {
	if a.config.WebhookMode {
		if err := a.bot.StartWebhook(a.config.WebhookURL); err != nil {
			return fmt.Errorf("failed to setup webhook: %w", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.bot.Run(ctx) })

	if !a.config.WebhookMode {
		g.Go(func() error { return a.bot.StartPolling(ctx, a.api) })
	}

	if a.sweeper != nil {
		g.Go(func() error {
			a.sweeper.Run(ctx)
			return nil
		})
	}

	g.Go(func() error {
		a.logger.Info("Starting HTTP server", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		a.logger.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	a.Close()
	return err
}

// Close releases connections. It is safe on a partially built App.
func (a *App) Close() {
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("Error closing event publisher", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("Error closing Redis", zap.Error(err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("Error closing database", zap.Error(err))
		}
	}
	a.logger.Info("Shutdown complete")
	_ = a.logger.Sync()
}
