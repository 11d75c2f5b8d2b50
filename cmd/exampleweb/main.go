package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/parkerroan/bouncer"
	"github.com/parkerroan/bouncer/broker"
	"github.com/redis/go-redis/v9"
	"golang.org/x/exp/slog"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	Port          int            `envconfig:"SERVER_PORT" default:"8080"`
	RedisURL      string         `envconfig:"REDIS_URL"` // empty runs without a broker
	Stream        string         `envconfig:"REDIS_STREAM" default:"bouncer"`
	PruneInterval time.Duration  `envconfig:"PRUNE_INTERVAL" default:"1m"`
	Debug         bool           `envconfig:"DEBUG" default:"false"`
	Bouncer       bouncer.Config `envconfig:"BOUNCER"`
	BouncerFile   string         `envconfig:"BOUNCER_FILE"` // JSON, overrides BOUNCER_*
}

func main() {
	if err := loadEnv(".env.local", ".env"); err != nil {
		slog.Error("error loading env file", slog.Any("error", err))
		os.Exit(1)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		slog.Error("error loading config", slog.Any("error", err))
		os.Exit(1)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("exiting", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg Config, logger *slog.Logger) error {
	if cfg.BouncerFile != "" {
		if err := readBouncerFile(cfg.BouncerFile, &cfg.Bouncer); err != nil {
			return fmt.Errorf("bouncer config: %w", err)
		}
	}

	opts, err := cfg.Bouncer.Options(nil)
	if err != nil {
		return fmt.Errorf("bouncer config: %w", err)
	}
	opts = append(opts, bouncer.WithLogger(logger))

	group, err := bouncer.NewGroup(func(key string) {
		logger.Info("coalesced call", slog.String("key", key))
	}, opts...)
	if err != nil {
		return fmt.Errorf("bouncer config: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	// fire publishes through the broker when there is one, so every
	// instance sees the signal, and fires locally otherwise.
	fire := func(ctx context.Context, key string) error {
		group.Fire(key)
		return nil
	}

	if cfg.RedisURL != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
		defer rdb.Close()

		rb := broker.NewRedisBroker(rdb,
			broker.WithStream(cfg.Stream),
			broker.WithLogger(logger),
		)
		g.Go(func() error {
			return rb.Run(ctx, func(msg broker.Message) {
				if msg.Event == broker.SignalFired {
					group.Fire(msg.Key)
				}
			})
		})
		fire = func(ctx context.Context, key string) error {
			return rb.Publish(ctx, broker.Message{Key: key})
		}
		logger.Info("broker enabled", slog.String("id", rb.ID()), slog.String("stream", cfg.Stream))
	}

	r := newRouter(group, fire, logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g.Go(func() error {
		logger.Info("listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		group.CancelAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(cfg.PruneInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := group.Prune(); n > 0 {
					logger.Debug("pruned idle bouncers", slog.Int("count", n))
				}
			case <-ctx.Done():
				return nil
			}
		}
	})

	return g.Wait()
}

func newRouter(group *bouncer.Group, fire func(context.Context, string) error, logger *slog.Logger) *mux.Router {
	r := mux.NewRouter()
	r.Use(accessLog(logger))

	r.HandleFunc("/fire/{key}", func(w http.ResponseWriter, r *http.Request) {
		if err := fire(r.Context(), mux.Vars(r)["key"]); err != nil {
			logger.Error("error firing", slog.Any("error", err))
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}).Methods(http.MethodPost)

	r.HandleFunc("/status/{key}", func(w http.ResponseWriter, r *http.Request) {
		key := mux.Vars(r)["key"]
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"key":    key,
			"active": group.Active(key),
		})
	}).Methods(http.MethodGet)

	// Every request under /touch fires its key on the way through.
	touch := r.PathPrefix("/touch").Subrouter()
	touch.Use(bouncer.HTTPMiddleware(group, func(r *http.Request) string {
		return mux.Vars(r)["key"]
	}))
	touch.HandleFunc("/{key}", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	return r
}

// accessLog logs one record per matched request. Server errors are logged
// at warn level, everything else at debug.
func accessLog(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w}
			next.ServeHTTP(rw, r)

			route := r.URL.Path
			if cur := mux.CurrentRoute(r); cur != nil {
				if tpl, err := cur.GetPathTemplate(); err == nil {
					route = tpl
				}
			}

			level := slog.LevelDebug
			if rw.status() >= http.StatusInternalServerError {
				level = slog.LevelWarn
			}
			logger.Log(r.Context(), level, "request",
				slog.String("method", r.Method),
				slog.String("route", route),
				slog.String("key", mux.Vars(r)["key"]),
				slog.Int("status", rw.status()),
				slog.Int("bytes", rw.bytes),
				slog.Duration("elapsed", time.Since(start)),
			)
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	code  int
	bytes int
}

func (w *responseWriter) WriteHeader(code int) {
	if w.code == 0 {
		w.code = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseWriter) Write(p []byte) (int, error) {
	if w.code == 0 {
		w.code = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.bytes += n
	return n, err
}

func (w *responseWriter) status() int {
	if w.code == 0 {
		return http.StatusOK
	}
	return w.code
}

// loadEnv loads the first of files that exists into the environment.
// Variables that are already set keep their values.
func loadEnv(files ...string) error {
	for _, f := range files {
		err := godotenv.Load(f)
		if err == nil {
			return nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", f, err)
		}
	}
	return nil
}

// readBouncerFile overlays the JSON document at path onto c. Fields the
// document leaves out keep the values read from the environment.
func readBouncerFile(path string, c *bouncer.Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
