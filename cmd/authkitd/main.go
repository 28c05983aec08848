// Command authkitd runs the authorization server as a standalone daemon for
// demos and local development. Production use embeds the authkit package
// directly.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hyphasec/authkit"
	"github.com/hyphasec/authkit/identity"
	"github.com/hyphasec/authkit/identity/static"
	"github.com/hyphasec/authkit/instrumentation"
	"github.com/hyphasec/authkit/storage"
	"github.com/hyphasec/authkit/storage/memory"
	"github.com/hyphasec/authkit/storage/valkey"
)

const (
	envLocal = "local"
	envProd  = "prod"
)

func main() {
	cfg := MustLoad()

	log := setupLogger(cfg.Env)
	slog.SetDefault(log)

	log.Info("starting authkitd",
		slog.String("env", cfg.Env),
		slog.String("listen_addr", cfg.ListenAddr),
		slog.String("issuer", cfg.Issuer),
		slog.String("storage_backend", cfg.Storage.Backend))

	store, err := buildStore(cfg, log)
	if err != nil {
		log.Error("failed to initialize storage", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("failed to close storage", "error", err)
		}
	}()

	srv, err := authkit.NewServer(store, &authkit.Config{
		Issuer:               cfg.Issuer,
		SupportedScopes:      cfg.Scopes,
		AuthorizationCodeTTL: cfg.CodeTTL,
		AccessTokenTTL:       cfg.AccessTTL,
		RefreshTokenTTL:      cfg.RefreshTTL,
		RateLimit: authkit.RateLimitConfig{
			Enabled:           cfg.RateLimit.Enabled,
			RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
			Burst:             cfg.RateLimit.Burst,
		},
		Security: authkit.SecurityConfig{
			MaxClientsPerIP: cfg.Security.MaxClientsPerIP,
			EnableAuditLog:  cfg.Security.EnableAuditLog,
		},
		Logger: log,
	})
	if err != nil {
		log.Error("failed to initialize server", "error", err)
		os.Exit(1)
	}
	defer srv.Close()

	inst, err := instrumentation.New(instrumentation.Config{
		ServiceName: "authkitd",
		Enabled:     cfg.Env == envProd,
	})
	if err != nil {
		log.Error("failed to initialize instrumentation", "error", err)
		os.Exit(1)
	}
	srv.SetInstrumentation(inst)
	if memStore, ok := store.(*memory.Store); ok {
		memStore.SetInstrumentation(inst)
	}

	auth, err := buildAuthenticator(cfg)
	if err != nil {
		log.Error("failed to seed users", "error", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withAuthorizeAuth(srv.Routes(), auth),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("listening", slog.String("addr", cfg.ListenAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	sign := <-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown failed", "error", err)
	}
	if err := inst.Shutdown(shutdownCtx); err != nil {
		log.Warn("instrumentation shutdown failed", "error", err)
	}

	log.Info("authkitd stopped", slog.String("signal", sign.String()))
}

// buildStore selects the storage backend from configuration.
func buildStore(cfg *Config, log *slog.Logger) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case "valkey":
		return valkey.New(valkey.Config{
			Address:   cfg.Storage.Valkey.Address,
			Password:  cfg.Storage.Valkey.Password,
			DB:        cfg.Storage.Valkey.DB,
			KeyPrefix: cfg.Storage.Valkey.KeyPrefix,
			Logger:    log,
		})
	default:
		s := memory.New()
		s.SetLogger(log)
		return s, nil
	}
}

// buildAuthenticator seeds the static demo authenticator from config.
func buildAuthenticator(cfg *Config) (identity.Authenticator, error) {
	auth := static.New()
	for _, u := range cfg.Users {
		err := auth.AddUser(identity.User{
			ID:       u.ID,
			Username: u.Username,
			Email:    u.Email,
			Name:     u.Name,
		}, u.Password)
		if err != nil {
			return nil, err
		}
	}
	return auth, nil
}

// withAuthorizeAuth protects the authorization endpoint with Basic auth
// against the demo authenticator; all other endpoints pass through.
func withAuthorizeAuth(mux *http.ServeMux, auth identity.Authenticator) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == authkit.PathAuthorize {
			identity.BasicAuthMiddleware(auth, mux).ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

func setupLogger(env string) *slog.Logger {
	switch env {
	case envProd:
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
}
