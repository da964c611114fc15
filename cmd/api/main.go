package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/KhizarJamshaidIqbal/epsoldev-backend/internal/auth"
	"github.com/KhizarJamshaidIqbal/epsoldev-backend/internal/config"
	"github.com/KhizarJamshaidIqbal/epsoldev-backend/internal/httpapi"
	"github.com/KhizarJamshaidIqbal/epsoldev-backend/internal/obs"
)

var (
	version = "1.0.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", "", "path to config file (overrides CONFIG_PATH)")
	flag.Parse()

	cfg := config.MustLoad(*configPath)

	obs.Init()
	obs.InitBuildInfo(version, commit)

	db, err := sql.Open("pgx", cfg.DB.DSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	db.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	db.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)

	store := auth.NewPGStore(db)
	authSvc, err := auth.NewService(store, cfg.Auth.JWTSecret,
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithSessionTTL(cfg.Auth.SessionTTL),
	)
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}

	api := httpapi.New(authSvc, httpapi.ReadyProbe{DB: db}, httpapi.Options{
		Version:        version,
		Production:     cfg.IsProduction(),
		AllowedOrigins: cfg.Limits.AllowedOrigins,
		RatePerSecond:  cfg.Limits.RatePerSecond,
		RateBurst:      cfg.Limits.RateBurst,
		BodyMaxBytes:   cfg.Limits.BodyMaxBytes,
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr(),
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	log.Printf("Starting epsoldev-api %s on %s (env=%s)", version, srv.Addr, cfg.Env)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	_ = srv.Shutdown(ctx)
	_ = db.Close()
	log.Println("Stopped")
}
