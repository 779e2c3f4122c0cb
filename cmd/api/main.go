// @title           Task API
// @version         1.0
// @description     Task API with idempotent creation, soft delete and paginated listing.
// @host            localhost:8080
// @BasePath        /api/v1
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bandhu-workshop/db-workshop/internal/app"
	"github.com/bandhu-workshop/db-workshop/internal/config"

	log "github.com/sirupsen/logrus"

	_ "github.com/bandhu-workshop/db-workshop/docs"
)

func main() {
	log.SetFormatter(&log.JSONFormatter{})

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("config")
	}
	log.WithField("env", cfg.App.Env).Info("config loaded, connecting to DB")

	application, err := app.New(cfg)
	if err != nil {
		log.WithError(err).Fatal("app init")
	}

	server := &http.Server{
		Addr:         "0.0.0.0:" + cfg.HTTP.Port,
		Handler:      application.Router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout.Duration(),
		WriteTimeout: cfg.HTTP.WriteTimeout.Duration(),
		IdleTimeout:  cfg.HTTP.IdleTimeout.Duration(),
	}

	go func() {
		log.WithField("addr", server.Addr).Info("HTTP server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("HTTP server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	<-quit
	log.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("server shutdown")
	}
	if err := application.Close(ctx); err != nil {
		log.WithError(err).Error("app close")
	}
}
