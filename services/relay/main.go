package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/phonemesh/internal/config"
	"github.com/phonemesh/internal/handler"
	"github.com/phonemesh/internal/logger"
	"github.com/phonemesh/internal/metrics"
	"github.com/phonemesh/internal/middleware"
	"github.com/phonemesh/internal/ws"
)

func main() {
	logger.SetPrefix("relay")
	logger.Info("starting relay service")
	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)

	hubCtx, hubCancel := context.WithCancel(context.Background())
	hub := ws.NewHub(ws.Limits{
		WriteWait:      time.Duration(cfg.Relay.WSWriteTimeout) * time.Second,
		PongWait:       time.Duration(cfg.Relay.WSPongTimeout) * time.Second,
		MaxMessageSize: int64(cfg.Relay.WSMaxMessageSize),
		SendBufSize:    cfg.Relay.WSSendBufferSize,
		MaxConns:       cfg.Relay.MaxWSConnections,
	})

	var hubWg sync.WaitGroup
	hubWg.Add(1)
	go func() {
		defer hubWg.Done()
		hub.Run(hubCtx)
	}()

	relayH := handler.NewRelayHandler(hub, cfg.CORSAllowedOrigins)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RecoverJSON)
	r.Use(middleware.RequestLog)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK); w.Write([]byte("ok")) })
	r.Handle("/metrics", metrics.Handler())
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireClientID)
		r.Use(middleware.RateLimit(cfg.Relay.ConnectsPerMinute, time.Minute))
		r.Get("/ws", relayH.ServeWS)
	})

	// Таймауты чтения/записи сервера не ставим: соединения relay долгоживущие.
	srv := &http.Server{
		Addr:        cfg.Relay.Addr,
		Handler:     r,
		IdleTimeout: cfg.IdleTimeout,
	}

	var srvWg sync.WaitGroup
	errCh := make(chan error, 1)
	srvWg.Add(1)
	go func() {
		defer srvWg.Done()
		logger.Infof("relay listening on %s", cfg.Relay.Addr)
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("server error: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("server shutdown: %v", err)
	}
	hubCancel()
	hubWg.Wait()
	logger.Info("hub stopped")
	srvWg.Wait()
}
