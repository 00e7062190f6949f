package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/BernardOforiBoateng/chat-mrpt-sub016/internal/config"
	"github.com/BernardOforiBoateng/chat-mrpt-sub016/internal/handlers"
	"github.com/BernardOforiBoateng/chat-mrpt-sub016/internal/pkg/logger"
	"github.com/BernardOforiBoateng/chat-mrpt-sub016/internal/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	log.Info("starting conversational analysis service",
		"environment", cfg.Environment,
		"port", cfg.HTTP.Port)

	store, err := services.NewSessionStore(cfg.Redis, cfg.Session, log)
	if err != nil {
		log.WithError(err).Error("session store initialization failed")
		os.Exit(1)
	}

	gemini, err := services.NewGeminiService(cfg.Gemini, log)
	if err != nil {
		log.WithError(err).Error("gemini service initialization failed")
		os.Exit(1)
	}

	analysis := services.NewAnalysisClient(cfg.Analysis, log)
	visualization := services.NewVizClient(cfg.Visualization, log)

	clarification := services.NewClarificationManager(cfg.Router, log)
	intentRouter := services.NewIntentRouter(gemini, cfg.Router, log)
	engine := services.NewWorkflowEngine(analysis, visualization, clarification, log)

	orchestrator := services.NewOrchestrator(
		store, intentRouter, engine, clarification, gemini, gemini, analysis, log)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())

	handler := handlers.NewMessageHandler(orchestrator, log)
	handler.RegisterRoutes(router)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	go func() {
		log.Info("http server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("http server failed")
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("http server shutdown failed")
	}
	if err := orchestrator.Close(); err != nil {
		log.WithError(err).Error("orchestrator shutdown failed")
	}

	log.Info("shutdown complete")
}
