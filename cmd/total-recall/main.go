package main

import (
	"flag"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/kiro-community/total-recall/internal/api"
	"github.com/kiro-community/total-recall/internal/config"
	"github.com/kiro-community/total-recall/internal/embedding"
	"github.com/kiro-community/total-recall/internal/index"
	"github.com/kiro-community/total-recall/internal/loader"
	"github.com/kiro-community/total-recall/internal/query"
	"github.com/kiro-community/total-recall/internal/recall"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (default: ~/.config/kiro-total-recall/config.yaml)")
	httpAddr := flag.String("http", "", "Serve the HTTP API on this address instead of MCP stdio")
	flag.Parse()

	// Stdout carries the MCP protocol; logs go to stderr.
	logLevel := slog.LevelInfo
	if os.Getenv("LOG_LEVEL") == "debug" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	embedder := embedding.NewHTTPClient(cfg.Embedding.Endpoint, cfg.Embedding.Model)
	corpus := loader.New(cfg, logger)
	idx := index.New(cfg, corpus, embedder, logger)
	engine := query.NewEngine(idx, cfg, logger)

	if *httpAddr != "" {
		router := api.NewRouter(engine, embedder, idx, logger)
		srv := &http.Server{
			Addr:         *httpAddr,
			Handler:      router,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 120 * time.Second,
			IdleTimeout:  120 * time.Second,
		}
		logger.Info("serving http", "addr", *httpAddr)
		if err := srv.ListenAndServe(); err != nil {
			logger.Error("http server error", "error", err)
			os.Exit(1)
		}
		return
	}

	server := recall.NewServer(engine, idx, cfg, logger)
	logger.Info("serving mcp on stdio")
	if err := server.Run(); err != nil {
		logger.Error("mcp server error", "error", err)
		os.Exit(1)
	}
}
