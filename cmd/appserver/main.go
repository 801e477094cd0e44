package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/r3e-network/bpmn-graph-engine/internal/app/runtime"
	"github.com/r3e-network/bpmn-graph-engine/internal/platform/database"
	"github.com/r3e-network/bpmn-graph-engine/internal/platform/migrations"
	"github.com/r3e-network/bpmn-graph-engine/pkg/config"
	"github.com/r3e-network/bpmn-graph-engine/pkg/logger"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address (overrides config)")
	dsn := flag.String("dsn", "", "PostgreSQL DSN (overrides config/env; in-memory storage when empty)")
	configPath := flag.String("config", "", "Path to configuration file (JSON or YAML)")
	runMigrations := flag.Bool("migrate", true, "run embedded database migrations on startup (ignored for in-memory)")
	apiTokensFlag := flag.String("api-tokens", "", "comma-separated Control API bearer tokens")
	auditFile := flag.String("audit-file", "", "append-only audit log file (used when no database is configured)")
	flag.Parse()

	var cfg *config.Config
	if trimmed := strings.TrimSpace(*configPath); trimmed != "" {
		loaded, err := loadConfigFile(trimmed)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config %s: %v\n", trimmed, err)
			os.Exit(1)
		}
		cfg = loaded
	} else {
		loaded, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	if trimmed := strings.TrimSpace(*addr); trimmed != "" {
		host, port, err := splitHostPort(trimmed)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid -addr: %v\n", err)
			os.Exit(1)
		}
		cfg.Server.Host = host
		cfg.Server.Port = port
	}
	if tokens := resolveAPITokens(*apiTokensFlag); len(tokens) > 0 {
		cfg.Auth.Tokens = tokens
	}

	log := logger.New(cfg.Logging)

	rootCtx := context.Background()
	dsnVal := resolveDSN(*dsn, cfg)

	var db *sql.DB
	if dsnVal != "" {
		var err error
		db, err = database.Open(rootCtx, dsnVal)
		if err != nil {
			log.Fatalf("connect to postgres: %v", err)
		}
		configurePool(db, cfg)
		if *runMigrations {
			if err := migrations.Apply(rootCtx, db); err != nil {
				log.Fatalf("apply migrations: %v", err)
			}
		}
		defer db.Close()
	}

	application, err := runtime.New(cfg, runtime.Deps{DB: db, AuditFilePath: *auditFile}, log)
	if err != nil {
		log.Fatalf("initialise application: %v", err)
	}

	ctx := context.Background()
	if err := application.Start(ctx); err != nil {
		log.Fatalf("start application: %v", err)
	}
	log.Infof("workflow engine listening on %s:%d", cfg.Server.Host, cfg.Server.Port)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := application.Stop(shutdownCtx); err != nil {
		log.Fatalf("shutdown: %v", err)
	}
}

func configurePool(db *sql.DB, cfg *config.Config) {
	if cfg == nil {
		return
	}
	if cfg.Database.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	}
	if cfg.Database.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	}
	if cfg.Database.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(time.Duration(cfg.Database.ConnMaxLifetime) * time.Second)
	}
}

func loadConfigFile(path string) (*config.Config, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return config.LoadFile(path)
	case ".json":
		return config.LoadConfig(path)
	default:
		if cfg, err := config.LoadFile(path); err == nil {
			return cfg, nil
		}
		return config.LoadConfig(path)
	}
}

func resolveDSN(flagDSN string, cfg *config.Config) string {
	if trimmed := strings.TrimSpace(flagDSN); trimmed != "" {
		return trimmed
	}
	if envDSN := strings.TrimSpace(os.Getenv("DATABASE_URL")); envDSN != "" {
		return envDSN
	}
	if cfg == nil {
		return ""
	}
	if cfg.Database.DSN != "" {
		return strings.TrimSpace(cfg.Database.DSN)
	}
	if cfg.Database.Host != "" && cfg.Database.Name != "" {
		return cfg.Database.ConnectionString()
	}
	return ""
}

func resolveAPITokens(flagTokens string) []string {
	var tokens []string
	tokens = append(tokens, splitTokens(flagTokens)...)
	tokens = append(tokens, splitTokens(os.Getenv("API_TOKENS"))...)
	if token := strings.TrimSpace(os.Getenv("API_TOKEN")); token != "" {
		tokens = append(tokens, token)
	}
	return tokens
}

func splitTokens(value string) []string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	trimmed := make([]string, 0, len(parts))
	for _, part := range parts {
		p := strings.TrimSpace(part)
		if p != "" {
			trimmed = append(trimmed, p)
		}
	}
	return trimmed
}

func splitHostPort(addr string) (string, int, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return "", 0, fmt.Errorf("expected host:port, got %q", addr)
	}
	host := addr[:idx]
	var port int
	if _, err := fmt.Sscanf(addr[idx+1:], "%d", &port); err != nil {
		return "", 0, fmt.Errorf("invalid port in %q: %w", addr, err)
	}
	return host, port, nil
}
