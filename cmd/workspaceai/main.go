package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	charmLog "github.com/charmbracelet/log"
	"github.com/lox/workspaceai/internal/agent"
	"github.com/lox/workspaceai/internal/orchestrator"
	"github.com/lox/workspaceai/internal/server"
	"github.com/lox/workspaceai/internal/store"
	"github.com/lox/workspaceai/internal/tools"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/oauth2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"tailscale.com/tsnet"
)

const shutdownTimeout = 15 * time.Second

type cliConfig struct {
	HTTPAddr string `name:"http-addr" help:"HTTP listen address." env:"WORKSPACEAI_HTTP_ADDR" default:":8080"`
	DBPath   string `name:"db-path" help:"SQLite database path for messages and Google tokens." env:"WORKSPACEAI_DB_PATH" default:"./workspaceai.db"`

	StoreBackend  string `name:"store-backend" help:"Action request store." env:"WORKSPACEAI_STORE_BACKEND" default:"sqlite" enum:"sqlite,redis"`
	RedisAddr     string `name:"redis-addr" help:"Redis address for the redis store backend." env:"WORKSPACEAI_REDIS_ADDR" default:"127.0.0.1:6379"`
	RedisPassword string `name:"redis-password" help:"Redis password." env:"WORKSPACEAI_REDIS_PASSWORD"`
	RedisDB       int    `name:"redis-db" help:"Redis database number." env:"WORKSPACEAI_REDIS_DB" default:"0"`
	RedisPrefix   string `name:"redis-prefix" help:"Redis key prefix." env:"WORKSPACEAI_REDIS_PREFIX" default:"workspaceai"`

	JWTSecret string `name:"jwt-secret" help:"HS256 secret for bearer tokens and OAuth state." env:"WORKSPACEAI_JWT_SECRET"`

	OracleAPIKey  string `name:"oracle-api-key" help:"API key for the OpenAI-compatible oracle." env:"WORKSPACEAI_ORACLE_API_KEY"`
	OracleBaseURL string `name:"oracle-base-url" help:"Oracle API base URL." env:"WORKSPACEAI_ORACLE_BASE_URL"`
	ModelPrimary  string `name:"model-primary" help:"Primary model ID." env:"WORKSPACEAI_MODEL_PRIMARY" default:"gpt-4o-mini"`
	ModelFallback string `name:"model-fallback" help:"Fallback model ID." env:"WORKSPACEAI_MODEL_FALLBACK"`
	GuidancePath  string `name:"guidance-path" help:"File of extra guidance sent after the built-in system prompt." env:"WORKSPACEAI_GUIDANCE_PATH"`

	ToolBackend        string `name:"tool-backend" help:"Tool implementations." env:"WORKSPACEAI_TOOL_BACKEND" default:"stub" enum:"stub,google"`
	GoogleClientID     string `name:"google-client-id" help:"Google OAuth client ID." env:"WORKSPACEAI_GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `name:"google-client-secret" help:"Google OAuth client secret." env:"WORKSPACEAI_GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL  string `name:"google-redirect-url" help:"Google OAuth redirect URL." env:"WORKSPACEAI_GOOGLE_REDIRECT_URL"`
	GoogleCalendarID   string `name:"google-calendar-id" help:"Calendar that receives created events." env:"WORKSPACEAI_GOOGLE_CALENDAR_ID" default:"primary"`

	RespondRate  float64 `name:"respond-rate" help:"Respond requests per second per owner; 0 disables limiting." env:"WORKSPACEAI_RESPOND_RATE" default:"1"`
	RespondBurst int     `name:"respond-burst" help:"Respond burst per owner." env:"WORKSPACEAI_RESPOND_BURST" default:"5"`

	TailnetHostname string `name:"tailnet-hostname" help:"Also serve on this tailnet hostname." env:"WORKSPACEAI_TAILNET_HOSTNAME"`
	TailnetStateDir string `name:"tailnet-state-dir" help:"tsnet state directory." env:"WORKSPACEAI_TAILNET_STATE_DIR"`

	TraceStdout bool   `name:"trace-stdout" help:"Export OpenTelemetry spans to stdout." env:"WORKSPACEAI_TRACE_STDOUT"`
	LogLevel    string `name:"log-level" help:"Server log level." env:"WORKSPACEAI_LOG_LEVEL" default:"info" enum:"debug,info,warn,error,fatal"`
	LogFormat   string `name:"log-format" help:"Log output format." env:"WORKSPACEAI_LOG_FORMAT" default:"text" enum:"text,json"`
}

func (c cliConfig) googleOAuthConfigured() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != "" && c.GoogleRedirectURL != ""
}

func main() {
	if err := loadDotEnvFile(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "load .env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := parseCLI(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse args: %v\n", err)
		os.Exit(2)
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configure logger: %v\n", err)
		os.Exit(2)
	}
	charmLog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("workspaceai exited", "error", err)
	}
}

func run(ctx context.Context, cfg cliConfig, logger *charmLog.Logger) error {
	if cfg.TraceStdout {
		shutdown, err := installStdoutTracer()
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = shutdown(shutdownCtx)
		}()
	}

	db, err := store.OpenSQLite(ctx, cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	defer db.Close()

	health := []func(context.Context) error{db.Ping}
	var requests store.ActionRequestStore = db
	if cfg.StoreBackend == "redis" {
		rdb, err := store.OpenRedis(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.RedisPrefix)
		if err != nil {
			return fmt.Errorf("open redis: %w", err)
		}
		defer rdb.Close()
		requests = rdb
		health = append(health, rdb.Ping)
	}

	oracle, err := newOracle(cfg, logger)
	if err != nil {
		return err
	}

	var googleOAuth *oauth2.Config
	if cfg.googleOAuthConfigured() {
		googleOAuth = tools.NewGoogleOAuthConfig(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURL)
	}

	registry, err := newRegistry(cfg, googleOAuth, db)
	if err != nil {
		return err
	}

	orch, err := orchestrator.New(orchestrator.Config{
		Planner:  agent.NewPlanner(oracle),
		Tools:    registry,
		Requests: requests,
		Messages: db,
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("init orchestrator: %w", err)
	}

	auth, err := server.NewAuthenticator(cfg.JWTSecret)
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}

	respondRate := rate.Limit(cfg.RespondRate)
	if cfg.RespondRate <= 0 {
		respondRate = -1
	}
	app, err := server.New(server.AppConfig{
		Orchestrator: orch,
		Requests:     requests,
		Messages:     db,
		Auth:         auth,
		Logger:       logger,
		GoogleOAuth:  googleOAuth,
		GoogleTokens: db,
		RespondRate:  respondRate,
		RespondBurst: cfg.RespondBurst,
		Health: func(ctx context.Context) error {
			for _, check := range health {
				if err := check(ctx); err != nil {
					return err
				}
			}
			return nil
		},
	})
	if err != nil {
		return fmt.Errorf("init server: %w", err)
	}

	handler := app.Handler()
	g, gctx := errgroup.WithContext(ctx)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	servers := []*http.Server{httpServer}

	listener, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.HTTPAddr, err)
	}
	g.Go(func() error { return serve(httpServer, listener) })

	if cfg.TailnetHostname != "" {
		ts := &tsnet.Server{
			Hostname: cfg.TailnetHostname,
			Dir:      cfg.TailnetStateDir,
			Logf:     func(format string, args ...any) { logger.Debug(fmt.Sprintf(format, args...), "component", "tsnet") },
		}
		defer ts.Close()
		tsListener, err := ts.Listen("tcp", ":80")
		if err != nil {
			return fmt.Errorf("tailnet listen: %w", err)
		}
		tsServer := &http.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
		servers = append(servers, tsServer)
		g.Go(func() error { return serve(tsServer, tsListener) })
		logger.Info("serving on tailnet", "hostname", cfg.TailnetHostname)
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http shutdown", "error", err)
			}
		}
		return nil
	})

	logger.Info(
		"workspaceai listening",
		"addr", cfg.HTTPAddr,
		"db_path", cfg.DBPath,
		"store_backend", cfg.StoreBackend,
		"tool_backend", cfg.ToolBackend,
		"oracle_enabled", cfg.OracleAPIKey != "",
		"model_primary", cfg.ModelPrimary,
		"google_oauth", googleOAuth != nil,
	)
	return g.Wait()
}

func serve(srv *http.Server, ln net.Listener) error {
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func installStdoutTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	provider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

// newOracle falls back to the offline oracle when no API key is set. A
// configured oracle that fails at runtime is never replaced.
func newOracle(cfg cliConfig, logger *charmLog.Logger) (agent.Oracle, error) {
	if strings.TrimSpace(cfg.OracleAPIKey) == "" {
		logger.Warn("no oracle api key configured; using the offline oracle")
		return agent.NewStaticOracle(), nil
	}
	oracle, err := agent.NewOpenAIOracle(agent.OpenAIOracleConfig{
		APIKey:        cfg.OracleAPIKey,
		BaseURL:       cfg.OracleBaseURL,
		PrimaryModel:  cfg.ModelPrimary,
		FallbackModel: cfg.ModelFallback,
		GuidancePath:  cfg.GuidancePath,
	})
	if err != nil {
		return nil, fmt.Errorf("init oracle: %w", err)
	}
	return oracle, nil
}

func newRegistry(cfg cliConfig, googleOAuth *oauth2.Config, tokens tools.TokenStore) (*tools.Registry, error) {
	if cfg.ToolBackend != "google" {
		return tools.NewStubRegistry(), nil
	}
	if googleOAuth == nil {
		return nil, errors.New("google tool backend requires --google-client-id, --google-client-secret and --google-redirect-url")
	}
	registry, err := tools.NewGoogleRegistry(tools.GoogleConfig{
		Credentials: tools.NewOAuthCredentials(googleOAuth, tokens),
		CalendarID:  cfg.GoogleCalendarID,
	})
	if err != nil {
		return nil, fmt.Errorf("init google tools: %w", err)
	}
	return registry, nil
}

func parseCLI(args []string) (cliConfig, error) {
	var cfg cliConfig

	parser, err := kong.New(
		&cfg,
		kong.Name("workspaceai"),
		kong.Description("Workspace assistant backend"),
		kong.UsageOnError(),
	)
	if err != nil {
		return cliConfig{}, err
	}
	if _, err := parser.Parse(args); err != nil {
		return cliConfig{}, err
	}

	// OPENAI_* is accepted for deployments that predate the oracle flags.
	cfg.OracleAPIKey = firstNonEmpty(cfg.OracleAPIKey, envFirst("OPENAI_API_KEY"))
	cfg.OracleBaseURL = firstNonEmpty(cfg.OracleBaseURL, envFirst("OPENAI_BASE_URL"))

	return cfg, nil
}

func newLogger(levelRaw, formatRaw string) (*charmLog.Logger, error) {
	level, err := charmLog.ParseLevel(strings.TrimSpace(levelRaw))
	if err != nil {
		return nil, err
	}

	formatter := charmLog.TextFormatter
	if strings.EqualFold(strings.TrimSpace(formatRaw), "json") {
		formatter = charmLog.JSONFormatter
	}

	return charmLog.NewWithOptions(os.Stderr, charmLog.Options{
		Prefix:          "workspaceai",
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Formatter:       formatter,
	}), nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}

func envFirst(keys ...string) string {
	for _, key := range keys {
		if value := os.Getenv(key); value != "" {
			return value
		}
	}
	return ""
}

// loadDotEnvFile sets variables from path that are not already set.
func loadDotEnvFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for lineNum := 1; scanner.Scan(); lineNum++ {
		key, value, ok, parseErr := parseDotEnvLine(scanner.Text())
		if parseErr != nil {
			return fmt.Errorf("%s:%d: %w", path, lineNum, parseErr)
		}
		if !ok || os.Getenv(key) != "" {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("set env %s: %w", key, err)
		}
	}
	return scanner.Err()
}

func parseDotEnvLine(line string) (key, value string, ok bool, err error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") {
		return "", "", false, nil
	}
	trimmed = strings.TrimSpace(strings.TrimPrefix(trimmed, "export "))

	key, raw, found := strings.Cut(trimmed, "=")
	if !found {
		return "", "", false, errors.New("invalid .env line")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", "", false, errors.New("empty key in .env line")
	}

	value, err = parseDotEnvValue(strings.TrimSpace(raw))
	if err != nil {
		return "", "", false, err
	}
	return key, value, true, nil
}

func parseDotEnvValue(raw string) (string, error) {
	if len(raw) < 2 {
		return raw, nil
	}
	switch {
	case raw[0] == '"' && raw[len(raw)-1] == '"':
		value, err := strconv.Unquote(raw)
		if err != nil {
			return "", fmt.Errorf("invalid double-quoted value: %w", err)
		}
		return value, nil
	case raw[0] == '\'' && raw[len(raw)-1] == '\'':
		return raw[1 : len(raw)-1], nil
	}
	return raw, nil
}
