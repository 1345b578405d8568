// Package e2e boots a complete stationd instance against a real PostgreSQL
// database and drives it over HTTP.
package e2e

import (
	"context"
	stdsql "database/sql"
	"log/slog"
	"net"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/stationd/stationd/pkg/api"
	"github.com/stationd/stationd/pkg/config"
	"github.com/stationd/stationd/pkg/database"
	"github.com/stationd/stationd/pkg/hooks"
	"github.com/stationd/stationd/pkg/intent"
	"github.com/stationd/stationd/pkg/orchestrator"
	"github.com/stationd/stationd/pkg/plan"
	"github.com/stationd/stationd/pkg/playbook"
	"github.com/stationd/stationd/pkg/queue"
	"github.com/stationd/stationd/pkg/sampling"
	"github.com/stationd/stationd/pkg/steward"
	"github.com/stationd/stationd/pkg/store"
	"github.com/stationd/stationd/pkg/stream"
)

// TestApp is a fully wired stationd instance listening on a random local
// port. Every component is real except the LLM provider, which is scripted.
type TestApp struct {
	Config   *config.Config
	DB       *stdsql.DB
	Store    *store.Postgres
	Provider *ScriptedProvider
	Registry *playbook.Registry
	Runner   *queue.Runner
	Hooks    *hooks.Runner
	Server   *api.Server

	BaseURL string

	t *testing.T
}

type testAppConfig struct {
	cfg         *config.Config
	provider    *ScriptedProvider
	concurrency int
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithConfig sets a custom process configuration.
func WithConfig(cfg *config.Config) TestAppOption {
	return func(c *testAppConfig) { c.cfg = cfg }
}

// WithProvider sets a pre-scripted LLM provider.
func WithProvider(p *ScriptedProvider) TestAppOption {
	return func(c *testAppConfig) { c.provider = p }
}

// WithWorkspaceConcurrency caps concurrent background turns per workspace.
func WithWorkspaceConcurrency(n int) TestAppOption {
	return func(c *testAppConfig) { c.concurrency = n }
}

// NewTestApp assembles and starts a full stationd instance. Shutdown is
// registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{concurrency: 2}
	for _, opt := range opts {
		opt(tc)
	}
	if tc.cfg == nil {
		tc.cfg = defaultTestConfig()
	}
	if tc.provider == nil {
		tc.provider = NewScriptedProvider()
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	// 1. Database, migrated.
	db := newTestDatabase(t)
	st := store.NewPostgres(db)

	// 2. Playbook registry.
	registry, err := playbook.NewRegistry(logger, st, tc.cfg.Playbooks.PacksDir)
	require.NoError(t, err)

	// 3. Hook pipeline.
	gate := sampling.NewGate(logger, tc.cfg.Sampling)
	extractor := intent.NewExtractor(logger, tc.cfg, st, gate, tc.provider, nil)
	stewardSvc := steward.New(logger, tc.cfg, st, tc.provider)
	hookRunner := hooks.NewRunner(logger, tc.cfg, st, extractor, stewardSvc)

	// 4. Orchestrator. The word-based token counter keeps prompt budgeting
	// deterministic and offline.
	pipeline := intent.NewPipeline(logger, tc.cfg, st, registry, tc.provider)
	builder := plan.NewBuilder(logger, tc.cfg, tc.provider)
	executor := stream.NewExecutor(logger, tc.cfg, st, tc.provider).WithTokenCounter(wordCounter{})
	orch := orchestrator.New(logger, tc.cfg, st, registry, pipeline, builder, executor,
		orchestrator.Options{Steward: stewardSvc})

	// 5. Background runner and HTTP server on a random port.
	runner := queue.NewRunner(logger, st, orch, tc.concurrency)
	server := api.NewServer(logger, tc.cfg, st, orch, runner, hookRunner, db)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	httpServer := server.HTTPServer(ln.Addr().String())
	go func() {
		if serveErr := httpServer.Serve(ln); serveErr != nil && serveErr != http.ErrServerClosed {
			t.Logf("http server stopped: %v", serveErr)
		}
	}()

	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := runner.Shutdown(shutdownCtx); err != nil {
			t.Logf("background runner shutdown: %v", err)
		}
		_ = httpServer.Shutdown(shutdownCtx)
	})

	return &TestApp{
		Config:   tc.cfg,
		DB:       db,
		Store:    st,
		Provider: tc.provider,
		Registry: registry,
		Runner:   runner,
		Hooks:    hookRunner,
		Server:   server,
		BaseURL:  "http://" + ln.Addr().String(),
		t:        t,
	}
}

// newTestDatabase provisions a migrated PostgreSQL database. In CI it
// connects to the service container named by CI_DATABASE_URL; locally it
// starts a testcontainer.
func newTestDatabase(t *testing.T) *stdsql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping end-to-end test in short mode")
	}
	ctx := context.Background()

	connStr := os.Getenv("CI_DATABASE_URL")
	if connStr == "" {
		pgContainer, err := postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("stationd_test"),
			postgres.WithUsername("test"),
			postgres.WithPassword("test"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		require.NoError(t, err)
		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(pgContainer); err != nil {
				t.Logf("failed to terminate container: %v", err)
			}
		})

		connStr, err = pgContainer.ConnectionString(ctx, "sslmode=disable")
		require.NoError(t, err)
	}

	db, err := stdsql.Open("pgx", connStr)
	require.NoError(t, err)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, database.RunMigrations(db, "stationd_test"))
	return db
}

// defaultTestConfig is a minimal working configuration. Tests that need a
// different policy pass their own via WithConfig.
func defaultTestConfig() *config.Config {
	return &config.Config{
		ChatModel: "gpt-4o-mini",
		Providers: config.NewProviderRegistry(nil, ""),
		Hooks:     config.HooksConfig{Enabled: config.DefaultEnabledHooks()},
		Sampling:  config.DefaultSamplingConfig(),
		Queue:     config.DefaultQueueConfig(),
	}
}

// wordCounter is a deterministic stand-in for the BPE token counter.
type wordCounter struct{}

func (wordCounter) Count(_, text string) int {
	n := 0
	inWord := false
	for _, r := range text {
		if r == ' ' || r == '\n' || r == '\t' {
			inWord = false
			continue
		}
		if !inWord {
			n++
			inWord = true
		}
	}
	return n
}
