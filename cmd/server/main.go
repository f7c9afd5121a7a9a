// Command server wires the Automation Runtime's components (C1-C8) into a
// running MCP server: engine adapter, browser pool, session registry,
// perception engine, action executor, offline planner, workflow runner, and
// coordinator, all fronted by internal/driver's MCP transport.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"browserrunner/internal/config"
	"browserrunner/internal/coordinator"
	"browserrunner/internal/driver"
	"browserrunner/internal/engine"
	"browserrunner/internal/engine/rodengine"
	"browserrunner/internal/logging"
	"browserrunner/internal/mangle"
	"browserrunner/internal/perception"
	"browserrunner/internal/planner"
	"browserrunner/internal/pool"
	"browserrunner/internal/recorder"
	"browserrunner/internal/session"

	actionpkg "browserrunner/internal/action"
)

func main() {
	configPath := flag.String("config", "", "Path to the runner config file (overrides workspace config)")
	ssePort := flag.Int("sse-port", 0, "Optional SSE port override (falls back to config)")
	noWorkspace := flag.Bool("no-workspace", false, "Disable .browserrunner/ workspace discovery")
	workspaceDir := flag.String("workspace-dir", "", "Explicit workspace root (skip walk-up discovery)")
	initWorkspace := flag.Bool("init-workspace", false, "Create .browserrunner/ template in current directory and exit")
	flag.Parse()

	if *initWorkspace {
		root := "."
		if *workspaceDir != "" {
			root = *workspaceDir
		}
		if err := config.InitWorkspace(root); err != nil {
			log.Fatalf("failed to initialize workspace: %v", err)
		}
		log.Printf("created .browserrunner/ workspace in %s", root)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	opts := config.WorkspaceOptions{
		Disable:     *noWorkspace,
		ExplicitDir: *workspaceDir,
	}

	cfg, wsDir, err := config.LoadWithWorkspace(*configPath, opts)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *ssePort != 0 {
		cfg.MCP.SSEPort = *ssePort
	}

	// The MCP stdio transport owns stdout; every log sink must be stderr or
	// a file, never stdout.
	logger, flush, err := logging.New(logging.Options{
		LogFile: cfg.Server.LogFile,
		Debug:   cfg.Server.Debug,
	})
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer flush()

	if wsDir != "" {
		logger.Info("using workspace config", zap.String("dir", wsDir))
	}

	rt, cleanup, err := newRuntime(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialize runtime", zap.Error(err))
	}
	defer cleanup()

	var startErr error
	if cfg.MCP.SSEPort > 0 {
		logger.Info("starting MCP SSE server", zap.Int("port", cfg.MCP.SSEPort))
		startErr = rt.server.StartSSE(ctx, cfg.MCP.SSEPort)
	} else {
		logger.Info("starting MCP stdio server")
		startErr = rt.server.Start(ctx)
	}

	if startErr != nil && !errors.Is(startErr, context.Canceled) {
		logger.Fatal("server exited with error", zap.Error(startErr))
	}
}

// runtime holds the wired-up components a built server needs to keep
// running; newRuntime is the single place that assembles C1-C8 plus the MCP
// transport, so tests can exercise the wiring without going through main().
type runtime struct {
	server   *driver.Server
	pool     *pool.Pool
	sessions *session.Registry
}

// newRuntime builds every Automation Runtime component per cfg and returns
// the assembled driver.Server along with a cleanup function that stops
// background sweepers and closes the pool. It never blocks on an actual
// browser launch unless cfg.Browser.AutoStart is set.
func newRuntime(ctx context.Context, cfg config.Config, logger *zap.Logger) (*runtime, func(), error) {
	mangleEngine, err := mangle.NewEngine(cfg.Mangle)
	if err != nil {
		return nil, nil, err
	}

	rec, err := recorder.NewRecorder("")
	if err != nil {
		return nil, nil, err
	}

	eng := newLazyEngine(cfg.Browser)
	if cfg.Browser.AutoStart {
		if _, err := eng.ensure(ctx); err != nil {
			return nil, nil, err
		}
	} else {
		logger.Info("browser auto-start disabled; first session bind launches Chrome lazily")
	}

	browserPool := pool.New(pool.Config{
		MaxSize:        cfg.Pool.GetMaxSize(),
		IdleTimeout:    cfg.Pool.GetIdleTimeout(),
		MaxLifetime:    cfg.Pool.GetMaxLifetime(),
		MaxUses:        cfg.Pool.GetMaxUses(),
		AcquireTimeout: cfg.Pool.GetAcquireTimeout(),
		SweepInterval:  cfg.Pool.GetSweepInterval(),
		Headless:       cfg.Browser.IsHeadless(),
		BinPath:        cfg.Browser.Launch,
		ControlURL:     cfg.Browser.DebuggerURL,
		ViewportWidth:  cfg.Browser.GetViewportWidth(),
		ViewportHeight: cfg.Browser.GetViewportHeight(),
	}, eng, logger)
	browserPool.StartSweeper(ctx)

	sessions := session.New(browserPool, cfg.Session.GetTTL(), logger)
	sessions.StartTTLSweeper(ctx, cfg.Session.GetTTL()/2)

	perceptionEngine := perception.New(eng)
	executor := actionpkg.New(eng)
	offlinePlanner := planner.NewOffline()

	coord := coordinator.New(sessions, eng, perceptionEngine, executor, offlinePlanner, nil, mangleEngine, rec, logger, coordinator.Config{
		ConfidenceThreshold: cfg.Planner.GetConfidenceThreshold(),
		DefaultTier:         perception.Tier(cfg.Perception.GetDefaultTier()),
		TierBudget:          cfg.Perception.BudgetFor,
	})

	srv := driver.NewServer(cfg, coord, sessions, browserPool)

	cleanup := func() {
		sessions.StopSweeper()
		_ = browserPool.Close(context.Background())
		eng.shutdown()
	}
	return &runtime{server: srv, pool: browserPool, sessions: sessions}, cleanup, nil
}

// lazyEngine defers launching the Chrome process until it is first needed
// (honouring cfg.Browser.AutoStart=false), while satisfying both
// pool.PoolEngine and the full engine.Engine interface for the rest of the
// runtime's lifetime. Every method other than Open only ever runs against a
// handle minted by Open, so by the time they fire the underlying engine is
// already started.
type lazyEngine struct {
	cfg config.BrowserConfig

	mu  sync.Mutex
	eng *rodengine.Engine
	err error
}

func newLazyEngine(cfg config.BrowserConfig) *lazyEngine {
	return &lazyEngine{cfg: cfg}
}

var errEngineNotStarted = errors.New("browser engine not started")

func (l *lazyEngine) ensure(ctx context.Context) (*rodengine.Engine, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.eng != nil || l.err != nil {
		return l.eng, l.err
	}
	l.eng, l.err = rodengine.New(ctx, engine.OpenConfig{
		Headless:       l.cfg.IsHeadless(),
		BinPath:        l.cfg.Launch,
		ControlURL:     l.cfg.DebuggerURL,
		ViewportWidth:  l.cfg.GetViewportWidth(),
		ViewportHeight: l.cfg.GetViewportHeight(),
	})
	return l.eng, l.err
}

// shutdown terminates the underlying Chrome process if one was ever
// launched. Safe to call when the engine never started.
func (l *lazyEngine) shutdown() {
	l.mu.Lock()
	e := l.eng
	l.mu.Unlock()
	if e == nil {
		return
	}
	_ = e.Shutdown()
}

func (l *lazyEngine) started() (*rodengine.Engine, error) {
	l.mu.Lock()
	e := l.eng
	l.mu.Unlock()
	if e == nil {
		return nil, errEngineNotStarted
	}
	return e, nil
}

func (l *lazyEngine) Open(ctx context.Context, cfg engine.OpenConfig) (engine.Handle, error) {
	e, err := l.ensure(ctx)
	if err != nil {
		return nil, err
	}
	return e.Open(ctx, cfg)
}

func (l *lazyEngine) Close(ctx context.Context, h engine.Handle) error {
	e, err := l.started()
	if err != nil {
		return nil
	}
	return e.Close(ctx, h)
}

func (l *lazyEngine) Ping(ctx context.Context, h engine.Handle) error {
	e, err := l.started()
	if err != nil {
		return err
	}
	return e.Ping(ctx, h)
}

func (l *lazyEngine) Goto(ctx context.Context, h engine.Handle, url string, timeout time.Duration) (string, error) {
	e, err := l.started()
	if err != nil {
		return "", err
	}
	return e.Goto(ctx, h, url, timeout)
}

func (l *lazyEngine) CurrentURL(ctx context.Context, h engine.Handle) (string, error) {
	e, err := l.started()
	if err != nil {
		return "", err
	}
	return e.CurrentURL(ctx, h)
}

func (l *lazyEngine) Title(ctx context.Context, h engine.Handle) (string, error) {
	e, err := l.started()
	if err != nil {
		return "", err
	}
	return e.Title(ctx, h)
}

func (l *lazyEngine) Screenshot(ctx context.Context, h engine.Handle, opts engine.ScreenshotOptions) ([]byte, error) {
	e, err := l.started()
	if err != nil {
		return nil, err
	}
	return e.Screenshot(ctx, h, opts)
}

func (l *lazyEngine) Find(ctx context.Context, h engine.Handle, selector string) (engine.ElementHandle, bool, error) {
	e, err := l.started()
	if err != nil {
		return nil, false, err
	}
	return e.Find(ctx, h, selector)
}

func (l *lazyEngine) FindAll(ctx context.Context, h engine.Handle, selector string) ([]engine.ElementHandle, error) {
	e, err := l.started()
	if err != nil {
		return nil, err
	}
	return e.FindAll(ctx, h, selector)
}

func (l *lazyEngine) Click(ctx context.Context, h engine.Handle, eh engine.ElementHandle) error {
	e, err := l.started()
	if err != nil {
		return err
	}
	return e.Click(ctx, h, eh)
}

func (l *lazyEngine) Type(ctx context.Context, h engine.Handle, eh engine.ElementHandle, text string, clear bool) error {
	e, err := l.started()
	if err != nil {
		return err
	}
	return e.Type(ctx, h, eh, text, clear)
}

func (l *lazyEngine) Select(ctx context.Context, h engine.Handle, eh engine.ElementHandle, by engine.SelectBy, value string) error {
	e, err := l.started()
	if err != nil {
		return err
	}
	return e.Select(ctx, h, eh, by, value)
}

func (l *lazyEngine) Scroll(ctx context.Context, h engine.Handle, mode engine.ScrollMode) error {
	e, err := l.started()
	if err != nil {
		return err
	}
	return e.Scroll(ctx, h, mode)
}

func (l *lazyEngine) WaitFor(ctx context.Context, h engine.Handle, predicate engine.WaitPredicate, timeout time.Duration) error {
	e, err := l.started()
	if err != nil {
		return err
	}
	return e.WaitFor(ctx, h, predicate, timeout)
}

func (l *lazyEngine) Evaluate(ctx context.Context, h engine.Handle, script string, args []interface{}) (interface{}, error) {
	e, err := l.started()
	if err != nil {
		return nil, err
	}
	return e.Evaluate(ctx, h, script, args)
}

func (l *lazyEngine) Back(ctx context.Context, h engine.Handle) error {
	e, err := l.started()
	if err != nil {
		return err
	}
	return e.Back(ctx, h)
}

func (l *lazyEngine) Forward(ctx context.Context, h engine.Handle) error {
	e, err := l.started()
	if err != nil {
		return err
	}
	return e.Forward(ctx, h)
}

func (l *lazyEngine) Refresh(ctx context.Context, h engine.Handle) error {
	e, err := l.started()
	if err != nil {
		return err
	}
	return e.Refresh(ctx, h)
}

func (l *lazyEngine) BoundingBox(ctx context.Context, h engine.Handle, eh engine.ElementHandle) (engine.BoundingBox, bool, error) {
	e, err := l.started()
	if err != nil {
		return engine.BoundingBox{}, false, err
	}
	return e.BoundingBox(ctx, h, eh)
}

func (l *lazyEngine) Attributes(ctx context.Context, h engine.Handle, eh engine.ElementHandle) (string, string, map[string]string, bool, bool, error) {
	e, err := l.started()
	if err != nil {
		return "", "", nil, false, false, err
	}
	return e.Attributes(ctx, h, eh)
}
