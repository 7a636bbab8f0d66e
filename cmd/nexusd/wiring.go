package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"time"

	"github.com/brackwood/nexus/internal/audio"
	"github.com/brackwood/nexus/internal/bus"
	"github.com/brackwood/nexus/internal/collectors"
	"github.com/brackwood/nexus/internal/config"
	"github.com/brackwood/nexus/internal/connwatch"
	"github.com/brackwood/nexus/internal/contextstore"
	"github.com/brackwood/nexus/internal/dispatcher"
	"github.com/brackwood/nexus/internal/engine"
	"github.com/brackwood/nexus/internal/events"
	"github.com/brackwood/nexus/internal/hosts"
	"github.com/brackwood/nexus/internal/llm"
	"github.com/brackwood/nexus/internal/orchestrator"
	"github.com/brackwood/nexus/internal/paths"
	"github.com/brackwood/nexus/internal/planner"
	"github.com/brackwood/nexus/internal/proactive"
	"github.com/brackwood/nexus/internal/search"
	"github.com/brackwood/nexus/internal/timeline"
	"github.com/brackwood/nexus/internal/usage"
	"github.com/brackwood/nexus/internal/vision"
)

// app bundles every wired component for one nexusd process. It owns
// the lifetime of anything that holds a file descriptor or background
// goroutine; Close releases all of them in reverse dependency order.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	bus       *bus.Bus
	opEvents  *events.Bus
	watch     *connwatch.Manager
	kvClose   []func() error
	hostStop  []func()
	collStop  []context.CancelFunc

	ctxStore  *contextstore.Store
	timeline  *timeline.Store
	usageDB   *usage.Store

	Engine *engine.Engine

	dashboard *dashboardFeed
	httpAddr  string
}

// Close releases every resource buildApp opened, in reverse order.
func (a *app) Close() {
	a.Engine.Close()
	for _, stop := range a.collStop {
		stop()
	}
	for _, stop := range a.hostStop {
		stop()
	}
	if a.watch != nil {
		a.watch.Stop()
	}
	if a.usageDB != nil {
		a.usageDB.Close()
	}
	if a.timeline != nil {
		a.timeline.Close()
	}
	if a.ctxStore != nil {
		a.ctxStore.Close()
	}
	for _, close := range a.kvClose {
		close()
	}
	if a.bus != nil {
		a.bus.Close()
	}
}

func reservedVars(cfg *config.Config) orchestrator.ReservedVars {
	wd := cfg.Workspace.Path
	if wd == "" {
		wd, _ = os.Getwd()
	}
	userName := "nexus"
	if u, err := user.Current(); err == nil && u.Username != "" {
		userName = u.Username
	}
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	return orchestrator.ReservedVars{WorkingDirectory: wd, User: userName, Host: host}
}

// connectBus dials the configured broker. A broker of "mem" selects the
// in-process MemTransport, used for local development and the `ask`
// subcommand against an otherwise-unconfigured environment.
func connectBus(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*bus.Bus, error) {
	if cfg.Bus.Broker == "" || cfg.Bus.Broker == "mem" {
		logger.Warn("bus.broker unset or \"mem\"; using in-process transport (no cross-process fan-out)")
		return bus.New(bus.NewMemTransport(), cfg.Bus.ClientID, logger), nil
	}
	b, err := bus.NewMQTT(ctx, bus.MQTTConfig{
		Broker:   cfg.Bus.Broker,
		Username: cfg.Bus.Username,
		Password: cfg.Bus.Password,
		ClientID: cfg.Bus.ClientID,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("connect bus: %w", err)
	}
	return b, nil
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	b, err := connectBus(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	opEvents := events.New()
	watch := connwatch.NewManager(logger)
	watch.Watch(ctx, connwatch.WatcherConfig{
		Name:    "bus",
		Probe:   b.HealthProbe(),
		Backoff: connwatch.BusBackoffConfig(),
		OnReady: func() { opEvents.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceBus, Kind: events.KindBusConnected}) },
		OnDown: func(err error) {
			opEvents.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceBus, Kind: events.KindBusDisconnected, Data: map[string]any{"error": err.Error()}})
		},
	})

	a := &app{cfg: cfg, logger: logger, bus: b, opEvents: opEvents, watch: watch}

	ctxStore, err := contextstore.Open(filepath.Join(cfg.DataDir, "context.db"), contextstore.DefaultTTL)
	if err != nil {
		return nil, fmt.Errorf("open context store: %w", err)
	}
	a.ctxStore = ctxStore

	tlStore, err := timeline.Open(filepath.Join(cfg.DataDir, "timeline.db"))
	if err != nil {
		return nil, fmt.Errorf("open timeline store: %w", err)
	}
	tlStore.SetPublisher(func(subject string, payload map[string]any) {
		if err := b.Publish(context.Background(), subject, payload); err != nil {
			logger.Debug("timeline publish failed", "subject", subject, "error", err)
		}
		opEvents.Publish(events.Event{Timestamp: time.Now(), Source: events.SourceCollector, Kind: events.KindEventAppended, Data: payload})
	})
	a.timeline = tlStore

	ctxStore.SetArchiver(func(sessionID string, snapshot []byte) error {
		_, err := tlStore.AppendContextArchive(context.Background(), timeline.ContextArchiveEvent{
			SessionID: sessionID,
			Snapshot:  string(snapshot),
		})
		return err
	})
	sweepCtx, sweepCancel := context.WithCancel(ctx)
	go sweepLoop(sweepCtx, tlStore, cfg, logger)
	a.collStop = append(a.collStop, sweepCancel)

	usageDB, err := usage.Open(filepath.Join(cfg.DataDir, "usage.db"))
	if err != nil {
		return nil, fmt.Errorf("open usage store: %w", err)
	}
	a.usageDB = usageDB

	llmClient := buildLLMClient(cfg, logger)
	expander := paths.NewExpander(homeDirOrEmpty())
	searchProvider := search.New(search.Config{
		Provider: cfg.Hosts.Search.Provider,
		BaseURL:  cfg.Hosts.Search.BaseURL,
		APIKey:   cfg.Hosts.Search.APIKey,
	}, logger)

	stopHosts, err := wireHosts(ctx, b, cfg, llmClient, usageDB, tlStore, watch, logger)
	if err != nil {
		return nil, err
	}
	a.hostStop = append(a.hostStop, stopHosts...)

	_, stopDispatch, err := dispatcher.New(b, logger)
	if err != nil {
		return nil, fmt.Errorf("start dispatcher: %w", err)
	}
	a.hostStop = append(a.hostStop, stopDispatch)

	orch := orchestrator.New(orchestrator.Config{
		Bus:      b,
		Expander: expander,
		Search:   searchProvider,
		Shell: orchestrator.ShellConfig{
			Enabled:           cfg.ShellExec.Enabled,
			WorkingDir:        cfg.ShellExec.WorkingDir,
			DeniedPatterns:    cfg.ShellExec.DeniedPatterns,
			AllowedPrefixes:   cfg.ShellExec.AllowedPrefixes,
			DefaultTimeout:    time.Duration(cfg.ShellExec.DefaultTimeoutSec) * time.Second,
			MaxOutputBytes:    256 * 1024,
			KillGrace:         5 * time.Second,
		},
		Events: opEvents,
		Logger: logger,
	})

	plan := planner.New(b, logger)

	eng := engine.New(engine.Config{
		Planner:      plan,
		Orchestrator: orch,
		ContextStore: ctxStore,
		Events:       opEvents,
		Reserved:     reservedVars(cfg),
		Logger:       logger,
	})
	a.Engine = eng

	collStop, err := wireCollectors(ctx, cfg, b, tlStore, logger)
	if err != nil {
		return nil, err
	}
	a.collStop = append(a.collStop, collStop...)

	proAgent := proactive.New(b, logger)
	cancelProactive, err := proAgent.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("start proactive agent: %w", err)
	}
	a.collStop = append(a.collStop, func() { cancelProactive() })

	feed := newDashboardFeed(b, ctxStore, tlStore, opEvents, logger)
	cancelFeed := feed.start(ctx)
	a.collStop = append(a.collStop, func() { cancelFeed() })
	a.dashboard = feed

	a.httpAddr = net.JoinHostPort(cfg.Listen.Address, fmt.Sprintf("%d", cfg.Listen.Port))

	return a, nil
}

func homeDirOrEmpty() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return home
}

// buildLLMClient routes each configured model to its provider, the way
// the agent's createLLMClient builds a MultiClient over Ollama plus an
// optional Anthropic provider.
func buildLLMClient(cfg *config.Config, logger *slog.Logger) llm.Client {
	baseURL := cfg.Hosts.LLM.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	ollamaClient := llm.NewOllamaClient(baseURL, logger)
	multi := llm.NewMultiClient(ollamaClient)
	multi.AddProvider("ollama", ollamaClient)

	if cfg.Hosts.LLM.Provider == "anthropic" && cfg.Hosts.LLM.APIKey != "" {
		anthropicClient := llm.NewAnthropicClient(cfg.Hosts.LLM.APIKey, logger)
		multi.AddProvider("anthropic", anthropicClient)
		if cfg.Hosts.LLM.DefaultModel != "" {
			multi.AddModel(cfg.Hosts.LLM.DefaultModel, "anthropic")
		}
		logger.Info("anthropic provider configured")
	}
	return multi
}

// wireHosts registers every Service Host (C4) on the bus and returns
// their cancel funcs in registration order.
func wireHosts(ctx context.Context, b *bus.Bus, cfg *config.Config, llmClient llm.Client, usageDB *usage.Store, tl *timeline.Store, watch *connwatch.Manager, logger *slog.Logger) ([]func(), error) {
	var stops []func()

	defaultModel := cfg.Hosts.LLM.DefaultModel
	llmHost, cancelLLM, err := hosts.NewLLMHost(b, llmClient, defaultModel, logger)
	if err != nil {
		return nil, fmt.Errorf("start llm host: %w", err)
	}
	llmHost.SetRecorder(usage.HostRecorder{Store: usageDB, Host: "llm"})
	stops = append(stops, cancelLLM)
	watch.Watch(ctx, connwatch.WatcherConfig{
		Name:    "ai.llm",
		Probe:   func(probeCtx context.Context) error { return llmClient.Ping(probeCtx) },
		Backoff: connwatch.DefaultBackoffConfig(),
	})

	ocrBaseURL := cfg.Hosts.Vision.OCRBaseURL
	if ocrBaseURL == "" {
		ocrBaseURL = "http://localhost:11434"
	}
	ocr := vision.NewOllamaOCR(ocrBaseURL, cfg.Hosts.Vision.OCRModel, logger)

	imagegenBaseURL := cfg.Hosts.Vision.ImageGenBaseURL
	var imagegenAdapter hosts.ImageGenProvider
	if imagegenBaseURL != "" {
		sd := vision.NewStableDiffusionWebUI(imagegenBaseURL, cfg.Hosts.Vision.ImageGenModel, cfg.Hosts.Vision.OutputDir, logger)
		imagegenAdapter = &vision.ImageGenAdapter{Backend: sd}
	}
	_, cancelVision, err := hosts.NewVisionHost(b, ocr, imagegenAdapter, nil, logger)
	if err != nil {
		return nil, fmt.Errorf("start vision host: %w", err)
	}
	stops = append(stops, cancelVision)

	var stt hosts.STTProvider
	if cfg.Hosts.Audio.STTBaseURL != "" {
		stt = audio.NewWhisperServer(cfg.Hosts.Audio.STTBaseURL, logger)
	}
	var tts hosts.TTSProvider
	if cfg.Hosts.Audio.TTSBaseURL != "" {
		tts = audio.NewPiperTTS(cfg.Hosts.Audio.TTSBaseURL, cfg.Hosts.Audio.OutputDir, logger)
	}
	vad := audio.NewEnergyVAD()
	_, cancelAudio, err := hosts.NewAudioHost(b, stt, tts, vad, logger)
	if err != nil {
		return nil, fmt.Errorf("start audio host: %w", err)
	}
	stops = append(stops, cancelAudio)

	searchRoot := cfg.Workspace.Path
	if searchRoot == "" {
		searchRoot = homeDirOrEmpty()
	}
	_, cancelFS, err := hosts.NewFilesystemHost(b, searchRoot, logger)
	if err != nil {
		return nil, fmt.Errorf("start filesystem host: %w", err)
	}
	stops = append(stops, cancelFS)

	history := &snapshotHistoryAdapter{tl: tl}
	_, cancelHealth, err := hosts.NewHealthHost(b, watch, history, logger)
	if err != nil {
		return nil, fmt.Errorf("start health host: %w", err)
	}
	stops = append(stops, cancelHealth)

	return stops, nil
}

// snapshotHistoryAdapter satisfies hosts.HistoryProvider over the
// Timeline Store, as anticipated by hosts/health.go's doc comment.
type snapshotHistoryAdapter struct {
	tl *timeline.Store
}

func (s *snapshotHistoryAdapter) SystemSnapshots(since, until time.Time, limit int) ([]hosts.HistorySample, error) {
	envs, err := s.tl.Query(timeline.QueryOptions{Kind: timeline.KindSystemSnapshot, Since: since, Until: until, Limit: limit})
	if err != nil {
		return nil, err
	}
	samples := make([]hosts.HistorySample, 0, len(envs))
	for _, e := range envs {
		sample := hosts.HistorySample{Timestamp: e.Timestamp}
		if v, ok := toFloat(e.Fields["cpu_percent"]); ok {
			sample.CPUPercent = &v
		}
		if v, ok := toFloat(e.Fields["mem_percent"]); ok {
			sample.MemPercent = &v
		}
		if v, ok := toFloat(e.Fields["disk_percent"]); ok {
			sample.DiskPercent = &v
		}
		if v, ok := toInt(e.Fields["process_count"]); ok {
			sample.ProcessCount = &v
		}
		samples = append(samples, sample)
	}
	return samples, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

// wireCollectors starts the Event Collectors (C9): the periodic
// snapshot sampler, the filesystem watcher over configured roots, and
// the temporal.command.new ingress. Each returns its own cancel func.
func wireCollectors(ctx context.Context, cfg *config.Config, b *bus.Bus, tl *timeline.Store, logger *slog.Logger) ([]context.CancelFunc, error) {
	var cancels []context.CancelFunc

	snapInterval := time.Duration(cfg.Hosts.Collectors.SnapshotIntervalSec) * time.Second
	snap := collectors.NewSnapshotCollector(tl, snapInterval, "/", logger)
	snapCtx, snapCancel := context.WithCancel(ctx)
	go snap.Run(snapCtx)
	cancels = append(cancels, snapCancel)

	if len(cfg.Hosts.Collectors.WatchPaths) > 0 {
		debounce := time.Duration(cfg.Hosts.Collectors.DebounceMS) * time.Millisecond
		fsColl, err := collectors.NewFilesystemCollector(tl, cfg.Hosts.Collectors.WatchPaths, debounce, logger)
		if err != nil {
			logger.Warn("filesystem collector disabled", "error", err)
		} else {
			fsCtx, fsCancel := context.WithCancel(ctx)
			go fsColl.Run(fsCtx)
			cancels = append(cancels, fsCancel)
		}
	}

	_, cancelIngress, err := collectors.NewCommandIngress(b, tl, logger)
	if err != nil {
		return nil, fmt.Errorf("start command ingress: %w", err)
	}
	cancels = append(cancels, func() { cancelIngress() })

	return cancels, nil
}

// sweepLoop periodically enforces the Timeline Store's per-kind
// retention policy (spec §3, §8 invariant 6).
func sweepLoop(ctx context.Context, tl *timeline.Store, cfg *config.Config, logger *slog.Logger) {
	ticker := time.NewTicker(1 * time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			result, err := tl.Sweep(cfg.RetentionFor)
			if err != nil {
				logger.Warn("retention sweep failed", "error", err)
				continue
			}
			logger.Info("retention sweep complete", "deleted", result)
		}
	}
}
