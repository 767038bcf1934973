// Command conduitd is the orchestration core's server entrypoint: it
// wires every store, the DAG executor, task runner, device registry, the
// Planner Client and Hypergraph Memory Engine, and exposes all of it
// behind the HTTP API.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	conduit "github.com/forgeworks/conduit"
	"github.com/forgeworks/conduit/config"
	"github.com/forgeworks/conduit/gate"
	"github.com/forgeworks/conduit/httpapi"
	"github.com/forgeworks/conduit/hypergraph"
	iconfig "github.com/forgeworks/conduit/internal/config"
	"github.com/forgeworks/conduit/observer"
	"github.com/forgeworks/conduit/planner"
	"github.com/forgeworks/conduit/provider/resolve"
	"github.com/forgeworks/conduit/role"
	"github.com/forgeworks/conduit/store/sqlite"
	"github.com/forgeworks/conduit/tunnel"
)

func main() {
	log.SetFlags(log.Ldate | log.Ltime | log.Lmsgprefix)
	log.SetPrefix("[conduitd] ")

	cfgPath := os.Getenv("CONDUIT_CONFIG")
	cfg := iconfig.Load(cfgPath)

	if err := os.MkdirAll(cfg.State.Dir, 0o755); err != nil {
		log.Fatalf("create state dir: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pricing := map[string]observer.ModelPricing{}
	for model, p := range cfg.Observer.Pricing {
		pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
	}

	var tracer conduit.Tracer
	var otelShutdown func(context.Context) error
	if cfg.Observer.Enabled {
		if cfg.Observer.OTLPEndpoint != "" {
			os.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Observer.OTLPEndpoint)
		}
		inst, shutdown, err := observer.Init(ctx, pricing)
		if err != nil {
			log.Fatalf("observer init: %v", err)
		}
		otelShutdown = shutdown
		tracer = observer.NewTracer(inst)
	}

	bus := conduit.NewBroadcaster()

	tasks := conduit.NewTaskStore(cfg.StatePath("tasks.json"), bus)
	dags := conduit.NewDAGStore(cfg.StatePath("dags.json"), bus)
	devices := conduit.NewDeviceRegistry(cfg.StatePath("devices.json"), bus)
	deviceTasks := conduit.NewDeviceTaskQueue(cfg.StatePath("device-tasks.json"), bus)

	// A corrupted state file is logged and its store starts empty; the
	// file is only rewritten on the store's next mutation, so state the
	// process never wrote is never destroyed at load time.
	if err := devices.Load(); err != nil {
		log.Printf("load devices: %v (starting with an empty registry)", err)
	}
	if err := deviceTasks.Load(); err != nil {
		log.Printf("load device tasks: %v (starting with an empty queue)", err)
	}
	if err := dags.Load(); err != nil {
		log.Printf("load dags: %v (starting with an empty store)", err)
	}
	if err := tasks.Load(deviceTasks.StillPending); err != nil {
		log.Printf("load tasks: %v (starting with an empty store)", err)
	}

	settings := conduit.NewSettingsStore(cfg.StatePath("settings.json"))
	if err := settings.Load(); err != nil {
		log.Printf("load settings: %v (continuing with defaults)", err)
	}

	roles, err := role.Load(filepath.Join(cfg.State.ProjectsRoot, "roles.yaml"))
	if err != nil {
		log.Printf("role registry: %v (continuing with an empty registry)", err)
		roles, _ = role.Parse(nil)
	}

	chatProvider, err := resolve.Provider(resolve.Config{
		Provider: cfg.Provider.Name,
		APIKey:   cfg.Provider.APIKey,
		Model:    cfg.Provider.ChatModel,
		BaseURL:  cfg.Provider.BaseURL,
	})
	if err != nil {
		log.Fatalf("resolve chat provider: %v", err)
	}
	embedProvider, err := resolve.EmbeddingProvider(resolve.EmbeddingConfig{
		Provider:   cfg.Provider.Name,
		APIKey:     cfg.Provider.APIKey,
		Model:      cfg.Provider.EmbeddingModel,
		Dimensions: cfg.Provider.EmbeddingDims,
	})
	if err != nil {
		log.Printf("resolve embedding provider: %v (semantic search degrades to keyword-only)", err)
		embedProvider = nil
	}

	docStore := sqlite.New(filepath.Join(cfg.State.Dir, "documents.db"))
	if err := docStore.Init(ctx); err != nil {
		log.Fatalf("init document store: %v", err)
	}

	var retriever conduit.Retriever
	if embedProvider != nil {
		retriever = conduit.NewHybridRetriever(docStore, embedProvider)
	}
	knowledge := conduit.NewKnowledgeQueryAdapter(retriever, docStore, tracer)

	runner := conduit.NewTaskRunner(tasks, bus, deviceTasks, knowledge, roles, tracer).WithSettings(settings)

	gateEval, err := gate.New()
	if err != nil {
		log.Fatalf("gate evaluator: %v", err)
	}
	executor := conduit.NewDAGExecutor(dags, tasks, runner, roles, bus, tracer).WithGateEvaluator(gateEval)

	var tunnelIssuer *tunnel.Issuer
	if cfg.State.MasterSecret != "" {
		tunnelIssuer = tunnel.New(cfg.State.MasterSecret)
	}

	var configStore *config.Store
	if cfg.State.MasterSecret != "" {
		configStore, err = config.New(cfg.StatePath("config.json"), cfg.State.MasterSecret)
		if err != nil {
			log.Fatalf("config store: %v", err)
		}
		if err := configStore.Load(); err != nil {
			log.Printf("load config store: %v (starting with an empty store)", err)
		}
	}

	sessionStore := hypergraph.NewSessionStore(cfg.StatePath("hgmem-sessions.json"))
	if err := sessionStore.Load(); err != nil {
		log.Printf("load sessions: %v (starting with an empty store)", err)
	}
	engine := hypergraph.New(sessionStore, chatProvider, knowledge)
	if embedProvider != nil {
		memStore := sqlite.NewMemoryStore(docStore.DB())
		if err := memStore.Init(ctx); err != nil {
			log.Printf("init memory store: %v (cross-session fact cache disabled)", err)
		} else {
			engine.WithMemory(memStore, embedProvider)
		}
	}

	plannerClient := planner.New(chatProvider)

	devices.StartHealthSweep(ctx)
	defer devices.Stop()

	srv := httpapi.New(httpapi.Server{
		Tasks:        tasks,
		DAGs:         dags,
		Executor:     executor,
		Runner:       runner,
		Devices:      devices,
		DeviceTask:   deviceTasks,
		Broadcast:    bus,
		Knowledge:    knowledge,
		Sessions:     engine,
		SessionStore: sessionStore,
		Planner:      plannerClient,
		Roles:        roles,
		Tunnel:       tunnelIssuer,
		ConfigStore:  configStore,
	})

	httpSrv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      srv,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	go func() {
		log.Printf("listening on %s", cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down...")

	shutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		log.Printf("http shutdown error: %v", err)
	}
	if otelShutdown != nil {
		if err := otelShutdown(shutCtx); err != nil {
			log.Printf("otel shutdown error: %v", err)
		}
	}
	log.Println("stopped")
}
