package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"syscall"

	"github.com/docopt/docopt-go"

	"github.com/golang/glog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gopkg.in/yaml.v3"

	"github.com/tripmesh/tripsync/tripsync"
)

const LocalVersion = "0.0.0-local"

type Config struct {
	Port int `yaml:"port"`
	// empty means in-memory, non-durable
	DbPath  string `yaml:"db_path"`
	NatsUrl string `yaml:"nats_url"`
}

func DefaultConfig() *Config {
	return &Config{
		Port: 8090,
	}
}

func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	if path == "" {
		return config, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, err
	}
	return config, nil
}

func main() {
	usage := `Trip sync daemon.

Usage:
    syncd run [--config=<config>] [--port=<port>] [--db=<db>] [--nats_url=<nats_url>]

Options:
    -h --help              Show this screen.
    --version              Show version.
    --config=<config>      Yaml config file.
    -p --port=<port>       Listen port.
    --db=<db>              Sqlite database path. Defaults to in-memory.
    --nats_url=<nats_url>  Relay commits between nodes via this NATS server.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RequireVersion())
	if err != nil {
		panic(err)
	}

	if run_, _ := opts.Bool("run"); run_ {
		run(opts)
	}
}

func run(opts docopt.Opts) {
	var configPath string
	if configPathAny := opts["--config"]; configPathAny != nil {
		configPath = configPathAny.(string)
	}
	config, err := LoadConfig(configPath)
	if err != nil {
		panic(err)
	}

	if port, err := opts.Int("--port"); err == nil && 0 < port {
		config.Port = port
	}
	if dbAny := opts["--db"]; dbAny != nil {
		config.DbPath = dbAny.(string)
	}
	if natsUrlAny := opts["--nats_url"]; natsUrlAny != nil {
		config.NatsUrl = natsUrlAny.(string)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	event := tripsync.NewEventWithContext(cancelCtx)
	event.SetOnSignals(syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	ctx := event.Ctx()

	var store tripsync.DocumentStore
	if config.DbPath != "" {
		sqliteStore, err := tripsync.OpenSqliteStore(ctx, config.DbPath)
		if err != nil {
			panic(err)
		}
		store = sqliteStore
	} else {
		glog.Infof("[syncd]no db path, trips will not survive a restart\n")
		store = tripsync.NewMemoryStore(ctx)
	}
	defer store.Close()

	engine := tripsync.NewEngineWithDefaults(ctx, store)
	defer engine.Close()

	registry := prometheus.NewRegistry()
	metrics := tripsync.NewMetrics(registry)

	if codes, err := store.Codes(ctx); err == nil {
		metrics.TripCount.Set(float64(len(codes)))
	}

	var relay *tripsync.Relay
	if config.NatsUrl != "" {
		relay, err = tripsync.NewRelay(ctx, config.NatsUrl, store, engine.Broadcaster())
		if err != nil {
			panic(err)
		}
		defer relay.Close()
	}

	storeUnsub := store.AddCommitCallback(metrics.ObserveCommit)
	defer storeUnsub()

	syncServer := tripsync.NewSyncServer(ctx, engine, metrics, tripsync.DefaultSyncServerSettings())

	mux := http.NewServeMux()
	mux.Handle("/", syncServer)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.Handle("/status", &Status{
		ctx:   ctx,
		store: store,
	})

	fmt.Printf("syncd %s on *:%d\n", RequireVersion(), config.Port)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: mux,
	}

	go func() {
		defer cancel()
		err := server.ListenAndServe()
		if err != nil {
			fmt.Printf("listen error: %s\n", err)
		}
	}()

	select {
	case <-ctx.Done():
	}

	server.Shutdown(ctx)

	os.Exit(0)
}

type Status struct {
	ctx   context.Context
	store tripsync.DocumentStore
}

func (self *Status) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type SyncStatusResult struct {
		Version   string `json:"version,omitempty"`
		Status    string `json:"status"`
		TripCount int    `json:"trip_count"`
	}

	codes, err := self.store.Codes(self.ctx)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	result := &SyncStatusResult{
		Version:   RequireVersion(),
		Status:    "ok",
		TripCount: len(codes),
	}

	responseJson, err := json.Marshal(result)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(responseJson)
}

func RequireVersion() string {
	if version := os.Getenv("TRIPSYNC_VERSION"); version != "" {
		return version
	}
	return LocalVersion
}
