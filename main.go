package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aont/nhk-radio-recorder/api"
	"github.com/aont/nhk-radio-recorder/clock"
	"github.com/aont/nhk-radio-recorder/config"
	"github.com/aont/nhk-radio-recorder/scheduler"
	"github.com/aont/nhk-radio-recorder/store"
	"github.com/aont/nhk-radio-recorder/upstream"
)

var version = "dev"

func main() {
	confDir := env("CONF_DIR", "/data/conf")

	fmt.Printf("nhk-radio-recorder %s\n", version)

	if err := os.MkdirAll(confDir, 0o755); err != nil {
		log.Fatalf("conf dir: %v", err)
	}

	cfg, err := config.Load(confDir)
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	data := cfg.Get()
	if v := os.Getenv("LISTEN_PORT"); v != "" {
		data.ListenPort = v
	}
	if v := os.Getenv("DATA_ROOT"); v != "" {
		data.DataRoot = v
	}
	if v := os.Getenv("UPSTREAM_BASE_URL"); v != "" {
		data.UpstreamBaseURL = v
	}

	reconcileInterval := mustParseDuration(data.ReconcileInterval)
	schedulingHorizon := mustParseDuration(data.SchedulingHorizon)
	seriesHorizon := mustParseDuration(data.SeriesHorizon)
	leadIn := mustParseDuration(data.LeadIn)
	tailOut := mustParseDuration(data.TailOut)
	seriesCacheTTL := mustParseDuration(data.SeriesCacheTTL)
	upstreamTimeout := mustParseDuration(data.UpstreamTimeout)

	clk := clock.New()

	cat, err := store.OpenCatalogue(data.DataRoot)
	if err != nil {
		log.Fatalf("catalogue: %v", err)
	}
	defer cat.Close()

	uc := upstream.New(data.UpstreamBaseURL, seriesCacheTTL, upstreamTimeout, clk)

	schedCfg := scheduler.Config{
		ReconcileInterval: reconcileInterval,
		SchedulingHorizon: schedulingHorizon,
		SeriesHorizon:     seriesHorizon,
		LeadIn:            leadIn,
		TailOut:           tailOut,
		MuxerPath:         data.MuxerPath,
		SegmentSeconds:    data.SegmentSeconds,
		StagingRoot:       cat.StagingRoot(),
	}
	sched := scheduler.New(cat, uc, clk, schedCfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sched.Run(ctx)

	srv := api.New(cat, uc, sched, clk, data.ConverterPath, seriesHorizon)

	httpSrv := &http.Server{
		Addr:    ":" + data.ListenPort,
		Handler: api.NewRouter(srv),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("listening on :%s", data.ListenPort)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	}()

	<-sigCh
	log.Println("shutting down…")
	cancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// mustParseDuration parses a config duration string, falling back to zero
// on a malformed value rather than refusing to start — config.Load already
// guarantees sane defaults for anything the operator hasn't overridden.
func mustParseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		log.Printf("config: invalid duration %q: %v", s, err)
		return 0
	}
	return d
}
