package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Rajchodisetti/broker-resilience/internal/broker"
	"github.com/Rajchodisetti/broker-resilience/internal/cache"
	"github.com/Rajchodisetti/broker-resilience/internal/config"
	"github.com/Rajchodisetti/broker-resilience/internal/degrade"
	"github.com/Rajchodisetti/broker-resilience/internal/observ"
	"github.com/Rajchodisetti/broker-resilience/internal/ratelimit"
)

func main() {
	configPath := flag.String("config", "", "path to resilience.yaml (defaults used when empty)")
	flag.Parse()

	fmt.Println("🛡  Broker Resilience Layer Demo")
	fmt.Println("================================")

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// Composition root: every component is built here and passed down
	// explicitly. No package-level singletons.
	cacheMgr := cache.NewManager(time.Duration(cfg.Cache.DefaultTTLSeconds) * time.Second)

	limits := ratelimit.NewManager(ratelimit.Config{
		GlobalRate:  cfg.RateLimits.Global.RatePerSecond,
		GlobalBurst: cfg.RateLimits.Global.Burst,
		Endpoints:   endpointLimits(cfg),
		Critical:    cfg.RateLimits.CriticalEndpoints,
	})

	queue := ratelimit.NewRequestQueue(cfg.Queue.Capacity)

	dm := degrade.NewManager(cacheMgr, degrade.Config{
		ServiceName:              cfg.Degradation.ServiceName,
		AutoRecovery:             cfg.Degradation.AutoRecovery,
		PartialRecoveryThreshold: cfg.Degradation.PartialRecoveryThreshold,
		DegradedTTL:              time.Duration(cfg.Cache.DegradedTTLSeconds) * time.Second,
		Timeouts: map[degrade.Level]time.Duration{
			degrade.LevelRateLimited: time.Duration(cfg.Degradation.RateLimitedTimeoutSecs) * time.Second,
			degrade.LevelCachedData:  time.Duration(cfg.Degradation.CachedDataTimeoutSecs) * time.Second,
			degrade.LevelReadOnly:    time.Duration(cfg.Degradation.ReadOnlyTimeoutSecs) * time.Second,
			degrade.LevelEmergency:   time.Duration(cfg.Degradation.EmergencyTimeoutSecs) * time.Second,
		},
	})
	defer dm.Close()

	sim := broker.NewSimClient()
	sim.SetLatency(cfg.Sim.LatencyMsMin, cfg.Sim.LatencyMsMax)
	sim.SetThrottle(cfg.Sim.RequestsPerSecond, int(cfg.Sim.RequestsPerSecond))

	client := broker.NewResilientClient(sim, dm, limits,
		time.Duration(cfg.RateLimits.MaxWaitMs)*time.Millisecond)

	dm.SetHealthProbe(func(ctx context.Context, service string) bool {
		return sim.HealthCheck(ctx) == nil
	})
	dm.AddCallback(func(ev degrade.Event) {
		fmt.Printf("⚠️  degradation: %s -> %s (%s)\n", ev.OldLevel, ev.NewLevel, ev.Reason)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	queue.Start(ctx)
	defer queue.Stop()

	startHTTP(cfg.ListenAddr, dm, limits, queue)
	observ.Log("demo_started", map[string]any{"listen_addr": cfg.ListenAddr})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go runScenario(ctx, client, sim, dm, queue)

	fmt.Printf("✅ Running. Metrics on %s/metrics, health on %s/healthz. Ctrl+C to stop.\n\n",
		cfg.ListenAddr, cfg.ListenAddr)

	<-sigChan
	fmt.Println("\n🛑 Shutting down...")
	printFinalStatus(dm, limits, queue)
}

func endpointLimits(cfg config.Root) map[string]ratelimit.Limits {
	out := make(map[string]ratelimit.Limits, len(cfg.RateLimits.Endpoints))
	for name, lim := range cfg.RateLimits.Endpoints {
		out[name] = ratelimit.Limits{RatePerSecond: lim.RatePerSecond, Burst: lim.Burst}
	}
	return out
}

// runScenario drives a healthy -> outage -> recovery cycle against the sim.
func runScenario(ctx context.Context, client *broker.ResilientClient, sim *broker.SimClient, dm *degrade.Manager, queue *ratelimit.RequestQueue) {
	instruments := []string{"EUR_USD", "USD_JPY", "GBP_USD"}
	tick := time.NewTicker(2 * time.Second)
	defer tick.Stop()

	phase := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		phase++

		switch phase {
		case 5:
			fmt.Println("💥 Injecting connection failures...")
			sim.SetFailureMode(broker.FailConnection)
		case 10:
			fmt.Println("🔧 Upstream repaired; attempting recovery...")
			sim.SetFailureMode(broker.FailNone)
			if dm.AttemptRecovery(ctx) {
				fmt.Printf("✅ Recovered to level %s\n", dm.CurrentLevel())
			}
			phase = 0
		}

		prices, err := client.GetPrices(ctx, instruments)
		if err != nil {
			fmt.Printf("❌ get_prices failed at level %s: %v\n", dm.CurrentLevel(), err)
			continue
		}
		eur := prices["EUR_USD"]
		fmt.Printf("📈 EUR_USD %.4f/%.4f (level=%s)\n", eur.Bid, eur.Ask, dm.CurrentLevel())

		if _, err := client.GetAccountSummary(ctx); err != nil {
			fmt.Printf("❌ get_account failed: %v\n", err)
		}

		// Position refreshes are not latency sensitive; defer them through
		// the request queue instead of awaiting the rate limiter here.
		if _, err := queue.Enqueue(func(ctx context.Context) (any, error) {
			return client.GetOpenPositions(ctx)
		}, 0); err != nil {
			fmt.Printf("⚠️  positions refresh dropped: %v\n", err)
		}
	}
}

func startHTTP(addr string, dm *degrade.Manager, limits *ratelimit.Manager, queue *ratelimit.RequestQueue) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observ.Handler())
	mux.Handle("/healthz", observ.HealthHandler())
	mux.Handle("/livez", observ.Health())
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"system":      dm.SystemStatus(),
			"rate_limits": limits.AllStatus(),
			"queue":       queue.Status(),
		})
	})
	go func() { _ = http.ListenAndServe(addr, mux) }()
}

func printFinalStatus(dm *degrade.Manager, limits *ratelimit.Manager, queue *ratelimit.RequestQueue) {
	status := dm.SystemStatus()
	fmt.Printf("Final degradation level: %s (since %s)\n", status.LevelName, status.Since.Format(time.RFC3339))
	fmt.Printf("Cache: %d entries, hit rate %.1f%%\n", status.CacheStats.Entries, status.CacheStats.HitRate*100)
	for name, m := range limits.AllMetrics() {
		if m.TotalRequests == 0 {
			continue
		}
		fmt.Printf("Bucket %-10s total=%d allowed=%d limited=%d queued=%d\n",
			name, m.TotalRequests, m.Allowed, m.RateLimited, m.Queued)
	}
	q := queue.Status()
	fmt.Printf("Queue: processed=%d dropped=%d\n", q.Processed, q.Dropped)
}
