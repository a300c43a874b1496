// README: Benchmark runner for a live dispatch API; executes HTTP/DB/Redis checks and prints results.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

func main() {
	cfg := loadConfig()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	bench := NewRunner(cfg)
	results := bench.RunAll(ctx)

	fmt.Println("\n== Summary ==")
	pass, fail, skipped := 0, 0, 0
	for _, r := range results {
		switch r.Status {
		case "PASS":
			pass++
		case "FAIL":
			fail++
		case "SKIP":
			skipped++
		}
	}
	fmt.Printf("PASS=%d FAIL=%d SKIP=%d\n", pass, fail, skipped)
	printStages(results)
	if fail > 0 {
		os.Exit(1)
	}
}

// printStages groups results by the prefix before ":" (Env, API, Perf, ...)
// and reports the slowest case of each stage, in run order.
func printStages(results []Result) {
	type stage struct {
		name    string
		ran     int
		total   time.Duration
		slowest Result
	}
	var order []*stage
	byName := map[string]*stage{}
	for _, r := range results {
		name, _, ok := strings.Cut(r.Name, ":")
		if !ok {
			name = r.Name
		}
		st := byName[name]
		if st == nil {
			st = &stage{name: name}
			byName[name] = st
			order = append(order, st)
		}
		if r.Status == "SKIP" {
			continue
		}
		st.ran++
		st.total += r.Latency
		if r.Latency > st.slowest.Latency {
			st.slowest = r
		}
	}
	fmt.Println("\n== Stages ==")
	for _, st := range order {
		if st.ran == 0 {
			fmt.Printf("%-12s skipped\n", st.name)
			continue
		}
		fmt.Printf("%-12s ran=%d total=%s", st.name, st.ran, st.total)
		if st.slowest.Latency > 0 {
			fmt.Printf(" slowest=%q (%s)", st.slowest.Name, st.slowest.Latency)
		}
		fmt.Println()
	}
}

type Config struct {
	BaseURL        string
	DSN            string
	RedisAddr      string
	JWTSecret      string
	MigrationPath  string
	ApplyMigration bool
	Timeout        time.Duration
	Concurrency    int
	Duration       time.Duration
	Drivers        int
}

func loadConfig() Config {
	var cfg Config
	flag.StringVar(&cfg.BaseURL, "base-url", envOrDefault("DISPATCH_BENCH_BASE_URL", "http://localhost:8080"), "API base URL")
	flag.StringVar(&cfg.DSN, "dsn", envOrDefault("DISPATCH_DB_DSN", ""), "Postgres DSN (optional)")
	flag.StringVar(&cfg.RedisAddr, "redis", envOrDefault("DISPATCH_REDIS_ADDR", ""), "Redis address (optional)")
	flag.StringVar(&cfg.JWTSecret, "jwt-secret", envOrDefault("DISPATCH_AUTH_JWT_SECRET", "dev-secret-change-me"), "HS256 secret the API verifies")
	flag.StringVar(&cfg.MigrationPath, "migration", envOrDefault("DISPATCH_BENCH_MIGRATION", "migrations/0001_init.sql"), "Migration SQL path")
	flag.BoolVar(&cfg.ApplyMigration, "apply-migration", envOrDefaultBool("DISPATCH_BENCH_APPLY_MIGRATION", false), "Apply migration SQL before tests")
	flag.DurationVar(&cfg.Timeout, "timeout", envOrDefaultDuration("DISPATCH_BENCH_TIMEOUT", 60*time.Second), "Total timeout")
	flag.IntVar(&cfg.Concurrency, "concurrency", envOrDefaultInt("DISPATCH_BENCH_CONCURRENCY", 20), "Concurrency for perf tests")
	flag.DurationVar(&cfg.Duration, "duration", envOrDefaultDuration("DISPATCH_BENCH_DURATION", 10*time.Second), "Duration for perf tests")
	flag.IntVar(&cfg.Drivers, "drivers", envOrDefaultInt("DISPATCH_BENCH_DRIVERS", 10), "Drivers to onboard")
	flag.Parse()
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return cfg
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(v)
		return v == "1" || v == "true" || v == "yes"
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		_, _ = fmt.Sscanf(v, "%d", &n)
		if n > 0 {
			return n
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
