// README: Benchmark cases: environment checks, API smoke, single-winner
// assignment under contention and throughput of ingest and booking creation.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"dispatch/internal/infra"
)

var origin = map[string]float64{"lat": 43.2380, "lng": 76.8890}

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client
	runID string
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
		runID: fmt.Sprintf("bench%d", time.Now().Unix()),
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
			defer db.Close()
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
		defer r.redis.Close()
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))
	for _, tc := range tests {
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-5s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}
	return results
}

func (r *Runner) driverID(i int) string { return fmt.Sprintf("%sd%d", r.runID, i) }

func (r *Runner) cases() []TestCase {
	return []TestCase{
		{Name: "Env: Postgres connect", Run: func(ctx context.Context, r *Runner) Result {
			if r.db == nil {
				return Result{Status: "SKIP", Note: "no dsn"}
			}
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := r.db.Ping(ctx); err != nil {
				return Result{Status: "FAIL", Note: err.Error()}
			}
			return Result{Status: "PASS"}
		}},
		{Name: "Env: Redis connect", Run: func(ctx context.Context, r *Runner) Result {
			if r.redis == nil {
				return Result{Status: "SKIP", Note: "no redis address"}
			}
			ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
			defer cancel()
			if err := r.redis.Ping(ctx).Err(); err != nil {
				return Result{Status: "FAIL", Note: err.Error()}
			}
			return Result{Status: "PASS"}
		}},
		{Name: "Migration: apply", Run: func(ctx context.Context, r *Runner) Result {
			if !r.cfg.ApplyMigration || r.db == nil {
				return Result{Status: "SKIP", Note: "apply-migration=false or no dsn"}
			}
			sql, err := os.ReadFile(r.cfg.MigrationPath)
			if err != nil {
				return Result{Status: "FAIL", Note: err.Error()}
			}
			for _, s := range splitSQL(string(sql)) {
				if _, err := r.db.Exec(ctx, s); err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
			}
			return Result{Status: "PASS"}
		}},
		{Name: "Migration: tables exist", Run: func(ctx context.Context, r *Runner) Result {
			if r.db == nil {
				return Result{Status: "SKIP", Note: "no dsn"}
			}
			tables, err := extractTables(r.cfg.MigrationPath)
			if err != nil {
				return Result{Status: "FAIL", Note: err.Error()}
			}
			for _, t := range tables {
				var exists bool
				if err := r.db.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, t).Scan(&exists); err != nil || !exists {
					return Result{Status: "FAIL", Note: "missing table " + t}
				}
			}
			return Result{Status: "PASS", Note: fmt.Sprintf("%d tables", len(tables))}
		}},
		{Name: "API: health", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodGet, "/health", "", nil, http.StatusOK)
		}},
		{Name: "API: metrics", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodGet, "/metrics", "", nil, http.StatusOK)
		}},
		{Name: "API: unauthenticated booking rejected", Run: func(ctx context.Context, r *Runner) Result {
			return r.expect(ctx, http.MethodPost, "/api/bookings", "", map[string]any{}, http.StatusUnauthorized)
		}},
		{Name: "Setup: onboard drivers", Run: onboard},
		{Name: "Concurrency: one driver, many manual assignments", Run: contendedAssign},
		{Name: "Perf: location ingest throughput", Run: func(ctx context.Context, r *Runner) Result {
			var seq atomic.Int64
			return r.perfLoad(ctx, func(i int) (string, string, string, any) {
				id := r.driverID(i % r.cfg.Drivers)
				n := seq.Add(1)
				return http.MethodPut, "/api/drivers/" + id + "/location", r.token(id, "driver"), map[string]any{
					"lat": origin["lat"] + float64(n%100)*0.0001, "lng": origin["lng"],
					"speed_mps": 8, "accuracy_m": 5,
					"captured_at": time.Now().UTC().Add(time.Duration(n)),
				}
			})
		}},
		{Name: "Perf: booking create throughput", Run: func(ctx context.Context, r *Runner) Result {
			return r.perfLoad(ctx, func(i int) (string, string, string, any) {
				return http.MethodPost, "/api/bookings", r.token(fmt.Sprintf("%sr%d", r.runID, i), "requester"), bookingBody()
			})
		}},
	}
}

func (r *Runner) token(uid, role string) string {
	t, err := infra.IssueJWT(r.cfg.JWTSecret, uid, role, time.Hour)
	if err != nil {
		return ""
	}
	return t
}

func bookingBody() map[string]any {
	return map[string]any{
		"kind":    "direct",
		"pickup":  origin,
		"dropoff": map[string]float64{"lat": 43.2567, "lng": 76.9286},
		"package": map[string]any{"weight_kg": 3, "size": "small"},
	}
}

func (r *Runner) call(ctx context.Context, method, path, token string, body any) (int, []byte, time.Duration, error) {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.cfg.BaseURL+path, reader)
	if err != nil {
		return 0, nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	start := time.Now()
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, nil, 0, err
	}
	defer resp.Body.Close()
	out, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, out, time.Since(start), nil
}

func (r *Runner) expect(ctx context.Context, method, path, token string, body any, want int) Result {
	status, _, latency, err := r.call(ctx, method, path, token, body)
	if err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	if status != want {
		return Result{Status: "FAIL", Latency: latency, Note: fmt.Sprintf("status=%d want=%d", status, want)}
	}
	return Result{Status: "PASS", Latency: latency}
}

func onboard(ctx context.Context, r *Runner) Result {
	op := r.token(r.runID+"op", "operator")
	for i := 0; i < r.cfg.Drivers; i++ {
		id := r.driverID(i)
		steps := []struct {
			method, path, token string
			body                any
		}{
			{http.MethodPut, "/api/drivers/" + id, op, map[string]any{
				"name": "Bench " + id, "rating": 4.5,
				"vehicle": map[string]any{"class": "van", "capacity_kg": 300, "max_size": "xlarge"},
			}},
			{http.MethodPut, "/api/drivers/" + id + "/availability", r.token(id, "driver"), map[string]any{"availability": "available"}},
			{http.MethodPut, "/api/drivers/" + id + "/location", r.token(id, "driver"), map[string]any{
				"lat": origin["lat"], "lng": origin["lng"], "accuracy_m": 5, "captured_at": time.Now().UTC().Add(-time.Minute),
			}},
		}
		for _, s := range steps {
			status, body, _, err := r.call(ctx, s.method, s.path, s.token, s.body)
			if err != nil {
				return Result{Status: "FAIL", Note: err.Error()}
			}
			if status >= 300 {
				return Result{Status: "FAIL", Note: fmt.Sprintf("%s %s: %d %s", s.method, s.path, status, body)}
			}
		}
	}
	return Result{Status: "PASS", Note: fmt.Sprintf("%d drivers", r.cfg.Drivers)}
}

// contendedAssign creates bookings and races manual assignments of all of them
// to one fresh driver; exactly one may win.
func contendedAssign(ctx context.Context, r *Runner) Result {
	op := r.token(r.runID+"op", "operator")
	id := r.runID + "solo"
	if status, body, _, err := r.call(ctx, http.MethodPut, "/api/drivers/"+id, op, map[string]any{
		"name": "Solo", "vehicle": map[string]any{"class": "van", "capacity_kg": 300, "max_size": "xlarge"},
	}); err != nil || status != http.StatusOK {
		return Result{Status: "FAIL", Note: fmt.Sprintf("upsert: %v %d %s", err, status, body)}
	}
	if status, _, _, err := r.call(ctx, http.MethodPut, "/api/drivers/"+id+"/availability", r.token(id, "driver"), map[string]any{"availability": "available"}); err != nil || status != http.StatusOK {
		return Result{Status: "FAIL", Note: "availability"}
	}

	bookings := make([]string, 0, r.cfg.Concurrency)
	for i := 0; i < r.cfg.Concurrency; i++ {
		status, body, _, err := r.call(ctx, http.MethodPost, "/api/bookings", op, bookingBody())
		if err != nil || status != http.StatusCreated {
			return Result{Status: "FAIL", Note: fmt.Sprintf("create: %v %d", err, status)}
		}
		var b struct {
			ID string `json:"id"`
		}
		_ = json.Unmarshal(body, &b)
		bookings = append(bookings, b.ID)
	}

	var wins, conflicts atomic.Int64
	var wg sync.WaitGroup
	start := make(chan struct{})
	for _, bid := range bookings {
		wg.Add(1)
		go func(bid string) {
			defer wg.Done()
			<-start
			status, _, _, err := r.call(ctx, http.MethodPost, "/api/bookings/"+bid+"/assign", op, map[string]any{"driver_id": id})
			if err != nil {
				return
			}
			switch status {
			case http.StatusOK:
				wins.Add(1)
			case http.StatusConflict:
				conflicts.Add(1)
			}
		}(bid)
	}
	close(start)
	wg.Wait()

	note := fmt.Sprintf("wins=%d conflicts=%d", wins.Load(), conflicts.Load())
	if wins.Load() != 1 {
		return Result{Status: "FAIL", Note: note}
	}
	return Result{Status: "PASS", Note: note}
}

type requestFunc func(i int) (method, path, token string, body any)

func (r *Runner) perfLoad(ctx context.Context, next requestFunc) Result {
	end := time.Now().Add(r.cfg.Duration)
	var mu sync.Mutex
	var latencies []time.Duration
	var errCount, rejected int64
	var wg sync.WaitGroup

	for w := 0; w < r.cfg.Concurrency; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := w; time.Now().Before(end) && ctx.Err() == nil; i += r.cfg.Concurrency {
				method, path, token, body := next(i)
				status, _, latency, err := r.call(ctx, method, path, token, body)
				mu.Lock()
				switch {
				case err != nil:
					errCount++
				case status >= 400:
					rejected++
				default:
					latencies = append(latencies, latency)
				}
				mu.Unlock()
			}
		}(w)
	}
	wg.Wait()

	if len(latencies) == 0 {
		return Result{Status: "FAIL", Note: fmt.Sprintf("no successful requests (errors=%d rejected=%d)", errCount, rejected)}
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	p99 := latencies[len(latencies)*99/100]
	rps := float64(len(latencies)) / r.cfg.Duration.Seconds()
	return Result{
		Status:  "PASS",
		Latency: latencies[len(latencies)/2],
		Note:    fmt.Sprintf("rps=%.1f p99=%s errors=%d rejected=%d", rps, p99, errCount, rejected),
	}
}

func extractTables(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	re := regexp.MustCompile(`(?i)create\s+table\s+if\s+not\s+exists\s+([a-zA-Z0-9_]+)`)
	matches := re.FindAllStringSubmatch(string(b), -1)
	tables := make([]string, 0, len(matches))
	for _, m := range matches {
		tables = append(tables, m[1])
	}
	return tables, nil
}

func splitSQL(sql string) []string {
	lines := strings.Split(sql, "\n")
	filtered := make([]string, 0, len(lines))
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if strings.HasPrefix(l, "--") || l == "" {
			continue
		}
		filtered = append(filtered, line)
	}
	parts := strings.Split(strings.Join(filtered, "\n"), ";")
	stmts := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			stmts = append(stmts, s)
		}
	}
	return stmts
}
