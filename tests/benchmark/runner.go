// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joho/godotenv"
	"github.com/lib/pq"
)

// GlobalStats matches the structure from server.go
type GlobalStats struct {
	TotalTasks       int     `json:"total_tasks"`
	ReadyTasks       int     `json:"ready_tasks"`
	InProgressTasks  int     `json:"in_progress_tasks"`
	BlockedTasks     int     `json:"blocked_tasks"`
	CompletedTasks   int     `json:"completed_tasks"`
	UnsyncedTasks    int     `json:"unsynced_tasks"`
	AvgCompletionSec float64 `json:"avg_completion_seconds"`
	ThroughputTasks  float64 `json:"throughput_tasks_per_hour"`
}

type boardView struct {
	Pending []string `json:"pending"`
}

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

func main() {
	suite := flag.String("suite", "", "Benchmark suite to run (board, executor, mixed)")
	count := flag.Int("tasks", 200, "Number of tasks to inject")
	workers := flag.Int("workers", 8, "Concurrent drops or executors")
	dbHost := flag.String("db_host", "localhost", "Database host")
	apiHost := flag.String("api_host", "localhost", "Board API host")
	apiPort := flag.String("api_port", "8080", "Board API port")
	flag.Parse()

	if *suite == "" {
		fmt.Printf("%sPlease specify a suite using --suite=[board|executor|mixed]%s\n", colorRed, colorReset)
		os.Exit(1)
	}

	// Load DB config from .env or defaults
	_ = godotenv.Load("../../.env")
	dbUser := os.Getenv("DB_USER")
	dbPass := os.Getenv("DB_PASSWORD")
	dbName := os.Getenv("DB_NAME")
	sslMode := os.Getenv("DB_SSLMODE")
	if dbUser == "" {
		dbUser = "user"
	}
	if dbPass == "" {
		dbPass = "password"
	}
	if dbName == "" {
		dbName = "missioncontrol"
	}
	if sslMode == "" {
		sslMode = "require"
	}

	connStr := fmt.Sprintf("user=%s password=%s dbname=%s host=%s port=5432 sslmode=%s",
		dbUser, dbPass, dbName, *dbHost, sslMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		fmt.Printf("%sFailed to connect to DB: %v%s\n", colorRed, err, colorReset)
		os.Exit(1)
	}
	defer db.Close()

	base := fmt.Sprintf("http://%s:%s", *apiHost, *apiPort)

	fmt.Printf("\n%s%s %s MISSION CONTROL BENCHMARK %s %s%s\n", colorCyan, colorBold, ">>", "SUITE: "+*suite, "<<", colorReset)

	initialStats, err := getGlobalStats(base)
	if err != nil {
		fmt.Printf("%s[WARN]%s Could not get initial stats: %v. Metrics might be absolute.\n", colorYellow, colorReset, err)
	}

	ids, err := injectTasks(db, *suite, *count)
	if err != nil {
		fmt.Printf("%s[ERR]%s Failed to insert tasks: %v\n", colorRed, colorReset, err)
		os.Exit(1)
	}
	fmt.Printf("%s[OK]%s %d tasks injected.\n\n", colorGreen, colorReset, len(ids))

	// Give the session a moment to pick up the inserts before dropping.
	waitForTotal(base, initialStats.TotalTasks+len(ids))

	var failures atomic.Int64
	startTime := time.Now()
	switch *suite {
	case "board":
		runDrops(base, ids, *workers, &failures)
	case "executor":
		runExecutors(base, len(ids), *workers, &failures)
	case "mixed":
		half := len(ids) / 2
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); runDrops(base, ids[:half], *workers/2+1, &failures) }()
		go func() { defer wg.Done(); runExecutors(base, len(ids)-half, *workers/2+1, &failures) }()
		wg.Wait()
	default:
		fmt.Printf("%s[ERR]%s Unknown suite %s\n", colorRed, colorReset, *suite)
		os.Exit(1)
	}

	// Monitor convergence: every task completed and no unconfirmed drops.
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	fmt.Printf("%s%-10s %-12s %-12s %-10s %-10s%s\n", colorGray+colorBold, "ELAPSED", "COMPLETED", "IN_PROGRESS", "READY", "PENDING", colorReset)
	fmt.Println(colorGray + "------------------------------------------------------------" + colorReset)

	target := initialStats.CompletedTasks + len(ids)
	for range ticker.C {
		stats, err := getGlobalStats(base)
		elapsed := time.Since(startTime).Round(time.Second).String()
		if err != nil {
			fmt.Printf("\r%-10s %s%-42s%s", elapsed, colorRed, "Error: Connection Refused (Retrying...)", colorReset)
			continue
		}
		pending, err := getPending(base)
		if err != nil {
			continue
		}

		fmt.Printf("\r%-10s %s%-12d%s %s%-12d%s %-10d %-10d",
			elapsed,
			colorGreen, stats.CompletedTasks-initialStats.CompletedTasks, colorReset,
			colorYellow, stats.InProgressTasks, colorReset,
			stats.ReadyTasks,
			pending,
		)

		if stats.CompletedTasks >= target-int(failures.Load()) && pending == 0 {
			fmt.Printf("\n%s------------------------------------------------------------%s\n", colorGray, colorReset)
			fmt.Printf("\n%s%s Board converged! %s%s\n", colorGreen, colorBold, "✓", colorReset)
			printReport(stats, initialStats, int(failures.Load()), time.Since(startTime))
			return
		}
	}
}

// injectTasks inserts READY tasks straight into Postgres so the notify
// trigger, not the API, announces them.
func injectTasks(db *sql.DB, suite string, n int) ([]string, error) {
	priorities := []string{"P0", "P1", "P2", "P3"}
	ids := make([]string, 0, n)
	stamp := time.Now().UnixNano()
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("bench-%s-%d-%d", suite, stamp, i)
		_, err := db.Exec(`INSERT INTO tasks (id, name, priority, status, source, modified_by, dependencies)
			VALUES ($1, $2, $3, 'READY', 'import', 'system', $4)`,
			id, fmt.Sprintf("Benchmark task %d", i), priorities[i%len(priorities)], pq.Array([]string{}))
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func waitForTotal(base string, total int) {
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if stats, err := getGlobalStats(base); err == nil && stats.TotalTasks >= total {
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// runDrops drags every task to COMPLETED through the board, as a human would.
func runDrops(base string, ids []string, workers int, failures *atomic.Int64) {
	jobs := make(chan string)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				code, err := post(base+"/board/drop", map[string]string{"id": id, "column": "COMPLETED"}, nil)
				if err != nil || code != http.StatusOK {
					failures.Add(1)
				}
			}
		}()
	}
	for _, id := range ids {
		jobs <- id
	}
	close(jobs)
	wg.Wait()
}

// runExecutors claims and finishes n tasks through the executor API.
func runExecutors(base string, n, workers int, failures *atomic.Int64) {
	var remaining atomic.Int64
	remaining.Store(int64(n))
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			executor := fmt.Sprintf("bench-executor-%d", w)
			for remaining.Add(-1) >= 0 {
				var task struct {
					ID string `json:"id"`
				}
				code, err := post(base+"/executor/claim", map[string]string{"executor": executor}, &task)
				if err != nil || code != http.StatusOK {
					failures.Add(1)
					continue
				}
				code, err = post(base+"/executor/tasks/"+task.ID+"/complete", map[string]string{"executor": executor}, nil)
				if err != nil || code != http.StatusOK {
					failures.Add(1)
				}
			}
		}(w)
	}
	wg.Wait()
}

func post(url string, body any, out any) (int, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return 0, err
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func getGlobalStats(base string) (GlobalStats, error) {
	resp, err := http.Get(base + "/global-status")
	if err != nil {
		return GlobalStats{}, err
	}
	defer resp.Body.Close()

	var stats GlobalStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return GlobalStats{}, err
	}
	return stats, nil
}

func getPending(base string) (int, error) {
	resp, err := http.Get(base + "/board")
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var view boardView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return 0, err
	}
	return len(view.Pending), nil
}

func printReport(final, initial GlobalStats, failed int, duration time.Duration) {
	completed := final.CompletedTasks - initial.CompletedTasks
	total := completed + failed
	tps := float64(completed) / duration.Seconds()

	successRate := 100.0
	if total > 0 {
		successRate = float64(completed) / float64(total) * 100
	}

	fmt.Println("\n" + colorCyan + colorBold + "┏━━━━━━━━━━━━━━━━━━━━━━ REPORT ━━━━━━━━━━━━━━━━━━━━━━┓" + colorReset)

	lineFmt := colorCyan + "┃" + colorReset + "  %-22s " + colorBold + "%-25s" + colorCyan + "┃" + colorReset

	fmt.Printf(lineFmt+"\n", "Duration:", duration.Truncate(time.Millisecond).String())
	fmt.Printf(lineFmt+"\n", "Completed:", fmt.Sprintf("%d", completed))

	failedColor := colorGreen
	if failed > 0 {
		failedColor = colorRed
	}
	fmt.Printf(colorCyan+"┃"+"  %-22s "+failedColor+colorBold+"%-25s"+colorCyan+"┃"+colorReset+"\n", "  - Failed requests:", fmt.Sprintf("%d", failed))

	fmt.Printf(lineFmt+"\n", "Success Rate:", fmt.Sprintf("%.2f%%", successRate))
	fmt.Printf(lineFmt+"\n", "Throughput (TPS):", fmt.Sprintf("%.2f tasks/sec", tps))
	fmt.Printf(lineFmt+"\n", "Unsynced Tasks:", fmt.Sprintf("%d", final.UnsyncedTasks))
	fmt.Printf(lineFmt+"\n", "Hourly Capacity:", fmt.Sprintf("%.1f tasks/hr", final.ThroughputTasks))

	fmt.Println(colorCyan + colorBold + "┗━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━┛" + colorReset)
}
