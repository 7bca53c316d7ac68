package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Config holds the benchmark settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	users       int
	fundAmount  string
	fromCcy     string
	toCcy       string
)

// Metrics
var (
	totalRequests uint64
	success201    uint64 // Created
	fail409       uint64 // Reference conflicts
	fail422       uint64 // Insufficient funds
	fail429       uint64 // Rate limited
	fail504       uint64 // Lock timeouts
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.IntVar(&users, "users", 100, "Number of wallets to fund and convert against")
	flag.StringVar(&fundAmount, "fund", "1000000", "Opening balance per wallet")
	flag.StringVar(&fromCcy, "from", "NGN", "Source currency")
	flag.StringVar(&toCcy, "to", "USD", "Target currency")
}

func main() {
	flag.Parse()
	log.Printf("Starting Benchmark: %s | Workers: %d | Duration: %s | Users: %d", workload, concurrency, duration, users)

	wallets, err := fundWallets()
	if err != nil {
		log.Fatalf("Funding wallets failed: %v", err)
	}

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start, wallets)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func post(client *http.Client, user uuid.UUID, path, key string, payload interface{}) (int, error) {
	body, _ := json.Marshal(payload)
	req, err := http.NewRequest(http.MethodPost, targetURL+path, bytes.NewBuffer(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", user.String())
	req.Header.Set("Idempotency-Key", key)

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}

func fundWallets() ([]uuid.UUID, error) {
	client := &http.Client{Timeout: 10 * time.Second}
	wallets := make([]uuid.UUID, users)
	for i := range wallets {
		wallets[i] = uuid.New()
		code, err := post(client, wallets[i], "/api/v1/wallets/fund", "bench-fund-"+wallets[i].String(), map[string]interface{}{
			"currency": fromCcy,
			"amount":   fundAmount,
		})
		if err != nil {
			return nil, err
		}
		if code != http.StatusOK {
			return nil, fmt.Errorf("fund %s: unexpected status %d", wallets[i], code)
		}
	}
	return wallets, nil
}

func worker(wg *sync.WaitGroup, start time.Time, wallets []uuid.UUID) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	for time.Since(start) < duration {
		user := pickWallet(wallets)
		key := fmt.Sprintf("bench-%s-%d", user, time.Now().UnixNano())

		code, err := post(client, user, "/api/v1/wallets/convert", key, map[string]interface{}{
			"from_currency": fromCcy,
			"to_currency":   toCcy,
			"amount":        "100",
		})
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch code {
		case http.StatusCreated:
			atomic.AddUint64(&success201, 1)
		case http.StatusConflict:
			atomic.AddUint64(&fail409, 1)
		case http.StatusUnprocessableEntity:
			atomic.AddUint64(&fail422, 1)
		case http.StatusTooManyRequests:
			atomic.AddUint64(&fail429, 1)
		case http.StatusGatewayTimeout:
			atomic.AddUint64(&fail504, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
	}
}

func pickWallet(wallets []uuid.UUID) uuid.UUID {
	// Hotspot: 90% of traffic lands on one wallet and contends for its row locks
	if workload == "hotspot" && rand.Float32() < 0.90 {
		return wallets[0]
	}
	return wallets[rand.Intn(len(wallets))]
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s201 := atomic.LoadUint64(&success201)
	f409 := atomic.LoadUint64(&fail409)
	f422 := atomic.LoadUint64(&fail422)
	f429 := atomic.LoadUint64(&fail429)
	f504 := atomic.LoadUint64(&fail504)
	fErr := atomic.LoadUint64(&failOther)

	tps := float64(total) / d.Seconds()
	var abortRate float64
	if total > 0 {
		abortRate = float64(f409+f504) / float64(total) * 100
	}

	results := map[string]interface{}{
		"workload":            workload,
		"duration_sec":        d.Seconds(),
		"total_requests":      total,
		"throughput_tps":      tps,
		"success_created":     s201,
		"aborts_conflict":     f409,
		"aborts_lock_timeout": f504,
		"abort_rate_pct":      abortRate,
		"insufficient_funds":  f422,
		"rate_limited":        f429,
		"errors":              fErr,
	}

	// Print JSON for the python plotter to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	// Also save to file
	filename := fmt.Sprintf("results_%s.json", workload)
	file, err := os.Create(filename)
	if err != nil {
		log.Printf("Could not write %s: %v", filename, err)
		return
	}
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
