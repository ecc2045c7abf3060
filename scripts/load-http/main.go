package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// Load generator for the token verification endpoint. The bearer token is
// either passed directly or minted once from the mock provider.
// Example: go run ./scripts/load-http -token-url 'http://localhost:9100/token?sub=001234.load' -concurrency 50 -rate 200

func main() {
	target := flag.String("target", "http://localhost:8080/api/v1/auth/verify", "verification endpoint")
	token := flag.String("token", "", "identity token to present")
	tokenURL := flag.String("token-url", "", "mock provider URL to mint a token from when -token is empty")
	concurrency := flag.Int("concurrency", 20, "number of worker goroutines")
	rate := flag.Int("rate", 200, "requests per second total")
	duration := flag.Duration("duration", 30*time.Second, "test duration")
	timeout := flag.Duration("timeout", 5*time.Second, "per-request timeout")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client := &http.Client{Timeout: *timeout}

	if *token == "" && *tokenURL != "" {
		minted, err := mintToken(ctx, client, *tokenURL)
		if err != nil {
			logger.Error("mint token", "error", err)
			os.Exit(1)
		}
		*token = minted
	}
	if *token == "" {
		logger.Warn("no token given, every request will be rejected")
	}

	var accepted, rejected, failed uint64
	latencies := make([]time.Duration, 0, *rate*int(duration.Seconds()))
	var latMu sync.Mutex

	work := make(chan struct{}, *concurrency)
	var wg sync.WaitGroup

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range work {
				start := time.Now()
				valid, err := verify(ctx, client, *target, *token)
				switch {
				case err != nil:
					atomic.AddUint64(&failed, 1)
				case valid:
					atomic.AddUint64(&accepted, 1)
				default:
					atomic.AddUint64(&rejected, 1)
				}
				latency := time.Since(start)
				latMu.Lock()
				latencies = append(latencies, latency)
				latMu.Unlock()
			}
		}()
	}

	ticker := time.NewTicker(time.Second / time.Duration(max(1, *rate)))
	defer ticker.Stop()
	stop := time.NewTimer(*duration)

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-stop.C:
			break loop
		case <-ticker.C:
			select {
			case work <- struct{}{}:
			default:
			}
		}
	}
	close(work)
	wg.Wait()

	logger.Info("load test complete",
		"total", accepted+rejected+failed,
		"accepted", accepted,
		"rejected", rejected,
		"failed", failed,
		"p50", percentile(latencies, 0.50),
		"p95", percentile(latencies, 0.95),
		"p99", percentile(latencies, 0.99),
	)
}

func verify(ctx context.Context, client *http.Client, target, token string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		return false, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("status %d", resp.StatusCode)
	}
	var body struct {
		Valid bool `json:"valid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, err
	}
	return body.Valid, nil
}

func mintToken(ctx context.Context, client *http.Client, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("mock provider returned %d", resp.StatusCode)
	}
	var body struct {
		IDToken string `json:"id_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	return body.IDToken, nil
}

func percentile(latencies []time.Duration, p float64) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
