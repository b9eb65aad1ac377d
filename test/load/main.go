package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// submitResponse mirrors the JSON body of POST /submit.
type submitResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Details struct {
		RoomName   string `json:"room_name"`
		DispatchID string `json:"dispatch_id"`
	} `json:"details"`
}

type LoadTestConfig struct {
	URL               string
	RequestsPerSecond int
	DurationSeconds   int
	ConcurrentWorkers int
	Phone             string
}

type Stats struct {
	successCount  atomic.Int64
	rejectedCount atomic.Int64
	errorCount    atomic.Int64
	responseTimes []float64
	rooms         map[string]struct{}
	mu            sync.Mutex
}

func (s *Stats) record(duration float64, room string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responseTimes = append(s.responseTimes, duration)
	if room != "" {
		s.rooms[room] = struct{}{}
	}
}

func (s *Stats) snapshot() ([]float64, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	times := make([]float64, len(s.responseTimes))
	copy(times, s.responseTimes)
	return times, len(s.rooms)
}

func sendRequest(client *http.Client, config LoadTestConfig, seq int64, stats *Stats) {
	form := url.Values{
		"name":  {fmt.Sprintf("Load Test %d", seq)},
		"phone": {config.Phone},
		"query": {"load test"},
	}

	start := time.Now()
	resp, err := client.PostForm(config.URL, form)
	if err != nil {
		stats.errorCount.Add(1)
		stats.record(time.Since(start).Seconds(), "")
		return
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	var out submitResponse
	_ = json.Unmarshal(body, &out)
	stats.record(time.Since(start).Seconds(), out.Details.RoomName)

	switch {
	case resp.StatusCode == http.StatusOK && out.Success:
		stats.successCount.Add(1)
	case resp.StatusCode == http.StatusBadRequest:
		stats.rejectedCount.Add(1)
	default:
		stats.errorCount.Add(1)
	}
}

func worker(client *http.Client, config LoadTestConfig, seq *atomic.Int64, stats *Stats, jobs <-chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	for range jobs {
		sendRequest(client, config, seq.Add(1), stats)
	}
}

func calculatePercentile(sorted []float64, percentile float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	index := int(float64(len(sorted)) * percentile)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}
	return sorted[index]
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func main() {
	config := LoadTestConfig{
		URL:               getEnvOrDefault("TARGET_URL", "http://localhost:8080/submit"),
		RequestsPerSecond: getEnvIntOrDefault("REQUESTS_PER_SECOND", 20),
		DurationSeconds:   getEnvIntOrDefault("DURATION_SECONDS", 30),
		ConcurrentWorkers: getEnvIntOrDefault("CONCURRENT_WORKERS", 20),
		Phone:             getEnvOrDefault("PHONE_NUMBER", "+15550100"),
	}

	fmt.Println("Starting load test...")
	fmt.Printf("Target: %s\n", config.URL)
	fmt.Printf("Total submissions: %d\n", config.RequestsPerSecond*config.DurationSeconds)
	fmt.Printf("Target RPS: %d\n", config.RequestsPerSecond)
	fmt.Printf("Concurrent workers: %d\n", config.ConcurrentWorkers)
	fmt.Printf("Duration: %d seconds\n", config.DurationSeconds)
	fmt.Println(strings.Repeat("-", 50))

	stats := &Stats{rooms: make(map[string]struct{})}
	client := &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        config.ConcurrentWorkers,
			MaxIdleConnsPerHost: config.ConcurrentWorkers,
			IdleConnTimeout:     90 * time.Second,
		},
		Timeout: 60 * time.Second,
	}

	jobs := make(chan struct{}, config.RequestsPerSecond)
	var seq atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < config.ConcurrentWorkers; i++ {
		wg.Add(1)
		go worker(client, config, &seq, stats, jobs, &wg)
	}

	startTime := time.Now()
	totalRequests := config.RequestsPerSecond * config.DurationSeconds
	requestsSent := 0

	for i := 0; i < config.DurationSeconds && requestsSent < totalRequests; i++ {
		batchStart := time.Now()
		for j := 0; j < config.RequestsPerSecond && requestsSent < totalRequests; j++ {
			jobs <- struct{}{}
			requestsSent++
		}

		success := stats.successCount.Load()
		failed := stats.errorCount.Load() + stats.rejectedCount.Load()
		fmt.Printf("[%ds] Completed: %d | Scheduled: %d | Failed: %d\n", i+1, success+failed, success, failed)

		if elapsed := time.Since(batchStart); elapsed < time.Second {
			time.Sleep(time.Second - elapsed)
		}
	}

	close(jobs)
	wg.Wait()

	duration := time.Since(startTime).Seconds()
	success := stats.successCount.Load()
	rejected := stats.rejectedCount.Load()
	errs := stats.errorCount.Load()
	total := success + rejected + errs

	times, uniqueRooms := stats.snapshot()
	sort.Float64s(times)
	var avg float64
	for _, t := range times {
		avg += t
	}
	if len(times) > 0 {
		avg /= float64(len(times))
	}

	fmt.Println("\n" + strings.Repeat("=", 50))
	fmt.Println("LOAD TEST RESULTS")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Printf("Duration: %.2f seconds\n", duration)
	fmt.Printf("Total submissions: %d\n", total)
	fmt.Printf("Scheduled: %d\n", success)
	fmt.Printf("Rejected (400): %d\n", rejected)
	fmt.Printf("Failed: %d\n", errs)
	fmt.Printf("Unique rooms: %d\n", uniqueRooms)
	if int64(uniqueRooms) != success {
		fmt.Println("WARNING: room names were reused across submissions")
	}
	if total > 0 {
		fmt.Printf("Success rate: %.2f%%\n", float64(success)/float64(total)*100)
	}
	fmt.Printf("\nActual RPS: %.2f\n", float64(total)/duration)
	fmt.Printf("\nResponse times:\n")
	fmt.Printf("  Average: %.2f ms\n", avg*1000)
	fmt.Printf("  P50: %.2f ms\n", calculatePercentile(times, 0.50)*1000)
	fmt.Printf("  P95: %.2f ms\n", calculatePercentile(times, 0.95)*1000)
	fmt.Printf("  P99: %.2f ms\n", calculatePercentile(times, 0.99)*1000)
	if len(times) > 0 {
		fmt.Printf("  Min: %.2f ms\n", times[0]*1000)
		fmt.Printf("  Max: %.2f ms\n", times[len(times)-1]*1000)
	}
}
