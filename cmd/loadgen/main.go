package main

import (
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
)

// Config holds the load test settings
var (
	targetURL   string
	concurrency int
	duration    time.Duration
	workload    string
	invoices    int
)

// Metrics
var (
	totalRequests uint64
	success200    uint64 // Reads
	success202    uint64 // Queued re-checks
	fail404       uint64
	failOther     uint64
)

func init() {
	flag.StringVar(&targetURL, "url", "http://localhost:8080", "Ops API Base URL")
	flag.IntVar(&concurrency, "workers", 10, "Number of concurrent workers")
	flag.DurationVar(&duration, "duration", 30*time.Second, "Test duration")
	flag.StringVar(&workload, "workload", "uniform", "Workload type: uniform | hotspot")
	flag.IntVar(&invoices, "invoices", 1000, "Invoice id range to target")
}

func main() {
	flag.Parse()
	log.Printf("Starting load: %s | Workers: %d | Duration: %s", workload, concurrency, duration)

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go worker(&wg, start)
	}

	wg.Wait()
	printResults(time.Since(start))
}

func worker(wg *sync.WaitGroup, start time.Time) {
	defer wg.Done()
	client := &http.Client{Timeout: 5 * time.Second}

	for time.Since(start) < duration {
		id := pickInvoice()

		// mostly reads, with a slice of re-check triggers to exercise the
		// queue path
		var resp *http.Response
		var err error
		if rand.Float32() < 0.1 {
			url := fmt.Sprintf("%s/api/v1/invoices/%d/check", targetURL, id)
			resp, err = client.Post(url, "application/json", nil)
		} else {
			url := fmt.Sprintf("%s/api/v1/invoices/%d", targetURL, id)
			resp, err = client.Get(url)
		}
		if err != nil {
			atomic.AddUint64(&failOther, 1)
			continue
		}

		atomic.AddUint64(&totalRequests, 1)
		switch resp.StatusCode {
		case 200:
			atomic.AddUint64(&success200, 1)
		case 202:
			atomic.AddUint64(&success202, 1)
		case 404:
			atomic.AddUint64(&fail404, 1)
		default:
			atomic.AddUint64(&failOther, 1)
		}
		resp.Body.Close()
	}
}

func pickInvoice() int64 {
	if workload == "hotspot" {
		// Hotspot: 90% of traffic targets the first two invoices
		if rand.Float32() < 0.90 {
			if rand.Float32() < 0.5 {
				return 1
			}
			return 2
		}
	}
	return int64(rand.Intn(invoices) + 1)
}

func printResults(d time.Duration) {
	total := atomic.LoadUint64(&totalRequests)
	s200 := atomic.LoadUint64(&success200)
	s202 := atomic.LoadUint64(&success202)
	f404 := atomic.LoadUint64(&fail404)
	fErr := atomic.LoadUint64(&failOther)

	rps := float64(total) / d.Seconds()

	results := map[string]interface{}{
		"workload":       workload,
		"duration_sec":   d.Seconds(),
		"total_requests": total,
		"throughput_rps": rps,
		"reads":          s200,
		"checks_queued":  s202,
		"not_found":      f404,
		"errors":         fErr,
	}

	// Print JSON for downstream tooling to consume
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(results)

	// Also save to file
	filename := fmt.Sprintf("results_%s.json", workload)
	file, _ := os.Create(filename)
	defer file.Close()
	json.NewEncoder(file).Encode(results)
}
