package worker

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/loadpilot/loadpilot/pkg/models"
)

// Generator is the reference load generator: it drives the spec's load
// profile against the target and reports frames through an Encoder.
// Ramp shaping is coarse — the virtual user count is adjusted once per tick,
// stepping linearly through the ramp phases.
type Generator struct {
	// Client is the HTTP client used for target requests. Defaults to a
	// client with a 10s request timeout.
	Client *http.Client

	// ProgressInterval is how often a progress frame is emitted. Defaults
	// to one second.
	ProgressInterval time.Duration
}

// adjustInterval is how often the virtual user pool is resized toward the
// profile's current target.
const adjustInterval = 250 * time.Millisecond

// stats accumulates request outcomes across virtual users.
type stats struct {
	mu        sync.Mutex
	total     int64
	success   int64
	failed    int64
	latencies []float64 // milliseconds
}

func (s *stats) record(latencyMS float64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	if ok {
		s.success++
	} else {
		s.failed++
	}
	s.latencies = append(s.latencies, latencyMS)
}

func (s *stats) snapshot() (total, success, failed int64, avgLatency float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum float64
	for _, l := range s.latencies {
		sum += l
	}
	if len(s.latencies) > 0 {
		avgLatency = sum / float64(len(s.latencies))
	}
	return s.total, s.success, s.failed, avgLatency
}

// Run executes the load profile and emits progress frames followed by one
// complete frame. It returns an error only for unrunnable specs or a broken
// output stream; request failures are counted, not fatal. A context cancel
// ends the run early without a terminal frame — the parent decides what a
// killed worker means.
func (g *Generator) Run(ctx context.Context, spec models.ResolvedSpec, enc *Encoder) error {
	client := g.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	progressInterval := g.ProgressInterval
	if progressInterval <= 0 {
		progressInterval = time.Second
	}

	targetURL, err := buildTargetURL(spec.Request)
	if err != nil {
		return fmt.Errorf("build target url: %w", err)
	}
	body := []byte(spec.Request.Body)
	if len(spec.Attachment) > 0 {
		body = spec.Attachment
	}

	profile := spec.LoadProfile
	totalDuration := time.Duration(profile.RampUp+profile.Steady+profile.RampDown) * time.Second

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	st := &stats{}
	start := time.Now()

	// Virtual user pool. Each vu loops issuing requests until its own
	// context is cancelled.
	var (
		wg      sync.WaitGroup
		cancels []context.CancelFunc
	)
	setUsers := func(target int) {
		for len(cancels) < target {
			vuCtx, vuCancel := context.WithCancel(runCtx)
			cancels = append(cancels, vuCancel)
			wg.Add(1)
			go func() {
				defer wg.Done()
				g.runUser(vuCtx, client, spec.Request.Method, targetURL, spec.Request.Headers, body, st)
			}()
		}
		for len(cancels) > target {
			last := len(cancels) - 1
			cancels[last]()
			cancels = cancels[:last]
		}
	}

	adjust := time.NewTicker(adjustInterval)
	defer adjust.Stop()
	progress := time.NewTicker(progressInterval)
	defer progress.Stop()

	var lastTotal int64
	lastProgress := start

loop:
	for {
		select {
		case <-ctx.Done():
			setUsers(0)
			wg.Wait()
			return ctx.Err()
		case now := <-adjust.C:
			elapsed := now.Sub(start)
			if elapsed >= totalDuration {
				break loop
			}
			setUsers(targetUsers(profile, elapsed))
		case now := <-progress.C:
			total, success, failed, avgLatency := st.snapshot()
			window := now.Sub(lastProgress).Seconds()
			var rps float64
			if window > 0 {
				rps = float64(total-lastTotal) / window
			}
			lastTotal = total
			lastProgress = now
			if err := enc.EncodeProgress(models.ProgressMetrics{
				CurrentRPS:         rps,
				TotalRequests:      total,
				SuccessfulRequests: success,
				FailedRequests:     failed,
				AverageLatency:     avgLatency,
				ElapsedTime:        now.Sub(start).Seconds(),
			}); err != nil {
				setUsers(0)
				wg.Wait()
				return err
			}
		}
	}

	setUsers(0)
	wg.Wait()

	return enc.EncodeComplete(g.summarize(st, time.Since(start)))
}

// runUser is one virtual user's request loop.
func (g *Generator) runUser(ctx context.Context, client *http.Client, method, targetURL string, headers map[string]string, body []byte, st *stats) {
	for ctx.Err() == nil {
		reqStart := time.Now()
		ok := doRequest(ctx, client, method, targetURL, headers, body)
		latency := float64(time.Since(reqStart).Microseconds()) / 1000.0
		if ctx.Err() != nil {
			return
		}
		st.record(latency, ok)
	}
}

// doRequest issues one request; success is any response below 400.
func doRequest(ctx context.Context, client *http.Client, method, targetURL string, headers map[string]string, body []byte) bool {
	var reader *bytes.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, targetURL, reader)
	if err != nil {
		return false
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode < 400
}

// summarize computes the terminal payload from accumulated stats.
func (g *Generator) summarize(st *stats, elapsed time.Duration) Complete {
	st.mu.Lock()
	defer st.mu.Unlock()

	sorted := make([]float64, len(st.latencies))
	copy(sorted, st.latencies)
	sort.Float64s(sorted)

	duration := elapsed.Seconds()
	var avgRPS, errorRate float64
	if duration > 0 {
		avgRPS = float64(st.total) / duration
	}
	if st.total > 0 {
		errorRate = float64(st.failed) / float64(st.total) * 100
	}

	return Complete{
		TotalRequests:      st.total,
		SuccessfulRequests: st.success,
		FailedRequests:     st.failed,
		AverageRPS:         avgRPS,
		P50Latency:         percentile(sorted, 50),
		P95Latency:         percentile(sorted, 95),
		P99Latency:         percentile(sorted, 99),
		ErrorRate:          errorRate,
		Duration:           duration,
	}
}

// targetUsers returns the profile's virtual user target at the given offset
// into the run: linear ramp up, steady plateau, linear ramp down.
func targetUsers(p models.LoadProfile, elapsed time.Duration) int {
	seconds := elapsed.Seconds()
	rampUp := float64(p.RampUp)
	steady := float64(p.Steady)
	rampDown := float64(p.RampDown)

	switch {
	case seconds < rampUp:
		users := int(float64(p.Users) * seconds / rampUp)
		if users < 1 {
			users = 1
		}
		return users
	case seconds < rampUp+steady:
		return p.Users
	case rampDown > 0 && seconds < rampUp+steady+rampDown:
		remaining := rampUp + steady + rampDown - seconds
		users := int(float64(p.Users) * remaining / rampDown)
		if users < 1 {
			users = 1
		}
		return users
	default:
		return 0
	}
}

// percentile returns the p-th percentile of an ascending-sorted slice.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p/100*float64(len(sorted))+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// buildTargetURL merges query params into the spec URL.
func buildTargetURL(req models.RequestConfig) (string, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return "", err
	}
	if len(req.QueryParams) > 0 {
		q := u.Query()
		for k, v := range req.QueryParams {
			q.Set(k, v)
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
