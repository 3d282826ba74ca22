// Package httpclient is a closed-loop HTTP load generator. Each connection sends requests back to
// back for the configured duration; the outcome is published as job statistics.
package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/crankbench/crank/internal/common/benchmarkerrors"
	"github.com/crankbench/crank/internal/common/jobstats"
	"github.com/crankbench/crank/internal/common/logging"
)

const (
	Source = "HttpClient"

	RequestsMeasurement = "http/requests"
	RpsMeasurement      = "http/rps/mean"
	ErrorsMeasurement   = "http/requests/errors"
	LatencyMeasurement  = "http/latency/mean"
	statusPrefix        = "http/requests/status/"
)

type Config struct {
	Url         string
	Method      string
	Connections int
	Duration    time.Duration
	// Requests sent before measuring starts
	Warmup  time.Duration
	Timeout time.Duration
	Headers map[string]string
}

func (c Config) Validate() error {
	if c.Url == "" {
		return &benchmarkerrors.ErrInvalidArgument{Name: "url", Value: c.Url, Message: "a url is required"}
	}
	if c.Connections <= 0 {
		return &benchmarkerrors.ErrInvalidArgument{Name: "connections", Value: c.Connections, Message: "must be positive"}
	}
	if c.Duration <= 0 {
		return &benchmarkerrors.ErrInvalidArgument{Name: "duration", Value: c.Duration, Message: "must be positive"}
	}
	if c.Warmup < 0 {
		return &benchmarkerrors.ErrInvalidArgument{Name: "warmup", Value: c.Warmup, Message: "must not be negative"}
	}
	return nil
}

// Result counts what happened while measuring.
type Result struct {
	Requests int64
	// Responses per status class; index 0 holds 1xx
	StatusClasses [5]int64
	// Requests that got no response, or a response outside 1xx-5xx
	Errors  int64
	Elapsed time.Duration
	// Summed latency of the requests that got a response
	TotalLatency time.Duration
}

func (r Result) RequestsPerSecond() float64 {
	if r.Elapsed <= 0 {
		return 0
	}
	return float64(r.Requests) / r.Elapsed.Seconds()
}

func (r Result) MeanLatency() time.Duration {
	responses := r.Requests - r.Errors
	if responses <= 0 {
		return 0
	}
	return r.TotalLatency / time.Duration(responses)
}

type counters struct {
	requests      atomic.Int64
	statusClasses [5]atomic.Int64
	errors        atomic.Int64
	latency       atomic.Int64
}

type Generator struct {
	config Config
	client *http.Client
	logger *log.Entry
}

// New builds a generator. A nil client gets a transport sized to the connection count and a nil
// logger discards everything.
func New(config Config, client *http.Client, logger *log.Entry) *Generator {
	if client == nil {
		client = &http.Client{
			Timeout: config.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: config.Connections,
				MaxConnsPerHost:     config.Connections,
			},
		}
	}
	if config.Method == "" {
		config.Method = http.MethodGet
	}
	return &Generator{config: config, client: client, logger: logging.OrNull(logger)}
}

// Run warms up, then measures for the configured duration or until ctx is done.
func (g *Generator) Run(ctx context.Context) (Result, error) {
	if err := g.config.Validate(); err != nil {
		return Result{}, err
	}
	if g.config.Warmup > 0 {
		g.logger.Infof("Warming up for %s", g.config.Warmup)
		if _, err := g.load(ctx, g.config.Warmup); err != nil {
			return Result{}, err
		}
	}
	g.logger.Infof("Running %s with %d connection(s) against %s", g.config.Duration, g.config.Connections, g.config.Url)
	return g.load(ctx, g.config.Duration)
}

func (g *Generator) load(ctx context.Context, duration time.Duration) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	c := &counters{}
	start := time.Now()
	group, gctx := errgroup.WithContext(ctx)
	for i := 0; i < g.config.Connections; i++ {
		group.Go(func() error {
			for gctx.Err() == nil {
				g.send(gctx, c)
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return Result{}, err
	}
	result := Result{
		Requests:     c.requests.Load(),
		Errors:       c.errors.Load(),
		Elapsed:      time.Since(start),
		TotalLatency: time.Duration(c.latency.Load()),
	}
	for i := range result.StatusClasses {
		result.StatusClasses[i] = c.statusClasses[i].Load()
	}
	return result, nil
}

// send records one request. Requests cut short by the end of the run are not counted.
func (g *Generator) send(ctx context.Context, c *counters) {
	req, err := http.NewRequestWithContext(ctx, g.config.Method, g.config.Url, nil)
	if err != nil {
		c.requests.Add(1)
		c.errors.Add(1)
		return
	}
	for k, v := range g.config.Headers {
		req.Header.Set(k, v)
	}
	start := time.Now()
	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.requests.Add(1)
		c.errors.Add(1)
		g.logger.Debugf("Request failed: %v", err)
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	c.requests.Add(1)
	class := resp.StatusCode/100 - 1
	if class < 0 || class >= len(c.statusClasses) {
		c.errors.Add(1)
		return
	}
	c.statusClasses[class].Add(1)
	c.latency.Add(int64(time.Since(start)))
}

// Statistics renders r in the job statistics format.
func Statistics(r Result, now time.Time) jobstats.Statistics {
	metadata := []jobstats.MeasurementMetadata{
		{Source: Source, Name: RequestsMeasurement, Reduce: jobstats.Max, Aggregate: jobstats.Sum, ShortDescription: "Requests", Format: "n0"},
		{Source: Source, Name: RpsMeasurement, Reduce: jobstats.Max, Aggregate: jobstats.Sum, ShortDescription: "Mean RPS", Format: "n0"},
		{Source: Source, Name: ErrorsMeasurement, Reduce: jobstats.Max, Aggregate: jobstats.Sum, ShortDescription: "Bad responses", Format: "n0"},
		{Source: Source, Name: LatencyMeasurement, Reduce: jobstats.Max, Aggregate: jobstats.Avg, ShortDescription: "Mean latency (ms)", Format: "n2"},
	}
	measurements := []jobstats.Measurement{
		{Name: RequestsMeasurement, Timestamp: now, Value: float64(r.Requests)},
		{Name: RpsMeasurement, Timestamp: now, Value: r.RequestsPerSecond()},
		{Name: ErrorsMeasurement, Timestamp: now, Value: float64(r.Errors)},
		{Name: LatencyMeasurement, Timestamp: now, Value: float64(r.MeanLatency()) / float64(time.Millisecond)},
	}
	for i, count := range r.StatusClasses {
		name := StatusMeasurement(i + 1)
		metadata = append(metadata, jobstats.MeasurementMetadata{
			Source: Source, Name: name, Reduce: jobstats.Max, Aggregate: jobstats.Sum,
			ShortDescription: fmt.Sprintf("%dxx responses", i+1), Format: "n0",
		})
		measurements = append(measurements, jobstats.Measurement{Name: name, Timestamp: now, Value: float64(count)})
	}
	return jobstats.Statistics{Metadata: metadata, Measurements: measurements}
}

// StatusMeasurement names the counter of status class 1 to 5.
func StatusMeasurement(class int) string {
	return fmt.Sprintf("%s%dxx", statusPrefix, class)
}

// Publish writes r to w as a job statistics block.
func Publish(w io.Writer, r Result, now time.Time) error {
	return errors.WithMessage(jobstats.Write(w, Statistics(r, now)), "publishing statistics")
}
