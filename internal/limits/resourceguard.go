// Package limits enforces static resource limits so lingerd degrades
// predictably under overload instead of falling over: rate limiting on
// publish/ingest paths, a goroutine ceiling, and CPU/memory safety valves
// that reject new HTTP requests before the process runs out of headroom.
//
// Admission checks gate new HTTP requests; separate rate budgets bound the
// publish path and the ingestion bridge so a burst on one cannot starve the
// other.
package limits

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adred-codev/lingerd/internal/metrics"
	"github.com/adred-codev/lingerd/internal/platform"
)

// Config is the subset of configuration the guard needs, independent of how
// the caller loads it (keeps this package decoupled from internal/config).
type Config struct {
	MaxInflightRequests int
	MaxKafkaRate        int
	MaxPublishRate      int
	MaxGoroutines       int
	CPULimit            float64
	MemoryLimit         int64
	CPURejectThreshold  float64
	CPUPauseThreshold   float64
}

// GoroutineLimiter bounds concurrent background goroutines with a semaphore.
type GoroutineLimiter struct {
	sem chan struct{}
	max int
}

func NewGoroutineLimiter(max int) *GoroutineLimiter {
	return &GoroutineLimiter{sem: make(chan struct{}, max), max: max}
}

func (gl *GoroutineLimiter) Acquire() bool {
	select {
	case gl.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (gl *GoroutineLimiter) Release() { <-gl.sem }
func (gl *GoroutineLimiter) Current() int { return len(gl.sem) }
func (gl *GoroutineLimiter) Max() int     { return gl.max }

// ResourceGuard enforces the configured static limits. It does not calculate
// or auto-adjust capacity; it only measures and rejects.
type ResourceGuard struct {
	config Config
	logger zerolog.Logger

	kafkaLimiter      *rate.Limiter
	publishLimiter    *rate.Limiter
	getMessageLimiter *rate.Limiter

	goroutineLimiter *GoroutineLimiter
	cpuMonitor       *platform.CPUMonitor

	currentCPU    atomic.Value // float64
	currentMemory atomic.Value // int64

	inflightRequests *int64 // pointer to the HTTP server's inflight counter
}

// New creates a resource guard. inflightRequests must point at an int64 the
// HTTP layer increments/decrements with atomic ops per in-flight request.
func New(cfg Config, logger zerolog.Logger, inflightRequests *int64) *ResourceGuard {
	kafkaLimiter := rate.NewLimiter(rate.Limit(cfg.MaxKafkaRate), cfg.MaxKafkaRate*2)
	publishLimiter := rate.NewLimiter(rate.Limit(cfg.MaxPublishRate), cfg.MaxPublishRate*2)
	// New parked get_message calls are bounded separately from publish
	// throughput: a burst of long-poll consumers shouldn't starve the rate
	// budget add_message/publish_message need.
	getMessageLimiter := rate.NewLimiter(rate.Limit(cfg.MaxInflightRequests), cfg.MaxInflightRequests*2)
	goroutineLimiter := NewGoroutineLimiter(cfg.MaxGoroutines)
	cpuMonitor := platform.NewCPUMonitor(logger)

	rg := &ResourceGuard{
		config:            cfg,
		logger:            logger,
		kafkaLimiter:      kafkaLimiter,
		publishLimiter:    publishLimiter,
		getMessageLimiter: getMessageLimiter,
		goroutineLimiter:  goroutineLimiter,
		cpuMonitor:        cpuMonitor,
		inflightRequests:  inflightRequests,
	}
	rg.currentCPU.Store(0.0)
	rg.currentMemory.Store(int64(0))

	logger.Info().
		Str("cpu_mode", cpuMonitor.Mode()).
		Float64("cpu_allocation", cpuMonitor.GetAllocation()).
		Float64("cpu_limit", cfg.CPULimit).
		Int64("memory_limit", cfg.MemoryLimit).
		Int("max_inflight_requests", cfg.MaxInflightRequests).
		Int("max_kafka_rate", cfg.MaxKafkaRate).
		Int("max_publish_rate", cfg.MaxPublishRate).
		Int("max_goroutines", cfg.MaxGoroutines).
		Msgf("resource guard initialized: %.1f CPUs allocated, rejecting above %.0f%%",
			cpuMonitor.GetAllocation(), cfg.CPURejectThreshold)

	return rg
}

// ShouldAcceptRequest decides whether a new HTTP request should be admitted,
// checking (in order) the inflight-request ceiling, the CPU emergency brake,
// the memory emergency brake, and the goroutine ceiling.
func (rg *ResourceGuard) ShouldAcceptRequest() (accept bool, reason string) {
	inflight := atomic.LoadInt64(rg.inflightRequests)
	cpu := rg.currentCPU.Load().(float64)
	mem := rg.currentMemory.Load().(int64)
	goros := runtime.NumGoroutine()

	if inflight >= int64(rg.config.MaxInflightRequests) {
		metrics.AdmissionRejectionsTotal.WithLabelValues("at_max_inflight").Inc()
		return false, fmt.Sprintf("at max inflight requests (%d)", rg.config.MaxInflightRequests)
	}
	if cpu > rg.config.CPURejectThreshold {
		metrics.AdmissionRejectionsTotal.WithLabelValues("cpu_overload").Inc()
		return false, fmt.Sprintf("CPU %.1f%% > %.1f%%", cpu, rg.config.CPURejectThreshold)
	}
	if rg.config.MemoryLimit > 0 && mem > rg.config.MemoryLimit {
		metrics.AdmissionRejectionsTotal.WithLabelValues("memory_limit").Inc()
		return false, "memory limit exceeded"
	}
	if goros > rg.config.MaxGoroutines {
		metrics.AdmissionRejectionsTotal.WithLabelValues("goroutine_limit").Inc()
		return false, fmt.Sprintf("goroutine limit exceeded (%d > %d)", goros, rg.config.MaxGoroutines)
	}
	return true, "OK"
}

// ShouldPauseKafka reports whether the Kafka ingestion bridge should pause
// consumption because CPU is critically high.
func (rg *ResourceGuard) ShouldPauseKafka() bool {
	return rg.currentCPU.Load().(float64) > rg.config.CPUPauseThreshold
}

// AllowKafkaMessage rate limits Kafka ingestion. allow is false if the rate
// is exceeded; waitDuration (when allow is false because of scheduling, not
// hard rejection) is how long the caller would need to wait.
func (rg *ResourceGuard) AllowKafkaMessage(ctx context.Context) (allow bool, waitDuration time.Duration) {
	reservation := rg.kafkaLimiter.Reserve()
	if !reservation.OK() {
		return false, 0
	}
	if delay := reservation.Delay(); delay > 0 {
		reservation.Cancel()
		return false, delay
	}
	return true, 0
}

// AllowPublish rate limits add_message/publish_message and the HTTP POST
// paths that feed them.
func (rg *ResourceGuard) AllowPublish() bool {
	return rg.publishLimiter.Allow()
}

// AllowGetMessage rate limits new long-poll get_message parks, independent
// of the publish-side budget.
func (rg *ResourceGuard) AllowGetMessage() bool {
	return rg.getMessageLimiter.Allow()
}

// AcquireGoroutine/ReleaseGoroutine gate background goroutines (e.g. one per
// SNS confirmation fetch) against the configured ceiling.
func (rg *ResourceGuard) AcquireGoroutine() bool {
	acquired := rg.goroutineLimiter.Acquire()
	if !acquired {
		rg.logger.Warn().
			Int("current", rg.goroutineLimiter.Current()).
			Int("max", rg.goroutineLimiter.Max()).
			Msg("goroutine limit reached")
	}
	return acquired
}

func (rg *ResourceGuard) ReleaseGoroutine() {
	rg.goroutineLimiter.Release()
}

// UpdateResources refreshes CPU and memory measurements. Call periodically.
func (rg *ResourceGuard) UpdateResources() {
	cpuPercent, throttle, err := rg.cpuMonitor.GetPercent()
	if err != nil {
		rg.logger.Error().Err(err).Msg("failed to get CPU usage")
		cpuPercent = 0
	}
	rg.currentCPU.Store(cpuPercent)
	metrics.CPUUsagePercent.Set(cpuPercent)
	metrics.CPUAllocationCores.Set(rg.cpuMonitor.GetAllocation())
	if throttle.ThrottledSec > 0 {
		metrics.CPUThrottledSecondsTotal.Add(throttle.ThrottledSec)
	}
	if hostCPU, err := rg.cpuMonitor.GetHostPercent(); err == nil {
		metrics.CPUHostPercent.Set(hostCPU)
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	rg.currentMemory.Store(int64(mem.Alloc))

	rg.logger.Debug().
		Float64("cpu_percent", cpuPercent).
		Int64("memory_mb", int64(mem.Alloc)/(1024*1024)).
		Int64("inflight_requests", atomic.LoadInt64(rg.inflightRequests)).
		Int("goroutines", runtime.NumGoroutine()).
		Msg("resource state updated")
}

// StartMonitoring begins periodic resource sampling until ctx is cancelled.
func (rg *ResourceGuard) StartMonitoring(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rg.UpdateResources()
			case <-ctx.Done():
				rg.logger.Info().Msg("resource guard monitoring stopped")
				return
			}
		}
	}()
	rg.logger.Info().Dur("interval", interval).Msg("resource guard monitoring started")
}

// GetStats returns current resource statistics for the admin/debug surface.
func (rg *ResourceGuard) GetStats() map[string]any {
	return map[string]any{
		"max_inflight_requests": rg.config.MaxInflightRequests,
		"inflight_requests":     atomic.LoadInt64(rg.inflightRequests),
		"cpu_percent":           rg.currentCPU.Load().(float64),
		"cpu_reject_threshold":  rg.config.CPURejectThreshold,
		"cpu_pause_threshold":   rg.config.CPUPauseThreshold,
		"memory_bytes":          rg.currentMemory.Load().(int64),
		"memory_limit_bytes":    rg.config.MemoryLimit,
		"goroutines_current":    runtime.NumGoroutine(),
		"goroutines_limit":      rg.config.MaxGoroutines,
		"kafka_rate_limit":      rg.config.MaxKafkaRate,
		"publish_rate_limit":    rg.config.MaxPublishRate,
	}
}
