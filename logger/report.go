package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net" //cloudwatch

	"github.com/aws/aws-sdk-go-v2/aws"                              //cloudwatch
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types" //cloudwatch
)

type sourceStat struct {
	requests int64
	failures int64
}

var (
	errorsRouting int64
	errorsFetch   int64
	warnsRouting  int64
	warnsFetch    int64
	fetchSuccess  int64
	fetchFailure  int64
	cacheHits     int64
	cacheMisses   int64
	failovers     int64
	sources       sync.Map // map[string]*sourceStat
)

func recordWarn(component string) {
	if strings.Contains(component, "router") || strings.Contains(component, "routing") {
		atomic.AddInt64(&warnsRouting, 1)
	} else if strings.Contains(component, "gateway") || strings.Contains(component, "provider") {
		atomic.AddInt64(&warnsFetch, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "router") || strings.Contains(component, "routing") {
		atomic.AddInt64(&errorsRouting, 1)
	} else if strings.Contains(component, "gateway") || strings.Contains(component, "provider") {
		atomic.AddInt64(&errorsFetch, 1)
	}
}

// IncrementFetchSuccess records a completed provider fetch for the report.
func IncrementFetchSuccess(source string) {
	atomic.AddInt64(&fetchSuccess, 1)
	recordSource(source, false)
}

// IncrementFetchFailure records a failed provider fetch for the report.
func IncrementFetchFailure(source string) {
	atomic.AddInt64(&fetchFailure, 1)
	recordSource(source, true)
}

// IncrementCacheHit records a cache hit served without touching a provider.
func IncrementCacheHit() {
	atomic.AddInt64(&cacheHits, 1)
}

// IncrementCacheMiss records a fetch that had to go upstream.
func IncrementCacheMiss() {
	atomic.AddInt64(&cacheMisses, 1)
}

// IncrementFailover records a request served by an alternative source.
func IncrementFailover() {
	atomic.AddInt64(&failovers, 1)
}

func recordSource(name string, failed bool) {
	v, _ := sources.LoadOrStore(name, &sourceStat{})
	ss := v.(*sourceStat)
	atomic.AddInt64(&ss.requests, 1)
	if failed {
		atomic.AddInt64(&ss.failures, 1)
	}
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and pipeline statistics.
// It exposes the internal startReport function for use by other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	sourceData := map[string]map[string]int64{}
	sources.Range(func(k, v any) bool {
		name := k.(string)
		ss := v.(*sourceStat)
		sourceData[name] = map[string]int64{
			"requests": atomic.LoadInt64(&ss.requests),
			"failures": atomic.LoadInt64(&ss.failures),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_routing": atomic.LoadInt64(&errorsRouting),
		"errors_fetch":   atomic.LoadInt64(&errorsFetch),
		"warns_routing":  atomic.LoadInt64(&warnsRouting),
		"warns_fetch":    atomic.LoadInt64(&warnsFetch),
		"fetch_success":  atomic.LoadInt64(&fetchSuccess),
		"fetch_failure":  atomic.LoadInt64(&fetchFailure),
		"cache_hits":     atomic.LoadInt64(&cacheHits),
		"cache_misses":   atomic.LoadInt64(&cacheMisses),
		"failovers":      atomic.LoadInt64(&failovers),
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      int64(memStats.Used) / 1024 / 1024,
		"disk_mb":        int64(diskStats.Used) / 1024 / 1024,
		"sources":        sourceData,
		"net_bytes_sent": int64(bytesSent),
		"net_bytes_recv": int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("Gate-CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("Gate-MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("Gate-FetchSuccess"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["fetch_success"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Gate-FetchFailure"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["fetch_failure"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Gate-CacheHits"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["cache_hits"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Gate-CacheMisses"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["cache_misses"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Gate-Failovers"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["failovers"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Gate-ErrorsRouting"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_routing"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Gate-ErrorsFetch"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_fetch"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Gate-NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("Gate-NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range sourceData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("Gate-SourceRequests"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Source"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["requests"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("Gate-SourceFailures"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Source"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["failures"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
