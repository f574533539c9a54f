package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type componentStat struct {
	events int64
	bytes  int64
}

var (
	errorCount    int64
	warnCount     int64
	historyReads  int64
	historyFails  int64
	storeWrites   int64
	storeFailures int64
	components    sync.Map // map[string]*componentStat
)

func recordWarn(string) {
	atomic.AddInt64(&warnCount, 1)
}

func recordError(string) {
	atomic.AddInt64(&errorCount, 1)
}

// IncrementHistoryRead records one successful provider history fetch.
func IncrementHistoryRead(size int) {
	atomic.AddInt64(&historyReads, 1)
	recordComponent("provider", size)
}

// IncrementHistoryFailure records one failed provider history fetch.
func IncrementHistoryFailure() {
	atomic.AddInt64(&historyFails, 1)
}

// IncrementStoreWrite records one successful publish to the shared store.
func IncrementStoreWrite(size int64) {
	atomic.AddInt64(&storeWrites, 1)
	recordComponent("publisher", int(size))
}

// IncrementStoreFailure records one failed publish to the shared store.
func IncrementStoreFailure() {
	atomic.AddInt64(&storeFailures, 1)
}

func recordComponent(name string, size int) {
	v, _ := components.LoadOrStore(name, &componentStat{})
	cs := v.(*componentStat)
	atomic.AddInt64(&cs.events, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// StartReport begins periodic logging of system and pipeline statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
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

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")

	componentData := map[string]map[string]int64{}
	components.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*componentStat)
		componentData[name] = map[string]int64{
			"events": atomic.LoadInt64(&cs.events),
			"bytes":  atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	memMB := 0.0
	if memStats != nil {
		memMB = float64(memStats.Used) / 1024 / 1024
	}

	diskMB := 0.0
	if diskStats != nil {
		diskMB = float64(diskStats.Used) / 1024 / 1024
	}

	fields := Fields{
		"errors":         atomic.LoadInt64(&errorCount),
		"warns":          atomic.LoadInt64(&warnCount),
		"history_reads":  atomic.LoadInt64(&historyReads),
		"history_fails":  atomic.LoadInt64(&historyFails),
		"store_writes":   atomic.LoadInt64(&storeWrites),
		"store_failures": atomic.LoadInt64(&storeFailures),
		"cpu_percent":    cpuPct,
		"memory_mb":      memMB,
		"disk_mb":        diskMB,
		"goroutines":     runtime.NumGoroutine(),
		"components":     componentData,
	}

	log.WithComponent("report").WithFields(fields).Info("pipeline report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(memMB)},
		{MetricName: aws.String("DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(diskMB)},
	}
	publishMetrics(ctx, data)
}
