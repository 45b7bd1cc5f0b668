package detection

import (
	"runtime"
	"time"
)

// DefaultPerformanceBudget is the detection time above which a warning is
// logged. Exceeding it never fails detection.
const DefaultPerformanceBudget = 100 * time.Millisecond

// Estimated CPU overhead per enabled feature, in percent
const (
	weightStaticScan     = 0.01
	weightModuleHook     = 0.03
	weightSpawnHook      = 0.02
	weightSocketHook     = 0.05
	weightAST            = 1.5
	weightDependencyTree = 0.8
	weightTraffic        = 3.0
)

// estimateCPUOverhead sums the weights of the enabled features
func (e *Engine) estimateCPUOverhead() float64 {
	total := weightStaticScan
	if e.level.runtime() {
		if e.opts.ModuleProbe != nil {
			total += weightModuleHook
		}
		if e.opts.SpawnProbe != nil {
			total += weightSpawnHook
		}
		if e.opts.SocketProbe != nil {
			total += weightSocketHook
		}
	}
	if e.level == LevelDeep {
		if e.opts.Deep.ASTAnalysis {
			total += weightAST
		}
		if e.opts.Deep.DependencyTree {
			total += weightDependencyTree
		}
		if e.trafficEnabled() {
			total += weightTraffic
		}
	}
	return total
}

func memoryUsageMB() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return float64(m.HeapAlloc) / (1024 * 1024)
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
