package engine

import (
	"runtime"

	"github.com/shirou/gopsutil/v4/mem"

	"pocketshield/config"
	"pocketshield/logger"
)

// autotuneWorkers sizes the worker pool from the nice level and the
// machine's memory, unless the user pinned concurrency explicitly.
// Hashing plus content windows make each worker memory-hungry, so
// small devices get capped harder than the CPU count alone suggests.
func autotuneWorkers(cfg *config.Config) int {
	if cfg.ConcurrencySet && cfg.ConcurrencyLevel > 0 {
		return cfg.ConcurrencyLevel
	}

	numCPU := runtime.NumCPU()
	workers := numCPU
	switch cfg.NiceLevel {
	case "low":
		workers = 1
	case "medium":
		workers = numCPU / 2
	case "high":
		workers = numCPU
	}
	if workers < 1 {
		workers = 1
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		totalGB := vm.Total / (1 << 30)
		switch {
		case totalGB <= 2:
			workers = minWorkers(workers, 1)
		case totalGB <= 4:
			workers = minWorkers(workers, 2)
		case totalGB <= 8:
			workers = minWorkers(workers, 4)
		}
	} else {
		logger.Debugf("Memory probe failed, using CPU-based sizing: %v", err)
	}
	return workers
}

func minWorkers(a, b int) int {
	if a < b {
		return a
	}
	return b
}
