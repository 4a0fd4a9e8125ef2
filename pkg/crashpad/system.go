// system.go captures process state at fault time.

package crashpad

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// processStart approximates the process launch time.
var processStart = time.Now().UTC()

// LaunchTime returns the time the crashpad package was initialised, which
// is within a few milliseconds of process start.
func LaunchTime() time.Time {
	return processStart
}

// CaptureProcess captures process metrics at the current moment.
// The startTime parameter is used to calculate process uptime.
func CaptureProcess(startTime time.Time) Process {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	uptimeMs := time.Since(startTime).Milliseconds()
	if uptimeMs < 0 {
		uptimeMs = 0 // Clamp to 0 if start time is in the future
	}

	return Process{
		PID:        os.Getpid(),
		Name:       processName(),
		Goroutines: runtime.NumGoroutine(),
		HeapBytes:  memStats.HeapAlloc,
		UptimeMs:   uptimeMs,
	}
}

func processName() string {
	if exe, err := os.Executable(); err == nil {
		return filepath.Base(exe)
	}
	if len(os.Args) > 0 {
		return filepath.Base(os.Args[0])
	}
	return ""
}
