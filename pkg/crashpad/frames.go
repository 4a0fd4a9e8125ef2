// frames.go walks the call stack of the faulting goroutine.

package crashpad

import (
	"runtime"
	"strings"
)

// DefaultMaxFrames bounds the stack walk when no limit is configured.
const DefaultMaxFrames = 64

// CaptureFrames returns up to max frames of the calling goroutine's stack,
// innermost first. skip is the number of frames to skip above the caller
// (0 means the caller of CaptureFrames is frame 0).
//
// When called from a deferred function during a panic, frames belonging to
// the runtime's panic machinery are dropped so the first frame is the
// function that panicked. The walk never fails: anything it cannot resolve
// is left empty and the sequence is truncated at max.
func CaptureFrames(skip, max int) []Frame {
	if max <= 0 {
		max = DefaultMaxFrames
	}

	// Extra room for the deferred-call and runtime.gopanic frames that are
	// trimmed below.
	pcs := make([]uintptr, max+16)
	n := runtime.Callers(skip+2, pcs)
	if n == 0 {
		return []Frame{}
	}

	frames := make([]Frame, 0, n)
	iter := runtime.CallersFrames(pcs[:n])
	for {
		f, more := iter.Next()
		frames = append(frames, newFrame(f))
		if !more {
			break
		}
	}

	frames = trimPanicFrames(frames)
	if len(frames) > max {
		frames = frames[:max]
	}
	return frames
}

func newFrame(f runtime.Frame) Frame {
	frame := Frame{
		Address: uint64(f.PC),
		Symbol:  f.Function,
		Module:  packagePath(f.Function),
	}
	if f.Entry != 0 && f.PC >= f.Entry {
		frame.Offset = uint64(f.PC - f.Entry)
	}
	return frame
}

// trimPanicFrames drops everything up to and including the run of runtime
// panic entry points (gopanic, panicmem, sigpanic, goPanicIndex, ...).
// Tracebacks printed by the runtime name gopanic "panic".
func trimPanicFrames(frames []Frame) []Frame {
	for i, f := range frames {
		if !isPanicEntry(f.Symbol) {
			continue
		}
		j := i + 1
		for j < len(frames) && isPanicEntry(frames[j].Symbol) {
			j++
		}
		return frames[j:]
	}
	return frames
}

func isPanicEntry(symbol string) bool {
	switch symbol {
	case "panic", "runtime.gopanic", "runtime.sigpanic", "runtime.panicmem", "runtime.panicmemAddr":
		return true
	}
	return strings.HasPrefix(symbol, "runtime.panic") || strings.HasPrefix(symbol, "runtime.goPanic")
}

// packagePath extracts the package import path from a fully qualified Go
// function name such as "github.com/org/repo/pkg.(*T).Method".
func packagePath(function string) string {
	if function == "" {
		return ""
	}
	// The package path ends at the first dot after the last slash.
	lastSlash := strings.LastIndex(function, "/")
	dot := strings.Index(function[lastSlash+1:], ".")
	if dot < 0 {
		return ""
	}
	return function[:lastSlash+1+dot]
}
