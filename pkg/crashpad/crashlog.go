// crashlog.go parses the traceback the Go runtime prints when a process dies.

package crashpad

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	// SIGABRT: abort
	signalHeader = regexp.MustCompile(`^(SIG[A-Z0-9]+): (.*)$`)

	// [signal SIGSEGV: segmentation violation code=0x1 addr=0x0 pc=0x48f2a6]
	signalDetail = regexp.MustCompile(`^\[signal (SIG[A-Z0-9]+): ([^\]]*?)(?: code=[^\]]*)?\]$`)

	// (main.T) 0xc000012345, printed for panic values without an Error or
	// String method.
	typedValue = regexp.MustCompile(`^\(([^)]+)\) (.*)$`)

	framePC     = regexp.MustCompile(`\bpc=0x([0-9a-f]+)`)
	frameOffset = regexp.MustCompile(` \+0x([0-9a-f]+)`)
)

// crashText is what parseCrashText extracts from a runtime traceback.
type crashText struct {
	fault      Fault
	frames     []Frame
	goroutines int
	// message is the panic value as the runtime printed it.
	message string
	// recovered is set when the fatal panic was a re-panic of a value that
	// had already been recovered.
	recovered bool
}

// parseCrashText reads the fault and the frames of the first goroutine
// printed by the runtime:
//
//	panic: boom
//
//	goroutine 1 [running]:
//	main.inner(...)
//		/src/main.go:12
//	main.main()
//		/src/main.go:7 +0x25
//
// Text it does not recognise still yields a fatal fault whose reason is the
// first line, so no crash output is ever dropped.
func parseCrashText(text string, maxFrames int) crashText {
	lines := strings.Split(text, "\n")
	var ct crashText

	faultLine := -1
	for i, line := range lines {
		if parseFaultLine(line, &ct) {
			faultLine = i
			break
		}
	}
	if faultLine < 0 {
		ct.fault = Fault{Kind: FaultFatal, Type: "unknown", Reason: strings.TrimSpace(lines[0])}
		faultLine = 0
	}

	first := true
	for i := faultLine + 1; i < len(lines); i++ {
		line := strings.TrimSpace(lines[i])
		if m := signalDetail.FindStringSubmatch(line); m != nil && ct.fault.Signal == "" {
			ct.fault.Signal = m[1]
			if ct.fault.Kind == FaultFatal {
				ct.fault.Kind = FaultSignal
			}
			continue
		}
		if isGoroutineHeader(line) {
			ct.goroutines++
			if first {
				ct.frames = parseGoroutineFrames(lines[i+1:])
				first = false
			}
		}
	}

	ct.frames = trimPanicFrames(ct.frames)
	if ct.frames == nil {
		ct.frames = []Frame{}
	}
	if maxFrames > 0 && len(ct.frames) > maxFrames {
		ct.frames = ct.frames[:maxFrames]
	}
	return ct
}

// parseFaultLine recognises the first line of a runtime crash report.
func parseFaultLine(line string, ct *crashText) bool {
	switch {
	case strings.HasPrefix(line, "panic: "):
		reason := strings.TrimPrefix(line, "panic: ")
		if i := strings.Index(reason, " [recovered"); i >= 0 {
			reason = reason[:i]
			ct.recovered = true
		}
		ct.message = reason
		ct.fault = Fault{Kind: FaultPanic, Type: "panic", Reason: reason}
		switch {
		case strings.HasPrefix(reason, "runtime error: "):
			ct.fault.Type = "runtime.Error"
		default:
			if m := typedValue.FindStringSubmatch(reason); m != nil {
				ct.fault.Type = m[1]
				ct.fault.Reason = m[2]
			}
		}
		return true

	case strings.HasPrefix(line, "fatal error: "):
		ct.fault = Fault{
			Kind:   FaultFatal,
			Type:   "fatal error",
			Reason: strings.TrimPrefix(line, "fatal error: "),
		}
		return true
	}

	if m := signalHeader.FindStringSubmatch(line); m != nil {
		ct.fault = Fault{Kind: FaultSignal, Type: "signal", Reason: m[2], Signal: m[1]}
		return true
	}
	return false
}

// isGoroutineHeader matches "goroutine 1 [running]:" and the longer form
// printed with GOTRACEBACK=system.
func isGoroutineHeader(line string) bool {
	return strings.HasPrefix(line, "goroutine ") && strings.HasSuffix(line, ":")
}

// parseGoroutineFrames reads function/location line pairs until the end of
// the goroutine's trace.
func parseGoroutineFrames(lines []string) []Frame {
	var frames []Frame
	for _, raw := range lines {
		if strings.TrimSpace(raw) == "" {
			break
		}
		if strings.HasPrefix(raw, "\t") {
			if len(frames) > 0 {
				applyLocation(&frames[len(frames)-1], raw)
			}
			continue
		}
		line := strings.TrimSpace(raw)
		if strings.HasPrefix(line, "created by ") || isGoroutineHeader(line) {
			break
		}
		if strings.HasPrefix(line, "...") {
			continue // "...additional frames elided..."
		}
		symbol := functionName(line)
		frames = append(frames, Frame{Symbol: symbol, Module: packagePath(symbol)})
	}
	return frames
}

// functionName strips the argument list from "pkg.(*T).Method(0x1, {0x2})".
func functionName(line string) string {
	if !strings.HasSuffix(line, ")") {
		return line
	}
	if i := strings.LastIndex(line, "("); i > 0 {
		return line[:i]
	}
	return line
}

// applyLocation reads the offset and, when present, the program counter
// from a location line such as "\t/src/main.go:7 +0x25 fp=... pc=0x4a1b2c".
func applyLocation(f *Frame, line string) {
	if m := frameOffset.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseUint(m[1], 16, 64); err == nil {
			f.Offset = v
		}
	}
	if m := framePC.FindStringSubmatch(line); m != nil {
		if v, err := strconv.ParseUint(m[1], 16, 64); err == nil {
			f.Address = v
		}
	}
}
