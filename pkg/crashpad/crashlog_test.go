package crashpad

import "testing"

const uncaughtPanicText = `panic: boom

goroutine 1 [running]:
main.inner(...)
	/src/app/main.go:12
main.outer()
	/src/app/main.go:8 +0x25
main.main()
	/src/app/main.go:4 +0x13`

const nilDerefText = `panic: runtime error: invalid memory address or nil pointer dereference
[signal SIGSEGV: segmentation violation code=0x1 addr=0x0 pc=0x48f2a6]

goroutine 7 [running]:
example.com/app/store.(*Cache).Get(0x0, {0x4b3c21, 0x3})
	/src/app/store/cache.go:41 +0x26
example.com/app/store.Lookup[...](...)
	/src/app/store/lookup.go:9
created by example.com/app.Serve in goroutine 1
	/src/app/serve.go:22 +0x5c

goroutine 1 [chan receive]:
main.main()
	/src/app/main.go:10 +0x88`

const recoveredText = `panic: boom [recovered, repanicked]

goroutine 1 [running]:
panic({0x4a6e20?, 0x4e1b18?})
	/usr/local/go/src/runtime/panic.go:792 +0x132
main.handler.func1()
	/src/app/main.go:20 +0x45
panic({0x4a6e20?, 0x4e1b18?})
	/usr/local/go/src/runtime/panic.go:792 +0x132
main.work()
	/src/app/main.go:25 +0x25`

const fatalMapText = `fatal error: concurrent map writes

goroutine 18 [running]:
main.writer(0xc000012345)
	/src/app/main.go:15 +0x3f
created by main.main in goroutine 1
	/src/app/main.go:9 +0x45`

const signalText = `SIGABRT: abort
PC=0x46c8e1 m=0 sigcode=0

goroutine 1 gp=0xc0000061c0 m=0 mp=0x5a6e40 [syscall]:
runtime.notetsleepg(0x5a7340, 0xffffffffffffffff)
	/usr/local/go/src/runtime/lock_futex.go:246 +0x29 fp=0xc000052f58 sp=0xc000052f30 pc=0x40b7c9
main.main()
	/src/app/main.go:7 +0x1d fp=0xc000052f80 sp=0xc000052f58 pc=0x48f2a6`

func TestParseCrashText_UncaughtPanic(t *testing.T) {
	ct := parseCrashText(uncaughtPanicText, DefaultMaxFrames)

	want := Fault{Kind: FaultPanic, Type: "panic", Reason: "boom"}
	if ct.fault != want {
		t.Errorf("fault = %+v, want %+v", ct.fault, want)
	}
	if ct.recovered {
		t.Error("recovered = true, want false")
	}
	if len(ct.frames) != 3 {
		t.Fatalf("len(frames) = %d, want 3", len(ct.frames))
	}
	if ct.frames[0].Symbol != "main.inner" || ct.frames[2].Symbol != "main.main" {
		t.Errorf("frames = %+v", ct.frames)
	}
	if ct.frames[1].Offset != 0x25 {
		t.Errorf("frames[1].Offset = %#x, want 0x25", ct.frames[1].Offset)
	}
	if ct.frames[0].Module != "main" {
		t.Errorf("frames[0].Module = %q, want %q", ct.frames[0].Module, "main")
	}
	if ct.goroutines != 1 {
		t.Errorf("goroutines = %d, want 1", ct.goroutines)
	}
}

func TestParseCrashText_NilDereference(t *testing.T) {
	ct := parseCrashText(nilDerefText, DefaultMaxFrames)

	if ct.fault.Kind != FaultPanic || ct.fault.Type != "runtime.Error" || ct.fault.Signal != "SIGSEGV" {
		t.Errorf("fault = %+v", ct.fault)
	}
	if len(ct.frames) != 2 {
		t.Fatalf("len(frames) = %d, want 2 (stop at created by)", len(ct.frames))
	}
	if ct.frames[0].Symbol != "example.com/app/store.(*Cache).Get" {
		t.Errorf("frames[0].Symbol = %q", ct.frames[0].Symbol)
	}
	if ct.frames[0].Module != "example.com/app/store" {
		t.Errorf("frames[0].Module = %q", ct.frames[0].Module)
	}
	if ct.frames[1].Symbol != "example.com/app/store.Lookup[...]" {
		t.Errorf("frames[1].Symbol = %q", ct.frames[1].Symbol)
	}
	if ct.goroutines != 2 {
		t.Errorf("goroutines = %d, want 2", ct.goroutines)
	}
}

func TestParseCrashText_Recovered(t *testing.T) {
	ct := parseCrashText(recoveredText, DefaultMaxFrames)

	if !ct.recovered {
		t.Error("recovered = false, want true")
	}
	if ct.fault.Reason != "boom" {
		t.Errorf("Reason = %q, want %q", ct.fault.Reason, "boom")
	}
	if ct.message != "boom" {
		t.Errorf("message = %q, want %q", ct.message, "boom")
	}
	if len(ct.frames) == 0 || ct.frames[0].Symbol != "main.handler.func1" {
		t.Errorf("frames = %+v, want main.handler.func1 first", ct.frames)
	}
}

func TestParseCrashText_FatalError(t *testing.T) {
	ct := parseCrashText(fatalMapText, DefaultMaxFrames)

	want := Fault{Kind: FaultFatal, Type: "fatal error", Reason: "concurrent map writes"}
	if ct.fault != want {
		t.Errorf("fault = %+v, want %+v", ct.fault, want)
	}
	if len(ct.frames) != 1 || ct.frames[0].Symbol != "main.writer" {
		t.Errorf("frames = %+v", ct.frames)
	}
}

func TestParseCrashText_Signal(t *testing.T) {
	ct := parseCrashText(signalText, DefaultMaxFrames)

	want := Fault{Kind: FaultSignal, Type: "signal", Reason: "abort", Signal: "SIGABRT"}
	if ct.fault != want {
		t.Errorf("fault = %+v, want %+v", ct.fault, want)
	}
	if len(ct.frames) != 2 {
		t.Fatalf("len(frames) = %d, want 2", len(ct.frames))
	}
	if ct.frames[1].Address != 0x48f2a6 {
		t.Errorf("frames[1].Address = %#x, want 0x48f2a6", ct.frames[1].Address)
	}
}

func TestParseCrashText_FatalSignal(t *testing.T) {
	text := "unexpected fault address 0x0\nfatal error: fault\n[signal SIGBUS: bus error code=0x2 addr=0x0 pc=0x0]\n"
	ct := parseCrashText(text, DefaultMaxFrames)

	if ct.fault.Kind != FaultSignal || ct.fault.Signal != "SIGBUS" || ct.fault.Reason != "fault" {
		t.Errorf("fault = %+v", ct.fault)
	}
	if ct.frames == nil {
		t.Error("frames is nil, want empty")
	}
}

func TestParseCrashText_TypedValue(t *testing.T) {
	ct := parseCrashText("panic: (main.T) 0xc000012345\n", DefaultMaxFrames)
	if ct.fault.Type != "main.T" || ct.fault.Reason != "0xc000012345" {
		t.Errorf("fault = %+v", ct.fault)
	}
}

func TestParseCrashText_Unrecognised(t *testing.T) {
	ct := parseCrashText("something odd happened\nmore", DefaultMaxFrames)
	want := Fault{Kind: FaultFatal, Type: "unknown", Reason: "something odd happened"}
	if ct.fault != want {
		t.Errorf("fault = %+v, want %+v", ct.fault, want)
	}
}

func TestParseCrashText_MaxFrames(t *testing.T) {
	ct := parseCrashText(uncaughtPanicText, 2)
	if len(ct.frames) != 2 {
		t.Errorf("len(frames) = %d, want 2", len(ct.frames))
	}
}
