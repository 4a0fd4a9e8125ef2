// Package crashpad turns unhandled faults into durable crash reports that a
// later, healthy run uploads to a crash-ingestion service.
//
// A crash is handled in two process lifetimes. In the faulting process the
// Handler captures the fault, builds a Report and writes it synchronously to a
// Sink (normally the spool.Store). In a later process the upload.Uploader
// drains the spool, retiring delivered reports and retrying transient failures
// on subsequent runs.
//
// # Core Components
//
//   - Report: the canonical crash representation (fault, frames, metadata, identity)
//   - Handler: the single process-wide fault hook, installed with Install
//   - Sink: synchronous destination for captured reports (spool, stderr, multi, cxdb)
//   - Metadata: immutable device and application snapshot, see CollectMetadata
//   - Install identity: a stable per-install UUID, see LoadOrCreateInstallID
//
// # Capturing Faults
//
// Panics are captured by deferring Recover at the top of main and of every
// long-lived goroutine:
//
//	store, _ := spool.Open(filepath.Join(dir, "pending"))
//	handler, err := crashpad.Install(
//	    crashpad.WithSink(store),
//	    crashpad.WithDir(dir),
//	    crashpad.WithApp(crashpad.AppInfo{Name: "svc", Version: version}),
//	)
//	defer crashpad.Recover()
//
// Package reporter wires all of this from config.Settings in one call.
//
// Faults that never reach a deferred Recover (a panic on a goroutine without
// one, a fatal runtime error, SIGSEGV in cgo) are written by the Go runtime
// into the handler's crash-output session file. The next Install harvests
// sessions left by dead processes and turns them into pending reports.
//
// # Design Principles
//
//   - Capture never causes a second fault: every failure in the hook is swallowed
//   - Capture never changes the fate of the process: Recover re-panics by default
//   - The spool directory is the only source of truth; every mutation is atomic
package crashpad
