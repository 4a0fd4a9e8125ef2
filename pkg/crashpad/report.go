// report.go defines the canonical crash report data structure.

package crashpad

import "time"

// FaultKind classifies how a fault reached the capturer.
type FaultKind string

const (
	// FaultPanic is a Go panic, either caught by Recover or printed by the
	// runtime as an unrecovered panic.
	FaultPanic FaultKind = "panic"

	// FaultFatal is an unrecoverable runtime error such as a concurrent map
	// write or running out of memory.
	FaultFatal FaultKind = "fatal"

	// FaultSignal is a fatal signal delivered outside Go code (e.g. SIGSEGV
	// in cgo) or a memory fault not converted into a panic.
	FaultSignal FaultKind = "signal"
)

// Fault describes what went wrong.
type Fault struct {
	// Kind classifies the fault (panic, fatal, signal).
	Kind FaultKind `cbor:"kind"`

	// Type is the Go type of the panic value (e.g. "runtime.boundsError",
	// "string") or the runtime error class.
	Type string `cbor:"type"`

	// Reason is the human-readable message.
	Reason string `cbor:"reason"`

	// Signal is the signal name, when the fault was a signal.
	Signal string `cbor:"signal"`
}

// Frame is one entry of a call stack, innermost first.
type Frame struct {
	// Address is the program counter of the frame.
	Address uint64 `cbor:"address"`

	// Symbol is the function name. Empty when unknown.
	Symbol string `cbor:"symbol"`

	// Module is the Go package path that owns Symbol. Empty when unknown.
	Module string `cbor:"module"`

	// Offset is Address minus the function entry point.
	Offset uint64 `cbor:"offset"`
}

// Metadata is the device and application snapshot attached to every report
// produced by one process. Facts unavailable on the current platform are
// empty strings.
type Metadata struct {
	OSName     string `cbor:"os_name" json:"os_name,omitempty"`
	OSVersion  string `cbor:"os_version" json:"os_version,omitempty"`
	Arch       string `cbor:"arch" json:"arch,omitempty"`
	Model      string `cbor:"model" json:"model,omitempty"`
	Locale     string `cbor:"locale" json:"locale,omitempty"`
	Hostname   string `cbor:"hostname" json:"hostname,omitempty"`
	AppName    string `cbor:"app_name" json:"app_name,omitempty"`
	AppVersion string `cbor:"app_version" json:"app_version,omitempty"`
	AppBuild   string `cbor:"app_build" json:"app_build,omitempty"`
}

// Process captures process state at fault time.
type Process struct {
	// PID is the operating system process ID.
	PID int `cbor:"pid"`

	// Name is the executable base name.
	Name string `cbor:"name"`

	// Goroutines is the number of live goroutines.
	Goroutines int `cbor:"goroutines"`

	// HeapBytes is the allocated heap size in bytes.
	HeapBytes uint64 `cbor:"heap_bytes"`

	// UptimeMs is the time since launch in milliseconds.
	UptimeMs int64 `cbor:"uptime_ms"`
}

// Attachment is an opaque blob uploaded alongside a report.
type Attachment struct {
	FileName    string `cbor:"file_name"`
	ContentType string `cbor:"content_type"`
	Data        []byte `cbor:"data"`
}

// Content types used for attachments.
const (
	ContentTypeText   = "text/plain"
	ContentTypeBinary = "application/octet-stream"
)

// Report is the unit of persistence and upload.
type Report struct {
	// Identity fields

	// ID is a UUID v4 assigned at capture time. Immutable.
	ID string `cbor:"id"`

	// InstallID is the stable per-install identifier.
	InstallID string `cbor:"install_id"`

	// Timestamp is the capture time in UTC.
	Timestamp time.Time `cbor:"timestamp"`

	// LaunchTime is the process start time in UTC.
	LaunchTime time.Time `cbor:"launch_time"`

	// Fingerprint groups similar crashes.
	Fingerprint string `cbor:"fingerprint"`

	// Fault details

	Fault  Fault   `cbor:"fault"`
	Frames []Frame `cbor:"frames"`

	// Environment

	Metadata Metadata `cbor:"metadata"`
	Process  Process  `cbor:"process"`

	// UserID associates the report with an application user. Optional.
	UserID string `cbor:"user_id"`

	// Properties contains scrubbed key-value pairs for additional context.
	Properties map[string]string `cbor:"properties"`

	// Attachments are extra blobs added by the report callback.
	Attachments []Attachment `cbor:"attachments"`

	// Delivery state

	// Attempts counts failed delivery attempts. Only the uploader changes it.
	Attempts int `cbor:"attempts"`
}

// AddTextAttachment attaches UTF-8 text to the report.
func (r *Report) AddTextAttachment(fileName, text string) {
	r.Attachments = append(r.Attachments, Attachment{
		FileName:    fileName,
		ContentType: ContentTypeText,
		Data:        []byte(text),
	})
}

// AddBinaryAttachment attaches raw bytes to the report.
func (r *Report) AddBinaryAttachment(fileName string, data []byte) {
	r.Attachments = append(r.Attachments, Attachment{
		FileName:    fileName,
		ContentType: ContentTypeBinary,
		Data:        data,
	})
}
