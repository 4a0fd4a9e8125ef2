// wire.go maps reports to and from the ingestion service's JSON document.

package crashpad

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type wireReport struct {
	InstallID       string            `json:"install_id"`
	ReportID        string            `json:"report_id"`
	Timestamp       string            `json:"timestamp"`
	LaunchTimestamp string            `json:"app_launch_timestamp,omitempty"`
	UserID          string            `json:"user_id,omitempty"`
	Fingerprint     string            `json:"fingerprint,omitempty"`
	App             wireApp           `json:"app"`
	Device          wireDevice        `json:"device"`
	Process         *wireProcess      `json:"process,omitempty"`
	Exception       wireException     `json:"exception"`
	Thread          wireThread        `json:"thread"`
	Properties      map[string]string `json:"properties,omitempty"`
	Attachments     []wireAttachment  `json:"attachments,omitempty"`
}

type wireApp struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Build   string `json:"build,omitempty"`
}

type wireDevice struct {
	OSName    string `json:"os_name"`
	OSVersion string `json:"os_version"`
	Arch      string `json:"arch"`
	Locale    string `json:"locale"`
	Model     string `json:"model,omitempty"`
	Hostname  string `json:"hostname,omitempty"`
}

type wireProcess struct {
	PID        int    `json:"pid"`
	Name       string `json:"name"`
	Goroutines int    `json:"goroutines"`
	HeapBytes  uint64 `json:"heap_bytes"`
	UptimeMs   int64  `json:"uptime_ms"`
}

type wireException struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
	Kind   string `json:"kind,omitempty"`
	Signal string `json:"signal,omitempty"`
}

type wireThread struct {
	StackTrace []wireFrame `json:"stack_trace"`
}

type wireFrame struct {
	Address string  `json:"address"`
	Symbol  *string `json:"symbol"`
	Module  *string `json:"module"`
	Offset  uint64  `json:"offset,omitempty"`
}

type wireAttachment struct {
	FileName    string `json:"file_name,omitempty"`
	ContentType string `json:"content_type"`
	// Data is base64-encoded by encoding/json.
	Data []byte `json:"data"`
}

// MarshalWire serializes a report to the ingestion service's JSON document.
// The attempt counter is local delivery state and is not part of the
// document. Empty collections are omitted and decode as nil.
func MarshalWire(r Report) ([]byte, error) {
	doc := wireReport{
		InstallID:   r.InstallID,
		ReportID:    r.ID,
		Timestamp:   formatWireTime(r.Timestamp),
		UserID:      r.UserID,
		Fingerprint: r.Fingerprint,
		App: wireApp{
			Name:    r.Metadata.AppName,
			Version: r.Metadata.AppVersion,
			Build:   r.Metadata.AppBuild,
		},
		Device: wireDevice{
			OSName:    r.Metadata.OSName,
			OSVersion: r.Metadata.OSVersion,
			Arch:      r.Metadata.Arch,
			Locale:    r.Metadata.Locale,
			Model:     r.Metadata.Model,
			Hostname:  r.Metadata.Hostname,
		},
		Exception: wireException{
			Type:   r.Fault.Type,
			Reason: r.Fault.Reason,
			Kind:   string(r.Fault.Kind),
			Signal: r.Fault.Signal,
		},
		Properties: r.Properties,
	}
	if !r.LaunchTime.IsZero() {
		doc.LaunchTimestamp = formatWireTime(r.LaunchTime)
	}
	if r.Process != (Process{}) {
		doc.Process = &wireProcess{
			PID:        r.Process.PID,
			Name:       r.Process.Name,
			Goroutines: r.Process.Goroutines,
			HeapBytes:  r.Process.HeapBytes,
			UptimeMs:   r.Process.UptimeMs,
		}
	}

	// stack_trace is always an array, empty when no frames were captured.
	doc.Thread.StackTrace = make([]wireFrame, len(r.Frames))
	for i, f := range r.Frames {
		doc.Thread.StackTrace[i] = wireFrame{
			Address: fmt.Sprintf("0x%x", f.Address),
			Symbol:  optionalString(f.Symbol),
			Module:  optionalString(f.Module),
			Offset:  f.Offset,
		}
	}

	for _, a := range r.Attachments {
		doc.Attachments = append(doc.Attachments, wireAttachment(a))
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshaling wire report %s: %w", r.ID, err)
	}
	return data, nil
}

// UnmarshalWire parses a document produced by MarshalWire. Identifiers are
// taken from the document, never regenerated.
func UnmarshalWire(data []byte) (Report, error) {
	var doc wireReport
	if err := json.Unmarshal(data, &doc); err != nil {
		return Report{}, fmt.Errorf("unmarshaling wire report: %w", err)
	}

	timestamp, err := parseWireTime(doc.Timestamp)
	if err != nil {
		return Report{}, fmt.Errorf("parsing timestamp: %w", err)
	}
	launch, err := parseWireTime(doc.LaunchTimestamp)
	if err != nil {
		return Report{}, fmt.Errorf("parsing app_launch_timestamp: %w", err)
	}

	r := Report{
		ID:          doc.ReportID,
		InstallID:   doc.InstallID,
		Timestamp:   timestamp,
		LaunchTime:  launch,
		Fingerprint: doc.Fingerprint,
		UserID:      doc.UserID,
		Fault: Fault{
			Kind:   FaultKind(doc.Exception.Kind),
			Type:   doc.Exception.Type,
			Reason: doc.Exception.Reason,
			Signal: doc.Exception.Signal,
		},
		Metadata: Metadata{
			OSName:     doc.Device.OSName,
			OSVersion:  doc.Device.OSVersion,
			Arch:       doc.Device.Arch,
			Model:      doc.Device.Model,
			Locale:     doc.Device.Locale,
			Hostname:   doc.Device.Hostname,
			AppName:    doc.App.Name,
			AppVersion: doc.App.Version,
			AppBuild:   doc.App.Build,
		},
		Properties: doc.Properties,
	}
	if doc.Process != nil {
		r.Process = Process{
			PID:        doc.Process.PID,
			Name:       doc.Process.Name,
			Goroutines: doc.Process.Goroutines,
			HeapBytes:  doc.Process.HeapBytes,
			UptimeMs:   doc.Process.UptimeMs,
		}
	}

	if len(doc.Thread.StackTrace) > 0 {
		r.Frames = make([]Frame, len(doc.Thread.StackTrace))
		for i, wf := range doc.Thread.StackTrace {
			address, err := strconv.ParseUint(strings.TrimPrefix(wf.Address, "0x"), 16, 64)
			if err != nil {
				return Report{}, fmt.Errorf("parsing address of frame %d: %w", i, err)
			}
			r.Frames[i] = Frame{
				Address: address,
				Symbol:  derefString(wf.Symbol),
				Module:  derefString(wf.Module),
				Offset:  wf.Offset,
			}
		}
	}

	for _, a := range doc.Attachments {
		r.Attachments = append(r.Attachments, Attachment(a))
	}

	return r, nil
}

func formatWireTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseWireTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return normalizeTime(t), nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
