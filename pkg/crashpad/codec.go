// codec.go implements the on-disk report schema.

package crashpad

import (
	"fmt"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// encMode encodes reports with Core Deterministic Encoding: the same report
// always produces identical bytes. Timestamps are RFC 3339 text with
// nanoseconds so the round trip is exact.
var encMode cbor.EncMode

// decMode ignores unknown fields so newer writers stay readable.
var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("crashpad: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("crashpad: CBOR decoder initialization failed: " + err.Error())
	}
}

// EncodeReport serializes a report to its on-disk form. Every field,
// including the attempt counter, is preserved.
func EncodeReport(r Report) ([]byte, error) {
	data, err := encMode.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encoding report %s: %w", r.ID, err)
	}
	return data, nil
}

// DecodeReport parses the on-disk form produced by EncodeReport.
func DecodeReport(data []byte) (Report, error) {
	var r Report
	if err := decMode.Unmarshal(data, &r); err != nil {
		return Report{}, fmt.Errorf("decoding report: %w", err)
	}
	r.Timestamp = normalizeTime(r.Timestamp)
	r.LaunchTime = normalizeTime(r.LaunchTime)
	return r, nil
}

// normalizeTime returns t in UTC without a monotonic reading. The zero time
// stays zero.
func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC().Round(0)
}
