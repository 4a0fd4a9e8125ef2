package spool

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

// Entry layout, all integers big-endian:
//
//	offset  size  field
//	0       4     magic "CRPD"
//	4       1     format version
//	5       1     compression
//	6       4     uncompressed payload length
//	10      4     stored payload length
//	14      32    BLAKE3 digest of the uncompressed payload
//	46      n     payload (CBOR report, possibly compressed)
const (
	entryVersion    = 1
	entryHeaderSize = 46

	// maxReportSize bounds the allocation made for a corrupt header.
	maxReportSize = 64 << 20
)

var entryMagic = [4]byte{'C', 'R', 'P', 'D'}

// ErrUnreadable marks an entry that exists but cannot be decoded: a bad
// magic number, an unknown version, a checksum mismatch, truncation or an
// invalid report encoding.
var ErrUnreadable = errors.New("unreadable spool entry")

func encodeEntry(report []byte, c Compression) ([]byte, error) {
	if len(report) > maxReportSize {
		return nil, fmt.Errorf("report too large: %d bytes", len(report))
	}

	payload, err := compress(report, c)
	if errors.Is(err, errIncompressible) {
		payload, c = report, CompressionNone
	} else if err != nil {
		return nil, err
	}

	digest := blake3.Sum256(report)

	entry := make([]byte, entryHeaderSize, entryHeaderSize+len(payload))
	copy(entry[0:4], entryMagic[:])
	entry[4] = entryVersion
	entry[5] = byte(c)
	binary.BigEndian.PutUint32(entry[6:10], uint32(len(report)))
	binary.BigEndian.PutUint32(entry[10:14], uint32(len(payload)))
	copy(entry[14:46], digest[:])
	return append(entry, payload...), nil
}

func decodeEntry(entry []byte) ([]byte, error) {
	if len(entry) < entryHeaderSize {
		return nil, fmt.Errorf("%w: truncated header (%d bytes)", ErrUnreadable, len(entry))
	}
	if !bytes.Equal(entry[0:4], entryMagic[:]) {
		return nil, fmt.Errorf("%w: bad magic %q", ErrUnreadable, entry[0:4])
	}
	if entry[4] != entryVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrUnreadable, entry[4])
	}

	c := Compression(entry[5])
	size := int(binary.BigEndian.Uint32(entry[6:10]))
	stored := int(binary.BigEndian.Uint32(entry[10:14]))
	if size > maxReportSize {
		return nil, fmt.Errorf("%w: payload length %d exceeds limit", ErrUnreadable, size)
	}
	payload := entry[entryHeaderSize:]
	if len(payload) != stored {
		return nil, fmt.Errorf("%w: payload is %d bytes, header says %d", ErrUnreadable, len(payload), stored)
	}

	report, err := decompress(payload, c, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}

	digest := blake3.Sum256(report)
	if !bytes.Equal(digest[:], entry[14:46]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrUnreadable)
	}
	return report, nil
}
