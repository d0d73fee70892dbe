package archiver

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/entdb/entdb/pkg/txn"
	"github.com/entdb/entdb/pkg/wal"
)

// ArchivedRecord is one archive JSONL line (spec §6 archive object
// format): the event plus the wal_position it was assigned, so a replay
// can skip records at or below the live store's checkpoint by position
// (and, by the event's idempotency key, ones already in applied_events).
type ArchivedRecord struct {
	WALPosition uint64 `json:"wal_position"`
	*txn.Event
}

// segment accumulates records in WAL order into a gzip-compressed JSONL
// buffer, hashing the decompressed bytes as they're written so the
// sidecar checksum never requires a second pass.
type segment struct {
	tenantID      string
	compressedBuf bytes.Buffer
	gz            *gzip.Writer
	hasher        hashWriter
	firstPosition wal.Position
	lastPosition  wal.Position
	count         int
	startedAt     time.Time
}

type hashWriter = interface {
	io.Writer
	Sum(b []byte) []byte
}

func newSegment(tenantID string) *segment {
	s := &segment{tenantID: tenantID, hasher: sha256.New(), startedAt: time.Now()}
	s.gz = gzip.NewWriter(&s.compressedBuf)
	return s
}

// append decodes rec's envelope and writes it as one JSONL line to the
// segment, through both the gzip writer and the running checksum hash.
func (s *segment) append(rec wal.Record) error {
	event, err := txn.Decode(rec.Data)
	if err != nil {
		return fmt.Errorf("archiver: decode record at position %d: %w", rec.Position, err)
	}
	line, err := json.Marshal(ArchivedRecord{WALPosition: uint64(rec.Position), Event: event})
	if err != nil {
		return fmt.Errorf("archiver: encode archive line: %w", err)
	}
	line = append(line, '\n')

	if _, err := s.hasher.Write(line); err != nil {
		return fmt.Errorf("archiver: hash archive line: %w", err)
	}
	if _, err := s.gz.Write(line); err != nil {
		return fmt.Errorf("archiver: write archive line: %w", err)
	}

	if s.count == 0 {
		s.firstPosition = rec.Position
	}
	s.lastPosition = rec.Position
	s.count++
	return nil
}

func (s *segment) compressedBytes() int64 {
	return int64(s.compressedBuf.Len())
}

// sealedSegment is a segment after gzip finalization, ready to upload.
type sealedSegment struct {
	date          string
	firstPosition wal.Position
	checksumHex   string
	data          []byte
	compressedLen int
}

func (s *sealedSegment) compressed() io.Reader {
	return bytes.NewReader(s.data)
}

func (s *sealedSegment) checksumReader() io.Reader {
	return strings.NewReader(s.checksumHex)
}

// seal closes the gzip stream and returns the finalized segment. The
// segment must not be reused after calling seal.
func (s *segment) seal() (*sealedSegment, error) {
	if err := s.gz.Close(); err != nil {
		return nil, fmt.Errorf("archiver: close gzip stream: %w", err)
	}
	data := s.compressedBuf.Bytes()
	return &sealedSegment{
		date:          s.startedAt.UTC().Format("2006-01-02"),
		firstPosition: s.firstPosition,
		checksumHex:   hex.EncodeToString(s.hasher.Sum(nil)),
		data:          append([]byte(nil), data...),
		compressedLen: len(data),
	}, nil
}
