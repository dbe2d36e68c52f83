// Package audit implements the advisory audit log of SPEC_FULL.md §4.10:
// one record per rule execution outcome (executed, skipped or failed;
// rule-index mutations are not recorded), written as
// newline-delimited JSON with a BLAKE2b chaining checksum over
// (prevChecksum, record) so tampering with a historical entry is
// detectable. Sink failures are logged, never fatal to the engine.
package audit

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/r3e-network/ruleflow/pkg/logger"
)

// Record is one audit entry as written to the log.
type Record struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	Kind      string    `json:"kind"`
	Subject   string    `json:"subject"`
	Detail    any       `json:"detail,omitempty"`
	Checksum  string    `json:"checksum"`
	Prev      string    `json:"prev,omitempty"`
}

// Sink receives audit records (matches engine.AuditSink). Record must never
// block the caller for long and must never panic; a Sink implementation
// that needs to do slow I/O should buffer internally.
type Sink interface {
	Record(kind, subject string, detail any)
}

// ChainWriter is the reference Sink: it appends one NDJSON line per record
// to w, chaining each record's checksum to the previous one so that editing
// or removing a historical line is detectable by recomputing the chain.
type ChainWriter struct {
	log *logger.Logger

	mu   sync.Mutex
	w    io.Writer
	seq  uint64
	prev string
	now  func() time.Time
}

// NewChainWriter wraps w (typically an append-only *os.File) with BLAKE2b
// chaining. log receives a warning for any record that fails to marshal or
// write; the audit log is advisory and must never stop the engine.
func NewChainWriter(w io.Writer, log *logger.Logger) *ChainWriter {
	if log == nil {
		log = logger.NewDefault("audit")
	}
	return &ChainWriter{w: w, log: log, now: time.Now}
}

// Record appends one chained record. Errors are logged, not returned, so
// callers can treat Sink.Record as fire-and-forget.
func (c *ChainWriter) Record(kind, subject string, detail any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	rec := Record{
		Seq:       c.seq,
		Timestamp: c.now().UTC(),
		Kind:      kind,
		Subject:   subject,
		Detail:    detail,
		Prev:      c.prev,
	}

	checksum, err := checksumOf(c.prev, rec)
	if err != nil {
		c.log.WithError(err).WithField("kind", kind).Warn("audit checksum failed")
		return
	}
	rec.Checksum = checksum

	line, err := json.Marshal(rec)
	if err != nil {
		c.log.WithError(err).WithField("kind", kind).Warn("audit marshal failed")
		return
	}
	if _, err := c.w.Write(append(line, '\n')); err != nil {
		c.log.WithError(err).WithField("kind", kind).Warn("audit write failed")
		return
	}
	c.prev = checksum
}

// checksumOf hashes (prevChecksum, record-without-its-own-checksum) with
// BLAKE2b-256, so each entry's checksum depends on the entire chain before
// it.
func checksumOf(prev string, rec Record) (string, error) {
	rec.Checksum = ""
	body, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("marshal for checksum: %w", err)
	}
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", fmt.Errorf("init blake2b: %w", err)
	}
	h.Write([]byte(prev))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}

var _ Sink = (*ChainWriter)(nil)

// Verify reads a newline-delimited audit log and recomputes the BLAKE2b
// chain, returning an error identifying the first record whose checksum
// does not match — evidence that the record or one before it was altered.
func Verify(r io.Reader) error {
	dec := json.NewDecoder(r)
	prev := ""
	for {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("decode audit record: %w", err)
		}
		want := rec.Checksum
		if rec.Prev != prev {
			return fmt.Errorf("record %d: prev checksum mismatch", rec.Seq)
		}
		got, err := checksumOf(prev, rec)
		if err != nil {
			return fmt.Errorf("record %d: %w", rec.Seq, err)
		}
		if got != want {
			return fmt.Errorf("record %d: checksum mismatch, chain broken", rec.Seq)
		}
		prev = got
	}
}
