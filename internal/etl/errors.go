package etl

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
)

var (
	// ErrNotFound is returned when a named layer or table does not exist.
	ErrNotFound = errors.New("not found")

	// ErrSchemaMismatch is returned when a key column is missing from one side.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrDuplicateKey is returned when two records in one collection share a key tuple.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrNoKeys is returned when a reconciliation is attempted without key columns.
	ErrNoKeys = errors.New("no key columns")

	// ErrMalformedGeometry is returned for a geometry value without usable x/y.
	ErrMalformedGeometry = errors.New("malformed geometry")

	// ErrTransient marks an error that is safe to retry.
	ErrTransient = errors.New("transient")

	// ErrNotWritable is returned when the destination endpoint cannot accept records.
	ErrNotWritable = errors.New("endpoint is not writable")
)

// RecordError reports a per-record normalization failure.
type RecordError struct {
	Index int
	Key   string
	Field string
	Err   error
}

func (e *RecordError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("record %d (key %s) field %q: %v", e.Index, e.Key, e.Field, e.Err)
	}
	return fmt.Sprintf("record %d field %q: %v", e.Index, e.Field, e.Err)
}

func (e *RecordError) Unwrap() error { return e.Err }

type recordErrorJSON struct {
	Index   int    `json:"index"`
	Key     string `json:"key,omitempty"`
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *RecordError) MarshalJSON() ([]byte, error) {
	msg := ""
	if e.Err != nil {
		msg = e.Err.Error()
	}
	return json.Marshal(recordErrorJSON{Index: e.Index, Key: e.Key, Field: e.Field, Message: msg})
}

func (e *RecordError) UnmarshalJSON(b []byte) error {
	var v recordErrorJSON
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*e = RecordError{Index: v.Index, Key: v.Key, Field: v.Field, Err: errors.New(v.Message)}
	return nil
}

// ChunkError reports that a chunk could not be written at all.
type ChunkError struct {
	Chunk    int
	Attempts int
	Err      error
}

func (e *ChunkError) Error() string {
	return fmt.Sprintf("chunk %d failed after %d attempt(s): %v", e.Chunk, e.Attempts, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth retrying: explicitly marked errors,
// network timeouts, broken driver connections and truncated responses.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var temp interface{ Temporary() bool }
	if errors.As(err, &temp) && temp.Temporary() {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
