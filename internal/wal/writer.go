package wal

import (
	"bufio"
	"os"
	"path/filepath"

	ojerrors "github.com/oj-run/oj/pkg/errors"
)

// Writer appends operations to a durable, append-only log file. Every
// Append fsyncs before returning: the daemon must never report an effect as
// applied until it survives a crash.
type Writer struct {
	path         string
	file         *os.File
	nextSequence uint64
	machineID    string
	bytesWritten uint64
}

// Open opens or creates the WAL file at path, scanning any existing content
// to resume sequence numbering after the last valid entry and truncating
// any corrupt tail behind it.
func Open(path, machineID string) (*Writer, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &ojerrors.DurabilityError{Op: "wal_mkdir", Cause: err}
		}
	}

	next := uint64(0)
	if _, err := os.Stat(path); err == nil {
		last, err := scanLastSequence(path)
		if err != nil {
			return nil, err
		}
		if last != nil {
			next = *last + 1
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, &ojerrors.DurabilityError{Op: "wal_open", Cause: err}
	}

	return &Writer{
		path:         path,
		file:         f,
		nextSequence: next,
		machineID:    machineID,
	}, nil
}

// scanLastSequence replays path to find the last sequence number that
// passed checksum verification, stopping at the first corrupt or truncated
// line (a torn write from a prior crash). Anything after the last valid
// entry is truncated from the file so new appends follow it directly.
func scanLastSequence(path string) (*uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ojerrors.DurabilityError{Op: "wal_scan", Cause: err}
	}
	defer f.Close()

	var last *uint64
	var offset, validEnd int64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		offset += int64(len(line)) + 1
		if len(line) == 0 {
			continue
		}
		entry, err := EntryFromLine(line)
		if err != nil {
			break
		}
		if !entry.Verify() {
			break
		}
		seq := entry.Sequence
		last = &seq
		validEnd = offset
	}
	if validEnd < offset {
		if err := os.Truncate(path, validEnd); err != nil {
			return nil, &ojerrors.DurabilityError{Op: "wal_truncate", Cause: err}
		}
	}
	return last, nil
}

// Append durably persists op, assigning it the next sequence number.
// timestampMicros is supplied by the caller (via clock.Clock) rather than
// read from the OS clock so replay stays deterministic in tests.
func (w *Writer) Append(op Operation, timestampMicros int64) (uint64, error) {
	sequence := w.nextSequence
	w.nextSequence++

	entry, err := NewEntry(sequence, timestampMicros, w.machineID, op)
	if err != nil {
		return 0, &ojerrors.DurabilityError{Op: "wal_append", Cause: err}
	}

	line, err := entry.MarshalLine()
	if err != nil {
		return 0, &ojerrors.DurabilityError{Op: "wal_append", Cause: err}
	}
	line = append(line, '\n')

	if _, err := w.file.Write(line); err != nil {
		return 0, &ojerrors.DurabilityError{Op: "wal_write", Cause: err}
	}
	if err := w.file.Sync(); err != nil {
		return 0, &ojerrors.DurabilityError{Op: "wal_fsync", Cause: err}
	}

	w.bytesWritten += uint64(len(line))
	return sequence, nil
}

// Sync forces a sync of any buffered writes; Append already calls this, so
// direct callers only need it for periodic checkpoints.
func (w *Writer) Sync() error {
	if err := w.file.Sync(); err != nil {
		return &ojerrors.DurabilityError{Op: "wal_fsync", Cause: err}
	}
	return nil
}

// Close flushes and closes the underlying file.
func (w *Writer) Close() error {
	return w.file.Close()
}

// Sequence returns the next sequence number to be assigned.
func (w *Writer) Sequence() uint64 { return w.nextSequence }

// LastSequence returns the last assigned sequence number, or false if
// nothing has been appended yet.
func (w *Writer) LastSequence() (uint64, bool) {
	if w.nextSequence == 0 {
		return 0, false
	}
	return w.nextSequence - 1, true
}

// BytesWritten returns the number of bytes appended since Open.
func (w *Writer) BytesWritten() uint64 { return w.bytesWritten }

// Path returns the WAL file path.
func (w *Writer) Path() string { return w.path }

// MachineID returns the machine identifier stamped on every entry.
func (w *Writer) MachineID() string { return w.machineID }
