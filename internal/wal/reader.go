package wal

import (
	"bufio"
	"fmt"
	"os"

	ojerrors "github.com/oj-run/oj/pkg/errors"
)

// Reader iterates over a WAL file's entries, stopping at the first
// corrupted or checksum-mismatched line: that line marks a torn write from
// a crash mid-append, and everything after it is discarded on replay.
type Reader struct {
	path string
}

// NewReader returns a reader bound to path. The file need not exist yet;
// iteration over a missing file yields zero entries.
func NewReader(path string) *Reader {
	return &Reader{path: path}
}

// Path returns the bound file path.
func (r *Reader) Path() string { return r.path }

// Iterate calls fn for every valid entry in sequence order, stopping (with
// no error) at the first corrupted line.
func (r *Reader) Iterate(fn func(Entry) error) error {
	return r.iterateFrom(0, fn)
}

// EntriesFrom calls fn for every valid entry with Sequence >= from.
func (r *Reader) EntriesFrom(from uint64, fn func(Entry) error) error {
	return r.iterateFrom(from, fn)
}

func (r *Reader) iterateFrom(from uint64, fn func(Entry) error) error {
	f, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &ojerrors.DurabilityError{Op: "wal_read", Cause: err}
	}
	defer f.Close()

	lineNo := uint64(0)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
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
		if entry.Sequence < from {
			continue
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return nil
}

// LastSequence returns the highest valid sequence number in the file, or
// false if the file is empty or missing.
func (r *Reader) LastSequence() (uint64, bool, error) {
	var last uint64
	found := false
	err := r.Iterate(func(e Entry) error {
		last = e.Sequence
		found = true
		return nil
	})
	return last, found, err
}

// Count returns the number of valid entries.
func (r *Reader) Count() (uint64, error) {
	var n uint64
	err := r.Iterate(func(Entry) error {
		n++
		return nil
	})
	return n, err
}

// Validation summarizes the result of scanning a WAL file end to end.
type Validation struct {
	ValidEntries     uint64
	LastValidSequence uint64
	HasLastValid     bool
	Corruption       *Corruption
}

// Corruption describes where and why a WAL file's scan stopped early.
type Corruption struct {
	Line   uint64
	Reason string
}

// Validate scans the whole file, reporting how far it got and any
// corruption encountered. Unlike Iterate it does not stop silently: it
// distinguishes a clean EOF from a truncation point.
func (r *Reader) Validate() (Validation, error) {
	f, err := os.Open(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Validation{}, nil
		}
		return Validation{}, &ojerrors.DurabilityError{Op: "wal_validate", Cause: err}
	}
	defer f.Close()

	var v Validation
	lineNo := uint64(0)
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		entry, err := EntryFromLine(line)
		if err != nil {
			v.Corruption = &Corruption{Line: lineNo, Reason: fmt.Sprintf("parse error: %v", err)}
			break
		}
		if !entry.Verify() {
			v.Corruption = &Corruption{Line: lineNo, Reason: "checksum mismatch"}
			break
		}

		v.ValidEntries++
		v.LastValidSequence = entry.Sequence
		v.HasLastValid = true
	}
	return v, nil
}
