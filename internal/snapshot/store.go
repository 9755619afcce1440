// Package snapshot persists periodic, forward-compatible dumps of the
// daemon's materialized state so recovery does not have to replay the
// entire WAL from sequence zero. Generalized from the teacher's per-run
// checkpoint manager to whole-state snapshots keyed by WAL sequence.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	ojerrors "github.com/oj-run/oj/pkg/errors"
)

// CurrentVersion is written into every snapshot envelope so a future
// format change can detect and migrate older files.
const CurrentVersion = 1

// Envelope wraps a caller-supplied state payload with the metadata needed
// to validate and order snapshots on load.
type Envelope struct {
	Version          int             `json:"version"`
	SequenceAtSnapshot uint64        `json:"sequence_at_snapshot"`
	CreatedAt        time.Time       `json:"created_at"`
	State            json.RawMessage `json:"state"`
}

// Metadata describes a snapshot without loading its full state payload.
type Metadata struct {
	ID        string
	Sequence  uint64
	CreatedAt time.Time
	SizeBytes int64
}

// Store manages a directory of snapshot files.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir, creating the directory if
// necessary.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, &ojerrors.DurabilityError{Op: "snapshot_mkdir", Cause: err}
	}
	return &Store{dir: dir}, nil
}

// GenerateID formats a snapshot identifier from sequence and createdAt:
// zero-padded sequence followed by a compact UTC timestamp, so lexical and
// numeric sort agree.
func GenerateID(sequence uint64, createdAt time.Time) string {
	return fmt.Sprintf("%08d-%s", sequence, createdAt.UTC().Format("20060102150405"))
}

// Create serializes state as the payload of a new snapshot at the given
// WAL sequence and writes it durably (fsync before return).
func (s *Store) Create(state any, sequence uint64, createdAt time.Time) (Metadata, error) {
	payload, err := json.Marshal(state)
	if err != nil {
		return Metadata{}, &ojerrors.DurabilityError{Op: "snapshot_marshal", Cause: err}
	}

	env := Envelope{
		Version:            CurrentVersion,
		SequenceAtSnapshot: sequence,
		CreatedAt:          createdAt,
		State:              payload,
	}

	data, err := json.Marshal(env)
	if err != nil {
		return Metadata{}, &ojerrors.DurabilityError{Op: "snapshot_marshal", Cause: err}
	}

	id := GenerateID(sequence, createdAt)
	path := s.path(id)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return Metadata{}, &ojerrors.DurabilityError{Op: "snapshot_create", Cause: err}
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return Metadata{}, &ojerrors.DurabilityError{Op: "snapshot_write", Cause: err}
	}
	if err := f.Sync(); err != nil {
		return Metadata{}, &ojerrors.DurabilityError{Op: "snapshot_fsync", Cause: err}
	}

	return Metadata{
		ID:        id,
		Sequence:  sequence,
		CreatedAt: createdAt,
		SizeBytes: int64(len(data)),
	}, nil
}

// Load reads the snapshot with the given ID and unmarshals its state
// payload into dest.
func (s *Store) Load(id string, dest any) (Envelope, error) {
	path := s.path(id)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Envelope{}, &ojerrors.NotFoundError{Resource: "snapshot", ID: id}
		}
		return Envelope{}, &ojerrors.DurabilityError{Op: "snapshot_read", Cause: err}
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, &ojerrors.CorruptionError{Reason: fmt.Sprintf("snapshot %s: %v", id, err)}
	}
	if dest != nil {
		if err := json.Unmarshal(env.State, dest); err != nil {
			return Envelope{}, &ojerrors.CorruptionError{Reason: fmt.Sprintf("snapshot %s payload: %v", id, err)}
		}
	}
	return env, nil
}

// List returns all snapshot metadata, newest (highest sequence) first.
func (s *Store) List() ([]Metadata, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &ojerrors.DurabilityError{Op: "snapshot_list", Cause: err}
	}

	var metas []Metadata
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		seq, createdAt, ok := parseID(id)
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		metas = append(metas, Metadata{
			ID:        id,
			Sequence:  seq,
			CreatedAt: createdAt,
			SizeBytes: info.Size(),
		})
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].Sequence > metas[j].Sequence
	})
	return metas, nil
}

// Latest returns the highest-sequence snapshot, or false if none exist.
func (s *Store) Latest() (Metadata, bool, error) {
	metas, err := s.List()
	if err != nil {
		return Metadata{}, false, err
	}
	if len(metas) == 0 {
		return Metadata{}, false, nil
	}
	return metas[0], true, nil
}

// Delete removes the snapshot with the given ID.
func (s *Store) Delete(id string) error {
	if err := os.Remove(s.path(id)); err != nil {
		if os.IsNotExist(err) {
			return &ojerrors.NotFoundError{Resource: "snapshot", ID: id}
		}
		return &ojerrors.DurabilityError{Op: "snapshot_delete", Cause: err}
	}
	return nil
}

// CleanupOld deletes snapshots older than keepAfterSequence, retaining
// keepExtra additional snapshots immediately before that threshold as a
// safety margin against a corrupt latest snapshot. Returns the IDs of
// deleted snapshots.
func (s *Store) CleanupOld(keepAfterSequence uint64, keepExtra int) ([]string, error) {
	metas, err := s.List()
	if err != nil {
		return nil, err
	}

	var toDelete []Metadata
	extraKept := 0
	for _, m := range metas {
		if m.Sequence >= keepAfterSequence {
			continue
		}
		if extraKept < keepExtra {
			extraKept++
			continue
		}
		toDelete = append(toDelete, m)
	}

	var deleted []string
	for _, m := range toDelete {
		if err := s.Delete(m.ID); err != nil {
			return deleted, err
		}
		deleted = append(deleted, m.ID)
	}
	return deleted, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// parseID recovers the sequence and timestamp encoded in a snapshot ID.
func parseID(id string) (uint64, time.Time, bool) {
	parts := strings.SplitN(id, "-", 2)
	if len(parts) != 2 {
		return 0, time.Time{}, false
	}
	seq, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return 0, time.Time{}, false
	}
	createdAt, err := time.ParseInLocation("20060102150405", parts[1], time.UTC)
	if err != nil {
		return 0, time.Time{}, false
	}
	return seq, createdAt, true
}
