// Package eventstore persists events as addressable JSON documents under a
// topic/date/group path tree.
package eventstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/hookline/hookline/internal/event"
	"github.com/hookline/hookline/internal/topic"
)

// ErrStorage wraps I/O failures while persisting or reading events.
var ErrStorage = errors.New("event storage error")

// groupSize is the number of sequences per group directory.
const groupSize = 1000

// Store reads and writes events under a data root directory. Layout:
// <root>/<tenant>/<namespace>/<topic>/<YYYY-MM-DD>/<GGGG>/<eventId>.json
// where GGGG is floor(sequence/1000) zero-padded to four digits.
type Store struct {
	root string
}

// NewStore creates an event store rooted at dataRoot.
func NewStore(dataRoot string) *Store {
	return &Store{root: dataRoot}
}

// StoreEvent durably persists a single event. The write goes to a sibling
// temp file which is fsynced and renamed onto the final name, so partial
// documents are never observable.
func (s *Store) StoreEvent(ref topic.Ref, ev event.Event) error {
	id, err := event.ParseID(ev.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	dir := filepath.Join(s.topicDir(ref), ev.Timestamp.UTC().Format("2006-01-02"), groupDir(id.Sequence))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}

	path := filepath.Join(dir, ev.ID+".json")
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640) // #nosec G304 -- path is under the configured root
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	return nil
}

// StoreEvents persists events one by one. Whole-batch atomicity is not
// promised; the returned slice lists the IDs that were durably appended, in
// order, alongside the first error encountered.
func (s *Store) StoreEvents(ref topic.Ref, events []event.Event) ([]string, error) {
	stored := make([]string, 0, len(events))
	for _, ev := range events {
		if err := s.StoreEvent(ref, ev); err != nil {
			return stored, err
		}
		stored = append(stored, ev.ID)
	}
	return stored, nil
}

// GetEvent returns the event with the given ID, or nil if absent.
func (s *Store) GetEvent(ref topic.Ref, eventID string) (*event.Event, error) {
	if _, err := event.ParseID(eventID); err != nil {
		return nil, nil
	}

	var found *event.Event
	err := s.walkEvents(ref, func(path string, seq uint64) error {
		if strings.TrimSuffix(filepath.Base(path), ".json") != eventID {
			return nil
		}
		ev, err := s.readEvent(path)
		if err != nil {
			return err
		}
		found = ev
		return errStopWalk
	})
	if err != nil && !errors.Is(err, errStopWalk) {
		return nil, err
	}
	return found, nil
}

// GetEvents returns events strictly after sinceEventID (when given),
// optionally restricted to a single date directory, sorted by sequence and
// truncated by limit (0 = no cap).
func (s *Store) GetEvents(ref topic.Ref, sinceEventID string, date string, limit int) ([]event.Event, error) {
	var since uint64
	if sinceEventID != "" {
		id, err := event.ParseID(sinceEventID)
		if err != nil {
			return nil, err
		}
		since = id.Sequence
	}

	type candidate struct {
		path string
		seq  uint64
	}
	var candidates []candidate

	collect := func(path string, seq uint64) error {
		if seq <= since {
			return nil
		}
		candidates = append(candidates, candidate{path: path, seq: seq})
		return nil
	}

	var err error
	if date != "" {
		err = s.walkDate(filepath.Join(s.topicDir(ref), date), collect)
	} else {
		err = s.walkEvents(ref, collect)
	}
	if err != nil {
		return nil, err
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].seq < candidates[j].seq })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}

	events := make([]event.Event, 0, len(candidates))
	for _, c := range candidates {
		ev, err := s.readEvent(c.path)
		if err != nil {
			return nil, err
		}
		events = append(events, *ev)
	}
	return events, nil
}

// GetLatestEventID returns the ID of the last stored event for the topic, or
// the empty string when the topic has no events.
func (s *Store) GetLatestEventID(ref topic.Ref) (string, error) {
	var latestSeq uint64
	var latestPath string
	err := s.walkEvents(ref, func(path string, seq uint64) error {
		if seq > latestSeq {
			latestSeq = seq
			latestPath = path
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if latestPath == "" {
		return "", nil
	}
	return strings.TrimSuffix(filepath.Base(latestPath), ".json"), nil
}

// errStopWalk terminates a walk early once the target has been found.
var errStopWalk = errors.New("stop walk")

func (s *Store) topicDir(ref topic.Ref) string {
	return filepath.Join(s.root, ref.Tenant, ref.Namespace, ref.Name)
}

// walkEvents visits every event file of the topic. Date directories sort
// lexicographically in chronological order.
func (s *Store) walkEvents(ref topic.Ref, fn func(path string, seq uint64) error) error {
	dir := s.topicDir(ref)
	dates, err := readDirSorted(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	for _, d := range dates {
		if err := s.walkDate(filepath.Join(dir, d), fn); err != nil {
			return err
		}
	}
	return nil
}

// walkDate visits every event file under a single date directory.
func (s *Store) walkDate(dateDir string, fn func(path string, seq uint64) error) error {
	groups, err := readDirSorted(dateDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrStorage, err)
	}
	for _, g := range groups {
		groupDir := filepath.Join(dateDir, g)
		names, err := readDirSorted(groupDir)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrStorage, err)
		}
		for _, name := range names {
			if !strings.HasSuffix(name, ".json") {
				// Leftover temp files from interrupted writes are ignored.
				continue
			}
			id, err := event.ParseID(strings.TrimSuffix(name, ".json"))
			if err != nil {
				continue
			}
			if err := fn(filepath.Join(groupDir, name), id.Sequence); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) readEvent(path string) (*event.Event, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is under the configured root
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorage, err)
	}
	var ev event.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("%w: corrupt event document %s: %v", ErrStorage, path, err)
	}
	return &ev, nil
}

func readDirSorted(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

func groupDir(seq uint64) string {
	return fmt.Sprintf("%04d", seq/groupSize)
}
