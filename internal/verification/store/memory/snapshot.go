package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"humanscore/internal/verification/models"
)

// pair is one [key, value] entry of a snapshot array.
type pair[T any] struct {
	Key   string
	Value T
}

func (p pair[T]) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{p.Key, p.Value})
}

func (p *pair[T]) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("snapshot entry has %d elements, want 2", len(raw))
	}
	if err := json.Unmarshal(raw[0], &p.Key); err != nil {
		return fmt.Errorf("snapshot key: %w", err)
	}
	return json.Unmarshal(raw[1], &p.Value)
}

// snapshot is the on-disk document. Times are RFC 3339 strings and come back as
// time.Time through the models' JSON tags.
type snapshot struct {
	Verifications []pair[*models.Record]  `json:"verifications"`
	Sessions      []pair[*models.Session] `json:"sessions"`
	Profiles      []pair[*models.Profile] `json:"profiles"`
}

func (s *Store) load() error {
	b, err := os.ReadFile(s.snapshotPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(b) == 0 {
		return nil
	}

	var snap snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return fmt.Errorf("decode %s: %w", s.snapshotPath, err)
	}
	for _, p := range snap.Verifications {
		if p.Value != nil {
			s.verifications[p.Key] = p.Value
		}
	}
	for _, p := range snap.Sessions {
		if p.Value != nil {
			if p.Value.StateData == nil {
				p.Value.StateData = map[string]any{}
			}
			s.sessions[p.Key] = p.Value
		}
	}
	for _, p := range snap.Profiles {
		if p.Value != nil {
			s.profiles[p.Key] = p.Value
		}
	}
	s.logger.Info("loaded store snapshot",
		"path", s.snapshotPath,
		"verifications", len(s.verifications),
		"sessions", len(s.sessions),
		"profiles", len(s.profiles),
	)
	return nil
}

// persistLocked mirrors state to disk. The in-memory copy stays authoritative, so a
// failed write is logged rather than failing the mutation.
func (s *Store) persistLocked(ctx context.Context) {
	if s.snapshotPath == "" {
		return
	}
	if err := s.writeSnapshotLocked(); err != nil {
		s.logger.WarnContext(ctx, "write store snapshot", "path", s.snapshotPath, "error", err)
	}
}

func (s *Store) writeSnapshotLocked() error {
	snap := snapshot{
		Verifications: make([]pair[*models.Record], 0, len(s.verifications)),
		Sessions:      make([]pair[*models.Session], 0, len(s.sessions)),
		Profiles:      make([]pair[*models.Profile], 0, len(s.profiles)),
	}
	for k, v := range s.verifications {
		snap.Verifications = append(snap.Verifications, pair[*models.Record]{Key: k, Value: v})
	}
	for k, v := range s.sessions {
		snap.Sessions = append(snap.Sessions, pair[*models.Session]{Key: k, Value: v})
	}
	for k, v := range s.profiles {
		snap.Profiles = append(snap.Profiles, pair[*models.Profile]{Key: k, Value: v})
	}

	b, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	dir := filepath.Dir(s.snapshotPath)
	tmp, err := os.CreateTemp(dir, ".snapshot-*.json")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, s.snapshotPath); err != nil {
		_ = os.Remove(tmpName)
		return err
	}
	return nil
}
