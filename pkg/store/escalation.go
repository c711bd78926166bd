package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/zerg/pkg/types"
)

func (s *Store) escalationsPath() string {
	return filepath.Join(s.stateDir, "escalations.json")
}

// LoadEscalations reads the escalations file, returning an empty slice if
// it does not exist yet.
func (s *Store) LoadEscalations() ([]*types.Escalation, error) {
	data, err := os.ReadFile(s.escalationsPath())
	if os.IsNotExist(err) {
		return []*types.Escalation{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load escalations: %w", err)
	}
	var out []*types.Escalation
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("escalations file is corrupt: %w", err)
	}
	return out, nil
}

// RaiseEscalation appends a new, unresolved escalation.
func (s *Store) RaiseEscalation(workerID int, taskID string, category types.EscalationCategory, message string, context map[string]interface{}) (*types.Escalation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.LoadEscalations()
	if err != nil {
		return nil, err
	}
	esc := &types.Escalation{
		ID:        uuid.NewString(),
		WorkerID:  workerID,
		TaskID:    taskID,
		Timestamp: time.Now(),
		Category:  category,
		Message:   message,
		Context:   context,
	}
	all = append(all, esc)
	if err := s.saveEscalations(all); err != nil {
		return nil, err
	}
	return esc, nil
}

// ResolveEscalation marks an escalation resolved by id.
func (s *Store) ResolveEscalation(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.LoadEscalations()
	if err != nil {
		return err
	}
	found := false
	for _, e := range all {
		if e.ID == id {
			e.Resolved = true
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: escalation %s", ErrNotFound, id)
	}
	return s.saveEscalations(all)
}

func (s *Store) saveEscalations(all []*types.Escalation) error {
	if err := os.MkdirAll(s.stateDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.stateDir, "escalations.json.tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, s.escalationsPath())
}
