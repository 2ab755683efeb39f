package plandoc

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	forgeerr "github.com/randalmurphal/planforge/internal/errors"
	"github.com/randalmurphal/planforge/internal/util"
)

// PendingStore holds operations awaiting operator approval, persisted
// to YAML so pending decisions survive process restarts.
type PendingStore struct {
	mu   sync.Mutex
	path string
	ops  []Operation
}

// NewPendingStore loads (or initializes) the pending-operations file.
func NewPendingStore(path string) (*PendingStore, error) {
	s := &PendingStore{path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read pending operations: %w", err)
	}

	var file struct {
		Operations []Operation `yaml:"operations"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse pending operations: %w", err)
	}
	s.ops = file.Operations
	return s, nil
}

// Add queues an operation as PendingApproval.
func (s *PendingStore) Add(op Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	op.Approval = ApprovalPending
	s.ops = append(s.ops, op)
	return s.saveLocked()
}

// Get returns a pending operation by id.
func (s *PendingStore) Get(id string) (Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range s.ops {
		if op.ID == id {
			return op, nil
		}
	}
	return Operation{}, forgeerr.ErrOpNotFound(id)
}

// List returns all operations in the store, oldest first.
func (s *PendingStore) List() []Operation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Operation(nil), s.ops...)
}

// Pending returns only operations still awaiting a decision.
func (s *PendingStore) Pending() []Operation {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Operation
	for _, op := range s.ops {
		if op.Approval == ApprovalPending {
			out = append(out, op)
		}
	}
	return out
}

// Resolve marks a pending operation with its final state. Only pending
// operations can be resolved.
func (s *PendingStore) Resolve(id string, state ApprovalState, reason string) (Operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i := range s.ops {
		if s.ops[i].ID != id {
			continue
		}
		if s.ops[i].Approval != ApprovalPending {
			return Operation{}, forgeerr.ErrOpBadState(id, string(s.ops[i].Approval))
		}
		s.ops[i].Approval = state
		s.ops[i].RejectedReason = reason
		op := s.ops[i]
		return op, s.saveLocked()
	}
	return Operation{}, forgeerr.ErrOpNotFound(id)
}

func (s *PendingStore) saveLocked() error {
	file := struct {
		Operations []Operation `yaml:"operations"`
	}{Operations: s.ops}

	data, err := yaml.Marshal(&file)
	if err != nil {
		return fmt.Errorf("marshal pending operations: %w", err)
	}
	if err := util.AtomicWriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("write pending operations: %w", err)
	}
	return nil
}
