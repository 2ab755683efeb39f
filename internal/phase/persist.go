package phase

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/randalmurphal/planforge/internal/util"
)

// fileState is the on-disk representation of the machine.
type fileState struct {
	Phases []*Phase `yaml:"phases"`
}

// Save persists the machine's phases to the given path atomically.
func (m *Machine) Save(path string) error {
	m.mu.Lock()
	fs := fileState{Phases: make([]*Phase, 0, len(m.order))}
	for _, id := range m.order {
		p := *m.phases[id]
		fs.Phases = append(fs.Phases, &p)
	}
	m.mu.Unlock()

	data, err := yaml.Marshal(&fs)
	if err != nil {
		return fmt.Errorf("marshal phase state: %w", err)
	}
	if err := util.AtomicWriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write phase state: %w", err)
	}
	return nil
}

// Restore loads previously saved phase progress into a machine whose
// graph has already been registered. Unknown phases in the file are
// ignored; phases persisted as InProgress are treated as interrupted
// and reset to NotStarted so they rerun after a crash.
func (m *Machine) Restore(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read phase state: %w", err)
	}

	var fs fileState
	if err := yaml.Unmarshal(data, &fs); err != nil {
		return fmt.Errorf("parse phase state: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, saved := range fs.Phases {
		p, ok := m.phases[saved.ID]
		if !ok {
			continue
		}
		p.State = saved.State
		if p.State == StateInProgress {
			p.State = StateNotStarted
		}
		p.Duration = saved.Duration
		p.Successes = saved.Successes
		p.Failures = saved.Failures
		p.LastError = saved.LastError
		p.SkipReason = saved.SkipReason
	}
	return nil
}
