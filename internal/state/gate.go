// Package state holds the process-wide admission gate and persists it
// under the workspace so a restart keeps the last /open or /close.
package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const gateStateFileMode = 0600

// GateState is the persisted form of the admission gate.
type GateState struct {
	Open      bool      `json:"open"`
	ChangedBy string    `json:"changed_by,omitempty"`
	ChangedAt time.Time `json:"changed_at,omitempty"`
}

// Gate controls whether non-reviewers may start new requests. It is open
// until closed. A Gate built with an empty base directory is memory-only.
type Gate struct {
	path string
	now  func() time.Time

	mu sync.Mutex
	st GateState
}

// NewGate creates an open gate persisted to <baseDir>/state/gate.json.
func NewGate(baseDir string) *Gate {
	g := &Gate{
		now: time.Now,
		st:  GateState{Open: true},
	}
	if strings.TrimSpace(baseDir) != "" {
		g.path = filepath.Join(baseDir, "state", "gate.json")
	}
	return g
}

// Load restores the persisted state. Missing or malformed files leave the
// gate open.
func (g *Gate) Load() error {
	if g.path == "" {
		return nil
	}
	data, err := os.ReadFile(g.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var st GateState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil
	}

	g.mu.Lock()
	g.st = st
	g.mu.Unlock()
	return nil
}

// IsOpen reports whether new requests are admitted.
func (g *Gate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.st.Open
}

// State returns a copy of the current gate state.
func (g *Gate) State() GateState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.st
}

// Open admits new requests. The returned bool is false when the gate was
// already open.
func (g *Gate) Open(by string) (bool, error) {
	return g.set(true, by)
}

// Close stops admitting new requests from non-reviewers.
func (g *Gate) Close(by string) (bool, error) {
	return g.set(false, by)
}

func (g *Gate) set(open bool, by string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	changed := g.st.Open != open
	g.st = GateState{Open: open, ChangedBy: strings.TrimSpace(by), ChangedAt: g.now().UTC()}
	if g.path == "" {
		return changed, nil
	}

	if err := os.MkdirAll(filepath.Dir(g.path), 0755); err != nil {
		return changed, err
	}
	data, err := json.MarshalIndent(g.st, "", "  ")
	if err != nil {
		return changed, err
	}
	return changed, os.WriteFile(g.path, data, gateStateFileMode)
}
