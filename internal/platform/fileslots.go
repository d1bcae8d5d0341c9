package platform

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	SlotA = "a"
	SlotB = "b"

	stateFile = "slots.yaml"
)

// slotFile is the persisted bootloader state.
type slotFile struct {
	Boot     string               `yaml:"boot"`
	Slots    map[string]SlotState `yaml:"slots"`
	Versions map[string]string    `yaml:"versions,omitempty"`
	// Running is cleared on a clean shutdown or a noted restart. Finding it
	// set at open means the previous run died without saying why.
	Running bool         `yaml:"running"`
	Note    *ResetReason `yaml:"reset_note,omitempty"`
}

// FileSlots emulates an A/B flash layout in a directory: one image file per
// slot plus a YAML file holding the boot target and slot states.
// Opening it is the equivalent of a boot.
type FileSlots struct {
	dir string

	mu      sync.Mutex
	state   slotFile
	running string
	reason  ResetReason
}

// OpenFileSlots boots from dir, creating a fresh layout on first use.
func OpenFileSlots(dir string) (*FileSlots, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("platform: creating slot dir: %w", err)
	}
	s := &FileSlots{dir: dir}

	data, err := os.ReadFile(s.statePath())
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.state = slotFile{
			Boot:  SlotA,
			Slots: map[string]SlotState{SlotA: SlotValid, SlotB: SlotEmpty},
		}
		s.reason = ResetPowerOn
	case err != nil:
		return nil, fmt.Errorf("platform: reading slot state: %w", err)
	default:
		if err := yaml.Unmarshal(data, &s.state); err != nil {
			return nil, fmt.Errorf("platform: parsing slot state: %w", err)
		}
		s.reason = ResetPowerOn
		if s.state.Running {
			s.reason = ResetPanic
		}
		if s.state.Note != nil {
			s.reason = *s.state.Note
		}
	}

	if s.state.Boot != SlotA && s.state.Boot != SlotB {
		return nil, fmt.Errorf("platform: invalid boot slot %q", s.state.Boot)
	}
	if s.state.Slots == nil {
		s.state.Slots = map[string]SlotState{}
	}
	if s.state.Versions == nil {
		s.state.Versions = map[string]string{}
	}
	s.running = s.state.Boot
	s.state.Running = true
	s.state.Note = nil
	if err := s.save(); err != nil {
		return nil, err
	}

	slog.Info("[Boot] booted", "slot", s.running, "state", s.state.Slots[s.running],
		"version", s.state.Versions[s.running], "reset_reason", s.reason)
	return s, nil
}

func (s *FileSlots) Health() (Health, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Health{
		Slot:    s.running,
		State:   s.state.Slots[s.running],
		Reason:  s.reason,
		Version: s.state.Versions[s.running],
	}, nil
}

func (s *FileSlots) Alternate() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	other := otherSlot(s.running)
	return other, s.state.Slots[other] == SlotValid
}

func (s *FileSlots) SetBoot(slot string) error {
	if slot != SlotA && slot != SlotB {
		return fmt.Errorf("platform: unknown slot %q", slot)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Boot = slot
	return s.save()
}

func (s *FileSlots) MarkValid() error {
	return s.mark(SlotValid)
}

func (s *FileSlots) MarkInvalid() error {
	return s.mark(SlotInvalid)
}

func (s *FileSlots) mark(state SlotState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Slots[s.running] = state
	return s.save()
}

func (s *FileSlots) NoteReset(reason ResetReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Note = &reason
	s.state.Running = false
	return s.save()
}

// Running returns the slot this process booted from.
func (s *FileSlots) Running() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// OpenUpdate starts an image write into the inactive slot.
func (s *FileSlots) OpenUpdate() (UpdateWriter, error) {
	s.mu.Lock()
	target := otherSlot(s.running)
	s.mu.Unlock()

	finalPath := s.imagePath(target)
	tmpPath := finalPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return nil, fmt.Errorf("platform: creating image file: %w", err)
	}
	return &fileUpdate{slots: s, slot: target, f: f, tmpPath: tmpPath, finalPath: finalPath}, nil
}

func (s *FileSlots) statePath() string { return filepath.Join(s.dir, stateFile) }

func (s *FileSlots) imagePath(slot string) string {
	return filepath.Join(s.dir, "slot_"+slot+".bin")
}

// save writes the state file atomically. Caller holds mu.
func (s *FileSlots) save() error {
	data, err := yaml.Marshal(&s.state)
	if err != nil {
		return fmt.Errorf("platform: encoding slot state: %w", err)
	}
	tmpPath := s.statePath() + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("platform: writing slot state: %w", err)
	}
	if err := os.Rename(tmpPath, s.statePath()); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("platform: replacing slot state: %w", err)
	}
	return nil
}

func otherSlot(slot string) string {
	if slot == SlotA {
		return SlotB
	}
	return SlotA
}

// fileUpdate writes to a temp file and renames it over the slot image on commit.
type fileUpdate struct {
	slots     *FileSlots
	slot      string
	f         *os.File
	tmpPath   string
	finalPath string
	done      bool
}

func (u *fileUpdate) Write(p []byte) (int, error) {
	if u.done {
		return 0, errors.New("platform: write after close")
	}
	return u.f.Write(p)
}

func (u *fileUpdate) Commit(version string) error {
	if u.done {
		return errors.New("platform: update already closed")
	}
	u.done = true

	if err := u.f.Sync(); err != nil {
		u.f.Close()
		os.Remove(u.tmpPath)
		return fmt.Errorf("platform: syncing image: %w", err)
	}
	if err := u.f.Close(); err != nil {
		os.Remove(u.tmpPath)
		return fmt.Errorf("platform: closing image: %w", err)
	}
	if err := os.Rename(u.tmpPath, u.finalPath); err != nil {
		os.Remove(u.tmpPath)
		return fmt.Errorf("platform: installing image: %w", err)
	}

	s := u.slots
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Slots[u.slot] = SlotPendingVerify
	s.state.Versions[u.slot] = version
	s.state.Boot = u.slot
	return s.save()
}

func (u *fileUpdate) Abort() error {
	if u.done {
		return nil
	}
	u.done = true
	u.f.Close()
	if err := os.Remove(u.tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("platform: removing partial image: %w", err)
	}
	return nil
}

// Compile-time check that FileSlots implements Slots.
var _ Slots = (*FileSlots)(nil)
