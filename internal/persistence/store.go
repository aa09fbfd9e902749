// Package persistence implements the persistence gateway (C1, spec.md
// §4.1, §6): atomic load/save of the selection record and per-secret
// files. Callers never see the on-disk encoding; only this package's
// opaque hooks do, per spec.md §1's explicit non-goal on secrets/state
// encoding.
//
// Grounded on the teacher's internal/config/config.go layered-load style
// and its write-via-temp-then-rename idiom used elsewhere in the repo for
// any state file that must survive a crash mid-write.
package persistence

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/apexion-ai/apexion-runtime/internal/model"
)

// Selection is the small selection record spec.md §6 names: enabled
// providers, selected model, selected thinking level, selected router
// sub-provider, onboarding flag, bounded input history.
//
// InputHistory is carried for completeness but spec.md §9's second open
// question says implementers may omit it from the core RPC surface and
// keep it purely client-side; this package still persists it so a client
// that wants it has somewhere to put it, but the RPC router (C10) never
// reads or writes it.
type Selection struct {
	EnabledProviders []model.Provider `yaml:"enabled_providers"`
	SelectedModel    string            `yaml:"selected_model"`
	SelectedThinking model.ThinkingLevel `yaml:"selected_thinking"`
	RouterSubProvider string           `yaml:"router_sub_provider"`
	OnboardingDone   bool              `yaml:"onboarding_done"`
	InputHistory     []string          `yaml:"input_history,omitempty"`
}

const maxInputHistory = 200

// AppendInputHistory bounds the recall buffer to maxInputHistory entries,
// dropping the oldest first (spec.md §6: "bounded input history (≤200)").
func (s *Selection) AppendInputHistory(entry string) {
	s.InputHistory = append(s.InputHistory, entry)
	if over := len(s.InputHistory) - maxInputHistory; over > 0 {
		s.InputHistory = s.InputHistory[over:]
	}
}

// SelectionStore persists the single selection record.
type SelectionStore interface {
	Load() (*Selection, error)
	Save(*Selection) error
}

// FileSelectionStore is the default SelectionStore: one YAML file, written
// atomically (temp file + rename) so a crash mid-write never corrupts it.
type FileSelectionStore struct {
	Path string
}

func NewFileSelectionStore(path string) *FileSelectionStore {
	return &FileSelectionStore{Path: path}
}

func (f *FileSelectionStore) Load() (*Selection, error) {
	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) {
		return &Selection{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load selection: %w", err)
	}
	var sel Selection
	if err := yaml.Unmarshal(data, &sel); err != nil {
		return nil, fmt.Errorf("parse selection: %w", err)
	}
	return &sel, nil
}

func (f *FileSelectionStore) Save(sel *Selection) error {
	data, err := yaml.Marshal(sel)
	if err != nil {
		return fmt.Errorf("encode selection: %w", err)
	}
	return atomicWrite(f.Path, data)
}

// SecretStore persists one file per credential, independently readable so
// individual secrets can be absent (spec.md §6).
type SecretStore interface {
	LoadSecret(name string) ([]byte, bool, error)
	SaveSecret(name string, data []byte) error
}

// FileSecretStore stores each secret as its own file under Dir.
type FileSecretStore struct {
	Dir string
}

func NewFileSecretStore(dir string) *FileSecretStore {
	return &FileSecretStore{Dir: dir}
}

func (f *FileSecretStore) secretPath(name string) string {
	return filepath.Join(f.Dir, name+".secret")
}

func (f *FileSecretStore) LoadSecret(name string) ([]byte, bool, error) {
	data, err := os.ReadFile(f.secretPath(name))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load secret %q: %w", name, err)
	}
	return data, true, nil
}

func (f *FileSecretStore) SaveSecret(name string, data []byte) error {
	if err := os.MkdirAll(f.Dir, 0o700); err != nil {
		return fmt.Errorf("create secrets dir: %w", err)
	}
	return atomicWrite(f.secretPath(name), data)
}

// atomicWrite writes data to a temp file in the same directory, then
// renames it over path, so readers never observe a partial write.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create dir %q: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	return nil
}
