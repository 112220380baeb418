package upgrade

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// ErrNoSession is returned when no saved session exists for a device.
var ErrNoSession = errors.New("no saved upgrade session")

// SessionStore persists upgrade sessions per device, so the
// confirmation window survives the process that started the upgrade.
// One JSON file per device under dir.
type SessionStore struct {
	dir string
	log *zap.SugaredLogger
}

// OpenSessionStore creates dir if needed and returns a store over it.
func OpenSessionStore(dir string, log *zap.SugaredLogger) (*SessionStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating session dir: %w", err)
	}
	return &SessionStore{dir: dir, log: log.Named("sessions")}, nil
}

func (s *SessionStore) path(device string) string {
	// Device addresses can carry ports; keep the filename flat.
	name := strings.NewReplacer("/", "_", ":", "_").Replace(device)
	return filepath.Join(s.dir, name+".json")
}

// Save writes the session for device, replacing any previous one.
func (s *SessionStore) Save(device string, sess *Session) error {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}
	if err := os.WriteFile(s.path(device), data, 0o644); err != nil {
		return fmt.Errorf("writing session: %w", err)
	}
	s.log.Debugw("session saved", "device", device, "status", sess.Status)
	return nil
}

// Load returns the saved session for device, or ErrNoSession.
func (s *SessionStore) Load(device string) (*Session, error) {
	data, err := os.ReadFile(s.path(device))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("reading session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshaling session for %s: %w", device, err)
	}
	return &sess, nil
}

// Delete removes the saved session for device. Missing is not an error.
func (s *SessionStore) Delete(device string) error {
	err := os.Remove(s.path(device))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List returns the devices that have a saved session.
func (s *SessionStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var devices []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		devices = append(devices, strings.TrimSuffix(e.Name(), ".json"))
	}
	return devices, nil
}
