package store

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/offmesh/offmesh/pkg/session"
)

// SaveProfile writes the single user profile record.
func SaveProfile(p session.Profile, baseDir string) error {
	dir, err := DataDir(baseDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	file, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, profileFileName), file, 0600)
}

// LoadProfile reads the user profile record. A missing record returns a
// zero profile and ok=false.
func LoadProfile(baseDir string) (session.Profile, bool, error) {
	dir, err := DataDir(baseDir)
	if err != nil {
		return session.Profile{}, false, err
	}

	file, err := os.ReadFile(filepath.Join(dir, profileFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return session.Profile{}, false, nil
		}
		return session.Profile{}, false, err
	}

	var p session.Profile
	if err := json.Unmarshal(file, &p); err != nil {
		return session.Profile{}, false, err
	}
	return p, true, nil
}
