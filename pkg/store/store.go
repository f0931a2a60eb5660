// Package store is the persistence collaborator for the session core: the
// identity key, the user profile record, the ordered chat-thread list and
// per-thread message logs. The session package never touches it; the
// application layer persists what the coordinator callbacks report.
package store

import (
	"os"
	"path/filepath"

	"github.com/libp2p/go-libp2p/core/crypto"
)

const (
	identityFileName = "identity.key"
	profileFileName  = "profile.json"
	threadsFileName  = "threads.json"
	logsDirName      = "logs"
)

// DataDir returns the application data directory. An empty baseDir selects
// the default under the user's home.
func DataDir(baseDir string) (string, error) {
	if baseDir != "" {
		return baseDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".offmesh"), nil
}

// SaveIdentity writes the private key to the data directory.
func SaveIdentity(key crypto.PrivKey, baseDir string) error {
	dir, err := DataDir(baseDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	keyBytes, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dir, identityFileName), keyBytes, 0600)
}

// LoadIdentity loads the private key, generating and saving a fresh Ed25519
// key on first run. A stable key keeps the peer ID stable across restarts.
func LoadIdentity(baseDir string) (crypto.PrivKey, error) {
	dir, err := DataDir(baseDir)
	if err != nil {
		return nil, err
	}
	keyPath := filepath.Join(dir, identityFileName)

	keyBytes, err := os.ReadFile(keyPath)
	if err != nil {
		if os.IsNotExist(err) {
			privKey, _, err := crypto.GenerateEd25519Key(nil)
			if err != nil {
				return nil, err
			}
			if err := SaveIdentity(privKey, baseDir); err != nil {
				return nil, err
			}
			return privKey, nil
		}
		return nil, err
	}

	return crypto.UnmarshalPrivateKey(keyBytes)
}
