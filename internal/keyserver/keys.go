package keyserver

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"memvault.org/internal/seal"
)

// LoadOrCreateKey reads a hex-encoded X25519 private key from path,
// generating and persisting a fresh one if the file does not exist.
func LoadOrCreateKey(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		priv, err := hex.DecodeString(strings.TrimSpace(string(data)))
		if err != nil || len(priv) != 32 {
			return nil, fmt.Errorf("keyserver: malformed key file %s", path)
		}
		return priv, nil
	case os.IsNotExist(err):
		priv, _, err := seal.GenerateServerKey()
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte(hex.EncodeToString(priv)+"\n"), 0o600); err != nil {
			return nil, fmt.Errorf("keyserver: persist key: %w", err)
		}
		return priv, nil
	default:
		return nil, fmt.Errorf("keyserver: read key file: %w", err)
	}
}
