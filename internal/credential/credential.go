package credential

import (
	"os"

	"github.com/liveness-keeper/internal/config"
	"github.com/liveness-keeper/internal/storage"
)

// Credential is an opaque bearer token for one account
type Credential string

// Mask keeps the first and last four characters so logs can tell tokens apart
func (c Credential) Mask() string {
	s := string(c)
	if len(s) <= 12 {
		return "****"
	}
	return s[:4] + "..." + s[len(s)-4:]
}

// LoadFile reads one token per line. An unreadable file is a ConfigError;
// an empty file is not.
func LoadFile(path string) ([]Credential, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &config.ConfigError{What: "load credentials", Err: err}
	}
	defer f.Close()

	lines, err := storage.SplitLines(f)
	if err != nil {
		return nil, &config.ConfigError{What: "read credentials", Err: err}
	}

	seen := make(map[string]struct{}, len(lines))
	creds := make([]Credential, 0, len(lines))
	for _, line := range lines {
		if _, dup := seen[line]; dup {
			continue
		}
		seen[line] = struct{}{}
		creds = append(creds, Credential(line))
	}
	return creds, nil
}
