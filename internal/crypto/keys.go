package crypto

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ErrKeyNotFound is returned when a record references a key version that is
// not present in the current configuration.
type ErrKeyNotFound struct {
	Version int
}

func (e *ErrKeyNotFound) Error() string {
	return fmt.Sprintf("master key version %d not configured", e.Version)
}

// KeyManager holds the configured master key versions. Encryption always
// uses the highest configured version; decryption resolves whatever version
// a record was sealed with, so rotating keys never invalidates old rows.
type KeyManager struct {
	keys    map[int][32]byte
	current int
}

// NewKeyManager builds a KeyManager from one or more versioned keys.
func NewKeyManager(keys map[int][32]byte) (*KeyManager, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("at least one master key is required")
	}
	current := 0
	for v := range keys {
		if v <= 0 {
			return nil, fmt.Errorf("master key version must be positive, got %d", v)
		}
		if v > current {
			current = v
		}
	}
	cp := make(map[int][32]byte, len(keys))
	for v, k := range keys {
		cp[v] = k
	}
	return &KeyManager{keys: cp, current: current}, nil
}

// CurrentVersion returns the version used for new writes.
func (m *KeyManager) CurrentVersion() int {
	return m.current
}

// Resolve returns the key for the given version.
func (m *KeyManager) Resolve(version int) ([32]byte, error) {
	k, ok := m.keys[version]
	if !ok {
		return [32]byte{}, &ErrKeyNotFound{Version: version}
	}
	return k, nil
}

// Versions returns the configured versions in ascending order.
func (m *KeyManager) Versions() []int {
	out := make([]int, 0, len(m.keys))
	for v := range m.keys {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// ParseMasterKeys parses a comma-separated "version:hexkey" list, e.g.
// "1:<64 hex chars>,2:<64 hex chars>". A bare 64-hex-char value (no version
// prefix) is accepted as version 1 for single-key deployments.
func ParseMasterKeys(s string) (map[int][32]byte, error) {
	keys := make(map[int][32]byte)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		version := 1
		hexKey := part
		if i := strings.IndexByte(part, ':'); i >= 0 {
			v, err := strconv.Atoi(part[:i])
			if err != nil {
				return nil, fmt.Errorf("invalid key version %q: %w", part[:i], err)
			}
			version = v
			hexKey = part[i+1:]
		}
		raw, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("master key v%d is not valid hex: %w", version, err)
		}
		if len(raw) != 32 {
			return nil, fmt.Errorf("master key v%d must be 32 bytes (64 hex chars), got %d bytes", version, len(raw))
		}
		if _, dup := keys[version]; dup {
			return nil, fmt.Errorf("duplicate master key version %d", version)
		}
		var k [32]byte
		copy(k[:], raw)
		keys[version] = k
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no master keys configured")
	}
	return keys, nil
}
