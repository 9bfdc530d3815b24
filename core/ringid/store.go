// File: core/ringid/store.go
// Package ringid persists the monotonic ring sequence per processor
// identity. The file holds a single 64-bit little-endian counter and is
// rewritten on every COMMIT entry with the newly agreed sequence.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package ringid

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/momentics/totemring/api"
	"github.com/momentics/totemring/protocol"
)

func path(dir string, id protocol.Addr) string {
	return filepath.Join(dir, fmt.Sprintf("ringid_%s", id))
}

// Load reads the persisted ring sequence for id. A missing file means a
// fresh processor: the sequence is zero and the file is created. Any
// other failure is fatal to the caller.
func Load(dir string, id protocol.Addr) (uint64, error) {
	name := path(dir, id)
	raw, err := os.ReadFile(name)
	if os.IsNotExist(err) {
		if err := Store(dir, id, 0); err != nil {
			return 0, err
		}
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(api.ErrPersistenceFailed, "read %s: %v", name, err)
	}
	if len(raw) < 8 {
		return 0, errors.Wrapf(api.ErrPersistenceFailed, "short ring id file %s: %d bytes", name, len(raw))
	}
	return binary.LittleEndian.Uint64(raw), nil
}

// Store overwrites the persisted ring sequence for id.
func Store(dir string, id protocol.Addr, seq uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], seq)
	name := path(dir, id)
	if err := os.WriteFile(name, buf[:], 0o644); err != nil {
		return errors.Wrapf(api.ErrPersistenceFailed, "write %s: %v", name, err)
	}
	return nil
}
