// Package portutil provides low-level port helpers used by port arbitration.
package portutil

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"path/filepath"
)

// AllocatePort asks the OS for a free ephemeral port by binding to :0 and
// immediately releasing it. Thread-safe and collision-free in practice.
func AllocatePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to allocate port: %w", err)
	}
	defer func() {
		_ = listener.Close()
	}()

	addr := listener.Addr().(*net.TCPAddr)
	return addr.Port, nil
}

// ProjectID returns a deterministic hash of the absolute project path, used
// by port arbitration (spec.md §4.11) to recognize "our" prior instance.
func ProjectID(projectDir string) string {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		abs = projectDir
	}
	sum := sha256.Sum256([]byte(abs))
	return hex.EncodeToString(sum[:])[:16]
}
