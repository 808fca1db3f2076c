package supervisor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/oarjones/agp-gateway/internal/gwerr"
)

// adapterLockfileName is the advisory lockfile the supervisor uses to
// decide whether it already owns a running MCP adapter instance, per
// §4.4's agent_runner_only ownership mode.
const adapterLockfileName = "mcp_adapter.lock"

// adapterLock is the JSON structure stored in the adapter lockfile.
type adapterLock struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
}

func adapterLockPath(dataDir string) string {
	return filepath.Join(dataDir, adapterLockfileName)
}

func writeAdapterLock(dataDir string, pid int) error {
	lock := adapterLock{PID: pid, StartedAt: time.Now().UTC()}
	data, err := json.MarshalIndent(lock, "", "  ")
	if err != nil {
		return gwerr.Wrap(gwerr.Internal, "marshaling adapter lockfile", err)
	}
	return os.WriteFile(adapterLockPath(dataDir), data, 0o600)
}

// readAdapterLock returns nil, nil if no lockfile exists.
func readAdapterLock(dataDir string) (*adapterLock, error) {
	data, err := os.ReadFile(adapterLockPath(dataDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, gwerr.Wrap(gwerr.Internal, "reading adapter lockfile", err)
	}
	var lock adapterLock
	if err := json.Unmarshal(data, &lock); err != nil {
		return nil, gwerr.Wrap(gwerr.ConfigInvalid, "parsing adapter lockfile", err)
	}
	return &lock, nil
}

func removeAdapterLock(dataDir string) error {
	err := os.Remove(adapterLockPath(dataDir))
	if err != nil && !os.IsNotExist(err) {
		return gwerr.Wrap(gwerr.Internal, "removing adapter lockfile", err)
	}
	return nil
}

// isAdapterLockStale reports whether the PID it names is no longer alive.
func isAdapterLockStale(lock *adapterLock) bool {
	return !isProcessAlive(lock.PID)
}
