package session

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	. "github.com/forager-agent/forager/internal/logging"
)

// Shell stickiness: a per-shell lock file stores the active session id so
// consecutive CLI invocations share a conversation. The file is advisory;
// two shells racing it is allowed and the last writer wins.

func shellLockPath(prefix string) string {
	return fmt.Sprintf("/tmp/%s%d", prefix, os.Getppid())
}

// GetShellSessionID reads the sticky session id for the calling shell, or 0.
func GetShellSessionID(prefix string) int64 {
	data, err := os.ReadFile(shellLockPath(prefix))
	if err != nil {
		return 0
	}
	id, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// SetShellSessionID records the sticky session id for the calling shell.
func SetShellSessionID(prefix string, id int64) {
	path := shellLockPath(prefix)
	if err := os.WriteFile(path, []byte(strconv.FormatInt(id, 10)), 0o600); err != nil {
		L_warn("session: failed to write shell lock", "path", path, "error", err)
	}
}

// ClearShellSessionID detaches the calling shell from its session.
func ClearShellSessionID(prefix string) {
	os.Remove(shellLockPath(prefix))
}
