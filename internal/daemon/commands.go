package daemon

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	. "github.com/forager-agent/forager/internal/logging"
)

const commandTimeout = 60 * time.Second

// blockedCommandPrefixes rejects remote commands that open UIs, send mail,
// delete in bulk or control the daemon's own lifecycle.
var blockedCommandPrefixes = []string{
	"xdg-open", "open ", "gio open",
	"mail", "sendmail", "mutt",
	"rm -r", "rm -f", "rm -rf", "rmdir", "shred",
	"apt", "dnf", "yum", "pip install", "go install",
	"systemctl", "service ", "kill", "pkill", "shutdown", "reboot",
}

func commandBlocked(cmd string) bool {
	lowered := strings.ToLower(strings.TrimSpace(cmd))
	for _, prefix := range blockedCommandPrefixes {
		if strings.HasPrefix(lowered, prefix) {
			return true
		}
	}
	return false
}

// runCommand executes a remote command with buffered output. Blocked
// commands return a policy explanation without executing.
func (r *Router) runCommand(ctx context.Context, cmd string) (string, error) {
	if cmd == "" {
		return "No command given.", nil
	}
	if commandBlocked(cmd) {
		L_warn("daemon: blocked command", "command", cmd)
		return "That command is blocked by policy and was not executed.", nil
	}

	cctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	out, err := exec.CommandContext(cctx, "sh", "-c", cmd).CombinedOutput()
	text := strings.TrimSpace(string(out))
	if err != nil {
		if text == "" {
			return fmt.Sprintf("command failed: %v", err), nil
		}
		return fmt.Sprintf("%s\ncommand failed: %v", text, err), nil
	}
	if text == "" {
		return "(no output)", nil
	}
	return text, nil
}

func (r *Router) handleSessionCommand(msg Message, body string) (string, error) {
	fields := strings.Fields(body)
	sub := ""
	if len(fields) > 1 {
		sub = fields[1]
	}

	switch sub {
	case "list", "":
		sessions, err := r.store.ListSessions(20)
		if err != nil {
			return "", err
		}
		if len(sessions) == 0 {
			return "No sessions.", nil
		}
		var sb strings.Builder
		for _, s := range sessions {
			fmt.Fprintf(&sb, "#%d %s (%s)\n", s.ID, s.Name, s.Model)
		}
		return strings.TrimRight(sb.String(), "\n"), nil

	case "bind":
		if msg.Type != "groupchat" {
			return "bind is only available in rooms.", nil
		}
		if len(fields) < 3 {
			return "Usage: /session bind <id>", nil
		}
		id, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return "Usage: /session bind <id>", nil
		}
		sess, err := r.store.GetSession(id)
		if err != nil || sess == nil {
			return fmt.Sprintf("No session #%d.", id), nil
		}
		if err := r.store.SetRoomBinding(msg.RoomJID, id); err != nil {
			return "", err
		}
		return fmt.Sprintf("Room bound to session #%d %s.", sess.ID, sess.Name), nil

	case "unbind":
		if msg.Type != "groupchat" {
			return "unbind is only available in rooms.", nil
		}
		if err := r.store.ClearRoomBinding(msg.RoomJID); err != nil {
			return "", err
		}
		return "Room unbound.", nil

	default:
		return "Usage: /session [list|bind <id>|unbind]", nil
	}
}

// looksLikeTOML detects an inline config upload: a section header or a
// key = value line right at the start.
func looksLikeTOML(body string) bool {
	first := strings.TrimSpace(strings.SplitN(body, "\n", 2)[0])
	if strings.HasPrefix(first, "[") && strings.HasSuffix(first, "]") {
		return true
	}
	return false
}

// handleOverrideUpload validates and stores an inline TOML fragment as a
// session override file.
func (r *Router) handleOverrideUpload(msg Message, body string) (string, error) {
	var parsed map[string]any
	if err := toml.Unmarshal([]byte(body), &parsed); err != nil {
		return fmt.Sprintf("That looks like TOML but does not parse: %v", err), nil
	}

	sessionID, err := r.sessionIDForMessage(msg)
	if err != nil {
		return "", err
	}
	if sessionID == 0 {
		return "No session to attach the override to.", nil
	}
	if err := r.store.SetOverrideFile(sessionID, "override.toml", body); err != nil {
		return "", err
	}
	return fmt.Sprintf("Override stored for session #%d.", sessionID), nil
}

func (r *Router) sessionIDForMessage(msg Message) (int64, error) {
	if msg.Type == "groupchat" {
		return r.store.GetRoomBinding(msg.RoomJID)
	}
	sess, err := r.store.FindByExactName(sessionNameForJID(msg.JID))
	if err != nil {
		return 0, err
	}
	if sess == nil {
		sess, err = r.store.CreateSession(sessionNameForJID(msg.JID), "")
		if err != nil {
			return 0, err
		}
	}
	return sess.ID, nil
}

// expandPreset replaces a leading \name with the preset body, keeping the
// remainder of the message appended.
func (r *Router) expandPreset(body string) (string, error) {
	rest := strings.TrimPrefix(body, `\`)
	name := rest
	args := ""
	if idx := strings.IndexAny(rest, " \t\n"); idx >= 0 {
		name, args = rest[:idx], strings.TrimSpace(rest[idx:])
	}
	preset, ok := r.presets[name]
	if !ok {
		return "", fmt.Errorf("unknown preset \\%s", name)
	}
	if args == "" {
		return preset, nil
	}
	return preset + " " + args, nil
}

// loadPresets reads the YAML preset file, a flat name-to-text map. A missing
// file just disables presets.
func loadPresets(path string) map[string]string {
	if path == "" {
		return map[string]string{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			L_warn("daemon: preset file unreadable", "path", path, "error", err)
		}
		return map[string]string{}
	}
	presets := map[string]string{}
	if err := yaml.Unmarshal(data, &presets); err != nil {
		L_warn("daemon: preset file invalid", "path", path, "error", err)
		return map[string]string{}
	}
	return presets
}
