package agent

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
)

// DesktopNotifier delivers notifications with notify-send, run as the target
// user via su. The daemon runs as root without a display of its own, so the
// user's DISPLAY and XDG_RUNTIME_DIR are recovered from their process
// environment under /proc.
type DesktopNotifier struct {
	run        commandRunner
	procRoot   string
	lookupUser func(username string) (userIdentity, error)
}

// NewDesktopNotifier builds a Notifier backed by the real system.
func NewDesktopNotifier() *DesktopNotifier {
	return &DesktopNotifier{
		run:      runCommand,
		procRoot: "/proc",
		lookupUser: func(username string) (userIdentity, error) {
			u, err := user.Lookup(username)
			if err != nil {
				return userIdentity{}, err
			}
			uid, err := strconv.Atoi(u.Uid)
			if err != nil {
				return userIdentity{}, err
			}
			gid, err := strconv.Atoi(u.Gid)
			if err != nil {
				return userIdentity{}, err
			}
			return userIdentity{uid: uid, gid: gid}, nil
		},
	}
}

// Send implements Notifier.
func (n *DesktopNotifier) Send(username, title, message string) error {
	display, runtimeDir := n.sessionEnv(username)
	if display == "" {
		return fmt.Errorf("no DISPLAY found for user %s", username)
	}

	identity, err := n.lookupUser(username)
	if err != nil {
		return fmt.Errorf("looking up user %s: %w", username, err)
	}
	if runtimeDir == "" {
		runtimeDir = fmt.Sprintf("/run/user/%d", identity.uid)
	}

	cmd := fmt.Sprintf(
		"DISPLAY=%s XDG_RUNTIME_DIR=%s notify-send --urgency=normal --expire-time=5000 %q %q",
		display, runtimeDir, title, message,
	)
	if _, err := n.run("su", "-", username, "-c", cmd); err != nil {
		return fmt.Errorf("sending notification to %s: %w", username, err)
	}
	return nil
}

// sessionEnv scans the user's processes for DISPLAY and XDG_RUNTIME_DIR.
func (n *DesktopNotifier) sessionEnv(username string) (display, runtimeDir string) {
	entries, err := os.ReadDir(n.procRoot)
	if err != nil {
		return "", ""
	}

	userMarker := "USER=" + username
	for _, entry := range entries {
		if _, err := strconv.Atoi(entry.Name()); err != nil {
			continue
		}

		raw, err := os.ReadFile(filepath.Join(n.procRoot, entry.Name(), "environ"))
		if err != nil {
			continue
		}

		vars := strings.Split(string(raw), "\x00")
		if !containsVar(vars, userMarker) {
			continue
		}
		for _, v := range vars {
			if strings.HasPrefix(v, "DISPLAY=") {
				display = strings.TrimPrefix(v, "DISPLAY=")
			} else if strings.HasPrefix(v, "XDG_RUNTIME_DIR=") {
				runtimeDir = strings.TrimPrefix(v, "XDG_RUNTIME_DIR=")
			}
		}
		if display != "" {
			return display, runtimeDir
		}
	}
	return "", ""
}

func containsVar(vars []string, want string) bool {
	for _, v := range vars {
		if v == want {
			return true
		}
	}
	return false
}
