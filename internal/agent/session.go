package agent

import (
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
)

// commandRunner executes a command and returns its combined stdout. Tests
// substitute a fake.
type commandRunner func(name string, args ...string) ([]byte, error)

func runCommand(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).Output()
}

// SessionResolver finds the user who owns the active desktop session. Probes
// are tried in priority order until one yields a username: systemd-logind
// first, then utmp via who, then the Xorg process owner, and finally DISPLAY
// environment scanning under /proc.
type SessionResolver struct {
	run      commandRunner
	procRoot string
	// lookupUID maps a numeric uid to a username for the /proc probe.
	lookupUID func(uid string) (string, error)
}

// NewSessionResolver builds a resolver backed by the real system.
func NewSessionResolver() *SessionResolver {
	return &SessionResolver{
		run:      runCommand,
		procRoot: "/proc",
		lookupUID: func(uid string) (string, error) {
			u, err := user.LookupId(uid)
			if err != nil {
				return "", err
			}
			return u.Username, nil
		},
	}
}

// ActiveUser implements ActiveUserResolver.
func (r *SessionResolver) ActiveUser() (string, bool) {
	for _, probe := range []func() string{
		r.loginctlUser,
		r.whoUser,
		r.xorgUser,
		r.environUser,
	} {
		if username := probe(); username != "" && username != "root" {
			return username, true
		}
	}
	return "", false
}

// loginctlUser asks systemd-logind for the active graphical or console
// session on the primary seat.
func (r *SessionResolver) loginctlUser() string {
	out, err := r.run("loginctl", "list-sessions", "--no-legend")
	if err != nil {
		return ""
	}

	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		sessionID, username, seat := fields[0], fields[2], ""
		if len(fields) >= 4 {
			seat = fields[3]
		}
		if seat != "seat0" {
			continue
		}

		info, err := r.run("loginctl", "show-session", sessionID,
			"--property=Active", "--property=Type")
		if err != nil {
			continue
		}
		props := string(info)
		if !strings.Contains(props, "Active=yes") {
			continue
		}
		if strings.Contains(props, "Type=x11") ||
			strings.Contains(props, "Type=wayland") ||
			strings.Contains(props, "Type=tty") {
			return username
		}
	}
	return ""
}

// whoUser scans logged-in users for a graphical display or the consoles
// graphical sessions typically land on.
func (r *SessionResolver) whoUser() string {
	out, err := r.run("who")
	if err != nil {
		return ""
	}

	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		username, terminal := fields[0], fields[1]
		if username == "root" {
			continue
		}
		if terminal == ":0" || terminal == "tty7" || terminal == "tty1" ||
			strings.HasPrefix(terminal, ":") {
			return username
		}
	}
	return ""
}

// xorgUser finds the owner of a running X server process.
func (r *SessionResolver) xorgUser() string {
	out, err := r.run("ps", "-eo", "user:32,comm", "--no-headers")
	if err != nil {
		return ""
	}

	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		username, comm := fields[0], fields[1]
		if username == "root" {
			continue
		}
		if comm == "Xorg" || comm == "X" || strings.HasPrefix(comm, "Xwayland") {
			return username
		}
	}
	return ""
}

// environUser scans process environments for a DISPLAY variable and maps the
// owning uid back to a username. Last resort; requires root.
func (r *SessionResolver) environUser() string {
	entries, err := os.ReadDir(r.procRoot)
	if err != nil {
		return ""
	}

	for _, entry := range entries {
		pid := entry.Name()
		if _, err := strconv.Atoi(pid); err != nil {
			continue
		}

		environ, err := os.ReadFile(filepath.Join(r.procRoot, pid, "environ"))
		if err != nil {
			continue
		}
		if !strings.Contains(string(environ), "DISPLAY=") {
			continue
		}

		status, err := os.ReadFile(filepath.Join(r.procRoot, pid, "status"))
		if err != nil {
			continue
		}
		uid := uidFromStatus(string(status))
		if uid == "" || uid == "0" {
			continue
		}

		if username, err := r.lookupUID(uid); err == nil && username != "" {
			return username
		}
	}
	return ""
}

// uidFromStatus extracts the real uid from /proc/<pid>/status content.
func uidFromStatus(status string) string {
	for _, line := range strings.Split(status, "\n") {
		if !strings.HasPrefix(line, "Uid:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			return fields[1]
		}
	}
	return ""
}
