package agent

import (
	"fmt"
	"log/slog"
	"os"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
)

// userIdentity is the numeric identity a mount is performed for.
type userIdentity struct {
	uid int
	gid int
}

// ExecMountManager mounts filesystems with the system mount command. Running
// mount directly from the root daemon sidesteps polkit restrictions that
// apply to per-user mount services.
type ExecMountManager struct {
	run       commandRunner
	mountBase string
	// lookupUser resolves a username to uid/gid. Tests substitute a fake.
	lookupUser func(username string) (userIdentity, error)
	mkdirAll   func(path string, perm os.FileMode) error
}

// NewExecMountManager builds a MountManager backed by the real system.
func NewExecMountManager() *ExecMountManager {
	return &ExecMountManager{
		run:       runCommand,
		mountBase: "/media",
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
		mkdirAll: os.MkdirAll,
	}
}

// Mount mounts the device node under /media/<username>/<name>, owned by the
// user. An unresolvable user falls back to a root-owned mount so the device
// is still usable from a console.
func (m *ExecMountManager) Mount(deviceNode, username string) error {
	identity, err := m.lookupUser(username)
	if err != nil {
		slog.Warn("mount user not resolvable, mounting as root",
			"username", username, "error", err)
		username = "root"
		identity = userIdentity{}
	}

	base := filepath.Join(m.mountBase, username)
	if err := m.mkdirAll(base, 0o755); err != nil {
		return fmt.Errorf("creating mount base %s: %w", base, err)
	}
	if username != "root" {
		m.run("chown", fmt.Sprintf("%s:%s", username, username), base)
	}

	mountPoint := filepath.Join(base, m.mountName(deviceNode))
	if err := m.mkdirAll(mountPoint, 0o755); err != nil {
		return fmt.Errorf("creating mount point %s: %w", mountPoint, err)
	}

	options := "rw,nosuid,nodev"
	if username != "root" {
		options = fmt.Sprintf("rw,nosuid,nodev,uid=%d,gid=%d,umask=0022",
			identity.uid, identity.gid)
	}

	if out, err := m.run("mount", "-o", options, deviceNode, mountPoint); err != nil {
		// Leave no empty directory behind on failure.
		os.Remove(mountPoint)
		return fmt.Errorf("mounting %s at %s: %w (%s)",
			deviceNode, mountPoint, err, strings.TrimSpace(string(out)))
	}

	if username != "root" {
		m.run("chown", fmt.Sprintf("%s:%s", username, username), mountPoint)
		m.run("chmod", "755", mountPoint)
	}

	slog.Info("device mounted", "node", deviceNode, "mount_point", mountPoint, "username", username)
	return nil
}

// Unmount unmounts the device node.
func (m *ExecMountManager) Unmount(deviceNode string) error {
	if out, err := m.run("umount", deviceNode); err != nil {
		return fmt.Errorf("unmounting %s: %w (%s)",
			deviceNode, err, strings.TrimSpace(string(out)))
	}
	slog.Info("device unmounted", "node", deviceNode)
	return nil
}

// mountName derives the directory name for the mount point: the filesystem
// label when present, otherwise a uuid prefix, otherwise the node base name.
func (m *ExecMountManager) mountName(deviceNode string) string {
	out, err := m.run("blkid", deviceNode)
	if err != nil {
		return filepath.Base(deviceNode)
	}

	var label, uuid string
	for _, part := range strings.Fields(string(out)) {
		switch {
		case strings.HasPrefix(part, "LABEL="):
			label = strings.Trim(strings.TrimPrefix(part, "LABEL="), `"`)
		case strings.HasPrefix(part, "UUID="):
			uuid = strings.Trim(strings.TrimPrefix(part, "UUID="), `"`)
		}
	}

	switch {
	case label != "":
		return label
	case len(uuid) >= 8:
		return uuid[:8]
	case uuid != "":
		return uuid
	default:
		return filepath.Base(deviceNode)
	}
}
