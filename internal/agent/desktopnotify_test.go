package agent

import (
	"errors"
	"strings"
	"testing"
)

func newTestNotifier(procRoot string, runner *recordingRunner) *DesktopNotifier {
	return &DesktopNotifier{
		run:      runner.run,
		procRoot: procRoot,
		lookupUser: func(username string) (userIdentity, error) {
			if username != "alice" {
				return userIdentity{}, errors.New("unknown user")
			}
			return userIdentity{uid: 1000, gid: 1000}, nil
		},
	}
}

func TestSend_RunsNotifySendAsUser(t *testing.T) {
	dir := t.TempDir()
	writeProcFiles(t, dir, "1234",
		"USER=alice\x00DISPLAY=:0\x00XDG_RUNTIME_DIR=/run/user/1000\x00",
		"Uid:\t1000\t1000\t1000\t1000\n")

	runner := &recordingRunner{responses: fakeRunner{"su": ""}}
	n := newTestNotifier(dir, runner)

	if err := n.Send("alice", "USB device connected", "Device connected"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	cmd := runner.find("su - alice -c")
	if cmd == "" {
		t.Fatal("su was never executed")
	}
	for _, want := range []string{"DISPLAY=:0", "XDG_RUNTIME_DIR=/run/user/1000", "notify-send", "USB device connected"} {
		if !strings.Contains(cmd, want) {
			t.Errorf("command %q missing %q", cmd, want)
		}
	}
}

func TestSend_DefaultsRuntimeDirFromUID(t *testing.T) {
	dir := t.TempDir()
	writeProcFiles(t, dir, "1234",
		"USER=alice\x00DISPLAY=:1\x00",
		"Uid:\t1000\t1000\t1000\t1000\n")

	runner := &recordingRunner{responses: fakeRunner{"su": ""}}
	if err := newTestNotifier(dir, runner).Send("alice", "t", "m"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if cmd := runner.find("su"); !strings.Contains(cmd, "XDG_RUNTIME_DIR=/run/user/1000") {
		t.Errorf("command %q missing derived runtime dir", cmd)
	}
}

func TestSend_NoDisplayFound(t *testing.T) {
	dir := t.TempDir()
	writeProcFiles(t, dir, "1234",
		"USER=bob\x00DISPLAY=:0\x00",
		"Uid:\t1001\t1001\t1001\t1001\n")

	runner := &recordingRunner{}
	if err := newTestNotifier(dir, runner).Send("alice", "t", "m"); err == nil {
		t.Error("expected error when no DISPLAY belongs to the user")
	}
	if len(runner.commands) != 0 {
		t.Errorf("commands = %v, want none", runner.commands)
	}
}
