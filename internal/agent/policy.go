package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// State is the resolution of a single attach event.
type State string

const (
	StateAllowed State = "allowed"
	StateDenied  State = "denied"
	StatePending State = "pending"
	// StateSkipped means the event was not evaluated, for example because no
	// active user could be determined.
	StateSkipped State = "skipped"
)

// AdmissionAPI is the slice of the server client the policy engine uses.
type AdmissionAPI interface {
	CheckDevice(ctx context.Context, username, vid, pid, serial string) (string, error)
	CreateRequest(ctx context.Context, username, vid, pid, serial, deviceInfo string) (int64, error)
}

// ActiveUserResolver determines which user owns the current desktop session.
// ok is false when no active session could be found.
type ActiveUserResolver interface {
	ActiveUser() (username string, ok bool)
}

// MountManager mounts and unmounts block devices on behalf of a user.
type MountManager interface {
	Mount(deviceNode, username string) error
	Unmount(deviceNode string) error
}

// Notifier delivers a desktop notification to a user's session.
type Notifier interface {
	Send(username, title, message string) error
}

// AttachEvent describes a device attachment as seen by the event source.
type AttachEvent struct {
	VID        string
	PID        string
	Serial     string
	DeviceNode string
	// Info is the human-readable presentation string shown to administrators,
	// for example "SanDisk Cruzer (vfat)".
	Info string
}

// pendingEntry records an outstanding approval request so a later push event
// can be matched back to the device that raised it.
type pendingEntry struct {
	requestID  int64
	deviceNode string
	info       string
}

// PolicyClient applies the admission policy to attach events. Decisions are
// never cached across events; the only state carried between calls is the
// pending-request table, which exists to avoid re-submitting a request while
// a decision is outstanding and to route push events back to their device.
//
// The table is shared between the event-consumer goroutine and the push
// listener goroutine and is guarded by a single mutex.
type PolicyClient struct {
	server   AdmissionAPI
	resolver ActiveUserResolver
	mounter  MountManager
	notifier Notifier

	mu      sync.Mutex
	pending map[string]*pendingEntry
}

// NewPolicyClient wires the policy engine to its collaborators.
func NewPolicyClient(server AdmissionAPI, resolver ActiveUserResolver, mounter MountManager, notifier Notifier) *PolicyClient {
	return &PolicyClient{
		server:   server,
		resolver: resolver,
		mounter:  mounter,
		notifier: notifier,
		pending:  make(map[string]*pendingEntry),
	}
}

func pendingKey(username, vid, pid, serial string) string {
	return fmt.Sprintf("%s:%s:%s:%s", username, vid, pid, serial)
}

// HandleAttach resolves one attach event end to end: determine the active
// user, ask the server for a decision, and act on it. An unreachable server
// resolves to a denial; absence of a decision authority never implies
// permission.
func (p *PolicyClient) HandleAttach(ctx context.Context, ev AttachEvent) State {
	username, ok := p.resolver.ActiveUser()
	if !ok {
		slog.Warn("no active user session, skipping device",
			"vid", ev.VID, "pid", ev.PID, "node", ev.DeviceNode)
		return StateSkipped
	}

	logAttrs := []any{
		"username", username,
		"vid", ev.VID,
		"pid", ev.PID,
		"serial", ev.Serial,
		"node", ev.DeviceNode,
	}
	slog.Info("device attached", logAttrs...)

	decision, err := p.server.CheckDevice(ctx, username, ev.VID, ev.PID, ev.Serial)
	if err != nil {
		slog.Error("device check failed, denying", append(logAttrs, "error", err)...)
		p.notify(username, "USB device blocked",
			fmt.Sprintf("Device %s could not be verified and was blocked", ev.Info))
		return StateDenied
	}

	switch decision {
	case DecisionAllowed:
		slog.Info("device allowed", logAttrs...)
		p.notify(username, "USB device connected",
			fmt.Sprintf("Device %s connected", ev.Info))
		p.mount(ev.DeviceNode, username)
		return StateAllowed

	case DecisionDenied:
		slog.Warn("device denied by policy", logAttrs...)
		p.notify(username, "USB device blocked",
			fmt.Sprintf("Device %s is blocked by security policy", ev.Info))
		return StateDenied

	default:
		return p.requestApproval(ctx, username, ev, logAttrs)
	}
}

// requestApproval submits an approval request for an unknown device, unless
// one is already outstanding for the same (user, device) key.
func (p *PolicyClient) requestApproval(ctx context.Context, username string, ev AttachEvent, logAttrs []any) State {
	key := pendingKey(username, ev.VID, ev.PID, ev.Serial)

	p.mu.Lock()
	if entry, exists := p.pending[key]; exists {
		// Reattach while a decision is outstanding. Refresh the node so an
		// eventual approval mounts the device where it currently sits.
		entry.deviceNode = ev.DeviceNode
		entry.info = ev.Info
		p.mu.Unlock()
		slog.Info("approval request already outstanding",
			append(logAttrs, "request_id", entry.requestID)...)
		return StatePending
	}
	p.mu.Unlock()

	requestID, err := p.server.CreateRequest(ctx, username, ev.VID, ev.PID, ev.Serial, ev.Info)
	if err != nil {
		slog.Error("creating approval request failed, denying", append(logAttrs, "error", err)...)
		p.notify(username, "USB device blocked",
			fmt.Sprintf("Device %s could not be verified and was blocked", ev.Info))
		return StateDenied
	}

	p.mu.Lock()
	p.pending[key] = &pendingEntry{
		requestID:  requestID,
		deviceNode: ev.DeviceNode,
		info:       ev.Info,
	}
	p.mu.Unlock()

	slog.Info("approval request submitted", append(logAttrs, "request_id", requestID)...)
	p.notify(username, "USB device awaiting approval",
		fmt.Sprintf("Device %s is awaiting administrator approval", ev.Info))
	return StatePending
}

// HandleDetach clears the device node from any pending entry that references
// it. The entry itself stays, the request is still outstanding server-side,
// but a later approval must not mount a node that is gone.
func (p *PolicyClient) HandleDetach(deviceNode string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, entry := range p.pending {
		if entry.deviceNode == deviceNode {
			entry.deviceNode = ""
		}
	}
}

// HandleApproval completes a pending request on receipt of a push event. An
// event with no matching pending entry is logged and dropped.
func (p *PolicyClient) HandleApproval(requestID int64, username string) {
	entry, ok := p.takePending(requestID, username)
	if !ok {
		slog.Warn("approval for unknown request, dropping",
			"request_id", requestID, "username", username)
		return
	}

	slog.Info("request approved", "request_id", requestID, "username", username)
	p.notify(username, "USB device approved",
		fmt.Sprintf("Device %s was approved and connected", entry.info))
	if entry.deviceNode != "" {
		p.mount(entry.deviceNode, username)
	}
}

// HandleDenial clears a pending request on receipt of a push event.
func (p *PolicyClient) HandleDenial(requestID int64, username string) {
	entry, ok := p.takePending(requestID, username)
	if !ok {
		slog.Warn("denial for unknown request, dropping",
			"request_id", requestID, "username", username)
		return
	}

	slog.Info("request denied", "request_id", requestID, "username", username)
	p.notify(username, "USB device blocked",
		fmt.Sprintf("Device %s was denied by the administrator", entry.info))
}

// takePending removes and returns the pending entry matching the push event.
// Matching requires both the request id and the username; a request raised by
// one user is never completed by an event addressed to another.
func (p *PolicyClient) takePending(requestID int64, username string) (pendingEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for key, entry := range p.pending {
		if entry.requestID == requestID && keyUsername(key) == username {
			delete(p.pending, key)
			return *entry, true
		}
	}
	return pendingEntry{}, false
}

func keyUsername(key string) string {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i]
		}
	}
	return key
}

// PendingCount reports how many approval requests are outstanding.
func (p *PolicyClient) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

func (p *PolicyClient) mount(deviceNode, username string) {
	if err := p.mounter.Mount(deviceNode, username); err != nil {
		slog.Error("mount failed", "node", deviceNode, "username", username, "error", err)
	}
}

func (p *PolicyClient) notify(username, title, message string) {
	if err := p.notifier.Send(username, title, message); err != nil {
		slog.Debug("desktop notification failed", "username", username, "error", err)
	}
}
