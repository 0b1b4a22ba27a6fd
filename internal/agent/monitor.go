package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
)

// DeviceEvent is one udev event for a USB block device carrying a filesystem.
type DeviceEvent struct {
	Action string
	Attach AttachEvent
}

// Monitor watches udev for block device events by running udevadm monitor in
// property mode and parsing its output. Events are delivered to the handler
// sequentially; one event is fully resolved before the next is read, so a
// burst of attachments is admitted one device at a time.
type Monitor struct {
	// startCmd launches the event source and returns its stdout. Tests
	// substitute a canned stream.
	startCmd func(ctx context.Context) (io.ReadCloser, error)
}

// NewMonitor builds a Monitor backed by udevadm.
func NewMonitor() *Monitor {
	return &Monitor{
		startCmd: func(ctx context.Context) (io.ReadCloser, error) {
			cmd := exec.CommandContext(ctx, "udevadm", "monitor",
				"--udev", "--property", "--subsystem-match=block")
			stdout, err := cmd.StdoutPipe()
			if err != nil {
				return nil, err
			}
			if err := cmd.Start(); err != nil {
				return nil, err
			}
			return stdout, nil
		},
	}
}

// Run consumes events until the stream ends or the context is cancelled.
func (m *Monitor) Run(ctx context.Context, handle func(DeviceEvent)) error {
	stream, err := m.startCmd(ctx)
	if err != nil {
		return fmt.Errorf("starting udev monitor: %w", err)
	}
	defer stream.Close()

	slog.Info("udev monitoring started")
	parseEventStream(stream, func(ev DeviceEvent) {
		if ctx.Err() != nil {
			return
		}
		handle(ev)
	})
	return ctx.Err()
}

// parseEventStream reads udevadm property output. Events are blocks of
// KEY=value lines separated by blank lines; only USB block devices with a
// recognizable filesystem are emitted.
func parseEventStream(r io.Reader, emit func(DeviceEvent)) {
	scanner := bufio.NewScanner(r)
	props := make(map[string]string)

	flush := func() {
		if ev, ok := eventFromProps(props); ok {
			emit(ev)
		}
		props = make(map[string]string)
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			flush()
			continue
		}
		if key, value, found := strings.Cut(line, "="); found && !strings.Contains(key, " ") {
			props[key] = value
		}
	}
	flush()
}

// eventFromProps filters one property block down to the events the policy
// engine acts on.
func eventFromProps(props map[string]string) (DeviceEvent, bool) {
	action := props["ACTION"]
	if action != "add" && action != "remove" {
		return DeviceEvent{}, false
	}
	if props["ID_BUS"] != "usb" || props["ID_FS_TYPE"] == "" {
		return DeviceEvent{}, false
	}
	if devtype := props["DEVTYPE"]; devtype != "disk" && devtype != "partition" {
		return DeviceEvent{}, false
	}

	vendor := valueOr(props, "ID_VENDOR", "Unknown")
	model := valueOr(props, "ID_MODEL", "Unknown")
	info := fmt.Sprintf("%s %s (%s)", vendor, model, props["ID_FS_TYPE"])

	return DeviceEvent{
		Action: action,
		Attach: AttachEvent{
			VID:        valueOr(props, "ID_VENDOR_ID", "unknown"),
			PID:        valueOr(props, "ID_MODEL_ID", "unknown"),
			Serial:     props["ID_SERIAL_SHORT"],
			DeviceNode: props["DEVNAME"],
			Info:       info,
		},
	}, true
}

func valueOr(props map[string]string, key, fallback string) string {
	if v := props[key]; v != "" {
		return v
	}
	return fallback
}
