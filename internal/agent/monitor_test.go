package agent

import (
	"context"
	"io"
	"strings"
	"testing"
)

const udevStream = `monitor will print the received events for:
UDEV - the event which udev sends out after rule processing

UDEV  [4185.123456] add      /devices/pci0000:00/usb1/1-2/host6/target6:0:0/6:0:0:0/block/sdb/sdb1 (block)
ACTION=add
DEVNAME=/dev/sdb1
DEVTYPE=partition
ID_BUS=usb
ID_FS_TYPE=vfat
ID_FS_LABEL=CRUZER
ID_VENDOR=SanDisk
ID_MODEL=Cruzer_Blade
ID_VENDOR_ID=0781
ID_MODEL_ID=5571
ID_SERIAL_SHORT=ABC123

UDEV  [4186.000001] add      /devices/pci0000:00/sata/block/sda/sda1 (block)
ACTION=add
DEVNAME=/dev/sda1
DEVTYPE=partition
ID_BUS=ata
ID_FS_TYPE=ext4

UDEV  [4187.500000] change   /devices/pci0000:00/usb1/1-2/block/sdb (block)
ACTION=change
DEVNAME=/dev/sdb
DEVTYPE=disk
ID_BUS=usb
ID_FS_TYPE=vfat

UDEV  [4190.250000] remove   /devices/pci0000:00/usb1/1-2/block/sdb/sdb1 (block)
ACTION=remove
DEVNAME=/dev/sdb1
DEVTYPE=partition
ID_BUS=usb
ID_FS_TYPE=vfat
ID_VENDOR_ID=0781
ID_MODEL_ID=5571
ID_SERIAL_SHORT=ABC123
`

// ---------------------------------------------------------------------------
// parseEventStream
// ---------------------------------------------------------------------------

func TestParseEventStream_FiltersAndParses(t *testing.T) {
	var events []DeviceEvent
	parseEventStream(strings.NewReader(udevStream), func(ev DeviceEvent) {
		events = append(events, ev)
	})

	if len(events) != 2 {
		t.Fatalf("events = %d, want 2 (usb add + usb remove)", len(events))
	}

	add := events[0]
	if add.Action != "add" {
		t.Errorf("action = %q, want add", add.Action)
	}
	if add.Attach.VID != "0781" || add.Attach.PID != "5571" || add.Attach.Serial != "ABC123" {
		t.Errorf("identity = %s:%s:%s, want 0781:5571:ABC123",
			add.Attach.VID, add.Attach.PID, add.Attach.Serial)
	}
	if add.Attach.DeviceNode != "/dev/sdb1" {
		t.Errorf("node = %q, want /dev/sdb1", add.Attach.DeviceNode)
	}
	if add.Attach.Info != "SanDisk Cruzer_Blade (vfat)" {
		t.Errorf("info = %q", add.Attach.Info)
	}

	if events[1].Action != "remove" {
		t.Errorf("second action = %q, want remove", events[1].Action)
	}
}

func TestParseEventStream_MissingIdentityFallsBack(t *testing.T) {
	stream := "ACTION=add\nDEVNAME=/dev/sdc1\nDEVTYPE=partition\nID_BUS=usb\nID_FS_TYPE=vfat\n"

	var events []DeviceEvent
	parseEventStream(strings.NewReader(stream), func(ev DeviceEvent) {
		events = append(events, ev)
	})

	if len(events) != 1 {
		t.Fatalf("events = %d, want 1", len(events))
	}
	if events[0].Attach.VID != "unknown" || events[0].Attach.PID != "unknown" {
		t.Errorf("identity = %s:%s, want unknown:unknown",
			events[0].Attach.VID, events[0].Attach.PID)
	}
	if events[0].Attach.Info != "Unknown Unknown (vfat)" {
		t.Errorf("info = %q", events[0].Attach.Info)
	}
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

func TestMonitorRun_DeliversEventsSequentially(t *testing.T) {
	m := &Monitor{
		startCmd: func(ctx context.Context) (io.ReadCloser, error) {
			return io.NopCloser(strings.NewReader(udevStream)), nil
		},
	}

	var actions []string
	if err := m.Run(context.Background(), func(ev DeviceEvent) {
		actions = append(actions, ev.Action)
	}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(actions) != 2 || actions[0] != "add" || actions[1] != "remove" {
		t.Errorf("actions = %v, want [add remove]", actions)
	}
}
