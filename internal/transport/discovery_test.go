package transport

import (
	"context"
	"errors"
	"testing"

	"go.bug.st/serial/enumerator"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		port       *enumerator.PortDetails
		wantOK     bool
		wantName   string
		wantVendor string
	}{
		{
			name:       "known cp210x",
			port:       &enumerator.PortDetails{Name: "/dev/ttyUSB0", IsUSB: true, VID: "10C4", PID: "EA60", Product: "CP2102 USB to UART"},
			wantOK:     true,
			wantName:   "CP2102 USB to UART",
			wantVendor: "Silicon Labs",
		},
		{
			name:       "product name hint",
			port:       &enumerator.PortDetails{Name: "/dev/ttyACM3", IsUSB: true, VID: "1234", PID: "5678", Product: "Heltec Wireless Tracker"},
			wantOK:     true,
			wantName:   "Heltec Wireless Tracker",
			wantVendor: "Unknown",
		},
		{
			name:       "generic usbserial name",
			port:       &enumerator.PortDetails{Name: "/dev/cu.usbserial-0001", IsUSB: true, VID: "aaaa", PID: "bbbb"},
			wantOK:     true,
			wantName:   "/dev/cu.usbserial-0001",
			wantVendor: "Unknown",
		},
		{
			name:   "unrelated usb device",
			port:   &enumerator.PortDetails{Name: "/dev/ttyACM0", IsUSB: true, VID: "046d", PID: "c52b", Product: "Unifying Receiver"},
			wantOK: false,
		},
		{
			name:     "non-usb ttyUSB",
			port:     &enumerator.PortDetails{Name: "/dev/ttyUSB1"},
			wantOK:   true,
			wantName: "/dev/ttyUSB1",
		},
		{
			name:   "onboard uart",
			port:   &enumerator.PortDetails{Name: "/dev/ttyS0"},
			wantOK: false,
		},
		{
			name:   "nil",
			port:   nil,
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, ok := Classify(tt.port)
			if ok != tt.wantOK {
				t.Fatalf("Classify() ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if info.Name != tt.wantName {
				t.Errorf("Name = %q, want %q", info.Name, tt.wantName)
			}
			if info.Manufacturer != tt.wantVendor {
				t.Errorf("Manufacturer = %q, want %q", info.Manufacturer, tt.wantVendor)
			}
			if info.Path != tt.port.Name || info.Kind != KindSerial || !info.Available {
				t.Errorf("DeviceInfo = %+v, want serial device at %s", info, tt.port.Name)
			}
		})
	}
}

func TestClassify_LowercasesIDs(t *testing.T) {
	info, ok := Classify(&enumerator.PortDetails{Name: "COM4", IsUSB: true, VID: "1A86", PID: "7523"})
	if !ok {
		t.Fatal("Classify() ok = false, want true")
	}
	if info.VendorID != "1a86" || info.ProductID != "7523" {
		t.Errorf("VID:PID = %s:%s, want 1a86:7523", info.VendorID, info.ProductID)
	}
}

func TestScanPorts(t *testing.T) {
	list := func() ([]*enumerator.PortDetails, error) {
		return []*enumerator.PortDetails{
			{Name: "/dev/ttyS0"},
			{Name: "/dev/ttyUSB0", IsUSB: true, VID: "10c4", PID: "ea60"},
			{Name: "/dev/ttyACM0"},
		}, nil
	}

	devices, err := ScanPorts(context.Background(), list)
	if err != nil {
		t.Fatalf("ScanPorts() error = %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("len(ScanPorts()) = %d, want 2", len(devices))
	}
	if devices[0].Path != "/dev/ttyUSB0" || devices[1].Path != "/dev/ttyACM0" {
		t.Errorf("ScanPorts() = %+v, want ttyUSB0 then ttyACM0", devices)
	}
}

func TestScanPorts_ListError(t *testing.T) {
	list := func() ([]*enumerator.PortDetails, error) {
		return nil, errors.New("sysfs unavailable")
	}

	if _, err := ScanPorts(context.Background(), list); !errors.Is(err, ErrDiscovery) {
		t.Errorf("ScanPorts() error = %v, want ErrDiscovery", err)
	}
}
