package transport

import (
	"context"
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"
)

// usbID is a USB vendor/product pair in lower-case hex.
type usbID struct {
	vid, pid string
}

// knownRadios maps USB bridges found on mesh radio boards to their vendor.
var knownRadios = map[usbID]string{
	{"10c4", "ea60"}: "Silicon Labs", // CP210x, Heltec WiFi LoRa 32
	{"1a86", "7523"}: "WCH",          // CH340
	{"1a86", "55d4"}: "WCH",          // CH9102, TTGO LoRa32
	{"0403", "6001"}: "FTDI",         // FT232R
	{"0403", "6010"}: "FTDI",         // FT2232
	{"0403", "6011"}: "FTDI",         // FT4232H
	{"0403", "6014"}: "FTDI",         // FT232H
	{"0403", "6015"}: "FTDI",         // FT-X
	{"239a", "80f2"}: "Adafruit",     // Feather ESP32-S2
	{"239a", "8014"}: "Adafruit",     // ESP32-S2
	{"303a", "1001"}: "Espressif",    // ESP32-S2/S3 USB JTAG
	{"303a", "0002"}: "Espressif",    // ESP32-S3
}

var radioProductHints = []string{"meshtastic", "lora", "heltec", "ttgo"}

var radioPortHints = []string{"usbserial", "ttyUSB", "ttyACM", "cu.usbserial", "cu.wchusbserial"}

// PortLister returns the OS-visible serial ports.
type PortLister func() ([]*enumerator.PortDetails, error)

// Scan lists serial ports that are likely mesh radios.
func Scan(ctx context.Context) ([]DeviceInfo, error) {
	return ScanPorts(ctx, enumerator.GetDetailedPortsList)
}

// ScanPorts classifies the ports returned by list.
func ScanPorts(ctx context.Context, list PortLister) ([]DeviceInfo, error) {
	ports, err := list()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDiscovery, err)
	}

	devices := make([]DeviceInfo, 0, len(ports))
	for _, p := range ports {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if info, ok := Classify(p); ok {
			devices = append(devices, info)
		}
	}
	return devices, nil
}

// Classify decides whether a port looks like a mesh radio and builds its
// DeviceInfo. USB ports match on the known VID:PID table, on the product
// name, or on a usbserial port name; other ports match on name patterns.
func Classify(p *enumerator.PortDetails) (DeviceInfo, bool) {
	if p == nil || p.Name == "" {
		return DeviceInfo{}, false
	}

	info := DeviceInfo{
		ID:        p.Name,
		Name:      p.Name,
		Path:      p.Name,
		Kind:      KindSerial,
		Available: true,
	}

	if !p.IsUSB {
		return info, containsAny(p.Name, radioPortHints, false)
	}

	id := usbID{strings.ToLower(p.VID), strings.ToLower(p.PID)}
	vendor, known := knownRadios[id]
	named := containsAny(p.Product, radioProductHints, true)
	generic := strings.Contains(p.Name, "usbserial")

	if !known && !named && !generic {
		return DeviceInfo{}, false
	}

	if p.Product != "" {
		info.Name = p.Product
	}
	info.Manufacturer = vendor
	if info.Manufacturer == "" {
		info.Manufacturer = "Unknown"
	}
	info.VendorID = id.vid
	info.ProductID = id.pid
	return info, true
}

func containsAny(s string, hints []string, fold bool) bool {
	if fold {
		s = strings.ToLower(s)
	}
	for _, h := range hints {
		if strings.Contains(s, h) {
			return true
		}
	}
	return false
}
