package packet

// PayloadKind tags the payload variant of a packet.
type PayloadKind int

// Payload kinds.
const (
	KindNone PayloadKind = iota
	KindText
	KindPosition
	KindNodeInfo
	KindTelemetry
	KindRouting
	KindAdmin
	KindRaw
)

var kindNames = map[PayloadKind]string{
	KindNone:      "none",
	KindText:      "text",
	KindPosition:  "position",
	KindNodeInfo:  "nodeinfo",
	KindTelemetry: "telemetry",
	KindRouting:   "routing",
	KindAdmin:     "admin",
	KindRaw:       "raw",
}

func (k PayloadKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

func parseKind(s string) (PayloadKind, bool) {
	for k, name := range kindNames {
		if name == s {
			return k, true
		}
	}
	return KindNone, false
}

// Payload is one of the variants below. The set is closed.
type Payload interface {
	Kind() PayloadKind
	isPayload()
}

// Text is a UTF-8 chat message.
type Text string

// Position is a GPS fix in fixed-point degrees (1e-7).
type Position struct {
	LatitudeI  int32  `json:"latitude_i"`
	LongitudeI int32  `json:"longitude_i"`
	Altitude   int32  `json:"altitude"`
	Time       uint32 `json:"time,omitempty"`
}

// Latitude returns the latitude in degrees.
func (p Position) Latitude() float64 { return float64(p.LatitudeI) / 1e7 }

// Longitude returns the longitude in degrees.
func (p Position) Longitude() float64 { return float64(p.LongitudeI) / 1e7 }

// NodeInfo announces a node's identity.
type NodeInfo struct {
	User User `json:"user"`
}

// User is the identity a node broadcasts about itself.
type User struct {
	ID         string `json:"id"`
	LongName   string `json:"long_name"`
	ShortName  string `json:"short_name"`
	MacAddr    []byte `json:"macaddr,omitempty"`
	HWModel    uint32 `json:"hw_model,omitempty"`
	IsLicensed bool   `json:"is_licensed,omitempty"`
	Role       uint32 `json:"role,omitempty"`
}

// Telemetry carries one or more metric groups. Unset groups are nil.
type Telemetry struct {
	Time        uint32              `json:"time,omitempty"`
	Device      *DeviceMetrics      `json:"device,omitempty"`
	Environment *EnvironmentMetrics `json:"environment,omitempty"`
	Power       *PowerMetrics       `json:"power,omitempty"`
}

// DeviceMetrics is the radio's own health.
type DeviceMetrics struct {
	BatteryLevel       uint32  `json:"battery_level"`
	Voltage            float32 `json:"voltage"`
	ChannelUtilization float32 `json:"channel_utilization"`
	AirUtilTx          float32 `json:"air_util_tx"`
	UptimeSeconds      uint32  `json:"uptime_seconds"`
}

// EnvironmentMetrics comes from an attached environment sensor.
type EnvironmentMetrics struct {
	Temperature        float32 `json:"temperature"`
	RelativeHumidity   float32 `json:"relative_humidity"`
	BarometricPressure float32 `json:"barometric_pressure"`
}

// PowerMetrics comes from an attached power monitor.
type PowerMetrics struct {
	Ch1Voltage float32 `json:"ch1_voltage"`
	Ch1Current float32 `json:"ch1_current"`
	Ch2Voltage float32 `json:"ch2_voltage"`
	Ch2Current float32 `json:"ch2_current"`
}

// Routing is a delivery report. ErrorReason 0 means acknowledged.
type Routing struct {
	ErrorReason uint32 `json:"error_reason"`
}

// Admin is an opaque device administration message.
type Admin struct {
	Data []byte `json:"data"`
}

// Raw is a payload on a port the codecs do not interpret.
type Raw struct {
	Port PortNum `json:"port"`
	Data []byte  `json:"data"`
}

func (Text) Kind() PayloadKind      { return KindText }
func (Position) Kind() PayloadKind  { return KindPosition }
func (NodeInfo) Kind() PayloadKind  { return KindNodeInfo }
func (Telemetry) Kind() PayloadKind { return KindTelemetry }
func (Routing) Kind() PayloadKind   { return KindRouting }
func (Admin) Kind() PayloadKind     { return KindAdmin }
func (Raw) Kind() PayloadKind       { return KindRaw }

func (Text) isPayload()      {}
func (Position) isPayload()  {}
func (NodeInfo) isPayload()  {}
func (Telemetry) isPayload() {}
func (Routing) isPayload()   {}
func (Admin) isPayload()     {}
func (Raw) isPayload()       {}
