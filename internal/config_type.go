package internal

import "time"

// Version information
const (
	ConfigVersion    = "1.0.0"
	ClientVersion    = "14.0.0"
	MinClientVersion = "12.0.0"

	DefaultHelloPort = 9943 // host listens for hello broadcasts here
	DefaultDataPort  = 9944 // local bind port, also receives broadcast requests

	MinReceiveBuffer = 64 * 1024
	MaxReceiveBuffer = 64 * 1024 * 1024
)

// TransportConfig holds networking settings
type TransportConfig struct {
	ListenAddress      string   `json:"listen_address"`
	HelloPort          int      `json:"hello_port"`
	DataPort           int      `json:"data_port"`
	BroadcastAddresses []string `json:"broadcast_addresses"`
	ReceiveBufferSize  int      `json:"receive_buffer_size"` // used until the host asks for another size
	IPv6Enabled        bool     `json:"ipv6_enabled"`
	RecoverHost        string   `json:"recover_host"` // host:port tried before discovery
}

// SessionSettings tunes the transport session timers
type SessionSettings struct {
	ConnectionTimeoutMs int `json:"connection_timeout_ms"`
	BroadcastIntervalMs int `json:"broadcast_interval_ms"`
	TimeSyncIntervalMs  int `json:"time_sync_interval_ms"`
	EventBuffer         int `json:"event_buffer"`
	SinkWorkers         int `json:"sink_workers"`
	SinkQueueSize       int `json:"sink_queue_size"`
}

func (s SessionSettings) ConnectionTimeout() time.Duration {
	return time.Duration(s.ConnectionTimeoutMs) * time.Millisecond
}

func (s SessionSettings) BroadcastInterval() time.Duration {
	return time.Duration(s.BroadcastIntervalMs) * time.Millisecond
}

func (s SessionSettings) TimeSyncInterval() time.Duration {
	return time.Duration(s.TimeSyncIntervalMs) * time.Millisecond
}

// DeviceConfig describes the headset announced in hello packets
type DeviceConfig struct {
	Name         string   `json:"name"`
	Version      string   `json:"version"`
	RefreshRate  int      `json:"refresh_rate"`
	RenderWidth  int      `json:"render_width"`
	RenderHeight int      `json:"render_height"`
	IPD          float64  `json:"ipd"`
	EyeFov       []EyeFov `json:"eye_fov"`
}

// SRTPConfig defines secure RTP settings. Key and salt are base64.
type SRTPConfig struct {
	Enabled bool   `json:"enabled"`
	Key     string `json:"srtp_key"`
	Salt    string `json:"srtp_salt"`
}

// EgressConfig controls RTP forwarding of reconstructed frames
type EgressConfig struct {
	Enabled      bool       `json:"enabled"`
	Destinations []string   `json:"destinations"`
	PayloadType  uint8      `json:"payload_type"`
	SSRC         uint32     `json:"ssrc"`
	MTU          int        `json:"mtu"`
	SRTP         SRTPConfig `json:"srtp"`
}

// TURNServer represents a TURN server configuration
type TURNServer struct {
	URL        string `json:"url"`
	Username   string `json:"username"`
	Credential string `json:"credential"`
}

// PreviewConfig holds the WebRTC preview settings
type PreviewConfig struct {
	Enabled     bool         `json:"enabled"`
	StunServers []string     `json:"stun_servers"`
	TurnServers []TURNServer `json:"turn_servers"`
	MDNS        bool         `json:"mdns"`
	MaxViewers  int          `json:"max_viewers"`
}

// DatabaseConfig defines MySQL and Redis settings
type DatabaseConfig struct {
	MySQLEnabled      bool   `json:"mysql_enabled"`
	MySQLDSN          string `json:"mysql_dsn"`
	RedisEnabled      bool   `json:"redis_enabled"`
	RedisAddr         string `json:"redis_addr"`
	RedisPassword     string `json:"redis_password"`
	RedisDB           int    `json:"redis_db"`
	PeerTTLSeconds    int    `json:"peer_ttl_seconds"`
	MaxConnections    int    `json:"max_connections"`
	ConnectionTimeout int    `json:"connection_timeout"`
}

// CaptureConfig controls the pcap dump of session traffic
type CaptureConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
	Snaplen int    `json:"snaplen"`
}

// AlertSettings defines monitoring thresholds, evaluated once per second
type AlertSettings struct {
	PacketLossThreshold uint64 `json:"packet_loss_threshold"` // packets per second
	FecFailureThreshold uint64 `json:"fec_failure_threshold"` // failures per second
	LatencyThresholdMs  int    `json:"latency_threshold_ms"`  // average total latency
	MinFPS              uint64 `json:"min_fps"`
	AlertInterval       int    `json:"alert_interval"` // seconds between alerts of one kind
	MaxAlertsPerHour    int    `json:"max_alerts_per_hour"`
	AlertHistory        int    `json:"alert_history"`
}

// APIConfig holds the local management endpoints
type APIConfig struct {
	Address        string `json:"address"`
	MetricsAddress string `json:"metrics_address"`
	ControlSocket  string `json:"control_socket"`
}

// Config struct holds all settings
type Config struct {
	Version       string          `json:"version"`
	LastUpdated   time.Time       `json:"last_updated"`
	Environment   string          `json:"environment"` // prod, staging, dev
	LogLevel      string          `json:"log_level"`
	Transport     TransportConfig `json:"transport"`
	Session       SessionSettings `json:"session"`
	Device        DeviceConfig    `json:"device"`
	Egress        EgressConfig    `json:"egress"`
	Preview       PreviewConfig   `json:"preview"`
	Database      DatabaseConfig  `json:"database"`
	Capture       CaptureConfig   `json:"capture"`
	AlertSettings AlertSettings   `json:"alert_settings"`
	API           APIConfig       `json:"api"`
}

// DefaultConfig returns the settings used for every field a config file
// leaves empty.
func DefaultConfig() Config {
	return Config{
		Version:     ConfigVersion,
		Environment: "dev",
		LogLevel:    "info",
		Transport: TransportConfig{
			ListenAddress:      "0.0.0.0",
			HelloPort:          DefaultHelloPort,
			DataPort:           DefaultDataPort,
			BroadcastAddresses: []string{"255.255.255.255"},
			ReceiveBufferSize:  4 * 1024 * 1024,
		},
		Session: SessionSettings{
			ConnectionTimeoutMs: 3000,
			BroadcastIntervalMs: 1000,
			TimeSyncIntervalMs:  1000,
			EventBuffer:         256,
			SinkWorkers:         1,
			SinkQueueSize:       64,
		},
		Device: DeviceConfig{
			Name:         "vrlink",
			Version:      ClientVersion,
			RefreshRate:  72,
			RenderWidth:  1832,
			RenderHeight: 1920,
			IPD:          0.063,
			EyeFov: []EyeFov{
				{Left: 52, Right: 42, Top: 53, Bottom: 47},
				{Left: 42, Right: 52, Top: 53, Bottom: 47},
			},
		},
		Egress: EgressConfig{
			PayloadType: 96,
			MTU:         1200,
		},
		Preview: PreviewConfig{
			StunServers: []string{"stun:stun.l.google.com:19302"},
			MaxViewers:  4,
		},
		Database: DatabaseConfig{
			RedisAddr:         "127.0.0.1:6379",
			PeerTTLSeconds:    86400,
			MaxConnections:    10,
			ConnectionTimeout: 5,
		},
		Capture: CaptureConfig{
			Path:    "logs/vrlink_capture.pcap",
			Snaplen: 65536,
		},
		AlertSettings: AlertSettings{
			PacketLossThreshold: 50,
			FecFailureThreshold: 2,
			LatencyThresholdMs:  80,
			MinFPS:              30,
			AlertInterval:       10,
			MaxAlertsPerHour:    60,
			AlertHistory:        100,
		},
		API: APIConfig{
			Address:        "127.0.0.1:8080",
			MetricsAddress: ":9091",
			ControlSocket:  "/tmp/vrlink.sock",
		},
	}
}
