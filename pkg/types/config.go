package types

import (
	"time"
)

// Mode constants for gateway operation
const (
	ModeLocal  = "local"  // No Redis/Postgres, JSON files only
	ModeRemote = "remote" // Redis relay + locks, Postgres run store
)

// AppConfig is the root configuration for the playground gateway
type AppConfig struct {
	Mode       string `key:"mode" json:"mode"` // "local" or "remote"
	DebugMode  bool   `key:"debugMode" json:"debug_mode"`
	PrettyLogs bool   `key:"prettyLogs" json:"pretty_logs"`

	Database   DatabaseConfig   `key:"database" json:"database"`
	Storage    StorageConfig    `key:"storage" json:"storage"`
	Gateway    GatewayConfig    `key:"gateway" json:"gateway"`
	Playground PlaygroundConfig `key:"playground" json:"playground"`
	Terminal   TerminalConfig   `key:"terminal" json:"terminal"`
	Workflows  WorkflowsConfig  `key:"workflows" json:"workflows"`
	Streams    StreamsConfig    `key:"streams" json:"streams"`
	Metrics    MetricsConfig    `key:"metrics" json:"metrics"`
}

// IsLocalMode returns true if running in local mode (no Redis/Postgres)
func (c *AppConfig) IsLocalMode() bool {
	return c.Mode != ModeRemote
}

// ----------------------------------------------------------------------------
// Database Configuration
// ----------------------------------------------------------------------------

type DatabaseConfig struct {
	Redis    RedisConfig    `key:"redis" json:"redis"`
	Postgres PostgresConfig `key:"postgres" json:"postgres"`
}

type RedisMode string

const (
	RedisModeSingle  RedisMode = "single"
	RedisModeCluster RedisMode = "cluster"
)

type RedisConfig struct {
	Mode               RedisMode     `key:"mode" json:"mode"`
	Addrs              []string      `key:"addrs" json:"addrs"`
	Username           string        `key:"username" json:"username"`
	Password           string        `key:"password" json:"password"`
	ClientName         string        `key:"clientName" json:"client_name"`
	EnableTLS          bool          `key:"enableTLS" json:"enable_tls"`
	InsecureSkipVerify bool          `key:"insecureSkipVerify" json:"insecure_skip_verify"`
	PoolSize           int           `key:"poolSize" json:"pool_size"`
	MinIdleConns       int           `key:"minIdleConns" json:"min_idle_conns"`
	MaxIdleConns       int           `key:"maxIdleConns" json:"max_idle_conns"`
	ConnMaxIdleTime    time.Duration `key:"connMaxIdleTime" json:"conn_max_idle_time"`
	ConnMaxLifetime    time.Duration `key:"connMaxLifetime" json:"conn_max_lifetime"`
	DialTimeout        time.Duration `key:"dialTimeout" json:"dial_timeout"`
	ReadTimeout        time.Duration `key:"readTimeout" json:"read_timeout"`
	WriteTimeout       time.Duration `key:"writeTimeout" json:"write_timeout"`
	MaxRedirects       int           `key:"maxRedirects" json:"max_redirects"`
	MaxRetries         int           `key:"maxRetries" json:"max_retries"`
	RouteByLatency     bool          `key:"routeByLatency" json:"route_by_latency"`
}

type PostgresConfig struct {
	Host            string        `key:"host" json:"host"`
	Port            int           `key:"port" json:"port"`
	User            string        `key:"user" json:"user"`
	Password        string        `key:"password" json:"password"`
	Database        string        `key:"database" json:"database"`
	SSLMode         string        `key:"sslMode" json:"ssl_mode"`
	MaxOpenConns    int           `key:"maxOpenConns" json:"max_open_conns"`
	MaxIdleConns    int           `key:"maxIdleConns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `key:"connMaxLifetime" json:"conn_max_lifetime"`
}

// ----------------------------------------------------------------------------
// Storage Configuration
// ----------------------------------------------------------------------------

// StorageConfig points the JSON file stores at a data directory.
type StorageConfig struct {
	DataDir       string `key:"dataDir" json:"data_dir"`
	InstancesFile string `key:"instancesFile" json:"instances_file"`
	WorkflowsFile string `key:"workflowsFile" json:"workflows_file"`
	RunsDir       string `key:"runsDir" json:"runs_dir"`
}

// ----------------------------------------------------------------------------
// Gateway Configuration
// ----------------------------------------------------------------------------

type GatewayConfig struct {
	HTTP            HTTPConfig    `key:"http" json:"http"`
	ShutdownTimeout time.Duration `key:"shutdownTimeout" json:"shutdown_timeout"`
	AuthToken       string        `key:"authToken" json:"auth_token"`
}

type HTTPConfig struct {
	Host             string     `key:"host" json:"host"`
	Port             int        `key:"port" json:"port"`
	EnablePrettyLogs bool       `key:"enablePrettyLogs" json:"enable_pretty_logs"`
	CORS             CORSConfig `key:"cors" json:"cors"`
}

type CORSConfig struct {
	AllowedOrigins []string `key:"allowOrigins" json:"allow_origins"`
	AllowedMethods []string `key:"allowMethods" json:"allow_methods"`
	AllowedHeaders []string `key:"allowHeaders" json:"allow_headers"`
}

// ----------------------------------------------------------------------------
// Playground Configuration
// ----------------------------------------------------------------------------

type PlaygroundConfig struct {
	Image           string            `key:"image" json:"image"`
	LabelPrefix     string            `key:"labelPrefix" json:"label_prefix"`
	SessionTimeout  time.Duration     `key:"sessionTimeout" json:"session_timeout"`
	MaxSessionHours int               `key:"maxSessionHours" json:"max_session_hours"`
	WorkspaceDir    string            `key:"workspaceDir" json:"workspace_dir"`
	Ports           PortsConfig       `key:"ports" json:"ports"`
	Resources       ResourceLimits    `key:"resources" json:"resources"`
	PrePullImages   []string          `key:"prePullImages" json:"pre_pull_images"`
	Environment     map[string]string `key:"environment" json:"environment"`

	ReadyTimeout         time.Duration `key:"readyTimeout" json:"ready_timeout"`
	ReadyPollInterval    time.Duration `key:"readyPollInterval" json:"ready_poll_interval"`
	InstallWatchAttempts int           `key:"installWatchAttempts" json:"install_watch_attempts"`
	InstallWatchInterval time.Duration `key:"installWatchInterval" json:"install_watch_interval"`
	ReapInterval         time.Duration `key:"reapInterval" json:"reap_interval"`
	StopTimeout          time.Duration `key:"stopTimeout" json:"stop_timeout"`
	ExecTimeout          time.Duration `key:"execTimeout" json:"exec_timeout"`
}

type PortsConfig struct {
	SSH    int `key:"ssh" json:"ssh"`
	Docker int `key:"docker" json:"docker"`
	Web    int `key:"web" json:"web"`
}

// ----------------------------------------------------------------------------
// Terminal Configuration
// ----------------------------------------------------------------------------

type TerminalConfig struct {
	ContainerCheckAttempts int           `key:"containerCheckAttempts" json:"container_check_attempts"`
	ContainerCheckInterval time.Duration `key:"containerCheckInterval" json:"container_check_interval"`
	DaemonCheckAttempts    int           `key:"daemonCheckAttempts" json:"daemon_check_attempts"`
	DaemonCheckInterval    time.Duration `key:"daemonCheckInterval" json:"daemon_check_interval"`
	ReadBufferSize         int           `key:"readBufferSize" json:"read_buffer_size"`
	MaxPendingBytes        int           `key:"maxPendingBytes" json:"max_pending_bytes"`
	CancelGrace            time.Duration `key:"cancelGrace" json:"cancel_grace"`
	HostShellEnabled       bool          `key:"hostShellEnabled" json:"host_shell_enabled"`
}

// ----------------------------------------------------------------------------
// Workflow Configuration
// ----------------------------------------------------------------------------

type WorkflowsConfig struct {
	DefaultTimeout time.Duration `key:"defaultTimeout" json:"default_timeout"`
	RecentRuns     int           `key:"recentRuns" json:"recent_runs"`
	RecentRunsTTL  time.Duration `key:"recentRunsTTL" json:"recent_runs_ttl"`
	AI             AIConfig      `key:"ai" json:"ai"`
}

type AIConfig struct {
	BaseURL      string        `key:"baseURL" json:"base_url"`
	APIKey       string        `key:"apiKey" json:"api_key"`
	DefaultModel string        `key:"defaultModel" json:"default_model"`
	Timeout      time.Duration `key:"timeout" json:"timeout"`
}

// StreamsConfig configures run event fan-out
type StreamsConfig struct {
	BufferSize        int           `key:"bufferSize" json:"buffer_size"`
	HeartbeatInterval time.Duration `key:"heartbeatInterval" json:"heartbeat_interval"`
	Channel           string        `key:"channel" json:"channel"`
}

type MetricsConfig struct {
	Enabled bool   `key:"enabled" json:"enabled"`
	Path    string `key:"path" json:"path"`
}
