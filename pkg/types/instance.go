package types

import (
	"time"
)

type InstanceStatus string

const (
	InstanceStatusCreating   InstanceStatus = "creating"
	InstanceStatusInstalling InstanceStatus = "installing"
	InstanceStatusRunning    InstanceStatus = "running"
	InstanceStatusStopped    InstanceStatus = "stopped"
	InstanceStatusError      InstanceStatus = "error"
	InstanceStatusExpired    InstanceStatus = "expired"
)

const (
	DefaultSessionHours    = 4
	DefaultMaxSessionHours = 24 * 365
	DefaultTerminalCols    = 80
	DefaultTerminalRows    = 24
)

// ResourceLimits bounds a sandbox container. Memory and Disk use docker size
// notation ("1g", "512m").
type ResourceLimits struct {
	Memory string  `key:"memory" json:"memory"`
	CPUs   float64 `key:"cpus" json:"cpus"`
	Disk   string  `key:"disk" json:"disk"`
}

// Instance is a playground sandbox: one privileged docker-in-docker container
// with three published host ports.
type Instance struct {
	ID             string            `json:"id"`
	Name           string            `json:"name"`
	ContainerID    string            `json:"container_id"`
	SSHPort        int               `json:"ssh_port"`
	DockerPort     int               `json:"docker_port"`
	WebPort        int               `json:"web_port"`
	Status         InstanceStatus    `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
	LastActivity   time.Time         `json:"last_activity"`
	Environment    map[string]string `json:"environment"`
	ResourceLimits ResourceLimits    `json:"resource_limits"`
}

// Expired reports whether the instance is past its expiry at now.
func (i *Instance) Expired(now time.Time) bool {
	return !i.ExpiresAt.After(now)
}

// Ports returns the ssh, docker and web host ports.
func (i *Instance) Ports() []int {
	return []int{i.SSHPort, i.DockerPort, i.WebPort}
}

// Clone returns a copy that is safe to hand out of the manager lock.
func (i *Instance) Clone() *Instance {
	c := *i
	if i.Environment != nil {
		c.Environment = make(map[string]string, len(i.Environment))
		for k, v := range i.Environment {
			c.Environment[k] = v
		}
	}
	return &c
}

type CreateInstanceRequest struct {
	Name           string            `json:"name"`
	DurationHours  int               `json:"duration_hours"`
	Environment    map[string]string `json:"environment"`
	ResourceLimits *ResourceLimits   `json:"resource_limits"`
}

type ExtendInstanceRequest struct {
	Hours int `json:"hours"`
}

// Command is a one-shot command executed inside an instance.
type Command struct {
	Command     string            `json:"command"`
	WorkingDir  string            `json:"working_dir,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
}

// InstanceStats is a normalized resource usage snapshot. The zero value is a
// valid response for stopped or unprovisioned instances.
type InstanceStats struct {
	CPUUsage        float64 `json:"cpu_usage"`
	MemoryUsage     float64 `json:"memory_usage"`
	MemoryLimit     int64   `json:"memory_limit"`
	DiskUsage       float64 `json:"disk_usage"`
	NetworkRx       int64   `json:"network_rx"`
	NetworkTx       int64   `json:"network_tx"`
	Uptime          int64   `json:"uptime"`
	ContainersCount int     `json:"containers_count"`
}

// TerminalSession describes an interactive shell attached to an instance.
type TerminalSession struct {
	SessionID    string    `json:"session_id"`
	InstanceID   string    `json:"instance_id"`
	ExecID       string    `json:"exec_id"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Cols         uint      `json:"cols"`
	Rows         uint      `json:"rows"`
}

// FileUpload writes Content to Path inside an instance.
type FileUpload struct {
	Path    string `json:"file_path"`
	Content string `json:"content"`
}

type DirectoryRequest struct {
	Path string `json:"dir_path"`
}

type FileListing struct {
	Path  string   `json:"path"`
	Files []string `json:"files"`
}
