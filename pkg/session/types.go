package session

import (
	"time"

	"github.com/marinabox/marinabox/pkg/container"
	"github.com/marinabox/marinabox/pkg/tools"
)

// EnvType is the kind of environment a session runs.
type EnvType string

const (
	EnvBrowser EnvType = container.EnvBrowser
	EnvDesktop EnvType = container.EnvDesktop
)

// DefaultResolution is used when a create request leaves resolution empty.
const DefaultResolution = "1280x800x24"

// Session is an active environment and the ports the agent loop talks to.
type Session struct {
	ID            string    `json:"session_id" yaml:"session_id"`
	EnvType       EnvType   `json:"env_type" yaml:"env_type"`
	Resolution    string    `json:"resolution" yaml:"resolution"`
	Tag           string    `json:"tag,omitempty" yaml:"tag,omitempty"`
	MountPath     string    `json:"mount_path,omitempty" yaml:"mount_path,omitempty"`
	Kiosk         bool      `json:"kiosk" yaml:"kiosk"`
	ControlPort   int       `json:"computer_use_port" yaml:"computer_use_port"`
	DebugPort     int       `json:"debug_port" yaml:"debug_port"`
	VNCPort       int       `json:"vnc_port" yaml:"vnc_port"`
	ContainerName string    `json:"container_name,omitempty" yaml:"container_name,omitempty"`
	CreatedAt     time.Time `json:"created_at" yaml:"created_at"`
}

// ControlEndpoint is where tool invocations for this session are sent.
func (s *Session) ControlEndpoint() tools.Endpoint {
	return tools.Endpoint{Host: "127.0.0.1", Port: s.ControlPort}
}

// ClosedSession is the immutable archive record written when a session stops.
type ClosedSession struct {
	Session       `yaml:",inline"`
	ClosedAt      time.Time `json:"closed_at" yaml:"closed_at"`
	RecordingPath string    `json:"video_path,omitempty" yaml:"video_path,omitempty"`
}

// CreateRequest holds the inputs to Manager.Create.
type CreateRequest struct {
	EnvType    EnvType
	Resolution string
	Tag        string
	MountPath  string
	Kiosk      bool
}

// StopOptions holds the inputs to Manager.Stop.
type StopOptions struct {
	// VideoFilename overrides the generated recording name. Relative names
	// land in the recordings directory; ".mp4" is appended when missing.
	VideoFilename string
	// VideoDir replaces the configured recordings directory for this stop.
	VideoDir string
}

// StopAllResult reports the outcome of Manager.StopAll.
type StopAllResult struct {
	Stopped []string         `json:"stopped"`
	Failed  map[string]error `json:"-"`
}

// OK reports whether every stop succeeded.
func (r StopAllResult) OK() bool {
	return len(r.Failed) == 0
}
