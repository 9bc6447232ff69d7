// Package container spawns and tears down the isolated environments that back
// sessions.
//
// A Runtime owns the container side of a session only: it never touches the
// session store. The lifecycle manager in pkg/session composes the two.
//
// Optional capabilities are discovered with type assertions:
//
//	if f, ok := rt.(container.RecordingFinalizer); ok { ... }
//	if s, ok := rt.(container.StatusChecker); ok { ... }
package container

import "context"

// Environment kinds a runtime can spawn.
const (
	EnvBrowser = "browser"
	EnvDesktop = "desktop"
)

// Ports exposed inside every environment image.
const (
	ControlPort = 8002 // tool endpoint driven by the agent loop
	DebugPort   = 9222 // Chrome DevTools protocol
	VNCPort     = 6081 // noVNC live view

	MountTarget   = "/mnt/host"
	RecordingPath = "/tmp/recording.mp4"
)

// SpawnRequest describes the environment to start.
type SpawnRequest struct {
	EnvType    string
	Resolution string
	MountPath  string
	Kiosk      bool
}

// Instance is a running environment and the host ports mapped to it.
type Instance struct {
	ID          string
	Name        string
	ControlPort int
	DebugPort   int
	VNCPort     int
}

// Runtime starts and stops environments.
type Runtime interface {
	Spawn(ctx context.Context, req SpawnRequest) (*Instance, error)
	Terminate(ctx context.Context, id string) error
}

// RecordingFinalizer is implemented by runtimes that can stop the in-container
// screen recorder and copy the video to the host.
type RecordingFinalizer interface {
	FinalizeRecording(ctx context.Context, id, dest string) (string, error)
}

// StatusChecker is implemented by runtimes that can tell whether an
// environment is still alive.
type StatusChecker interface {
	IsRunning(ctx context.Context, id string) (bool, error)
}

// HealthChecker is implemented by runtimes that can check their backend.
type HealthChecker interface {
	Check(ctx context.Context) error
}
