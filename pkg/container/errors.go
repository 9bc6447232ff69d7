package container

import "errors"

var (
	// ErrDockerUnavailable is returned when the docker CLI or daemon cannot be reached
	ErrDockerUnavailable = errors.New("docker is not available or not running")

	// ErrContainerNotFound is returned when docker does not know the container
	ErrContainerNotFound = errors.New("container not found")

	// ErrImageRequired is returned when no image is configured for an env type
	ErrImageRequired = errors.New("docker image is required")

	// ErrUnknownEnvType is returned for env types other than browser and desktop
	ErrUnknownEnvType = errors.New("unknown env type")

	// ErrNoPortMapping is returned when docker reports no host port for an exposed port
	ErrNoPortMapping = errors.New("no host port mapping")

	// ErrRecordingNotFound is returned when the container holds no recording to copy
	ErrRecordingNotFound = errors.New("recording not found")
)
