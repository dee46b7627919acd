package worker

import (
	"context"
	"errors"
	"time"
)

// ErrContainerNotFound is returned by runtime lookups for containers
// that no longer exist.
var ErrContainerNotFound = errors.New("container not found")

// ContainerState is a snapshot of a container's runtime status.
type ContainerState struct {
	Status   string // created, running, exited, dead
	Running  bool
	ExitCode int
}

// RunningContainer describes a container discovered by label, used for
// crash recovery after an orchestrator restart.
type RunningContainer struct {
	ID     string
	Name   string
	Labels map[string]string
	State  string
}

// Runtime abstracts the container engine behind the pool. The Docker
// implementation is production; a fake backs tests.
type Runtime interface {
	// EnsureImage makes the image available locally, pulling if absent.
	EnsureImage(ctx context.Context, image string) error

	// StartContainer creates and starts a container from the spec and
	// returns its id.
	StartContainer(ctx context.Context, spec *Spec) (string, error)

	// InspectContainer returns the container's current state, or
	// ErrContainerNotFound.
	InspectContainer(ctx context.Context, containerID string) (ContainerState, error)

	// StopContainer stops the container, forcing a kill after grace.
	StopContainer(ctx context.Context, containerID string, grace time.Duration) error

	// RemoveContainer deletes a stopped container. Removing a missing
	// container is not an error.
	RemoveContainer(ctx context.Context, containerID string) error

	// ContainerLogs returns the last tail lines of combined output.
	ContainerLogs(ctx context.Context, containerID string, tail int) (string, error)

	// ListContainers returns all containers carrying the given label
	// key, including stopped ones.
	ListContainers(ctx context.Context, labelKey string) ([]RunningContainer, error)
}
