package tactile

import (
	"fmt"
)

// ExecutorFactory creates executors based on configuration and environment.
type ExecutorFactory struct {
	config ExecutorConfig
}

// NewExecutorFactory creates a new executor factory.
func NewExecutorFactory(config ExecutorConfig) *ExecutorFactory {
	return &ExecutorFactory{config: config}
}

// NewDefaultFactory creates a factory with default configuration.
func NewDefaultFactory() *ExecutorFactory {
	return NewExecutorFactory(DefaultExecutorConfig())
}

// CreateDirect creates a direct executor (no sandboxing).
func (f *ExecutorFactory) CreateDirect() *DirectExecutor {
	return NewDirectExecutorWithConfig(f.config)
}

// CreateDocker creates a Docker executor if available.
func (f *ExecutorFactory) CreateDocker() (*DockerExecutor, error) {
	docker := NewDockerExecutorWithConfig(f.config)
	if !docker.IsAvailable() {
		return nil, fmt.Errorf("Docker is not available on this system")
	}
	return docker, nil
}

// CreateNamespace creates a bubblewrap executor if available.
func (f *ExecutorFactory) CreateNamespace() (*NamespaceExecutor, error) {
	ns := NewNamespaceExecutor(f.config)
	if !ns.IsAvailable() {
		return nil, fmt.Errorf("bubblewrap is not available on this system")
	}
	return ns, nil
}

// CreateFromConfig creates an executor for an explicit sandbox mode.
// An unavailable isolation backend is an error; there is no silent
// fallback to host execution.
func (f *ExecutorFactory) CreateFromConfig(mode SandboxMode) (AuditedExecutor, error) {
	switch mode {
	case SandboxHost:
		return f.CreateDirect(), nil
	case SandboxDocker:
		docker, err := f.CreateDocker()
		if err != nil {
			return nil, err
		}
		return docker, nil
	case SandboxNamespace:
		ns, err := f.CreateNamespace()
		if err != nil {
			return nil, err
		}
		return ns, nil
	default:
		return nil, fmt.Errorf("unknown sandbox mode: %s", mode)
	}
}
