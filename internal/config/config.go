// Package config parses and validates the configuration tree described
// in the system's external interfaces: a single top-level {mode,
// bind_address, port} plus a worker or coordinator sub-tree.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/layershard/layershard/internal/apperr"
)

// Mode selects whether a process runs as a pipeline worker or the
// stateless coordinator.
type Mode string

const (
	ModeWorker      Mode = "worker"
	ModeCoordinator Mode = "coordinator"
)

// LayerGroup describes the contiguous range of transformer layers a
// worker owns, plus the architecture dimensions needed to interpret its
// weight tensors.
type LayerGroup struct {
	StartLayer       int `yaml:"start_layer"`
	EndLayer         int `yaml:"end_layer"`
	TotalLayers      int `yaml:"total_layers"`
	NumHeads         int `yaml:"num_heads"`
	NumKVHeads       int `yaml:"num_kv_heads,omitempty"` // 0 means equal to num_heads (no grouped-query attention)
	HeadDim          int `yaml:"head_dim"`
	HiddenDim        int `yaml:"hidden_dim"`
	IntermediateDim  int `yaml:"intermediate_dim"`
}

// Batching configures the scheduler's admission and windowing behavior.
type Batching struct {
	MaxBatchSize     int `yaml:"max_batch_size"`
	BatchingWindowMs int `yaml:"batching_window_ms"`
	MaxQueueSize     int `yaml:"max_queue_size"`
	QueueTimeoutMs   int `yaml:"queue_timeout_ms"`
}

// Worker is the worker-mode sub-tree.
type Worker struct {
	WorkerID            string     `yaml:"worker_id"`
	LayerGroup          LayerGroup `yaml:"layer_group"`
	NextWorkerEndpoint  string     `yaml:"next_worker_endpoint,omitempty"`
	PrevWorkerEndpoint  string     `yaml:"prev_worker_endpoint,omitempty"`
	Batching            Batching   `yaml:"batching"`
	WeightsPath         string     `yaml:"weights_path"`
	WorkerThreads       int        `yaml:"worker_threads"`
	EnableCPUPinning    bool       `yaml:"enable_cpu_pinning"`
	CPUCores            []int      `yaml:"cpu_cores,omitempty"`
	NumaNode            *int       `yaml:"numa_node,omitempty"`
}

// Coordinator is the coordinator-mode sub-tree.
type Coordinator struct {
	WorkerEndpoints        []string `yaml:"worker_endpoints"`
	DiscoveryMethod        string   `yaml:"discovery_method"`
	HealthCheckIntervalSec int      `yaml:"health_check_interval_secs"`
	FailureThreshold       int      `yaml:"failure_threshold"`
	RequestTimeoutSec      int      `yaml:"request_timeout_secs"`
	MaxConcurrentRequests  int      `yaml:"max_concurrent_requests"`
}

// Config is the full configuration tree.
type Config struct {
	Mode        Mode         `yaml:"mode"`
	BindAddress string       `yaml:"bind_address"`
	Port        int          `yaml:"port"`
	Worker      *Worker      `yaml:"worker,omitempty"`
	Coordinator *Coordinator `yaml:"coordinator,omitempty"`
}

// Load reads and validates a configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperr.Wrap(apperr.Io, "config.Load", err)
	}
	return Parse(data)
}

// Parse validates and decodes raw YAML/JSON bytes (YAML is a superset of
// JSON, so both are accepted by the same decoder) into a Config.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, apperr.Wrap(apperr.Parse, "config.Parse", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate enforces the rules from the configuration surface spec:
// mode must be worker or coordinator, the matching sub-tree must be
// present, start_layer < end_layer <= total_layers, max_batch_size >= 1,
// and max_queue_size >= max_batch_size.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeWorker:
		if c.Worker == nil {
			return apperr.New(apperr.Config, "config.Validate", "mode=worker requires a worker section")
		}
		return c.Worker.validate()
	case ModeCoordinator:
		if c.Coordinator == nil {
			return apperr.New(apperr.Config, "config.Validate", "mode=coordinator requires a coordinator section")
		}
		return c.Coordinator.validate()
	default:
		return apperr.New(apperr.Config, "config.Validate", fmt.Sprintf("unknown mode %q, want worker or coordinator", c.Mode))
	}
}

func (w *Worker) validate() error {
	lg := w.LayerGroup
	if lg.StartLayer >= lg.EndLayer {
		return apperr.New(apperr.Config, "config.Validate", "layer_group.start_layer must be < end_layer")
	}
	if lg.EndLayer > lg.TotalLayers {
		return apperr.New(apperr.Config, "config.Validate", "layer_group.end_layer must be <= total_layers")
	}
	if w.Batching.MaxBatchSize < 1 {
		return apperr.New(apperr.Config, "config.Validate", "batching.max_batch_size must be >= 1")
	}
	if w.Batching.MaxQueueSize < w.Batching.MaxBatchSize {
		return apperr.New(apperr.Config, "config.Validate", "batching.max_queue_size must be >= max_batch_size")
	}

	// Pipeline topology must be internally consistent: a worker owning the
	// last layer range has nowhere to forward to, and a worker owning the
	// first has no predecessor.
	isHead := lg.StartLayer == 0
	isTail := lg.EndLayer == lg.TotalLayers
	if isHead && w.PrevWorkerEndpoint != "" {
		return apperr.New(apperr.Config, "config.Validate", "layer_group starting at 0 must not set prev_worker_endpoint")
	}
	if !isHead && w.PrevWorkerEndpoint == "" {
		return apperr.New(apperr.Config, "config.Validate", "layer_group not starting at 0 requires prev_worker_endpoint")
	}
	if isTail && w.NextWorkerEndpoint != "" {
		return apperr.New(apperr.Config, "config.Validate", "layer_group ending at total_layers must not set next_worker_endpoint")
	}
	if !isTail && w.NextWorkerEndpoint == "" {
		return apperr.New(apperr.Config, "config.Validate", "layer_group not ending at total_layers requires next_worker_endpoint")
	}
	return nil
}

func (c *Coordinator) validate() error {
	if len(c.WorkerEndpoints) == 0 {
		return apperr.New(apperr.Config, "config.Validate", "coordinator.worker_endpoints must not be empty")
	}
	if c.FailureThreshold < 1 {
		return apperr.New(apperr.Config, "config.Validate", "coordinator.failure_threshold must be >= 1")
	}
	return nil
}
