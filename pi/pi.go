// Package pi implements the runtime object model of a HIP-style device plugin, on top of a
// driver.Driver.
//
// The objects follow the lifecycle of the plugin interface consumed by a heterogeneous dispatch
// layer: Platform -> Device -> Context, and within a Context: Queue, Mem, Program, Kernel,
// Sampler and Event. All of them are reference counted: they are created with a count of 1, and
// the Release that brings the count to 0 destroys the object (and releases what it retained).
//
// A Queue owns pools of driver streams. Work is spread over the streams in round-robin, a
// dependency's stream is reused when possible, and barriers are applied lazily to each stream the
// next time it is used.
//
// To use it, register a driver and get the platform:
//
//	pi.RegisterDriver("sim", sim.New(sim.DefaultConfig()))
//	platform, err := pi.GetPlatform("sim")
//	...
//	ctx, err := platform.Devices()[0].CreateContext(pi.ContextUserDefined)
//	queue, err := ctx.NewQueue().WithProfiling(true).Done()
package pi

import (
	"os"
	"strconv"

	"k8s.io/klog/v2"
)

const (
	// NumComputeStreamsEnv overrides the default number of compute streams of out-of-order queues.
	NumComputeStreamsEnv = "GOHIP_NUM_COMPUTE_STREAMS"

	// NumTransferStreamsEnv overrides the default number of transfer streams of out-of-order queues.
	NumTransferStreamsEnv = "GOHIP_NUM_TRANSFER_STREAMS"

	// ProfilingEnv enables profiling by default on new queues, if set to a true value ("1", "true").
	ProfilingEnv = "GOHIP_PROFILING"
)

// envInt returns the integer value of the environment variable, or defaultValue if it is not set
// or invalid.
func envInt(name string, defaultValue int) int {
	s, found := os.LookupEnv(name)
	if !found || s == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		klog.Warningf("Invalid value %q for $%s, using default %d", s, name, defaultValue)
		return defaultValue
	}
	return v
}

func envBool(name string) bool {
	s, found := os.LookupEnv(name)
	if !found || s == "" {
		return false
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		klog.Warningf("Invalid value %q for $%s, ignoring it", s, name)
		return false
	}
	return v
}
