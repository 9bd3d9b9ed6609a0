package main

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"

	_ "github.com/gomlx/gomlx/backends/simplego"
)

// resolveBackend creates the compute backend for the run. Acceleration is effective
// only when it was requested and the XLA/PJRT backend can actually be constructed:
// probing happens by building it, since a missing plugin only surfaces then.
func resolveBackend(requestAccel bool) (backend backends.Backend, accelerated bool) {
	if requestAccel {
		backend, err := backends.NewWithConfig("xla")
		if err == nil {
			klog.V(1).Infof("Using accelerated backend %s", backend.Name())
			return backend, true
		}
		klog.Warningf("Accelerated backend requested but unavailable, falling back to the Go backend: %v", err)
	}
	return must.M1(backends.NewWithConfig("go")), false
}
