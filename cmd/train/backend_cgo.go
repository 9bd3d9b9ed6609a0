//go:build cgo

package main

// The XLA/PJRT backend needs cgo; registering it only when cgo is available
// keeps CGO_ENABLED=0 builds working, with resolveBackend falling back to the
// Go backend at runtime.
import (
	_ "github.com/gomlx/gomlx/backends/xla"
)
