package trainer

import (
	"errors"
	"fmt"
)

// ErrInexactAccumulation is returned when the global batch size is not a
// multiple of the batch processed by all devices in one forward pass.
var ErrInexactAccumulation = errors.New("global batch size is not a multiple of the per-step batch")

// AccumulateGradBatches returns how many batches are accumulated before each
// optimizer step so that one step covers global examples:
//
//	global / (perDevice * devices * nodes)
//
// Inexact divisions are rejected, which includes a global batch smaller than
// one step.
func AccumulateGradBatches(global, perDevice, devices, nodes int) (int, error) {
	if global <= 0 || perDevice <= 0 || devices <= 0 || nodes <= 0 {
		return 0, fmt.Errorf(
			"batch sizes and device counts must be positive, got global=%d per_device=%d devices=%d nodes=%d",
			global,
			perDevice,
			devices,
			nodes,
		)
	}
	perStep := perDevice * devices * nodes
	if global%perStep != 0 {
		return 0, fmt.Errorf(
			"%w: %d %% (%d * %d * %d) = %d",
			ErrInexactAccumulation,
			global,
			perDevice,
			devices,
			nodes,
			global%perStep,
		)
	}
	return global / perStep, nil
}
