package flush

import (
	"strings"

	"github.com/anupcshan/blkflush/blockdevice"
)

// Steps is a set of sequence steps. The bits are ordered the way the steps execute, so the lowest
// step not yet done is always the next one to run.
type Steps uint8

const (
	StepPreflush Steps = 1 << iota
	StepData
	StepPostflush
	StepDone
)

const (
	stepsFlush   = StepPreflush | StepPostflush
	stepsActions = StepPreflush | StepData | StepPostflush
)

// Has reports whether every step in o is in s.
func (s Steps) Has(o Steps) bool {
	return s&o == o
}

func (s Steps) String() string {
	if s == 0 {
		return "none"
	}
	var parts []string
	for _, step := range []struct {
		bit  Steps
		name string
	}{
		{StepPreflush, "preflush"},
		{StepData, "data"},
		{StepPostflush, "postflush"},
		{StepDone, "done"},
	} {
		if s&step.bit != 0 {
			parts = append(parts, step.name)
		}
	}
	return strings.Join(parts, "|")
}

// Classify returns the steps req needs on a device with the given features.
//
// A device without a write-back cache never needs flushing, so the preflush and FUA hints are
// ignored. FUA on a device with native support is passed through to the data write instead of
// becoming a step. An empty result means the request can be completed right away.
func Classify(features blockdevice.BlockDeviceFeatures, req *Request) Steps {
	var steps Steps
	if req.Len() > 0 {
		steps |= StepData
	}
	if !features.WriteCache() {
		return steps
	}
	if req.Flags.Preflush() {
		steps |= StepPreflush
	}
	if req.Flags.FUA() && !features.FUA() {
		steps |= StepPostflush
	}
	return steps
}
