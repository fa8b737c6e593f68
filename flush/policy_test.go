package flush

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/anupcshan/blkflush/blockdevice"
)

func TestClassify(t *testing.T) {
	payload := [][]byte{make([]byte, 4096)}

	for _, c := range []struct {
		desc     string
		features blockdevice.BlockDeviceFeatures
		req      Request
		expect   Steps
	}{
		{
			desc:     "write-through device ignores flush hints",
			features: blockdevice.SupportsFUA,
			req:      Request{Segments: payload, Flags: blockdevice.Preflush | blockdevice.FUA},
			expect:   StepData,
		},
		{
			desc:     "write-through device, empty flush",
			features: 0,
			req:      Request{Flags: blockdevice.Preflush},
			expect:   0,
		},
		{
			desc:     "write-back cache without FUA emulates it with a postflush",
			features: blockdevice.HasWriteCache,
			req:      Request{Segments: payload, Flags: blockdevice.Preflush | blockdevice.FUA},
			expect:   StepPreflush | StepData | StepPostflush,
		},
		{
			desc:     "native FUA is not a step",
			features: blockdevice.HasWriteCache | blockdevice.SupportsFUA,
			req:      Request{Segments: payload, Flags: blockdevice.Preflush | blockdevice.FUA},
			expect:   StepPreflush | StepData,
		},
		{
			desc:     "pure preflush",
			features: blockdevice.HasWriteCache,
			req:      Request{Flags: blockdevice.Preflush},
			expect:   StepPreflush,
		},
		{
			desc:     "FUA write without preflush",
			features: blockdevice.HasWriteCache,
			req:      Request{Segments: payload, Flags: blockdevice.FUA},
			expect:   StepData | StepPostflush,
		},
		{
			desc:     "plain write",
			features: blockdevice.HasWriteCache,
			req:      Request{Segments: payload},
			expect:   StepData,
		},
		{
			desc:     "empty segment is no payload",
			features: blockdevice.HasWriteCache | blockdevice.SupportsFUA,
			req:      Request{Segments: [][]byte{{}}, Flags: blockdevice.FUA},
			expect:   0,
		},
	} {
		t.Run(c.desc, func(t *testing.T) {
			req := c.req
			assert.Equal(t, c.expect, Classify(c.features, &req), "got %s", Classify(c.features, &req))
		})
	}
}

func TestSequenceCurrentStep(t *testing.T) {
	s := &sequence{}
	assert.Equal(t, StepPreflush, s.current())

	s.done = StepPreflush
	assert.Equal(t, StepData, s.current())

	s.done = StepPreflush | StepData
	assert.Equal(t, StepPostflush, s.current())

	s.done = StepData
	assert.Equal(t, StepPreflush, s.current())

	s.done = stepsActions
	assert.Equal(t, StepDone, s.current())
}

func TestStepsString(t *testing.T) {
	assert.Equal(t, "none", Steps(0).String())
	assert.Equal(t, "preflush|data|postflush", (StepPreflush | StepData | StepPostflush).String())
	assert.True(t, (StepPreflush | StepData).Has(StepData))
	assert.False(t, StepData.Has(StepData|StepPostflush))
}

func TestParseDeferPolicy(t *testing.T) {
	for _, p := range []DeferPolicy{DeferUnlessCongested, DeferAlways, DeferNever} {
		got, err := ParseDeferPolicy(p.String())
		assert.NoError(t, err)
		assert.Equal(t, p, got)
	}
	_, err := ParseDeferPolicy("sometimes")
	assert.Error(t, err)
}
