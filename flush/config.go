package flush

import (
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// DefaultFlushTimeout bounds how long a pending flush may be held back while data writes are in
// flight.
const DefaultFlushTimeout = 20 * time.Millisecond

// DeferPolicy decides when the queue may hold back a flush to let more requests join it.
type DeferPolicy int

const (
	// DeferUnlessCongested defers while data is in flight, unless the dispatcher reports every
	// shared slot taken. Waiting then could leave the flush without a slot to run in.
	DeferUnlessCongested DeferPolicy = iota
	// DeferAlways defers while data is in flight, up to the flush timeout.
	DeferAlways
	// DeferNever issues a flush as soon as the previous one completed.
	DeferNever
)

var deferPolicyNames = map[DeferPolicy]string{
	DeferUnlessCongested: "unless-congested",
	DeferAlways:          "always",
	DeferNever:           "never",
}

func (p DeferPolicy) String() string {
	if name, ok := deferPolicyNames[p]; ok {
		return name
	}
	return "unknown"
}

// ParseDeferPolicy parses the names returned by DeferPolicy.String.
func ParseDeferPolicy(s string) (DeferPolicy, error) {
	for p, name := range deferPolicyNames {
		if strings.EqualFold(s, name) {
			return p, nil
		}
	}
	return 0, errors.Errorf("unknown defer policy %q", s)
}

// Config holds the Sequencer tunables. The zero value is usable.
type Config struct {
	// Name labels the sequencer's queues in logs and metrics.
	Name string
	// FlushTimeout is the longest a non-empty pending list is deferred because of in-flight data.
	// Defaults to DefaultFlushTimeout.
	FlushTimeout time.Duration
	DeferPolicy  DeferPolicy
	// BorrowSlot makes the flush carrier take a slot from the dispatcher's shared pool instead of
	// the reserved flush slot.
	BorrowSlot bool
	// Clock defaults to the wall clock.
	Clock  clock.Clock
	Logger zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "default"
	}
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = DefaultFlushTimeout
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
	return c
}
