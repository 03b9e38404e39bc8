package att

import (
	"fmt"

	"github.com/mcuadros/go-defaults"
)

// Options configures the server and the write engine.
type Options struct {
	// MTU is the receive MTU this side offers in an MTU exchange
	MTU int `json:"mtu" yaml:"mtu" default:"23"`
	// MaxAttrLen bounds the value of a single write
	MaxAttrLen int `json:"max_attr_len" yaml:"max_attr_len" default:"512"`
	// QueueDepth bounds requests waiting behind the outstanding one on a connection
	QueueDepth int `json:"queue_depth" yaml:"queue_depth" default:"64"`
	// PrepareQueueLimit bounds prepared segments held per connection on the server side
	PrepareQueueLimit int `json:"prepare_queue_limit" yaml:"prepare_queue_limit" default:"128"`
	// ShortLongWrites sends long writes that fit one PDU as a plain Write Request
	ShortLongWrites bool `json:"short_long_writes" yaml:"short_long_writes" default:"false"`
}

// DefaultOptions returns default option values
func DefaultOptions() *Options {
	opts := &Options{}
	defaults.SetDefaults(opts)
	return opts
}

// Validate checks the option ranges.
func (o *Options) Validate() error {
	if o.MTU < DefaultMTU || o.MTU > MaxMTU {
		return fmt.Errorf("mtu %d out of range [%d, %d]", o.MTU, DefaultMTU, MaxMTU)
	}
	if o.MaxAttrLen <= 0 || o.MaxAttrLen > MaxAttrLen {
		return fmt.Errorf("max_attr_len %d out of range [1, %d]", o.MaxAttrLen, MaxAttrLen)
	}
	if o.QueueDepth <= 0 {
		return fmt.Errorf("queue_depth must be > 0")
	}
	if o.PrepareQueueLimit <= 0 {
		return fmt.Errorf("prepare_queue_limit must be > 0")
	}
	return nil
}

func optionsOrDefault(o *Options) *Options {
	if o == nil {
		return DefaultOptions()
	}
	return o
}
