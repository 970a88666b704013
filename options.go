package kadnet

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/opd-ai/kadnet/crypto"
	"github.com/opd-ai/kadnet/dht"
	"github.com/opd-ai/kadnet/transport"
)

// DefaultListenAddr is the address a node listens on unless told otherwise.
const DefaultListenAddr = "127.0.0.1:4720"

// Options contains configuration options for creating a Node.
type Options struct {
	// ListenAddr is listened on and announced to peers. Empty means the node
	// only dials out.
	ListenAddr string
	// Bootstrap addresses are dialed at startup. The first one is trusted to
	// report our external address.
	Bootstrap []string

	// KeyPair is the node identity. A fresh one is generated when nil.
	KeyPair *crypto.KeyPair
	// Transport defaults to TCP.
	Transport transport.Transport
	Clock     clock.Clock

	TickInterval   time.Duration
	LookupInterval time.Duration

	MaxSkew            time.Duration
	PingEveryTicks     int
	DropDelayTicks     int
	LookupTimeoutTicks int
	MaxOpenAttempts    int

	// Registerer receives the node's metrics. Nil disables them.
	Registerer prometheus.Registerer
}

// NewOptions returns the default options.
func NewOptions() *Options {
	maint := dht.DefaultMaintenanceConfig()
	return &Options{
		ListenAddr:         DefaultListenAddr,
		TickInterval:       maint.TickInterval,
		LookupInterval:     maint.LookupInterval,
		MaxSkew:            dht.DefaultMaxSkew,
		PingEveryTicks:     dht.DefaultPingEveryTicks,
		DropDelayTicks:     dht.DefaultDropDelayTicks,
		LookupTimeoutTicks: dht.DefaultLookupTimeoutTicks,
		MaxOpenAttempts:    dht.DefaultMaxOpenAttempts,
	}
}
