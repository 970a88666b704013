package kadnet

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/opd-ai/kadnet/crypto"
	"github.com/opd-ai/kadnet/dht"
	"github.com/opd-ai/kadnet/transport"
)

var (
	// ErrNotStarted is returned by calls that need a running node.
	ErrNotStarted = errors.New("node not started")
	// ErrClosed is returned by calls on a closed node.
	ErrClosed = errors.New("node closed")
)

// Node is a running overlay participant. All protocol state is owned by one
// event loop goroutine; the exported methods post work to it and are safe
// for concurrent use.
type Node struct {
	options    *Options
	keyPair    *crypto.KeyPair
	transport  transport.Transport
	handler    *dht.Handler
	maintainer *dht.Maintainer

	calls chan func()
	done  chan struct{}

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	group   *errgroup.Group

	closeOnce sync.Once
	closeErr  error
}

// New creates a node. Nil options mean NewOptions().
func New(options *Options) (*Node, error) {
	if options == nil {
		options = NewOptions()
	}

	keyPair := options.KeyPair
	if keyPair == nil {
		var err error
		if keyPair, err = crypto.GenerateKeyPair(); err != nil {
			return nil, fmt.Errorf("generate identity: %w", err)
		}
	}

	tr := options.Transport
	if tr == nil {
		tr = transport.NewTCPTransport()
	}

	clk := options.Clock
	if clk == nil {
		clk = clock.New()
	}

	var metrics *dht.Metrics
	if options.Registerer != nil {
		var err error
		if metrics, err = dht.NewMetrics(options.Registerer); err != nil {
			return nil, err
		}
	}

	handler, err := dht.NewHandler(dht.HandlerConfig{
		Signer:             keyPair,
		Verifier:           crypto.Ed25519Verifier{},
		Transport:          tr,
		Clock:              clk,
		ListenAddr:         options.ListenAddr,
		Bootstrap:          options.Bootstrap,
		MaxSkew:            options.MaxSkew,
		PingEveryTicks:     options.PingEveryTicks,
		DropDelayTicks:     options.DropDelayTicks,
		LookupTimeoutTicks: options.LookupTimeoutTicks,
		MaxOpenAttempts:    options.MaxOpenAttempts,
		Metrics:            metrics,
	})
	if err != nil {
		return nil, err
	}

	n := &Node{
		options:   options,
		keyPair:   keyPair,
		transport: tr,
		handler:   handler,
		calls:     make(chan func(), 64),
		done:      make(chan struct{}),
	}

	maint := dht.DefaultMaintenanceConfig()
	if options.TickInterval > 0 {
		maint.TickInterval = options.TickInterval
	}
	if options.LookupInterval > 0 {
		maint.LookupInterval = options.LookupInterval
	}
	n.maintainer = dht.NewMaintainer(handler, n.submit, clk, maint)

	logrus.WithFields(logrus.Fields{
		"function": "New",
		"id":       n.ID().String(),
		"listen":   options.ListenAddr,
	}).Info("Node created")
	return n, nil
}

// ID returns the node identifier.
func (n *Node) ID() dht.ID {
	return n.handler.Self()
}

// Start runs the event loop and maintenance until ctx is cancelled or Close
// is called, then bootstraps.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started {
		return nil
	}
	select {
	case <-n.done:
		return ErrClosed
	default:
	}

	ctx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return n.loop(gctx) })
	group.Go(func() error { return n.maintainer.Run(gctx) })

	n.started = true
	n.cancel = cancel
	n.group = group

	n.submit(n.handler.Bootstrap)
	return nil
}

// Close stops the node and its transport.
func (n *Node) Close() error {
	n.closeOnce.Do(func() {
		n.mu.Lock()
		cancel, group := n.cancel, n.group
		n.mu.Unlock()

		var err error
		if cancel != nil {
			cancel()
			err = group.Wait()
		} else {
			close(n.done)
		}
		n.closeErr = multierr.Combine(err, n.transport.Close())

		logrus.WithFields(logrus.Fields{
			"function": "Close",
			"id":       n.ID().String(),
		}).Info("Node closed")
	})
	return n.closeErr
}

// Lookup searches the network for the nodes nearest target.
func (n *Node) Lookup(ctx context.Context, target dht.ID) ([]dht.Contact, error) {
	result := make(chan []dht.Contact, 1)
	err := n.call(ctx, func() {
		n.handler.StartLookup(target, func(l *dht.Lookup) {
			result <- l.Candidates()
		})
	})
	if err != nil {
		return nil, err
	}

	select {
	case contacts := <-result:
		return contacts, nil
	case <-n.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Contacts returns a snapshot of the routing table.
func (n *Node) Contacts(ctx context.Context) ([]dht.Contact, error) {
	var contacts []dht.Contact
	err := n.call(ctx, func() {
		contacts = n.handler.Peers().Contacts()
	})
	return contacts, err
}

// ExternalAddress returns the address peers observe us at, if known.
func (n *Node) ExternalAddress(ctx context.Context) (string, error) {
	var addr string
	err := n.call(ctx, func() {
		addr = n.handler.Peers().ExternalAddress()
	})
	return addr, err
}

// call runs f on the event loop and waits for it.
func (n *Node) call(ctx context.Context, f func()) error {
	n.mu.Lock()
	started := n.started
	n.mu.Unlock()
	if !started {
		select {
		case <-n.done:
			return ErrClosed
		default:
			return ErrNotStarted
		}
	}

	finished := make(chan struct{})
	wrapped := func() {
		f()
		close(finished)
	}
	select {
	case n.calls <- wrapped:
	case <-n.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-n.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submit hands f to the event loop without waiting for it to run.
func (n *Node) submit(f func()) bool {
	select {
	case n.calls <- f:
		return true
	case <-n.done:
		return false
	}
}

// loop owns the handler: it is the only goroutine that touches it.
func (n *Node) loop(ctx context.Context) error {
	defer close(n.done)

	events := n.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			n.handler.HandleEvent(ev)
		case f := <-n.calls:
			f()
		}
	}
}
