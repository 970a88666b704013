/*
Package kadnet runs a node of a Kademlia-style peer discovery overlay.

A Node owns a transport, a dht.Handler and a dht.Maintainer. One goroutine
drains transport events and API calls so the protocol state never needs
locking.

# Quick Start

	opts := kadnet.NewOptions()
	opts.ListenAddr = "0.0.0.0:4720"
	opts.Bootstrap = []string{"198.51.100.7:4720"}

	node, err := kadnet.New(opts)
	if err != nil {
		log.Fatal(err)
	}
	defer node.Close()

	if err := node.Start(ctx); err != nil {
		log.Fatal(err)
	}

	nearest, err := node.Lookup(ctx, target)

The first bootstrap address is also the only peer trusted to tell the node
its external address once the routing table holds contacts.
*/
package kadnet
