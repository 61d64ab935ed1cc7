// Package node ties the session stack together into one endpoint.
//
// A Node owns a UDP transport, an exchange manager, a session table and a
// secure channel manager. Peers connect with a three-message handshake and
// then exchange echo requests over the resulting secure session:
//
//	n, err := node.New(node.Config{
//	    Identity:   handshake.Identity{Fabric: 1, NodeID: 0x1111, Key: key},
//	    TrustStore: trust,
//	    ListenAddr: "[::1]:5540",
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := n.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	defer n.Close()
//
//	if _, err := n.Connect(ctx, peer, peerAddr); err != nil {
//	    log.Fatal(err)
//	}
//	reply, err := n.Send(ctx, peer, []byte("ping"))
package node
