// session-demo runs two nodes on the loopback interface, establishes a
// secure session between them and exchanges echo messages.
//
// Usage:
//
//	session-demo [options]
//
// Options:
//
//	-count    number of echo requests (default: 3)
//	-message  echo payload (default: "hello")
//	-metrics  serve prometheus metrics on this address and wait for a signal
//	-v        enable debug logging
//
// Example:
//
//	session-demo -count 5 -metrics 127.0.0.1:9090
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/backkem/mattersession/pkg/crypto"
	"github.com/backkem/mattersession/pkg/handshake"
	"github.com/backkem/mattersession/pkg/node"
	"github.com/backkem/mattersession/pkg/session"
	"github.com/backkem/mattersession/pkg/transport"
	"github.com/pion/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"
)

type options struct {
	count       int
	message     string
	metricsAddr string
	verbose     bool
}

func main() {
	var o options
	flag.IntVar(&o.count, "count", 3, "number of echo requests")
	flag.StringVar(&o.message, "message", "hello", "echo payload")
	flag.StringVar(&o.metricsAddr, "metrics", "", "serve prometheus metrics on this address")
	flag.BoolVar(&o.verbose, "v", false, "enable debug logging")
	flag.Parse()

	if err := run(o); err != nil {
		log.Fatalf("session-demo: %v", err)
	}
}

func run(o options) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	lf := logging.NewDefaultLoggerFactory()
	if o.verbose {
		lf.DefaultLogLevel = logging.LogLevelDebug
	}
	reg := prometheus.NewRegistry()

	controller, device, err := newPair(lf, reg)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, controller.Close(), device.Close())
	}()

	deviceAddr := transport.NewPeerAddress(device.LocalAddr())
	connectCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	start := time.Now()
	sess, err := controller.Connect(connectCtx, device.PeerID(), deviceAddr)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	log.Printf("session %d with %s established in %s", sess.LocalSessionID(), sess.Peer(), time.Since(start).Round(time.Millisecond))

	for i := 1; i <= o.count; i++ {
		payload := fmt.Sprintf("%s #%d", o.message, i)
		reply, err := controller.Send(connectCtx, device.PeerID(), []byte(payload))
		if err != nil {
			return fmt.Errorf("echo %d: %w", i, err)
		}
		log.Printf("echo %d: sent %q, got %q", i, payload, reply)
	}

	if o.metricsAddr == "" {
		return nil
	}
	return serveMetrics(ctx, o.metricsAddr, reg)
}

// newPair creates and starts a controller and a device that trust each
// other.
func newPair(lf logging.LoggerFactory, reg prometheus.Registerer) (*node.Node, *node.Node, error) {
	ids := make([]handshake.Identity, 2)
	trust := handshake.StaticTrustStore{}
	for i := range ids {
		key, err := crypto.GenerateKeyPair(nil)
		if err != nil {
			return nil, nil, err
		}
		ids[i] = handshake.Identity{Fabric: 1, NodeID: session.NodeID(0x1000 + i), Key: key}
		trust[session.PeerID{Fabric: 1, Node: ids[i].NodeID}] = key.PublicKey()
	}

	nodes := make([]*node.Node, 2)
	for i, id := range ids {
		config := node.Config{
			Identity:      id,
			TrustStore:    trust,
			ListenAddr:    "127.0.0.1:0",
			LoggerFactory: lf,
		}
		if i == 0 {
			config.Registerer = reg
		} else {
			config.OnSessionEstablished = func(sess *session.SecureSession) {
				log.Printf("device accepted session %d from %s", sess.LocalSessionID(), sess.Peer())
			}
		}
		n, err := node.New(config)
		if err == nil {
			err = n.Start()
		}
		if err != nil {
			if i == 1 {
				err = multierr.Append(err, nodes[0].Close())
			}
			return nil, nil, err
		}
		nodes[i] = n
	}
	return nodes[0], nodes[1], nil
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Printf("serving metrics on http://%s/metrics, interrupt to exit", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
