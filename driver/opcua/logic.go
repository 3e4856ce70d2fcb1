package opcua

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"opcua-gateway/value"
)

const (
	maxOpenAttempts = 10
	openRetryDelay  = 5 * time.Second
)

// ParseNodes parses node id strings such as "ns=2;s=Demo.Counter".
func ParseNodes(nodes []string) ([]value.NodeID, error) {
	out := make([]value.NodeID, 0, len(nodes))
	for _, n := range nodes {
		id, err := value.ParseNodeID(n)
		if err != nil {
			return nil, fmt.Errorf("invalid node %q: %w", n, err)
		}
		out = append(out, id)
	}
	return out, nil
}

// Run opens the gateway, subscribes the nodes and keeps the session until
// stop is closed. Opening is attempted maxOpenAttempts times.
//
// Example:
//
//	stop := make(chan struct{})
//	go opcua.Run(gw, []string{"ns=2;s=Demo.Counter"}, stop, log)
//	...
//	close(stop)
func Run(g *Gateway, nodes []string, stop <-chan struct{}, log logrus.FieldLogger) error {
	ids, err := ParseNodes(nodes)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := openWithRetry(ctx, g, log); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	defer func() {
		cctx, ccancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer ccancel()
		if err := g.Close(cctx); err != nil {
			log.Warnf("OPC-UA: error closing session: %v", err)
		}
	}()

	if len(ids) > 0 {
		res, err := g.Subscribe(ctx, ids)
		if err != nil {
			return fmt.Errorf("failed to subscribe: %w", err)
		}
		for _, r := range res {
			if r.Err != nil {
				log.Errorf("OPC-UA: failed to subscribe %s: %v", r.NodeID, r.Err)
				continue
			}
			log.Infof("OPC-UA: subscribed %s", r.NodeData)
		}
	}

	<-ctx.Done()
	return nil
}

func openWithRetry(ctx context.Context, g *Gateway, log logrus.FieldLogger) error {
	var err error
	for attempt := 1; attempt <= maxOpenAttempts; attempt++ {
		if err = g.Open(ctx); err == nil {
			return nil
		}
		log.Errorf("OPC-UA: open attempt %d of %d failed: %v", attempt, maxOpenAttempts, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(openRetryDelay):
		}
	}
	return fmt.Errorf("max attempts reached: %w", err)
}
