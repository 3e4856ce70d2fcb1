package logic

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"opcua-gateway/config"
	"opcua-gateway/driver/opcua"
	"opcua-gateway/value"
)

// Driver states published to the broker.
const (
	Stopped      = "Stopped"
	Running      = "Running"
	Initializing = "Initializing"
	Error        = "Error"
)

// ErrNotRunning is returned by operations that need a running gateway.
var ErrNotRunning = errors.New("gateway is not running")

// StatePublisher receives every driver state change. *opcua.Bridge implements it.
type StatePublisher interface {
	PublishState(state string)
}

// GatewayFactory builds a closed gateway for cfg with all handlers attached.
type GatewayFactory func(cfg *config.Config) (*opcua.Gateway, error)

// DriverManager runs one gateway at a time and restarts it on demand.
type DriverManager struct {
	factory GatewayFactory
	log     logrus.FieldLogger

	mu        sync.Mutex
	cfg       *config.Config
	status    string
	gateway   *opcua.Gateway
	stop      chan struct{}
	done      chan struct{}
	publisher StatePublisher
}

func NewDriverManager(cfg *config.Config, factory GatewayFactory, log logrus.FieldLogger) *DriverManager {
	return &DriverManager{cfg: cfg, factory: factory, log: log, status: Stopped}
}

// SetPublisher sets where state changes are published. It may be called once
// before Start.
func (dm *DriverManager) SetPublisher(p StatePublisher) {
	dm.mu.Lock()
	dm.publisher = p
	dm.mu.Unlock()
}

// Status returns the current driver state.
func (dm *DriverManager) Status() string {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.status
}

// Gateway returns the running gateway, or nil.
func (dm *DriverManager) Gateway() *opcua.Gateway {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.gateway
}

// Config returns the configuration the driver was last started with.
func (dm *DriverManager) Config() *config.Config {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.cfg
}

// setStatus updates the state and publishes it. Caller holds dm.mu.
func (dm *DriverManager) setStatus(s string) {
	dm.status = s
	if dm.publisher != nil {
		dm.publisher.PublishState(s)
	}
}

// Start builds the gateway and runs it in the background. The configured
// nodes are subscribed once the session is open.
func (dm *DriverManager) Start() {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.stop != nil {
		dm.log.Warn("DM: OPC-UA driver is already running.")
		return
	}

	dm.setStatus(Initializing)
	g, err := dm.factory(dm.cfg)
	if err != nil {
		dm.setStatus(Error)
		dm.log.Errorf("DM: Error creating OPC-UA gateway: %v", err)
		return
	}

	stop, done := make(chan struct{}), make(chan struct{})
	dm.gateway, dm.stop, dm.done = g, stop, done
	nodes := append([]string(nil), dm.cfg.Nodes...)

	go func() {
		defer close(done)
		if err := opcua.Run(g, nodes, stop, dm.log); err != nil {
			dm.mu.Lock()
			if dm.stop == stop {
				dm.setStatus(Error)
			}
			dm.mu.Unlock()
			dm.log.Errorf("DM: Error running OPC-UA driver: %v", err)
		}
	}()

	dm.setStatus(Running)
	dm.log.Infof("DM: OPC-UA driver started for %s.", opcua.Endpoint(dm.cfg.Session.Host, dm.cfg.Session.Port, dm.cfg.Session.Path))
}

// Stop closes the gateway and waits until its session is closed.
func (dm *DriverManager) Stop() {
	dm.mu.Lock()
	stop, done := dm.stop, dm.done
	if stop == nil {
		dm.mu.Unlock()
		dm.log.Warn("DM: OPC-UA driver is not running.")
		return
	}
	close(stop)
	dm.stop, dm.done, dm.gateway = nil, nil, nil
	dm.mu.Unlock()

	<-done

	dm.mu.Lock()
	dm.setStatus(Stopped)
	dm.mu.Unlock()
	dm.log.Info("DM: Stopped OPC-UA driver.")
}

// Restart stops the driver and starts it again, with cfg when it is not nil.
func (dm *DriverManager) Restart(cfg *config.Config) {
	dm.log.Info("DM: Restarting OPC-UA driver...")
	dm.Stop()
	if cfg != nil {
		dm.mu.Lock()
		dm.cfg = cfg
		dm.mu.Unlock()
	}
	time.Sleep(200 * time.Millisecond)
	dm.Start()
}

// Write forwards to the running gateway. It lets the broker bridge outlive
// restarts.
func (dm *DriverManager) Write(ctx context.Context, data []value.NodeData) ([]error, error) {
	g := dm.Gateway()
	if g == nil {
		return nil, ErrNotRunning
	}
	return g.Write(ctx, data)
}
