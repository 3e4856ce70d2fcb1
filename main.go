package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"opcua-gateway/config"
	"opcua-gateway/driver/opcua"
	"opcua-gateway/logic"
	mqtt_broker "opcua-gateway/mqtt_broker"
	"opcua-gateway/webui"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("MAIN: Error loading configuration: %v\n", err)
	}
	logger, err := logic.SetupLogger(cfg.Log)
	if err != nil {
		log.Fatalf("MAIN: Error configuring logger: %v\n", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := opcua.NewMetrics(registry)
	if err != nil {
		logger.Fatalf("MAIN: Error registering metrics: %v", err)
	}

	hub := webui.NewHub(logger)
	var bridge *opcua.Bridge

	factory := func(cfg *config.Config) (*opcua.Gateway, error) {
		opts := gatewayOptions(cfg)
		dial, err := opcua.Dial(opts, logger)
		if err != nil {
			return nil, err
		}
		g := opcua.NewGateway(opts, dial, metrics, logger)
		if bridge != nil {
			g.AddHandler(bridge)
		}
		g.AddHandler(hub)
		return g, nil
	}
	dm := logic.NewDriverManager(cfg, factory, logger)

	var broker *mqtt_broker.Broker
	var pub opcua.Publisher
	if cfg.MQTT.Enabled {
		switch cfg.MQTT.Mode {
		case config.ModeExternal:
			pub, err = opcua.NewPahoPublisher(cfg.MQTT.Broker, cfg.MQTT.Username, cfg.MQTT.Password, logger)
			if err != nil {
				logger.Fatalf("MAIN: Error connecting to MQTT broker: %v", err)
			}
		default:
			broker, err = mqtt_broker.StartBroker(cfg.Broker, logger)
			if err != nil {
				logger.Fatalf("MAIN: Error starting MQTT broker: %v", err)
			}
			pub = opcua.NewInlinePublisher(broker.Server())
		}
		bridge, err = opcua.NewBridge(pub, dm, cfg.MQTT.TopicPrefix, cfg.MQTT.PayloadFormat, logger)
		if err != nil {
			logger.Fatalf("MAIN: Error creating MQTT bridge: %v", err)
		}
		if err := bridge.Start(); err != nil {
			logger.Fatalf("MAIN: Error starting MQTT bridge: %v", err)
		}
		dm.SetPublisher(bridge)
		logger.Info("MAIN: MQTT bridge started.")
	}

	var server *webui.Server
	if cfg.WebUI.Enabled {
		server = webui.New(dm, hub, registry, logger)
		server.Start(cfg.WebUI.Address)
		logger.Info("MAIN: Web-UI-server started.")
	}

	dm.Start()

	stopWatch := make(chan struct{})
	go logic.WatchConfig(*configPath, 5*time.Second, stopWatch, func(newCfg *config.Config) {
		logger.Info("MAIN: configuration changed, restarting driver")
		dm.Restart(newCfg)
	}, logger)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("MAIN: shutting down")

	close(stopWatch)
	dm.Stop()
	if server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := server.Shutdown(ctx); err != nil {
			logger.Warnf("MAIN: Error stopping Web-UI-server: %v", err)
		}
		cancel()
	}
	if pub != nil {
		pub.Close()
	}
	if broker != nil {
		broker.StopBroker()
	}
}

func gatewayOptions(cfg *config.Config) opcua.Options {
	return opcua.Options{
		Endpoint:           opcua.Endpoint(cfg.Session.Host, cfg.Session.Port, cfg.Session.Path),
		Username:           cfg.Session.Username,
		Password:           cfg.Session.Password,
		SecurityMode:       cfg.Security.Mode,
		SecurityPolicy:     cfg.Security.Policy,
		CertFile:           cfg.Security.CertFile,
		KeyFile:            cfg.Security.KeyFile,
		ConnectTimeout:     cfg.Session.GetConnectTimeout(),
		SendReceiveTimeout: cfg.Session.GetSendReceiveTimeout(),
		MaxReconnectDelay:  cfg.Session.GetMaxReconnectDelay(),
		WatchdogInterval:   cfg.Session.GetWatchdogInterval(),
		PublishingInterval: cfg.Subscription.GetPublishingInterval(),
	}
}
