// Command bridge runs the Bluetooth↔MQTT bridge daemon: it mirrors BlueZ's
// adapters and devices, answers pairing prompts unattended, accepts and
// dials RFCOMM Serial Port Profile connections, and exposes all of it over
// MQTT. Grounded on original_source/src/bin/bridge/main.cpp.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/sirupsen/logrus"

	"bluetooth-bridge/internal/agent"
	"bluetooth-bridge/internal/btcache"
	"bluetooth-bridge/internal/config"
	"bluetooth-bridge/internal/logging"
	"bluetooth-bridge/internal/mqttproxy"
	"bluetooth-bridge/internal/rfcomm"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the bridge configuration file")
	logDir := flag.String("log-dir", "logs", "directory for per-level log files")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.StandardLogger().WithError(err).Fatal("bridge: load configuration")
	}

	log, err := logging.Setup(*logDir)
	if err != nil {
		logrus.StandardLogger().WithError(err).Fatal("bridge: set up logging")
	}

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("bridge: exited with error")
	}
}

func run(cfg *config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	adapterConn, err := dbus.ConnectSystemBus()
	if err != nil {
		return err
	}
	defer adapterConn.Close()

	deviceConn, err := dbus.ConnectSystemBus()
	if err != nil {
		return err
	}
	defer deviceConn.Close()

	cache, err := btcache.NewCache(adapterConn, deviceConn, btcache.CacheConfig{
		MaxRepairCount:    cfg.Int("bluetooth.max_repair_count"),
		MaxReconnectCount: cfg.Int("bluetooth.max_reconnect_count"),
		PairTimeoutMS:     cfg.Int("bluetooth.timeout_pair_ms"),
		ConnectTimeoutMS:  cfg.Int("bluetooth.timeout_connect_ms"),
	}, log)
	if err != nil {
		return err
	}
	if err := cache.Start(ctx); err != nil {
		return err
	}

	pairingAgent := agent.New(cache.Pins(), log)
	if err := agent.Register(adapterConn, pairingAgent); err != nil {
		return err
	}
	defer func() {
		if err := agent.Unregister(adapterConn); err != nil {
			log.WithError(err).Warn("bridge: failed to unregister pairing agent")
		}
	}()

	var proxy *mqttproxy.Proxy
	server := rfcomm.NewServer(rfcomm.ServerConfig{
		Channel:             cfg.Int("bluetooth.server.channel"),
		AcceptTimeoutMS:     cfg.Int("bluetooth.server.socket_accpet_timeout_ms"),
		RecvTimeoutMS:       cfg.Int("bluetooth.server.socket_recv_timeout_ms"),
		BufferSize:          cfg.Int("bluetooth.server.socket_buffer_size"),
		ServiceUUID:         rfcomm.SPPUUID,
		ServiceName:         "Bluetooth Bridge",
		ServiceRecordViaSDP: true,
	}, rfcomm.ServerCallbacks{
		OnClientConnected: func(addr string) {
			if proxy != nil {
				proxy.OnServerClientConnected(addr)
			}
		},
		OnClientDisconnected: func(addr string) {
			if proxy != nil {
				proxy.OnServerClientDisconnected(addr)
			}
		},
		OnDataReceived: func(addr string, data []byte) {
			if proxy != nil {
				proxy.OnServerDataReceived(addr, data)
			}
		},
	}, log)

	queue := mqttproxy.NewJobQueue(2, 64)
	defer queue.Stop()

	mqttClient := mqttproxy.NewClient(mqttproxy.ClientConfig{
		Host:     cfg.String("mqtt.host"),
		Port:     cfg.Int("mqtt.port"),
		Username: cfg.String("mqtt.username"),
		Password: cfg.String("mqtt.password"),
	}, queue, log)

	proxy = mqttproxy.New(mqttClient, server, cache, mqttproxy.ProxyConfig{
		ConnectTimeoutMS: cfg.Int("bluetooth.client.socket_accpet_timeout_ms"),
		RecvTimeoutMS:    cfg.Int("bluetooth.client.socket_recv_timeout_ms"),
		BufferSize:       cfg.Int("bluetooth.client.socket_buffer_size"),
	}, log)

	if err := mqttClient.Connect(); err != nil {
		return err
	}
	defer mqttClient.Disconnect()

	if err := proxy.Setup(); err != nil {
		return err
	}

	if err := server.Start(); err != nil {
		return err
	}
	defer func() {
		if err := server.Stop(); err != nil {
			log.WithError(err).Warn("bridge: error stopping rfcomm server")
		}
	}()

	publishLoop(ctx, proxy, time.Duration(cfg.Int("bluetooth.publish_interval_ms"))*time.Millisecond)
	return nil
}

// publishLoop wakes every 50ms (matching main.cpp's polling granularity)
// and publishes the adapter/device inventory whenever interval has
// elapsed, rather than sleeping for the full interval, so shutdown is
// never delayed by more than 50ms.
func publishLoop(ctx context.Context, proxy *mqttproxy.Proxy, interval time.Duration) {
	const tick = 50 * time.Millisecond
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	var lastPublish time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Sub(lastPublish) >= interval {
				proxy.PublishInventory()
				lastPublish = now
			}
		}
	}
}
