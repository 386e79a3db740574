package natsbus

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/mtzanidakis/sminos/internal/config"
	natsserver "github.com/nats-io/nats-server/v2/server"
)

// Model text and result assignments ride the bus inside worker envelopes;
// the NATS default of 1MB is too small for dense MPS instances.
const maxPayload = 8 * 1024 * 1024

type Bus struct {
	server *natsserver.Server
	cfg    config.NATSConfig
}

func New(cfg config.NATSConfig) (*Bus, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create nats data dir: %w", err)
	}

	opts := &natsserver.Options{
		ServerName: "sminos",
		// Container workers connect from the docker bridge, so the
		// listener cannot be loopback-only.
		Host:       "0.0.0.0",
		Port:       cfg.Port,
		MaxPayload: maxPayload,
		NoLog:      true,
		NoSigs:     true,
		JetStream:  true,
		StoreDir:   cfg.DataDir,
	}

	ns, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create nats server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(5 * time.Second) {
		return nil, fmt.Errorf("nats server not ready")
	}

	return &Bus{
		server: ns,
		cfg:    cfg,
	}, nil
}

func (b *Bus) ClientURL() string {
	return b.server.ClientURL()
}

// Port reports the bound listener port, which differs from the configured
// one when port 0 asked the kernel to pick.
func (b *Bus) Port() int {
	if addr, ok := b.server.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return b.cfg.Port
}

func (b *Bus) Close() {
	b.server.Shutdown()
	b.server.WaitForShutdown()
}
