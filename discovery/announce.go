package discovery

import (
	"fmt"

	"github.com/grandcat/zeroconf"

	"peerlink/logging"
	"peerlink/protocol"
)

// Announcer keeps the local device registered on the mDNS responder.
type Announcer struct {
	server *zeroconf.Server
}

func announce(cfg Config) (*Announcer, error) {
	if !protocol.ValidDeviceID(cfg.Self.DeviceID) {
		return nil, errNoDeviceID
	}
	if cfg.Port <= 0 {
		return nil, errNoPort
	}

	// Device ids are unique, which makes them safe instance names.
	server, err := cfg.register(cfg.Self.DeviceID, cfg.Service, cfg.Domain, cfg.Port, txtRecord(cfg.Self), nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: register %s: %w", cfg.Service, err)
	}
	if server != nil {
		server.TTL(cfg.TTL)
	}

	cfg.Logger.Debug("advertising", "service", cfg.Service, "port", cfg.Port, logging.KeyDeviceID, cfg.Self.DeviceID)
	return &Announcer{server: server}, nil
}

func (a *Announcer) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}
