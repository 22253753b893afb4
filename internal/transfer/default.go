package transfer

import (
	"log"
	"sync"
)

var (
	defaultMu       sync.Mutex
	defaultServer   *Server
	defaultSink     AuditSink
	defaultRegistry = NewRegistry()
	defaultBroker   = NewBroker(defaultRegistry, Default)
)

// Init starts the process-wide server. A disabled configuration leaves it
// stopped.
func Init(settings Settings, sink AuditSink) error {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultSink = sink
	if defaultServer != nil {
		defaultServer.Shutdown()
		defaultServer = nil
	}
	return startDefault(settings)
}

// Reload applies new settings to the process-wide server, starting or
// stopping it when the enabled flag changed.
func Reload(settings Settings) error {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if !settings.Enabled {
		if defaultServer != nil {
			log.Printf("[transfer] server disabled by configuration")
			defaultServer.Shutdown()
			defaultServer = nil
		}
		return nil
	}
	if defaultServer == nil {
		return startDefault(settings)
	}
	return defaultServer.Reload(settings)
}

// startDefault must be called with defaultMu held.
func startDefault(settings Settings) error {
	if !settings.Enabled {
		log.Printf("[transfer] server disabled by configuration")
		return nil
	}
	srv := NewServer(settings, defaultRegistry, defaultSink)
	if err := srv.Start(); err != nil {
		return err
	}
	defaultServer = srv
	return nil
}

// Shutdown stops the process-wide server.
func Shutdown() {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultServer != nil {
		defaultServer.Shutdown()
		defaultServer = nil
	}
}

// Default returns the running process-wide server.
func Default() (*Server, error) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultServer == nil {
		return nil, ErrServerNotRunning
	}
	return defaultServer, nil
}

// IsRunning reports whether the process-wide server runs and, when given,
// whether protocol p is enabled on it.
func IsRunning(p ...Protocol) bool {
	srv, err := Default()
	if err != nil {
		return false
	}
	settings := srv.Settings()
	for _, proto := range p {
		if !settings.Allows(proto) {
			return false
		}
	}
	return true
}

// DefaultRegistry returns the process-wide ticket registry.
func DefaultRegistry() *Registry { return defaultRegistry }

// DefaultBroker returns the broker bound to the process-wide server.
func DefaultBroker() *Broker { return defaultBroker }
