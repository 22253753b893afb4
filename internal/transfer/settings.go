package transfer

import (
	"net"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/websoft9/devicelink/internal/terminal"
)

// DefaultPort is the transfer server's default TCP port.
const DefaultPort = 2022

// Settings configures the embedded transfer server.
type Settings struct {
	Enabled     bool
	SFTPEnabled bool
	SCPEnabled  bool

	ListenAddress string
	Port          int
	// AdvertisedHost is the address handed to devices in a Grant. Empty
	// means the listen address.
	AdvertisedHost string

	// HostKeyPath is the directory holding the persistent host keys. Empty
	// means the system temp directory.
	HostKeyPath   string
	HostKeyPrefix string
	Algorithms    terminal.Algorithms

	MaxConcurrentSessions int
	RateLimit             rate.Limit
	HandshakeTimeout      time.Duration

	// TicketTTL cleans tickets up automatically when > 0.
	TicketTTL time.Duration
	// RootPath is the parent of the per-ticket upload directories. Empty
	// means the system temp directory.
	RootPath string
}

// DefaultSettings returns the settings used when nothing is configured.
func DefaultSettings() Settings {
	return Settings{
		Enabled:               true,
		SFTPEnabled:           true,
		SCPEnabled:            true,
		ListenAddress:         "0.0.0.0",
		Port:                  DefaultPort,
		HostKeyPrefix:         "devicelink",
		Algorithms:            terminal.DefaultAlgorithms(),
		MaxConcurrentSessions: 10,
		RateLimit:             defaultRateLimit,
		HandshakeTimeout:      handshakeTimeout,
	}
}

// withDefaults fills zero fields.
func (s Settings) withDefaults() Settings {
	d := DefaultSettings()
	if s.ListenAddress == "" {
		s.ListenAddress = d.ListenAddress
	}
	if s.Port < 0 || s.Port > 65535 {
		s.Port = d.Port
	}
	if s.HostKeyPrefix == "" {
		s.HostKeyPrefix = d.HostKeyPrefix
	}
	s.Algorithms = s.Algorithms.WithDefaults()
	if s.MaxConcurrentSessions <= 0 {
		s.MaxConcurrentSessions = d.MaxConcurrentSessions
	}
	if s.RateLimit <= 0 {
		s.RateLimit = d.RateLimit
	}
	if s.HandshakeTimeout <= 0 {
		s.HandshakeTimeout = d.HandshakeTimeout
	}
	return s
}

// Addr is the listen address in host:port form.
func (s Settings) Addr() string {
	return net.JoinHostPort(s.ListenAddress, strconv.Itoa(s.Port))
}

// Allows reports whether p is enabled server-side.
func (s Settings) Allows(p Protocol) bool {
	switch p {
	case ProtocolSCP:
		return s.SCPEnabled
	case ProtocolSFTP:
		return s.SFTPEnabled
	}
	return false
}
