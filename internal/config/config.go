// Package config turns the app_settings groups and the process environment
// into the typed configuration the terminal and transfer packages consume.
package config

import (
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pocketbase/pocketbase/core"
	"golang.org/x/time/rate"

	"github.com/websoft9/devicelink/internal/settings"
	"github.com/websoft9/devicelink/internal/terminal"
	"github.com/websoft9/devicelink/internal/transfer"
)

// app_settings rows owned by devicelink.
const (
	ModuleCLI      = "cli"
	KeySSH         = "ssh"
	KeyTelnet      = "telnet"
	ModuleTransfer = "transfer"
	KeyServer      = "server"
)

// Config is the full runtime configuration.
type Config struct {
	SSH      terminal.SSHDefaults
	Telnet   terminal.TelnetDefaults
	Transfer transfer.Settings
}

// Env holds the settings that come from the process environment rather
// than the database.
type Env struct {
	// RedisAddr is host:port for asynq. Empty disables the task queue.
	RedisAddr string
	// HostKeyPath overrides transfer/server.hostKeyPath when set.
	HostKeyPath string
}

// LoadEnv reads the environment, loading a .env file when present.
func LoadEnv() Env {
	_ = godotenv.Load()

	env := Env{HostKeyPath: os.Getenv("TRANSFER_HOST_KEY_PATH")}
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		env.RedisAddr = addr
	} else if url := os.Getenv("REDIS_URL"); url != "" {
		env.RedisAddr = parseRedisAddr(url)
	}
	return env
}

// parseRedisAddr extracts host:port from Redis URL
// Supports: redis://host:port, host:port, host
func parseRedisAddr(redisURL string) string {
	addr := strings.TrimPrefix(redisURL, "redis://")
	addr = strings.TrimPrefix(addr, "rediss://")
	addr = strings.TrimSuffix(addr, "/")
	if !strings.Contains(addr, ":") {
		addr = addr + ":6379"
	}
	return addr
}

// ─── Defaults (also seeded by migrations) ─────────────────────────────────

// DefaultSSHGroup is the cli/ssh row. Empty algorithm lists mean the
// built-in preference order.
func DefaultSSHGroup() map[string]any {
	return map[string]any{
		"connectionTimeoutMs":   5000,
		"receiveTimeoutMs":      60000,
		"commandTimeoutMs":      120000,
		"kexAlgorithms":         []string{},
		"hostKeyAlgorithms":     []string{},
		"ciphers":               []string{},
		"macs":                  []string{},
		"compressionAlgorithms": []string{},
	}
}

// DefaultTelnetGroup is the cli/telnet row.
func DefaultTelnetGroup() map[string]any {
	return map[string]any{
		"connectionTimeoutMs": 5000,
		"receiveTimeoutMs":    60000,
		"commandTimeoutMs":    120000,
		"terminalType":        "vt100",
	}
}

// DefaultTransferGroup is the transfer/server row.
func DefaultTransferGroup() map[string]any {
	return map[string]any{
		"enabled":               true,
		"sftpEnabled":           true,
		"scpEnabled":            true,
		"listenAddress":         "0.0.0.0",
		"port":                  transfer.DefaultPort,
		"advertisedHost":        "",
		"hostKeyPath":           "",
		"kexAlgorithms":         []string{},
		"hostKeyAlgorithms":     []string{},
		"ciphers":               []string{},
		"macs":                  []string{},
		"compressionAlgorithms": []string{},
		"maxConcurrentSessions": 10,
		"acceptRatePerSecond":   10,
		"ticketTTLSeconds":      0,
		"rootPath":              "",
	}
}

// ─── Loading ──────────────────────────────────────────────────────────────

// Load reads all devicelink groups. Missing rows fall back to the defaults
// and are logged; Load itself never fails.
func Load(app core.App, env Env) Config {
	sshGroup, err := settings.GetGroup(app, ModuleCLI, KeySSH, DefaultSSHGroup())
	if err != nil {
		log.Printf("[config] %v, using defaults", err)
	}
	telnetGroup, err := settings.GetGroup(app, ModuleCLI, KeyTelnet, DefaultTelnetGroup())
	if err != nil {
		log.Printf("[config] %v, using defaults", err)
	}
	cfg := Config{
		SSH:    SSH(sshGroup),
		Telnet: Telnet(telnetGroup),
	}
	cfg.Transfer = LoadTransfer(app, env)
	return cfg
}

// LoadTransfer reads only the transfer/server group.
func LoadTransfer(app core.App, env Env) transfer.Settings {
	group, err := settings.GetGroup(app, ModuleTransfer, KeyServer, DefaultTransferGroup())
	if err != nil {
		log.Printf("[config] %v, using defaults", err)
	}
	s := Transfer(group)
	if env.HostKeyPath != "" {
		s.HostKeyPath = env.HostKeyPath
	}
	return s
}

// SSH converts a cli/ssh group.
func SSH(group map[string]any) terminal.SSHDefaults {
	return terminal.SSHDefaults{
		Timeouts:   timeouts(group),
		Algorithms: algorithms(group).WithDefaults(),
	}
}

// Telnet converts a cli/telnet group.
func Telnet(group map[string]any) terminal.TelnetDefaults {
	return terminal.TelnetDefaults{
		Timeouts:     timeouts(group),
		TerminalType: settings.String(group, "terminalType", "vt100"),
	}
}

// Transfer converts a transfer/server group.
func Transfer(group map[string]any) transfer.Settings {
	d := transfer.DefaultSettings()
	s := transfer.Settings{
		Enabled:               settings.Bool(group, "enabled", d.Enabled),
		SFTPEnabled:           settings.Bool(group, "sftpEnabled", d.SFTPEnabled),
		SCPEnabled:            settings.Bool(group, "scpEnabled", d.SCPEnabled),
		ListenAddress:         settings.String(group, "listenAddress", d.ListenAddress),
		Port:                  settings.Int(group, "port", d.Port),
		AdvertisedHost:        settings.String(group, "advertisedHost", ""),
		HostKeyPath:           settings.String(group, "hostKeyPath", ""),
		HostKeyPrefix:         d.HostKeyPrefix,
		Algorithms:            algorithms(group).WithDefaults(),
		MaxConcurrentSessions: settings.Int(group, "maxConcurrentSessions", d.MaxConcurrentSessions),
		RateLimit:             rate.Limit(settings.Int(group, "acceptRatePerSecond", int(d.RateLimit))),
		HandshakeTimeout:      d.HandshakeTimeout,
		TicketTTL:             settings.Duration(group, "ticketTTLSeconds", time.Second, 0),
		RootPath:              settings.String(group, "rootPath", ""),
	}
	// Port 0 binds an ephemeral port.
	if s.Port < 0 || s.Port > 65535 {
		log.Printf("[config] transfer port %d out of range, using %d", s.Port, d.Port)
		s.Port = d.Port
	}
	return s
}

func timeouts(group map[string]any) terminal.Timeouts {
	d := terminal.DefaultTimeouts()
	return terminal.Timeouts{
		Connection: settings.Duration(group, "connectionTimeoutMs", time.Millisecond, d.Connection),
		Receive:    settings.Duration(group, "receiveTimeoutMs", time.Millisecond, d.Receive),
		Command:    settings.Duration(group, "commandTimeoutMs", time.Millisecond, d.Command),
	}
}

func algorithms(group map[string]any) terminal.Algorithms {
	return terminal.Algorithms{
		KeyExchanges: settings.StringSlice(group, "kexAlgorithms"),
		HostKeys:     settings.StringSlice(group, "hostKeyAlgorithms"),
		Ciphers:      settings.StringSlice(group, "ciphers"),
		MACs:         settings.StringSlice(group, "macs"),
		Compressions: settings.StringSlice(group, "compressionAlgorithms"),
	}
}
