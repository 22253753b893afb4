package terminal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConnector_TransportSelection(t *testing.T) {
	c := NewConnector(
		SSHDefaults{Timeouts: Timeouts{Connection: time.Second, Receive: 2 * time.Second, Command: 3 * time.Second}},
		TelnetDefaults{Timeouts: DefaultTimeouts()},
	)

	tr, tm, err := c.Transport(Target{Protocol: ProtocolSSH, Host: "r1", Username: "u", Password: "p"})
	require.NoError(t, err)
	ssh, ok := tr.(*SSH)
	require.True(t, ok)
	require.Equal(t, Timeouts{Connection: time.Second, Receive: 2 * time.Second, Command: 3 * time.Second}, tm)
	require.Equal(t, time.Second, ssh.Config().ConnectTimeout)
	require.NotEmpty(t, ssh.Config().Algorithms.Ciphers, "algorithm defaults applied")
	require.Equal(t, DefaultPTY(), ssh.Config().PTY)

	tr, _, err = c.Transport(Target{Protocol: ProtocolTelnet, Host: "r1"})
	require.NoError(t, err)
	tn, ok := tr.(*Telnet)
	require.True(t, ok)
	require.Equal(t, "vt100", tn.cfg.TerminalType)
	require.Equal(t, DefaultTelnetPort, tn.cfg.Port)
	require.Equal(t, DefaultTimeouts().Receive, tn.cfg.ReceiveTimeout)

	_, tm, err = c.Transport(Target{Protocol: ProtocolCommand, Command: CommandConfig{Path: "/bin/sh"}, Timeouts: Timeouts{Command: time.Minute}})
	require.NoError(t, err)
	require.Equal(t, time.Minute, tm.Command)

	_, _, err = c.Transport(Target{Protocol: ProtocolWebSocket})
	require.Error(t, err)
	_, _, err = c.Transport(Target{Protocol: "serial"})
	require.Error(t, err)
}

func TestConnector_PerTargetAlgorithmsOverride(t *testing.T) {
	c := NewConnector(SSHDefaults{}, TelnetDefaults{})
	tr, _, err := c.Transport(Target{Host: "r1", Password: "p", Algorithms: Algorithms{Ciphers: []string{"aes128-cbc"}}})
	require.NoError(t, err)
	cfg := tr.(*SSH).Config()
	require.Equal(t, []string{"aes128-cbc"}, cfg.Algorithms.Ciphers)
	require.NotEmpty(t, cfg.Algorithms.KeyExchanges)
}

func TestConnector_OpenAppliesTimeouts(t *testing.T) {
	dev := newFakeDevice(t, false)
	c := NewConnector(SSHDefaults{Timeouts: Timeouts{Command: 7 * time.Second}}, TelnetDefaults{})

	s, err := c.Open(context.Background(), Target{
		Protocol: ProtocolSSH,
		Host:     dev.host,
		Port:     dev.port,
		Username: fakeUser,
		Password: fakePassword,
		Timeouts: Timeouts{Connection: 5 * time.Second, Receive: 5 * time.Second},
	})
	require.NoError(t, err)
	defer s.Disconnect()
	require.Equal(t, 7*time.Second, s.CommandTimeout)
	require.Equal(t, 5*time.Second, s.ConnectionTimeout)
}

func TestDefault_SetDefaults(t *testing.T) {
	sshDef, telnetDef := Default().Defaults()
	t.Cleanup(func() { Default().SetDefaults(sshDef, telnetDef) })

	Default().SetDefaults(SSHDefaults{Timeouts: Timeouts{Command: time.Second}}, TelnetDefaults{TerminalType: "ansi"})
	s, tn := Default().Defaults()
	require.Equal(t, time.Second, s.Timeouts.Command)
	require.Equal(t, "ansi", tn.TerminalType)
	require.NotEmpty(t, s.Algorithms.KeyExchanges)
}
