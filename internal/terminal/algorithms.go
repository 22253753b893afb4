package terminal

import (
	"fmt"
	"log"
	"slices"

	cryptossh "golang.org/x/crypto/ssh"
)

// Algorithms is the ordered set of SSH algorithms offered during key
// exchange. Order is preference order.
type Algorithms struct {
	KeyExchanges []string `json:"kexAlgorithms"`
	HostKeys     []string `json:"hostKeyAlgorithms"`
	Ciphers      []string `json:"ciphers"`
	MACs         []string `json:"macs"`
	Compressions []string `json:"compressionAlgorithms"`
}

// DefaultAlgorithms is offered when no algorithm list is configured. It keeps
// legacy entries because many network devices only speak those.
func DefaultAlgorithms() Algorithms {
	return Algorithms{
		KeyExchanges: []string{
			"curve25519-sha256",
			"curve25519-sha256@libssh.org",
			"ecdh-sha2-nistp256",
			"ecdh-sha2-nistp384",
			"ecdh-sha2-nistp521",
			"diffie-hellman-group18-sha512",
			"diffie-hellman-group16-sha512",
			"diffie-hellman-group14-sha256",
			"diffie-hellman-group14-sha1",
			"diffie-hellman-group-exchange-sha256",
			"diffie-hellman-group-exchange-sha1",
			"diffie-hellman-group1-sha1",
		},
		HostKeys: []string{
			"ssh-ed25519",
			"ecdsa-sha2-nistp521",
			"ecdsa-sha2-nistp384",
			"ecdsa-sha2-nistp256",
			"rsa-sha2-512",
			"rsa-sha2-256",
			"ssh-rsa",
			"ssh-dss",
		},
		Ciphers: []string{
			"aes128-gcm@openssh.com",
			"aes256-gcm@openssh.com",
			"chacha20-poly1305@openssh.com",
			"aes128-ctr",
			"aes192-ctr",
			"aes256-ctr",
			"aes128-cbc",
			"aes192-cbc",
			"aes256-cbc",
			"3des-cbc",
			"blowfish-cbc",
		},
		MACs: []string{
			"hmac-sha2-256-etm@openssh.com",
			"hmac-sha2-512-etm@openssh.com",
			"hmac-sha2-256",
			"hmac-sha2-512",
			"hmac-sha1",
			"hmac-sha1-96",
			"hmac-md5",
		},
		Compressions: []string{"none", "zlib"},
	}
}

// Clone returns a deep copy.
func (a Algorithms) Clone() Algorithms {
	return Algorithms{
		KeyExchanges: slices.Clone(a.KeyExchanges),
		HostKeys:     slices.Clone(a.HostKeys),
		Ciphers:      slices.Clone(a.Ciphers),
		MACs:         slices.Clone(a.MACs),
		Compressions: slices.Clone(a.Compressions),
	}
}

// WithDefaults fills every empty list from DefaultAlgorithms.
func (a Algorithms) WithDefaults() Algorithms {
	d := DefaultAlgorithms()
	out := a.Clone()
	if len(out.KeyExchanges) == 0 {
		out.KeyExchanges = d.KeyExchanges
	}
	if len(out.HostKeys) == 0 {
		out.HostKeys = d.HostKeys
	}
	if len(out.Ciphers) == 0 {
		out.Ciphers = d.Ciphers
	}
	if len(out.MACs) == 0 {
		out.MACs = d.MACs
	}
	if len(out.Compressions) == 0 {
		out.Compressions = d.Compressions
	}
	return out
}

// Negotiable drops the names this SSH implementation cannot negotiate, in
// order, and fails when a category ends up empty. The stream is never
// compressed, so "none" must be among the compressions.
func (a Algorithms) Negotiable() (Algorithms, error) {
	supported := cryptossh.SupportedAlgorithms()
	insecure := cryptossh.InsecureAlgorithms()

	var out Algorithms
	var err error
	if out.KeyExchanges, err = keep("key exchange", a.KeyExchanges, supported.KeyExchanges, insecure.KeyExchanges); err != nil {
		return Algorithms{}, err
	}
	if out.HostKeys, err = keep("host key", a.HostKeys, supported.HostKeys, insecure.HostKeys); err != nil {
		return Algorithms{}, err
	}
	if out.Ciphers, err = keep("cipher", a.Ciphers, supported.Ciphers, insecure.Ciphers); err != nil {
		return Algorithms{}, err
	}
	if out.MACs, err = keep("mac", a.MACs, supported.MACs, insecure.MACs); err != nil {
		return Algorithms{}, err
	}
	if !slices.Contains(a.Compressions, "none") {
		return Algorithms{}, fmt.Errorf("compression: %v does not include \"none\"", a.Compressions)
	}
	out.Compressions = []string{"none"}
	return out, nil
}

func keep(category string, names []string, sets ...[]string) ([]string, error) {
	out := make([]string, 0, len(names))
	for _, name := range names {
		known := false
		for _, set := range sets {
			if slices.Contains(set, name) {
				known = true
				break
			}
		}
		if !known {
			log.Printf("[ssh] %s algorithm %q is not supported, skipped", category, name)
			continue
		}
		if !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: none of %v is supported", category, names)
	}
	return out, nil
}

// Config returns the transport-level part of an SSH client or server config.
func (a Algorithms) Config() cryptossh.Config {
	return cryptossh.Config{
		KeyExchanges: a.KeyExchanges,
		Ciphers:      a.Ciphers,
		MACs:         a.MACs,
	}
}
