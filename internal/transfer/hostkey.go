package transfer

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"slices"

	"golang.org/x/crypto/ssh"
)

const rsaHostKeyBits = 3072

// hostKeySpec identifies one host key file. Several host-key algorithms may
// share a key (the RSA signature variants).
type hostKeySpec struct {
	name  string // file name component: eddsa255, ec256, rsa3072
	curve elliptic.Curve
	rsa   bool
}

func hostKeySpecFor(algo string) (hostKeySpec, bool) {
	switch algo {
	case ssh.KeyAlgoED25519:
		return hostKeySpec{name: "eddsa255"}, true
	case ssh.KeyAlgoECDSA256:
		return hostKeySpec{name: "ec256", curve: elliptic.P256()}, true
	case ssh.KeyAlgoECDSA384:
		return hostKeySpec{name: "ec384", curve: elliptic.P384()}, true
	case ssh.KeyAlgoECDSA521:
		return hostKeySpec{name: "ec521", curve: elliptic.P521()}, true
	case ssh.KeyAlgoRSA, ssh.KeyAlgoRSASHA256, ssh.KeyAlgoRSASHA512:
		return hostKeySpec{name: fmt.Sprintf("rsa%d", rsaHostKeyBits), rsa: true}, true
	}
	return hostKeySpec{}, false
}

// hostKeyFileName is <prefix>_ssh_host_<algo><size>.key.
func hostKeyFileName(prefix string, spec hostKeySpec) string {
	return fmt.Sprintf("%s_ssh_host_%s.key", prefix, spec.name)
}

// loadHostKeys returns one signer per distinct key needed by the host-key
// algorithms, loading each key from dir or generating it there. RSA signers
// only advertise the RSA signature algorithms listed in algos.
func loadHostKeys(dir, prefix string, algos []string) ([]ssh.Signer, error) {
	if dir == "" {
		dir = os.TempDir()
		log.Printf("[transfer] host keys will be stored in the temp directory %s; set a host key path to keep them across restarts", dir)
	}

	var specs []hostKeySpec
	var rsaAlgos []string
	for _, algo := range algos {
		spec, ok := hostKeySpecFor(algo)
		if !ok {
			log.Printf("[transfer] host key algorithm %q is not supported for the server, ignored", algo)
			continue
		}
		if spec.rsa {
			rsaAlgos = append(rsaAlgos, algo)
		}
		if !slices.ContainsFunc(specs, func(s hostKeySpec) bool { return s.name == spec.name }) {
			specs = append(specs, spec)
		}
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("transfer: no usable host key algorithm in %v", algos)
	}

	signers := make([]ssh.Signer, 0, len(specs))
	for _, spec := range specs {
		signer, err := loadOrGenerateHostKey(filepath.Join(dir, hostKeyFileName(prefix, spec)), spec)
		if err != nil {
			return nil, err
		}
		if spec.rsa {
			as, ok := signer.(ssh.AlgorithmSigner)
			if !ok {
				return nil, fmt.Errorf("transfer: rsa host key cannot select signature algorithms")
			}
			if signer, err = ssh.NewSignerWithAlgorithms(as, rsaAlgos); err != nil {
				return nil, fmt.Errorf("transfer: rsa host key: %w", err)
			}
		}
		signers = append(signers, signer)
	}
	return signers, nil
}

// loadOrGenerateHostKey reads the host key at path. If the file does not
// exist, a new key is generated and saved with 0600 permissions.
func loadOrGenerateHostKey(path string, spec hostKeySpec) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("transfer: read host key %s: %w", path, err)
	}

	if err == nil {
		if b, _ := pem.Decode(data); b == nil {
			return nil, fmt.Errorf("transfer: host key file %s contains no PEM block", path)
		}
		key, err := ssh.ParseRawPrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("transfer: parse host key %s: %w", path, err)
		}
		return ssh.NewSignerFromKey(key)
	}

	priv, err := generateHostKey(spec)
	if err != nil {
		return nil, fmt.Errorf("transfer: generate %s host key: %w", spec.name, err)
	}
	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return nil, fmt.Errorf("transfer: encode host key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("transfer: create host key dir: %w", err)
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("transfer: write host key: %w", err)
	}
	log.Printf("[transfer] generated new %s host key at %s", spec.name, path)
	return ssh.NewSignerFromKey(priv)
}

func generateHostKey(spec hostKeySpec) (crypto.Signer, error) {
	switch {
	case spec.rsa:
		return rsa.GenerateKey(rand.Reader, rsaHostKeyBits)
	case spec.curve != nil:
		return ecdsa.GenerateKey(spec.curve, rand.Reader)
	default:
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		return priv, err
	}
}
