package terminal

import (
	"slices"
	"testing"
)

func TestAlgorithms_DefaultsAreNegotiable(t *testing.T) {
	got, err := DefaultAlgorithms().Negotiable()
	if err != nil {
		t.Fatalf("Negotiable: %v", err)
	}
	if !slices.Contains(got.Ciphers, "aes128-ctr") {
		t.Errorf("aes128-ctr dropped: %v", got.Ciphers)
	}
	if slices.Contains(got.Ciphers, "blowfish-cbc") {
		t.Errorf("unsupported blowfish-cbc kept: %v", got.Ciphers)
	}
	if !slices.Equal(got.Compressions, []string{"none"}) {
		t.Errorf("Compressions = %v, want [none]", got.Compressions)
	}
	if got.KeyExchanges[0] != "curve25519-sha256" {
		t.Errorf("preference order not kept: %v", got.KeyExchanges)
	}
}

func TestAlgorithms_KeepsOrderAndDropsDuplicates(t *testing.T) {
	a := DefaultAlgorithms()
	a.MACs = []string{"hmac-sha1", "hmac-md5", "hmac-sha2-256", "hmac-sha1"}
	got, err := a.Negotiable()
	if err != nil {
		t.Fatalf("Negotiable: %v", err)
	}
	if !slices.Equal(got.MACs, []string{"hmac-sha1", "hmac-sha2-256"}) {
		t.Errorf("MACs = %v", got.MACs)
	}
}

func TestAlgorithms_Errors(t *testing.T) {
	a := DefaultAlgorithms()
	a.Compressions = []string{"zlib"}
	if _, err := a.Negotiable(); err == nil {
		t.Error("expected error when compression excludes none")
	}

	a = DefaultAlgorithms()
	a.Ciphers = []string{"blowfish-cbc", "cast128-cbc"}
	if _, err := a.Negotiable(); err == nil {
		t.Error("expected error when no cipher is supported")
	}
}

func TestAlgorithms_WithDefaultsAndClone(t *testing.T) {
	a := Algorithms{Ciphers: []string{"aes256-ctr"}}.WithDefaults()
	if !slices.Equal(a.Ciphers, []string{"aes256-ctr"}) {
		t.Errorf("configured list replaced: %v", a.Ciphers)
	}
	if len(a.KeyExchanges) == 0 || len(a.MACs) == 0 || len(a.HostKeys) == 0 {
		t.Error("empty lists not filled from defaults")
	}

	c := a.Clone()
	c.Ciphers[0] = "3des-cbc"
	if a.Ciphers[0] != "aes256-ctr" {
		t.Error("Clone shares backing arrays")
	}
}
