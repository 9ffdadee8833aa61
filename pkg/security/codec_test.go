package security_test

import (
	"bytes"
	"testing"

	"github.com/angelmondragon/voucherz-backend/pkg/security"
)

const testKey = "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY="

func TestSealOpenRoundTrip(t *testing.T) {
	codec, err := security.NewCodeCodec(testKey, "fp-secret")
	if err != nil {
		t.Fatalf("NewCodeCodec returned error: %v", err)
	}

	sealed, err := codec.SealString("ABCD-1234-EFGH")
	if err != nil {
		t.Fatalf("SealString returned error: %v", err)
	}
	if bytes.Contains(sealed, []byte("ABCD-1234-EFGH")) {
		t.Fatal("ciphertext leaks plaintext")
	}
	again, _ := codec.SealString("ABCD-1234-EFGH")
	if bytes.Equal(sealed, again) {
		t.Fatal("expected random nonce to vary ciphertext")
	}

	plain, err := codec.OpenString(sealed)
	if err != nil {
		t.Fatalf("OpenString returned error: %v", err)
	}
	if plain != "ABCD-1234-EFGH" {
		t.Fatalf("unexpected plaintext %q", plain)
	}
}

func TestOpenRejectsTampering(t *testing.T) {
	codec, _ := security.NewCodeCodec(testKey, "fp-secret")
	sealed, _ := codec.SealString("secret")
	sealed[len(sealed)-1] ^= 0xff
	if _, err := codec.Open(sealed); err != security.ErrInvalidCiphertext {
		t.Fatalf("expected ErrInvalidCiphertext, got %v", err)
	}
	if _, err := codec.Open([]byte("short")); err != security.ErrInvalidCiphertext {
		t.Fatalf("expected ErrInvalidCiphertext for short input, got %v", err)
	}
}

func TestFingerprintIgnoresCaseWhitespaceAndHyphens(t *testing.T) {
	codec, _ := security.NewCodeCodec(testKey, "fp-secret")
	a := codec.Fingerprint("abcd-1234 efgh")
	b := codec.Fingerprint("ABCD1234EFGH")
	if a != b {
		t.Fatalf("expected equal fingerprints, got %s and %s", a, b)
	}
	if len(a) != 64 {
		t.Fatalf("expected 32 byte hex digest, got %d chars", len(a))
	}

	other, _ := security.NewCodeCodec(testKey, "another-secret")
	if other.Fingerprint("ABCD1234EFGH") == a {
		t.Fatal("fingerprint must depend on the key")
	}
}

func TestNewCodeCodecValidatesKeys(t *testing.T) {
	if _, err := security.NewCodeCodec("c2hvcnQ=", "fp"); err == nil {
		t.Fatal("expected short key to fail")
	}
	if _, err := security.NewCodeCodec(testKey, ""); err == nil {
		t.Fatal("expected empty fingerprint key to fail")
	}
}

func TestVerifyHMAC(t *testing.T) {
	body := []byte(`{"id":"evt_1"}`)
	sig := security.SignHMAC("whsec", body)
	if !security.VerifyHMAC("whsec", body, sig) {
		t.Fatal("expected signature to verify")
	}
	if !security.VerifyHMAC("whsec", body, "sha256="+sig) {
		t.Fatal("expected prefixed signature to verify")
	}
	if security.VerifyHMAC("whsec", []byte(`{"id":"evt_2"}`), sig) {
		t.Fatal("expected modified body to fail")
	}
	if security.VerifyHMAC("whsec", body, "zz") {
		t.Fatal("expected malformed signature to fail")
	}
}
