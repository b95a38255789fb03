package crypto

import "testing"

func TestSealOpenRoundTrip(t *testing.T) {
	sealed, err := SealString("key", "s3cret")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if sealed == "s3cret" {
		t.Fatalf("expected ciphertext to differ from plaintext")
	}
	plain, err := OpenString("key", sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if plain != "s3cret" {
		t.Fatalf("unexpected plaintext %q", plain)
	}
	if _, err := OpenString("wrong", sealed); err == nil {
		t.Fatalf("expected error with wrong key")
	}
}

func TestRandomString(t *testing.T) {
	a, err := RandomString(24)
	if err != nil {
		t.Fatalf("random: %v", err)
	}
	b, _ := RandomString(24)
	if len(a) != 24 || a == b {
		t.Fatalf("unexpected random values %q %q", a, b)
	}
	if _, err := RandomString(0); err == nil {
		t.Fatalf("expected error for zero length")
	}
}

func TestDecryptRejectsTruncatedPayload(t *testing.T) {
	if _, err := Decrypt("key", []byte{1, 2}); err == nil {
		t.Fatalf("expected error for short payload")
	}
	if _, err := Encrypt("", []byte("x")); err == nil {
		t.Fatalf("expected error for empty key")
	}
}
