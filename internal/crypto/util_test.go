package crypto

import (
	"bytes"
	"errors"
	"testing"

	"github.com/satchel-vault/satchel/internal/misc"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := RandomBytes(misc.KeySize)
	if err != nil {
		t.Fatal(err)
	}
	return key
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := testKey(t)
	aad := []byte("ctx")
	plaintext := []byte("the quick brown fox")

	nonce, ciphertext, err := Seal(key, aad, plaintext)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	if bytes.Contains(ciphertext, plaintext) {
		t.Fatal("ciphertext contains plaintext")
	}

	got, err := Open(key, nonce, aad, ciphertext)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("round trip mismatch")
	}
}

func TestOpenFailsClosedOnAnyMismatch(t *testing.T) {
	key := testKey(t)
	aad := []byte("ctx")
	nonce, ciphertext, err := Seal(key, aad, []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}

	wrongKey := testKey(t)
	if _, err = Open(wrongKey, nonce, aad, ciphertext); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("wrong key: got %v, want ErrAuthentication", err)
	}

	if _, err = Open(key, nonce, []byte("other"), ciphertext); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("wrong aad: got %v, want ErrAuthentication", err)
	}

	tampered := append([]byte(nil), ciphertext...)
	tampered[0] ^= 0x01
	if _, err = Open(key, nonce, aad, tampered); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("tampered ciphertext: got %v, want ErrAuthentication", err)
	}

	if _, err = Open(key, []byte("short"), aad, ciphertext); err == nil {
		t.Fatal("accepted a bad nonce size")
	}
}

func TestDeriveUEKIsDeterministic(t *testing.T) {
	salt := []byte("0123456789abcdef")

	a, err := DeriveUEK([]byte("password"), salt, 1, 64, 1)
	if err != nil {
		t.Fatalf("DeriveUEK: %v", err)
	}
	defer a.Destroy()
	b, err := DeriveUEK([]byte("password"), salt, 1, 64, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Destroy()
	if !bytes.Equal(a.Bytes(), b.Bytes()) {
		t.Fatal("same inputs produced different keys")
	}

	c, err := DeriveUEK([]byte("Password"), salt, 1, 64, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Destroy()
	if bytes.Equal(a.Bytes(), c.Bytes()) {
		t.Fatal("different passwords produced the same key")
	}
}

func TestDeriveUEKValidatesInputs(t *testing.T) {
	if _, err := DeriveUEK(nil, []byte("0123456789abcdef"), 1, 64, 1); err == nil {
		t.Fatal("accepted empty password")
	}
	if _, err := DeriveUEK([]byte("pw"), []byte("short"), 1, 64, 1); err == nil {
		t.Fatal("accepted short salt")
	}
	if _, err := DeriveUEK([]byte("pw"), []byte("0123456789abcdef"), 0, 64, 1); err == nil {
		t.Fatal("accepted zero time cost")
	}
}

func TestExpandSubKeySeparatesLabels(t *testing.T) {
	master := testKey(t)
	salt := []byte("hkdf-salt")

	kek, err := ExpandSubKey(master, salt, "kek")
	if err != nil {
		t.Fatal(err)
	}
	mak, err := ExpandSubKey(master, salt, "mak")
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(kek, mak) {
		t.Fatal("different labels produced the same sub-key")
	}
	if bytes.Equal(kek, master) {
		t.Fatal("sub-key equals master key")
	}

	again, err := ExpandSubKey(master, salt, "kek")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(kek, again) {
		t.Fatal("expansion not deterministic")
	}

	if _, err = ExpandSubKey(master[:16], salt, "kek"); err == nil {
		t.Fatal("accepted short master key")
	}
	if _, err = ExpandSubKey(master, salt, ""); err == nil {
		t.Fatal("accepted empty label")
	}
}

func TestManifestAADBindsEveryField(t *testing.T) {
	mak := testKey(t)
	base := ManifestAAD(mak, "manifest", "u1", "v1")

	if bytes.Equal(base, ManifestAAD(mak, "manifest", "u2", "v1")) {
		t.Fatal("user not bound")
	}
	if bytes.Equal(base, ManifestAAD(mak, "manifest", "u1", "v2")) {
		t.Fatal("vault not bound")
	}
	if bytes.Equal(base, ManifestAAD(mak, "other", "u1", "v1")) {
		t.Fatal("label not bound")
	}
	if bytes.Equal(base, ManifestAAD(testKey(t), "manifest", "u1", "v1")) {
		t.Fatal("key not bound")
	}
	// Field boundaries matter: ("ab","c") must differ from ("a","bc").
	if bytes.Equal(ManifestAAD(mak, "m", "ab", "c"), ManifestAAD(mak, "m", "a", "bc")) {
		t.Fatal("field boundaries ambiguous")
	}
}

func TestIsWeakKey(t *testing.T) {
	if !IsWeakKey(make([]byte, misc.KeySize)) {
		t.Fatal("all-zero key not flagged")
	}
	if !IsWeakKey(bytes.Repeat([]byte{0xAB}, misc.KeySize)) {
		t.Fatal("repeated-byte key not flagged")
	}
	if !IsWeakKey([]byte("short")) {
		t.Fatal("short key not flagged")
	}
	if IsWeakKey(testKey(t)) {
		t.Fatal("random key flagged as weak")
	}
}
