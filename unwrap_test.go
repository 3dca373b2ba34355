package satchel

import (
	"bytes"
	"testing"

	"github.com/satchel-vault/satchel/remote"
)

// wrapForTest wraps a fresh master key under the password and returns
// the blob plus a surviving copy of the key.
func wrapForTest(t *testing.T, password string, params remote.KdfParams) (remote.WrappedKey, []byte) {
	t.Helper()

	mk, err := newMasterKey()
	if err != nil {
		t.Fatalf("newMasterKey: %v", err)
	}
	mkCopy := append([]byte(nil), mk...)

	uek, err := deriveUEK(passwordBytes(password), params)
	if err != nil {
		t.Fatalf("deriveUEK: %v", err)
	}
	defer uek.Destroy()

	wrapped, err := wrapKey(uek, mk, wrapLabelPassword, vaultLabel)
	if err != nil {
		t.Fatalf("wrapKey: %v", err)
	}
	return wrapped, mkCopy
}

func TestUnwrapRoundTripsMasterKey(t *testing.T) {
	params := testKdfParams(t)
	wrapped, want := wrapForTest(t, "correct horse", params)

	ks := NewKeyStore()
	aad := testAad()
	if err := UnwrapWithPassword(passwordBytes("correct horse"), params, wrapped, aad, ks); err != nil {
		t.Fatalf("UnwrapWithPassword: %v", err)
	}
	if !ks.IsUnlocked() {
		t.Fatal("key store locked after successful unwrap")
	}

	mk, err := ks.masterKey("test")
	if err != nil {
		t.Fatal(err)
	}
	defer mk.Destroy()
	if !bytes.Equal(mk.Bytes(), want) {
		t.Fatal("unwrapped master key differs from the wrapped one")
	}
}

func TestUnwrapWrongPasswordLeavesStoreUntouched(t *testing.T) {
	params := testKdfParams(t)
	wrapped, _ := wrapForTest(t, "correct horse", params)

	ks := NewKeyStore()
	err := UnwrapWithPassword(passwordBytes("wrong horse"), params, wrapped, testAad(), ks)
	if !IsInvalidPassword(err) {
		t.Fatalf("got %v, want InvalidPasswordError", err)
	}
	if ks.IsUnlocked() {
		t.Fatal("failed unwrap installed keys")
	}
}

func TestUnwrapWipesPassword(t *testing.T) {
	params := testKdfParams(t)
	wrapped, _ := wrapForTest(t, "correct horse", params)

	password := passwordBytes("correct horse")
	ks := NewKeyStore()
	if err := UnwrapWithPassword(password, params, wrapped, testAad(), ks); err != nil {
		t.Fatal(err)
	}
	for _, b := range password {
		if b != 0 {
			t.Fatal("password bytes survived the unwrap")
		}
	}
}

// The password and PIN wrap paths use different AAD prefixes: a blob
// sealed for one path never opens through the other, even with the same
// secret and parameters.
func TestWrapPathsAreMutuallyUnusable(t *testing.T) {
	params := testKdfParams(t)

	mk, err := newMasterKey()
	if err != nil {
		t.Fatal(err)
	}
	uek, err := deriveUEK(passwordBytes("1234"), params)
	if err != nil {
		t.Fatal(err)
	}
	defer uek.Destroy()

	pinWrapped, err := wrapKey(uek, mk, wrapLabelPin, vaultLabel)
	if err != nil {
		t.Fatal(err)
	}

	ks := NewKeyStore()
	err = UnwrapWithPassword(passwordBytes("1234"), params, pinWrapped, testAad(), ks)
	if !IsInvalidPassword(err) {
		t.Fatalf("PIN blob opened through the password path: %v", err)
	}
}

func TestDeriveAuthKeyIsStableAndDistinct(t *testing.T) {
	params := testKdfParams(t)

	uek1, err := deriveUEK(passwordBytes("correct horse"), params)
	if err != nil {
		t.Fatal(err)
	}
	defer uek1.Destroy()
	uek2, err := deriveUEK(passwordBytes("correct horse"), params)
	if err != nil {
		t.Fatal(err)
	}
	defer uek2.Destroy()

	a, err := deriveAuthKey(uek1)
	if err != nil {
		t.Fatal(err)
	}
	b, err := deriveAuthKey(uek2)
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatal("auth key not deterministic for the same password")
	}

	other, err := deriveUEK(passwordBytes("wrong horse"), params)
	if err != nil {
		t.Fatal(err)
	}
	defer other.Destroy()
	c, err := deriveAuthKey(other)
	if err != nil {
		t.Fatal(err)
	}
	if a == c {
		t.Fatal("different passwords produced the same auth key")
	}
}

func TestPinEnrolmentRecordRoundTrip(t *testing.T) {
	params, err := newPinParams([]byte("fedcba9876543210"))
	if err != nil {
		t.Fatal(err)
	}
	record := pinEnrolment{Kdf: params, Wrapped: remote.WrappedKey{Nonce: []byte("n"), Ciphertext: []byte("c")}}

	data, err := encodePinEnrolment(record)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := decodePinEnrolment(data)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.SchemaVersion != pinSchemaVersion {
		t.Fatalf("schema version = %d", decoded.SchemaVersion)
	}
	if !bytes.Equal(decoded.Kdf.Salt, params.Salt) || !bytes.Equal(decoded.Kdf.HKDFSalt, params.HKDFSalt) {
		t.Fatal("kdf parameters did not round-trip")
	}
}

// Production-cost derivation: 512 MiB Argon2id. Skipped in short mode.
func TestUnwrapWithProductionKdfCost(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping memory-hard derivation in short mode")
	}

	params := remote.KdfParams{
		Algo:        "argon2id",
		Salt:        []byte("0123456789abcdef"),
		Memory:      524288,
		Time:        3,
		Parallelism: 1,
		HKDFSalt:    []byte("fedcba9876543210"),
	}
	wrapped, want := wrapForTest(t, "correct horse", params)

	ks := NewKeyStore()
	if err := UnwrapWithPassword(passwordBytes("correct horse"), params, wrapped, testAad(), ks); err != nil {
		t.Fatalf("unwrap at production cost: %v", err)
	}
	mk, err := ks.masterKey("test")
	if err != nil {
		t.Fatal(err)
	}
	defer mk.Destroy()
	if !bytes.Equal(mk.Bytes(), want) {
		t.Fatal("master key mismatch at production cost")
	}

	ks2 := NewKeyStore()
	if err := UnwrapWithPassword(passwordBytes("wrong horse"), params, wrapped, testAad(), ks2); !IsInvalidPassword(err) {
		t.Fatalf("wrong password at production cost: %v", err)
	}
	if ks2.IsUnlocked() {
		t.Fatal("wrong password unlocked the store")
	}
}
