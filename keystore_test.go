package satchel

import (
	"bytes"
	"testing"

	"github.com/satchel-vault/satchel/internal/crypto"
	"github.com/satchel-vault/satchel/internal/misc"
)

func testKeySet(t *testing.T) (mk, kek, mak []byte) {
	t.Helper()
	var err error
	if mk, err = crypto.RandomBytes(misc.KeySize); err != nil {
		t.Fatal(err)
	}
	if kek, err = crypto.RandomBytes(misc.KeySize); err != nil {
		t.Fatal(err)
	}
	if mak, err = crypto.RandomBytes(misc.KeySize); err != nil {
		t.Fatal(err)
	}
	return mk, kek, mak
}

func testAad() AadContext {
	return AadContext{UserID: "u1", VaultID: "primary", WrappedKeyLabel: "primary", ManifestLabel: "manifest"}
}

func TestKeyStoreUnlockedTransitions(t *testing.T) {
	ks := NewKeyStore()
	if ks.IsUnlocked() {
		t.Fatal("fresh key store reports unlocked")
	}

	mk, kek, mak := testKeySet(t)
	if err := ks.SetKeys(mk, kek, mak, testAad()); err != nil {
		t.Fatalf("SetKeys: %v", err)
	}
	if !ks.IsUnlocked() {
		t.Fatal("key store locked after SetKeys")
	}

	ks.Zeroize()
	if ks.IsUnlocked() {
		t.Fatal("key store unlocked after Zeroize")
	}
	// Idempotent.
	ks.Zeroize()
	if ks.IsUnlocked() {
		t.Fatal("second Zeroize changed state")
	}
}

func TestKeyStoreWipesInputSlices(t *testing.T) {
	ks := NewKeyStore()
	mk, kek, mak := testKeySet(t)
	mkCopy := append([]byte(nil), mk...)

	if err := ks.SetKeys(mk, kek, mak, testAad()); err != nil {
		t.Fatalf("SetKeys: %v", err)
	}
	if bytes.Equal(mk, mkCopy) {
		t.Fatal("input master key slice survived SetKeys unwiped")
	}
}

func TestKeyStoreGettersReturnCopies(t *testing.T) {
	ks := NewKeyStore()
	mk, kek, mak := testKeySet(t)
	makCopy := append([]byte(nil), mak...)

	if err := ks.SetKeys(mk, kek, mak, testAad()); err != nil {
		t.Fatalf("SetKeys: %v", err)
	}

	got, err := ks.GetMAK()
	if err != nil {
		t.Fatalf("GetMAK: %v", err)
	}
	if !bytes.Equal(got.Bytes(), makCopy) {
		t.Fatal("GetMAK returned different key material")
	}
	// Destroying the copy must not affect the store.
	got.Destroy()
	if !ks.IsUnlocked() {
		t.Fatal("destroying a returned copy locked the store")
	}

	again, err := ks.GetMAK()
	if err != nil {
		t.Fatalf("GetMAK after copy destroy: %v", err)
	}
	defer again.Destroy()
	if !bytes.Equal(again.Bytes(), makCopy) {
		t.Fatal("key material changed between fetches")
	}
}

func TestKeyStoreLockedAccess(t *testing.T) {
	ks := NewKeyStore()

	if _, err := ks.GetMAK(); !IsLocked(err) {
		t.Fatalf("GetMAK while locked: got %v, want LockedError", err)
	}
	if _, err := ks.GetKEK(); !IsLocked(err) {
		t.Fatalf("GetKEK while locked: got %v, want LockedError", err)
	}
	if ks.AadContext() != nil {
		t.Fatal("AadContext while locked should be nil")
	}

	mk, kek, mak := testKeySet(t)
	if err := ks.SetKeys(mk, kek, mak, testAad()); err != nil {
		t.Fatal(err)
	}
	if ctx := ks.AadContext(); ctx == nil || ctx.UserID != "u1" {
		t.Fatalf("AadContext = %+v", ctx)
	}

	ks.Zeroize()
	if _, err := ks.GetKEK(); !IsLocked(err) {
		t.Fatalf("GetKEK after Zeroize: got %v, want LockedError", err)
	}
}

func TestKeyStoreRejectsShortKeys(t *testing.T) {
	ks := NewKeyStore()
	if err := ks.SetKeys([]byte("short"), make([]byte, misc.KeySize), make([]byte, misc.KeySize), testAad()); err == nil {
		t.Fatal("SetKeys accepted a short key")
	}
	if ks.IsUnlocked() {
		t.Fatal("failed SetKeys left store unlocked")
	}
}

func TestKeyStoreSetKeysReplacesAtomically(t *testing.T) {
	ks := NewKeyStore()
	mk1, kek1, mak1 := testKeySet(t)
	if err := ks.SetKeys(mk1, kek1, mak1, testAad()); err != nil {
		t.Fatal(err)
	}

	mk2, kek2, mak2 := testKeySet(t)
	mak2Copy := append([]byte(nil), mak2...)
	aad2 := testAad()
	aad2.UserID = "u2"
	if err := ks.SetKeys(mk2, kek2, mak2, aad2); err != nil {
		t.Fatal(err)
	}

	got, err := ks.GetMAK()
	if err != nil {
		t.Fatal(err)
	}
	defer got.Destroy()
	if !bytes.Equal(got.Bytes(), mak2Copy) {
		t.Fatal("old key material survived a replace")
	}
	if ctx := ks.AadContext(); ctx.UserID != "u2" {
		t.Fatalf("AAD context not replaced: %+v", ctx)
	}
}
