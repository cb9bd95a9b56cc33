package coprocessor

import (
	"errors"
	"math/big"
	"testing"
)

// newTestKey generates a small key for fast tests.
func newTestKey(t *testing.T) *paillierKey {
	t.Helper()

	k, err := generatePaillierKey(256)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	return k
}

// TestPaillierHomomorphicAdd tests that ciphertext products decrypt to plaintext sums.
func TestPaillierHomomorphicAdd(t *testing.T) {
	k := newTestKey(t)

	a, err := k.encrypt(big.NewInt(100))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	b, err := k.encrypt(big.NewInt(50))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if got := k.decrypt(k.add(a, b)); got.Int64() != 150 {
		t.Errorf("decrypt(a+b): got %s, want 150", got)
	}
}

// TestPaillierRandomized tests that equal plaintexts give distinct ciphertexts.
func TestPaillierRandomized(t *testing.T) {
	k := newTestKey(t)

	a, _ := k.encrypt(big.NewInt(7))
	b, _ := k.encrypt(big.NewInt(7))

	if a.Cmp(b) == 0 {
		t.Error("encryption should be randomized")
	}

	if k.decrypt(a).Cmp(k.decrypt(b)) != 0 {
		t.Error("both should decrypt to 7")
	}
}

// TestPaillierCheck tests ciphertext range and invertibility checks.
func TestPaillierCheck(t *testing.T) {
	k := newTestKey(t)

	c, _ := k.encrypt(big.NewInt(1))
	if err := k.check(c); err != nil {
		t.Errorf("valid ciphertext rejected: %v", err)
	}

	for name, bad := range map[string]*big.Int{
		"one":           big.NewInt(1),
		"n squared":     new(big.Int).Set(k.n2),
		"multiple of n": new(big.Int).Set(k.n),
	} {
		if err := k.check(bad); !errors.Is(err, ErrInvalidCiphertext) {
			t.Errorf("%s: got %v, want ErrInvalidCiphertext", name, err)
		}
	}
}
