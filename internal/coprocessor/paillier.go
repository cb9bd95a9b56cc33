package coprocessor

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

var (
	one = big.NewInt(1)

	// ErrInvalidCiphertext is returned for ciphertexts outside Z*_{n²}.
	ErrInvalidCiphertext = errors.New("invalid ciphertext")
)

// paillierKey is a Paillier key pair with generator g = n+1.
type paillierKey struct {
	n      *big.Int // n is the public modulus p*q
	n2     *big.Int // n2 is n squared
	lambda *big.Int // lambda is lcm(p-1, q-1)
	mu     *big.Int // mu is lambda^-1 mod n
}

// generatePaillierKey creates a key with a modulus of roughly bits bits.
func generatePaillierKey(bits int) (*paillierKey, error) {
	if bits < 64 {
		return nil, fmt.Errorf("paillier modulus too small: %d bits", bits)
	}

	for {
		p, err := rand.Prime(rand.Reader, bits/2)
		if err != nil {
			return nil, fmt.Errorf("generate p:\n%w", err)
		}

		q, err := rand.Prime(rand.Reader, bits-bits/2)
		if err != nil {
			return nil, fmt.Errorf("generate q:\n%w", err)
		}

		if p.Cmp(q) == 0 {
			continue
		}

		n := new(big.Int).Mul(p, q)
		pm1 := new(big.Int).Sub(p, one)
		qm1 := new(big.Int).Sub(q, one)
		phi := new(big.Int).Mul(pm1, qm1)

		if new(big.Int).GCD(nil, nil, n, phi).Cmp(one) != 0 {
			continue
		}

		gcd := new(big.Int).GCD(nil, nil, pm1, qm1)
		lambda := new(big.Int).Div(phi, gcd)

		mu := new(big.Int).ModInverse(lambda, n)
		if mu == nil {
			continue
		}

		return &paillierKey{
			n:      n,
			n2:     new(big.Int).Mul(n, n),
			lambda: lambda,
			mu:     mu,
		}, nil
	}
}

// encrypt computes (1 + m*n) * r^n mod n² for a random unit r.
func (k *paillierKey) encrypt(m *big.Int) (*big.Int, error) {
	r, err := k.randomUnit()
	if err != nil {
		return nil, err
	}

	gm := new(big.Int).Mul(m, k.n)
	gm.Add(gm, one)
	gm.Mod(gm, k.n2)

	rn := new(big.Int).Exp(r, k.n, k.n2)

	return mulMod(gm, rn, k.n2), nil
}

// add returns the ciphertext of the plaintext sum of a and b.
func (k *paillierKey) add(a, b *big.Int) *big.Int {
	return mulMod(a, b, k.n2)
}

// decrypt computes L(c^lambda mod n²) * mu mod n with L(x) = (x-1)/n.
func (k *paillierKey) decrypt(c *big.Int) *big.Int {
	x := new(big.Int).Exp(c, k.lambda, k.n2)
	x.Sub(x, one)
	x.Div(x, k.n)
	x.Mul(x, k.mu)

	return x.Mod(x, k.n)
}

// check rejects ciphertexts that are out of range or not invertible mod n².
func (k *paillierKey) check(c *big.Int) error {
	if c.Cmp(one) <= 0 || c.Cmp(k.n2) >= 0 {
		return fmt.Errorf("%w: out of range", ErrInvalidCiphertext)
	}

	if new(big.Int).GCD(nil, nil, c, k.n2).Cmp(one) != 0 {
		return fmt.Errorf("%w: not invertible mod n²", ErrInvalidCiphertext)
	}

	return nil
}

// randomUnit draws r uniformly from [1, n) with gcd(r, n) = 1.
func (k *paillierKey) randomUnit() (*big.Int, error) {
	for {
		r, err := rand.Int(rand.Reader, k.n)
		if err != nil {
			return nil, fmt.Errorf("draw randomness:\n%w", err)
		}

		if r.Sign() == 0 {
			continue
		}

		if new(big.Int).GCD(nil, nil, r, k.n).Cmp(one) == 0 {
			return r, nil
		}
	}
}

// mulMod returns (x*y) mod m.
func mulMod(x, y, m *big.Int) *big.Int {
	z := new(big.Int).Mul(x, y)
	return z.Mod(z, m)
}
