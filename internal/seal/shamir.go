package seal

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

var (
	ErrThresholdBounds = errors.New("seal: threshold out of bounds")
	ErrTooFewShares    = errors.New("seal: not enough shares to combine")
	ErrDuplicateShare  = errors.New("seal: duplicate share index")
)

// Share is one point of the secret-sharing polynomial. Index is the
// x-coordinate (never zero; zero holds the secret itself).
type Share struct {
	Index byte   `json:"index"`
	Value []byte `json:"value"`
}

// Split divides secret into n shares of which any threshold suffice to
// reconstruct it. Each byte of the secret is shared independently over
// GF(256) with the byte at x=0 being the secret byte.
func Split(secret []byte, n, threshold int) ([]Share, error) {
	if threshold < 1 || threshold > n || n > 255 {
		return nil, fmt.Errorf("%w: %d of %d", ErrThresholdBounds, threshold, n)
	}
	if len(secret) == 0 {
		return nil, errors.New("seal: empty secret")
	}

	shares := make([]Share, n)
	for i := range shares {
		shares[i] = Share{Index: byte(i + 1), Value: make([]byte, len(secret))}
	}

	coeffs := make([]byte, threshold)
	for pos, b := range secret {
		coeffs[0] = b
		if _, err := io.ReadFull(rand.Reader, coeffs[1:]); err != nil {
			return nil, fmt.Errorf("seal: entropy: %w", err)
		}
		for i := range shares {
			shares[i].Value[pos] = evalPoly(coeffs, shares[i].Index)
		}
	}
	return shares, nil
}

// Combine reconstructs the secret from the given shares. Shares are
// fungible: any set of at least the original threshold, in any order,
// yields the secret. Fewer shares yield garbage by construction, which
// the authenticated envelope then rejects.
func Combine(shares []Share) ([]byte, error) {
	if len(shares) < 1 {
		return nil, ErrTooFewShares
	}
	size := len(shares[0].Value)
	seen := make(map[byte]bool, len(shares))
	for _, s := range shares {
		if s.Index == 0 || len(s.Value) != size {
			return nil, errors.New("seal: malformed share")
		}
		if seen[s.Index] {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateShare, s.Index)
		}
		seen[s.Index] = true
	}

	secret := make([]byte, size)
	for pos := range secret {
		var acc byte
		for i, si := range shares {
			// Lagrange basis at x=0.
			num, den := byte(1), byte(1)
			for j, sj := range shares {
				if i == j {
					continue
				}
				num = gfMul(num, sj.Index)
				den = gfMul(den, sj.Index^si.Index)
			}
			acc ^= gfMul(si.Value[pos], gfMul(num, gfInv(den)))
		}
		secret[pos] = acc
	}
	return secret, nil
}

// evalPoly evaluates the polynomial with the given coefficients
// (constant term first) at x, using Horner's rule.
func evalPoly(coeffs []byte, x byte) byte {
	var out byte
	for i := len(coeffs) - 1; i >= 0; i-- {
		out = gfMul(out, x) ^ coeffs[i]
	}
	return out
}

// gfMul multiplies in GF(2^8) with the AES reduction polynomial 0x11b.
func gfMul(a, b byte) byte {
	var p byte
	for b > 0 {
		if b&1 == 1 {
			p ^= a
		}
		carry := a & 0x80
		a <<= 1
		if carry != 0 {
			a ^= 0x1b
		}
		b >>= 1
	}
	return p
}

// gfInv returns the multiplicative inverse via a^254.
func gfInv(a byte) byte {
	if a == 0 {
		return 0
	}
	out := byte(1)
	base := a
	for e := 254; e > 0; e >>= 1 {
		if e&1 == 1 {
			out = gfMul(out, base)
		}
		base = gfMul(base, base)
	}
	return out
}
