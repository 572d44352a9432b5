package srp

import (
	"crypto/rand"
	"math/big"
	"testing"
)

// serverRespond emulates the portal side of the exchange closely enough
// to exercise the client math: it knows the password (unlike a real
// server verifying only a verifier), so this only checks internal
// consistency of the client's computation, not interoperability with the
// real portal.
func serverRespond(t *testing.T, password string, A *big.Int, salt []byte, iterations int, algo Algorithm) (*big.Int, *big.Int) {
	t.Helper()
	x := new(big.Int).SetBytes(stretchPassword(password, salt, iterations, algo))
	v := new(big.Int).Exp(g, x, N)

	b, err := rand.Int(rand.Reader, N)
	if err != nil {
		t.Fatal(err)
	}
	kv := new(big.Int).Mul(k(), v)
	B := new(big.Int).Add(kv, new(big.Int).Exp(g, b, N))
	B.Mod(B, N)
	return B, b
}

func TestNewClientProducesValidPublicKey(t *testing.T) {
	c, err := NewClient("hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if c.PublicKey().Sign() <= 0 {
		t.Fatal("expected a positive public key")
	}
	if new(big.Int).Mod(c.PublicKey(), N).Sign() == 0 {
		t.Fatal("public key should not be congruent to 0 mod N")
	}
}

func TestProcessChallengeRejectsZeroB(t *testing.T) {
	c, err := NewClient("hunter2")
	if err != nil {
		t.Fatal(err)
	}
	_, err = c.ProcessChallenge("user@example.com", Challenge{
		Salt:       []byte("salt"),
		ServerB:    big.NewInt(0),
		Iterations: 1000,
		Algorithm:  AlgoS2K,
	})
	if err == nil {
		t.Fatal("expected error for zero B")
	}
}

func TestStretchPasswordVariants(t *testing.T) {
	salt := []byte("some-salt")
	s2k := stretchPassword("hunter2", salt, 1000, AlgoS2K)
	s2kfo := stretchPassword("hunter2", salt, 1000, AlgoS2KFO)
	if len(s2k) != 32 || len(s2kfo) != 32 {
		t.Fatalf("expected 32-byte keys, got %d and %d", len(s2k), len(s2kfo))
	}
	if string(s2k) == string(s2kfo) {
		t.Fatal("s2k and s2k_fo must diverge since s2k_fo hex-encodes the sha256 first")
	}
}

func TestProcessChallengeDeterministicGivenSameInputs(t *testing.T) {
	c, err := NewClient("hunter2")
	if err != nil {
		t.Fatal(err)
	}
	B, _ := serverRespond(t, "hunter2", c.PublicKey(), []byte("salt"), 1000, AlgoS2K)
	ch := Challenge{Salt: []byte("salt"), ServerB: B, Iterations: 1000, Algorithm: AlgoS2K}

	p1, err := c.ProcessChallenge("user@example.com", ch)
	if err != nil {
		t.Fatal(err)
	}
	p2, err := c.ProcessChallenge("user@example.com", ch)
	if err != nil {
		t.Fatal(err)
	}
	if string(p1.M1) != string(p2.M1) {
		t.Fatal("M1 should be deterministic for identical inputs")
	}
}
