// Package srp implements the client side of SRP-6a, the zero-knowledge
// password-authenticated key exchange Apple's ID service uses for login
// (spec section 4.1 step 1). There is no SRP-6a library anywhere in the
// retrieval pack; the math here is hand-implemented over math/big and
// crypto/sha256 (see DESIGN.md), grounded on the call shape of
// other_examples' icloud-reminders-cli auth.go, whose own "srp" import is
// a local package that can't be retrieved.
package srp

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"

	"golang.org/x/crypto/pbkdf2"
)

// N and g are Apple's 2048-bit group parameters (the RFC 3526 Group 14
// 2048-bit MODP group, generator 2).
var (
	N = mustPrime()
	g = big.NewInt(2)
)

func mustPrime() *big.Int {
	// RFC 3526 Group 14, the 2048-bit MODP group Apple's portal negotiates.
	const hexN = "" +
		"FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD" +
		"129024E088A67CC74020BBEA63B139B22514A08798E3404" +
		"DDEF9519B3CD3A431B302B0A6DF25F14374FE1356D6D51C2" +
		"45E485B576625E7EC6F44C42E9A637ED6B0BFF5CB6F406B7" +
		"EDEE386BFB5A899FA5AE9F24117C4B1FE649286651ECE45B" +
		"3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF" +
		"5F83655D23DCA3AD961C62F356208552BB9ED52907709696" +
		"6D670C354E4ABC9804F1746C08CA18217C32905E462E36CE" +
		"3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52" +
		"C9DE2BCBF6955817183995497CEA956AE515D2261898FA05" +
		"1015728E5A8AACAA68FFFFFFFFFFFFFFFF"
	n, ok := new(big.Int).SetString(hexN, 16)
	if !ok {
		panic("srp: invalid embedded group modulus")
	}
	return n
}

// k is the SRP-6a multiplier, k = H(N | PAD(g)).
func k() *big.Int {
	h := sha256.New()
	h.Write(N.Bytes())
	h.Write(pad(g, len(N.Bytes())))
	return new(big.Int).SetBytes(h.Sum(nil))
}

func pad(v *big.Int, size int) []byte {
	b := v.Bytes()
	if len(b) >= size {
		return b
	}
	out := make([]byte, size)
	copy(out[size-len(b):], b)
	return out
}

// Algorithm selects the password-stretching variant the portal's init
// response specifies (spec section 4.1 step 1).
type Algorithm string

const (
	AlgoS2K   Algorithm = "s2k"
	AlgoS2KFO Algorithm = "s2k_fo"
)

// Client holds one login attempt's ephemeral state.
type Client struct {
	a *big.Int // client private ephemeral
	A *big.Int // client public ephemeral, g^a mod N

	password string
}

// NewClient generates a fresh client ephemeral key pair (A, a).
func NewClient(password string) (*Client, error) {
	a, err := rand.Int(rand.Reader, N)
	if err != nil {
		return nil, fmt.Errorf("srp: generating ephemeral: %w", err)
	}
	if a.Sign() == 0 {
		a = big.NewInt(1)
	}
	A := new(big.Int).Exp(g, a, N)
	return &Client{a: a, A: A, password: password}, nil
}

// PublicKey returns A, the value sent to the server in the init request.
func (c *Client) PublicKey() *big.Int { return c.A }

// stretchPassword derives x's key material: PBKDF2-HMAC-SHA256 over the
// SHA-256 of the password, salted, with the s2k_fo variant hex-encoding
// the SHA-256 digest before stretching (spec section 4.1 step 1).
func stretchPassword(password string, salt []byte, iterations int, algo Algorithm) []byte {
	sum := sha256.Sum256([]byte(password))
	material := sum[:]
	if algo == AlgoS2KFO {
		material = []byte(hex.EncodeToString(sum[:]))
	}
	return pbkdf2.Key(material, salt, iterations, 32, sha256.New)
}

// Challenge is the server's response to the init request.
type Challenge struct {
	Salt       []byte
	ServerB    *big.Int
	Iterations int
	Algorithm  Algorithm
}

// Proof is the result of processing a server Challenge: M1 proves
// knowledge of the password to the server, and M2 (once echoed back by
// the server) proves the server knew it too.
type Proof struct {
	M1 []byte
	M2 []byte
	K  []byte // shared session key, derived from the premaster secret
}

// ProcessChallenge computes the SRP-6a premaster secret and client proof
// M1 from the server's challenge. Mirrors the grounding file's
// ProcessClientChanllenge(username, passKey, salt, B) call.
func (c *Client) ProcessChallenge(identity string, ch Challenge) (*Proof, error) {
	if ch.ServerB.Sign() == 0 || new(big.Int).Mod(ch.ServerB, N).Sign() == 0 {
		return nil, fmt.Errorf("srp: server sent invalid B")
	}

	x := new(big.Int).SetBytes(stretchPassword(c.password, ch.Salt, ch.Iterations, ch.Algorithm))

	u := computeU(c.A, ch.ServerB)
	if u.Sign() == 0 {
		return nil, fmt.Errorf("srp: computed u is zero")
	}

	// S = (B - k*g^x)^(a + u*x) mod N
	kgx := new(big.Int).Exp(g, x, N)
	kgx.Mul(kgx, k())
	kgx.Mod(kgx, N)

	base := new(big.Int).Sub(ch.ServerB, kgx)
	base.Mod(base, N)
	if base.Sign() < 0 {
		base.Add(base, N)
	}

	exp := new(big.Int).Mul(u, x)
	exp.Add(exp, c.a)

	S := new(big.Int).Exp(base, exp, N)

	hK := sha256.Sum256(S.Bytes())
	K := hK[:]

	M1 := computeM1(identity, ch.Salt, c.A, ch.ServerB, K)
	M2 := computeM2(c.A, M1, K)

	return &Proof{M1: M1, M2: M2, K: K}, nil
}

func computeU(A, B *big.Int) *big.Int {
	size := len(N.Bytes())
	h := sha256.New()
	h.Write(pad(A, size))
	h.Write(pad(B, size))
	return new(big.Int).SetBytes(h.Sum(nil))
}

func computeM1(identity string, salt []byte, A, B *big.Int, K []byte) []byte {
	hN := sha256.Sum256(N.Bytes())
	hg := sha256.Sum256(g.Bytes())
	xored := make([]byte, len(hN))
	for i := range xored {
		xored[i] = hN[i] ^ hg[i]
	}
	hI := sha256.Sum256([]byte(identity))

	h := sha256.New()
	h.Write(xored)
	h.Write(hI[:])
	h.Write(salt)
	h.Write(A.Bytes())
	h.Write(B.Bytes())
	h.Write(K)
	return h.Sum(nil)
}

func computeM2(A *big.Int, M1, K []byte) []byte {
	h := sha256.New()
	h.Write(A.Bytes())
	h.Write(M1)
	h.Write(K)
	return h.Sum(nil)
}
