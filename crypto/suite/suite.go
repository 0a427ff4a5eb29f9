// Package suite implements the node's cryptographic contract: hybrid
// KEM, hybrid signatures, AEAD, hash, and session proofs. Every concrete
// primitive is deliberately swappable behind a 1-byte algorithm id so
// peers can negotiate.
//
// Grounded on Katzenpost's own hybrid-composition idiom
// (core/crypto/kem/schemes, core/crypto/sign/dilithium): a classical
// primitive (X25519 / Ed25519) is composed in parallel with a
// post-quantum one (Kyber768 / Dilithium2AES), never as a fallback.
package suite

import (
	"crypto/ecdh"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/cloudflare/circl/kem"
	"github.com/cloudflare/circl/kem/kyber/kyber768"
	"github.com/cloudflare/circl/sign/dilithium"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
)

// ID identifies a registered hybrid algorithm pairing on the wire, so a
// KEM ciphertext or signature can be interpreted without out-of-band
// agreement. Only one pairing ships today; the byte exists so a second
// can be added without breaking the wire format.
type ID byte

const (
	// HybridX25519Kyber768 pairs classical X25519 with post-quantum
	// Kyber768 for key encapsulation.
	HybridX25519Kyber768 ID = 0x01
	// HybridEd25519Dilithium2 pairs classical Ed25519 with post-quantum
	// Dilithium2AES for signatures.
	HybridEd25519Dilithium2 ID = 0x81
)

var (
	// ErrDecapsulate is returned when either component KEM fails to
	// decapsulate.
	ErrDecapsulate = errors.New("suite: decapsulation failed")
	// ErrVerify is returned when a hybrid signature fails to verify under
	// either component.
	ErrVerify = errors.New("suite: signature verification failed")
	// ErrOpen is returned when AEAD authentication fails.
	ErrOpen = errors.New("suite: AEAD authentication failed")
	// ErrAlgorithmID is returned when a wire value carries an
	// unrecognized algorithm id.
	ErrAlgorithmID = errors.New("suite: unknown algorithm id")

	dilithiumMode = dilithium.Mode2AES
	kyberScheme   = kyber768.Scheme()
)

// HashSize is the output length of Hash, fixed at 32 bytes per the data
// model (chain hash H_i, replay tags, DHT ids all use it).
const HashSize = 32

// Hash returns the 32-byte BLAKE2b digest of b, following Katzenpost's
// use of blake2b throughout replica/shard.go and hpqc/hash.
func Hash(b []byte) [HashSize]byte {
	return blake2b.Sum256(b)
}

// KEMPublicKey is a hybrid encapsulation public key.
type KEMPublicKey struct {
	Algorithm ID
	Classical *ecdh.PublicKey
	PQ        kem.PublicKey
}

// KEMPrivateKey is a hybrid encapsulation private key.
type KEMPrivateKey struct {
	Algorithm ID
	Classical *ecdh.PrivateKey
	PQ        kem.PrivateKey
	Public    *KEMPublicKey
}

// MarshalBinary encodes pk as classical-key-bytes ∥ pq-key-bytes, prefixed
// with the algorithm id, following Katzenpost's convention of calling
// MarshalBinary on every key type that crosses the wire
// (replica/incoming_conn.go, replica/pkiworker.go).
func (pk *KEMPublicKey) MarshalBinary() ([]byte, error) {
	pqBytes, err := pk.PQ.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("suite: marshal kem public key: %w", err)
	}
	out := make([]byte, 0, 1+len(pk.Classical.Bytes())+len(pqBytes))
	out = append(out, byte(pk.Algorithm))
	out = append(out, pk.Classical.Bytes()...)
	out = append(out, pqBytes...)
	return out, nil
}

// UnmarshalBinary decodes the form produced by MarshalBinary.
func (pk *KEMPublicKey) UnmarshalBinary(b []byte) error {
	if len(b) < 1+32 {
		return errors.New("suite: truncated kem public key")
	}
	alg := ID(b[0])
	if alg != HybridX25519Kyber768 {
		return ErrAlgorithmID
	}
	classical, err := ecdh.X25519().NewPublicKey(b[1:33])
	if err != nil {
		return fmt.Errorf("suite: x25519 public key: %w", err)
	}
	pqPub, err := kyberScheme.UnmarshalBinaryPublicKey(b[33:])
	if err != nil {
		return fmt.Errorf("suite: kyber768 public key: %w", err)
	}
	pk.Algorithm = alg
	pk.Classical = classical
	pk.PQ = pqPub
	return nil
}

// MarshalBinary encodes sk as classical-key-bytes ∥ pq-key-bytes,
// prefixed with the algorithm id, the private-key counterpart of
// KEMPublicKey.MarshalBinary used when writing a node's long-term
// encapsulation key to its data directory.
func (sk *KEMPrivateKey) MarshalBinary() ([]byte, error) {
	pqBytes, err := sk.PQ.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("suite: marshal kem private key: %w", err)
	}
	out := make([]byte, 0, 1+32+len(pqBytes))
	out = append(out, byte(sk.Algorithm))
	out = append(out, sk.Classical.Bytes()...)
	out = append(out, pqBytes...)
	return out, nil
}

// UnmarshalBinary decodes the form produced by MarshalBinary and
// recomputes the matching public key.
func (sk *KEMPrivateKey) UnmarshalBinary(b []byte) error {
	if len(b) < 1+32 {
		return errors.New("suite: truncated kem private key")
	}
	alg := ID(b[0])
	if alg != HybridX25519Kyber768 {
		return ErrAlgorithmID
	}
	classical, err := ecdh.X25519().NewPrivateKey(b[1:33])
	if err != nil {
		return fmt.Errorf("suite: x25519 private key: %w", err)
	}
	pqPriv, err := kyberScheme.UnmarshalBinaryPrivateKey(b[33:])
	if err != nil {
		return fmt.Errorf("suite: kyber768 private key: %w", err)
	}
	sk.Algorithm = alg
	sk.Classical = classical
	sk.PQ = pqPriv
	sk.Public = &KEMPublicKey{
		Algorithm: alg,
		Classical: classical.PublicKey(),
		PQ:        pqPriv.Public(),
	}
	return nil
}

// MarshalBinary encodes pk in the same layout as KEMPublicKey.MarshalBinary.
func (pk *SignPublicKey) MarshalBinary() ([]byte, error) {
	pqBytes, err := pk.PQ.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("suite: marshal sign public key: %w", err)
	}
	out := make([]byte, 0, 1+ed25519.PublicKeySize+len(pqBytes))
	out = append(out, byte(pk.Algorithm))
	out = append(out, pk.Classical...)
	out = append(out, pqBytes...)
	return out, nil
}

// UnmarshalBinary decodes the form produced by MarshalBinary.
func (pk *SignPublicKey) UnmarshalBinary(b []byte) error {
	if len(b) < 1+ed25519.PublicKeySize {
		return errors.New("suite: truncated sign public key")
	}
	alg := ID(b[0])
	if alg != HybridEd25519Dilithium2 {
		return ErrAlgorithmID
	}
	pqPub := dilithiumMode.PublicKeyFromBytes(b[1+ed25519.PublicKeySize:])
	pk.Algorithm = alg
	pk.Classical = append(ed25519.PublicKey{}, b[1:1+ed25519.PublicKeySize]...)
	pk.PQ = pqPub
	return nil
}

// MarshalBinary encodes sk in the same layout as SignPublicKey.MarshalBinary,
// the private-key counterpart used when writing a node's long-term
// identity key to its data directory.
func (sk *SignPrivateKey) MarshalBinary() ([]byte, error) {
	pqBytes, err := sk.PQ.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("suite: marshal sign private key: %w", err)
	}
	out := make([]byte, 0, 1+ed25519.PrivateKeySize+len(pqBytes))
	out = append(out, byte(sk.Algorithm))
	out = append(out, sk.Classical...)
	out = append(out, pqBytes...)
	return out, nil
}

// UnmarshalBinary decodes the form produced by MarshalBinary and
// recomputes the matching public key.
func (sk *SignPrivateKey) UnmarshalBinary(b []byte) error {
	if len(b) < 1+ed25519.PrivateKeySize {
		return errors.New("suite: truncated sign private key")
	}
	alg := ID(b[0])
	if alg != HybridEd25519Dilithium2 {
		return ErrAlgorithmID
	}
	pqPriv := dilithiumMode.PrivateKeyFromBytes(b[1+ed25519.PrivateKeySize:])
	sk.Algorithm = alg
	sk.Classical = append(ed25519.PrivateKey{}, b[1:1+ed25519.PrivateKeySize]...)
	sk.PQ = pqPriv
	sk.Public = &SignPublicKey{
		Algorithm: alg,
		Classical: sk.Classical.Public().(ed25519.PublicKey),
		PQ:        pqPriv.Public(),
	}
	return nil
}

// String renders the identity as a short hex fingerprint, used in logs.
func (pk *SignPublicKey) String() string {
	b, err := pk.MarshalBinary()
	if err != nil {
		return "<invalid>"
	}
	h := Hash(b)
	return fmt.Sprintf("%x", h[:8])
}

// MarshalJSON renders pk as base64(MarshalBinary()), the registry
// client's wire form for a record's identity/encapsulation keys — JSON
// has no native encoding for the unexported curve/lattice state inside
// ecdh.PublicKey or a circl kem.PublicKey, so this always goes through
// the canonical binary form rather than struct reflection.
func (pk *KEMPublicKey) MarshalJSON() ([]byte, error) {
	b, err := pk.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return json.Marshal(base64.StdEncoding.EncodeToString(b))
}

// UnmarshalJSON decodes the form produced by MarshalJSON.
func (pk *KEMPublicKey) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("suite: kem public key base64: %w", err)
	}
	return pk.UnmarshalBinary(b)
}

// MarshalJSON renders pk as base64(MarshalBinary()); see KEMPublicKey's
// MarshalJSON for why this bypasses struct reflection.
func (pk *SignPublicKey) MarshalJSON() ([]byte, error) {
	b, err := pk.MarshalBinary()
	if err != nil {
		return nil, err
	}
	return json.Marshal(base64.StdEncoding.EncodeToString(b))
}

// UnmarshalJSON decodes the form produced by MarshalJSON.
func (pk *SignPublicKey) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return fmt.Errorf("suite: sign public key base64: %w", err)
	}
	return pk.UnmarshalBinary(b)
}

// Equal reports whether two public keys are the same identity.
func (pk *SignPublicKey) Equal(other *SignPublicKey) bool {
	if pk == nil || other == nil {
		return pk == other
	}
	a, err1 := pk.MarshalBinary()
	b, err2 := other.MarshalBinary()
	if err1 != nil || err2 != nil {
		return false
	}
	return ConstantTimeEqual(a, b)
}

// KEMKeygen generates a fresh hybrid encapsulation keypair.
func KEMKeygen() (*KEMPrivateKey, *KEMPublicKey, error) {
	classicalSK, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("suite: x25519 keygen: %w", err)
	}
	pqPK, pqSK, err := kyberScheme.GenerateKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("suite: kyber768 keygen: %w", err)
	}
	pub := &KEMPublicKey{
		Algorithm: HybridX25519Kyber768,
		Classical: classicalSK.PublicKey(),
		PQ:        pqPK,
	}
	priv := &KEMPrivateKey{
		Algorithm: HybridX25519Kyber768,
		Classical: classicalSK,
		PQ:        pqSK,
		Public:    pub,
	}
	return priv, pub, nil
}

// KEMCiphertext is the wire form of a hybrid encapsulation: the classical
// ephemeral public key alongside the post-quantum ciphertext, tagged with
// the algorithm id.
type KEMCiphertext struct {
	Algorithm ID
	Classical []byte // X25519 ephemeral public key, 32 bytes
	PQ        []byte // Kyber768 ciphertext
}

// KEMEncaps encapsulates to pk, returning a ciphertext to send and the
// derived shared secret: hash(shared_classical ∥ shared_pq), hedging
// against a break in either component alone.
func KEMEncaps(pk *KEMPublicKey) (*KEMCiphertext, []byte, error) {
	ephSK, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("suite: ephemeral x25519 keygen: %w", err)
	}
	classicalShared, err := ephSK.ECDH(pk.Classical)
	if err != nil {
		return nil, nil, fmt.Errorf("suite: x25519 ecdh: %w", err)
	}
	pqCT, pqShared, err := kyberScheme.Encapsulate(pk.PQ)
	if err != nil {
		return nil, nil, fmt.Errorf("suite: kyber768 encapsulate: %w", err)
	}
	shared := combineShared(classicalShared, pqShared)
	ct := &KEMCiphertext{
		Algorithm: pk.Algorithm,
		Classical: ephSK.PublicKey().Bytes(),
		PQ:        pqCT,
	}
	return ct, shared, nil
}

// KEMDecaps decapsulates ct with sk, returning the shared secret.
func KEMDecaps(sk *KEMPrivateKey, ct *KEMCiphertext) ([]byte, error) {
	if ct.Algorithm != sk.Algorithm {
		return nil, ErrAlgorithmID
	}
	ephPub, err := ecdh.X25519().NewPublicKey(ct.Classical)
	if err != nil {
		return nil, fmt.Errorf("%w: x25519 public key: %v", ErrDecapsulate, err)
	}
	classicalShared, err := sk.Classical.ECDH(ephPub)
	if err != nil {
		return nil, fmt.Errorf("%w: x25519 ecdh: %v", ErrDecapsulate, err)
	}
	pqShared, err := kyberScheme.Decapsulate(sk.PQ, ct.PQ)
	if err != nil {
		return nil, fmt.Errorf("%w: kyber768: %v", ErrDecapsulate, err)
	}
	return combineShared(classicalShared, pqShared), nil
}

func combineShared(classical, pq []byte) []byte {
	h, _ := blake2b.New256(nil)
	h.Write(classical)
	h.Write(pq)
	return h.Sum(nil)
}

// SignPublicKey is a hybrid signature verification key. It also serves
// as a node's long-term identity.
type SignPublicKey struct {
	Algorithm ID
	Classical ed25519.PublicKey
	PQ        dilithium.PublicKey
}

// SignPrivateKey is a hybrid signing key.
type SignPrivateKey struct {
	Algorithm ID
	Classical ed25519.PrivateKey
	PQ        dilithium.PrivateKey
	Public    *SignPublicKey
}

// SignKeygen generates a fresh hybrid signing keypair.
func SignKeygen() (*SignPrivateKey, *SignPublicKey, error) {
	classicalPub, classicalPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("suite: ed25519 keygen: %w", err)
	}
	pqPub, pqPriv, err := dilithiumMode.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("suite: dilithium keygen: %w", err)
	}
	pub := &SignPublicKey{
		Algorithm: HybridEd25519Dilithium2,
		Classical: classicalPub,
		PQ:        pqPub,
	}
	priv := &SignPrivateKey{
		Algorithm: HybridEd25519Dilithium2,
		Classical: classicalPriv,
		PQ:        pqPriv,
		Public:    pub,
	}
	return priv, pub, nil
}

// Signature is a hybrid signature: both components must verify.
type Signature struct {
	Algorithm ID
	Classical []byte
	PQ        []byte
}

// Sign signs msg with sk, producing both components.
func Sign(sk *SignPrivateKey, msg []byte) *Signature {
	return &Signature{
		Algorithm: sk.Algorithm,
		Classical: ed25519.Sign(sk.Classical, msg),
		PQ:        dilithiumMode.Sign(sk.PQ, msg),
	}
}

// Verify checks sig against msg under pk. Both the classical and the
// post-quantum component must verify.
func Verify(pk *SignPublicKey, msg []byte, sig *Signature) bool {
	if sig.Algorithm != pk.Algorithm {
		return false
	}
	if !ed25519.Verify(pk.Classical, msg, sig.Classical) {
		return false
	}
	return dilithiumMode.Verify(pk.PQ, msg, sig.PQ)
}

// proofPrefix is prepended to the challenge nonce before signing, so a
// proof can never be confused with a signature over unrelated protocol
// data.
var proofPrefix = []byte("proof")

// Proof demonstrates possession of sk over a server-issued nonce without
// revealing the secret key, binding the caller's identity to that nonce
// for the lifetime of the session that issued it.
type Proof struct {
	PublicKey *SignPublicKey
	Signature *Signature
}

// MakeProof signs "proof" ∥ nonce with sk.
func MakeProof(sk *SignPrivateKey, nonce []byte) *Proof {
	msg := append(append([]byte{}, proofPrefix...), nonce...)
	return &Proof{
		PublicKey: sk.Public,
		Signature: Sign(sk, msg),
	}
}

// VerifyProof checks that p was produced for nonce.
func VerifyProof(p *Proof, nonce []byte) bool {
	msg := append(append([]byte{}, proofPrefix...), nonce...)
	return Verify(p.PublicKey, msg, p.Signature)
}

// AEADKeySize and AEADNonceSize are the ChaCha20-Poly1305 parameters used
// throughout the onion layer and RPC framing.
const (
	AEADKeySize   = chacha20poly1305.KeySize
	AEADNonceSize = chacha20poly1305.NonceSize
)

// AEADEncrypt seals pt under key/nonce, authenticating aad.
func AEADEncrypt(key, nonce, aad, pt []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("suite: aead init: %w", err)
	}
	return aead.Seal(nil, nonce, pt, aad), nil
}

// AEADDecrypt opens ct, returning ErrOpen on authentication failure.
func AEADDecrypt(key, nonce, aad, ct []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("suite: aead init: %w", err)
	}
	pt, err := aead.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, ErrOpen
	}
	return pt, nil
}

// ConstantTimeEqual reports whether a and b are equal without leaking
// timing information, used to compare MACs and payload tags.
func ConstantTimeEqual(a, b []byte) bool {
	return len(a) == len(b) && subtle.ConstantTimeCompare(a, b) == 1
}

// RandomBytes fills a freshly allocated slice of size n from a
// cryptographically secure source, used for common_nonce in the
// consistency vote and for padding.
func RandomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		panic(err) // entropy source failure is not recoverable
	}
	return b
}
