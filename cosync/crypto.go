package cosync

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

// the crypto provider is a pure function surface
// all key material is carried as prefixed hex strings so that it can be embedded in json changes

const (
	signerIdPrefix     = "signer_"
	signerSecretPrefix = "signerSecret_"
	sealerIdPrefix     = "sealer_"
	sealerSecretPrefix = "sealerSecret_"
	keySecretPrefix    = "keySecret_"
	keyIdPrefix        = "key_"
	sealedPrefix       = "sealed_"
	encryptedPrefix    = "encrypted_"
)

const shortHashSize = 20

type ContentHash [32]byte

func Hash(b []byte) ContentHash {
	return ContentHash(blake2b.Sum256(b))
}

// hash of the json encoding. Go json encoding is deterministic for structs and sorts map keys
func HashJson(v any) (ContentHash, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return ContentHash{}, err
	}
	return Hash(b), nil
}

func (self ContentHash) String() string {
	return hex.EncodeToString(self[:])
}

type ShortHash [shortHashSize]byte

func ShortHashBytes(b []byte) ShortHash {
	h, err := blake2b.New(shortHashSize, nil)
	if err != nil {
		// the size is a constant in range
		panic(err)
	}
	h.Write(b)
	var shortHash ShortHash
	copy(shortHash[:], h.Sum(nil))
	return shortHash
}

func (self ShortHash) String() string {
	return hex.EncodeToString(self[:])
}

type Signature []byte

type SignerId string
type SignerSecret string
type SealerId string
type SealerSecret string

// `sealer_<hex>/signer_<hex>`
type AgentId string

// `sealerSecret_<hex>/signerSecret_<hex>`
type AgentSecret string

type KeySecret string
type KeyId string

func parsePrefixedHex(value string, prefix string, size int) ([]byte, error) {
	if !strings.HasPrefix(value, prefix) {
		return nil, newCryptoError(CryptoErrorMalformedKey, "missing prefix %s", prefix)
	}
	b, err := hex.DecodeString(value[len(prefix):])
	if err != nil {
		return nil, newCryptoError(CryptoErrorMalformedKey, "bad hex: %s", err)
	}
	if len(b) != size {
		return nil, newCryptoError(CryptoErrorMalformedKey, "expected %d bytes, got %d", size, len(b))
	}
	return b, nil
}

func (self SignerSecret) privateKey() (ed25519.PrivateKey, error) {
	seed, err := parsePrefixedHex(string(self), signerSecretPrefix, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func (self SignerSecret) SignerId() (SignerId, error) {
	privateKey, err := self.privateKey()
	if err != nil {
		return "", err
	}
	publicKey := privateKey.Public().(ed25519.PublicKey)
	return SignerId(signerIdPrefix + hex.EncodeToString(publicKey)), nil
}

func (self SignerId) PublicKey() (ed25519.PublicKey, error) {
	b, err := parsePrefixedHex(string(self), signerIdPrefix, ed25519.PublicKeySize)
	if err != nil {
		return nil, err
	}
	return ed25519.PublicKey(b), nil
}

func (self SealerSecret) key() (*[32]byte, error) {
	b, err := parsePrefixedHex(string(self), sealerSecretPrefix, 32)
	if err != nil {
		return nil, err
	}
	var k [32]byte
	copy(k[:], b)
	return &k, nil
}

func (self SealerSecret) SealerId() (SealerId, error) {
	k, err := self.key()
	if err != nil {
		return "", err
	}
	publicKey, err := curve25519.X25519(k[:], curve25519.Basepoint)
	if err != nil {
		return "", newCryptoError(CryptoErrorMalformedKey, "%s", err)
	}
	return SealerId(sealerIdPrefix + hex.EncodeToString(publicKey)), nil
}

func (self SealerId) key() (*[32]byte, error) {
	b, err := parsePrefixedHex(string(self), sealerIdPrefix, 32)
	if err != nil {
		return nil, err
	}
	var k [32]byte
	copy(k[:], b)
	return &k, nil
}

func NewAgentSecret() AgentSecret {
	var signerSeed [ed25519.SeedSize]byte
	if _, err := io.ReadFull(rand.Reader, signerSeed[:]); err != nil {
		panic(err)
	}
	var sealerKey [32]byte
	if _, err := io.ReadFull(rand.Reader, sealerKey[:]); err != nil {
		panic(err)
	}
	return AgentSecret(fmt.Sprintf(
		"%s%s/%s%s",
		sealerSecretPrefix,
		hex.EncodeToString(sealerKey[:]),
		signerSecretPrefix,
		hex.EncodeToString(signerSeed[:]),
	))
}

func (self AgentSecret) split() (SealerSecret, SignerSecret, error) {
	sealer, signer, ok := strings.Cut(string(self), "/")
	if !ok {
		return "", "", newCryptoError(CryptoErrorMalformedKey, "agent secret must be <sealer>/<signer>")
	}
	return SealerSecret(sealer), SignerSecret(signer), nil
}

func (self AgentSecret) SealerSecret() SealerSecret {
	sealer, _, _ := self.split()
	return sealer
}

func (self AgentSecret) SignerSecret() SignerSecret {
	_, signer, _ := self.split()
	return signer
}

func (self AgentSecret) AgentId() (AgentId, error) {
	sealer, signer, err := self.split()
	if err != nil {
		return "", err
	}
	sealerId, err := sealer.SealerId()
	if err != nil {
		return "", err
	}
	signerId, err := signer.SignerId()
	if err != nil {
		return "", err
	}
	return AgentId(fmt.Sprintf("%s/%s", sealerId, signerId)), nil
}

func (self AgentId) split() (SealerId, SignerId, error) {
	sealer, signer, ok := strings.Cut(string(self), "/")
	if !ok || !strings.HasPrefix(sealer, sealerIdPrefix) || !strings.HasPrefix(signer, signerIdPrefix) {
		return "", "", newCryptoError(CryptoErrorMalformedKey, "agent id must be <sealer>/<signer>: %s", self)
	}
	return SealerId(sealer), SignerId(signer), nil
}

func (self AgentId) SealerId() (SealerId, error) {
	sealer, _, err := self.split()
	return sealer, err
}

func (self AgentId) SignerId() (SignerId, error) {
	_, signer, err := self.split()
	return signer, err
}

func IsAgentId(value string) bool {
	_, _, err := AgentId(value).split()
	return err == nil
}

func Sign(secret SignerSecret, message []byte) (Signature, error) {
	privateKey, err := secret.privateKey()
	if err != nil {
		return nil, err
	}
	return Signature(ed25519.Sign(privateKey, message)), nil
}

func VerifySignature(signerId SignerId, message []byte, signature Signature) error {
	publicKey, err := signerId.PublicKey()
	if err != nil {
		return err
	}
	if len(signature) != ed25519.SignatureSize {
		return newCryptoError(CryptoErrorSignatureMismatch, "bad signature size %d", len(signature))
	}
	if !ed25519.Verify(publicKey, message, signature) {
		return newCryptoError(CryptoErrorSignatureMismatch, "signature does not verify for %s", signerId)
	}
	return nil
}

func Verify(signerId SignerId, message []byte, signature Signature) bool {
	return VerifySignature(signerId, message, signature) == nil
}

// authenticated public key encryption from `secret` to `recipient`
// the random nonce is prepended to the box
func Seal(secret SealerSecret, recipient SealerId, plaintext []byte) ([]byte, error) {
	privateKey, err := secret.key()
	if err != nil {
		return nil, err
	}
	publicKey, err := recipient.key()
	if err != nil {
		return nil, err
	}
	var nonce [24]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, err
	}
	return box.Seal(nonce[:], plaintext, &nonce, publicKey, privateKey), nil
}

func Unseal(secret SealerSecret, sender SealerId, sealed []byte) ([]byte, error) {
	privateKey, err := secret.key()
	if err != nil {
		return nil, err
	}
	publicKey, err := sender.key()
	if err != nil {
		return nil, err
	}
	if len(sealed) < 24+box.Overhead {
		return nil, newCryptoError(CryptoErrorCiphertextTampered, "sealed message too short")
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	plaintext, ok := box.Open(nil, sealed[24:], &nonce, publicKey, privateKey)
	if !ok {
		return nil, newCryptoError(CryptoErrorCiphertextTampered, "could not open sealed message")
	}
	return plaintext, nil
}

func NewKeySecret() KeySecret {
	var k [32]byte
	if _, err := io.ReadFull(rand.Reader, k[:]); err != nil {
		panic(err)
	}
	return KeySecret(keySecretPrefix + hex.EncodeToString(k[:]))
}

// derives a fresh symmetric key from seed material bound to a context,
// e.g. the session that rotates a group key
func DeriveKeySecret(seed []byte, context string) KeySecret {
	r := hkdf.New(sha256.New, seed, nil, []byte(context))
	var k [32]byte
	if _, err := io.ReadFull(r, k[:]); err != nil {
		panic(err)
	}
	return KeySecret(keySecretPrefix + hex.EncodeToString(k[:]))
}

func (self KeySecret) key() (*[32]byte, error) {
	b, err := parsePrefixedHex(string(self), keySecretPrefix, 32)
	if err != nil {
		return nil, err
	}
	var k [32]byte
	copy(k[:], b)
	return &k, nil
}

// key ids are derived from the secret so that the same secret always has the same id
func (self KeySecret) KeyId() KeyId {
	h := ShortHashBytes([]byte(self))
	return KeyId(keyIdPrefix + h.String())
}

func nonceFor(nonceMaterial []byte) *[24]byte {
	h := Hash(nonceMaterial)
	var nonce [24]byte
	copy(nonce[:], h[:24])
	return &nonce
}

// symmetric encryption with a nonce derived from `nonceMaterial`
// the nonce material must be unique per plaintext for a given key
func Encrypt(key KeySecret, plaintext []byte, nonceMaterial []byte) ([]byte, error) {
	k, err := key.key()
	if err != nil {
		return nil, err
	}
	return secretbox.Seal(nil, plaintext, nonceFor(nonceMaterial), k), nil
}

func Decrypt(key KeySecret, ciphertext []byte, nonceMaterial []byte) ([]byte, error) {
	k, err := key.key()
	if err != nil {
		return nil, err
	}
	plaintext, ok := secretbox.Open(nil, ciphertext, nonceFor(nonceMaterial), k)
	if !ok {
		return nil, newCryptoError(CryptoErrorCiphertextTampered, "could not decrypt")
	}
	return plaintext, nil
}

// string forms embedded in group changes

func encodeSealed(sealed []byte) string {
	return sealedPrefix + hex.EncodeToString(sealed)
}

func decodeSealed(value string) ([]byte, error) {
	if !strings.HasPrefix(value, sealedPrefix) {
		return nil, newCryptoError(CryptoErrorCiphertextTampered, "missing prefix %s", sealedPrefix)
	}
	b, err := hex.DecodeString(value[len(sealedPrefix):])
	if err != nil {
		return nil, newCryptoError(CryptoErrorCiphertextTampered, "bad hex: %s", err)
	}
	return b, nil
}

func encodeEncrypted(encrypted []byte) string {
	return encryptedPrefix + hex.EncodeToString(encrypted)
}

func decodeEncrypted(value string) ([]byte, error) {
	if !strings.HasPrefix(value, encryptedPrefix) {
		return nil, newCryptoError(CryptoErrorCiphertextTampered, "missing prefix %s", encryptedPrefix)
	}
	b, err := hex.DecodeString(value[len(encryptedPrefix):])
	if err != nil {
		return nil, newCryptoError(CryptoErrorCiphertextTampered, "bad hex: %s", err)
	}
	return b, nil
}
