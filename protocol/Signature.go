/*
File Name:  Signature.go

DSA-with-SHA1 signing and verification, with public keys carried as X.509
SubjectPublicKeyInfo structures and private keys in a small ASN.1 layout of
their own (see MarshalDSAPrivateKey). crypto/x509's
Marshal/ParsePKIXPublicKey do not handle DSA keys (its algorithm switch
covers RSA, ECDSA and Ed25519 only), so the ASN.1 structures are built
directly with encoding/asn1 -- the wire format itself (DSA-SHA1) is mandated
by the original overlay for interoperability, not a free choice, and no
third-party DSA package appears anywhere in the example corpus.
*/

package protocol

import (
	"crypto/dsa"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"io"
	"math/big"
)

// Signer produces a 40-byte raw signature (two 160-bit halves) over data.
type Signer interface {
	Sign(data []byte) ([]byte, error)
}

// Verifier checks a 40-byte raw signature against a SubjectPublicKeyInfo-
// encoded DSA public key.
type Verifier interface {
	Verify(publicKeyDER []byte, data []byte, sig []byte) bool
}

// DSAKeyPair is the reference Signer backed by a DSA private key.
type DSAKeyPair struct {
	Private *dsa.PrivateKey
}

// Sign hashes data with SHA-1 and produces a raw r||s signature, each half
// padded to sigHalfSize bytes, per the wire format's two 160-bit fields.
func (k *DSAKeyPair) Sign(data []byte) ([]byte, error) {
	if k == nil || k.Private == nil {
		return nil, errors.New("protocol: no private key configured for signing")
	}
	h := sha1.Sum(data)
	r, s, err := dsa.Sign(rand.Reader, k.Private, h[:])
	if err != nil {
		return nil, err
	}
	return packSignature(r, s), nil
}

// DSAVerifier is the reference Verifier.
type DSAVerifier struct{}

// Verify parses publicKeyDER as a DSA SubjectPublicKeyInfo and checks sig
// against the SHA-1 hash of data. Any malformed input is treated as a
// verification failure rather than an error, matching §4.1's "a
// verification failure leaves the public key unset but does not abort
// decoding".
func (DSAVerifier) Verify(publicKeyDER []byte, data []byte, sig []byte) bool {
	if len(sig) != sigTotalSize {
		return false
	}
	pub, err := ParseDSAPublicKey(publicKeyDER)
	if err != nil {
		return false
	}
	r := new(big.Int).SetBytes(sig[:sigHalfSize])
	s := new(big.Int).SetBytes(sig[sigHalfSize:])
	h := sha1.Sum(data)
	return dsa.Verify(pub, h[:], r, s)
}

func packSignature(r, s *big.Int) []byte {
	out := make([]byte, sigTotalSize)
	rb := r.Bytes()
	sb := s.Bytes()
	if len(rb) > sigHalfSize {
		rb = rb[len(rb)-sigHalfSize:]
	}
	if len(sb) > sigHalfSize {
		sb = sb[len(sb)-sigHalfSize:]
	}
	copy(out[sigHalfSize-len(rb):sigHalfSize], rb)
	copy(out[sigTotalSize-len(sb):], sb)
	return out
}

// oidDSA is the PKIX algorithm identifier for DSA (RFC 3279 §2.2.2).
var oidDSA = asn1.ObjectIdentifier{1, 2, 840, 10040, 4, 1}

type dsaParameters struct {
	P, Q, G *big.Int
}

type publicKeyInfo struct {
	Algorithm pkix.AlgorithmIdentifier
	PublicKey asn1.BitString
}

// MarshalDSAPublicKey encodes pub as an X.509 SubjectPublicKeyInfo.
func MarshalDSAPublicKey(pub *dsa.PublicKey) ([]byte, error) {
	params, err := asn1.Marshal(dsaParameters{P: pub.P, Q: pub.Q, G: pub.G})
	if err != nil {
		return nil, err
	}
	y, err := asn1.Marshal(pub.Y)
	if err != nil {
		return nil, err
	}
	info := publicKeyInfo{
		Algorithm: pkix.AlgorithmIdentifier{
			Algorithm:  oidDSA,
			Parameters: asn1.RawValue{FullBytes: params},
		},
		PublicKey: asn1.BitString{Bytes: y, BitLength: len(y) * 8},
	}
	return asn1.Marshal(info)
}

// ParseDSAPublicKey decodes an X.509 SubjectPublicKeyInfo produced by
// MarshalDSAPublicKey (or any X.509-DSA-encoded key carrying the same OID).
func ParseDSAPublicKey(der []byte) (*dsa.PublicKey, error) {
	var info publicKeyInfo
	if _, err := asn1.Unmarshal(der, &info); err != nil {
		return nil, err
	}
	if !info.Algorithm.Algorithm.Equal(oidDSA) {
		return nil, errors.New("protocol: public key algorithm is not DSA")
	}
	var params dsaParameters
	if _, err := asn1.Unmarshal(info.Algorithm.Parameters.FullBytes, &params); err != nil {
		return nil, err
	}
	var y *big.Int
	if _, err := asn1.Unmarshal(info.PublicKey.RightAlign(), &y); err != nil {
		return nil, err
	}
	return &dsa.PublicKey{
		Parameters: dsa.Parameters{P: params.P, Q: params.Q, G: params.G},
		Y:          y,
	}, nil
}

type dsaPrivateKeyInfo struct {
	Version    int
	Parameters dsaParameters
	X          *big.Int
	Y          *big.Int
}

// MarshalDSAPrivateKey encodes priv as an ASN.1 SEQUENCE of version, the
// (P, Q, G) parameters, X and Y, hex-encoded by the caller for config
// persistence. crypto/x509 offers no PKCS#8 support for DSA; this is a
// module-specific layout, not PKCS#8.
func MarshalDSAPrivateKey(priv *dsa.PrivateKey) ([]byte, error) {
	return asn1.Marshal(dsaPrivateKeyInfo{
		Version:    0,
		Parameters: dsaParameters{P: priv.P, Q: priv.Q, G: priv.G},
		X:          priv.X,
		Y:          priv.Y,
	})
}

// ParseDSAPrivateKey decodes a key produced by MarshalDSAPrivateKey.
func ParseDSAPrivateKey(der []byte) (*dsa.PrivateKey, error) {
	var info dsaPrivateKeyInfo
	if _, err := asn1.Unmarshal(der, &info); err != nil {
		return nil, err
	}
	return &dsa.PrivateKey{
		PublicKey: dsa.PublicKey{
			Parameters: dsa.Parameters{P: info.Parameters.P, Q: info.Parameters.Q, G: info.Parameters.G},
			Y:          info.Y,
		},
		X: info.X,
	}, nil
}

// GenerateKey creates a fresh 1024/160-bit DSA key pair, used to provision a
// peer's identity on first run when the configuration carries no key yet.
func GenerateKey(random io.Reader) (*dsa.PrivateKey, error) {
	var params dsa.Parameters
	if err := dsa.GenerateParameters(&params, random, dsa.L1024N160); err != nil {
		return nil, err
	}
	priv := &dsa.PrivateKey{PublicKey: dsa.PublicKey{Parameters: params}}
	if err := dsa.GenerateKey(priv, random); err != nil {
		return nil, err
	}
	return priv, nil
}
