package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
)

var oidNamedCurveSecp256k1 = asn1.ObjectIdentifier{1, 3, 132, 0, 10}

// SEC 1 ECPrivateKey structure (RFC 5915)
type ecPrivateKey struct {
	Version       int
	PrivateKey    []byte
	NamedCurveOID asn1.ObjectIdentifier `asn1:"optional,explicit,tag:0"`
	PublicKey     asn1.BitString        `asn1:"optional,explicit,tag:1"`
}

// Parses a PEM-encoded private key.
//
// P-256 keys may be in PKCS#8 ("PRIVATE KEY") or SEC 1 ("EC PRIVATE KEY") blocks. K-256 keys are only supported as SEC 1 blocks, because the stdlib x509 package does not know about that curve.
func ParsePrivatePEM(data []byte) (PrivateKeyExportable, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("crypto: no PEM block found")
	}
	switch block.Type {
	case "PRIVATE KEY":
		sk, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("crypto: parsing PKCS#8 private key: %w", err)
		}
		skECDSA, ok := sk.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("crypto: unsupported PKCS#8 key type: %T", sk)
		}
		return privateKeyFromECDSA(skECDSA)
	case "EC PRIVATE KEY":
		var raw ecPrivateKey
		if _, err := asn1.Unmarshal(block.Bytes, &raw); err != nil {
			return nil, fmt.Errorf("crypto: parsing EC private key: %w", err)
		}
		if raw.NamedCurveOID.Equal(oidNamedCurveSecp256k1) {
			return ParsePrivateBytesK256(raw.PrivateKey)
		}
		skECDSA, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("crypto: parsing EC private key: %w", err)
		}
		return privateKeyFromECDSA(skECDSA)
	}
	return nil, fmt.Errorf("crypto: unsupported PEM block type: %s", block.Type)
}

// Serializes the key as a PKCS#8 PEM block.
func (k *PrivateKeyP256) PEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(&k.privP256)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// Serializes the key as a SEC 1 "EC PRIVATE KEY" PEM block, with the secp256k1 curve OID.
func (k *PrivateKeyK256) PEM() ([]byte, error) {
	der, err := asn1.Marshal(ecPrivateKey{
		Version:       1,
		PrivateKey:    k.Bytes(),
		NamedCurveOID: oidNamedCurveSecp256k1,
	})
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}

func privateKeyFromECDSA(sk *ecdsa.PrivateKey) (*PrivateKeyP256, error) {
	if sk.Curve != elliptic.P256() {
		return nil, fmt.Errorf("crypto: unsupported elliptic curve: %s", sk.Curve.Params().Name)
	}
	skECDH, err := sk.ECDH()
	if err != nil {
		return nil, fmt.Errorf("invalid P-256/secp256r1 private key: %w", err)
	}
	return &PrivateKeyP256{privP256: *sk, privP256ecdh: skECDH}, nil
}
