package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	SignatureSize = ed25519.SignatureSize // 64
	PublicKeySize = ed25519.PublicKeySize
)

const (
	pubKeyFile  = "node.pub"
	privKeyFile = "node.key"
)

var (
	errBadIDLength  = errors.New("bad node id length")
	ErrBadKeyLength = errors.New("bad key length")
)

type Signature [SignatureSize]byte

func (s Signature) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(s[:])), nil
}

func (s *Signature) UnmarshalText(text []byte) error {
	raw, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	if len(raw) != SignatureSize {
		return ErrBadKeyLength
	}
	copy(s[:], raw)
	return nil
}

func GenKeypair() (pub, priv []byte, err error) {
	p, s, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	return p, s, nil
}

func LoadKeypair(home string) (pub, priv []byte, err error) {
	pubHex, err := os.ReadFile(filepath.Join(home, pubKeyFile))
	if err != nil {
		return nil, nil, err
	}
	privHex, err := os.ReadFile(filepath.Join(home, privKeyFile))
	if err != nil {
		return nil, nil, err
	}
	pub, err = hex.DecodeString(strings.TrimSpace(string(pubHex)))
	if err != nil {
		return nil, nil, fmt.Errorf("decode public key: %w", err)
	}
	priv, err = hex.DecodeString(strings.TrimSpace(string(privHex)))
	if err != nil {
		return nil, nil, fmt.Errorf("decode private key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize || len(priv) != ed25519.PrivateKeySize {
		return nil, nil, ErrBadKeyLength
	}
	return pub, priv, nil
}

func SaveKeypair(home string, pub, priv []byte) error {
	if err := os.MkdirAll(home, 0700); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(home, pubKeyFile), []byte(hex.EncodeToString(pub)+"\n"), 0600); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(home, privKeyFile), []byte(hex.EncodeToString(priv)+"\n"), 0600)
}

// LoadOrCreateKeypair returns the keypair stored under home, generating and
// persisting a fresh one on first run.
func LoadOrCreateKeypair(home string) (pub, priv []byte, err error) {
	pub, priv, err = LoadKeypair(home)
	if err == nil {
		return pub, priv, nil
	}
	if !os.IsNotExist(err) {
		return nil, nil, err
	}
	pub, priv, err = GenKeypair()
	if err != nil {
		return nil, nil, err
	}
	if err := SaveKeypair(home, pub, priv); err != nil {
		return nil, nil, err
	}
	return pub, priv, nil
}

func Sign(priv, msg []byte) (Signature, error) {
	var sig Signature
	if len(priv) != ed25519.PrivateKeySize {
		return sig, ErrBadKeyLength
	}
	copy(sig[:], ed25519.Sign(ed25519.PrivateKey(priv), msg))
	return sig, nil
}

func Verify(pub, msg []byte, sig Signature) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), msg, sig[:])
}
