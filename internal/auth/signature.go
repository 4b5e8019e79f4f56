package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrInvalidPublicKey = errors.New("invalid public key")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrUnknownOperator  = errors.New("unknown operator")
)

// Operators maps operator names to the ed25519 keys they log in with.
type Operators map[string]ed25519.PublicKey

// ParseOperators reads "name:base64key,name2:base64key2".
func ParseOperators(raw string) (Operators, error) {
	ops := make(Operators)
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, keyB64, ok := strings.Cut(item, ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("operator entry %q: expected name:key", item)
		}
		key, err := DecodePublicKey(strings.TrimSpace(keyB64))
		if err != nil {
			return nil, fmt.Errorf("operator %s: %w", name, err)
		}
		if _, dup := ops[name]; dup {
			return nil, fmt.Errorf("operator %s listed twice", name)
		}
		ops[name] = key
	}
	return ops, nil
}

func (o Operators) Names() []string {
	names := make([]string, 0, len(o))
	for name := range o {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func DecodePublicKey(b64 string) (ed25519.PublicKey, error) {
	key, err := base64.StdEncoding.DecodeString(b64)
	if err != nil || len(key) != ed25519.PublicKeySize {
		return nil, ErrInvalidPublicKey
	}
	return ed25519.PublicKey(key), nil
}

// VerifySignature checks a base64 ed25519 signature over message.
func VerifySignature(publicKey ed25519.PublicKey, message []byte, signatureB64 string) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return ErrInvalidPublicKey
	}
	if len(message) == 0 {
		return ErrInvalidSignature
	}
	signature, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil || len(signature) != ed25519.SignatureSize {
		return ErrInvalidSignature
	}
	if !ed25519.Verify(publicKey, message, signature) {
		return ErrInvalidSignature
	}
	return nil
}
