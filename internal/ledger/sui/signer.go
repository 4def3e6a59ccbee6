package sui

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const ed25519Flag = 0x00

// transactionIntent TransactionData 意图前缀（scope=0, version=0, app=0）
var transactionIntent = []byte{0, 0, 0}

// Signer ed25519 交易签名器
type Signer struct {
	key     ed25519.PrivateKey
	address string
}

// ParsePrivateKey 解析十六进制私钥（32 字节种子或 64 字节私钥，可带 0x 前缀）
func ParsePrivateKey(value string) (*Signer, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(value), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key encoding: %w", err)
	}

	var key ed25519.PrivateKey
	switch len(raw) {
	case ed25519.SeedSize:
		key = ed25519.NewKeyFromSeed(raw)
	case ed25519.PrivateKeySize:
		key = ed25519.PrivateKey(raw)
	default:
		return nil, fmt.Errorf("invalid private key length %d", len(raw))
	}
	return NewSigner(key), nil
}

// NewSigner 使用 ed25519 私钥创建签名器
func NewSigner(key ed25519.PrivateKey) *Signer {
	pub := key.Public().(ed25519.PublicKey)
	return &Signer{key: key, address: deriveAddress(pub)}
}

// Address 签名者地址
func (s *Signer) Address() string {
	return s.address
}

// SignTransaction 对 base64 交易字节签名，返回序列化签名（flag || sig || pubkey）
func (s *Signer) SignTransaction(txBytesB64 string) (string, error) {
	txBytes, err := base64.StdEncoding.DecodeString(txBytesB64)
	if err != nil {
		return "", fmt.Errorf("invalid transaction bytes: %w", err)
	}

	message := make([]byte, 0, len(transactionIntent)+len(txBytes))
	message = append(message, transactionIntent...)
	message = append(message, txBytes...)
	digest := blake2b.Sum256(message)

	sig := ed25519.Sign(s.key, digest[:])
	pub := s.key.Public().(ed25519.PublicKey)

	serialized := make([]byte, 0, 1+len(sig)+len(pub))
	serialized = append(serialized, ed25519Flag)
	serialized = append(serialized, sig...)
	serialized = append(serialized, pub...)
	return base64.StdEncoding.EncodeToString(serialized), nil
}

func deriveAddress(pub ed25519.PublicKey) string {
	data := append([]byte{ed25519Flag}, pub...)
	sum := blake2b.Sum256(data)
	return "0x" + hex.EncodeToString(sum[:])
}
