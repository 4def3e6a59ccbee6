package blobstore

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"filippo.io/age"
	"go.uber.org/zap"

	"iotmarket/backend/internal/domain"
	"iotmarket/backend/internal/monitoring"
	"iotmarket/backend/internal/retry"
)

// Store blob 存储协作者
type Store interface {
	// Upload 上传载荷，encryptionKey 非空时加密封装，返回 blob ID
	Upload(ctx context.Context, payload domain.Payload, encryptionKey string) (string, error)
	// Retrieve 读取载荷；加密 blob 仅在提供 decryptionKey 时解密，否则原样返回封装
	Retrieve(ctx context.Context, blobID, decryptionKey string) (domain.Payload, error)
}

// scryptWorkFactor age scrypt 口令封装的 log2(N)
var scryptWorkFactor = 15

// KeyHintLength 封装中密钥指纹的长度（十六进制字符）
const KeyHintLength = 8

// ErrDecryption 解密失败（密钥错误或密文损坏）
var ErrDecryption = domain.Validation("Failed to decrypt data with the supplied key")

// Envelope 加密载荷的存储格式
type Envelope struct {
	Encrypted bool   `json:"encrypted"`
	Data      string `json:"data"`
	KeyHint   string `json:"keyHint,omitempty"`
}

// GenerateKey 生成 32 字节随机密钥（十六进制）
func GenerateKey() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// Encode 将载荷编码为待上传字节，encryptionKey 非空时使用 age 口令加密
func Encode(payload domain.Payload, encryptionKey string) ([]byte, error) {
	if encryptionKey == "" {
		return []byte(payload), nil
	}

	recipient, err := age.NewScryptRecipient(encryptionKey)
	if err != nil {
		return nil, fmt.Errorf("creating scrypt recipient: %w", err)
	}
	recipient.SetWorkFactor(scryptWorkFactor)

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, recipient)
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(payload); err != nil {
		return nil, fmt.Errorf("writing plaintext: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalizing encryption: %w", err)
	}

	return json.Marshal(Envelope{
		Encrypted: true,
		Data:      base64.StdEncoding.EncodeToString(ciphertext.Bytes()),
		KeyHint:   KeyFingerprint(encryptionKey),
	})
}

// KeyFingerprint 密钥的 sha256 指纹前缀，封装公开可读，不能包含密钥本身的任何字符
func KeyFingerprint(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])[:KeyHintLength]
}

// Decode 将下载的字节还原为载荷
//
// 非 JSON 内容作为 JSON 字符串返回；加密封装在提供密钥时解密。
func Decode(raw []byte, decryptionKey string) (domain.Payload, error) {
	if !json.Valid(raw) {
		quoted, err := json.Marshal(string(raw))
		if err != nil {
			return nil, err
		}
		return domain.Payload(quoted), nil
	}

	var envelope Envelope
	if decryptionKey == "" || json.Unmarshal(raw, &envelope) != nil || !envelope.Encrypted {
		return domain.Payload(raw), nil
	}

	ciphertext, err := base64.StdEncoding.DecodeString(envelope.Data)
	if err != nil {
		return nil, ErrDecryption
	}
	identity, err := age.NewScryptIdentity(decryptionKey)
	if err != nil {
		return nil, ErrDecryption
	}
	reader, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, ErrDecryption
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return nil, ErrDecryption
	}
	if !json.Valid(plaintext) {
		quoted, _ := json.Marshal(string(plaintext))
		return domain.Payload(quoted), nil
	}
	return domain.Payload(plaintext), nil
}

// Resilient 为 blob 存储加上超时、读重试和指标；上传只执行一次
type Resilient struct {
	next    Store
	policy  retry.Policy
	metrics *monitoring.Metrics
	log     *zap.Logger
}

// NewResilient 包装 blob 存储客户端
func NewResilient(next Store, policy retry.Policy, metrics *monitoring.Metrics, log *zap.Logger) *Resilient {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resilient{next: next, policy: policy, metrics: metrics, log: log.Named("blobstore")}
}

var _ Store = (*Resilient)(nil)

// Upload 上传（不重试）
func (r *Resilient) Upload(ctx context.Context, payload domain.Payload, encryptionKey string) (string, error) {
	start := time.Now()
	blobID, err := retry.Once(ctx, r.policy.Timeout, func(ctx context.Context) (string, error) {
		return r.next.Upload(ctx, payload, encryptionKey)
	})
	r.metrics.RecordUpstream("blobstore", "upload", time.Since(start), err)
	if err != nil {
		r.log.Error("blob upload failed", zap.Int64("size", payload.Size()), zap.Error(err))
		return "", domain.Upstream("Blob store upload failed", err)
	}
	return blobID, nil
}

// Retrieve 读取（按策略重试，不存在和解密失败不重试）
func (r *Resilient) Retrieve(ctx context.Context, blobID, decryptionKey string) (domain.Payload, error) {
	start := time.Now()
	payload, err := retry.Do(ctx, r.policy, func(ctx context.Context) (domain.Payload, error) {
		p, err := r.next.Retrieve(ctx, blobID, decryptionKey)
		if err != nil && (errors.Is(err, domain.ErrBlobNotFound) || errors.Is(err, ErrDecryption)) {
			return nil, retry.Permanent(err)
		}
		return p, err
	})
	if err != nil {
		if errors.Is(err, domain.ErrBlobNotFound) || errors.Is(err, ErrDecryption) {
			r.metrics.RecordUpstream("blobstore", "retrieve", time.Since(start), nil)
			return nil, err
		}
		r.metrics.RecordUpstream("blobstore", "retrieve", time.Since(start), err)
		r.log.Warn("blob retrieval failed", zap.String("blob_id", blobID), zap.Error(err))
		return nil, domain.Upstream("Blob store unavailable", err)
	}
	r.metrics.RecordUpstream("blobstore", "retrieve", time.Since(start), nil)
	return payload, nil
}
