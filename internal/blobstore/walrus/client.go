package walrus

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"iotmarket/backend/internal/blobstore"
	"iotmarket/backend/internal/config"
	"iotmarket/backend/internal/domain"
)

// maxBlobSize 单个 blob 的读取上限
const maxBlobSize = 32 << 20

// Client Walrus publisher/aggregator HTTP 客户端
type Client struct {
	publisherURL  string
	aggregatorURL string
	epochs        int
	httpClient    *http.Client
	log           *zap.Logger
}

var _ blobstore.Store = (*Client)(nil)

// NewClient 创建 Walrus 客户端
func NewClient(cfg config.BlobStoreConfig, timeout time.Duration, log *zap.Logger) (*Client, error) {
	if cfg.PublisherURL == "" || cfg.AggregatorURL == "" {
		return nil, errors.New("walrus publisher and aggregator urls are required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	epochs := cfg.Epochs
	if epochs <= 0 {
		epochs = 5
	}
	return &Client{
		publisherURL:  cfg.PublisherURL,
		aggregatorURL: cfg.AggregatorURL,
		epochs:        epochs,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log.Named("walrus"),
	}, nil
}

type storeResponse struct {
	NewlyCreated *struct {
		BlobObject struct {
			BlobID string `json:"blobId"`
		} `json:"blobObject"`
	} `json:"newlyCreated"`
	AlreadyCertified *struct {
		BlobID string `json:"blobId"`
	} `json:"alreadyCertified"`
}

// Upload 上传载荷到 publisher
func (c *Client) Upload(ctx context.Context, payload domain.Payload, encryptionKey string) (string, error) {
	body, err := blobstore.Encode(payload, encryptionKey)
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/v1/store?epochs=%d", c.publisherURL, c.epochs)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("walrus upload: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("walrus upload: status %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}

	var result storeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decode walrus response: %w", err)
	}

	var blobID string
	switch {
	case result.NewlyCreated != nil:
		blobID = result.NewlyCreated.BlobObject.BlobID
	case result.AlreadyCertified != nil:
		blobID = result.AlreadyCertified.BlobID
	}
	if blobID == "" {
		return "", errors.New("walrus response did not include a blob id")
	}

	c.log.Debug("blob uploaded",
		zap.String("blob_id", blobID),
		zap.Int("size", len(body)),
		zap.Bool("encrypted", encryptionKey != ""))
	return blobID, nil
}

// Retrieve 从 aggregator 读取载荷
func (c *Client) Retrieve(ctx context.Context, blobID, decryptionKey string) (domain.Payload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.aggregatorURL+"/v1/"+blobID, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("walrus retrieve: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("blob %s: %w", blobID, domain.ErrBlobNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("walrus retrieve: status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBlobSize))
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", blobID, err)
	}
	return blobstore.Decode(raw, decryptionKey)
}
