package sui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"iotmarket/backend/internal/config"
	"iotmarket/backend/internal/domain"
	"iotmarket/backend/internal/ledger"
)

const (
	eventPageSize   = 50
	objectBatchSize = 50
	// maxFeedEvents 单次列表最多扫描的注册事件数
	maxFeedEvents = 1000

	suiCoinType = "0x2::sui::SUI"
)

// Ledger 基于 Sui 全节点 JSON-RPC 的账本实现
//
// 所有变更交易由网关密钥签名并等待本地执行完成。
type Ledger struct {
	rpc        *rpcClient
	signer     *Signer
	packageID  string
	registryID string
	treasuryID string
	gasBudget  uint64
	log        *zap.Logger
}

var _ ledger.Ledger = (*Ledger)(nil)

// New 创建 Sui 账本客户端
//
// 参数:
//   - cfg: 账本配置，RPCURL 与 PackageID 必填；PrivateKey 为空时只能执行只读操作
//   - timeout: 单次 HTTP 请求超时
//   - log: 日志记录器
func New(cfg config.LedgerConfig, timeout time.Duration, log *zap.Logger) (*Ledger, error) {
	if cfg.RPCURL == "" {
		return nil, errors.New("ledger rpc url is required")
	}
	if cfg.PackageID == "" {
		return nil, errors.New("ledger package id is required")
	}
	if log == nil {
		log = zap.NewNop()
	}

	rpc, err := newRPCClient(cfg.RPCURL, timeout)
	if err != nil {
		return nil, err
	}
	l := &Ledger{
		rpc:        rpc,
		packageID:  cfg.PackageID,
		registryID: cfg.RegistryID,
		treasuryID: cfg.TreasuryID,
		gasBudget:  cfg.GasBudget,
		log:        log.Named("sui"),
	}
	if cfg.PrivateKey != "" {
		signer, err := ParsePrivateKey(cfg.PrivateKey)
		if err != nil {
			return nil, err
		}
		l.signer = signer
		l.log.Info("ledger signer loaded", zap.String("address", signer.Address()))
	}
	return l, nil
}

// Close 释放 RPC 客户端
func (l *Ledger) Close() {
	l.rpc.close()
}

// SignerAddress 网关签名地址，未配置私钥时为空
func (l *Ledger) SignerAddress() string {
	if l.signer == nil {
		return ""
	}
	return l.signer.Address()
}

func (l *Ledger) typeName(module, name string) string {
	return fmt.Sprintf("%s::%s::%s", l.packageID, module, name)
}

var objectOptions = map[string]bool{"showContent": true, "showType": true}

// getObject 读取对象字段，对象不存在或类型不是 wantType 时返回 domain.ErrObjectNotFound
func (l *Ledger) getObject(ctx context.Context, id, wantType string, fields interface{}) error {
	resp, err := l.rpc.getObject(ctx, id)
	if err != nil {
		return err
	}
	return decodeObject(id, wantType, resp, fields)
}

// decodeObject 校验 Move 类型后解析字段，其他包伪造的同名结构一律视为不存在
func decodeObject(id, wantType string, resp *objectResponse, fields interface{}) error {
	if resp == nil {
		return fmt.Errorf("object %s: %w", id, domain.ErrObjectNotFound)
	}
	if resp.Error != nil {
		if resp.Error.Code == "notExists" || resp.Error.Code == "deleted" {
			return fmt.Errorf("object %s: %w", id, domain.ErrObjectNotFound)
		}
		return fmt.Errorf("object %s: %s", id, resp.Error.Code)
	}
	if resp.Data == nil || resp.Data.Content == nil || len(resp.Data.Content.Fields) == 0 {
		return fmt.Errorf("object %s: %w", id, domain.ErrObjectNotFound)
	}
	objectType := resp.Data.Type
	if objectType == "" {
		objectType = resp.Data.Content.Type
	}
	if !sameMoveType(objectType, wantType) {
		return fmt.Errorf("object %s has type %q: %w", id, objectType, domain.ErrObjectNotFound)
	}
	if err := json.Unmarshal(resp.Data.Content.Fields, fields); err != nil {
		return fmt.Errorf("decode object %s: %w", id, err)
	}
	return nil
}

// sameMoveType 比较完整 Move 类型，地址部分忽略 0x 前缀和前导零
func sameMoveType(got, want string) bool {
	if got == "" || want == "" {
		return false
	}
	gotAddr, gotRest, ok := strings.Cut(got, "::")
	if !ok {
		return false
	}
	wantAddr, wantRest, ok := strings.Cut(want, "::")
	if !ok {
		return false
	}
	return gotRest == wantRest && normalizeMoveAddress(gotAddr) == normalizeMoveAddress(wantAddr)
}

func normalizeMoveAddress(addr string) string {
	return strings.TrimLeft(strings.TrimPrefix(strings.ToLower(addr), "0x"), "0")
}

func (l *Ledger) feedType() string {
	return l.typeName("data_marketplace", "DataFeed")
}

func (l *Ledger) subscriptionType() string {
	return l.typeName("subscription", "Subscription")
}

// GetFeed 读取 feed 对象
func (l *Ledger) GetFeed(ctx context.Context, feedID string) (*domain.Feed, error) {
	var fields feedFields
	if err := l.getObject(ctx, feedID, l.feedType(), &fields); err != nil {
		return nil, err
	}
	return fields.toDomain(feedID), nil
}

// GetSubscription 读取订阅对象
func (l *Ledger) GetSubscription(ctx context.Context, subscriptionID string) (*domain.Subscription, error) {
	var fields subscriptionFields
	if err := l.getObject(ctx, subscriptionID, l.subscriptionType(), &fields); err != nil {
		return nil, err
	}
	return fields.toDomain(subscriptionID), nil
}

// CurrentEpoch 读取当前系统 epoch
func (l *Ledger) CurrentEpoch(ctx context.Context) (uint64, error) {
	state, err := l.rpc.latestSystemState(ctx)
	if err != nil {
		return 0, err
	}
	if state == nil {
		return 0, errors.New("empty system state")
	}
	return uint64(state.Epoch), nil
}

// ListFeeds 通过注册事件枚举 feed，按注册时间倒序
func (l *Ledger) ListFeeds(ctx context.Context) ([]domain.Feed, error) {
	filter := map[string]string{"MoveEventType": l.typeName("data_marketplace", "FeedRegistered")}

	var (
		ids    []string
		seen   = make(map[string]struct{})
		cursor json.RawMessage
	)
	for len(ids) < maxFeedEvents {
		page, err := l.rpc.queryEvents(ctx, filter, cursor)
		if err != nil {
			return nil, err
		}
		if page == nil {
			break
		}
		for _, event := range page.Data {
			var parsed struct {
				FeedID string `json:"feed_id"`
			}
			if err := json.Unmarshal(event.ParsedJSON, &parsed); err != nil || parsed.FeedID == "" {
				continue
			}
			if _, dup := seen[parsed.FeedID]; dup {
				continue
			}
			seen[parsed.FeedID] = struct{}{}
			ids = append(ids, parsed.FeedID)
		}
		if !page.HasNextPage || len(page.NextCursor) == 0 || string(page.NextCursor) == "null" {
			break
		}
		cursor = page.NextCursor
	}

	feeds := make([]domain.Feed, 0, len(ids))
	for start := 0; start < len(ids); start += objectBatchSize {
		end := start + objectBatchSize
		if end > len(ids) {
			end = len(ids)
		}
		batch := ids[start:end]

		responses, err := l.rpc.multiGetObjects(ctx, batch)
		if err != nil {
			return nil, err
		}
		for i := range responses {
			if i >= len(batch) {
				break
			}
			var fields feedFields
			if err := decodeObject(batch[i], l.feedType(), &responses[i], &fields); err != nil {
				l.log.Debug("skip unreadable feed", zap.String("feed_id", batch[i]), zap.Error(err))
				continue
			}
			feeds = append(feeds, *fields.toDomain(batch[i]))
		}
	}
	return feeds, nil
}

// ListSubscriptionsByConsumer 列出消费者地址持有的订阅对象
func (l *Ledger) ListSubscriptionsByConsumer(ctx context.Context, consumer string) ([]domain.Subscription, error) {
	query := map[string]interface{}{
		"filter":  map[string]string{"StructType": l.subscriptionType()},
		"options": objectOptions,
	}

	var (
		subs   []domain.Subscription
		cursor json.RawMessage
	)
	for {
		page, err := l.rpc.ownedObjects(ctx, consumer, query, cursor)
		if err != nil {
			return nil, err
		}
		if page == nil {
			break
		}
		for i := range page.Data {
			resp := &page.Data[i]
			if resp.Data == nil {
				continue
			}
			var fields subscriptionFields
			if err := decodeObject(resp.Data.ObjectID, l.subscriptionType(), resp, &fields); err != nil {
				continue
			}
			subs = append(subs, *fields.toDomain(resp.Data.ObjectID))
		}
		if !page.HasNextPage || len(page.NextCursor) == 0 || string(page.NextCursor) == "null" {
			break
		}
		cursor = page.NextCursor
	}
	return subs, nil
}

// RegisterFeed 调用 data_marketplace::register_data_feed
//
// provider 为声明的提供者地址；链上 provider 字段是签名地址。
func (l *Ledger) RegisterFeed(ctx context.Context, provider string, meta domain.FeedMetadata, blobID string) (*ledger.TxResult, error) {
	args := []interface{}{
		l.registryID,
		meta.Name,
		meta.Category,
		meta.Description,
		meta.Location,
		strconv.FormatUint(meta.PricePerQuery, 10),
		strconv.FormatUint(meta.MonthlySubscriptionPrice, 10),
		meta.IsPremium,
		blobID,
		strconv.FormatUint(meta.UpdateFrequency, 10),
	}
	result, err := l.moveCall(ctx, "data_marketplace", "register_data_feed", args)
	if err != nil {
		return nil, err
	}
	tx := &ledger.TxResult{Digest: result.Digest, ObjectID: result.createdObject("::DataFeed")}
	l.log.Info("feed registered on ledger",
		zap.String("provider", provider),
		zap.String("feed_id", tx.ObjectID),
		zap.String("digest", tx.Digest))
	return tx, nil
}

// UpdateFeedData 调用 data_marketplace::update_feed_data
func (l *Ledger) UpdateFeedData(ctx context.Context, feedID, blobID string) (*ledger.TxResult, error) {
	result, err := l.moveCall(ctx, "data_marketplace", "update_feed_data", []interface{}{feedID, blobID})
	if err != nil {
		return nil, err
	}
	return &ledger.TxResult{Digest: result.Digest}, nil
}

// Subscribe 先拆分出支付币，再调用 subscription::subscribe_to_feed
func (l *Ledger) Subscribe(ctx context.Context, consumer, feedID string, tier domain.SubscriptionTier, payment uint64) (*ledger.TxResult, error) {
	coinID, err := l.splitPayment(ctx, payment)
	if err != nil {
		return nil, err
	}

	args := []interface{}{feedID, l.registryID, l.treasuryID, coinID, uint8(tier)}
	result, err := l.moveCall(ctx, "subscription", "subscribe_to_feed", args)
	if err != nil {
		return nil, err
	}
	tx := &ledger.TxResult{Digest: result.Digest, ObjectID: result.createdObject("::Subscription")}
	l.log.Info("subscription created on ledger",
		zap.String("consumer", consumer),
		zap.String("feed_id", feedID),
		zap.String("subscription_id", tx.ObjectID),
		zap.String("digest", tx.Digest))
	return tx, nil
}

// SubmitRating 调用 reputation::submit_rating
func (l *Ledger) SubmitRating(ctx context.Context, rating domain.Rating) (*ledger.TxResult, error) {
	args := []interface{}{rating.FeedID, rating.Stars, rating.Comment}
	result, err := l.moveCall(ctx, "reputation", "submit_rating", args)
	if err != nil {
		return nil, err
	}
	return &ledger.TxResult{Digest: result.Digest, ObjectID: result.createdObject("::Rating")}, nil
}

// splitPayment 从签名者的 SUI 余额中转出一枚面额为 amount 的新币
func (l *Ledger) splitPayment(ctx context.Context, amount uint64) (string, error) {
	signer, err := l.requireSigner()
	if err != nil {
		return "", err
	}

	coins, err := l.rpc.coins(ctx, signer.Address())
	if err != nil {
		return "", err
	}
	if coins == nil {
		coins = &coinPage{}
	}

	var (
		inputs []string
		total  uint64
	)
	for _, coin := range coins.Data {
		inputs = append(inputs, coin.CoinObjectID)
		total += uint64(coin.Balance)
		if total >= amount+l.gasBudget {
			break
		}
	}
	if total < amount+l.gasBudget {
		return "", fmt.Errorf("insufficient gateway balance: have %d, need %d", total, amount+l.gasBudget)
	}

	tx, err := l.rpc.paySui(ctx,
		signer.Address(),
		inputs,
		[]string{signer.Address()},
		[]string{strconv.FormatUint(amount, 10)},
		strconv.FormatUint(l.gasBudget, 10),
	)
	if err != nil {
		return "", err
	}
	if tx == nil {
		return "", errors.New("unsafe_paySui returned no transaction bytes")
	}

	result, err := l.execute(ctx, tx.TxBytes)
	if err != nil {
		return "", err
	}
	coinID := result.createdObject("::coin::Coin")
	if coinID == "" {
		return "", errors.New("payment coin not found in transaction effects")
	}
	return coinID, nil
}

func (l *Ledger) requireSigner() (*Signer, error) {
	if l.signer == nil {
		return nil, errors.New("ledger private key not configured")
	}
	return l.signer, nil
}

// moveCall 构造、签名并执行一笔 Move 调用
func (l *Ledger) moveCall(ctx context.Context, module, function string, args []interface{}) (*executeResult, error) {
	signer, err := l.requireSigner()
	if err != nil {
		return nil, err
	}

	tx, err := l.rpc.moveCall(ctx, signer.Address(), l.packageID, module, function, args, strconv.FormatUint(l.gasBudget, 10))
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, errors.New("unsafe_moveCall returned no transaction bytes")
	}
	return l.execute(ctx, tx.TxBytes)
}

func (l *Ledger) execute(ctx context.Context, txBytes string) (*executeResult, error) {
	signature, err := l.signer.SignTransaction(txBytes)
	if err != nil {
		return nil, err
	}

	result, err := l.rpc.executeTransaction(ctx, txBytes, signature)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, errors.New("sui_executeTransactionBlock returned no result")
	}
	if result.Effects != nil && result.Effects.Status.Status != "success" {
		return nil, fmt.Errorf("transaction %s failed: %s", result.Digest, result.Effects.Status.Error)
	}
	return result, nil
}
