package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"iotmarket/backend/internal/config"
	"iotmarket/backend/internal/domain"
	"iotmarket/backend/internal/ledger"
	ledgermemory "iotmarket/backend/internal/ledger/memory"
	"iotmarket/backend/internal/ledger/sui"
	"iotmarket/backend/internal/retry"
	"iotmarket/backend/internal/service"
	"iotmarket/backend/internal/storage/postgres"
)

// create-apikey 在运维侧直接签发密钥，绑定关系仍回源账本校验。
func main() {
	keyType := flag.String("type", "provider", "密钥类型: provider 或 subscriber")
	feedID := flag.String("feed", "", "provider 密钥绑定的 feed ID")
	subscriptionID := flag.String("subscription", "", "subscriber 密钥绑定的订阅 ID")
	address := flag.String("address", "", "提供者或消费者地址")
	name := flag.String("name", "", "密钥名称")
	rateLimit := flag.Int("rate-limit", 0, "每分钟请求上限，0 表示不限制")
	expiresIn := flag.Duration("expires-in", 0, "有效期，例如 720h；0 表示永不过期")
	flag.Parse()

	input, err := buildInput(*keyType, *feedID, *subscriptionID, *address, *name, *rateLimit, *expiresIn, time.Now())
	if err != nil {
		fmt.Printf("Invalid arguments: %v\n\n", err)
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Database.Type == "" {
		fmt.Println("database.type is not set; keys issued against memory storage would be lost on exit")
		os.Exit(1)
	}

	log := zap.NewNop()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	store, err := postgres.Open(ctx, &cfg.Database, log)
	if err != nil {
		fmt.Printf("Failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	var chain ledger.Ledger
	if cfg.Ledger.Backend == "sui" {
		suiLedger, err := sui.New(cfg.Ledger, cfg.Upstream.Timeout, log)
		if err != nil {
			fmt.Printf("Failed to create ledger client: %v\n", err)
			os.Exit(1)
		}
		defer suiLedger.Close()
		chain = suiLedger
	} else {
		chain = ledgermemory.New()
	}
	reader := ledger.NewResilient(chain, retry.Policy{
		Retries: cfg.Upstream.Retries,
		Delay:   cfg.Upstream.RetryDelay,
		Timeout: cfg.Upstream.Timeout,
	}, nil, log)

	credentials := service.NewCredentialService(store, reader, nil, log)
	issued, err := credentials.Issue(ctx, input)
	if err != nil {
		fmt.Printf("Failed to issue API key: %s\n", domain.PublicMessage(err))
		os.Exit(1)
	}

	fmt.Printf("✓ API key issued successfully!\n")
	fmt.Printf("  ID:      %s\n", issued.ID)
	fmt.Printf("  Type:    %s\n", issued.Type)
	fmt.Printf("  Prefix:  %s\n", issued.KeyPrefix)
	if issued.ExpiresAt != nil {
		fmt.Printf("  Expires: %s\n", issued.ExpiresAt.Format(time.RFC3339))
	}
	fmt.Printf("  Key:     %s\n", issued.Secret)
	fmt.Println("\nStore the key now; it cannot be shown again.")
}

// buildInput 校验命令行参数并转换为签发参数
func buildInput(keyType, feedID, subscriptionID, address, name string, rateLimit int, expiresIn time.Duration, now time.Time) (service.IssueInput, error) {
	input := service.IssueInput{
		Address: address,
		Name:    name,
	}
	if address == "" {
		return input, fmt.Errorf("-address is required")
	}

	switch strings.ToLower(keyType) {
	case "provider":
		if feedID == "" {
			return input, fmt.Errorf("-feed is required for provider keys")
		}
		input.Type = domain.CredentialTypeProvider
		input.FeedID = feedID
	case "subscriber":
		if subscriptionID == "" {
			return input, fmt.Errorf("-subscription is required for subscriber keys")
		}
		input.Type = domain.CredentialTypeSubscriber
		input.SubscriptionID = subscriptionID
	default:
		return input, fmt.Errorf("unknown key type %q", keyType)
	}

	if rateLimit < 0 {
		return input, fmt.Errorf("-rate-limit must not be negative")
	}
	if rateLimit > 0 {
		input.RateLimit = &rateLimit
	}
	if expiresIn < 0 {
		return input, fmt.Errorf("-expires-in must not be negative")
	}
	if expiresIn > 0 {
		expiresAt := now.Add(expiresIn).UTC()
		input.ExpiresAt = &expiresAt
	}
	return input, nil
}
