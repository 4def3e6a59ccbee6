package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Run("加载默认配置成功", func(t *testing.T) {
		cfg, err := Load()

		require.NoError(t, err)
		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 3001, cfg.Server.Port)
		assert.Equal(t, []string{"*"}, cfg.CORS.AllowedOrigins)
		assert.Equal(t, "info", cfg.Log.Level)
		assert.Equal(t, "direct", cfg.Database.Mode)
		assert.Equal(t, "memory", cfg.Cache.Backend)
		assert.Equal(t, 300*time.Second, cfg.Cache.TTL)
		assert.Equal(t, "memory", cfg.Ledger.Backend)
		assert.Equal(t, "https://fullnode.testnet.sui.io:443", cfg.Ledger.RPCURL)
		assert.Equal(t, 5, cfg.BlobStore.Epochs)
		assert.Equal(t, 2, cfg.Upstream.Retries)
		assert.Equal(t, 600*time.Millisecond, cfg.Upstream.RetryDelay)
		assert.Equal(t, 30*time.Second, cfg.WebSocket.PingInterval)
		assert.Equal(t, 5*time.Minute, cfg.Reconcile.Interval)
	})

	t.Run("加载自定义配置成功", func(t *testing.T) {
		t.Setenv("IOTMARKET_SERVER_PORT", "9090")
		t.Setenv("IOTMARKET_CORS_ALLOWED_ORIGINS", "http://localhost:3000, http://localhost:5173")
		t.Setenv("IOTMARKET_CACHE_TTL", "1m")
		t.Setenv("IOTMARKET_CACHE_BACKEND", "redis")
		t.Setenv("IOTMARKET_LEDGER_BACKEND", "sui")
		t.Setenv("IOTMARKET_LEDGER_NETWORK", "mainnet")
		t.Setenv("IOTMARKET_LEDGER_PACKAGE_ID", "0x42")
		t.Setenv("IOTMARKET_BLOBSTORE_BACKEND", "walrus")
		t.Setenv("IOTMARKET_UPSTREAM_RETRIES", "0")

		cfg, err := Load()

		require.NoError(t, err)
		assert.Equal(t, 9090, cfg.Server.Port)
		assert.Equal(t, []string{"http://localhost:3000", "http://localhost:5173"}, cfg.CORS.AllowedOrigins)
		assert.Equal(t, time.Minute, cfg.Cache.TTL)
		assert.Equal(t, "redis", cfg.Cache.Backend)
		assert.Equal(t, "https://fullnode.mainnet.sui.io:443", cfg.Ledger.RPCURL)
		assert.Equal(t, "0x42", cfg.Ledger.PackageID)
		assert.Equal(t, 0, cfg.Upstream.Retries)
	})

	t.Run("sui 后端缺少合约包失败", func(t *testing.T) {
		t.Setenv("IOTMARKET_LEDGER_BACKEND", "sui")

		cfg, err := Load()

		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "ledger.package_id")
	})

	t.Run("pooled 模式要求 postgres", func(t *testing.T) {
		t.Setenv("IOTMARKET_DATABASE_TYPE", "mysql")
		t.Setenv("IOTMARKET_DATABASE_DSN", "user:pass@tcp(localhost:3306)/iot")
		t.Setenv("IOTMARKET_DATABASE_MODE", "pooled")

		_, err := Load()

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "pooled")
	})

	t.Run("未知缓存后端失败", func(t *testing.T) {
		t.Setenv("IOTMARKET_CACHE_BACKEND", "memcached")

		_, err := Load()

		assert.Error(t, err)
	})

	t.Run("无效的TTL格式失败", func(t *testing.T) {
		t.Setenv("IOTMARKET_CACHE_TTL", "invalid-duration")

		_, err := Load()

		assert.Error(t, err)
		assert.Contains(t, err.Error(), "invalid cache.ttl")
	})
}

func TestParseList(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected []string
	}{
		{name: "单个元素", input: "a", expected: []string{"a"}},
		{name: "带空格", input: " a , b ", expected: []string{"a", "b"}},
		{name: "空字符串", input: "", expected: []string{}},
		{name: "只有逗号", input: ",,,", expected: []string{}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, parseList(tc.input))
		})
	}
}

func TestNetworkRPCURL(t *testing.T) {
	assert.Equal(t, "https://fullnode.devnet.sui.io:443", NetworkRPCURL("devnet"))
	assert.Equal(t, "http://127.0.0.1:9000", NetworkRPCURL("localnet"))
	assert.Empty(t, NetworkRPCURL("nowhere"))
}
