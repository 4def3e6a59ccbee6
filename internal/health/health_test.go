package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	ledgermemory "iotmarket/backend/internal/ledger/memory"
	"iotmarket/backend/internal/storage/memory"
)

func TestCheckHealth(t *testing.T) {
	store := memory.NewStore()
	ledger := ledgermemory.New()

	t.Run("全部依赖正常", func(t *testing.T) {
		hc := NewHealthChecker(map[string]Pinger{
			"database": store,
			"ledger":   LedgerPinger(ledger),
			"redis":    nil,
		}, nil)

		results, healthy := hc.CheckHealth(context.Background())
		assert.True(t, healthy)
		assert.Equal(t, "OK", results["database"])
		assert.Equal(t, "OK", results["ledger"])
		assert.Equal(t, "NOT_AVAILABLE", results["redis"])
	})

	t.Run("依赖失败", func(t *testing.T) {
		hc := NewHealthChecker(map[string]Pinger{
			"database": store,
			"ledger": PingerFunc(func(context.Context) error {
				return errors.New("rpc unreachable")
			}),
		}, nil)

		results, healthy := hc.CheckHealth(context.Background())
		assert.False(t, healthy)
		assert.Equal(t, "ERROR: rpc unreachable", results["ledger"])
	})
}

func TestEndpoints(t *testing.T) {
	failing := NewHealthChecker(map[string]Pinger{
		"ledger": PingerFunc(func(context.Context) error { return errors.New("down") }),
	}, nil)

	t.Run("存活探针不受依赖影响", func(t *testing.T) {
		rec := httptest.NewRecorder()
		failing.LiveEndpoint(rec, httptest.NewRequest(http.MethodGet, "/health/live", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("就绪探针反映依赖状态", func(t *testing.T) {
		rec := httptest.NewRecorder()
		failing.ReadyEndpoint(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

		ok := NewHealthChecker(map[string]Pinger{"database": memory.NewStore()}, nil)
		rec = httptest.NewRecorder()
		ok.ReadyEndpoint(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}
