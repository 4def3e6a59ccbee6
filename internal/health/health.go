package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
)

const (
	checkTimeout       = 5 * time.Second
	maxGoroutines      = 10000
	statusOK           = "OK"
	statusNotAvailable = "NOT_AVAILABLE"
)

// Pinger 可探测连通性的依赖
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingerFunc 函数适配器
type PingerFunc func(ctx context.Context) error

// Ping 调用函数本身
func (f PingerFunc) Ping(ctx context.Context) error {
	return f(ctx)
}

// EpochReader 账本纪元读取
type EpochReader interface {
	CurrentEpoch(ctx context.Context) (uint64, error)
}

// LedgerPinger 以读取当前纪元作为账本连通性探测
func LedgerPinger(reader EpochReader) Pinger {
	return PingerFunc(func(ctx context.Context) error {
		_, err := reader.CurrentEpoch(ctx)
		return err
	})
}

// HealthChecker 健康检查器
type HealthChecker struct {
	health       healthcheck.Handler
	dependencies map[string]Pinger
	optional     []string
	logger       *zap.Logger
}

// NewHealthChecker 创建健康检查器
//
// 参数:
//   - dependencies: 就绪检查的依赖，值为 nil 的项视为未配置
//   - logger: 日志记录器
func NewHealthChecker(dependencies map[string]Pinger, logger *zap.Logger) *HealthChecker {
	if logger == nil {
		logger = zap.NewNop()
	}
	hc := &HealthChecker{
		health:       healthcheck.NewHandler(),
		dependencies: make(map[string]Pinger, len(dependencies)),
		logger:       logger.Named("health"),
	}
	for name, dep := range dependencies {
		if dep == nil {
			hc.optional = append(hc.optional, name)
			continue
		}
		hc.dependencies[name] = dep
	}
	sort.Strings(hc.optional)

	hc.addChecks()
	return hc
}

// addChecks 添加健康检查
func (hc *HealthChecker) addChecks() {
	hc.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(maxGoroutines))

	for name, dep := range hc.dependencies {
		hc.health.AddReadinessCheck(name, healthcheck.Timeout(hc.check(name, dep), checkTimeout))
	}
}

func (hc *HealthChecker) check(name string, dep Pinger) healthcheck.Check {
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), checkTimeout)
		defer cancel()
		if err := dep.Ping(ctx); err != nil {
			hc.logger.Warn("readiness check failed", zap.String("dependency", name), zap.Error(err))
			return err
		}
		return nil
	}
}

// Handler 返回健康检查处理器（/live 与 /ready）
func (hc *HealthChecker) Handler() http.Handler {
	return hc.health
}

// LiveEndpoint 存活探针
func (hc *HealthChecker) LiveEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.LiveEndpoint(w, r)
}

// ReadyEndpoint 就绪探针
func (hc *HealthChecker) ReadyEndpoint(w http.ResponseWriter, r *http.Request) {
	hc.health.ReadyEndpoint(w, r)
}

// CheckHealth 执行健康检查
//
// 返回值:
//   - map[string]string: 依赖名到状态（OK、ERROR: ...、NOT_AVAILABLE）
//   - bool: 全部已配置依赖是否正常
func (hc *HealthChecker) CheckHealth(ctx context.Context) (map[string]string, bool) {
	results := make(map[string]string, len(hc.dependencies)+len(hc.optional))
	healthy := true

	for name, dep := range hc.dependencies {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := dep.Ping(checkCtx)
		cancel()
		if err != nil {
			results[name] = fmt.Sprintf("ERROR: %v", err)
			healthy = false
			continue
		}
		results[name] = statusOK
	}
	for _, name := range hc.optional {
		results[name] = statusNotAvailable
	}
	return results, healthy
}
