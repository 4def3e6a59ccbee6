package sui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/filecoin-project/go-jsonrpc"
)

// RPCError 全节点返回的 JSON-RPC 错误
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("sui rpc error %d: %s", e.Code, e.Message)
}

// nodeAPI 全节点方法表，字段名经 nodeMethods 映射为 RPC 方法名
type nodeAPI struct {
	GetObject               func(ctx context.Context, id string, options map[string]bool) (*objectResponse, error)
	MultiGetObjects         func(ctx context.Context, ids []string, options map[string]bool) ([]objectResponse, error)
	GetLatestSuiSystemState func(ctx context.Context) (*systemState, error)
	QueryEvents             func(ctx context.Context, filter map[string]string, cursor json.RawMessage, limit int, descending bool) (*eventPage, error)
	GetOwnedObjects         func(ctx context.Context, owner string, query map[string]interface{}, cursor json.RawMessage, limit int) (*ownedObjectPage, error)
	GetCoins                func(ctx context.Context, owner, coinType string, cursor json.RawMessage, limit int) (*coinPage, error)
	PaySui                  func(ctx context.Context, signer string, inputCoins, recipients, amounts []string, gasBudget string) (*txBytesResult, error)
	MoveCall                func(ctx context.Context, signer, packageID, module, function string, typeArgs []string, args []interface{}, gas *string, gasBudget string) (*txBytesResult, error)
	ExecuteTransactionBlock func(ctx context.Context, txBytes string, signatures []string, options map[string]bool, requestType string) (*executeResult, error)
}

// Sui 的方法名混用 sui_、suix_、unsafe_ 前缀，不能由命名空间推导
var nodeMethods = map[string]string{
	"GetObject":               "sui_getObject",
	"MultiGetObjects":         "sui_multiGetObjects",
	"GetLatestSuiSystemState": "suix_getLatestSuiSystemState",
	"QueryEvents":             "suix_queryEvents",
	"GetOwnedObjects":         "suix_getOwnedObjects",
	"GetCoins":                "suix_getCoins",
	"PaySui":                  "unsafe_paySui",
	"MoveCall":                "unsafe_moveCall",
	"ExecuteTransactionBlock": "sui_executeTransactionBlock",
}

func nodeMethodName(_, method string) string {
	if name, ok := nodeMethods[method]; ok {
		return name
	}
	return method
}

// rpcClient 全节点 JSON-RPC 传输
type rpcClient struct {
	node    nodeAPI
	closer  jsonrpc.ClientCloser
	timeout time.Duration
}

func newRPCClient(url string, timeout time.Duration) (*rpcClient, error) {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	c := &rpcClient{timeout: timeout}
	closer, err := jsonrpc.NewMergeClient(context.Background(), url, "Sui",
		[]interface{}{&c.node},
		nil,
		jsonrpc.WithMethodNameFormatter(nodeMethodName),
	)
	if err != nil {
		return nil, fmt.Errorf("create sui rpc client: %w", err)
	}
	c.closer = closer
	return c, nil
}

// invoke 在单次请求超时内执行调用，并把节点错误转换为 *RPCError
func invoke[T any](ctx context.Context, c *rpcClient, method string, fn func(ctx context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := fn(ctx)
	if err == nil {
		return out, nil
	}
	var nodeErr *jsonrpc.JSONRPCError
	if errors.As(err, &nodeErr) {
		return out, &RPCError{Code: int(nodeErr.Code), Message: nodeErr.Message}
	}
	return out, fmt.Errorf("%s: %w", method, err)
}

func (c *rpcClient) getObject(ctx context.Context, id string) (*objectResponse, error) {
	return invoke(ctx, c, "sui_getObject", func(ctx context.Context) (*objectResponse, error) {
		return c.node.GetObject(ctx, id, objectOptions)
	})
}

func (c *rpcClient) multiGetObjects(ctx context.Context, ids []string) ([]objectResponse, error) {
	return invoke(ctx, c, "sui_multiGetObjects", func(ctx context.Context) ([]objectResponse, error) {
		return c.node.MultiGetObjects(ctx, ids, objectOptions)
	})
}

func (c *rpcClient) latestSystemState(ctx context.Context) (*systemState, error) {
	return invoke(ctx, c, "suix_getLatestSuiSystemState", c.node.GetLatestSuiSystemState)
}

func (c *rpcClient) queryEvents(ctx context.Context, filter map[string]string, cursor json.RawMessage) (*eventPage, error) {
	return invoke(ctx, c, "suix_queryEvents", func(ctx context.Context) (*eventPage, error) {
		return c.node.QueryEvents(ctx, filter, cursor, eventPageSize, true)
	})
}

func (c *rpcClient) ownedObjects(ctx context.Context, owner string, query map[string]interface{}, cursor json.RawMessage) (*ownedObjectPage, error) {
	return invoke(ctx, c, "suix_getOwnedObjects", func(ctx context.Context) (*ownedObjectPage, error) {
		return c.node.GetOwnedObjects(ctx, owner, query, cursor, eventPageSize)
	})
}

func (c *rpcClient) coins(ctx context.Context, owner string) (*coinPage, error) {
	return invoke(ctx, c, "suix_getCoins", func(ctx context.Context) (*coinPage, error) {
		return c.node.GetCoins(ctx, owner, suiCoinType, nil, eventPageSize)
	})
}

func (c *rpcClient) paySui(ctx context.Context, signer string, inputs, recipients, amounts []string, gasBudget string) (*txBytesResult, error) {
	return invoke(ctx, c, "unsafe_paySui", func(ctx context.Context) (*txBytesResult, error) {
		return c.node.PaySui(ctx, signer, inputs, recipients, amounts, gasBudget)
	})
}

func (c *rpcClient) moveCall(ctx context.Context, signer, packageID, module, function string, args []interface{}, gasBudget string) (*txBytesResult, error) {
	return invoke(ctx, c, "unsafe_moveCall", func(ctx context.Context) (*txBytesResult, error) {
		return c.node.MoveCall(ctx, signer, packageID, module, function, []string{}, args, nil, gasBudget)
	})
}

func (c *rpcClient) executeTransaction(ctx context.Context, txBytes, signature string) (*executeResult, error) {
	return invoke(ctx, c, "sui_executeTransactionBlock", func(ctx context.Context) (*executeResult, error) {
		return c.node.ExecuteTransactionBlock(ctx, txBytes, []string{signature},
			map[string]bool{"showEffects": true, "showObjectChanges": true},
			"WaitForLocalExecution",
		)
	})
}

func (c *rpcClient) close() {
	if c.closer != nil {
		c.closer()
	}
}
