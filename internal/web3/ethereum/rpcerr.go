package ethereum

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"
	"syscall"

	gethrpc "github.com/ethereum/go-ethereum/rpc"

	xerrors "OpenMCP-Gateway/internal/errors"
)

// revertMarkers 是节点在模拟执行失败时常见的错误片段。
var revertMarkers = []string{"revert", "invalid opcode"}

// IsContractLogicError 判断错误是否来自合约执行本身（revert 等），而非传输层。
func IsContractLogicError(err error) bool {
	if err == nil {
		return false
	}
	if xerrors.CodeOf(err) == xerrors.CodeContractLogic {
		return true
	}
	var dataErr gethrpc.DataError
	if errors.As(err, &dataErr) && dataErr.ErrorData() != nil {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range revertMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// IsTransportError 判断错误是否为 RPC 端点不可达或超时。
func IsTransportError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var httpErr gethrpc.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode >= 500 || httpErr.StatusCode == 429
	}
	return false
}

// ClassifyRPCError 将 RPC 调用错误转换为统一错误码。
// 已是统一错误类型的错误原样返回。
func ClassifyRPCError(err error, op string) error {
	if err == nil {
		return nil
	}
	if _, ok := xerrors.From(err); ok {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, op+"被取消")
	}
	if IsContractLogicError(err) && !IsTransportError(err) {
		return xerrors.Wrap(xerrors.CodeContractLogic, err, op+"被合约拒绝")
	}
	return xerrors.Wrap(xerrors.CodeConnection, err, op+"失败")
}
