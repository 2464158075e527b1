package toolserver

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"OpenMCP-Gateway/internal/confirm"
	xerrors "OpenMCP-Gateway/internal/errors"
	"OpenMCP-Gateway/internal/gateway"
	"OpenMCP-Gateway/internal/observability/metrics"
	"OpenMCP-Gateway/internal/web3"
	"OpenMCP-Gateway/pkg/logger"
)

// handlerFunc 执行一个工具并返回纯文本结果。
type handlerFunc func(ctx context.Context, args map[string]any) (string, error)

type entry struct {
	tool   mcp.Tool
	handle handlerFunc
}

// Toolset 持有全部工具定义，可以通过 MCP 或 Call 直接调用。
type Toolset struct {
	gw      *gateway.Gateway
	machine *confirm.Machine
	book    *web3.AddressBook
	metrics *metrics.Metrics
	viaTool bool
	await   time.Duration
	poll    time.Duration
	log     *slog.Logger

	order   []string
	entries map[string]entry
}

// Option 定义可选配置。
type Option func(*Toolset)

// WithAddressBook 启用 get_address_by_name。
func WithAddressBook(book *web3.AddressBook) Option {
	return func(t *Toolset) { t.book = book }
}

// WithMetrics 注入指标收集器。
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Toolset) { t.metrics = m }
}

// WithDecisionTools 控制是否通过工具暴露决策与恢复操作。
func WithDecisionTools(enabled bool) Option {
	return func(t *Toolset) { t.viaTool = enabled }
}

// WithAwait 让转账工具在返回前最多等待 d 时长的决策，0 表示立即返回。
func WithAwait(d time.Duration) Option {
	return func(t *Toolset) { t.await = d }
}

// WithLogger 指定日志记录器。
func WithLogger(log *slog.Logger) Option {
	return func(t *Toolset) {
		if log != nil {
			t.log = log
		}
	}
}

// New 构建工具集，并在状态机上注册两个转账执行器。
func New(gw *gateway.Gateway, machine *confirm.Machine, opts ...Option) (*Toolset, error) {
	if gw == nil || machine == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "工具集需要网关与确认状态机")
	}
	t := &Toolset{
		gw:      gw,
		machine: machine,
		poll:    250 * time.Millisecond,
		log:     logger.Named("toolserver"),
		entries: make(map[string]entry),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	machine.Register(ToolSendETH, t.transferExecutor(web3.AssetNative))
	machine.Register(ToolSendToken, t.transferExecutor(web3.AssetToken))
	t.registerTools()
	return t, nil
}

func (t *Toolset) add(tool mcp.Tool, handle handlerFunc) {
	if _, exists := t.entries[tool.Name]; !exists {
		t.order = append(t.order, tool.Name)
	}
	t.entries[tool.Name] = entry{tool: tool, handle: handle}
}

// Names 返回已注册的工具名称。
func (t *Toolset) Names() []string {
	out := append([]string(nil), t.order...)
	sort.Strings(out)
	return out
}

// Call 按名称调用工具，结果总是纯文本。
func (t *Toolset) Call(ctx context.Context, name string, args map[string]any) string {
	e, ok := t.entries[name]
	if !ok {
		t.metrics.ObserveToolCall("unknown", "not_found", 0)
		return xerrors.Text(xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("unknown tool %q", name)))
	}
	if args == nil {
		args = map[string]any{}
	}

	start := time.Now()
	text, err := e.handle(ctx, args)
	outcome := "ok"
	if err != nil {
		outcome = strings.ToLower(string(xerrors.CodeOf(err)))
		text = xerrors.Text(err)
		t.log.Warn("工具调用失败",
			slog.String("tool", name),
			slog.String("error_code", string(xerrors.CodeOf(err))),
			slog.String("error", err.Error()))
	} else if strings.HasPrefix(text, confirmationPrefix) {
		outcome = "confirmation_required"
	}
	t.metrics.ObserveToolCall(name, outcome, time.Since(start))
	return text
}

// stringArg 读取字符串参数，非字符串或 required 时缺失都返回 VALIDATION_ERROR。
func stringArg(args map[string]any, key string, required bool) (string, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		if required {
			return "", xerrors.New(xerrors.CodeValidation, key+" is required")
		}
		return "", nil
	}
	// 地址与 ID 只接受字符串，数字不能按十进制文本去猜测。
	value, ok := raw.(string)
	if !ok {
		return "", xerrors.New(xerrors.CodeValidation, fmt.Sprintf("%s must be a string, got %T", key, raw))
	}
	value = strings.TrimSpace(value)
	if required && value == "" {
		return "", xerrors.New(xerrors.CodeValidation, key+" is required")
	}
	return value, nil
}

func boolArg(args map[string]any, key string) (bool, error) {
	switch v := args[key].(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, xerrors.New(xerrors.CodeValidation, fmt.Sprintf("%s must be a boolean", key))
		}
		return b, nil
	case nil:
		return false, xerrors.New(xerrors.CodeValidation, key+" is required")
	default:
		return false, xerrors.New(xerrors.CodeValidation, fmt.Sprintf("%s must be a boolean", key))
	}
}

// decisionsArg 解析 {"<confirmation_id>": true|false} 形式的批量决策。
func decisionsArg(args map[string]any, key string) (map[string]bool, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return nil, nil
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, xerrors.New(xerrors.CodeValidation, key+" must be an object of confirmation id to boolean")
	}
	out := make(map[string]bool, len(obj))
	for id := range obj {
		approved, err := boolArg(obj, id)
		if err != nil {
			return nil, xerrors.New(xerrors.CodeValidation, fmt.Sprintf("decision for %s must be a boolean", id))
		}
		out[id] = approved
	}
	return out, nil
}
