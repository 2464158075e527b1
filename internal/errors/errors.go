package errors

import (
	stdErrors "errors"
	"fmt"
	"sync"
)

// Code 表示网关内的统一错误码，同时出现在工具结果文本 "Error [CODE]" 中。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// 链上操作相关的错误码。
const (
	CodeConfiguration    Code = "CONFIGURATION_ERROR"
	CodeConnection       Code = "CONNECTION_ERROR"
	CodeValidation       Code = "VALIDATION_ERROR"
	CodeNotAuthorized    Code = "NOT_AUTHORIZED"
	CodeContractLogic    Code = "CONTRACT_LOGIC_ERROR"
	CodeSubmissionFailed Code = "SUBMISSION_FAILED"
)

// 基础设施与通用错误码。
const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeTimeout               Code = "TIMEOUT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

var (
	registryMu sync.RWMutex
	registry   = make(map[Code]Attributes)
)

func init() {
	builtin := []struct {
		code      Code
		severity  Severity
		retryable bool
		alert     bool
		message   string
	}{
		{CodeConfiguration, SeverityCritical, false, true, "invalid configuration"},
		{CodeConnection, SeverityCritical, true, true, "chain rpc unreachable"},
		{CodeValidation, SeverityInfo, false, false, "validation failed"},
		{CodeNotAuthorized, SeverityWarning, false, true, "destination not authorized"},
		{CodeContractLogic, SeverityWarning, false, false, "contract rejected the call"},
		{CodeSubmissionFailed, SeverityCritical, false, true, "transaction submission failed"},

		{CodeUnknown, SeverityCritical, false, true, "unknown error"},
		{CodeInvalidArgument, SeverityInfo, false, false, "invalid argument"},
		{CodeNotFound, SeverityInfo, false, false, "resource not found"},
		{CodeConflict, SeverityWarning, false, false, "resource conflict"},
		{CodeTimeout, SeverityWarning, true, true, "operation timed out"},
		{CodeInitializationFailure, SeverityWarning, true, true, "service not initialized"},
		{CodeStorageFailure, SeverityCritical, true, true, "storage failure"},
		{CodeQueueFailure, SeverityCritical, true, true, "event publishing failure"},
	}
	for _, b := range builtin {
		registry[b.code] = Attributes{Message: b.message, Severity: b.severity, Retryable: b.retryable, Alert: b.alert}
	}
}

// Register 允许业务模块在 init 阶段注册自己的错误码。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性，未注册时返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Error 是网关内统一的错误类型。属性在读取时才从注册表解析，
// 因此包级哨兵错误可以早于对应的 Register 调用创建。
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
	adjust   []func(*Attributes)
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加键值信息，会出现在 API 错误体和告警事件中。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable 覆盖注册表中的可重试标记。
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.adjust = append(e.adjust, func(a *Attributes) { a.Retryable = retryable })
	}
}

// WithAlert 覆盖注册表中的告警标记。
func WithAlert(alert bool) Option {
	return func(e *Error) {
		e.adjust = append(e.adjust, func(a *Attributes) { a.Alert = alert })
	}
}

// WithSeverity 覆盖默认严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) {
		e.adjust = append(e.adjust, func(a *Attributes) { a.Severity = sev })
	}
}

// New 创建错误，message 为空时使用注册的默认描述。
func New(code Code, message string, opts ...Option) *Error {
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap 在已有错误外包裹统一错误类型。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) attributes() Attributes {
	attr := AttributesOf(e.code)
	for _, fn := range e.adjust {
		fn(&attr)
	}
	return attr
}

// Error 实现 error 接口，包含原因链，只用于日志。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.Message(), e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.Message())
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 让 errors.Is 按错误码比较。
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if e == nil || !ok || t == nil {
		return false
	}
	return e.code == t.code
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回面向调用方的描述，不包含原因链。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	if e.message == "" {
		return AttributesOf(e.code).Message
	}
	return e.message
}

// Metadata 返回附加信息的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

func (e *Error) Retryable() bool {
	return e != nil && e.attributes().Retryable
}

func (e *Error) ShouldAlert() bool {
	return e != nil && e.attributes().Alert
}

func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	return e.attributes().Severity
}

// From 从错误链中取出统一错误类型。
func From(err error) (*Error, bool) {
	var target *Error
	if err != nil && stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回错误码，非统一错误类型返回 UNKNOWN。
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// HasCode 判断错误链中是否带有指定错误码。
func HasCode(err error, code Code) bool {
	return err != nil && stdErrors.Is(err, &Error{code: code})
}

func RetryableError(err error) bool {
	e, ok := From(err)
	return ok && e.Retryable()
}

func ShouldAlert(err error) bool {
	e, ok := From(err)
	return ok && e.ShouldAlert()
}

// MessageOf 返回面向调用方的错误描述，非统一错误类型时返回 err.Error()。
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := From(err); ok {
		return e.Message()
	}
	return err.Error()
}

// Text 将错误渲染为 "Error [CODE]: message" 形式的纯文本结果。
func Text(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("Error [%s]: %s", CodeOf(err), MessageOf(err))
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}
