package confirm

import (
	"time"

	xerrors "OpenMCP-Gateway/internal/errors"
)

// State 表示待确认操作在生命周期中的状态。
type State string

const (
	StatePending   State = "pending"
	StateApproved  State = "approved"
	StateDenied    State = "denied"
	StateExecuting State = "executing"
)

// Confirmation 描述一次等待人工决策的敏感操作。结束后从注册表移除。
type Confirmation struct {
	ID        string            `json:"id"`
	RunID     string            `json:"run_id"`
	Operation string            `json:"operation"`
	Args      map[string]string `json:"args"`
	Summary   string            `json:"summary"`
	State     State             `json:"state"`
	// Approved 在决策后记录结果，进入 executing 后仍然保留。
	Approved  bool      `json:"approved"`
	DecidedBy string    `json:"decided_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	DecidedAt time.Time `json:"decided_at,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Decided 判断是否已有决策。
func (c *Confirmation) Decided() bool {
	return c != nil && c.State != StatePending
}

// Expired 判断在 now 时刻是否已过期。执行中的记录不会过期。
func (c *Confirmation) Expired(now time.Time) bool {
	if c == nil || c.State == StateExecuting || c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(c.ExpiresAt)
}

// Clone 返回深拷贝。
func (c *Confirmation) Clone() *Confirmation {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Args = CloneArgs(c.Args)
	return &clone
}

// CloneArgs 复制参数表。
func CloneArgs(args map[string]string) map[string]string {
	out := make(map[string]string, len(args))
	for k, v := range args {
		out[k] = v
	}
	return out
}

const (
	CodeNotFound   xerrors.Code = "CONFIRMATION_NOT_FOUND"
	CodeDecided    xerrors.Code = "CONFIRMATION_DECIDED"
	CodeUndecided  xerrors.Code = "CONFIRMATION_UNDECIDED"
	CodeExpired    xerrors.Code = "CONFIRMATION_EXPIRED"
	CodeInProgress xerrors.Code = "CONFIRMATION_IN_PROGRESS"
)

var (
	// ErrNotFound 表示确认不存在或已结束。
	ErrNotFound = xerrors.New(CodeNotFound, "confirmation not found")
	// ErrDecided 表示确认已经有过决策。
	ErrDecided = xerrors.New(CodeDecided, "confirmation already decided")
	// ErrUndecided 表示确认尚未决策，不能恢复执行。
	ErrUndecided = xerrors.New(CodeUndecided, "confirmation has not been decided yet")
	// ErrExpired 表示确认已超过有效期。
	ErrExpired = xerrors.New(CodeExpired, "confirmation expired")
	// ErrInProgress 表示确认已被其他调用方恢复执行。
	ErrInProgress = xerrors.New(CodeInProgress, "confirmation is already being executed")
)

func init() {
	xerrors.Register(CodeNotFound, xerrors.Attributes{
		Message:   "confirmation not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeDecided, xerrors.Attributes{
		Message:   "confirmation already decided",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeUndecided, xerrors.Attributes{
		Message:   "confirmation has not been decided yet",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeExpired, xerrors.Attributes{
		Message:   "confirmation expired",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeInProgress, xerrors.Attributes{
		Message:   "confirmation is already being executed",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
}

// IsCode 判断错误是否为指定的确认错误码。
func IsCode(err error, code xerrors.Code) bool {
	return xerrors.HasCode(err, code)
}
