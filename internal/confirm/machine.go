package confirm

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "OpenMCP-Gateway/internal/errors"
	"OpenMCP-Gateway/internal/journal"
	"OpenMCP-Gateway/internal/observability/alerting"
	"OpenMCP-Gateway/internal/observability/metrics"
	"OpenMCP-Gateway/pkg/logger"
)

// CancelledText 是被拒绝操作返回给调用方的结果。
const CancelledText = "Operation cancelled by user."

const (
	// DefaultTTL 是待确认操作的默认有效期。
	DefaultTTL = 15 * time.Minute
	// DefaultSweepInterval 是过期清理的默认周期。
	DefaultSweepInterval = 30 * time.Second
)

// Outcome 是执行器成功时的结果。
type Outcome struct {
	Text   string
	TxHash string
}

// Executor 执行已批准的敏感操作。args 是创建确认时保存的参数快照。
type Executor func(ctx context.Context, args map[string]string) (Outcome, error)

// Request 描述一次需要确认的调用。RunID 为空时自动生成。
type Request struct {
	RunID     string
	Operation string
	Args      map[string]string
	Summary   string
}

// Resolution 是一次确认结束后的结果。
type Resolution struct {
	Confirmation *Confirmation
	// Executed 表示执行器被调用过。
	Executed bool
	Outcome  Outcome
	// Err 是执行器返回的错误或该确认无法恢复的原因。
	Err error
}

// Text 返回面向调用方的纯文本结果。
func (r Resolution) Text() string {
	if r.Err != nil {
		return xerrors.Text(r.Err)
	}
	return r.Outcome.Text
}

// Machine 管理敏感操作的挂起、决策与恢复。
// 任何执行器只会在对应确认被原子地从 approved 迁移到 executing 后运行。
type Machine struct {
	store   Store
	journal journal.Store
	alerts  alerting.Dispatcher
	metrics *metrics.Metrics
	ttl     time.Duration
	sweep   time.Duration
	now     func() time.Time
	log     *slog.Logger

	mu        sync.RWMutex
	executors map[string]Executor
}

// Option 定义可选配置。
type Option func(*Machine)

// WithJournal 指定操作日志。
func WithJournal(j journal.Store) Option {
	return func(m *Machine) { m.journal = j }
}

// WithDispatcher 指定事件分发器。
func WithDispatcher(d alerting.Dispatcher) Option {
	return func(m *Machine) { m.alerts = d }
}

// WithMetrics 注入指标收集器。
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Machine) { m.metrics = mt }
}

// WithTTL 设置待确认操作的有效期。
func WithTTL(ttl time.Duration) Option {
	return func(m *Machine) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithSweepInterval 设置过期清理周期。
func WithSweepInterval(d time.Duration) Option {
	return func(m *Machine) {
		if d > 0 {
			m.sweep = d
		}
	}
}

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// WithLogger 指定日志记录器。
func WithLogger(log *slog.Logger) Option {
	return func(m *Machine) {
		if log != nil {
			m.log = log
		}
	}
}

// NewMachine 创建状态机。
func NewMachine(store Store, opts ...Option) *Machine {
	m := &Machine{
		store:     store,
		ttl:       DefaultTTL,
		sweep:     DefaultSweepInterval,
		now:       func() time.Time { return time.Now().UTC() },
		log:       logger.Named("confirm"),
		executors: make(map[string]Executor),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Register 为操作名注册执行器。
func (m *Machine) Register(operation string, exec Executor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executors[operation] = exec
}

// TTL 返回待确认操作的有效期。
func (m *Machine) TTL() time.Duration { return m.ttl }

func (m *Machine) executor(operation string) (Executor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.executors[operation]
	return exec, ok
}

// Request 创建待确认记录并挂起调用，不执行任何操作。
func (m *Machine) Request(ctx context.Context, req Request) (*Confirmation, error) {
	if m.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "确认存储未初始化")
	}
	if _, ok := m.executor(req.Operation); !ok {
		return nil, xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("operation %q does not require confirmation", req.Operation))
	}
	now := m.now()
	runID := strings.TrimSpace(req.RunID)
	if runID == "" {
		runID = uuid.NewString()
	}
	c := &Confirmation{
		ID:        uuid.NewString(),
		RunID:     runID,
		Operation: req.Operation,
		Args:      CloneArgs(req.Args),
		Summary:   req.Summary,
		State:     StatePending,
		CreatedAt: now,
		ExpiresAt: now.Add(m.ttl),
	}
	if err := m.store.Create(ctx, c); err != nil {
		return nil, err
	}

	m.metrics.ObserveConfirmation("requested")
	m.refreshPending(ctx)
	logger.Audit().Info("待确认操作已创建",
		slog.String("confirmation_id", c.ID),
		slog.String("run_id", c.RunID),
		slog.String("operation", c.Operation),
		slog.String("summary", c.Summary),
		slog.Time("expires_at", c.ExpiresAt),
	)
	m.emit(ctx, alerting.Event{
		Kind:           alerting.KindConfirmationRequested,
		ConfirmationID: c.ID,
		RunID:          c.RunID,
		Operation:      c.Operation,
		Severity:       xerrors.SeverityInfo,
		Message:        c.Summary,
		Metadata:       CloneArgs(c.Args),
	})
	return c, nil
}

// Get 返回确认记录。
func (m *Machine) Get(ctx context.Context, id string) (*Confirmation, error) {
	return m.store.Get(ctx, id)
}

// List 返回尚未结束的确认，runID 为空时返回全部。
func (m *Machine) List(ctx context.Context, runID string) ([]*Confirmation, error) {
	return m.store.List(ctx, runID)
}

// Decide 记录外部决策，每个确认只能决策一次。
func (m *Machine) Decide(ctx context.Context, id string, approved bool, by string) (*Confirmation, error) {
	if strings.TrimSpace(by) == "" {
		by = "unknown"
	}
	c, err := m.store.Decide(ctx, id, approved, by, m.now())
	if err != nil {
		if IsCode(err, CodeExpired) && c != nil {
			m.expire(ctx, c)
		}
		return c, err
	}

	event := "denied"
	if approved {
		event = "approved"
	}
	m.metrics.ObserveConfirmation(event)
	logger.Audit().Info("待确认操作已决策",
		slog.String("confirmation_id", c.ID),
		slog.String("run_id", c.RunID),
		slog.String("operation", c.Operation),
		slog.Bool("approved", approved),
		slog.String("decided_by", by),
	)
	m.emit(ctx, alerting.Event{
		Kind:           alerting.KindConfirmationDecided,
		ConfirmationID: c.ID,
		RunID:          c.RunID,
		Operation:      c.Operation,
		Severity:       xerrors.SeverityInfo,
		Message:        fmt.Sprintf("%s by %s", event, by),
		Metadata:       map[string]string{"decision": event, "decided_by": by},
	})
	return c, nil
}

// Resume 恢复一个已决策的确认: 批准则运行执行器，拒绝则返回 CancelledText。
// 记录在结果返回前从注册表移除。执行器错误保存在 Resolution.Err 中。
func (m *Machine) Resume(ctx context.Context, id string) (Resolution, error) {
	c, err := m.store.Claim(ctx, id, m.now())
	if err != nil {
		if IsCode(err, CodeExpired) && c != nil {
			m.expire(ctx, c)
		}
		return Resolution{Confirmation: c}, err
	}

	res := Resolution{Confirmation: c}
	if c.Approved {
		exec, ok := m.executor(c.Operation)
		if !ok {
			res.Err = xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("no executor registered for %q", c.Operation))
		} else {
			res.Executed = true
			res.Outcome, res.Err = exec(ctx, CloneArgs(c.Args))
		}
	} else {
		res.Outcome = Outcome{Text: CancelledText}
	}

	// 先写操作日志再删除记录，等待中的调用方总能查到其中之一。
	m.finish(ctx, res)
	if err := m.store.Delete(ctx, c.ID); err != nil {
		m.log.Error("删除已结束的确认失败", slog.String("confirmation_id", c.ID), slog.Any("error", err))
	}
	return res, nil
}

// Resolve 记录决策后立即恢复执行。
func (m *Machine) Resolve(ctx context.Context, id string, approved bool, by string) (Resolution, error) {
	c, err := m.Decide(ctx, id, approved, by)
	if err != nil {
		return Resolution{Confirmation: c}, err
	}
	return m.Resume(ctx, id)
}

// Await 轮询直到确认被决策或过期，然后恢复执行。
// 若确认已由其他调用方（例如审批接口）恢复，则从操作日志读取其结果。
func (m *Machine) Await(ctx context.Context, id string, interval time.Duration) (Resolution, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last *Confirmation
	for {
		c, err := m.store.Get(ctx, id)
		switch {
		case err == nil:
			last = c
			if c.State != StateExecuting && (c.Decided() || c.Expired(m.now())) {
				res, err := m.Resume(ctx, id)
				if !IsCode(err, CodeInProgress) && !IsCode(err, CodeNotFound) {
					return res, err
				}
			}
		case IsCode(err, CodeNotFound):
			if res, ok := m.settled(ctx, id); ok {
				return res, nil
			}
			if last == nil {
				return Resolution{}, err
			}
		default:
			return Resolution{Confirmation: last}, err
		}
		select {
		case <-ctx.Done():
			return Resolution{Confirmation: last}, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待确认决策超时")
		case <-ticker.C:
		}
	}
}

// settled 从操作日志中读取已结束确认的结果。
func (m *Machine) settled(ctx context.Context, id string) (Resolution, bool) {
	if m.journal == nil {
		return Resolution{}, false
	}
	entries, err := m.journal.List(ctx, journal.Query{ConfirmationID: id, Limit: 1})
	if err != nil {
		m.log.Warn("读取操作日志失败", slog.String("confirmation_id", id), slog.Any("error", err))
		return Resolution{}, false
	}
	if len(entries) == 0 {
		return Resolution{}, false
	}
	return resolutionFromEntry(entries[0]), true
}

func resolutionFromEntry(e journal.Entry) Resolution {
	c := &Confirmation{
		ID:        e.ConfirmationID,
		RunID:     e.RunID,
		Operation: e.Operation,
		Args:      CloneArgs(e.Args),
		Approved:  e.Decision == journal.DecisionApproved,
		DecidedBy: e.DecidedBy,
		CreatedAt: e.CreatedAt,
		DecidedAt: e.ResolvedAt,
	}
	switch e.Decision {
	case journal.DecisionApproved:
		c.State = StateApproved
	case journal.DecisionDenied:
		c.State = StateDenied
	default:
		c.State = StatePending
	}
	res := Resolution{
		Confirmation: c,
		Executed:     c.Approved,
		Outcome:      Outcome{Text: e.Result, TxHash: e.TxHash},
	}
	if e.ErrorCode != "" {
		code := xerrors.Code(e.ErrorCode)
		res.Err = xerrors.New(code, strings.TrimPrefix(e.Result, fmt.Sprintf("Error [%s]: ", code)))
		res.Outcome = Outcome{}
	}
	return res
}

// ResumeRun 恢复一个 run 内的全部确认。只要仍有未决策的确认就拒绝恢复，
// 返回的错误中列出这些确认。
func (m *Machine) ResumeRun(ctx context.Context, runID string) ([]Resolution, error) {
	list, err := m.store.List(ctx, runID)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, xerrors.New(CodeNotFound, fmt.Sprintf("no pending confirmations for run %s", runID))
	}
	now := m.now()
	var undecided []string
	for _, c := range list {
		if c.State == StatePending && !c.Expired(now) {
			undecided = append(undecided, c.ID)
		}
	}
	if len(undecided) > 0 {
		return nil, xerrors.New(CodeUndecided,
			fmt.Sprintf("run %s has undecided confirmations: %s", runID, strings.Join(undecided, ", ")),
			xerrors.WithMetadata("run_id", runID),
			xerrors.WithMetadata("undecided", strings.Join(undecided, ",")))
	}

	results := make([]Resolution, 0, len(list))
	for _, c := range list {
		res, err := m.Resume(ctx, c.ID)
		if err != nil {
			res.Err = err
			if res.Confirmation == nil {
				res.Confirmation = c
			}
		}
		results = append(results, res)
	}
	return results, nil
}

// ResolveRun 先应用一组决策，再恢复整个 run。
// 决策中的确认必须属于该 run。
func (m *Machine) ResolveRun(ctx context.Context, runID string, decisions map[string]bool, by string) ([]Resolution, error) {
	ids := make([]string, 0, len(decisions))
	for id := range decisions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		c, err := m.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if c.RunID != runID {
			return nil, xerrors.New(CodeNotFound, fmt.Sprintf("confirmation %s does not belong to run %s", id, runID))
		}
		if c.Decided() {
			continue
		}
		if _, err := m.Decide(ctx, id, decisions[id], by); err != nil && !IsCode(err, CodeExpired) {
			return nil, err
		}
	}
	return m.ResumeRun(ctx, runID)
}

// Sweep 清理已过期的确认并返回清理数量。
func (m *Machine) Sweep(ctx context.Context) (int, error) {
	expired, err := m.store.PurgeExpired(ctx, m.now())
	if err != nil {
		return 0, err
	}
	for _, c := range expired {
		m.finishExpired(ctx, c)
	}
	if len(expired) > 0 {
		m.refreshPending(ctx)
	}
	return len(expired), nil
}

// Run 周期性清理过期确认，直到 ctx 取消。
func (m *Machine) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := m.Sweep(ctx); err != nil {
				m.log.Warn("清理过期确认失败", slog.Any("error", err))
			} else if n > 0 {
				m.log.Info("已清理过期确认", slog.Int("count", n))
			}
		}
	}
}

func (m *Machine) expire(ctx context.Context, c *Confirmation) {
	if err := m.store.Delete(ctx, c.ID); err != nil {
		m.log.Error("删除过期确认失败", slog.String("confirmation_id", c.ID), slog.Any("error", err))
	}
	m.finishExpired(ctx, c)
	m.refreshPending(ctx)
}

func (m *Machine) finishExpired(ctx context.Context, c *Confirmation) {
	m.metrics.ObserveConfirmation("expired")
	m.append(ctx, journal.Entry{
		ConfirmationID: c.ID,
		RunID:          c.RunID,
		Operation:      c.Operation,
		Args:           c.Args,
		Decision:       journal.DecisionExpired,
		DecidedBy:      c.DecidedBy,
		Result:         xerrors.Text(ErrExpired),
		ErrorCode:      string(CodeExpired),
		CreatedAt:      c.CreatedAt,
		ResolvedAt:     m.now(),
	})
	logger.Audit().Warn("待确认操作已过期",
		slog.String("confirmation_id", c.ID),
		slog.String("run_id", c.RunID),
		slog.String("operation", c.Operation),
	)
	m.emit(ctx, alerting.Event{
		Kind:           alerting.KindConfirmationExpired,
		Code:           CodeExpired,
		ConfirmationID: c.ID,
		RunID:          c.RunID,
		Operation:      c.Operation,
		Severity:       xerrors.SeverityWarning,
		Message:        "confirmation expired before it was resumed",
	})
}

func (m *Machine) finish(ctx context.Context, res Resolution) {
	c := res.Confirmation
	decision := journal.DecisionDenied
	if c.Approved {
		decision = journal.DecisionApproved
	}
	entry := journal.Entry{
		ConfirmationID: c.ID,
		RunID:          c.RunID,
		Operation:      c.Operation,
		Args:           c.Args,
		Decision:       decision,
		DecidedBy:      c.DecidedBy,
		Result:         res.Text(),
		TxHash:         res.Outcome.TxHash,
		CreatedAt:      c.CreatedAt,
		ResolvedAt:     m.now(),
	}

	event := alerting.Event{
		ConfirmationID: c.ID,
		RunID:          c.RunID,
		Operation:      c.Operation,
		Severity:       xerrors.SeverityInfo,
		Message:        res.Text(),
	}
	switch {
	case res.Err != nil:
		entry.ErrorCode = string(xerrors.CodeOf(res.Err))
		event = event.WithError(res.Err)
		event.Kind = alerting.KindOperationFailed
		m.metrics.ObserveConfirmation("failed")
	case res.Executed:
		event.Kind = alerting.KindOperationExecuted
		if res.Outcome.TxHash != "" {
			event.Metadata = map[string]string{"tx_hash": res.Outcome.TxHash}
		}
		m.metrics.ObserveConfirmation("executed")
	default:
		event.Kind = alerting.KindOperationCancelled
		m.metrics.ObserveConfirmation("cancelled")
	}

	m.append(ctx, entry)
	m.refreshPending(ctx)
	logger.Audit().Info("待确认操作已结束",
		slog.String("confirmation_id", c.ID),
		slog.String("run_id", c.RunID),
		slog.String("operation", c.Operation),
		slog.String("decision", decision),
		slog.Bool("executed", res.Executed),
		slog.String("tx_hash", res.Outcome.TxHash),
		slog.String("error_code", entry.ErrorCode),
	)
	m.emit(ctx, event)
}

func (m *Machine) append(ctx context.Context, entry journal.Entry) {
	if m.journal == nil {
		return
	}
	if err := m.journal.Append(ctx, entry); err != nil {
		m.log.Error("写入操作日志失败",
			slog.String("confirmation_id", entry.ConfirmationID),
			slog.Any("error", err))
	}
}

func (m *Machine) emit(ctx context.Context, event alerting.Event) {
	if m.alerts == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = m.now()
	}
	if err := m.alerts.Notify(ctx, event); err != nil {
		m.log.Warn("事件分发失败",
			slog.String("kind", string(event.Kind)),
			slog.String("confirmation_id", event.ConfirmationID),
			slog.Any("error", err))
	}
}

func (m *Machine) refreshPending(ctx context.Context) {
	if m.metrics == nil {
		return
	}
	list, err := m.store.List(ctx, "")
	if err != nil {
		return
	}
	m.metrics.SetPending(len(list))
}
