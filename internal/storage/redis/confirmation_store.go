package redis

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"OpenMCP-Gateway/internal/confirm"
	xerrors "OpenMCP-Gateway/internal/errors"
)

// Config 描述 Redis 注册表的连接参数。
type Config struct {
	Address  string
	Password string
	DB       int
	Prefix   string
	// Retention 是记录过期后在 Redis 中额外保留的时间，便于清理任务记录过期事件。
	Retention time.Duration
	// Lease 是记录进入 executing 后的最长保留时间。
	Lease time.Duration
}

const (
	defaultPrefix    = "gateway:confirm"
	defaultRetention = time.Hour
	defaultLease     = 10 * time.Minute
)

// ConfirmationStore 使用 Redis 保存待确认操作。
type ConfirmationStore struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
	lease     time.Duration
}

var _ confirm.Store = (*ConfirmationStore)(nil)

// 返回 HGETALL 结果，失败时以错误码作为错误信息。
var (
	createScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return redis.error_reply('CONFLICT')
end
redis.call('HSET', KEYS[1], unpack(ARGV, 4))
redis.call('PEXPIREAT', KEYS[1], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[3])
return 1
`)

	decideScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return redis.error_reply('NOT_FOUND')
end
if redis.call('HGET', KEYS[1], 'state') ~= 'pending' then
  return redis.error_reply('DECIDED')
end
local exp = tonumber(redis.call('HGET', KEYS[1], 'expires_at'))
if exp > 0 and tonumber(ARGV[3]) >= exp then
  return redis.error_reply('EXPIRED')
end
local state = 'denied'
if ARGV[1] == '1' then
  state = 'approved'
end
redis.call('HSET', KEYS[1], 'state', state, 'approved', ARGV[1], 'decided_by', ARGV[2], 'decided_at', ARGV[3])
return redis.call('HGETALL', KEYS[1])
`)

	claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return redis.error_reply('NOT_FOUND')
end
local state = redis.call('HGET', KEYS[1], 'state')
local exp = tonumber(redis.call('HGET', KEYS[1], 'expires_at'))
local expired = exp > 0 and tonumber(ARGV[1]) >= exp
if state == 'executing' then
  return redis.error_reply('IN_PROGRESS')
end
if expired then
  return redis.error_reply('EXPIRED')
end
if state == 'pending' then
  return redis.error_reply('UNDECIDED')
end
redis.call('HSET', KEYS[1], 'state', 'executing')
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return redis.call('HGETALL', KEYS[1])
`)

	purgeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  redis.call('ZREM', KEYS[2], ARGV[2])
  return 0
end
if redis.call('HGET', KEYS[1], 'state') == 'executing' then
  return 0
end
local exp = tonumber(redis.call('HGET', KEYS[1], 'expires_at'))
if exp > 0 and tonumber(ARGV[1]) >= exp then
  redis.call('DEL', KEYS[1])
  redis.call('ZREM', KEYS[2], ARGV[2])
  return 1
end
return 0
`)
)

// NewConfirmationStore 连接 Redis 并创建注册表。
func NewConfirmationStore(ctx context.Context, cfg Config) (*ConfirmationStore, error) {
	if cfg.Address == "" {
		return nil, xerrors.New(xerrors.CodeConfiguration, "Redis address 不能为空")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, xerrors.Wrap(xerrors.CodeConnection, err, "连接 Redis 失败")
	}
	return newConfirmationStore(client, cfg), nil
}

func newConfirmationStore(client *redis.Client, cfg Config) *ConfirmationStore {
	s := &ConfirmationStore{
		client:    client,
		prefix:    strings.TrimSuffix(cfg.Prefix, ":"),
		retention: cfg.Retention,
		lease:     cfg.Lease,
	}
	if s.prefix == "" {
		s.prefix = defaultPrefix
	}
	if s.retention <= 0 {
		s.retention = defaultRetention
	}
	if s.lease <= 0 {
		s.lease = defaultLease
	}
	return s
}

func (s *ConfirmationStore) key(id string) string { return s.prefix + ":" + id }

func (s *ConfirmationStore) indexKey() string { return s.prefix + ":index" }

// Create 实现 confirm.Store 接口。
func (s *ConfirmationStore) Create(ctx context.Context, c *confirm.Confirmation) error {
	if c == nil || c.ID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "确认 ID 不能为空")
	}
	fields, err := encodeHash(c)
	if err != nil {
		return err
	}
	expireAt := c.ExpiresAt.Add(s.retention)
	if c.ExpiresAt.IsZero() {
		expireAt = time.Now().Add(s.retention)
	}
	args := []any{toMillis(c.CreatedAt), expireAt.UnixMilli(), c.ID}
	for _, f := range fields {
		args = append(args, f)
	}
	if err := createScript.Run(ctx, s.client, []string{s.key(c.ID), s.indexKey()}, args...).Err(); err != nil {
		if scriptCode(err) == "CONFLICT" {
			return xerrors.New(xerrors.CodeConflict, "确认 ID 已存在")
		}
		return storageError(err, "写入待确认记录失败")
	}
	return nil
}

// Get 实现 confirm.Store 接口。
func (s *ConfirmationStore) Get(ctx context.Context, id string) (*confirm.Confirmation, error) {
	values, err := s.client.HGetAll(ctx, s.key(id)).Result()
	if err != nil {
		return nil, storageError(err, "读取待确认记录失败")
	}
	if len(values) == 0 {
		return nil, confirm.ErrNotFound
	}
	return decodeHash(values)
}

// List 实现 confirm.Store 接口。
func (s *ConfirmationStore) List(ctx context.Context, runID string) ([]*confirm.Confirmation, error) {
	all, err := s.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*confirm.Confirmation, 0, len(all))
	for _, c := range all {
		if runID != "" && c.RunID != runID {
			continue
		}
		out = append(out, c)
	}
	confirm.SortByCreated(out)
	return out, nil
}

// Decide 实现 confirm.Store 接口。
func (s *ConfirmationStore) Decide(ctx context.Context, id string, approved bool, by string, at time.Time) (*confirm.Confirmation, error) {
	flag := "0"
	if approved {
		flag = "1"
	}
	res, err := decideScript.Run(ctx, s.client, []string{s.key(id)}, flag, by, toMillis(at)).Slice()
	if err != nil {
		return s.transitionError(ctx, id, err)
	}
	return decodeReply(res)
}

// Claim 实现 confirm.Store 接口。
func (s *ConfirmationStore) Claim(ctx context.Context, id string, now time.Time) (*confirm.Confirmation, error) {
	res, err := claimScript.Run(ctx, s.client, []string{s.key(id)}, toMillis(now), s.lease.Milliseconds()).Slice()
	if err != nil {
		return s.transitionError(ctx, id, err)
	}
	return decodeReply(res)
}

// Delete 实现 confirm.Store 接口。
func (s *ConfirmationStore) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key(id))
	pipe.ZRem(ctx, s.indexKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return storageError(err, "删除待确认记录失败")
	}
	return nil
}

// PurgeExpired 实现 confirm.Store 接口。
func (s *ConfirmationStore) PurgeExpired(ctx context.Context, now time.Time) ([]*confirm.Confirmation, error) {
	all, err := s.loadAll(ctx)
	if err != nil {
		return nil, err
	}
	var purged []*confirm.Confirmation
	for _, c := range all {
		if !c.Expired(now) {
			continue
		}
		n, err := purgeScript.Run(ctx, s.client, []string{s.key(c.ID), s.indexKey()}, toMillis(now), c.ID).Int()
		if err != nil {
			return purged, storageError(err, "清理过期记录失败")
		}
		if n == 1 {
			purged = append(purged, c)
		}
	}
	confirm.SortByCreated(purged)
	return purged, nil
}

// Close 关闭 Redis 连接。
func (s *ConfirmationStore) Close() error {
	return s.client.Close()
}

// loadAll 读取索引中的全部记录，顺带移除已被 Redis 淘汰的索引项。
func (s *ConfirmationStore) loadAll(ctx context.Context) ([]*confirm.Confirmation, error) {
	ids, err := s.client.ZRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, storageError(err, "读取确认索引失败")
	}
	if len(ids) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, storageError(err, "读取待确认记录失败")
	}

	out := make([]*confirm.Confirmation, 0, len(ids))
	var stale []any
	for i, cmd := range cmds {
		values := cmd.Val()
		if len(values) == 0 {
			stale = append(stale, ids[i])
			continue
		}
		c, err := decodeHash(values)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if len(stale) > 0 {
		_ = s.client.ZRem(ctx, s.indexKey(), stale...).Err()
	}
	return out, nil
}

func (s *ConfirmationStore) transitionError(ctx context.Context, id string, err error) (*confirm.Confirmation, error) {
	var sentinel error
	switch scriptCode(err) {
	case "NOT_FOUND":
		return nil, confirm.ErrNotFound
	case "DECIDED":
		sentinel = confirm.ErrDecided
	case "EXPIRED":
		sentinel = confirm.ErrExpired
	case "UNDECIDED":
		sentinel = confirm.ErrUndecided
	case "IN_PROGRESS":
		sentinel = confirm.ErrInProgress
	default:
		return nil, storageError(err, "更新待确认记录失败")
	}
	c, getErr := s.Get(ctx, id)
	if getErr != nil {
		c = nil
	}
	return c, sentinel
}

// scriptCode 提取 Lua 脚本返回的错误码，非脚本错误返回空串。
func scriptCode(err error) string {
	var rerr redis.Error
	if !stdErrors.As(err, &rerr) {
		return ""
	}
	msg := strings.TrimSpace(rerr.Error())
	if idx := strings.IndexByte(msg, ' '); idx > 0 {
		msg = msg[:idx]
	}
	return msg
}

func storageError(err error, message string) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return xerrors.Wrap(xerrors.CodeTimeout, err, message)
	}
	return xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
}

func encodeHash(c *confirm.Confirmation) ([]string, error) {
	args, err := json.Marshal(c.Args)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化确认参数失败")
	}
	approved := "0"
	if c.Approved {
		approved = "1"
	}
	state := c.State
	if state == "" {
		state = confirm.StatePending
	}
	return []string{
		"id", c.ID,
		"run_id", c.RunID,
		"operation", c.Operation,
		"args", string(args),
		"summary", c.Summary,
		"state", string(state),
		"approved", approved,
		"decided_by", c.DecidedBy,
		"created_at", strconv.FormatInt(toMillis(c.CreatedAt), 10),
		"decided_at", strconv.FormatInt(toMillis(c.DecidedAt), 10),
		"expires_at", strconv.FormatInt(toMillis(c.ExpiresAt), 10),
	}, nil
}

func decodeHash(values map[string]string) (*confirm.Confirmation, error) {
	c := &confirm.Confirmation{
		ID:        values["id"],
		RunID:     values["run_id"],
		Operation: values["operation"],
		Summary:   values["summary"],
		State:     confirm.State(values["state"]),
		Approved:  values["approved"] == "1",
		DecidedBy: values["decided_by"],
		Args:      map[string]string{},
	}
	if raw := values["args"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &c.Args); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析确认参数失败")
		}
	}
	var err error
	if c.CreatedAt, err = parseMillis(values["created_at"]); err != nil {
		return nil, err
	}
	if c.DecidedAt, err = parseMillis(values["decided_at"]); err != nil {
		return nil, err
	}
	if c.ExpiresAt, err = parseMillis(values["expires_at"]); err != nil {
		return nil, err
	}
	return c, nil
}

// decodeReply 将 Lua 返回的 HGETALL 扁平数组转换为记录。
func decodeReply(reply []any) (*confirm.Confirmation, error) {
	values := make(map[string]string, len(reply)/2)
	for i := 0; i+1 < len(reply); i += 2 {
		k, _ := reply[i].(string)
		v, _ := reply[i+1].(string)
		values[k] = v
	}
	return decodeHash(values)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func parseMillis(raw string) (time.Time, error) {
	if raw == "" || raw == "0" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析时间戳失败")
	}
	return time.UnixMilli(ms).UTC(), nil
}
