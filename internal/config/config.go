package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/subosito/gotenv"
	"gopkg.in/yaml.v3"

	xerrors "OpenMCP-Gateway/internal/errors"
)

// 支持的传输方式。
const (
	TransportStdio          = "stdio"
	TransportSSE            = "sse"
	TransportStreamableHTTP = "streamable-http"
)

// Config 描述网关在启动阶段需要加载的全部配置。
type Config struct {
	Network      NetworkConfig      `yaml:"network"`
	Policy       PolicyConfig       `yaml:"policy"`
	Server       ServerConfig       `yaml:"server"`
	Confirmation ConfirmationConfig `yaml:"confirmation"`
	Journal      JournalConfig      `yaml:"journal"`
	Events       EventsConfig       `yaml:"events"`
	API          APIConfig          `yaml:"api"`
	Logging      LoggingConfig      `yaml:"logging"`
	AddressBook  string             `yaml:"address_book"`
}

// NetworkConfig 包含链连接与签名身份。
type NetworkConfig struct {
	RPCURL       string        `yaml:"rpc_url"`
	ChainID      uint64        `yaml:"chain_id"`
	PrivateKey   string        `yaml:"-"`
	TokenAddress string        `yaml:"erc20_token_address"`
	RPCTimeout   time.Duration `yaml:"rpc_timeout"`
}

// PolicyConfig 保存两类资产的目的地址白名单。
type PolicyConfig struct {
	NativeAllowList []string `yaml:"eth_whitelist"`
	TokenAllowList  []string `yaml:"erc20_whitelist"`
}

// ServerConfig 控制工具协议服务的传输与监听地址。
type ServerConfig struct {
	Transport string `yaml:"transport"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
}

// Address 返回 host:port 形式的监听地址。
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ConfirmationConfig 描述待确认操作的存储和过期策略。
// Await 大于 0 时，敏感工具在返回前最多等待该时长的决策。
type ConfirmationConfig struct {
	TTL     time.Duration `yaml:"ttl"`
	Await   time.Duration `yaml:"await"`
	Store   string        `yaml:"store"`
	ViaTool bool          `yaml:"via_tool"`
	Redis   RedisConfig   `yaml:"redis"`
}

// RedisConfig 描述 Redis 连接参数。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"-"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// JournalConfig 描述操作日志的持久化方式。
type JournalConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"-"`
	// Dir 是 file 驱动的数据目录。
	Dir      string `yaml:"dir"`
	Capacity int    `yaml:"capacity"`
}

// EventsConfig 描述确认事件的外发渠道。
type EventsConfig struct {
	RabbitMQURL string `yaml:"-"`
	Exchange    string `yaml:"exchange"`
	RoutingKey  string `yaml:"routing_key"`
}

// APIConfig 描述审批 REST 接口。
type APIConfig struct {
	Address string     `yaml:"address"`
	Tokens  []APIToken `yaml:"-"`
}

// APIToken 是 API_TOKENS 中的一项，Role 为空时由认证模块取默认角色。
type APIToken struct {
	Name  string
	Token string
	Role  string
}

// LoggingConfig 对应 pkg/logger 的配置项。
type LoggingConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	Output    string `yaml:"output"`
	AuditPath string `yaml:"audit_path"`
}

// LookupFunc 与 os.LookupEnv 签名一致，便于测试注入。
type LookupFunc func(key string) (string, bool)

// Load 从进程环境、.env 文件和可选的 YAML 文件加载配置。
func Load() (*Config, error) {
	return LoadWith(os.LookupEnv)
}

// LoadWith 使用指定的环境查询函数加载配置。
// 优先级: 进程环境 > .env 文件 > YAML 文件 > 默认值。
func LoadWith(lookup LookupFunc) (*Config, error) {
	envFile := ".env"
	if v, ok := lookup("ENV_FILE"); ok && strings.TrimSpace(v) != "" {
		envFile = strings.TrimSpace(v)
	}
	dotenv, err := readDotenv(envFile)
	if err != nil {
		return nil, err
	}
	get := func(key string) (string, bool) {
		if v, ok := lookup(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}

	cfg := &Config{
		Confirmation: ConfirmationConfig{ViaTool: true},
		API:          APIConfig{Address: ":8091"},
	}
	if path, ok := get("GATEWAY_CONFIG"); ok && strings.TrimSpace(path) != "" {
		if err := cfg.loadYAML(strings.TrimSpace(path)); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(get); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readDotenv(path string) (gotenv.Env, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return gotenv.Env{}, nil
		}
		return nil, configError(err, "打开 .env 文件失败")
	}
	defer file.Close()
	env, err := gotenv.StrictParse(file)
	if err != nil {
		return nil, configError(err, "解析 .env 文件失败")
	}
	return env, nil
}

func (c *Config) loadYAML(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return configError(err, "读取配置文件失败")
	}
	if err := yaml.Unmarshal(content, c); err != nil {
		return configError(err, "解析配置文件失败")
	}
	return nil
}

func (c *Config) applyEnv(get LookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := get(key); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := get(key); ok {
			*dst = SplitList(v)
		}
	}

	str("NETWORK_RPC_URL", &c.Network.RPCURL)
	str("ERC20_TOKEN_ADDRESS", &c.Network.TokenAddress)
	str("PRIVATE_KEY", &c.Network.PrivateKey)
	c.Network.PrivateKey = strings.TrimPrefix(strings.TrimPrefix(c.Network.PrivateKey, "0x"), "0X")
	if v, ok := get("NETWORK_ID"); ok && strings.TrimSpace(v) != "" {
		id, err := strconv.ParseUint(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return configError(err, fmt.Sprintf("NETWORK_ID 不是合法的数字: %q", v))
		}
		c.Network.ChainID = id
	}
	if err := duration(get, "RPC_TIMEOUT", &c.Network.RPCTimeout); err != nil {
		return err
	}

	list("ETH_WHITELIST", &c.Policy.NativeAllowList)
	list("ERC20_WHITELIST", &c.Policy.TokenAllowList)

	str("TRANSPORT", &c.Server.Transport)
	str("HOST", &c.Server.Host)
	if v, ok := get("PORT"); ok && strings.TrimSpace(v) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return configError(err, fmt.Sprintf("PORT 不是合法的端口: %q", v))
		}
		c.Server.Port = port
	}

	if err := duration(get, "CONFIRMATION_TTL", &c.Confirmation.TTL); err != nil {
		return err
	}
	if err := duration(get, "CONFIRMATION_AWAIT", &c.Confirmation.Await); err != nil {
		return err
	}
	str("CONFIRMATION_STORE", &c.Confirmation.Store)
	if v, ok := get("CONFIRM_VIA_TOOL"); ok && strings.TrimSpace(v) != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return configError(err, fmt.Sprintf("CONFIRM_VIA_TOOL 不是合法的布尔值: %q", v))
		}
		c.Confirmation.ViaTool = b
	}
	str("REDIS_ADDR", &c.Confirmation.Redis.Address)
	str("REDIS_PASSWORD", &c.Confirmation.Redis.Password)
	str("REDIS_PREFIX", &c.Confirmation.Redis.Prefix)
	if v, ok := get("REDIS_DB"); ok && strings.TrimSpace(v) != "" {
		db, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return configError(err, fmt.Sprintf("REDIS_DB 不是合法的数字: %q", v))
		}
		c.Confirmation.Redis.DB = db
	}

	str("JOURNAL_DRIVER", &c.Journal.Driver)
	str("MYSQL_DSN", &c.Journal.DSN)
	str("JOURNAL_DIR", &c.Journal.Dir)
	if v, ok := get("JOURNAL_CAPACITY"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return configError(err, fmt.Sprintf("JOURNAL_CAPACITY 不是合法的数字: %q", v))
		}
		c.Journal.Capacity = n
	}

	str("RABBITMQ_URL", &c.Events.RabbitMQURL)
	str("RABBITMQ_EXCHANGE", &c.Events.Exchange)
	str("RABBITMQ_ROUTING_KEY", &c.Events.RoutingKey)

	// 显式设置为空字符串时关闭审批接口。
	str("API_ADDRESS", &c.API.Address)
	if v, ok := get("API_TOKENS"); ok {
		tokens, err := ParseTokens(v)
		if err != nil {
			return err
		}
		c.API.Tokens = tokens
	}

	str("ADDRESS_BOOK", &c.AddressBook)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("LOG_OUTPUT", &c.Logging.Output)
	str("AUDIT_LOG_PATH", &c.Logging.AuditPath)
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults() {
	if c.Network.RPCTimeout <= 0 {
		c.Network.RPCTimeout = 15 * time.Second
	}
	if c.Server.Transport == "" {
		c.Server.Transport = TransportStdio
	}
	if strings.EqualFold(c.Server.Transport, "http") {
		c.Server.Transport = TransportStreamableHTTP
	}
	c.Server.Transport = strings.ToLower(c.Server.Transport)
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8090
	}
	if c.Confirmation.TTL <= 0 {
		c.Confirmation.TTL = 15 * time.Minute
	}
	if c.Confirmation.Store == "" {
		c.Confirmation.Store = "memory"
	}
	if c.Confirmation.Redis.Prefix == "" {
		c.Confirmation.Redis.Prefix = "gateway:confirm"
	}
	if c.Journal.Driver == "" {
		c.Journal.Driver = "memory"
	}
	if c.Journal.Dir == "" {
		c.Journal.Dir = "data"
	}
	if c.Journal.Capacity <= 0 {
		c.Journal.Capacity = 512
	}
	if c.Events.Exchange == "" {
		c.Events.Exchange = "gateway.events"
	}
	if c.Events.RoutingKey == "" {
		c.Events.RoutingKey = "confirmation"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}
}

// Validate 校验必填项与枚举值，失败时返回 CONFIGURATION_ERROR。
func (c *Config) Validate() error {
	var missing []string
	if c.Network.RPCURL == "" {
		missing = append(missing, "NETWORK_RPC_URL")
	}
	if c.Network.ChainID == 0 {
		missing = append(missing, "NETWORK_ID")
	}
	if c.Network.PrivateKey == "" {
		missing = append(missing, "PRIVATE_KEY")
	}
	if len(missing) > 0 {
		return xerrors.New(xerrors.CodeConfiguration, "缺少必填配置: "+strings.Join(missing, ", "))
	}

	switch c.Server.Transport {
	case TransportStdio, TransportSSE, TransportStreamableHTTP:
	default:
		return xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("未知的 TRANSPORT: %s", c.Server.Transport))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("PORT 超出范围: %d", c.Server.Port))
	}

	switch c.Confirmation.Store {
	case "memory":
	case "redis":
		if c.Confirmation.Redis.Address == "" {
			return xerrors.New(xerrors.CodeConfiguration, "CONFIRMATION_STORE=redis 需要配置 REDIS_ADDR")
		}
	default:
		return xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("未知的 CONFIRMATION_STORE: %s", c.Confirmation.Store))
	}

	switch c.Journal.Driver {
	case "memory", "file":
	case "mysql":
		if c.Journal.DSN == "" {
			return xerrors.New(xerrors.CodeConfiguration, "JOURNAL_DRIVER=mysql 需要配置 MYSQL_DSN")
		}
	default:
		return xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("未知的 JOURNAL_DRIVER: %s", c.Journal.Driver))
	}
	return nil
}

// SplitList 解析逗号分隔的列表，忽略空白项。
func SplitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// ParseTokens 解析 name:token[:role] 形式的访问令牌列表。
func ParseTokens(raw string) ([]APIToken, error) {
	var tokens []APIToken
	seen := make(map[string]struct{})
	for _, entry := range SplitList(raw) {
		parts := strings.Split(entry, ":")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		if len(parts) < 2 || len(parts) > 3 || parts[0] == "" || parts[1] == "" {
			return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("API_TOKENS 条目格式错误，应为 name:token[:role] (%q)", parts[0]))
		}
		if _, dup := seen[parts[0]]; dup {
			return nil, xerrors.New(xerrors.CodeConfiguration, fmt.Sprintf("API_TOKENS 存在重复名称: %s", parts[0]))
		}
		seen[parts[0]] = struct{}{}
		tok := APIToken{Name: parts[0], Token: parts[1]}
		if len(parts) == 3 {
			tok.Role = parts[2]
		}
		tokens = append(tokens, tok)
	}
	return tokens, nil
}

func duration(get LookupFunc, key string, dst *time.Duration) error {
	v, ok := get(key)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return configError(err, fmt.Sprintf("%s 不是合法的时长: %q", key, v))
	}
	*dst = d
	return nil
}

func configError(err error, message string) error {
	return xerrors.Wrap(xerrors.CodeConfiguration, err, message)
}
