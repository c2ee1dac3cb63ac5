package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	xerrors "LeoPrime-Chain/internal/errors"
	"LeoPrime-Chain/pkg/logger"
)

// DefaultPath 是未设置 LEOPRIME_CONFIG 时使用的配置文件。
const DefaultPath = "configs/leoprime.yaml"

// Config 描述 LeoPrime 启动阶段需要加载的全部配置。
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logging   logger.Config   `yaml:"logging"`
	Storage   StorageConfig   `yaml:"storage"`
	Queue     QueueConfig     `yaml:"queue"`
	Redis     RedisConfig     `yaml:"redis"`
	Agent     AgentConfig     `yaml:"agent"`
	Reasoner  ReasonerConfig  `yaml:"reasoner"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Memory    MemoryConfig    `yaml:"memory"`
	Paywall   PaywallConfig   `yaml:"paywall"`
	Web3      Web3Config      `yaml:"web3"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Alerting  AlertingConfig  `yaml:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address           string        `yaml:"address"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	KeepAlive         time.Duration `yaml:"keep_alive"`
	StartRatePerSec   float64       `yaml:"start_rate_per_sec"`
	StartBurst        int           `yaml:"start_burst"`
	AllowedOrigin     string        `yaml:"allowed_origin"`

	// StreamPollInterval 是订阅在其他节点执行的运行时轮询记录存储的间隔。
	StreamPollInterval time.Duration `yaml:"stream_poll_interval"`
}

// StorageConfig 选择记录存储的实现。
type StorageConfig struct {
	Driver string      `yaml:"driver"`
	MySQL  MySQLConfig `yaml:"mysql"`
}

// MySQLConfig 描述 MySQL 连接池参数。
type MySQLConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// QueueConfig 选择运行分发队列。
type QueueConfig struct {
	Driver   string         `yaml:"driver"`
	Buffer   int            `yaml:"buffer"`
	Workers  int            `yaml:"workers"`
	RedisKey string         `yaml:"redis_key"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 连接。
type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Queue    string `yaml:"queue"`
	Prefetch int    `yaml:"prefetch"`
}

// RedisConfig 被 Redis 队列与分布式授权锁共用。
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Enabled 判断是否配置了 Redis。
func (r RedisConfig) Enabled() bool { return strings.TrimSpace(r.Addr) != "" }

// AgentConfig 控制编排器的阶段参数。
type AgentConfig struct {
	DemoMode        bool          `yaml:"demo_mode"`
	TopK            int           `yaml:"top_k"`
	PreviewChars    int           `yaml:"preview_chars"`
	// VerifyDelay 为负值时 VERIFY 阶段不等待。
	VerifyDelay     time.Duration `yaml:"verify_delay"`
	VerifyTimeout   time.Duration `yaml:"verify_timeout"`
	AdapterTimeout  time.Duration `yaml:"adapter_timeout"`
	StreamRetention time.Duration `yaml:"stream_retention"`
}

// ReasonerConfig 选择推理后端。
type ReasonerConfig struct {
	Provider     string             `yaml:"provider"`
	OpenAI       OpenAIConfig       `yaml:"openai"`
	PythonBridge PythonBridgeConfig `yaml:"python_bridge"`
}

// OpenAIConfig 描述 OpenAI 兼容接口。
type OpenAIConfig struct {
	APIKey  string        `yaml:"api_key"`
	BaseURL string        `yaml:"base_url"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

// PythonBridgeConfig 描述通过外部脚本完成推理时所需的信息。
type PythonBridgeConfig struct {
	Executable string `yaml:"executable"`
	Script     string `yaml:"script"`
	WorkingDir string `yaml:"working_dir"`
}

// EmbeddingConfig 选择向量化后端。
type EmbeddingConfig struct {
	Provider   string        `yaml:"provider"`
	APIKey     string        `yaml:"api_key"`
	BaseURL    string        `yaml:"base_url"`
	Model      string        `yaml:"model"`
	Dimensions int           `yaml:"dimensions"`
	Timeout    time.Duration `yaml:"timeout"`
}

// MemoryConfig 选择记忆向量索引。
type MemoryConfig struct {
	Backend  string         `yaml:"backend"`
	SeedFile string         `yaml:"seed_file"`
	Qdrant   QdrantConfig   `yaml:"qdrant"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// QdrantConfig 描述 Qdrant gRPC 连接。
type QdrantConfig struct {
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	APIKey     string `yaml:"api_key"`
	UseTLS     bool   `yaml:"use_tls"`
	Collection string `yaml:"collection"`
}

// PostgresConfig 描述 pgvector 索引所在数据库。
type PostgresConfig struct {
	DSN   string `yaml:"dsn"`
	Table string `yaml:"table"`
}

// PaywallConfig 控制授权管理器。
type PaywallConfig struct {
	JWTSecret      string             `yaml:"jwt_secret"`
	Issuer         string             `yaml:"issuer"`
	TokenTTL       time.Duration      `yaml:"token_ttl"`
	Currency       string             `yaml:"currency"`
	DefaultPrice   float64            `yaml:"default_price"`
	Prices         map[string]float64 `yaml:"prices"`
	Recipient      string             `yaml:"recipient"`
	MinGasBalance  float64            `yaml:"min_gas_balance"`
	SimulatedDelay time.Duration      `yaml:"simulated_delay"`
	Lock           LockConfig         `yaml:"lock"`
}

// LockConfig 选择按服务加锁的实现。
type LockConfig struct {
	Driver string        `yaml:"driver"`
	TTL    time.Duration `yaml:"ttl"`
}

// Web3Config 包含访问链节点与支付钱包所需的信息。
type Web3Config struct {
	Enabled      bool          `yaml:"enabled"`
	ChainConfig  string        `yaml:"chain_config"`
	DefaultChain string        `yaml:"default_chain"`
	PrivateKey   string        `yaml:"private_key"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// MetricsConfig 控制 Prometheus 指标。
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// AlertingConfig 控制失败运行的告警。
type AlertingConfig struct {
	WebhookURL string        `yaml:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Load 解析 YAML 配置文件，加载同目录的 .env，应用环境变量覆盖与默认值并校验。
// path 指向的文件不存在时仅使用默认值与环境变量。
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultPath
	}
	baseDir := filepath.Dir(path)

	if err := loadDotEnv(filepath.Join(baseDir, "..", ".env")); err != nil {
		return nil, err
	}

	var cfg Config
	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "解析配置文件失败")
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, xerrors.Wrap(xerrors.CodeConfiguration, err, "读取配置文件失败")
	}

	cfg.applyEnv(os.LookupEnv)
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	// godotenv.Load 不覆盖已存在的环境变量。
	if err := godotenv.Load(path); err != nil {
		return xerrors.Wrap(xerrors.CodeConfiguration, err, "加载 .env 失败")
	}
	return nil
}

type lookupFunc func(string) (string, bool)

// applyEnv 使用环境变量覆盖密钥和连接串，避免把它们写进配置文件。
func (c *Config) applyEnv(lookup lookupFunc) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("LEOPRIME_ADDR", &c.Server.Address)
	str("OPENAI_API_KEY", &c.Reasoner.OpenAI.APIKey)
	str("OPENAI_BASE_URL", &c.Reasoner.OpenAI.BaseURL)
	str("OPENAI_MODEL", &c.Reasoner.OpenAI.Model)
	str("VOYAGE_API_KEY", &c.Embedding.APIKey)
	str("JWT_SECRET", &c.Paywall.JWTSecret)
	str("PAYMENT_RECIPIENT", &c.Paywall.Recipient)
	str("WALLET_PRIVATE_KEY", &c.Web3.PrivateKey)
	str("MYSQL_DSN", &c.Storage.MySQL.DSN)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("RABBITMQ_URL", &c.Queue.RabbitMQ.URL)
	str("QDRANT_HOST", &c.Memory.Qdrant.Host)
	str("QDRANT_API_KEY", &c.Memory.Qdrant.APIKey)
	str("PGVECTOR_DSN", &c.Memory.Postgres.DSN)
	str("ALERT_WEBHOOK_URL", &c.Alerting.WebhookURL)

	if v, ok := lookup("DEMO_MODE"); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			c.Agent.DemoMode = true
		case "0", "false", "no", "off":
			c.Agent.DemoMode = false
		}
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadHeaderTimeout <= 0 {
		c.Server.ReadHeaderTimeout = 5 * time.Second
	}
	if c.Server.KeepAlive <= 0 {
		c.Server.KeepAlive = 15 * time.Second
	}
	if c.Server.StreamPollInterval <= 0 {
		c.Server.StreamPollInterval = time.Second
	}
	if c.Server.StartBurst <= 0 {
		c.Server.StartBurst = 5
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 64
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 1
	}
	if c.Queue.RedisKey == "" {
		c.Queue.RedisKey = "leoprime:runs"
	}
	if c.Queue.RabbitMQ.Queue == "" {
		c.Queue.RabbitMQ.Queue = "leoprime.runs"
	}

	if c.Agent.TopK <= 0 {
		c.Agent.TopK = 5
	}
	if c.Agent.PreviewChars <= 0 {
		c.Agent.PreviewChars = 500
	}
	if c.Agent.VerifyDelay < 0 {
		c.Agent.VerifyDelay = 0
	} else if c.Agent.VerifyDelay == 0 {
		c.Agent.VerifyDelay = time.Second
	}
	if c.Agent.VerifyTimeout <= 0 {
		c.Agent.VerifyTimeout = 2 * time.Minute
	}
	if c.Agent.AdapterTimeout <= 0 {
		c.Agent.AdapterTimeout = 90 * time.Second
	}
	if c.Agent.StreamRetention <= 0 {
		c.Agent.StreamRetention = 5 * time.Minute
	}

	if c.Reasoner.Provider == "" {
		c.Reasoner.Provider = "openai"
	}
	if c.Reasoner.PythonBridge.Executable == "" {
		c.Reasoner.PythonBridge.Executable = "python3"
	}
	c.Reasoner.PythonBridge.WorkingDir = resolvePath(baseDir, c.Reasoner.PythonBridge.WorkingDir, baseDir)
	if c.Reasoner.PythonBridge.Script != "" {
		c.Reasoner.PythonBridge.Script = resolvePath(baseDir, c.Reasoner.PythonBridge.Script, "")
	}

	if c.Embedding.Provider == "" {
		if c.Embedding.APIKey != "" {
			c.Embedding.Provider = "voyage"
		} else {
			c.Embedding.Provider = "hash"
		}
	}
	if c.Embedding.Dimensions <= 0 {
		c.Embedding.Dimensions = 1024
	}

	if c.Memory.Backend == "" {
		c.Memory.Backend = "memory"
	}
	if c.Memory.SeedFile != "" {
		c.Memory.SeedFile = resolvePath(baseDir, c.Memory.SeedFile, "")
	}
	if c.Memory.Qdrant.Port == 0 {
		c.Memory.Qdrant.Port = 6334
	}
	if c.Memory.Qdrant.Collection == "" {
		c.Memory.Qdrant.Collection = "leoprime_memories"
	}
	if c.Memory.Postgres.Table == "" {
		c.Memory.Postgres.Table = "memories"
	}

	if c.Paywall.Issuer == "" {
		c.Paywall.Issuer = "leo-prime"
	}
	if c.Paywall.TokenTTL <= 0 {
		c.Paywall.TokenTTL = 24 * time.Hour
	}
	if c.Paywall.Currency == "" {
		c.Paywall.Currency = "USDC"
	}
	if c.Paywall.DefaultPrice <= 0 {
		c.Paywall.DefaultPrice = 0.5
	}
	if c.Paywall.Recipient == "" {
		c.Paywall.Recipient = "0x742d35Cc6634C0532925a3b844Bc9e7595f12AB3"
	}
	if c.Paywall.MinGasBalance <= 0 {
		c.Paywall.MinGasBalance = 0.00001
	}
	if c.Paywall.SimulatedDelay < 0 {
		c.Paywall.SimulatedDelay = 0
	} else if c.Paywall.SimulatedDelay == 0 {
		c.Paywall.SimulatedDelay = 2 * time.Second
	}
	if c.Paywall.Lock.Driver == "" {
		if c.Redis.Enabled() {
			c.Paywall.Lock.Driver = "redis"
		} else {
			c.Paywall.Lock.Driver = "local"
		}
	}
	if c.Paywall.Lock.TTL <= 0 {
		c.Paywall.Lock.TTL = 30 * time.Second
	}

	if c.Web3.ChainConfig != "" {
		c.Web3.ChainConfig = resolvePath(baseDir, c.Web3.ChainConfig, "")
	}
	if c.Web3.DefaultChain == "" {
		c.Web3.DefaultChain = "base"
	}
	if c.Web3.PollInterval <= 0 {
		c.Web3.PollInterval = 2 * time.Second
	}

	if c.Alerting.Timeout <= 0 {
		c.Alerting.Timeout = 5 * time.Second
	}
}

func resolvePath(baseDir, value, fallback string) string {
	if value == "" {
		return fallback
	}
	if filepath.IsAbs(value) || baseDir == "" {
		return value
	}
	return filepath.Join(baseDir, value)
}

// Validate 检查组合配置是否可用，缺失的密钥属于配置错误。
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Paywall.JWTSecret) == "" {
		return xerrors.New(xerrors.CodeConfiguration, "未配置 JWT_SECRET，无法签发授权令牌")
	}

	switch c.Storage.Driver {
	case "memory":
	case "mysql":
		if c.Storage.MySQL.DSN == "" {
			return xerrors.New(xerrors.CodeConfiguration, "mysql 存储需要配置 DSN")
		}
	default:
		return xerrors.Newf(xerrors.CodeConfiguration, "不支持的存储驱动 %q", c.Storage.Driver)
	}

	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if !c.Redis.Enabled() {
			return xerrors.New(xerrors.CodeConfiguration, "redis 队列需要配置 redis.addr")
		}
	case "rabbitmq":
		if c.Queue.RabbitMQ.URL == "" {
			return xerrors.New(xerrors.CodeConfiguration, "rabbitmq 队列需要配置 URL")
		}
	default:
		return xerrors.Newf(xerrors.CodeConfiguration, "不支持的队列驱动 %q", c.Queue.Driver)
	}

	switch c.Reasoner.Provider {
	case "openai":
		if c.Reasoner.OpenAI.APIKey == "" {
			return xerrors.New(xerrors.CodeConfiguration, "未配置 OPENAI_API_KEY")
		}
	case "python_bridge":
		if c.Reasoner.PythonBridge.Script == "" {
			return xerrors.New(xerrors.CodeConfiguration, "python_bridge 需要配置脚本路径")
		}
	default:
		return xerrors.Newf(xerrors.CodeConfiguration, "不支持的推理后端 %q", c.Reasoner.Provider)
	}

	switch c.Embedding.Provider {
	case "voyage":
		if c.Embedding.APIKey == "" {
			return xerrors.New(xerrors.CodeConfiguration, "未配置 VOYAGE_API_KEY")
		}
	case "hash":
	default:
		return xerrors.Newf(xerrors.CodeConfiguration, "不支持的向量化后端 %q", c.Embedding.Provider)
	}

	switch c.Memory.Backend {
	case "memory":
	case "qdrant":
		if c.Memory.Qdrant.Host == "" {
			return xerrors.New(xerrors.CodeConfiguration, "qdrant 索引需要配置 host")
		}
	case "pgvector":
		if c.Memory.Postgres.DSN == "" {
			return xerrors.New(xerrors.CodeConfiguration, "pgvector 索引需要配置 DSN")
		}
	default:
		return xerrors.Newf(xerrors.CodeConfiguration, "不支持的记忆索引 %q", c.Memory.Backend)
	}

	switch c.Paywall.Lock.Driver {
	case "local":
	case "redis":
		if !c.Redis.Enabled() {
			return xerrors.New(xerrors.CodeConfiguration, "redis 锁需要配置 redis.addr")
		}
	default:
		return xerrors.Newf(xerrors.CodeConfiguration, "不支持的锁实现 %q", c.Paywall.Lock.Driver)
	}
	for name, price := range c.Paywall.Prices {
		if price <= 0 {
			return xerrors.Newf(xerrors.CodeConfiguration, "服务 %s 的价格必须为正数", name)
		}
	}

	if c.Web3.Enabled && c.Web3.ChainConfig == "" {
		return xerrors.New(xerrors.CodeConfiguration, "启用链上支付需要配置 chain_config")
	}
	return nil
}

// PriceFor 返回服务单价，未单独配置时使用默认价格。
func (c PaywallConfig) PriceFor(service string) float64 {
	if price, ok := c.Prices[service]; ok && price > 0 {
		return price
	}
	return c.DefaultPrice
}

// String 返回脱敏后的摘要，用于启动日志。
func (c *Config) String() string {
	return fmt.Sprintf("addr=%s storage=%s queue=%s reasoner=%s embedding=%s memory=%s lock=%s web3=%t demo=%t",
		c.Server.Address, c.Storage.Driver, c.Queue.Driver, c.Reasoner.Provider, c.Embedding.Provider,
		c.Memory.Backend, c.Paywall.Lock.Driver, c.Web3.Enabled, c.Agent.DemoMode)
}
