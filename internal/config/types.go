package config

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Users    []UserConfig   `mapstructure:"users"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// ExchangeConfig 描述交易所连接信息。
type ExchangeConfig struct {
	Name       string      `mapstructure:"name"`
	APIKey     string      `mapstructure:"api_key"`
	APISecret  string      `mapstructure:"api_secret"`
	APIPass    string      `mapstructure:"api_password"`
	UseSandbox bool        `mapstructure:"use_sandbox"`
	Retry      RetryConfig `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// OpenAIConfig 描述大模型调用参数，api_key 为空时研究服务退回本地指标打分。
type OpenAIConfig struct {
	APIKey  string        `mapstructure:"api_key"`
	BaseURL string        `mapstructure:"base_url"`
	Model   string        `mapstructure:"model"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// RiskConfig 管理风控全局参数，按用户的限额存放在 settings 存储中。
type RiskConfig struct {
	FailureThreshold   int           `mapstructure:"failure_threshold"`
	PauseCooldown      time.Duration `mapstructure:"pause_cooldown"`
	DefaultAdverseMove float64       `mapstructure:"default_adverse_move"`
	FlatRiskNotional   float64       `mapstructure:"flat_risk_notional"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

// MonitorConfig 控制监控接口。
type MonitorConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// UserConfig 描述单个用户的交易配置与风控初始值。
type UserConfig struct {
	ID              string         `mapstructure:"id"`
	Symbol          string         `mapstructure:"symbol"`
	InitialBalance  float64        `mapstructure:"initial_balance"`
	MaxPosition     float64        `mapstructure:"max_position"`
	PerTradeRiskPct float64        `mapstructure:"per_trade_risk_pct"`
	MaxDailyLossPct float64        `mapstructure:"max_daily_loss_pct"`
	MaxDrawdownPct  float64        `mapstructure:"max_drawdown_pct"`
	MinAccuracy     float64        `mapstructure:"min_accuracy"`
	AutoTrade       bool           `mapstructure:"auto_trade"`
	Strategy        string         `mapstructure:"strategy"`
	Quote           QuoteConfig    `mapstructure:"quote"`
	Accuracy        AccuracyConfig `mapstructure:"accuracy"`
}

// QuoteConfig 控制做市报价引擎。
type QuoteConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	QuoteSize         float64       `mapstructure:"quote_size"`
	AdverseMovePct    float64       `mapstructure:"adverse_move_pct"`
	CancelInterval    time.Duration `mapstructure:"cancel_interval"`
	MaxPositionSize   float64       `mapstructure:"max_position_size"`
	LoopInterval      time.Duration `mapstructure:"loop_interval"`
	ErrorBackoff      time.Duration `mapstructure:"error_backoff"`
	InsideSpreadRatio float64       `mapstructure:"inside_spread_ratio"`
}

// AccuracyConfig 控制研究执行引擎。
type AccuracyConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	Interval           time.Duration `mapstructure:"interval"`
	TradeSize          float64       `mapstructure:"trade_size"`
	AssumedAdverseMove float64       `mapstructure:"assumed_adverse_move"`
	ExitCheckInterval  time.Duration `mapstructure:"exit_check_interval"`
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Exchange.Name == "" {
		err = multierr.Append(err, errors.New("exchange.name 不能为空"))
	}
	if c.Exchange.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.max_attempts 必须大于0"))
	}
	if c.Exchange.Retry.MinDelay <= 0 || c.Exchange.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.delay 必须为正"))
	}
	if c.Exchange.Retry.MinDelay > c.Exchange.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("exchange.retry.min_delay 不能大于 max_delay"))
	}
	if c.OpenAI.APIKey != "" && c.OpenAI.Model == "" {
		err = multierr.Append(err, errors.New("openai.model 不能为空"))
	}
	if c.OpenAI.APIKey != "" && c.OpenAI.Timeout <= 0 {
		err = multierr.Append(err, errors.New("openai.timeout 必须大于0"))
	}
	if c.Risk.FailureThreshold <= 0 {
		err = multierr.Append(err, errors.New("risk.failure_threshold 必须大于0"))
	}
	if c.Risk.PauseCooldown <= 0 {
		err = multierr.Append(err, errors.New("risk.pause_cooldown 必须大于0"))
	}
	if c.Risk.DefaultAdverseMove <= 0 || c.Risk.DefaultAdverseMove > 1 {
		err = multierr.Append(err, errors.New("risk.default_adverse_move 必须位于(0,1]"))
	}
	if c.Risk.FlatRiskNotional <= 0 {
		err = multierr.Append(err, errors.New("risk.flat_risk_notional 必须大于0"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if c.Monitor.Enabled && (c.Monitor.Port <= 0 || c.Monitor.Port > 65535) {
		err = multierr.Append(err, errors.New("monitor.port 必须位于(0,65535]"))
	}
	if len(c.Users) == 0 {
		err = multierr.Append(err, errors.New("users 至少需要配置一个用户"))
	}

	seen := make(map[string]struct{}, len(c.Users))
	for i := range c.Users {
		err = multierr.Append(err, c.Users[i].validate(i))
		if _, dup := seen[c.Users[i].ID]; dup {
			err = multierr.Append(err, fmt.Errorf("users[%d].id 重复: %s", i, c.Users[i].ID))
		}
		seen[c.Users[i].ID] = struct{}{}
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}

func (u *UserConfig) validate(idx int) error {
	var err error

	if u.ID == "" {
		err = multierr.Append(err, fmt.Errorf("users[%d].id 不能为空", idx))
	}
	if u.Symbol == "" {
		err = multierr.Append(err, fmt.Errorf("users[%d].symbol 不能为空", idx))
	}
	if u.InitialBalance <= 0 {
		err = multierr.Append(err, fmt.Errorf("users[%d].initial_balance 必须大于0", idx))
	}
	if u.MaxPosition <= 0 {
		err = multierr.Append(err, fmt.Errorf("users[%d].max_position 必须大于0", idx))
	}
	if u.PerTradeRiskPct <= 0 || u.PerTradeRiskPct > 100 {
		err = multierr.Append(err, fmt.Errorf("users[%d].per_trade_risk_pct 必须位于(0,100]", idx))
	}
	if u.MaxDailyLossPct <= 0 || u.MaxDailyLossPct > 100 {
		err = multierr.Append(err, fmt.Errorf("users[%d].max_daily_loss_pct 必须位于(0,100]", idx))
	}
	if u.MaxDrawdownPct <= 0 || u.MaxDrawdownPct > 100 {
		err = multierr.Append(err, fmt.Errorf("users[%d].max_drawdown_pct 必须位于(0,100]", idx))
	}
	if u.MinAccuracy < 0 || u.MinAccuracy > 1 {
		err = multierr.Append(err, fmt.Errorf("users[%d].min_accuracy 必须位于[0,1]", idx))
	}
	if u.Strategy == "" {
		err = multierr.Append(err, fmt.Errorf("users[%d].strategy 不能为空", idx))
	}

	if u.Quote.Enabled {
		if u.Quote.QuoteSize <= 0 {
			err = multierr.Append(err, fmt.Errorf("users[%d].quote.quote_size 必须大于0", idx))
		}
		if u.Quote.AdverseMovePct <= 0 {
			err = multierr.Append(err, fmt.Errorf("users[%d].quote.adverse_move_pct 必须大于0", idx))
		}
		if u.Quote.CancelInterval <= 0 {
			err = multierr.Append(err, fmt.Errorf("users[%d].quote.cancel_interval 必须大于0", idx))
		}
		if u.Quote.MaxPositionSize <= 0 {
			err = multierr.Append(err, fmt.Errorf("users[%d].quote.max_position_size 必须大于0", idx))
		}
		if u.Quote.LoopInterval <= 0 {
			err = multierr.Append(err, fmt.Errorf("users[%d].quote.loop_interval 必须大于0", idx))
		}
		if u.Quote.InsideSpreadRatio <= 0 || u.Quote.InsideSpreadRatio >= 1 {
			err = multierr.Append(err, fmt.Errorf("users[%d].quote.inside_spread_ratio 必须位于(0,1)", idx))
		}
	}

	if u.Accuracy.Enabled {
		if u.Accuracy.Interval <= 0 {
			err = multierr.Append(err, fmt.Errorf("users[%d].accuracy.interval 必须大于0", idx))
		}
		if u.Accuracy.TradeSize <= 0 {
			err = multierr.Append(err, fmt.Errorf("users[%d].accuracy.trade_size 必须大于0", idx))
		}
		if u.Accuracy.AssumedAdverseMove < 0 || u.Accuracy.AssumedAdverseMove > 1 {
			err = multierr.Append(err, fmt.Errorf("users[%d].accuracy.assumed_adverse_move 必须位于[0,1]", idx))
		}
		if u.Accuracy.ExitCheckInterval <= 0 {
			err = multierr.Append(err, fmt.Errorf("users[%d].accuracy.exit_check_interval 必须大于0", idx))
		}
	}

	return err
}
