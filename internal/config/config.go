package config

import (
	"errors"
	"fmt"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "autotrader"
)

// Load 读取配置文件并结合环境变量返回 Config。
func Load(path string) (*Config, error) {
	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	applyUserDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("exchange.name", "binanceusdm")
	v.SetDefault("exchange.use_sandbox", false)
	v.SetDefault("exchange.retry.max_attempts", 3)
	v.SetDefault("exchange.retry.min_delay", "500ms")
	v.SetDefault("exchange.retry.max_delay", "5s")

	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.model", "gpt-4.1")
	v.SetDefault("openai.timeout", "15s")

	v.SetDefault("risk.failure_threshold", 3)
	v.SetDefault("risk.pause_cooldown", "5m")
	v.SetDefault("risk.default_adverse_move", 0.01)
	v.SetDefault("risk.flat_risk_notional", 100.0)

	v.SetDefault("database.path", "data/autotrader.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})

	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.port", 8787)
}

// applyUserDefaults 为用户级配置填充缺省值，viper 对数组元素不生效。
func applyUserDefaults(cfg *Config) {
	for i := range cfg.Users {
		u := &cfg.Users[i]
		if u.Strategy == "" {
			u.Strategy = "signal_follow"
		}
		if u.Quote.Enabled {
			if u.Quote.LoopInterval <= 0 {
				u.Quote.LoopInterval = defaultQuoteLoopInterval
			}
			if u.Quote.CancelInterval <= 0 {
				u.Quote.CancelInterval = defaultQuoteCancelInterval
			}
			if u.Quote.ErrorBackoff <= 0 {
				u.Quote.ErrorBackoff = defaultQuoteErrorBackoff
			}
			if u.Quote.InsideSpreadRatio <= 0 {
				u.Quote.InsideSpreadRatio = defaultInsideSpreadRatio
			}
		}
		if u.Accuracy.Enabled {
			if u.Accuracy.Interval <= 0 {
				u.Accuracy.Interval = defaultAccuracyInterval
			}
			if u.Accuracy.ExitCheckInterval <= 0 {
				u.Accuracy.ExitCheckInterval = defaultExitCheckInterval
			}
			if u.Accuracy.AssumedAdverseMove <= 0 {
				u.Accuracy.AssumedAdverseMove = defaultAssumedAdverseMove
			}
		}
	}
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
