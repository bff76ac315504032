package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/sethvargo/go-envconfig"
	"github.com/zclconf/go-cty/cty"

	"huddle.is/huddle/internal/brand"
)

// LoadFile loads a config file (HCL or JSON, by extension), applies defaults
// and environment overrides, and validates the result.
func LoadFile(ctx context.Context, path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg *Config
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		cfg, err = parseJSON(data)
	default:
		cfg, err = parseHCL(data, path)
	}
	if err != nil {
		return nil, err
	}

	return finish(ctx, cfg)
}

// LoadEnv builds a config purely from defaults plus environment variables.
// Used when no config file exists on disk.
func LoadEnv(ctx context.Context) (*Config, error) {
	return finish(ctx, &Config{})
}

func finish(ctx context.Context, cfg *Config) (*Config, error) {
	cfg.ApplyDefaults()
	if err := applyEnv(ctx, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func parseHCL(data []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("HCL parse error: %s", diags.Error())
	}

	var cfg Config
	if diags := gohcl.DecodeBody(file.Body, nil, &cfg); diags.HasErrors() {
		return nil, fmt.Errorf("HCL decode error: %s", diags.Error())
	}
	return &cfg, nil
}

func parseJSON(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("JSON parse error: %w", err)
	}
	return &cfg, nil
}

// envOverlay mirrors the overridable scalar fields. Pointer fields stay nil
// when the variable is unset so file values survive.
type envOverlay struct {
	Listen            *string `env:"LISTEN"`
	ProductID         *string `env:"PRODUCT_ID"`
	AccountsURL       *string `env:"ACCOUNTS_URL"`
	Model             *string `env:"MODEL"`
	AuthSecret        *string `env:"AUTH_SECRET"`
	EnableCompression *bool   `env:"ENABLE_COMPRESSION"`
	MaxConnections    *int    `env:"MAX_CONNECTIONS"`
	LogLevel          *string `env:"LOG_LEVEL"`
	LogJSON           *bool   `env:"LOG_JSON"`
}

func applyEnv(ctx context.Context, cfg *Config) error {
	var o envOverlay
	lookuper := envconfig.PrefixLookuper(brand.ConfigEnvPrefix+"_", envconfig.OsLookuper())
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{Target: &o, Lookuper: lookuper}); err != nil {
		return fmt.Errorf("environment override failed: %w", err)
	}

	if o.Listen != nil {
		cfg.Listen = *o.Listen
	}
	if o.ProductID != nil {
		cfg.ProductID = *o.ProductID
	}
	if o.AccountsURL != nil {
		cfg.AccountsURL = *o.AccountsURL
	}
	if o.Model != nil {
		cfg.Model = *o.Model
	}
	if o.AuthSecret != nil {
		cfg.AuthSecret = *o.AuthSecret
	}
	if o.EnableCompression != nil {
		cfg.EnableCompression = *o.EnableCompression
	}
	if o.MaxConnections != nil {
		cfg.MaxConnections = *o.MaxConnections
	}
	if o.LogLevel != nil {
		if cfg.Log == nil {
			cfg.Log = &LogConfig{}
		}
		cfg.Log.Level = *o.LogLevel
	}
	if o.LogJSON != nil {
		if cfg.Log == nil {
			cfg.Log = &LogConfig{}
		}
		cfg.Log.JSON = *o.LogJSON
	}

	// Hosting platforms hand out the port as a bare PORT variable.
	if port := os.Getenv("PORT"); port != "" {
		cfg.Listen = ":" + port
	}
	return nil
}

// GenerateHCL serializes a config to formatted HCL, used by "config init"
// style tooling and the example printer.
func GenerateHCL(cfg *Config) []byte {
	f := hclwrite.NewEmptyFile()
	body := f.Body()

	body.SetAttributeValue("listen", cty.StringVal(cfg.Listen))
	body.SetAttributeValue("product_id", cty.StringVal(cfg.ProductID))
	if cfg.AccountsURL != "" {
		body.SetAttributeValue("accounts_url", cty.StringVal(cfg.AccountsURL))
	}
	body.SetAttributeValue("model", cty.StringVal(cfg.Model))
	if cfg.AuthSecret != "" {
		body.SetAttributeValue("auth_secret", cty.StringVal(cfg.AuthSecret))
	}
	body.SetAttributeValue("enable_compression", cty.BoolVal(cfg.EnableCompression))
	body.SetAttributeValue("max_connections", cty.NumberIntVal(int64(cfg.MaxConnections)))

	if gw := cfg.Gateway; gw != nil {
		b := body.AppendNewBlock("gateway", nil).Body()
		b.SetAttributeValue("send_buffer_limit", cty.NumberIntVal(int64(gw.SendBufferLimit)))
		b.SetAttributeValue("send_queue_frames", cty.NumberIntVal(int64(gw.SendQueueFrames)))
		b.SetAttributeValue("tick_seconds", cty.NumberIntVal(int64(gw.TickSeconds)))
		b.SetAttributeValue("soft_shutdown_ticks", cty.NumberIntVal(int64(gw.SoftShutdownTicks)))
		b.SetAttributeValue("compress_min_bytes", cty.NumberIntVal(int64(gw.CompressMinBytes)))
	}
	if lg := cfg.Log; lg != nil {
		b := body.AppendNewBlock("log", nil).Body()
		b.SetAttributeValue("level", cty.StringVal(lg.Level))
		if lg.JSON {
			b.SetAttributeValue("json", cty.BoolVal(true))
		}
	}
	if rl := cfg.RateLimit; rl != nil {
		b := body.AppendNewBlock("rate_limit", nil).Body()
		b.SetAttributeValue("enabled", cty.BoolVal(rl.Enabled))
		b.SetAttributeValue("per_minute", cty.NumberIntVal(int64(rl.PerMinute)))
		b.SetAttributeValue("burst", cty.NumberIntVal(int64(rl.Burst)))
	}
	if au := cfg.Audit; au != nil {
		b := body.AppendNewBlock("audit", nil).Body()
		b.SetAttributeValue("enabled", cty.BoolVal(au.Enabled))
		b.SetAttributeValue("retention_days", cty.NumberIntVal(int64(au.RetentionDays)))
		if au.DatabasePath != "" {
			b.SetAttributeValue("database_path", cty.StringVal(au.DatabasePath))
		}
	}

	return f.Bytes()
}
