package authz

import (
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/iota-uz/approvalgate/pkg/configuration"
)

// Config captures all inputs necessary to initialize the Casbin enforcer.
type Config struct {
	ModelPath    string
	PolicyPath   string
	Mode         Mode
	Logger       *logrus.Logger
	FlagProvider FlagProvider
}

func (c Config) validate() error {
	if c.ModelPath == "" {
		return configError("missing model path")
	}
	if c.PolicyPath == "" {
		return configError("missing policy path")
	}
	return nil
}

func (c Config) normalized() Config {
	c.ModelPath = filepath.Clean(c.ModelPath)
	c.PolicyPath = filepath.Clean(c.PolicyPath)
	c.Mode = sanitizeMode(c.Mode)
	return c
}

// DefaultConfig builds a Config using the global configuration singleton.
func DefaultConfig() Config {
	cfg := configuration.Use()
	return Config{
		ModelPath:  cfg.Authz.ModelPath,
		PolicyPath: cfg.Authz.PolicyPath,
		Mode:       Mode(cfg.Authz.Mode),
		Logger:     cfg.Logger(),
	}
}
