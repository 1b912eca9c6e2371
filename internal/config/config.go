package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Name   string `yaml:"name" json:"name" env:"ENGINE_NAME"` // used for OTEL as an application identifier
	Engine Engine `yaml:"engine" json:"engine"`
}

type Engine struct {
	// StartRateLimit caps the number of process starts inside StartRateWindow
	StartRateLimit  int           `yaml:"startRateLimit" json:"startRateLimit" env:"ENGINE_START_RATE_LIMIT" env-default:"500"`
	StartRateWindow time.Duration `yaml:"startRateWindow" json:"startRateWindow" env:"ENGINE_START_RATE_WINDOW" env-default:"1h"`
	// CounterSecret seals the persisted start counter; 16, 24 or 32 bytes
	CounterSecret string `yaml:"counterSecret" json:"counterSecret" env:"ENGINE_COUNTER_SECRET"`

	// SignalPageSize bounds one page of a signal broadcast read
	SignalPageSize int `yaml:"signalPageSize" json:"signalPageSize" env:"ENGINE_SIGNAL_PAGE_SIZE" env-default:"100"`

	// EscalationMaxDepth guards the call-activity escalation recursion
	// against malformed, structurally unbounded models
	EscalationMaxDepth int `yaml:"escalationMaxDepth" json:"escalationMaxDepth" env:"ENGINE_ESCALATION_MAX_DEPTH" env-default:"100"`
}

func (c Config) defaults() Config {
	if c.Name == "" {
		c.Name = "fluxbpm"
	}
	c.Engine = c.Engine.WithDefaults()
	return c
}

// WithDefaults fills unset engine fields. Programmatic construction skips
// cleanenv's env-default tags, so the zero values are patched here too.
func (e Engine) WithDefaults() Engine {
	if e.StartRateLimit == 0 {
		e.StartRateLimit = 500
	}
	if e.StartRateWindow == 0 {
		e.StartRateWindow = time.Hour
	}
	if e.SignalPageSize == 0 {
		e.SignalPageSize = 100
	}
	if e.EscalationMaxDepth == 0 {
		e.EscalationMaxDepth = 100
	}
	if e.CounterSecret == "" {
		// development fallback, production deployments set ENGINE_COUNTER_SECRET
		e.CounterSecret = "fluxbpm-dev-counter-key-32-byte!"
	}
	return e
}

func InitConfig() Config {
	c := Config{}
	var fileName string
	confFile := os.Getenv("CONFIG_FILE")
	if confFile == "" {
		wd, err := os.Getwd()
		if err != nil {
			panic(err)
		}
		fileName = fmt.Sprintf("%s/conf.yaml", wd)
	} else {
		fileName = confFile
	}
	var err error
	if _, perr := os.Stat(fileName); errors.Is(perr, os.ErrNotExist) {
		err = cleanenv.ReadEnv(&c)
		fmt.Printf("Configuration file %s not found. Reading config from ENV.\n", fileName)
	} else {
		err = cleanenv.ReadConfig(fileName, &c)
	}
	if err != nil {
		fmt.Printf("Error occurred while reading the configuration: %s\n", err)
		panic(err)
	}
	return c.defaults()
}
