package bootstrap

import (
	"fmt"
	"os"

	"warden/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLogger initializes the zap logger with colored console output.
func InitLogger() (*zap.Logger, *zap.SugaredLogger, error) {
	return NewLogger(zapcore.DebugLevel)
}

// NewLogger builds the console logger at the given minimum level
func NewLogger(level zapcore.Level) (*zap.Logger, *zap.SugaredLogger, error) {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	consoleEncoder := zapcore.NewConsoleEncoder(encoderConfig)

	// Logs go to stderr so CLI output on stdout stays machine readable
	core := zapcore.NewCore(
		consoleEncoder,
		zapcore.AddSync(os.Stderr),
		level,
	)

	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, logger.Sugar(), nil
}

// InitConfig loads the application configuration.
func InitConfig(configFile string, sugar *zap.SugaredLogger) (*config.Config, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to load config: %v\n", err)
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	enabled := 0
	for _, rc := range cfg.Rules {
		if rc.IsEnabled() {
			enabled++
		}
	}

	sugar.Infow("Config loaded",
		"redis_addr", cfg.Redis.Addr,
		"sqlite_path", cfg.SQLite.Path,
		"nats_url", cfg.NATS.URL,
		"rules", len(cfg.Rules),
		"rules_enabled", enabled)

	return cfg, nil
}

// DataDirectoriesFromConfig creates DataDirectories from configuration.
func DataDirectoriesFromConfig(cfg *config.Config) DataDirectories {
	return DataDirectories{SQLite: cfg.SQLite.Path}
}
