package browser

import (
	"context"
	"log/slog"
)

// Open starts or attaches to a browser with the configured driver and returns
// its page as a Document.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (*Document, error) {
	cfg, err := cfg.Resolve()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "browser", "driver", cfg.Driver)

	var engine Engine
	switch cfg.Driver {
	case DriverPlaywright:
		engine, err = newPlaywrightEngine(cfg, logger)
	default:
		engine, err = newChromeEngine(ctx, cfg, logger)
	}
	if err != nil {
		return nil, err
	}
	logger.Info("browser ready", "cdp", cfg.CDPURL, "headless", cfg.Headless)
	return NewDocument(engine, cfg.Timeout, logger), nil
}
