package provider

import (
	"fmt"

	"marketgate/config"
)

// FromConfig builds the adapter matching the configured source kind.
func FromConfig(cfg config.SourceConfig) (Provider, error) {
	switch cfg.Kind {
	case "binance":
		return NewBinanceProvider(cfg), nil
	case "http":
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("http source %q requires base_url", cfg.Name)
		}
		return NewHTTPProvider(cfg), nil
	case "stream":
		if cfg.FeedURL == "" {
			return nil, fmt.Errorf("stream source %q requires feed_url", cfg.Name)
		}
		return NewStreamProvider(cfg), nil
	case "replay":
		return NewReplayProvider(cfg.Name), nil
	default:
		return nil, fmt.Errorf("unknown source kind %q for %q", cfg.Kind, cfg.Name)
	}
}
