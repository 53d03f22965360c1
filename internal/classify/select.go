package classify

import (
	"context"
	"log/slog"
)

// ProviderConfig carries the settings used by Select.
type ProviderConfig struct {
	Provider     string // auto, openai, ollama or noop
	OpenAIAPIKey string
	OpenAIModel  string
	OllamaURL    string
	OllamaModel  string
}

// Select builds a classifier from configuration. "auto" uses OpenAI when an
// API key is present, then Ollama when reachable, else the no-op
// classifier. Misconfiguration degrades to no-op.
func Select(ctx context.Context, cfg ProviderConfig, logger *slog.Logger) Classifier {
	switch cfg.Provider {
	case "openai":
		c, err := NewOpenAIClassifier(cfg.OpenAIAPIKey, cfg.OpenAIModel)
		if err != nil {
			logger.Error("OPENAI_API_KEY required when SHIKAKE_CLASSIFIER_PROVIDER=openai")
			return NewNoopClassifier()
		}
		logger.Info("classifier: openai", "model", c.model)
		return c

	case "ollama":
		logger.Info("classifier: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
		return NewOllamaClassifier(cfg.OllamaURL, cfg.OllamaModel)

	case "noop":
		logger.Info("classifier: noop (semantic conditions never pass)")
		return NewNoopClassifier()

	case "auto":
		fallthrough
	default:
		if cfg.OpenAIAPIKey != "" {
			c, err := NewOpenAIClassifier(cfg.OpenAIAPIKey, cfg.OpenAIModel)
			if err == nil {
				logger.Info("classifier: openai (auto-detected)", "model", c.model)
				return c
			}
		}
		if cfg.OllamaURL != "" && Reachable(ctx, cfg.OllamaURL) {
			logger.Info("classifier: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
			return NewOllamaClassifier(cfg.OllamaURL, cfg.OllamaModel)
		}
		logger.Warn("no classifier available, using noop (semantic conditions never pass)")
		return NewNoopClassifier()
	}
}
