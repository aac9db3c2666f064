package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Validate checks the configuration for the given run mode. Modes: "run"
// (one-shot pipeline), "serve" (HTTP API + workers), "status" (read-only
// queries).
func (c *Config) Validate(mode string) error {
	var problems []string

	check := func(ok bool, msg string) {
		if !ok {
			problems = append(problems, msg)
		}
	}

	switch mode {
	case "run", "serve":
		check(c.Store.Driver == "sqlite" || c.Store.Driver == "postgres",
			fmt.Sprintf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
		check(c.Store.DatabaseURL != "", "store.database_url is required")
		check(c.Anthropic.Key != "", "anthropic.key is required")
		check(c.Embedding.Key != "", "embedding.key is required")
		check(c.Pipeline.Workers >= 1 && c.Pipeline.Workers <= 32,
			"pipeline.workers must be between 1 and 32")
		check(c.Retrieval.TopK >= 10 && c.Retrieval.TopK <= 15,
			"retrieval.top_k must be between 10 and 15")
		check(c.Retrieval.SemanticWeight >= 0 && c.Retrieval.KeywordWeight >= 0 &&
			c.Retrieval.SemanticWeight+c.Retrieval.KeywordWeight > 0,
			"retrieval weights must be non-negative and not both zero")
		if mode == "serve" {
			check(c.Server.Port > 0, "server.port must be > 0")
		}
	case "status":
		check(c.Store.DatabaseURL != "", "store.database_url is required")
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}
