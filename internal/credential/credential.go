// Package credential holds the remote API key used by the story and speech
// clients. The key is evaluated once when the process starts.
package credential

import (
	"log/slog"
	"strings"

	"github.com/loqalabs/storyteller/internal/config"
)

type Credential struct {
	secret string
	valid  bool
}

// New evaluates secret and logs the outcome. The key itself is never logged.
func New(secret string, logger *slog.Logger) Credential {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "credential"))

	secret = strings.TrimSpace(secret)
	c := Credential{secret: secret, valid: secret != "" && secret != config.PlaceholderAPIKey}

	switch {
	case secret == "":
		logger.Warn("api key not set; story and speech requests will use fallbacks")
	case !c.valid:
		logger.Warn("api key still holds the placeholder value; story and speech requests will use fallbacks")
	default:
		logger.Info("api key loaded", slog.Int("length", len(secret)))
		if !strings.HasPrefix(secret, "sk-") {
			logger.Warn("api key does not start with sk-; the remote service may reject it")
		}
	}
	return c
}

// Valid reports whether the key is present and not the placeholder.
func (c Credential) Valid() bool { return c.valid }

func (c Credential) Secret() string { return c.secret }

func (c Credential) BearerHeader() string { return "Bearer " + c.secret }

// String redacts the secret so a Credential can be logged safely.
func (c Credential) String() string {
	if !c.valid {
		return "credential(invalid)"
	}
	return "credential(set)"
}
