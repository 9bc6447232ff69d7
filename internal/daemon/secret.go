package daemon

import (
	"errors"
	"fmt"

	"github.com/marinabox/marinabox/internal/config"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

const sharedSecretLength = 32

// ErrNoSharedSecret is returned by New when gateway.shared_secret is empty.
var ErrNoSharedSecret = errors.New("gateway shared secret is required")

// EnsureSharedSecret fills an empty gateway.shared_secret with a random one
// and persists it through loader so clients can read it back from the config
// file. It reports whether a secret was generated.
func EnsureSharedSecret(cfg *config.Config, loader *config.Loader) (bool, error) {
	if cfg.Gateway.SharedSecret != "" {
		return false, nil
	}

	secret, err := gonanoid.New(sharedSecretLength)
	if err != nil {
		return false, fmt.Errorf("failed to generate shared secret: %w", err)
	}

	if loader != nil {
		saved, err := loader.Update(func(c *config.Config) error {
			if c.Gateway.SharedSecret == "" {
				c.Gateway.SharedSecret = secret
			}
			return nil
		})
		if err != nil {
			return false, fmt.Errorf("failed to store shared secret: %w", err)
		}
		// Another writer may have set one first.
		secret = saved.Gateway.SharedSecret
	}

	cfg.Gateway.SharedSecret = secret
	return true, nil
}
