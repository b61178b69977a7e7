package app

import (
	"errors"
	"fmt"

	"marketchat/cmd/security/fingerprint"
)

const minDedupSecretBytes = 32

// ValidateSecurityConfig fails startup when the dedup secret policy cannot be met.
// The secret keys BLAKE2b, so it is measured in bytes and capped at 64.
func ValidateSecurityConfig(cfg Config) error {
	secret := []byte(cfg.DedupSecret)

	if len(secret) == 0 {
		if cfg.RequireDedupSecret {
			return errors.New("security policy: MARKETCHAT_REQUIRE_DEDUP_SECRET=true but MARKETCHAT_DEDUP_SECRET is missing")
		}
		return nil
	}

	if _, err := fingerprint.Keyed(secret, "dedup"); err != nil {
		if errors.Is(err, fingerprint.ErrKeyTooLong) {
			return errors.New("security policy: MARKETCHAT_DEDUP_SECRET is too long (max 64 bytes)")
		}
		return fmt.Errorf("security policy: %w", err)
	}

	if cfg.RequireDedupSecret && len(secret) < minDedupSecretBytes {
		return fmt.Errorf("security policy: MARKETCHAT_DEDUP_SECRET is too short (min %d bytes)", minDedupSecretBytes)
	}
	return nil
}
