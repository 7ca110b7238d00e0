package config

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/rclone/gonexus/nexus"
)

var validate = validator.New()

// Validate checks struct tags and the rules tags can not express
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	bdevs := make(map[string]bool)
	for i, b := range cfg.Bdevs {
		if bdevs[b.Name] {
			return fmt.Errorf("bdevs[%d]: duplicate bdev name %q", i, b.Name)
		}
		bdevs[b.Name] = true
	}

	names := make(map[string]bool)
	for i, n := range cfg.Nexus {
		if names[n.Name] || bdevs[n.Name] {
			return fmt.Errorf("nexus[%d]: name %q is already in use", i, n.Name)
		}
		if bdevs[nexus.CryptoName(n.Name)] {
			return fmt.Errorf("nexus[%d]: bdev %q would clash with the crypto bdev of the nexus", i, nexus.CryptoName(n.Name))
		}
		names[n.Name] = true
		for _, child := range n.Children {
			if !bdevs[child] {
				return fmt.Errorf("nexus[%d]: child %q is not a configured bdev", i, child)
			}
		}

		p, err := nexus.ParseShareProtocol(n.Share)
		if err != nil {
			return fmt.Errorf("nexus[%d]: %w", i, err)
		}
		switch p {
		case nexus.ShareNone:
			if n.Key != "" {
				return fmt.Errorf("nexus[%d]: a key is only used when the nexus is shared", i)
			}
		case nexus.ShareNbd:
			if len(cfg.NBD.Servers) == 0 {
				return fmt.Errorf("nexus[%d]: shared over nbd but no nbd servers are configured", i)
			}
		case nexus.ShareIscsi:
			if !cfg.ISCSI.Enabled {
				return fmt.Errorf("nexus[%d]: shared over iscsi but iscsi is not enabled", i)
			}
		default:
			return fmt.Errorf("nexus[%d]: nexuses can not be shared over %s", i, p)
		}
	}
	return nil
}

// formatValidationError reports the first failing field
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
