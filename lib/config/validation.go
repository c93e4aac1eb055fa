// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/go-playground/validator/v10"
)

// validate is the singleton validator instance.
var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks cfg with struct tags and then with the rules tags
// cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	var errs []error

	if !filepath.IsAbs(cfg.Store.Root) {
		errs = append(errs, fmt.Errorf("store.root must be absolute: %q", cfg.Store.Root))
	}
	if filepath.Clean(cfg.Interception.Prefix) == "/" {
		errs = append(errs, errors.New("interception.prefix must not be /"))
	}

	ids := make(map[string]bool, len(cfg.Roots))
	for i, root := range cfg.Roots {
		if ids[root.ID] {
			errs = append(errs, fmt.Errorf("roots[%d]: duplicate root id %q", i, root.ID))
		}
		ids[root.ID] = true
	}

	return errors.Join(errs...)
}

// formatValidationError turns the first validator failure into a
// message naming the field path.
func formatValidationError(err error) error {
	var validationErrs validator.ValidationErrors
	if errors.As(err, &validationErrs) && len(validationErrs) > 0 {
		e := validationErrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)",
			e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
