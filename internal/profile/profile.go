// Package profile loads the factory personalization parameters that would,
// on a real card, be burned in at issuance: retry ceilings, the
// personalization blob's maximum length, and the default PIN set before a
// cardholder's own PIN is chosen. The firmware itself never reads a YAML
// file — a factory profile is compiled into a batch of cards, or in this
// simulator, loaded once at process start. Modeled on
// dswarbrick-smart/cmd/mkdrivedb's yaml.v2 struct-tag loading of a model
// database, the only YAML-shaped config in the retrieved pack.
package profile

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// Profile holds the factory-configurable parameters referenced by spec
// sections 4.D and 6.
type Profile struct {
	PinTryMax   byte    `yaml:"pin_try_max"`
	PukTryMax   byte    `yaml:"puk_try_max"`
	MaxPersoLen byte    `yaml:"max_perso_len"`
	DefaultPIN  [4]byte `yaml:"default_pin"`
}

// Default returns the profile INTRO_PERSO uses absent an explicit factory
// file: 3 PIN tries, 5 PUK tries, a 32-byte personalization ceiling, and the
// factory default PIN {1,2,3,4} of spec section 3.
func Default() Profile {
	return Profile{
		PinTryMax:   3,
		PukTryMax:   5,
		MaxPersoLen: 32,
		DefaultPIN:  [4]byte{1, 2, 3, 4},
	}
}

// Load reads a factory profile from a YAML file at path. default_pin is a
// four-element list of small integers, e.g. "default_pin: [1, 2, 3, 4]" —
// not ASCII digits, since spec section 3 defines pin as a raw 4-byte
// numeric secret rather than a string of digit characters.
func Load(path string) (Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("profile: read %s: %w", path, err)
	}

	p := Default()
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("profile: parse %s: %w", path, err)
	}
	if err := p.Validate(); err != nil {
		return Profile{}, fmt.Errorf("profile: %s: %w", path, err)
	}
	return p, nil
}

// Validate reports whether the profile is usable. Tries must be nonzero: a
// zero ceiling would blind-side VERIFY_PIN/RESET_PIN_BY_PUK into reporting
// "blocked" on the very first attempt.
func (p Profile) Validate() error {
	if p.PinTryMax == 0 {
		return fmt.Errorf("pin_try_max must be nonzero")
	}
	if p.PukTryMax == 0 {
		return fmt.Errorf("puk_try_max must be nonzero")
	}
	if p.MaxPersoLen == 0 || p.MaxPersoLen > 32 {
		return fmt.Errorf("max_perso_len must be in [1, 32], got %d", p.MaxPersoLen)
	}
	return nil
}
