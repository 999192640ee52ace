package config

import "errors"

// LoadOptions controls where Load reads from.
type LoadOptions struct {
	// Changed holds the names of flags set on the command line; those
	// values are never overridden.
	Changed map[string]bool

	// Environ replaces the process environment when non-nil.
	Environ map[string]string

	// ConfigPath overrides LORBOT_CONFIG and the default location.
	ConfigPath string

	// DefaultPath is tried when neither ConfigPath nor LORBOT_CONFIG is
	// set. Empty means DefaultConfigPath(). A missing default file is not
	// an error.
	DefaultPath string
}

// Load layers the optional TOML file and the environment over cfg (which
// already carries defaults and flag values) and validates the result.
// Any failure is returned as *Error.
func Load(cfg Config, opts LoadOptions) (Config, error) {
	if opts.Changed == nil {
		opts.Changed = map[string]bool{}
	}

	ec, err := ParseEnv(opts.Environ)
	if err != nil {
		return Config{}, err
	}

	path := opts.ConfigPath
	if path == "" && ec.ConfigPath != nil {
		path = *ec.ConfigPath
	}
	explicit := path != ""
	if path == "" {
		path = opts.DefaultPath
	}
	if path == "" {
		path = DefaultConfigPath()
	}

	if path != "" && FileExists(path) {
		fc, err := LoadFileConfig(path)
		if err != nil {
			var cfgErr *Error
			if errors.As(err, &cfgErr) {
				return Config{}, err
			}
			return Config{}, &Error{Option: "LORBOT_CONFIG", Reason: "cannot read config file", Err: err}
		}
		if err := ApplyFileConfig(&cfg, fc, opts.Changed); err != nil {
			return Config{}, err
		}
		cfg.ConfigPath = path
	} else if explicit {
		return Config{}, &Error{Option: "LORBOT_CONFIG", Reason: "config file " + path + " does not exist"}
	}

	ApplyEnvConfig(&cfg, ec, opts.Changed)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
