package config

import "errors"

var (
	// ErrConfigNotFound is returned when the configuration file does not exist.
	ErrConfigNotFound = errors.New("config: file not found")
	// ErrConfigVersionTooNew is returned when the file declares a schema
	// version newer than CurrentConfigVersion.
	ErrConfigVersionTooNew = errors.New("config: version newer than supported")
	// ErrConfigPermissions is returned when the config file is readable by
	// users other than its owner.
	ErrConfigPermissions = errors.New("config: file permissions too permissive")
	// ErrConfigInvalid is returned when the YAML body fails to parse or a
	// duration field cannot be parsed.
	ErrConfigInvalid = errors.New("config: invalid contents")
)
