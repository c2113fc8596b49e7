package container

import (
	"fmt"

	"github.com/harunnryd/kago/internal/config"
)

// ConfigFrom resolves the string durations and defaults of the container section.
func ConfigFrom(cfg config.ContainerConfig) (Config, error) {
	timeout, err := config.DurationOrDefault(cfg.Timeout, config.DefaultContainerTimeout)
	if err != nil {
		return Config{}, fmt.Errorf("parse container timeout: %w", err)
	}
	idle, err := config.DurationOrDefault(cfg.IdleTimeout, config.DefaultContainerIdleTimeout)
	if err != nil {
		return Config{}, fmt.Errorf("parse container idle timeout: %w", err)
	}
	margin, err := config.DurationOrDefault(cfg.TimeoutMargin, config.DefaultContainerTimeoutMargin)
	if err != nil {
		return Config{}, fmt.Errorf("parse container timeout margin: %w", err)
	}
	grace, err := config.DurationOrDefault(cfg.StopGrace, config.DefaultContainerStopGrace)
	if err != nil {
		return Config{}, fmt.Errorf("parse container stop grace: %w", err)
	}

	out := Config{
		BaseImage:      cfg.BaseImage,
		NamePrefix:     cfg.NamePrefix,
		Timeout:        timeout,
		IdleTimeout:    idle,
		TimeoutMargin:  margin,
		StopGrace:      grace,
		SourceDir:      cfg.SourceDir,
		SecretKeys:     cfg.SecretKeys,
		MaxOutputBytes: cfg.MaxOutputBytes,
		ExtensionFile:  cfg.ExtensionFile,
	}
	if out.BaseImage == "" {
		out.BaseImage = config.DefaultContainerBaseImage
	}
	if out.NamePrefix == "" {
		out.NamePrefix = config.DefaultContainerNamePrefix
	}
	if out.MaxOutputBytes <= 0 {
		out.MaxOutputBytes = config.DefaultContainerMaxOutputBytes
	}
	if out.ExtensionFile == "" {
		out.ExtensionFile = config.DefaultContainerExtensionFile
	}
	return out, nil
}
