package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

type config struct {
	file          string
	controlSocket string
	series        bool
	debug         bool
}

func (c *config) validate() error {
	if c.file == "" {
		return errors.New("file cannot be empty")
	}

	if _, err := os.Stat(c.file); err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}

	if c.controlSocket != "" {
		if _, err := os.Stat(filepath.Dir(c.controlSocket)); err != nil {
			return fmt.Errorf("failed to stat control-socket directory: %w", err)
		}
	}

	return nil
}
