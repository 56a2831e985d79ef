package main

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	ragchatwidget "github.com/MegaGrindStone/rag-chat-widget"
	"github.com/MegaGrindStone/rag-chat-widget/internal/handlers"
	"gopkg.in/yaml.v3"
)

type config struct {
	Port string `yaml:"port"`
	// Script is the path of the reply script. The embedded default script is used when it is empty.
	Script string `yaml:"script"`
	// Token, if set, is required as bearer token by the history endpoints.
	Token    string `yaml:"token"`
	LogLevel string `yaml:"logLevel"`
}

const (
	defaultPort   = "8080"
	defaultScript = "replies/default.yaml"

	errLoggerKey = "err"
)

// loadConfig reads the config file at path. A missing file yields the defaults.
func loadConfig(path string) (config, error) {
	cfg := config{}

	f, err := os.Open(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return config{}, fmt.Errorf("error opening config file: %w", err)
	default:
		defer f.Close()
		if err := yaml.NewDecoder(f).Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return config{}, fmt.Errorf("error decoding config file: %w", err)
		}
	}

	cfg.Port = cmp.Or(cfg.Port, os.Getenv("PORT"), defaultPort)
	return cfg, nil
}

func (c config) script() (handlers.Script, error) {
	if c.Script == "" {
		return handlers.LoadScriptFS(ragchatwidget.ReplyFS, defaultScript)
	}

	f, err := os.Open(c.Script)
	if err != nil {
		return handlers.Script{}, fmt.Errorf("error opening script: %w", err)
	}
	defer f.Close()

	return handlers.LoadScript(f)
}
