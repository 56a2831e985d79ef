package main

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/MegaGrindStone/rag-chat-widget/internal/chat"
	"github.com/MegaGrindStone/rag-chat-widget/internal/services"
	"gopkg.in/yaml.v3"
)

type modeConfig interface {
	backendOptions() services.BackendOptions
	sessionConfig(userID, greeting string) chat.SessionConfig
}

type config struct {
	BackendURL   string     `yaml:"backendUrl"`
	Token        string     `yaml:"token"`
	UserID       string     `yaml:"userId"`
	Greeting     string     `yaml:"greeting"`
	Mode         modeConfig `yaml:"mode"`
	Log          logConfig  `yaml:"log"`
	TranscriptDB string     `yaml:"transcriptDb"`
}

type assistantConfig struct {
	AssistantID string `yaml:"assistantId"`
	Model       string `yaml:"model"`
}

type llmConfig struct {
	Provider      string               `yaml:"provider"`
	Model         string               `yaml:"model"`
	VectorStore   services.VectorStore `yaml:"vectorStore"`
	Temperature   float64              `yaml:"temperature"`
	MaxTokens     int                  `yaml:"maxTokens"`
	SystemMessage string               `yaml:"systemMessage"`
}

type logConfig struct {
	// Level is one of debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is text or json.
	Format string `yaml:"format"`
	// File receives the logs. The chat window discards logs when it is empty, other commands write them
	// to stderr.
	File string `yaml:"file"`
}

const (
	configDirName = "ragwidget"

	envBackendURL = "RAGWIDGET_BACKEND_URL"
	envToken      = "RAGWIDGET_TOKEN"

	defaultUserID   = "guest"
	defaultGreeting = "Hi! How can I help you today?"
)

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		BackendURL   string         `yaml:"backendUrl"`
		Token        string         `yaml:"token"`
		UserID       string         `yaml:"userId"`
		Greeting     string         `yaml:"greeting"`
		Mode         map[string]any `yaml:"mode"`
		Log          logConfig      `yaml:"log"`
		TranscriptDB string         `yaml:"transcriptDb"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	modeType := string(services.ModeAssistant)
	if t, ok := rawConfig.Mode["type"]; ok {
		s, ok := t.(string)
		if !ok {
			return fmt.Errorf("mode type must be a string")
		}
		modeType = s
	}
	delete(rawConfig.Mode, "type")

	modeRawYAML, err := yaml.Marshal(rawConfig.Mode)
	if err != nil {
		return err
	}

	var mode modeConfig
	switch services.Mode(modeType) {
	case services.ModeAssistant:
		mode = &assistantConfig{}
	case services.ModeLLM:
		mode = &llmConfig{VectorStore: services.VectorStore{Hybrid: true}}
	default:
		return fmt.Errorf("unknown mode: %s", modeType)
	}

	if err := yaml.Unmarshal(modeRawYAML, mode); err != nil {
		return err
	}

	c.BackendURL = rawConfig.BackendURL
	c.Token = rawConfig.Token
	c.UserID = rawConfig.UserID
	c.Greeting = rawConfig.Greeting
	c.Mode = mode
	c.Log = rawConfig.Log
	c.TranscriptDB = rawConfig.TranscriptDB

	return nil
}

func (a assistantConfig) backendOptions() services.BackendOptions {
	return services.BackendOptions{
		Mode:        services.ModeAssistant,
		AssistantID: a.AssistantID,
		Model:       a.Model,
	}
}

func (a assistantConfig) sessionConfig(userID, greeting string) chat.SessionConfig {
	return chat.SessionConfig{
		UserID:      userID,
		AssistantID: a.AssistantID,
		Greeting:    greeting,
	}
}

func (l llmConfig) backendOptions() services.BackendOptions {
	return services.BackendOptions{
		Mode:          services.ModeLLM,
		Provider:      l.Provider,
		Model:         l.Model,
		VectorStore:   l.VectorStore,
		Temperature:   l.Temperature,
		MaxTokens:     l.MaxTokens,
		SystemMessage: l.SystemMessage,
	}
}

func (l llmConfig) sessionConfig(userID, greeting string) chat.SessionConfig {
	return chat.SessionConfig{
		UserID:   userID,
		Provider: l.Provider,
		Greeting: greeting,
	}
}

// loadConfig reads the config file at path. A missing file yields the defaults, so the widget can be
// configured from the environment alone.
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

	if cfg.Mode == nil {
		cfg.Mode = &assistantConfig{}
	}
	cfg.BackendURL = cmp.Or(cfg.BackendURL, os.Getenv(envBackendURL))
	cfg.Token = cmp.Or(cfg.Token, os.Getenv(envToken))
	cfg.UserID = cmp.Or(cfg.UserID, defaultUserID)
	cfg.Greeting = cmp.Or(cfg.Greeting, defaultGreeting)
	if cfg.TranscriptDB == "" {
		cfg.TranscriptDB = filepath.Join(filepath.Dir(path), "transcripts.db")
	}

	if cfg.BackendURL == "" {
		return config{}, fmt.Errorf("backend url is required, set backendUrl or %s", envBackendURL)
	}

	return cfg, nil
}

func defaultConfigPath() (string, error) {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("error getting user config dir: %w", err)
	}
	return filepath.Join(cfgDir, configDirName, "config.yaml"), nil
}

func (c config) backend(logger *slog.Logger) services.Backend {
	opts := c.Mode.backendOptions()
	opts.Token = c.Token
	return services.NewBackend(c.BackendURL, opts, logger)
}

func (c config) sessionConfig() chat.SessionConfig {
	return c.Mode.sessionConfig(c.UserID, c.Greeting)
}

// newLogger builds the logger described by l writing to w. debug forces the debug level.
func (l logConfig) newLogger(w io.Writer, debug bool) (*slog.Logger, error) {
	level := slog.LevelInfo
	if l.Level != "" {
		if err := level.UnmarshalText([]byte(l.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", l.Level, err)
		}
	}
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(l.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format: %s", l.Format)
	}
}
