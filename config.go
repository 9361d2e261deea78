package main

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/devatadev/gowvcdm/wv"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const defaultConfigPath = "./serve.yaml"

type Config struct {
	Serve         Serve           `yaml:"serve"`
	Users         map[string]User `yaml:"users" validate:"required,dive"`
	Devices       []string        `yaml:"devices" validate:"dive,required"`
	RemoteDevices []RemoteDevice  `yaml:"remote_devices" validate:"dive"`
}

type User struct {
	Devices []string `yaml:"devices"`
	Name    string   `yaml:"name" validate:"required"`
}

type Serve struct {
	Port             int64  `yaml:"port" validate:"gte=0,lte=65535"`
	Host             string `yaml:"host"`
	Mode             string `yaml:"mode"`
	ForcePrivacyMode bool   `yaml:"force_privacy_mode"`
	LogLevel         string `yaml:"log_level" validate:"omitempty,oneof=debug info warn error fatal"`
}

// RemoteDevice is a device whose challenges are signed by a remote CDM API.
type RemoteDevice struct {
	Name          string `yaml:"name" validate:"required"`
	DeviceType    string `yaml:"device_type" validate:"required"`
	SecurityLevel int    `yaml:"security_level" validate:"gte=1,lte=3"`
	Host          string `yaml:"host" validate:"required,url"`
	Secret        string `yaml:"secret"`
	Scheme        string `yaml:"scheme"`
	Service       string `yaml:"service"`
}

// configPath returns WVCDM_CONFIG or the default serve.yaml.
func configPath() string {
	if path := os.Getenv("WVCDM_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// loadConfig reads .env, the yaml config and the environment overrides.
func loadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, errors.Wrap(err, "load .env")
	}
	return readConfig(configPath())
}

func readConfig(path string) (*Config, error) {
	yamlFile, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}

	var config Config
	if err = yaml.Unmarshal(yamlFile, &config); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if err = config.applyEnv(); err != nil {
		return nil, err
	}
	if err = config.validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) applyEnv() error {
	if value := os.Getenv("WVCDM_HOST"); value != "" {
		c.Serve.Host = value
	}
	if value := os.Getenv("WVCDM_PORT"); value != "" {
		port, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return errors.Errorf("WVCDM_PORT is not a valid integer: %q", value)
		}
		c.Serve.Port = port
	}
	if value := os.Getenv("WVCDM_LOG_LEVEL"); value != "" {
		c.Serve.LogLevel = value
	}
	return nil
}

func (c *Config) validate() error {
	if err := validator.New().Struct(c); err != nil {
		return errors.Wrap(err, "invalid config")
	}

	names := make(map[string]bool)
	for _, path := range c.Devices {
		names[deviceName(path)] = true
	}
	for _, remote := range c.RemoteDevices {
		if names[remote.Name] {
			return errors.Errorf("device %q is defined twice", remote.Name)
		}
		if _, ok := wv.ParseDeviceType(remote.DeviceType); !ok {
			return errors.Errorf("remote device %q has unknown device type %q", remote.Name, remote.DeviceType)
		}
		names[remote.Name] = true
	}
	return nil
}

// ginMode maps the configured mode to a gin mode, release unless asked
// otherwise.
func (s Serve) ginMode() string {
	switch s.Mode {
	case "", "release", "prod", "production":
		return "release"
	}
	return "debug"
}

// deviceName is the file name of a .wvd path without its extension.
func deviceName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
