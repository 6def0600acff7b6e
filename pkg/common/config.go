package common

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

//go:embed config.default.yaml
var defaultConfig []byte

// ConfigPathEnv names the optional override file layered over the defaults.
const ConfigPathEnv = "CONFIG_PATH"

type ConfigManager[T any] struct {
	kf     *koanf.Koanf
	config T
}

// NewConfigManager loads the embedded defaults, then the file in CONFIG_PATH if set.
func NewConfigManager[T any]() (*ConfigManager[T], error) {
	cm := &ConfigManager[T]{kf: koanf.New(".")}

	if err := cm.kf.Load(rawbytes.Provider(defaultConfig), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load default config: %w", err)
	}

	if path := os.Getenv(ConfigPathEnv); path != "" {
		if err := cm.LoadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cm.unmarshal(); err != nil {
		return nil, err
	}

	return cm, nil
}

// LoadFile merges a yaml or json file over the current values.
func (cm *ConfigManager[T]) LoadFile(path string) error {
	var parser koanf.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		parser = json.Parser()
	case ".yaml", ".yml":
		parser = yaml.Parser()
	default:
		return fmt.Errorf("unsupported config format: %s", path)
	}

	if err := cm.kf.Load(file.Provider(path), parser); err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}

	return cm.unmarshal()
}

func (cm *ConfigManager[T]) GetConfig() T {
	return cm.config
}

func (cm *ConfigManager[T]) unmarshal() error {
	var cfg T
	err := cm.kf.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "key",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
				mapstructure.TextUnmarshallerHookFunc(),
			),
			Result:           &cfg,
			TagName:          "key",
			WeaklyTypedInput: true,
		},
	})
	if err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	cm.config = cfg
	return nil
}
