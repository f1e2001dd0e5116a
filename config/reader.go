package config

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/a8m/envsubst"
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
)

// MaxFileSize is the largest config file Read accepts.
const MaxFileSize = 1 << 20

// Read reads a config from the given JSON file. Environment variables referenced as $VAR or
// ${VAR} are substituted before decoding.
func Read(filePath string) (*Config, error) {
	if ext := strings.ToLower(filepath.Ext(filePath)); ext != ".json" {
		return nil, errors.Errorf("config file %q must have a .json extension, got %q", filePath, ext)
	}
	info, err := os.Stat(filePath)
	if err != nil {
		return nil, err
	}
	if info.Size() > MaxFileSize {
		return nil, errors.Errorf("config file %q is %d bytes, larger than the %d allowed", filePath, info.Size(), MaxFileSize)
	}
	buf, err := envsubst.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return FromReader(filePath, bytes.NewReader(buf))
}

// FromReader reads a config from the given reader and specifies where, if applicable, the file
// the reader originated from. Keys are decoded over Default, so absent keys keep their defaults
// and unknown keys are an error. The result is validated.
func FromReader(originalPath string, r io.Reader) (*Config, error) {
	var attributes map[string]interface{}
	if err := json.NewDecoder(io.LimitReader(r, MaxFileSize+1)).Decode(&attributes); err != nil {
		return nil, errors.Wrapf(err, "failed to decode config %q from json", originalPath)
	}
	cfg := Default()
	if err := decode(attributes, &cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to decode config %q", originalPath)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid config %q", originalPath)
	}
	return &cfg, nil
}

func decode(attributes map[string]interface{}, out *Config) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		// lists replace their defaults instead of overwriting a prefix of them
		ZeroFields: true,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(attributes)
}
