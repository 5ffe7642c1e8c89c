package schema

import (
	"bytes"
	"fmt"
	"io"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// LoadFile reads a descriptor file (YAML, JSON or TOML, by extension) and builds the schema.
func LoadFile(path string, opts ...Option) (*Schema, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read schema descriptor %q: %w", path, err)
	}
	return fromViper(v, opts...)
}

// Load reads a descriptor of the given format ("yaml", "json") from r and builds the schema.
func Load(r io.Reader, format string, opts ...Option) (*Schema, error) {
	v := viper.New()
	v.SetConfigType(format)
	if err := v.ReadConfig(r); err != nil {
		return nil, fmt.Errorf("failed to parse schema descriptor: %w", err)
	}
	return fromViper(v, opts...)
}

// LoadBytes is Load over an in-memory descriptor.
func LoadBytes(data []byte, format string, opts ...Option) (*Schema, error) {
	return Load(bytes.NewReader(data), format, opts...)
}

func fromViper(v *viper.Viper, opts ...Option) (*Schema, error) {
	var doc Document
	decoderConfig := &mapstructure.DecoderConfig{
		Result:           &doc,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
	}
	decoder, err := mapstructure.NewDecoder(decoderConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create descriptor decoder: %w", err)
	}
	if err := decoder.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("failed to decode schema descriptor: %w", err)
	}
	return Build(doc, opts...)
}
