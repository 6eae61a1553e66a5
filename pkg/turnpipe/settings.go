package turnpipe

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadSettingsFile reads and strictly decodes a YAML settings file,
// rejecting any key the struct does not declare. Fields left unset in
// the file keep DefaultSettings' values.
func LoadSettingsFile(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Settings{}, fmt.Errorf("turnpipe: read settings file %s: %w", path, err)
	}
	return DecodeSettings(data)
}

// DecodeSettings strictly decodes YAML bytes into a Settings value
// seeded with DefaultSettings, rejecting any key the struct does not
// declare.
func DecodeSettings(data []byte) (Settings, error) {
	settings := DefaultSettings()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&settings); err != nil {
		return Settings{}, fmt.Errorf("turnpipe: decode settings: %w", err)
	}
	return settings, nil
}

// Validate reports the first settings value that cannot be honored,
// wrapped as an *InvalidSettingsError so callers can surface it as
// ErrKindLLMInvalidSettings.
func (s Settings) Validate() error {
	switch {
	case s.ModelID == "":
		return &InvalidSettingsError{Field: "model_id", Err: fmt.Errorf("must not be empty")}
	case s.PlaybackRate < 0.5 || s.PlaybackRate > 2.0:
		return &InvalidSettingsError{Field: "playback_rate", Err: fmt.Errorf("must be within [0.5, 2.0], got %v", s.PlaybackRate)}
	case s.SilenceTimeoutMS == 0:
		return &InvalidSettingsError{Field: "silence_timeout_ms", Err: fmt.Errorf("must be greater than zero")}
	case s.Phase1MS == 0 || s.Phase2MS == 0 || s.Phase3MS == 0:
		return &InvalidSettingsError{Field: "phaseN_ms", Err: fmt.Errorf("phase deadlines must be greater than zero")}
	case s.Phase1MS > s.Phase2MS || s.Phase2MS > s.Phase3MS:
		return &InvalidSettingsError{Field: "phaseN_ms", Err: fmt.Errorf("phase deadlines must be non-decreasing: phase1=%d phase2=%d phase3=%d", s.Phase1MS, s.Phase2MS, s.Phase3MS)}
	default:
		return nil
	}
}
