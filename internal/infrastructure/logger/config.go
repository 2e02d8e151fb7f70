package logger

import (
	"os"
	"runtime"
)

type Config struct {
	Level      string            `mapstructure:"level"       json:"level"       validate:"omitempty,oneof=debug info warn warning error fatal"`
	Format     string            `mapstructure:"format"      json:"format"      validate:"omitempty,oneof=json text console"`
	Output     string            `mapstructure:"output"      json:"output"      validate:"omitempty,oneof=stdout stderr file"`
	FilePath   string            `mapstructure:"file_path"   json:"file_path"   validate:"required_if=Output file"`
	MaxSize    int               `mapstructure:"max_size"    json:"max_size"    validate:"gte=0"` // MB
	MaxBackups int               `mapstructure:"max_backups" json:"max_backups" validate:"gte=0"`
	MaxAge     int               `mapstructure:"max_age"     json:"max_age"     validate:"gte=0"` // days
	Compress   bool              `mapstructure:"compress"    json:"compress"`
	Fields     map[string]string `mapstructure:"fields"      json:"fields"`
}

// GetDefaultFields returns process-level fields attached to every entry.
func GetDefaultFields() Fields {
	hostname, _ := os.Hostname()

	fields := Fields{
		"hostname":   hostname,
		"pid":        os.Getpid(),
		"go_version": runtime.Version(),
	}

	if podName := os.Getenv("KUBERNETES_POD_NAME"); podName != "" {
		fields["k8s_pod"] = podName
	}
	if appVersion := os.Getenv("APP_VERSION"); appVersion != "" {
		fields["app_version"] = appVersion
	}
	if env := os.Getenv("APP_ENV"); env != "" {
		fields["environment"] = env
	}

	return fields
}

func NewDefaultConfig() *Config {
	config := &Config{
		Level:      "info",
		Format:     "console",
		Output:     "stdout",
		MaxSize:    100,
		MaxBackups: 3,
		MaxAge:     28,
		Compress:   true,
		Fields:     map[string]string{"service": "fhircast-listener"},
	}

	for k, v := range GetDefaultFields() {
		if str, ok := v.(string); ok {
			config.Fields[k] = str
		}
	}

	return config
}
