package host

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"git.tatikoma.dev/corpix/shelf/errors"
	"git.tatikoma.dev/corpix/shelf/worker"
)

const (
	DefaultUnloadTimeout = 10 * time.Second
	DefaultReloadDelay   = 500 * time.Millisecond
	InboxSocket          = "inbox.sock"
)

type WorkerConfig struct {
	Path string   `yaml:"path"`
	Args []string `yaml:"args"`
	Env  []string `yaml:"env"`
}

type Config struct {
	Name          string        `yaml:"name"`
	Worker        WorkerConfig  `yaml:"worker"`
	SocketDir     string        `yaml:"socket_dir"`
	SendTimeout   time.Duration `yaml:"send_timeout"`
	UnloadTimeout time.Duration `yaml:"unload_timeout"`
	ReloadDelay   time.Duration `yaml:"reload_delay"`
	// Journal is a sqlite DSN, the journal is disabled when empty.
	Journal string `yaml:"journal"`
	// Metrics is a listen address of the prometheus endpoint.
	Metrics   string `yaml:"metrics"`
	Reload    bool   `yaml:"reload"`
	Autostart bool   `yaml:"autostart"`
}

// FromFile loads c from a yaml document, defaults and validation are applied
// by the caller once command line overrides are in.
func (c *Config) FromFile(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "failed to read config file")
	}
	return errors.Wrap(yaml.Unmarshal(buf, c), "failed to parse config file")
}

func (c *Config) Default() {
	if c.SocketDir == "" {
		c.SocketDir = filepath.Join(os.TempDir(), "shelf")
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = worker.DefaultSendTimeout
	}
	if c.UnloadTimeout <= 0 {
		c.UnloadTimeout = DefaultUnloadTimeout
	}
	if c.ReloadDelay <= 0 {
		c.ReloadDelay = DefaultReloadDelay
	}
}

func (c *Config) Validate() error {
	if c.Name == "" {
		return errors.New("service name is required")
	}
	if c.Worker.Path == "" {
		return errors.Errorf("worker path of service %q is required", c.Name)
	}
	return nil
}
