package internal

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/haatos/simple-dispatch/internal/util"
)

type SecondsDuration time.Duration

func NewSecondsDuration(seconds int64) SecondsDuration {
	return SecondsDuration(time.Duration(seconds) * time.Second)
}

func (sd SecondsDuration) Duration() time.Duration {
	return time.Duration(sd)
}

func (sd SecondsDuration) MarshalJSON() ([]byte, error) {
	seconds := float64(time.Duration(sd)) / float64(time.Second)
	return json.Marshal(seconds)
}

func (sd *SecondsDuration) UnmarshalJSON(data []byte) error {
	var seconds float64
	if err := json.Unmarshal(data, &seconds); err != nil {
		return err
	}
	*sd = SecondsDuration(seconds * float64(time.Second))
	return nil
}

type Configuration struct {
	AgentStaleAfter   SecondsDuration `json:"agent_stale_after_seconds"`
	SweepInterval     SecondsDuration `json:"sweep_interval_seconds"`
	DefaultPriority   int64           `json:"default_priority"`
	DefaultMaxRetries int64           `json:"default_max_retries"`
	PollLimit         int64           `json:"poll_limit"`
}

func DefaultConfiguration() *Configuration {
	return &Configuration{
		AgentStaleAfter:   NewSecondsDuration(90),
		SweepInterval:     NewSecondsDuration(30),
		DefaultPriority:   5,
		DefaultMaxRetries: 3,
		PollLimit:         0,
	}
}

func (c *Configuration) Validate() error {
	var errs []error
	if c.AgentStaleAfter <= 0 {
		errs = append(errs, errors.New("agent_stale_after_seconds must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("sweep_interval_seconds must be positive"))
	}
	if c.DefaultMaxRetries < 0 {
		errs = append(errs, errors.New("default_max_retries must not be negative"))
	}
	if c.PollLimit < 0 {
		errs = append(errs, errors.New("poll_limit must not be negative"))
	}
	return errors.Join(errs...)
}

// InitializeConfiguration reads the configuration file at path, writing one
// with default values first if it does not exist. Keys missing from the file
// keep their defaults.
func InitializeConfiguration(path string) (*Configuration, error) {
	config := DefaultConfiguration()

	configFileExists, err := util.PathExists(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	if !configFileExists {
		if err := UpdateConfiguration(path, config); err != nil {
			return nil, err
		}
		return config, nil
	}

	configBytes, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(configBytes, config); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func UpdateConfiguration(path string, config *Configuration) error {
	b, err := json.MarshalIndent(config, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
