/*
Copyright 2025 Mosaic HQ Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"encoding/json"
	"errors"
	"log"
	"os"
	"strings"
	"sync/atomic"

	"github.com/kelseyhightower/envconfig"

	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5300"
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"PROVISIO_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"PROVISIO_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"PROVISIO_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"PROVISIO_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"PROVISIO_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"PROVISIO_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"PROVISIO_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns string `json:"dns" envconfig:"PROVISIO_REDIS_DNS"`
}

// AnalyticsConfig points at the downstream analytical store records are
// provisioned into.
type AnalyticsConfig struct {
	Dns        string `json:"dns" envconfig:"PROVISIO_ANALYTICS_DNS"`
	ApiKey     string `json:"api_key" envconfig:"PROVISIO_ANALYTICS_API_KEY"`
	Collection string `json:"collection" envconfig:"PROVISIO_ANALYTICS_COLLECTION"`
}

// ProvisioningConfig tunes the idempotency store windows and the client
// guard's retry policy.
type ProvisioningConfig struct {
	FreshnessWindowSec  int  `json:"freshness_window_sec" envconfig:"PROVISIO_FRESHNESS_WINDOW_SEC"`
	CooldownSec         int  `json:"cooldown_sec" envconfig:"PROVISIO_COOLDOWN_SEC"`
	TTLSec              int  `json:"ttl_sec" envconfig:"PROVISIO_TTL_SEC"`
	SweepIntervalSec    int  `json:"sweep_interval_sec" envconfig:"PROVISIO_SWEEP_INTERVAL_SEC"`
	MaxRetry            int  `json:"max_retry" envconfig:"PROVISIO_MAX_RETRY"`
	RetryDelaySec       int  `json:"retry_delay_sec" envconfig:"PROVISIO_RETRY_DELAY_SEC"`
	EscalationThreshold int  `json:"escalation_threshold" envconfig:"PROVISIO_ESCALATION_THRESHOLD"`
	UseRedisStore       bool `json:"use_redis_store" envconfig:"PROVISIO_USE_REDIS_STORE"`
}

type QueueConfig struct {
	WebhookQueue string `json:"webhook_queue" envconfig:"PROVISIO_WEBHOOK_QUEUE"`
}

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"PROVISIO_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"PROVISIO_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"PROVISIO_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type SlackWebhook struct {
	WebhookUrl string `json:"webhook_url"`
}

type Notification struct {
	Slack   SlackWebhook `json:"slack"`
	Webhook struct {
		Url     string            `json:"url"`
		Headers map[string]string `json:"headers"`
	} `json:"webhook"`
}

type Configuration struct {
	ProjectName  string             `json:"project_name" envconfig:"PROVISIO_PROJECT_NAME"`
	Server       ServerConfig       `json:"server"`
	DataSource   DataSourceConfig   `json:"data_source"`
	Redis        RedisConfig        `json:"redis"`
	Analytics    AnalyticsConfig    `json:"analytics"`
	Provisioning ProvisioningConfig `json:"provisioning"`
	Queue        QueueConfig        `json:"queue"`
	Notification Notification       `json:"notification"`
	RateLimit    RateLimitConfig    `json:"rate_limit"`
}

func loadConfigFromFile(file string) error {
	var cnf Configuration
	_, err := os.Stat(file)
	if err == nil {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		err = json.NewDecoder(f).Decode(&cnf)
		if err != nil {
			return err
		}

	} else if errors.Is(err, os.ErrNotExist) {
		log.Println("config json not passed, will use env variables")
	}

	// override config from environment variables
	err = envconfig.Process("provisio", &cnf)
	if err != nil {
		return err
	}

	err = cnf.validateAndAddDefaults()
	if err != nil {
		return err
	}

	ConfigStore.Store(&cnf)
	return err
}

func InitConfig(configFile string) error {
	logger()
	return loadConfigFromFile(configFile)
}

func Fetch() (*Configuration, error) {
	config := ConfigStore.Load()
	c, ok := config.(*Configuration)
	if !ok {
		return nil, errors.New("config not loaded from file. Create a json file called provisio.json with your config ❌")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Provisio Server"
	}

	if cnf.Analytics.Dns == "" {
		cnf.Analytics.Dns = "http://typesense:8108"
	}
	if cnf.Analytics.Collection == "" {
		cnf.Analytics.Collection = "projects"
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)

	// Set default value for Port if it's empty
	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.Provisioning.FreshnessWindowSec <= 0 {
		cnf.Provisioning.FreshnessWindowSec = 300
	}
	if cnf.Provisioning.CooldownSec <= 0 {
		cnf.Provisioning.CooldownSec = 30
	}
	if cnf.Provisioning.TTLSec <= 0 {
		cnf.Provisioning.TTLSec = 600
	}
	if cnf.Provisioning.SweepIntervalSec <= 0 {
		cnf.Provisioning.SweepIntervalSec = 60
	}
	if cnf.Provisioning.MaxRetry <= 0 {
		cnf.Provisioning.MaxRetry = 3
	}
	if cnf.Provisioning.RetryDelaySec <= 0 {
		cnf.Provisioning.RetryDelaySec = 2
	}
	if cnf.Provisioning.EscalationThreshold <= 0 {
		cnf.Provisioning.EscalationThreshold = 3
	}

	if cnf.Queue.WebhookQueue == "" {
		cnf.Queue.WebhookQueue = "new:webhook"
	}

	// Rate limiting is disabled by default (when both RPS and Burst are nil)
	if cnf.RateLimit.RequestsPerSecond != nil && cnf.RateLimit.Burst == nil {
		defaultBurst := 2 * int(*cnf.RateLimit.RequestsPerSecond)
		cnf.RateLimit.Burst = &defaultBurst
		log.Printf("Warning: Rate limit burst not specified. Setting default value: %d", defaultBurst)
	}
	if cnf.RateLimit.RequestsPerSecond == nil && cnf.RateLimit.Burst != nil {
		defaultRPS := float64(*cnf.RateLimit.Burst) / 2
		cnf.RateLimit.RequestsPerSecond = &defaultRPS
		log.Printf("Warning: Rate limit RPS not specified. Setting default value: %.2f", defaultRPS)
	}
	if cnf.RateLimit.CleanupIntervalSec == nil {
		defaultCleanup := 10800 // 3 hours in seconds
		cnf.RateLimit.CleanupIntervalSec = &defaultCleanup
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	return nil
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	_ = mockConfig.validateAndAddDefaults()
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
