/*
Copyright 2025 Hoverpay Authors.

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
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
)

const (
	DEFAULT_PORT = "5002"

	DefaultConfirmationWindow = 3 * time.Minute
	DefaultSweepInterval      = time.Minute
	DefaultRetryInterval      = 5 * time.Minute
	DefaultMonitorInterval    = time.Hour
	DefaultMaxRetries         = 3
	DefaultOfferTTL           = time.Hour
)

var ConfigStore atomic.Value

type ServerConfig struct {
	SSL       bool   `json:"ssl" envconfig:"TOPUP_SERVER_SSL"`
	Secure    bool   `json:"secure" envconfig:"TOPUP_SERVER_SECURE"`
	SecretKey string `json:"secret_key" envconfig:"TOPUP_SERVER_SECRET_KEY"`
	Domain    string `json:"domain" envconfig:"TOPUP_SERVER_SSL_DOMAIN"`
	Email     string `json:"ssl_email" envconfig:"TOPUP_SERVER_SSL_EMAIL"`
	Port      string `json:"port" envconfig:"TOPUP_SERVER_PORT"`
}

type DataSourceConfig struct {
	Dns string `json:"dns" envconfig:"TOPUP_DATA_SOURCE_DNS"`
}

type RedisConfig struct {
	Dns           string `json:"dns" envconfig:"TOPUP_REDIS_DNS"`
	SkipTLSVerify bool   `json:"skip_tls_verify" envconfig:"TOPUP_REDIS_SKIP_TLS_VERIFY"`
}

// ProviderConfig describes the top-up provider's backing HTTP surface.
// When Url is empty the engine runs against the built-in simulation
// adapter instead of a real provider.
type ProviderConfig struct {
	Url            string  `json:"url" envconfig:"TOPUP_PROVIDER_URL"`
	ApiKey         string  `json:"api_key" envconfig:"TOPUP_PROVIDER_API_KEY"`
	TimeoutSec     int     `json:"timeout_sec" envconfig:"TOPUP_PROVIDER_TIMEOUT_SEC"`
	OfferTTLSec    int     `json:"offer_ttl_sec" envconfig:"TOPUP_PROVIDER_OFFER_TTL_SEC"`
	MinFloatUSD    float64 `json:"min_float_usd" envconfig:"TOPUP_PROVIDER_MIN_FLOAT_USD"`
	DefaultRegion  string  `json:"default_region" envconfig:"TOPUP_PROVIDER_DEFAULT_REGION"`
}

// PaymentConfig describes the payment-hold service. Like the provider,
// an empty Url selects the simulation authorizer.
type PaymentConfig struct {
	Url        string `json:"url" envconfig:"TOPUP_PAYMENT_URL"`
	ApiKey     string `json:"api_key" envconfig:"TOPUP_PAYMENT_API_KEY"`
	TimeoutSec int    `json:"timeout_sec" envconfig:"TOPUP_PAYMENT_TIMEOUT_SEC"`
}

type ConfirmationConfig struct {
	WindowSec        int `json:"window_sec" envconfig:"TOPUP_CONFIRMATION_WINDOW_SEC"`
	SweepIntervalSec int `json:"sweep_interval_sec" envconfig:"TOPUP_CONFIRMATION_SWEEP_INTERVAL_SEC"`
}

type RetryConfig struct {
	MaxRetries  int `json:"max_retries" envconfig:"TOPUP_RETRY_MAX_RETRIES"`
	IntervalSec int `json:"interval_sec" envconfig:"TOPUP_RETRY_INTERVAL_SEC"`
}

type QueueConfig struct {
	DispatchQueue  string `json:"dispatch_queue" envconfig:"TOPUP_QUEUE_DISPATCH"`
	WebhookQueue   string `json:"webhook_queue" envconfig:"TOPUP_QUEUE_WEBHOOK"`
	NumberOfQueues int    `json:"number_of_queues" envconfig:"TOPUP_QUEUE_NUMBER_OF_QUEUES"`
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

type RateLimitConfig struct {
	RequestsPerSecond  *float64 `json:"requests_per_second" envconfig:"TOPUP_RATE_LIMIT_RPS"`
	Burst              *int     `json:"burst" envconfig:"TOPUP_RATE_LIMIT_BURST"`
	CleanupIntervalSec *int     `json:"cleanup_interval_sec" envconfig:"TOPUP_RATE_LIMIT_CLEANUP_INTERVAL_SEC"`
}

type Configuration struct {
	ProjectName  string             `json:"project_name" envconfig:"TOPUP_PROJECT_NAME"`
	Server       ServerConfig       `json:"server"`
	DataSource   DataSourceConfig   `json:"data_source"`
	Redis        RedisConfig        `json:"redis"`
	Provider     ProviderConfig     `json:"provider"`
	Payment      PaymentConfig      `json:"payment"`
	Confirmation ConfirmationConfig `json:"confirmation"`
	Retry        RetryConfig        `json:"retry"`
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
	err = envconfig.Process("topup", &cnf)
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
		return nil, errors.New("config not loaded from file. Create a json file called topup.json with your config")
	}
	return c, nil
}

func (cnf *Configuration) validateAndAddDefaults() error {
	if cnf.ProjectName == "" {
		log.Println("Warning: Project name is empty. Setting a default name.")
		cnf.ProjectName = "Topup Server"
	}

	if cnf.DataSource.Dns == "" {
		log.Println("Error: Data source DNS is empty. It's a required field.")
		return errors.New("data source DNS is required")
	}

	if cnf.Redis.Dns == "" {
		log.Println("Error: Redis DNS is empty. It's a required field.")
		return errors.New("redis DNS is required")
	}

	// Trim white spaces from fields
	cnf.ProjectName = strings.TrimSpace(cnf.ProjectName)
	cnf.Server.Port = strings.TrimSpace(cnf.Server.Port)
	cnf.DataSource.Dns = strings.TrimSpace(cnf.DataSource.Dns)
	cnf.Redis.Dns = strings.TrimSpace(cnf.Redis.Dns)
	cnf.Provider.Url = strings.TrimSpace(cnf.Provider.Url)
	cnf.Payment.Url = strings.TrimSpace(cnf.Payment.Url)

	if cnf.Server.Port == "" {
		cnf.Server.Port = DEFAULT_PORT
		log.Printf("Warning: Port not specified in config. Setting default port: %s", DEFAULT_PORT)
	}

	if cnf.Provider.TimeoutSec <= 0 {
		cnf.Provider.TimeoutSec = 15
	}
	if cnf.Provider.OfferTTLSec <= 0 {
		cnf.Provider.OfferTTLSec = int(DefaultOfferTTL.Seconds())
	}
	if cnf.Provider.DefaultRegion == "" {
		cnf.Provider.DefaultRegion = "US"
	}
	if cnf.Payment.TimeoutSec <= 0 {
		cnf.Payment.TimeoutSec = 15
	}

	if cnf.Confirmation.WindowSec <= 0 {
		cnf.Confirmation.WindowSec = int(DefaultConfirmationWindow.Seconds())
	}
	if cnf.Confirmation.SweepIntervalSec <= 0 {
		cnf.Confirmation.SweepIntervalSec = int(DefaultSweepInterval.Seconds())
	}

	if cnf.Retry.MaxRetries <= 0 {
		cnf.Retry.MaxRetries = DefaultMaxRetries
	}
	if cnf.Retry.IntervalSec <= 0 {
		cnf.Retry.IntervalSec = int(DefaultRetryInterval.Seconds())
	}

	if cnf.Queue.DispatchQueue == "" {
		cnf.Queue.DispatchQueue = "new:dispatch"
	}
	if cnf.Queue.WebhookQueue == "" {
		cnf.Queue.WebhookQueue = "new:webhook"
	}
	if cnf.Queue.NumberOfQueues <= 0 {
		cnf.Queue.NumberOfQueues = 4
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

	return nil
}

// ConfirmationWindow returns the buyer-confirmation window as a duration.
// The deadline is fixed once at dispatch time and never extended.
func (cnf *Configuration) ConfirmationWindow() time.Duration {
	return time.Duration(cnf.Confirmation.WindowSec) * time.Second
}

// SweepInterval returns how often the confirmation-window sweep runs.
func (cnf *Configuration) SweepInterval() time.Duration {
	return time.Duration(cnf.Confirmation.SweepIntervalSec) * time.Second
}

// RetryInterval returns how often the retry coordinator runs.
func (cnf *Configuration) RetryInterval() time.Duration {
	return time.Duration(cnf.Retry.IntervalSec) * time.Second
}

// OfferTTL returns the per-region offer cache time-to-live.
func (cnf *Configuration) OfferTTL() time.Duration {
	return time.Duration(cnf.Provider.OfferTTLSec) * time.Second
}

// ProviderTimeout bounds each provider HTTP call. A timeout is treated as
// a recoverable failure, never a terminal one.
func (cnf *Configuration) ProviderTimeout() time.Duration {
	return time.Duration(cnf.Provider.TimeoutSec) * time.Second
}

// PaymentTimeout bounds each payment-hold HTTP call.
func (cnf *Configuration) PaymentTimeout() time.Duration {
	return time.Duration(cnf.Payment.TimeoutSec) * time.Second
}

// MockConfig sets a mock configuration for testing purposes.
func MockConfig(mockConfig *Configuration) {
	if err := mockConfig.validateAndAddDefaults(); err != nil {
		log.Println(err)
	}
	ConfigStore.Store(mockConfig)
}

func logger() {
	logger := logrus.New()
	log.SetOutput(logger.Writer())
}
