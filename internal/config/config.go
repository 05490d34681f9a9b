package config

import (
	"fmt"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
	"io"
	"regexp"
	"strings"
	"time"
)

var regionRegexp = regexp.MustCompile(`^[a-z0-9-]{1,22}$`)

type Config struct {
	Addr string `yaml:"addr"`

	// Regions is a comma-separated list of regions to mirror into,
	// one cache pool (and one worker pool) is created per region
	Regions string `yaml:"regions"`

	// AllowedPatterns is the URL allowlist: each pattern is a regular
	// expression that must be anchored with "^" and end with "/"
	AllowedPatterns []string `yaml:"allowedPatterns"`

	EnsureSSL           *bool  `yaml:"ensureSSL"`
	RedirectLimit       *int   `yaml:"redirectLimit"`
	CacheTTLSeconds     *int   `yaml:"cacheTTL"`
	MaxWaitMilliseconds *int64 `yaml:"maxWaitForCachedCopy"`

	Backend Backend `yaml:"backend"`
	Queue   Queue   `yaml:"queue"`
	Redis   Redis   `yaml:"redis"`
	AWS     *AWS    `yaml:"aws"`
}

type Backend struct {
	Service string `yaml:"service"`

	// Count is the number of copy workers started per region
	Count int `yaml:"count"`

	BucketTemplate string `yaml:"bucketTemplate"`
	LifespanDays   int    `yaml:"lifespanDays"`
	ACL            string `yaml:"acl"`

	// PartSize and QueueSize bound the streaming multipart upload:
	// QueueSize parts of PartSize bytes may be in flight at once
	PartSize  string `yaml:"partSize"`
	QueueSize int    `yaml:"queueSize"`

	// MaxCopyDurationSeconds is the watchdog that aborts any single
	// origin→blob copy exceeding this wall-clock budget
	MaxCopyDurationSeconds int `yaml:"maxCopyDuration"`
}

type Queue struct {
	Name                     string `yaml:"name"`
	BatchSize                int    `yaml:"batchSize"`
	MaxReceiveCount          int    `yaml:"maxReceiveCount"`
	VisibilityTimeoutSeconds int    `yaml:"visibilityTimeout"`
	DeadLetterSuffix         string `yaml:"deadLetterSuffix"`
	ProbeIntervalSeconds     int    `yaml:"probeInterval"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type AWS struct {
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"accessKeyId"`
	AccessKeySecret string `yaml:"accessKeySecret"`
}

func Parse(r io.Reader) (*Config, error) {
	var config Config

	if err := yaml.NewDecoder(r).Decode(&config); err != nil {
		return nil, err
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (config *Config) applyDefaults() {
	if config.Addr == "" {
		config.Addr = ":8080"
	}

	if config.EnsureSSL == nil {
		ensureSSL := true
		config.EnsureSSL = &ensureSSL
	}

	if config.RedirectLimit == nil {
		redirectLimit := 10
		config.RedirectLimit = &redirectLimit
	}

	if config.CacheTTLSeconds == nil {
		cacheTTLSeconds := 86400
		config.CacheTTLSeconds = &cacheTTLSeconds
	}

	if config.MaxWaitMilliseconds == nil {
		maxWaitMilliseconds := int64(25000)
		config.MaxWaitMilliseconds = &maxWaitMilliseconds
	}

	if config.Backend.Service == "" {
		config.Backend.Service = "s3"
	}

	if config.Backend.Count == 0 {
		config.Backend.Count = 2
	}

	if config.Backend.BucketTemplate == "" {
		config.Backend.BucketTemplate = "cloud-mirror-{region}"
	}

	if config.Backend.LifespanDays == 0 {
		config.Backend.LifespanDays = 1
	}

	if config.Backend.ACL == "" {
		config.Backend.ACL = "public-read"
	}

	if config.Backend.PartSize == "" {
		config.Backend.PartSize = "8MB"
	}

	if config.Backend.QueueSize == 0 {
		config.Backend.QueueSize = 4
	}

	if config.Backend.MaxCopyDurationSeconds == 0 {
		config.Backend.MaxCopyDurationSeconds = 7200
	}

	if config.Queue.Name == "" {
		config.Queue.Name = "cloud-mirror"
	}

	if config.Queue.BatchSize == 0 {
		config.Queue.BatchSize = 10
	}

	if config.Queue.MaxReceiveCount == 0 {
		config.Queue.MaxReceiveCount = 5
	}

	if config.Queue.VisibilityTimeoutSeconds == 0 {
		config.Queue.VisibilityTimeoutSeconds = 3600
	}

	if config.Queue.DeadLetterSuffix == "" {
		config.Queue.DeadLetterSuffix = "_dead"
	}

	if config.Queue.ProbeIntervalSeconds == 0 {
		config.Queue.ProbeIntervalSeconds = 60
	}

	if config.Redis.Addr == "" {
		config.Redis.Addr = "127.0.0.1:6379"
	}
}

func (config *Config) Validate() error {
	if len(config.RegionList()) == 0 {
		return fmt.Errorf("at least one region needs to be specified")
	}

	for _, region := range config.RegionList() {
		if !regionRegexp.MatchString(region) {
			return fmt.Errorf("region %q doesn't match %q", region, regionRegexp.String())
		}
	}

	if !regionRegexp.MatchString(config.Backend.Service) {
		return fmt.Errorf("backend service %q doesn't match %q", config.Backend.Service,
			regionRegexp.String())
	}

	if len(config.AllowedPatterns) == 0 {
		return fmt.Errorf("at least one allowed pattern needs to be specified")
	}

	for _, pattern := range config.AllowedPatterns {
		if !strings.HasPrefix(pattern, "^") || !strings.HasSuffix(pattern, "/") {
			return fmt.Errorf("allowed pattern %q needs to be anchored with \"^\" "+
				"and end with \"/\"", pattern)
		}

		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("failed to compile allowed pattern %q: %w", pattern, err)
		}
	}

	if !strings.Contains(config.Backend.BucketTemplate, "{region}") {
		return fmt.Errorf("bucket template %q needs to contain a {region} placeholder",
			config.Backend.BucketTemplate)
	}

	if _, err := humanize.ParseBytes(config.Backend.PartSize); err != nil {
		return fmt.Errorf("failed to parse part size value %q: %w", config.Backend.PartSize, err)
	}

	return nil
}

func (config *Config) RegionList() []string {
	var regions []string

	for _, region := range strings.Split(config.Regions, ",") {
		if region = strings.TrimSpace(region); region != "" {
			regions = append(regions, region)
		}
	}

	return regions
}

func (config *Config) CacheTTL() time.Duration {
	return time.Duration(*config.CacheTTLSeconds) * time.Second
}

func (config *Config) MaxWaitForCachedCopy() time.Duration {
	return time.Duration(*config.MaxWaitMilliseconds) * time.Millisecond
}

func (config *Config) PartSizeBytes() uint64 {
	partSizeBytes, err := humanize.ParseBytes(config.Backend.PartSize)
	if err != nil {
		// Validate() rejects unparseable values before we get here
		panic(err)
	}

	return partSizeBytes
}

func (config *Config) MaxCopyDuration() time.Duration {
	return time.Duration(config.Backend.MaxCopyDurationSeconds) * time.Second
}

func (config *Config) VisibilityTimeout() time.Duration {
	return time.Duration(config.Queue.VisibilityTimeoutSeconds) * time.Second
}

func (config *Config) ProbeInterval() time.Duration {
	return time.Duration(config.Queue.ProbeIntervalSeconds) * time.Second
}

func (config *Config) BucketForRegion(region string) string {
	return strings.ReplaceAll(config.Backend.BucketTemplate, "{region}", region)
}
