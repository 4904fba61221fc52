// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gitlab.com/tozd/go/errors"
)

// WikiConfig names one wiki to archive. Name doubles as the directory under
// base_directory, so it must be a plain path component.
type WikiConfig struct {
	Name      string   `json:"name"`
	URL       string   `json:"url"`
	Blacklist []string `json:"blacklist,omitempty"`
}

// BlacklistSet returns the blacklist as a lookup set of page names.
func (w *WikiConfig) BlacklistSet() map[string]bool {
	if len(w.Blacklist) == 0 {
		return nil
	}
	set := make(map[string]bool, len(w.Blacklist))
	for _, name := range w.Blacklist {
		set[name] = true
	}
	return set
}

type RateLimitConfig struct {
	BucketSize    int `json:"bucket_size"`
	RefillSeconds int `json:"refill_seconds"`
}

type ProxyConfig struct {
	Address string `json:"address"`
	Port    int    `json:"port"`
}

func (p *ProxyConfig) HostPort() string {
	if p == nil {
		return ""
	}
	return net.JoinHostPort(p.Address, strconv.Itoa(p.Port))
}

type TelemetryConfig struct {
	Address string `json:"address"`
	Tag     string `json:"tag"`
}

type S3MirrorConfig struct {
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key"`
	SecretKey string `json:"secret_key"`
	Bucket    string `json:"bucket"`
	Secure    bool   `json:"secure"`
}

// Config is the on-disk JSON configuration.
type Config struct {
	BaseDirectory      string           `json:"base_directory"`
	Wikis              []WikiConfig     `json:"wikis"`
	RateLimit          *RateLimitConfig `json:"ratelimit,omitempty"`
	DelayMS            int              `json:"delay_ms,omitempty"`
	MaximumJobs        *int             `json:"maximum_jobs,omitempty"`
	HTTPProxy          *ProxyConfig     `json:"http_proxy,omitempty"`
	SOCKSProxy         *ProxyConfig     `json:"socks_proxy,omitempty"`
	UserCacheFreshness int64            `json:"user_list_cache_freshness,omitempty"`
	UserAgent          string           `json:"user_agent,omitempty"`
	Telemetry          *TelemetryConfig `json:"telemetry,omitempty"`
	S3Mirror           *S3MirrorConfig  `json:"s3_mirror,omitempty"`
}

func LoadConfig(path string) (*Config, errors.E) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithMessage(err, "reading configuration")
	}
	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, errors.WithMessage(err, "parsing configuration")
	}
	if errE := config.Validate(); errE != nil {
		return nil, errE
	}
	return &config, nil
}

func (c *Config) Validate() errors.E {
	if c.BaseDirectory == "" {
		return errors.New("base_directory is required")
	}
	if len(c.Wikis) == 0 {
		return errors.New("at least one wiki is required")
	}
	seen := make(map[string]bool, len(c.Wikis))
	for i, wiki := range c.Wikis {
		if wiki.Name == "" {
			return errors.Errorf("wikis[%d]: name is required", i)
		}
		if strings.ContainsAny(wiki.Name, `/\`) || wiki.Name == "." || wiki.Name == ".." {
			return errors.Errorf("wikis[%d]: name %q is not a plain directory name", i, wiki.Name)
		}
		if seen[wiki.Name] {
			return errors.Errorf("wikis[%d]: duplicate name %q", i, wiki.Name)
		}
		seen[wiki.Name] = true
		u, err := url.Parse(wiki.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.Errorf("wikis[%d]: url %q is not an absolute http(s) url", i, wiki.URL)
		}
	}
	if c.RateLimit != nil && (c.RateLimit.BucketSize <= 0 || c.RateLimit.RefillSeconds <= 0) {
		return errors.New("ratelimit needs positive bucket_size and refill_seconds")
	}
	if c.DelayMS < 0 {
		return errors.New("delay_ms must not be negative")
	}
	if c.MaximumJobs != nil && *c.MaximumJobs < 1 {
		return errors.New("maximum_jobs must be at least 1 when set")
	}
	if c.HTTPProxy != nil && (c.HTTPProxy.Address == "" || c.HTTPProxy.Port <= 0) {
		return errors.New("http_proxy needs address and port")
	}
	if c.SOCKSProxy != nil && (c.SOCKSProxy.Address == "" || c.SOCKSProxy.Port <= 0) {
		return errors.New("socks_proxy needs address and port")
	}
	if c.UserCacheFreshness < 0 {
		return errors.New("user_list_cache_freshness must not be negative")
	}
	if c.Telemetry != nil && c.Telemetry.Address == "" {
		return errors.New("telemetry needs an address")
	}
	if c.S3Mirror != nil && (c.S3Mirror.Endpoint == "" || c.S3Mirror.Bucket == "") {
		return errors.New("s3_mirror needs endpoint and bucket")
	}
	return nil
}

// Throttle builds the shared rate limiter, nil when rate limiting is off.
func (c *Config) Throttle() *Throttle {
	if c.RateLimit == nil {
		return nil
	}
	return NewThrottle(c.RateLimit.BucketSize, time.Duration(c.RateLimit.RefillSeconds)*time.Second)
}

// Delay is the inter-job sleep.
func (c *Config) Delay() time.Duration {
	return time.Duration(c.DelayMS) * time.Millisecond
}

// MaxJobs is the worker cap, zero for unbounded.
func (c *Config) MaxJobs() int {
	if c.MaximumJobs == nil {
		return 0
	}
	return *c.MaximumJobs
}

// UserFreshness is how long a cached user profile stays valid; zero lets
// the resolver default apply.
func (c *Config) UserFreshness() time.Duration {
	return time.Duration(c.UserCacheFreshness) * time.Second
}
