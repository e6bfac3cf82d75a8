/*
Robin Mail Transfer Agent - SMTP/ESMTP/LMTP debugging and staging server.
Copyright © 2021-2026 The Robin MTA contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package config holds the typed configuration consumed by all server
// components. The file format is TOML; Load fills in defaults for
// anything the file leaves out.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

type Config struct {
	// Hostname is used in the greeting banner, Received stamps, DSN
	// headers and EHLO on outbound connections.
	Hostname string `toml:"hostname"`
	Debug    bool   `toml:"debug"`

	// StorageDir is the root for payload spool files and the queue
	// directory.
	StorageDir string `toml:"storage_dir"`

	Server  Server  `toml:"server"`
	TLS     TLS     `toml:"tls"`
	Auth    Auth    `toml:"auth"`
	Webhook Webhook `toml:"webhook"`
	Scan    Scan    `toml:"scan"`
	Proxy   Proxy   `toml:"proxy"`
	Bot     Bot     `toml:"bot"`
	Local   Local   `toml:"local"`
	Queue   Queue   `toml:"queue"`
	Remote  Remote  `toml:"remote"`
	DKIM    DKIM    `toml:"dkim"`
}

type Server struct {
	// Listen addresses in endpoint form: tcp://0.0.0.0:25,
	// tls://0.0.0.0:465, unix:///run/robin.sock.
	Listen []string `toml:"listen"`

	// LMTP switches the endpoint to LHLO + per-recipient DATA replies.
	LMTP bool `toml:"lmtp"`

	MaxMessageSize int64 `toml:"max_message_size"`
	MaxRecipients  int   `toml:"max_recipients"`

	// Session pool. Sessions over MaxSessions wait in the accept
	// backlog; when that is full the connection gets 421.
	MaxSessions int `toml:"max_sessions"`
	Backlog     int `toml:"backlog"`

	MaxTransactions int `toml:"max_transactions"`
	MaxErrors       int `toml:"max_errors"`

	ReadTimeoutSeconds  int `toml:"read_timeout_seconds"`
	WriteTimeoutSeconds int `toml:"write_timeout_seconds"`

	Chunking        bool `toml:"chunking"`
	AuthRequiresTLS bool `toml:"auth_requires_tls"`
}

type TLS struct {
	CertFile string `toml:"cert_file"`
	KeyFile  string `toml:"key_file"`
}

type Auth struct {
	Enabled bool `toml:"enabled"`
	// Users maps username to plaintext password. Debugging server, not a
	// credential store.
	Users map[string]string `toml:"users"`
}

type Webhook struct {
	URL             string   `toml:"url"`
	Method          string   `toml:"method"`
	Verbs           []string `toml:"verbs"`
	IgnoreErrors    bool     `toml:"ignore_errors"`
	TimeoutSeconds  int      `toml:"timeout_seconds"`
	RawURL          string   `toml:"raw_url"`
	RawBase64       bool     `toml:"raw_base64"`
	WaitForResponse bool     `toml:"wait_for_response"`
}

type Scan struct {
	ClamAV ClamAV `toml:"clamav"`
	Rspamd Rspamd `toml:"rspamd"`
}

type ClamAV struct {
	Enabled        bool   `toml:"enabled"`
	Address        string `toml:"address"` // host:port of clamd
	Action         string `toml:"action"`  // reject | discard
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type Rspamd struct {
	Enabled        bool    `toml:"enabled"`
	URL            string  `toml:"url"`
	Threshold      float64 `toml:"threshold"`
	Action         string  `toml:"action"` // reject | discard
	TimeoutSeconds int     `toml:"timeout_seconds"`
}

type Proxy struct {
	Rules []ProxyRule `toml:"rules"`
}

type ProxyRule struct {
	RcptPattern    string `toml:"rcpt_pattern"`
	MailPattern    string `toml:"mail_pattern"`
	EhloPattern    string `toml:"ehlo_pattern"`
	IPPattern      string `toml:"ip_pattern"` // CIDR or regexp
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	Protocol       string `toml:"protocol"` // smtp | esmtp | lmtp
	TLS            bool   `toml:"tls"`
	Username       string `toml:"username"`
	Password       string `toml:"password"`
	NonMatchAction string `toml:"non_match_action"` // none | accept | reject
}

type Bot struct {
	Bindings []BotBinding `toml:"bindings"`
	Workers  int          `toml:"workers"`
}

type BotBinding struct {
	AddressPattern string   `toml:"address_pattern"`
	AllowedIPs     []string `toml:"allowed_ips"` // CIDR or plain IP
	AllowedTokens  []string `toml:"allowed_tokens"`
	Name           string   `toml:"name"`
}

type Local struct {
	// Domains lists the domains whose recipients are delivered locally
	// (Maildir or LDA) instead of being queued for outbound relay. The
	// server hostname is always considered local.
	Domains []string `toml:"domains"`

	// Maildir delivery root; per-recipient subdirectories.
	MaildirRoot string `toml:"maildir_root"`

	LDA LDA `toml:"lda"`
}

type LDA struct {
	Enabled bool   `toml:"enabled"`
	Binary  string `toml:"binary"`
	// Args may use {sender}, {rcpt} and {uid} placeholders.
	Args           []string `toml:"args"`
	TimeoutSeconds int      `toml:"timeout_seconds"`
	// TransientExitCodes cause the delivery to be queued for retry
	// instead of bounced.
	TransientExitCodes []int `toml:"transient_exit_codes"`
}

type Queue struct {
	// Backend: file | redis | sql | memory.
	Backend string `toml:"backend"`
	Dir     string `toml:"dir"`

	RedisAddr string `toml:"redis_addr"`
	RedisKey  string `toml:"redis_key"`

	SQLDriver string `toml:"sql_driver"` // sqlite | postgres | mysql
	SQLDSN    string `toml:"sql_dsn"`
	SQLTable  string `toml:"sql_table"`

	Cron Cron `toml:"cron"`
}

type Cron struct {
	PeriodSeconds       int     `toml:"period_seconds"`
	InitialDelaySeconds int     `toml:"initial_delay_seconds"`
	MaxDequeuePerTick   int     `toml:"max_dequeue_per_tick"`
	FirstWaitMinutes    float64 `toml:"first_wait_minutes"`
	GrowthFactor        float64 `toml:"growth_factor"`
	MaxRetries          int     `toml:"max_retries"`
	DeliveryWorkers     int     `toml:"delivery_workers"`
}

type Remote struct {
	// Port used for outbound SMTP connections; configurable for tests.
	Port int `toml:"port"`

	ConnectTimeoutSeconds int `toml:"connect_timeout_seconds"`
	CommandTimeoutSeconds int `toml:"command_timeout_seconds"`
	DataTimeoutSeconds    int `toml:"data_timeout_seconds"`

	// MTASTSCacheDir enables the filesystem MTA-STS policy cache. Empty
	// means in-memory cache.
	MTASTSCacheDir string `toml:"mtasts_cache_dir"`

	// RequireTLS upgrades Opportunistic policy to mandatory TLS.
	RequireTLS bool `toml:"require_tls"`
}

type DKIM struct {
	Enabled  bool   `toml:"enabled"`
	Domain   string `toml:"domain"`
	Selector string `toml:"selector"`
	KeyFile  string `toml:"key_file"`
}

var sqlTableRe = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// Default returns the configuration used when a setting is absent from
// the file.
func Default() Config {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}

	return Config{
		Hostname:   host,
		StorageDir: "/var/lib/robin",
		Server: Server{
			Listen:          []string{"tcp://0.0.0.0:25"},
			MaxMessageSize:  52428800, // 50 MiB
			MaxRecipients:   100,
			MaxSessions:     256,
			Backlog:         64,
			MaxTransactions: 200,
			MaxErrors:       9,

			ReadTimeoutSeconds:  300,
			WriteTimeoutSeconds: 60,

			Chunking: true,
		},
		Webhook: Webhook{
			Method:          "POST",
			TimeoutSeconds:  15,
			WaitForResponse: true,
		},
		Scan: Scan{
			ClamAV: ClamAV{Action: "reject", TimeoutSeconds: 30},
			Rspamd: Rspamd{Action: "reject", Threshold: 15, TimeoutSeconds: 30},
		},
		Bot: Bot{Workers: 4},
		Local: Local{
			LDA: LDA{
				Args:               []string{"-f", "{sender}", "-d", "{rcpt}"},
				TimeoutSeconds:     60,
				TransientExitCodes: []int{75}, // EX_TEMPFAIL
			},
		},
		Queue: Queue{
			Backend:  "file",
			RedisKey: "robin:queue",
			SQLTable: "robin_queue",
			Cron: Cron{
				PeriodSeconds:       60,
				InitialDelaySeconds: 60,
				MaxDequeuePerTick:   32,
				FirstWaitMinutes:    1,
				GrowthFactor:        1.2,
				MaxRetries:          30,
				DeliveryWorkers:     8,
			},
		},
		Remote: Remote{
			Port:                  25,
			ConnectTimeoutSeconds: 60,
			CommandTimeoutSeconds: 300,
			DataTimeoutSeconds:    1200,
		},
	}
}

// Load reads the TOML file at path on top of Default and validates the
// result. An empty path returns the defaults as-is.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	blob, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := toml.Unmarshal(blob, &cfg); err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	if c.Hostname == "" {
		return fmt.Errorf("config: hostname cannot be empty")
	}
	if len(c.Server.Listen) == 0 {
		return fmt.Errorf("config: at least one listen endpoint is required")
	}
	for _, l := range c.Server.Listen {
		if _, err := ParseEndpoint(l); err != nil {
			return fmt.Errorf("config: listen %q: %w", l, err)
		}
	}

	switch c.Queue.Backend {
	case "file", "redis", "sql", "memory":
	default:
		return fmt.Errorf("config: unknown queue backend: %q", c.Queue.Backend)
	}
	if c.Queue.Backend == "sql" && !sqlTableRe.MatchString(c.Queue.SQLTable) {
		// Table names are interpolated into SQL text, so the character
		// set is restricted.
		return fmt.Errorf("config: invalid queue table name: %q", c.Queue.SQLTable)
	}

	for i, r := range c.Proxy.Rules {
		if r.RcptPattern == "" {
			return fmt.Errorf("config: proxy rule %d: rcpt_pattern is required", i)
		}
		if r.Host == "" || r.Port == 0 {
			return fmt.Errorf("config: proxy rule %d: host and port are required", i)
		}
		switch r.Protocol {
		case "", "smtp", "esmtp", "lmtp":
		default:
			return fmt.Errorf("config: proxy rule %d: unknown protocol %q", i, r.Protocol)
		}
		switch r.NonMatchAction {
		case "", "none", "accept", "reject":
		default:
			return fmt.Errorf("config: proxy rule %d: unknown non_match_action %q", i, r.NonMatchAction)
		}
	}

	switch c.Scan.ClamAV.Action {
	case "", "reject", "discard":
	default:
		return fmt.Errorf("config: unknown clamav action: %q", c.Scan.ClamAV.Action)
	}
	switch c.Scan.Rspamd.Action {
	case "", "reject", "discard":
	default:
		return fmt.Errorf("config: unknown rspamd action: %q", c.Scan.Rspamd.Action)
	}

	return nil
}

// IsLocalDomain reports whether recipients under domain are delivered
// locally. The hostname itself always is.
func (c *Config) IsLocalDomain(domain string) bool {
	domain = strings.ToLower(strings.TrimSuffix(domain, "."))
	if domain == strings.ToLower(c.Hostname) {
		return true
	}
	for _, d := range c.Local.Domains {
		if domain == strings.ToLower(strings.TrimSuffix(d, ".")) {
			return true
		}
	}
	return false
}

// QueueDir returns the directory that holds queued payload files and the
// file backend metadata.
func (c *Config) QueueDir() string {
	if c.Queue.Dir != "" {
		return c.Queue.Dir
	}
	return c.StorageDir + "/queue"
}

// SpoolDir returns the directory payload files land in while DATA/BDAT
// is collecting. Accepted payloads move to QueueDir when queued.
func (c *Config) SpoolDir() string {
	return c.StorageDir + "/spool"
}
