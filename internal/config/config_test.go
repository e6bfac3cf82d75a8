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

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "robin.toml")
	err := os.WriteFile(path, []byte(`
hostname = "mx.example.org"
storage_dir = "/tmp/robin"

[server]
listen = ["tcp://127.0.0.1:2525", "tls://127.0.0.1:2465"]
max_message_size = 1048576
chunking = true

[queue]
backend = "redis"
redis_addr = "127.0.0.1:6379"

[queue.cron]
period_seconds = 10
growth_factor = 1.5

[[proxy.rules]]
rcpt_pattern = ".*@p\\.ex"
host = "upstream.example.org"
port = 2525
protocol = "esmtp"
non_match_action = "reject"
`), 0o600)
	if err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Hostname != "mx.example.org" {
		t.Errorf("Hostname = %q", cfg.Hostname)
	}
	if cfg.Server.MaxMessageSize != 1048576 {
		t.Errorf("MaxMessageSize = %d", cfg.Server.MaxMessageSize)
	}
	if cfg.Queue.Backend != "redis" {
		t.Errorf("Queue.Backend = %q", cfg.Queue.Backend)
	}
	// Defaults survive partial sections.
	if cfg.Queue.Cron.MaxRetries != 30 {
		t.Errorf("Cron.MaxRetries = %d, want default 30", cfg.Queue.Cron.MaxRetries)
	}
	if cfg.Queue.Cron.GrowthFactor != 1.5 {
		t.Errorf("Cron.GrowthFactor = %v", cfg.Queue.Cron.GrowthFactor)
	}
	if len(cfg.Proxy.Rules) != 1 || cfg.Proxy.Rules[0].Host != "upstream.example.org" {
		t.Errorf("Proxy.Rules = %+v", cfg.Proxy.Rules)
	}
	if cfg.QueueDir() != "/tmp/robin/queue" {
		t.Errorf("QueueDir = %q", cfg.QueueDir())
	}
}

func TestValidate_Errors(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty hostname", func(c *Config) { c.Hostname = "" }},
		{"no listeners", func(c *Config) { c.Server.Listen = nil }},
		{"bad listener", func(c *Config) { c.Server.Listen = []string{"http://x:80"} }},
		{"bad backend", func(c *Config) { c.Queue.Backend = "etcd" }},
		{"sql injection table", func(c *Config) {
			c.Queue.Backend = "sql"
			c.Queue.SQLTable = "q; DROP TABLE jobs--"
		}},
		{"rule missing host", func(c *Config) {
			c.Proxy.Rules = []ProxyRule{{RcptPattern: ".*"}}
		}},
		{"rule bad action", func(c *Config) {
			c.Proxy.Rules = []ProxyRule{{RcptPattern: ".*", Host: "h", Port: 25, NonMatchAction: "bounce"}}
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
