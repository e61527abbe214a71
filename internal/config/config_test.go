package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.toml")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("write temp file: %v", err)
	}
	f.Close()
	return f.Name()
}

func TestLoad(t *testing.T) {
	validTOML := `
[account]
host = "mail.example.com"
port = 143
security = "starttls"
username = "user@example.com"

[engine]
concurrent_connections = 5
fetch_order = "descending"
batch_fetch_count = 100
use_idle = true
use_qresync = true
mobile_mode = true

[storage]
database_path = "/tmp/skylark.db"
cache_path = "/tmp/skylark-cache"
`

	tests := []struct {
		name    string
		content string
		path    string // if set, use this path instead of temp file
		wantErr bool
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name:    "valid config",
			content: validTOML,
			check: func(t *testing.T, cfg *Config) {
				if cfg.Account.Host != "mail.example.com" || cfg.Account.Port != 143 {
					t.Errorf("account = %+v", cfg.Account)
				}
				if cfg.Engine.ConcurrentConnections != 5 {
					t.Errorf("concurrent_connections = %d", cfg.Engine.ConcurrentConnections)
				}
				if cfg.Engine.FetchOrder != FetchOrderDescending {
					t.Errorf("fetch_order = %q", cfg.Engine.FetchOrder)
				}
				if !cfg.Engine.MobileMode {
					t.Error("mobile_mode not set")
				}
			},
		},
		{
			name: "defaults fill the gaps",
			content: `
[account]
host = "imap.example.org"
username = "u"
`,
			check: func(t *testing.T, cfg *Config) {
				if cfg.Account.Port != 993 || cfg.Account.Security != "tls" {
					t.Errorf("account defaults = %+v", cfg.Account)
				}
				if cfg.Engine.ConcurrentConnections != 3 || cfg.Engine.BatchFetchCount != 500 {
					t.Errorf("engine defaults = %+v", cfg.Engine)
				}
				if !cfg.Engine.UseIdle || !cfg.Engine.UseQresync {
					t.Error("extension defaults off")
				}
			},
		},
		{
			name: "shell command allows missing username",
			content: `
[account]
host = "mail.example.com"
shell_command = "ssh %h /usr/sbin/imapd"
`,
		},
		{
			name:    "missing host",
			content: "[account]\nusername = \"u\"\n",
			wantErr: true,
		},
		{
			name: "bad security",
			content: `
[account]
host = "h"
username = "u"
security = "tls13"
`,
			wantErr: true,
		},
		{
			name: "bad fetch order",
			content: `
[account]
host = "h"
username = "u"

[engine]
fetch_order = "sideways"
`,
			wantErr: true,
		},
		{
			name:    "missing file",
			path:    filepath.Join(os.TempDir(), "does-not-exist-skylark.toml"),
			wantErr: true,
		},
		{
			name:    "invalid toml",
			content: `[account` + "\n" + `host = not valid!!!`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := tt.path
			if path == "" {
				path = writeTemp(t, tt.content)
			}
			cfg, err := Load(path)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Load succeeded, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if tt.check != nil {
				tt.check(t, cfg)
			}
		})
	}
}

func TestManagerConfig(t *testing.T) {
	cfg := Default()
	cfg.Account.Host = "mail.example.com"
	cfg.Account.Username = "u"
	cfg.Engine.FetchOrder = FetchOrderDescending
	cfg.Engine.MobileMode = true
	cfg.Engine.ConcurrentConnections = 2

	mc := cfg.ManagerConfig(nil)
	if mc.Server.Transport.Host != "mail.example.com" {
		t.Errorf("host = %q", mc.Server.Transport.Host)
	}
	if mc.ConcurrentConnections != 2 {
		t.Errorf("concurrent = %d", mc.ConcurrentConnections)
	}
	if !mc.Refresh.DescendingFetch || !mc.Refresh.MobileMode {
		t.Errorf("refresh = %+v", mc.Refresh)
	}
}
