// Package models holds the domain records shared by the store, the scanner,
// the package executor and the job queue.
package models

import (
	"fmt"
	"time"
)

// Platform identifies the hosting layout of a server.
type Platform string

const (
	// PlatformCPanel keeps one home directory per account under /home*/.
	PlatformCPanel Platform = "cpanel"
	// PlatformPlesk keeps one vhost directory per domain under /var/www/vhosts/.
	PlatformPlesk Platform = "plesk"
)

// Valid reports whether p is a known platform.
func (p Platform) Valid() bool {
	switch p {
	case PlatformCPanel, PlatformPlesk:
		return true
	}
	return false
}

// Host is the SSH connection material for a server, or "local" for the machine wpfleet runs on.
type Host struct {
	Hostname    string `yaml:"hostname,omitempty" json:"hostname,omitempty"`
	Port        int    `yaml:"port,omitempty" json:"port,omitempty"`
	Username    string `yaml:"username,omitempty" json:"username,omitempty"`
	KeyFile     string `yaml:"key_file,omitempty" json:"key_file,omitempty"`
	KeyPassword string `yaml:"key_password,omitempty" json:"-"`
}

// IsLocal reports whether commands for this host run on the local machine.
func (h Host) IsLocal() bool {
	return h.Hostname == "local"
}

// Server is a managed host.
type Server struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Platform  Platform  `json:"platform"`
	Host      Host      `json:"ssh"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MonitoringLevel controls how often the uptime pipeline pings a site.
type MonitoringLevel string

const (
	MonitoringNone   MonitoringLevel = "none"
	MonitoringNormal MonitoringLevel = "normal"
	MonitoringHigh   MonitoringLevel = "high"
)

// Valid reports whether l is a known monitoring level.
func (l MonitoringLevel) Valid() bool {
	switch l {
	case MonitoringNone, MonitoringNormal, MonitoringHigh:
		return true
	}
	return false
}

// MonitoringStatus is the last observed availability of a site.
type MonitoringStatus string

const (
	StatusUnknown MonitoringStatus = "unknown"
	StatusUp      MonitoringStatus = "up"
	StatusDown    MonitoringStatus = "down"
)

// Monitoring is the per-site uptime configuration and state.
// The state half is owned by the ping pipeline; wpfleet only seeds it.
type Monitoring struct {
	Level          MonitoringLevel  `json:"level"`
	StatusMin      int              `json:"status_min"`
	StatusMax      int              `json:"status_max"`
	TestLogin      bool             `json:"test_login"`
	Status         MonitoringStatus `json:"status"`
	StatusSince    *time.Time       `json:"status_since,omitempty"`
	FailedAttempts int              `json:"failed_attempts"`
	LastCheckedAt  *time.Time       `json:"last_checked_at,omitempty"`
}

// Installation is one WordPress site on one server, unique per (ServerID, Path).
type Installation struct {
	ID              string     `json:"id"`
	ServerID        string     `json:"server_id"`
	Path            string     `json:"path"`
	UnixUsername    string     `json:"unix_username"`
	SiteTitle       string     `json:"site_title"`
	SiteDescription string     `json:"site_description,omitempty"`
	SiteURL         string     `json:"site_url"`
	Timezone        string     `json:"timezone,omitempty"`
	AdminEmail      string     `json:"admin_email,omitempty"`
	PHPVersion      string     `json:"php_version,omitempty"`
	PHPMemoryLimit  string     `json:"php_memory_limit,omitempty"`
	UsesServerCron  bool       `json:"uses_server_cron"`
	Monitoring      Monitoring `json:"monitoring"`
	AutoLoginUser   string     `json:"auto_login_user,omitempty"`
	LastScanAt      *time.Time `json:"last_scan_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Title returns the site title, or the path when the title is empty.
func (i Installation) Title() string {
	if i.SiteTitle != "" {
		return i.SiteTitle
	}
	return i.Path
}

// Kind is the type of a WordPress package.
type Kind string

const (
	KindPlugin Kind = "plugin"
	KindTheme  Kind = "theme"
)

// ParseKind accepts the singular and plural forms used by URLs and CLI flags.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "plugin", "plugins":
		return KindPlugin, nil
	case "theme", "themes":
		return KindTheme, nil
	}
	return "", fmt.Errorf("unknown package kind %q", s)
}

// Source records where the authoritative version of a package comes from.
type Source string

const (
	SourceRegistry Source = "wordpress.org"
	SourceExternal Source = "external"
	// SourceUnknown marks records written by a scan before the registry check classified them.
	SourceUnknown Source = "unknown"
)

// ParseSource validates an explicit source override.
func ParseSource(s string) (Source, error) {
	switch Source(s) {
	case SourceRegistry, SourceExternal:
		return Source(s), nil
	}
	return "", fmt.Errorf("unknown package source %q", s)
}

// Package is a plugin or theme installed on one installation, unique per (InstallationID, Kind, Slug).
type Package struct {
	InstallationID string `json:"installation_id"`
	Kind           Kind   `json:"kind"`
	Slug           string `json:"slug"`
	Name           string `json:"name"`
	Title          string `json:"title"`
	Version        string `json:"version"`
	Enabled        bool   `json:"enabled"`
	AutoUpdate     bool   `json:"auto_update"`
	Source         Source `json:"source"`
	LatestVersion  string `json:"latest_version,omitempty"`
	// MainFilePath is the plugin entry file relative to wp-content/plugins, e.g. "akismet/akismet.php".
	MainFilePath string `json:"main_file_path,omitempty"`
	// IsActiveChild marks a theme that is the parent of the active child theme.
	IsActiveChild bool      `json:"is_active_child,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// UploadedPackage is a locally stored archive of a plugin or theme version.
// At most one row per (Kind, Slug) has IsLatest set.
type UploadedPackage struct {
	ID          int64     `json:"id"`
	Kind        Kind      `json:"kind"`
	Slug        string    `json:"slug"`
	Version     string    `json:"version"`
	Title       string    `json:"title"`
	ArchivePath string    `json:"archive_path"`
	IsLatest    bool      `json:"is_latest"`
	UploadedAt  time.Time `json:"uploaded_at"`
}
