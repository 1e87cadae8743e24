// Copyright 2024-2026 Aiku AI

package connector

import (
	"errors"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Config holds the Mattermost connector configuration.
type Config struct {
	ServerURL string `yaml:"server_url" envconfig:"SERVER_URL"`
	// Token is the modmail bot's access token. Username and Password are
	// used instead when it is empty.
	Token    string `yaml:"token" envconfig:"TOKEN"`
	Username string `yaml:"username" envconfig:"USERNAME"`
	Password string `yaml:"password" envconfig:"PASSWORD"`
	// TeamID defaults to the bot's first team.
	TeamID string `yaml:"team_id" envconfig:"TEAM_ID"`
	// StaffChannelID is the channel holding one thread per user.
	StaffChannelID string `yaml:"staff_channel_id" envconfig:"STAFF_CHANNEL_ID"`
	// SurfaceNameTemplate renders the root post of a new thread.
	SurfaceNameTemplate string `yaml:"surface_name_template" envconfig:"SURFACE_NAME_TEMPLATE"`
	// BotPrefix is a username prefix for echo prevention. Posts from
	// usernames starting with it are never relayed. Leave empty to disable
	// prefix-based filtering.
	BotPrefix string `yaml:"bot_prefix" envconfig:"BOT_PREFIX"`

	// Endpoints are extra bot accounts that post into staff threads.
	Endpoints []EndpointEntry `yaml:"endpoints" ignored:"true"`
	// AutoCreateEndpoints lets the pool mint new bot accounts when it runs
	// out of capacity. The modmail bot needs the permission to create bots.
	AutoCreateEndpoints    bool   `yaml:"auto_create_endpoints" envconfig:"AUTO_CREATE_ENDPOINTS"`
	EndpointUsernamePrefix string `yaml:"endpoint_username_prefix" envconfig:"ENDPOINT_USERNAME_PREFIX"`

	// MaxFileSize is the largest attachment re-uploaded instead of linked.
	MaxFileSize int64 `yaml:"max_file_size" envconfig:"MAX_FILE_SIZE"`

	surfaceNameTemplate *template.Template `yaml:"-"`
}

const (
	defaultSurfaceNameTemplate    = "DM with {{.Username}} (user ID: {{.UserID}})"
	defaultEndpointUsernamePrefix = "modmail-endpoint-"
	defaultMaxFileSize            = 50 * 1024 * 1024
	maxPostLength                 = 16383
)

// SurfaceNameParams holds the parameters for rendering the surface name template.
type SurfaceNameParams struct {
	UserID    string
	Username  string
	Nickname  string
	FirstName string
	LastName  string
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess fills defaults and compiles the surface name template.
func (c *Config) PostProcess() error {
	if c.ServerURL == "" {
		return errors.New("mattermost.server_url is required")
	} else if c.StaffChannelID == "" {
		return errors.New("mattermost.staff_channel_id is required")
	}
	if c.SurfaceNameTemplate == "" {
		c.SurfaceNameTemplate = defaultSurfaceNameTemplate
	}
	if c.EndpointUsernamePrefix == "" {
		c.EndpointUsernamePrefix = defaultEndpointUsernamePrefix
	}
	if c.MaxFileSize <= 0 {
		c.MaxFileSize = defaultMaxFileSize
	}
	var err error
	c.surfaceNameTemplate, err = template.New("surface_name").Parse(c.SurfaceNameTemplate)
	return err
}

// FormatSurfaceName renders the root post text of a user's thread.
func (c *Config) FormatSurfaceName(params SurfaceNameParams) string {
	if c.surfaceNameTemplate == nil {
		return params.Username
	}
	var buf []byte
	err := c.surfaceNameTemplate.Execute(
		(*templateBuffer)(&buf),
		params,
	)
	if err != nil {
		return params.Username
	}
	return string(buf)
}

// templateBuffer is a simple io.Writer that appends to a byte slice.
type templateBuffer []byte

func (b *templateBuffer) Write(p []byte) (int, error) {
	*b = append(*b, p...)
	return len(p), nil
}
