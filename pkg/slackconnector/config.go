// Copyright 2024-2026 Aiku AI

package slackconnector

import (
	"errors"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Config holds the Slack connector configuration.
type Config struct {
	// BotToken is the modmail app's bot token (xoxb-).
	BotToken string `yaml:"bot_token" envconfig:"BOT_TOKEN"`
	// AppToken is the app-level token (xapp-) used to open the socket mode
	// connection.
	AppToken string `yaml:"app_token" envconfig:"APP_TOKEN"`
	// APIURL overrides the Web API base, mostly for tests.
	APIURL         string `yaml:"api_url" envconfig:"API_URL"`
	StaffChannelID string `yaml:"staff_channel_id" envconfig:"STAFF_CHANNEL_ID"`
	// SurfaceNameTemplate renders the root message of a new thread.
	SurfaceNameTemplate string `yaml:"surface_name_template" envconfig:"SURFACE_NAME_TEMPLATE"`

	// Endpoints are bot tokens of extra Slack apps posting into staff
	// threads. They must be members of the staff channel and hold the
	// chat:write.customize scope.
	Endpoints []EndpointEntry `yaml:"endpoints" ignored:"true"`

	surfaceNameTemplate *template.Template `yaml:"-"`
}

// EndpointEntry is one configured endpoint app.
type EndpointEntry struct {
	Slug  string `yaml:"slug" json:"slug"`
	Token string `yaml:"token" json:"token"`
}

const (
	defaultAPIURL              = "https://slack.com/api/"
	defaultSurfaceNameTemplate = "DM with {{.Username}} (user ID: {{.UserID}})"
	maxMessageLength           = 4000
)

// SurfaceNameParams holds the parameters for rendering the surface name template.
type SurfaceNameParams struct {
	UserID      string
	Username    string
	DisplayName string
	RealName    string
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess fills defaults and compiles the surface name template.
func (c *Config) PostProcess() error {
	if c.BotToken == "" {
		return errors.New("slack.bot_token is required")
	} else if c.StaffChannelID == "" {
		return errors.New("slack.staff_channel_id is required")
	}
	if c.APIURL == "" {
		c.APIURL = defaultAPIURL
	}
	c.APIURL = strings.TrimRight(c.APIURL, "/") + "/"
	if c.SurfaceNameTemplate == "" {
		c.SurfaceNameTemplate = defaultSurfaceNameTemplate
	}
	var err error
	c.surfaceNameTemplate, err = template.New("surface_name").Parse(c.SurfaceNameTemplate)
	return err
}

// FormatSurfaceName renders the root message text of a user's thread.
func (c *Config) FormatSurfaceName(params SurfaceNameParams) string {
	if c.surfaceNameTemplate == nil {
		return params.Username
	}
	var sb strings.Builder
	if err := c.surfaceNameTemplate.Execute(&sb, params); err != nil {
		return params.Username
	}
	return sb.String()
}
