package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config is the top-level ticketd configuration.
type Config struct {
	Discord DiscordConfig `json:"discord"`
	Tickets TicketsConfig `json:"tickets"`
	Data    DataConfig    `json:"data"`
	API     APIConfig     `json:"api"`
}

// DiscordConfig holds gateway credentials.
type DiscordConfig struct {
	Token string `json:"token"`
}

// TicketsConfig holds the ticket workflow settings: the fixed ticket-type
// set, channel/role names and embed cosmetics.
type TicketsConfig struct {
	CategoryName  string       `json:"category_name"`
	SupportRole   string       `json:"support_role"`
	LogChannel    string       `json:"log_channel"`
	ThemeColor    int          `json:"theme_color"`
	Types         []TicketType `json:"types"`
	SweepSchedule string       `json:"sweep_schedule,omitempty"` // cron spec, empty disables the sweeper
}

// TicketType describes one support category offered on the ticket panel.
type TicketType struct {
	Key         string `json:"key"`
	Label       string `json:"label"`
	Color       int    `json:"color"`
	Description string `json:"description,omitempty"` // panel line for this type
}

// DataConfig holds filesystem locations.
type DataConfig struct {
	Dir           string `json:"dir"`            // audit database lives here
	TranscriptDir string `json:"transcript_dir"` // saved transcripts
}

// APIConfig holds admin API server settings.
type APIConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	Key  string `json:"api_key"`
}

// DefaultTypes is the fixed ticket-type set offered on the panel.
func DefaultTypes() []TicketType {
	return []TicketType{
		{
			Key: "member_report", Label: "Member Report", Color: 0x95a5a6,
			Description: "Report any violations of our code of conduct here.",
		},
		{
			Key: "cmd_report", Label: "Command Report", Color: 0xe74c3c,
			Description: "Report any command members here.",
		},
		{
			Key: "asset", Label: "Asset Protection", Color: 0xe67e22,
			Description: "Think RCFR material has been stolen or taken without permission? Report it here.",
		},
		{
			Key: "materials", Label: "Issues with Materials", Color: 0xe67e22,
			Description: "If any issues occur or you notice anything that needs to be added/removed, report that here.",
		},
		{
			Key: "general", Label: "General Support", Color: 0xe67e22,
			Description: "Support for any general matter that you cannot find in FAQ or in our general chat.",
		},
	}
}

// Default returns a config with every non-credential field populated.
func Default() *Config {
	return &Config{
		Tickets: TicketsConfig{
			CategoryName:  "Support",
			SupportRole:   "Administrator",
			LogChannel:    "ticket-logs",
			ThemeColor:    0xffffff,
			Types:         DefaultTypes(),
			SweepSchedule: "@every 10m",
		},
		Data: DataConfig{
			Dir:           "data",
			TranscriptDir: "transcripts",
		},
		API: APIConfig{
			Host: "127.0.0.1",
			Port: 8090,
		},
	}
}

// Load reads configuration from a JSON file. Fields absent from the file
// keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if len(cfg.Tickets.Types) == 0 {
		cfg.Tickets.Types = DefaultTypes()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv builds a config from environment variables with TICKETD_
// prefix. A .env file in the working directory is loaded first when present.
func LoadFromEnv() (*Config, error) {
	godotenv.Load()

	cfg := Default()
	cfg.Discord.Token = getenv("DISCORD_TOKEN", os.Getenv("TICKETD_DISCORD_TOKEN"))

	cfg.Tickets.CategoryName = getenv("TICKETD_TICKET_CATEGORY", cfg.Tickets.CategoryName)
	cfg.Tickets.SupportRole = getenv("TICKETD_SUPPORT_ROLE", cfg.Tickets.SupportRole)
	cfg.Tickets.LogChannel = getenv("TICKETD_LOG_CHANNEL", cfg.Tickets.LogChannel)
	cfg.Tickets.SweepSchedule = getenv("TICKETD_SWEEP_SCHEDULE", cfg.Tickets.SweepSchedule)

	cfg.Data.Dir = getenv("TICKETD_DATA_DIR", cfg.Data.Dir)
	cfg.Data.TranscriptDir = getenv("TICKETD_TRANSCRIPT_DIR", cfg.Data.TranscriptDir)

	cfg.API.Host = getenv("TICKETD_API_HOST", cfg.API.Host)
	cfg.API.Port = getenvInt("TICKETD_API_PORT", cfg.API.Port)
	cfg.API.Key = os.Getenv("TICKETD_API_KEY")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks for required fields and collects every problem found.
func (c *Config) Validate() error {
	var errs []string

	if c.Discord.Token == "" {
		errs = append(errs, "discord.token is required")
	}
	if c.Tickets.CategoryName == "" {
		errs = append(errs, "tickets.category_name is required")
	}
	if c.Tickets.LogChannel == "" {
		errs = append(errs, "tickets.log_channel is required")
	}
	if len(c.Tickets.Types) == 0 {
		errs = append(errs, "tickets.types must not be empty")
	}

	seen := make(map[string]bool)
	for i, tt := range c.Tickets.Types {
		if tt.Key == "" {
			errs = append(errs, fmt.Sprintf("tickets.types[%d].key is required", i))
			continue
		}
		if strings.ContainsAny(tt.Key, " \t") {
			errs = append(errs, fmt.Sprintf("tickets.types[%d].key %q must not contain whitespace", i, tt.Key))
		}
		if seen[tt.Key] {
			errs = append(errs, fmt.Sprintf("tickets.types[%d].key %q is duplicated", i, tt.Key))
		}
		seen[tt.Key] = true
		if tt.Label == "" {
			errs = append(errs, fmt.Sprintf("tickets.types[%d].label is required", i))
		}
		if tt.Color < 0 || tt.Color > 0xffffff {
			errs = append(errs, fmt.Sprintf("tickets.types[%d].color %#x out of range", i, tt.Color))
		}
	}

	if c.Data.Dir == "" {
		errs = append(errs, "data.dir is required")
	}
	if c.Data.TranscriptDir == "" {
		errs = append(errs, "data.transcript_dir is required")
	}
	if c.API.Port < 0 || c.API.Port > 65535 {
		errs = append(errs, fmt.Sprintf("api.port %d out of range", c.API.Port))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Type returns the descriptor for a ticket-type key.
func (c *Config) Type(key string) (TicketType, bool) {
	for _, tt := range c.Tickets.Types {
		if tt.Key == key {
			return tt, true
		}
	}
	return TicketType{}, false
}

// IsTicketChannelName reports whether a channel name belongs to a ticket,
// i.e. starts with one of the configured type keys.
func (c *Config) IsTicketChannelName(name string) bool {
	for _, tt := range c.Tickets.Types {
		if strings.HasPrefix(name, tt.Key) {
			return true
		}
	}
	return false
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}
