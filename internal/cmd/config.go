package main

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/partydeck/server/internal/models"
)

// Config is the optional yaml config layered under the environment. Env
// vars always win; the yaml file carries game defaults that rarely change.
type Config struct {
	Game struct {
		TargetScore        int    `yaml:"target_score"`
		MaxPlayers         int    `yaml:"max_players"`
		MinPlayers         int    `yaml:"min_players"`
		CardsPerPlayer     int    `yaml:"cards_per_player"`
		SubmissionTimerSec int    `yaml:"submission_timer_sec"`
		VotingTimerSec     int    `yaml:"voting_timer_sec"`
		Theme              string `yaml:"theme"`
	} `yaml:"game"`
}

// DatabaseConfig holds postgres connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// DSN renders the postgres connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

func databaseConfigFromEnv() DatabaseConfig {
	return DatabaseConfig{
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnvAsInt("DB_PORT", 5432),
		User:     getEnv("DB_USER", "postgres"),
		Password: getEnv("DB_PASSWORD", "postgres"),
		Database: getEnv("DB_NAME", "partydeck"),
		SSLMode:  getEnv("DB_SSLMODE", "disable"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &config, nil
}

// defaultSettings merges the yaml game defaults into a settings struct;
// zeroes fall through to the built-in defaults at game creation.
func defaultSettings(config *Config) models.GameSettings {
	if config == nil {
		return models.GameSettings{}
	}
	return models.GameSettings{
		TargetScore:        config.Game.TargetScore,
		MaxPlayers:         config.Game.MaxPlayers,
		MinPlayers:         config.Game.MinPlayers,
		CardsPerPlayer:     config.Game.CardsPerPlayer,
		SubmissionTimerSec: config.Game.SubmissionTimerSec,
		VotingTimerSec:     config.Game.VotingTimerSec,
		Theme:              config.Game.Theme,
	}
}
