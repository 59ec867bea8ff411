package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Server
	ServerPort string
	Debug      bool

	// Data layout
	DataDir          string
	StatisticsDBPath string
	TaximeterDBPath  string
	StatFile         string

	// Upstream vehicle API
	UpstreamAPIHost string
	UpstreamToken   string

	// Vehicles to poll
	VehicleIDs []string

	// Polling
	PollInterval time.Duration

	// Statistics aggregation
	AggregationInterval          time.Duration
	DisableStatisticsAggregation bool

	// Taximeter
	TaximeterSampleInterval time.Duration
	TaxiCompany             string
	TaxiSlogan              string
}

func Load() (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	cfg := &Config{
		ServerPort:                   getEnv("PORT", "4000"),
		Debug:                        getEnvBool("DEBUG", false),
		DataDir:                      getEnv("DATA_DIR", "data"),
		StatisticsDBPath:             getEnv("STATISTICS_DB_PATH", "stats.db"),
		TaximeterDBPath:              getEnv("TAXIMETER_DB_PATH", "taxi.db"),
		StatFile:                     getEnv("STAT_FILE", ""),
		UpstreamAPIHost:              getEnv("UPSTREAM_API_HOST", "https://owner-api.teslamotors.com"),
		UpstreamToken:                getEnv("UPSTREAM_API_TOKEN", ""),
		VehicleIDs:                   getEnvList("VEHICLE_IDS", []string{"default"}),
		PollInterval:                 getEnvDuration("POLL_INTERVAL", 3*time.Second),
		AggregationInterval:          getEnvDuration("AGGREGATION_INTERVAL", 60*time.Second),
		DisableStatisticsAggregation: getEnvBool("DISABLE_STATISTICS_AGGREGATION", false),
		TaximeterSampleInterval:      getEnvDuration("TAXIMETER_SAMPLE_INTERVAL", 2*time.Second),
		TaxiCompany:                  getEnv("TAXI_COMPANY", "Taxi Schauer"),
		TaxiSlogan:                   getEnv("TAXI_SLOGAN", "Wir lassen Sie nicht im Regen stehen."),
	}

	return cfg, nil
}

// DefaultVehicleID returns the first configured vehicle.
func (c *Config) DefaultVehicleID() string {
	if len(c.VehicleIDs) > 0 {
		return c.VehicleIDs[0]
	}
	return "default"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		b, err := strconv.ParseBool(value)
		if err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
