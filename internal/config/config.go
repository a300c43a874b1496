// README: Config loader with env defaults for HTTP, storage, brokers, pricing, scoring and assignment settings.
package config

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const envPrefix = "DISPATCH"

type LoggerConfig struct {
	Level  string
	Format string
	File   string
}

type PricingConfig struct {
	Currency          string
	BaseDirect        float64
	BaseHub           float64
	PerKm             float64
	PerKg             float64
	FragileFee        float64
	MinimumFare       float64
	HubDiscount       float64
	CommissionRate    float64
	MismatchTolerance int64
	SizeMultipliers   map[string]float64
}

// Validate rejects tables that could produce negative or inconsistent money.
func (c PricingConfig) Validate() error {
	var errs []error
	for name, v := range map[string]float64{
		"base_direct":  c.BaseDirect,
		"base_hub":     c.BaseHub,
		"per_km":       c.PerKm,
		"per_kg":       c.PerKg,
		"fragile_fee":  c.FragileFee,
		"minimum_fare": c.MinimumFare,
	} {
		if v < 0 || math.IsNaN(v) {
			errs = append(errs, fmt.Errorf("pricing.%s must be >= 0", name))
		}
	}
	if c.HubDiscount <= 0 || c.HubDiscount > 1 {
		errs = append(errs, errors.New("pricing.hub_discount must be in (0,1]"))
	}
	if c.CommissionRate < 0 || c.CommissionRate >= 1 {
		errs = append(errs, errors.New("pricing.commission_rate must be in [0,1)"))
	}
	if c.MismatchTolerance < 0 {
		errs = append(errs, errors.New("pricing.mismatch_tolerance must be >= 0"))
	}
	if len(c.SizeMultipliers) == 0 {
		errs = append(errs, errors.New("pricing.size_multipliers is empty"))
	}
	for size, m := range c.SizeMultipliers {
		if m <= 0 {
			errs = append(errs, fmt.Errorf("pricing size multiplier %q must be > 0", size))
		}
	}
	if c.Currency == "" {
		errs = append(errs, errors.New("pricing.currency is required"))
	}
	return errors.Join(errs...)
}

type ScoringWeights struct {
	Proximity    float64
	Workload     float64
	Reputation   float64
	Capability   float64
	Availability float64
}

func (w ScoringWeights) Sum() float64 {
	return w.Proximity + w.Workload + w.Reputation + w.Capability + w.Availability
}

type ScoringConfig struct {
	Weights     ScoringWeights
	MaxRadiusKm float64
	MaxRating   float64
	// DecayMinutes is the e-folding time of the availability score outside a shift.
	DecayMinutes float64
}

func (c ScoringConfig) Validate() error {
	var errs []error
	if math.Abs(c.Weights.Sum()-1) > 1e-9 {
		errs = append(errs, fmt.Errorf("scoring weights must sum to 1, got %f", c.Weights.Sum()))
	}
	for _, w := range []float64{c.Weights.Proximity, c.Weights.Workload, c.Weights.Reputation, c.Weights.Capability, c.Weights.Availability} {
		if w < 0 {
			errs = append(errs, errors.New("scoring weights must be >= 0"))
			break
		}
	}
	if c.MaxRadiusKm <= 0 {
		errs = append(errs, errors.New("scoring.max_radius_km must be > 0"))
	}
	if c.MaxRating <= 0 {
		errs = append(errs, errors.New("scoring.max_rating must be > 0"))
	}
	if c.DecayMinutes <= 0 {
		errs = append(errs, errors.New("scoring.decay_minutes must be > 0"))
	}
	return errors.Join(errs...)
}

type AssignmentConfig struct {
	CandidateLimit int
	MaxPasses      int
	Timeout        time.Duration
	RetryEvery     time.Duration
	RetryBackoff   time.Duration
	RetryBatch     int
}

type LocationConfig struct {
	MaxPlausibleSpeedMps float64
	FallbackSpeedMps     float64
	SpeedWindow          int
	MaxClockSkew         time.Duration
	MinInterval          time.Duration
	MaxInterval          time.Duration
	LowBatteryPercent    int
}

type TrackingConfig struct {
	SessionTTL time.Duration
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

type AMQPConfig struct {
	URL      string
	Exchange string
	Queue    string
}

type Config struct {
	HTTP struct {
		Addr            string
		ShutdownTimeout time.Duration
	}
	DB struct {
		DSN string
	}
	Redis struct {
		Addr     string
		Password string
		DB       int
	}
	Firebase struct {
		ProjectID       string
		CredentialsFile string
		// DatabaseURL enables mirroring driver positions into Realtime Database.
		DatabaseURL string
	}
	Auth struct {
		JWTSecret string
	}
	Maps struct {
		APIKey string
	}
	Log        LoggerConfig
	Kafka      KafkaConfig
	AMQP       AMQPConfig
	Pricing    PricingConfig
	Scoring    ScoringConfig
	Assignment AssignmentConfig
	Location   LocationConfig
	Tracking   TrackingConfig
}

func DefaultSizeMultipliers() map[string]float64 {
	return map[string]float64{
		"small":  1.0,
		"medium": 1.2,
		"large":  1.5,
		"xlarge": 2.0,
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("db.dsn", "")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("firebase.project_id", "")
	v.SetDefault("firebase.credentials_file", "")
	v.SetDefault("firebase.database_url", "")
	v.SetDefault("auth.jwt_secret", "dev-secret-change-me")
	v.SetDefault("maps.api_key", "")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")

	v.SetDefault("kafka.brokers", "")
	v.SetDefault("kafka.topic", "driver-locations")
	v.SetDefault("kafka.group_id", "dispatch-location-consumer")

	v.SetDefault("amqp.url", "")
	v.SetDefault("amqp.exchange", "dispatch.events")
	v.SetDefault("amqp.queue", "dispatch.assignment")

	v.SetDefault("pricing.currency", "KZT")
	v.SetDefault("pricing.base_direct", 1500.0)
	v.SetDefault("pricing.base_hub", 1000.0)
	v.SetDefault("pricing.per_km", 120.0)
	v.SetDefault("pricing.per_kg", 80.0)
	v.SetDefault("pricing.fragile_fee", 500.0)
	v.SetDefault("pricing.minimum_fare", 2000.0)
	v.SetDefault("pricing.hub_discount", 0.85)
	v.SetDefault("pricing.commission_rate", 0.15)
	v.SetDefault("pricing.mismatch_tolerance", 1)
	v.SetDefault("pricing.size_multipliers", "")

	v.SetDefault("scoring.weight_proximity", 0.40)
	v.SetDefault("scoring.weight_workload", 0.20)
	v.SetDefault("scoring.weight_reputation", 0.15)
	v.SetDefault("scoring.weight_capability", 0.15)
	v.SetDefault("scoring.weight_availability", 0.10)
	v.SetDefault("scoring.max_radius_km", 10.0)
	v.SetDefault("scoring.max_rating", 5.0)
	v.SetDefault("scoring.decay_minutes", 60.0)

	v.SetDefault("assignment.candidate_limit", 20)
	v.SetDefault("assignment.max_passes", 2)
	v.SetDefault("assignment.timeout", 5*time.Second)
	v.SetDefault("assignment.retry_every", 30*time.Second)
	v.SetDefault("assignment.retry_backoff", 2*time.Minute)
	v.SetDefault("assignment.retry_batch", 50)

	v.SetDefault("location.max_plausible_speed_mps", 45.0)
	v.SetDefault("location.fallback_speed_mps", 8.3)
	v.SetDefault("location.speed_window", 5)
	v.SetDefault("location.max_clock_skew", 2*time.Minute)
	v.SetDefault("location.min_interval", 3*time.Second)
	v.SetDefault("location.max_interval", 60*time.Second)
	v.SetDefault("location.low_battery_percent", 20)

	v.SetDefault("tracking.session_ttl", 24*time.Hour)
}

// Load reads DISPATCH_* environment variables (e.g. DISPATCH_HTTP_ADDR,
// DISPATCH_PRICING_PER_KM) on top of the defaults.
func Load() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	cfg.HTTP.Addr = v.GetString("http.addr")
	cfg.HTTP.ShutdownTimeout = v.GetDuration("http.shutdown_timeout")
	cfg.DB.DSN = v.GetString("db.dsn")
	cfg.Redis.Addr = v.GetString("redis.addr")
	cfg.Redis.Password = v.GetString("redis.password")
	cfg.Redis.DB = v.GetInt("redis.db")
	cfg.Firebase.ProjectID = v.GetString("firebase.project_id")
	cfg.Firebase.CredentialsFile = v.GetString("firebase.credentials_file")
	cfg.Firebase.DatabaseURL = v.GetString("firebase.database_url")
	cfg.Auth.JWTSecret = v.GetString("auth.jwt_secret")
	cfg.Maps.APIKey = v.GetString("maps.api_key")

	cfg.Log = LoggerConfig{
		Level:  v.GetString("log.level"),
		Format: v.GetString("log.format"),
		File:   v.GetString("log.file"),
	}
	cfg.Kafka = KafkaConfig{
		Brokers: splitList(v.GetString("kafka.brokers")),
		Topic:   v.GetString("kafka.topic"),
		GroupID: v.GetString("kafka.group_id"),
	}
	cfg.AMQP = AMQPConfig{
		URL:      v.GetString("amqp.url"),
		Exchange: v.GetString("amqp.exchange"),
		Queue:    v.GetString("amqp.queue"),
	}

	sizes, err := parseMultipliers(v.GetString("pricing.size_multipliers"))
	if err != nil {
		return Config{}, err
	}
	cfg.Pricing = PricingConfig{
		Currency:          v.GetString("pricing.currency"),
		BaseDirect:        v.GetFloat64("pricing.base_direct"),
		BaseHub:           v.GetFloat64("pricing.base_hub"),
		PerKm:             v.GetFloat64("pricing.per_km"),
		PerKg:             v.GetFloat64("pricing.per_kg"),
		FragileFee:        v.GetFloat64("pricing.fragile_fee"),
		MinimumFare:       v.GetFloat64("pricing.minimum_fare"),
		HubDiscount:       v.GetFloat64("pricing.hub_discount"),
		CommissionRate:    v.GetFloat64("pricing.commission_rate"),
		MismatchTolerance: v.GetInt64("pricing.mismatch_tolerance"),
		SizeMultipliers:   sizes,
	}
	cfg.Scoring = ScoringConfig{
		Weights: ScoringWeights{
			Proximity:    v.GetFloat64("scoring.weight_proximity"),
			Workload:     v.GetFloat64("scoring.weight_workload"),
			Reputation:   v.GetFloat64("scoring.weight_reputation"),
			Capability:   v.GetFloat64("scoring.weight_capability"),
			Availability: v.GetFloat64("scoring.weight_availability"),
		},
		MaxRadiusKm:  v.GetFloat64("scoring.max_radius_km"),
		MaxRating:    v.GetFloat64("scoring.max_rating"),
		DecayMinutes: v.GetFloat64("scoring.decay_minutes"),
	}
	cfg.Assignment = AssignmentConfig{
		CandidateLimit: v.GetInt("assignment.candidate_limit"),
		MaxPasses:      v.GetInt("assignment.max_passes"),
		Timeout:        v.GetDuration("assignment.timeout"),
		RetryEvery:     v.GetDuration("assignment.retry_every"),
		RetryBackoff:   v.GetDuration("assignment.retry_backoff"),
		RetryBatch:     v.GetInt("assignment.retry_batch"),
	}
	cfg.Location = LocationConfig{
		MaxPlausibleSpeedMps: v.GetFloat64("location.max_plausible_speed_mps"),
		FallbackSpeedMps:     v.GetFloat64("location.fallback_speed_mps"),
		SpeedWindow:          v.GetInt("location.speed_window"),
		MaxClockSkew:         v.GetDuration("location.max_clock_skew"),
		MinInterval:          v.GetDuration("location.min_interval"),
		MaxInterval:          v.GetDuration("location.max_interval"),
		LowBatteryPercent:    v.GetInt("location.low_battery_percent"),
	}
	cfg.Tracking = TrackingConfig{
		SessionTTL: v.GetDuration("tracking.session_ttl"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the configuration Load produces with an empty environment.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	cfg, err := fromViper(v)
	if err != nil {
		panic(err)
	}
	return cfg
}

func (c Config) Validate() error {
	var errs []error
	if c.HTTP.Addr == "" {
		errs = append(errs, errors.New("http.addr is required"))
	}
	if err := c.Pricing.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.Scoring.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Assignment.CandidateLimit <= 0 || c.Assignment.MaxPasses <= 0 {
		errs = append(errs, errors.New("assignment.candidate_limit and assignment.max_passes must be > 0"))
	}
	if c.Assignment.Timeout <= 0 {
		errs = append(errs, errors.New("assignment.timeout must be > 0"))
	}
	if c.Location.FallbackSpeedMps <= 0 || c.Location.MaxPlausibleSpeedMps <= 0 {
		errs = append(errs, errors.New("location speeds must be > 0"))
	}
	if c.Location.MinInterval <= 0 || c.Location.MaxInterval < c.Location.MinInterval {
		errs = append(errs, errors.New("location.min_interval must be > 0 and <= location.max_interval"))
	}
	if c.Tracking.SessionTTL <= 0 {
		errs = append(errs, errors.New("tracking.session_ttl must be > 0"))
	}
	return errors.Join(errs...)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if s := strings.TrimSpace(part); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// parseMultipliers reads "small=1,medium=1.2" overrides on top of the default table.
func parseMultipliers(raw string) (map[string]float64, error) {
	out := DefaultSizeMultipliers()
	for _, pair := range splitList(raw) {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid size multiplier %q", pair)
		}
		var f float64
		if _, err := fmt.Sscanf(strings.TrimSpace(value), "%g", &f); err != nil {
			return nil, fmt.Errorf("invalid size multiplier %q: %w", pair, err)
		}
		out[strings.ToLower(strings.TrimSpace(name))] = f
	}
	return out, nil
}
