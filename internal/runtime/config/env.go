package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// FromEnv builds a Config from the process environment. Unset variables keep
// their zero value so WithDefaults can fill them in.
func FromEnv() (Config, error) {
	return FromLookup(os.LookupEnv)
}

// FromLookup builds a Config using lookup for every variable.
func FromLookup(lookup LookupFunc) (Config, error) {
	r := envReader{lookup: lookup}

	cfg := Config{
		Store:            strings.ToLower(r.str("STREAMBUS_STORE")),
		RedisURL:         r.first("ConnectionStrings__redis", "REDIS_URL"),
		RedisPassword:    r.str("REDIS_PASSWORD"),
		RedisDB:          r.int("REDIS_DB"),
		ConsumerGroup:    r.str("CONSUMER_GROUP"),
		ConsumerName:     r.first("CONSUMER_NAME", "OTEL_SERVICE_NAME"),
		DeadLetterSuffix: r.str("STREAMBUS_DEAD_LETTER_SUFFIX"),

		EmptyPollBackoff:    r.duration("STREAMBUS_EMPTY_POLL_BACKOFF"),
		EmptyPollMaxBackoff: r.duration("STREAMBUS_EMPTY_POLL_MAX_BACKOFF"),
		ErrorBackoff:        r.duration("STREAMBUS_ERROR_BACKOFF"),
		BlockTimeout:        r.duration("STREAMBUS_BLOCK_TIMEOUT"),
		MaxDeliveries:       r.int("STREAMBUS_MAX_DELIVERIES"),
		ClaimMinIdle:        r.duration("STREAMBUS_CLAIM_MIN_IDLE"),

		MetricsEnabled: r.bool("STREAMBUS_METRICS_ENABLED"),
		MetricsPort:    r.int("STREAMBUS_METRICS_PORT"),
		WebUIEnabled:   r.bool("STREAMBUS_WEBUI_ENABLED"),
		WebUIPort:      r.int("STREAMBUS_WEBUI_PORT"),
	}

	if host := r.str("REDIS_HOST"); host != "" {
		port := r.str("REDIS_PORT")
		if port == "" {
			port = "6379"
		}
		cfg.RedisAddr = host + ":" + port
	}
	if origins := r.str("STREAMBUS_WEBUI_CORS_ORIGINS"); origins != "" {
		for _, origin := range strings.Split(origins, ",") {
			if origin = strings.TrimSpace(origin); origin != "" {
				cfg.WebUICORSAllowedOrigins = append(cfg.WebUICORSAllowedOrigins, origin)
			}
		}
	}

	return cfg, errors.Join(r.errs...)
}

type envReader struct {
	lookup LookupFunc
	errs   []error
}

func (r *envReader) str(key string) string {
	if r.lookup == nil {
		return ""
	}
	v, _ := r.lookup(key)
	return strings.TrimSpace(v)
}

func (r *envReader) first(keys ...string) string {
	for _, key := range keys {
		if v := r.str(key); v != "" {
			return v
		}
	}
	return ""
}

func (r *envReader) int(key string) int {
	v := r.str(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return 0
	}
	return n
}

func (r *envReader) bool(key string) bool {
	switch strings.ToLower(r.str(key)) {
	case "1", "true", "yes", "y", "on":
		return true
	default:
		return false
	}
}

// duration accepts Go duration strings ("1500ms", "5s") and bare integers,
// which are read as milliseconds.
func (r *envReader) duration(key string) time.Duration {
	v := r.str(key)
	if v == "" {
		return 0
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		r.errs = append(r.errs, fmt.Errorf("%s: %w", key, err))
		return 0
	}
	return d
}
