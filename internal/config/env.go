package config

import (
	"os"
	"strconv"
	"time"
)

// GetEnv returns the value of k or d when unset or empty.
func GetEnv(k, d string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return d
}

func envInt(k string, dst *int) {
	if v := GetEnv(k, ""); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// envDuration accepts Go durations ("750ms") or plain seconds ("30", "1.5").
func envDuration(k string, dst *time.Duration) {
	v := GetEnv(k, "")
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		*dst = time.Duration(f * float64(time.Second))
	}
}
