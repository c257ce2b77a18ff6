package cache

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Janitor removes expired entries from a provider, oldest first.
type Janitor struct {
	Provider CacheProvider
	// Prefix limits the janitor to keys with this prefix.
	Prefix string
	// Interval to sleep when no entry has expired. One minute if zero.
	Interval time.Duration
	Logger   *zerolog.Logger
}

// Sweep purges every expired entry and returns how many were purged.
func (j Janitor) Sweep() (int, error) {
	purged := 0
	for {
		key, expiry, err := j.Provider.Oldest(j.Prefix)
		if err != nil {
			return purged, err
		}
		if key == "" || expiry.After(time.Now()) {
			return purged, nil
		}
		if err := j.Provider.Purge(key); err != nil {
			return purged, err
		}
		purged++
	}
}

// Run sweeps until ctx is done.
func (j Janitor) Run(ctx context.Context) {
	logger := log.Logger
	if j.Logger != nil {
		logger = *j.Logger
	}
	interval := j.Interval
	if interval == 0 {
		interval = time.Minute
	}

	logger.Info().Msgf("Starting cache janitor with interval %s", interval)
	for {
		purged, err := j.Sweep()
		if err != nil {
			logger.Error().Err(err).Msg("Could not purge expired entries")
		} else if purged > 0 {
			logger.Debug().Int("purged", purged).Msg("Purged expired entries")
		} else {
			logger.Trace().Msg("No entries expired, pausing janitor")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}
