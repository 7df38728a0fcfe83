package clientdata

import (
	"github.com/rs/zerolog"
)

// CleanupJob removes expired quote rows. Scheduled to run daily.
type CleanupJob struct {
	repo *Repository
	log  zerolog.Logger
}

// NewCleanupJob creates a quote cache cleanup job
func NewCleanupJob(repo *Repository, log zerolog.Logger) *CleanupJob {
	return &CleanupJob{
		repo: repo,
		log:  log.With().Str("job", "quote_cache_cleanup").Logger(),
	}
}

// Run deletes all expired quote rows
func (j *CleanupJob) Run() error {
	deleted, err := j.repo.DeleteExpired()
	if err != nil {
		j.log.Error().Err(err).Msg("Failed to delete expired quotes")
		return err
	}

	if deleted > 0 {
		j.log.Info().
			Int64("deleted", deleted).
			Msg("Cleaned up expired quote cache entries")
	}

	return nil
}

// Name returns the job name for scheduling and logging
func (j *CleanupJob) Name() string {
	return "quote_cache_cleanup"
}
