package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestFromViperDefaults(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	cfg := fromViper(v)

	assert.Equal(t, EnvDevelopment, cfg.Env)
	assert.Equal(t, 5, cfg.Queue.RetryHigh)
	assert.Equal(t, 3, cfg.Queue.RetryMedium)
	assert.Equal(t, 2, cfg.Queue.RetryLow)
	assert.Equal(t, time.Second, cfg.Queue.BackoffMin)
	assert.Equal(t, time.Minute, cfg.Queue.BackoffMax)
	assert.Equal(t, "latest_timestamp", cfg.Attendance.ConflictStrategy)
	assert.Equal(t, 5*time.Minute, cfg.Attendance.TimingThreshold)
	assert.Equal(t, 100, cfg.Dashboard.MaxEntries)
	assert.Equal(t, int64(10*1024*1024), cfg.Strategic.MaxBytes)
	assert.Equal(t, []string{"attendance_records_changes"}, cfg.Realtime.Channels)
}

func TestFromViperOverrides(t *testing.T) {
	v := viper.New()
	setDefaults(v)
	v.Set("ATTENDANCE_CONFLICT_STRATEGY", " Status_Priority ")
	v.Set("QUEUE_BACKOFF_MIN", "not-a-duration")
	v.Set("REALTIME_CHANNELS", "a, b ,,c")

	cfg := fromViper(v)

	assert.Equal(t, "status_priority", cfg.Attendance.ConflictStrategy)
	assert.Equal(t, time.Second, cfg.Queue.BackoffMin)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Realtime.Channels)
}
