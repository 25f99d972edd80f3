// Package crawler turns bus task messages into collected channel history:
// it plans uncovered ranges, leases a session, iterates messages through the
// client pool, publishes each one downstream and records what was covered.
package crawler

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// maxTaskAge bounds how far back a backfill may start. Older offsets are
// rejected at decode time rather than burning a session on a huge crawl.
const maxTaskAge = 30 * 24 * time.Hour

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// recent: timestamp no older than maxTaskAge before now.
	if err := v.RegisterValidation("recent", func(fl validator.FieldLevel) bool {
		t, ok := fl.Field().Interface().(time.Time)
		if !ok {
			return false
		}
		return !t.Before(time.Now().Add(-maxTaskAge))
	}); err != nil {
		panic(err)
	}
	return v
}

// BackfillTask asks for a channel's history from DatetimeOffset up to now.
type BackfillTask struct {
	ChannelURL     string    `json:"channel_url" validate:"required,url,startswith=https"`
	DatetimeOffset time.Time `json:"datetime_offset" validate:"required,recent"`
}

// ScheduleTask asks for everything newer than the last collected message of
// an already-initialized channel.
type ScheduleTask struct {
	ChannelID     int64 `json:"channel_id" validate:"required"`
	LastMessageID int64 `json:"last_message_id" validate:"required,gt=0"`
}

// DecodeBackfill parses and validates a backfill envelope.
func DecodeBackfill(data []byte) (*BackfillTask, error) {
	var task BackfillTask
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to decode backfill task: %w", err)
	}
	if err := validate.Struct(&task); err != nil {
		return nil, fmt.Errorf("invalid backfill task: %w", err)
	}
	return &task, nil
}

// DecodeSchedule parses and validates an incremental envelope.
func DecodeSchedule(data []byte) (*ScheduleTask, error) {
	var task ScheduleTask
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to decode schedule task: %w", err)
	}
	if err := validate.Struct(&task); err != nil {
		return nil, fmt.Errorf("invalid schedule task: %w", err)
	}
	return &task, nil
}
