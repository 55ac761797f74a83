package domain

import "time"

// StatCounter names a counter of a queue statistics bucket.
type StatCounter string

// Counters tracked per bucket
const (
	StatEnqueued  StatCounter = "enqueued"
	StatDequeued  StatCounter = "dequeued"
	StatCompleted StatCounter = "completed"
	StatFailed    StatCounter = "failed"
)

// IsValid reports whether c is a known counter.
func (c StatCounter) IsValid() bool {
	switch c {
	case StatEnqueued, StatDequeued, StatCompleted, StatFailed:
		return true
	default:
		return false
	}
}

// QueueStatsBucket aggregates one queue's activity for one hour.
// AvgDurationMs is folded incrementally over DurationSamples.
type QueueStatsBucket struct {
	QueueName       string    `json:"queue_name"`
	StatDate        time.Time `json:"stat_date"`
	StatHour        int       `json:"stat_hour"`
	EnqueuedCount   int64     `json:"enqueued_count"`
	DequeuedCount   int64     `json:"dequeued_count"`
	CompletedCount  int64     `json:"completed_count"`
	FailedCount     int64     `json:"failed_count"`
	DurationSamples int64     `json:"duration_samples"`
	AvgDurationMs   float64   `json:"avg_duration_ms"`
	MaxDurationMs   int64     `json:"max_duration_ms"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// BucketTime truncates t to its UTC date and hour.
func BucketTime(t time.Time) (date time.Time, hour int) {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC), u.Hour()
}

// NewQueueStatsBucket creates an empty bucket for the hour containing now.
func NewQueueStatsBucket(queue string, now time.Time) *QueueStatsBucket {
	date, hour := BucketTime(now)
	return &QueueStatsBucket{
		QueueName: queue,
		StatDate:  date,
		StatHour:  hour,
		UpdatedAt: now.UTC(),
	}
}

// Increment bumps counter and folds an optional duration sample.
func (b *QueueStatsBucket) Increment(counter StatCounter, durationMs *int64, now time.Time) {
	switch counter {
	case StatEnqueued:
		b.EnqueuedCount++
	case StatDequeued:
		b.DequeuedCount++
	case StatCompleted:
		b.CompletedCount++
	case StatFailed:
		b.FailedCount++
	}
	if durationMs != nil {
		b.foldDuration(*durationMs)
	}
	b.UpdatedAt = now.UTC()
}

// foldDuration applies newAvg = (oldAvg*(n-1) + sample) / n.
func (b *QueueStatsBucket) foldDuration(sample int64) {
	if sample < 0 {
		sample = 0
	}
	b.DurationSamples++
	n := float64(b.DurationSamples)
	b.AvgDurationMs = (b.AvgDurationMs*(n-1) + float64(sample)) / n
	if sample > b.MaxDurationMs {
		b.MaxDurationMs = sample
	}
}

// QueueRollup is a read-side aggregate of many buckets.
type QueueRollup struct {
	QueueName      string    `json:"queue_name"`
	Date           time.Time `json:"date"`
	EnqueuedCount  int64     `json:"enqueued_count"`
	DequeuedCount  int64     `json:"dequeued_count"`
	CompletedCount int64     `json:"completed_count"`
	FailedCount    int64     `json:"failed_count"`
	AvgDurationMs  float64   `json:"avg_duration_ms"`
	MaxDurationMs  int64     `json:"max_duration_ms"`
	SuccessRate    float64   `json:"success_rate"`
	FailureRate    float64   `json:"failure_rate"`
}

// RollUp combines buckets into one aggregate. The average is weighted by
// each bucket's sample count. Buckets are not modified.
func RollUp(queue string, date time.Time, buckets []QueueStatsBucket) QueueRollup {
	r := QueueRollup{QueueName: queue, Date: date}
	var weighted float64
	var samples int64
	for _, b := range buckets {
		r.EnqueuedCount += b.EnqueuedCount
		r.DequeuedCount += b.DequeuedCount
		r.CompletedCount += b.CompletedCount
		r.FailedCount += b.FailedCount
		weighted += b.AvgDurationMs * float64(b.DurationSamples)
		samples += b.DurationSamples
		if b.MaxDurationMs > r.MaxDurationMs {
			r.MaxDurationMs = b.MaxDurationMs
		}
	}
	if samples > 0 {
		r.AvgDurationMs = weighted / float64(samples)
	}
	if finished := r.CompletedCount + r.FailedCount; finished > 0 {
		r.SuccessRate = float64(r.CompletedCount) / float64(finished)
		r.FailureRate = float64(r.FailedCount) / float64(finished)
	}
	return r
}
