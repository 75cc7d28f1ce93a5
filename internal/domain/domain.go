package domain

import (
	"fmt"
	"time"
)

// Credentials are the account credentials of a LibreLinkUp follower account.
type Credentials struct {
	Username      string
	Password      string
	ClientVersion string
}

// AuthContext is the result of a successful login. It is replaced as a whole, never mutated.
type AuthContext struct {
	Token     string
	ExpiresAt time.Time
	BaseURL   string
	AccountID string
}

// Valid reports whether the token is still usable at now with the given safety margin.
func (a *AuthContext) Valid(now time.Time, margin time.Duration) bool {
	if a == nil || a.Token == "" {
		return false
	}
	return now.Add(margin).Before(a.ExpiresAt)
}

// Connection is a patient the authenticated account is allowed to follow.
type Connection struct {
	ID         string  `json:"patientId"`
	FirstName  string  `json:"firstName"`
	LastName   string  `json:"lastName"`
	TargetLow  float64 `json:"targetLow"`
	TargetHigh float64 `json:"targetHigh"`
}

// FullName is the "first last" display name used for selection by name.
func (c Connection) FullName() string {
	return fmt.Sprintf("%s %s", c.FirstName, c.LastName)
}

// Trend is the canonical rate-of-change classification of a reading.
type Trend string

const (
	TrendSingleDown    Trend = "single_down"
	TrendFortyFiveDown Trend = "forty_five_down"
	TrendFlat          Trend = "flat"
	TrendFortyFiveUp   Trend = "forty_five_up"
	TrendSingleUp      Trend = "single_up"
	TrendNotComputable Trend = "not_computable"
)

// TrendScale orders trends by provider index. Index 0 and 6 are both not computable.
var TrendScale = []Trend{
	TrendNotComputable,
	TrendSingleDown,
	TrendFortyFiveDown,
	TrendFlat,
	TrendFortyFiveUp,
	TrendSingleUp,
	TrendNotComputable,
}

// Reading represents a normalized glucose reading.
type Reading struct {
	Value     float64   `json:"value" bson:"value"`
	Trend     Trend     `json:"trend" bson:"trend"`
	IsHigh    bool      `json:"isHigh" bson:"is_high"`
	IsLow     bool      `json:"isLow" bson:"is_low"`
	Timestamp time.Time `json:"timestamp" bson:"timestamp"`
}

// DedupKey is the identity used by stores to reject already persisted readings.
func (r Reading) DedupKey() time.Time {
	return r.Timestamp.UTC().Truncate(time.Second)
}

// FetchResult is the normalized content of one graph request.
type FetchResult struct {
	Current Reading
	History []Reading
}

// StoreResult counts what a store did with one batch.
type StoreResult struct {
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
}

// SyncLog records the outcome of one sync run.
type SyncLog struct {
	ID               string        `json:"id" bson:"_id"`
	StartedAt        time.Time     `json:"startedAt" bson:"started_at"`
	ReadingsFetched  int           `json:"readingsFetched" bson:"readings_fetched"`
	ReadingsInserted int           `json:"readingsInserted" bson:"readings_inserted"`
	Duplicates       int           `json:"duplicates" bson:"duplicates"`
	FirstReadingAt   *time.Time    `json:"firstReadingAt,omitempty" bson:"first_reading_at,omitempty"`
	LastReadingAt    *time.Time    `json:"lastReadingAt,omitempty" bson:"last_reading_at,omitempty"`
	Success          bool          `json:"success" bson:"success"`
	ErrorMessage     string        `json:"errorMessage,omitempty" bson:"error_message,omitempty"`
	Duration         time.Duration `json:"duration" bson:"duration"`
}
