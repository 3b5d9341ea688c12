package sessiondb

import "time"

// The composite types used for messages to the ClickHouse database.

// ActivityMessage is the information for the activity table: one row per
// daemon lifetime.
type ActivityMessage struct {
	ID        string
	Hostname  string
	Version   string
	Githash   string
	GoVersion string
	CPUs      int
	Start     time.Time
	End       time.Time
}

// SessionMessage is the information for the sessions table: one row when an
// acquisition session starts, and another when it ends.
type SessionMessage struct {
	ID         string
	ActivityID string
	Session    uint64
	Experiment string
	Rate       float64
	MaxSamples int64
	Start      time.Time
	End        time.Time
	Error      string
}

// FileMessage is the information for the files table.
type FileMessage struct {
	SessionID string
	Filename  string
	Channel   int
	Records   int64
	Size      int64
	Start     time.Time
	End       time.Time
}
