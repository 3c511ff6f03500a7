package varletdb

import "time"

// The composite types used for messages to the ClickHouse database.

// ActivityMessage is the information for the varletactivity table: one
// row per run of the varlet daemon.
type ActivityMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	CPUs      int
	Start     time.Time
	End       time.Time
}

// CaptureMessage is the information required to make an entry in the
// captures table: one row per acquisition.
type CaptureMessage struct {
	ID            string
	ActivityID    string
	Source        string
	Model         string
	SampleRate    uint64
	LimitSamples  uint64
	LimitMsec     uint64
	ChannelMask   uint64
	TriggerEnable uint64
	Samples       uint64
	DurationMsec  uint64
	Outcome       string
	Start         time.Time
	End           time.Time
}

// CaptureFileMessage is the information required to make an entry in
// the capturefiles table: one row per file written during a capture.
type CaptureFileMessage struct {
	CaptureID string
	Filename  string
	Filetype  string
	Samples   uint64
	Size      int64
	Start     time.Time
	End       time.Time
}
