package model

import "time"

// Message represents a single email message fetched from a source mailbox.
type Message struct {
	Folder  string
	SeqNum  uint32
	Subject string
	Date    time.Time
	Raw     []byte
}

// DateRange bounds a mailbox search. Since is inclusive, Before is exclusive,
// both at day granularity like the IMAP SINCE and BEFORE keys.
type DateRange struct {
	Since  time.Time
	Before time.Time
}

// Contains reports whether t falls inside the range at day granularity.
func (r DateRange) Contains(t time.Time) bool {
	day := truncateDay(t)
	if !r.Since.IsZero() && day.Before(truncateDay(r.Since)) {
		return false
	}
	if !r.Before.IsZero() && !day.Before(truncateDay(r.Before)) {
		return false
	}
	return true
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
