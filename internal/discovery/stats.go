package discovery

import (
	"sync"
	"time"
)

// scanStats tracks sweep and announcement counters. Fields are protected by
// mu because scans write them from the scan goroutine while Status reads
// them from HTTP handlers.
type scanStats struct {
	mu               sync.Mutex
	quickScans       int
	fullScans        int
	lastQuick        time.Time
	lastFull         time.Time
	lastResult       ScanResult
	announcements    int
	badAnnouncements int
	registerFailures int
	lastErr          string
	lastErrAt        time.Time
}

func (s *scanStats) recordScan(full bool, res ScanResult, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if full {
		s.fullScans++
		s.lastFull = at
	} else {
		s.quickScans++
		s.lastQuick = at
	}
	s.lastResult = res
}

func (s *scanStats) recordAnnouncement() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.announcements++
}

func (s *scanStats) recordBadAnnouncement(err error, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.badAnnouncements++
	s.lastErr = err.Error()
	s.lastErrAt = at
}

func (s *scanStats) recordRegisterFailure(err error, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registerFailures++
	s.lastErr = err.Error()
	s.lastErrAt = at
}

// Status is the externally visible state of the discovery service.
type Status struct {
	Running          bool       `json:"running"`
	Scanning         bool       `json:"scanning"`
	ScansPaused      bool       `json:"scansPaused"`
	LocalIP          string     `json:"localIp,omitempty"`
	ListenPort       int        `json:"listenPort"`
	Agents           int        `json:"agents"`
	QuickScans       int        `json:"quickScans"`
	FullScans        int        `json:"fullScans"`
	LastQuickScan    *time.Time `json:"lastQuickScan,omitempty"`
	LastFullScan     *time.Time `json:"lastFullScan,omitempty"`
	LastScan         ScanResult `json:"lastScan"`
	Announcements    int        `json:"announcements"`
	BadAnnouncements int        `json:"badAnnouncements"`
	RegisterFailures int        `json:"registerFailures"`
	LastError        string     `json:"lastError,omitempty"`
	LastErrorAt      *time.Time `json:"lastErrorAt,omitempty"`
}

// fill copies the counters into st under the lock.
func (s *scanStats) fill(st *Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st.QuickScans = s.quickScans
	st.FullScans = s.fullScans
	st.LastQuickScan = timePtr(s.lastQuick)
	st.LastFullScan = timePtr(s.lastFull)
	st.LastScan = s.lastResult
	st.Announcements = s.announcements
	st.BadAnnouncements = s.badAnnouncements
	st.RegisterFailures = s.registerFailures
	st.LastError = s.lastErr
	st.LastErrorAt = timePtr(s.lastErrAt)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
