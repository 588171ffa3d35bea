// Package alert keeps citizen-submitted fire alerts in memory.
package alert

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("alert not found")
	ErrInvalidStatus = errors.New("invalid status")
)

const (
	StatusNew        = "new"
	StatusInProgress = "in_progress"
	StatusResolved   = "resolved"

	// StatusAll disables status filtering in List.
	StatusAll = "all"
)

var severities = map[string]int{
	"low":      0,
	"medium":   1,
	"high":     2,
	"critical": 3,
}

func validStatus(s string) bool {
	switch s {
	case StatusNew, StatusInProgress, StatusResolved:
		return true
	}
	return false
}

// SeverityRank orders severities; unknown values rank as medium.
func SeverityRank(s string) int {
	if r, ok := severities[strings.ToLower(s)]; ok {
		return r
	}
	return severities["medium"]
}

type Alert struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Location    string    `json:"location"`
	Description string    `json:"description"`
	Severity    string    `json:"severity"`
	Status      string    `json:"status"`
	Image       string    `json:"image"`
	Timestamp   time.Time `json:"timestamp"`

	// Path of the uploaded image on disk.
	ImagePath string `json:"-"`
}

// New holds the submitted fields of an alert. Empty fields get defaults.
type New struct {
	Name        string
	Location    string
	Description string
	Severity    string
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v == "" {
		return def
	}
	return v
}

type Filter struct {
	Status string
	Search string
}

type Stats struct {
	Total    int            `json:"total"`
	Last24h  int            `json:"last_24h"`
	ByStatus map[string]int `json:"by_status"`
}

type Store struct {
	l      sync.RWMutex
	alerts map[string]*Alert
	now    func() time.Time
}

func NewStore() *Store {
	return &Store{
		alerts: make(map[string]*Alert),
		now:    time.Now,
	}
}

// NewID returns an identifier for an alert about to be created, so uploads
// can be named before the alert exists.
func NewID() string {
	return uuid.NewString()
}

// Create stores a new alert under id. The image fields are left to the
// caller.
func (s *Store) Create(id string, n New, imageURL, imagePath string) Alert {
	a := &Alert{
		ID:          id,
		Name:        orDefault(n.Name, "Anonymous"),
		Location:    orDefault(n.Location, "Unknown location"),
		Description: orDefault(n.Description, "No description provided"),
		Severity:    strings.ToLower(orDefault(n.Severity, "medium")),
		Status:      StatusNew,
		Image:       imageURL,
		ImagePath:   imagePath,
		Timestamp:   s.now(),
	}
	s.l.Lock()
	defer s.l.Unlock()
	s.alerts[id] = a
	return *a
}

func (s *Store) Get(id string) (Alert, error) {
	s.l.RLock()
	defer s.l.RUnlock()
	a, ok := s.alerts[id]
	if !ok {
		return Alert{}, ErrNotFound
	}
	return *a, nil
}

// List returns matching alerts, newest first. Search is a case-insensitive
// substring match over location and description.
func (s *Store) List(f Filter) []Alert {
	search := strings.ToLower(strings.TrimSpace(f.Search))
	s.l.RLock()
	res := make([]Alert, 0, len(s.alerts))
	for _, a := range s.alerts {
		if f.Status != "" && f.Status != StatusAll && a.Status != f.Status {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(a.Location+" "+a.Description), search) {
			continue
		}
		res = append(res, *a)
	}
	s.l.RUnlock()

	sort.Slice(res, func(i, j int) bool {
		return res[i].Timestamp.After(res[j].Timestamp)
	})
	return res
}

func (s *Store) UpdateStatus(id, status string) (Alert, error) {
	s.l.Lock()
	defer s.l.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return Alert{}, ErrNotFound
	}
	if !validStatus(status) {
		return Alert{}, ErrInvalidStatus
	}
	a.Status = status
	return *a, nil
}

// Delete removes the alert and returns it so the caller can remove its image.
func (s *Store) Delete(id string) (Alert, error) {
	s.l.Lock()
	defer s.l.Unlock()
	a, ok := s.alerts[id]
	if !ok {
		return Alert{}, ErrNotFound
	}
	delete(s.alerts, id)
	return *a, nil
}

func (s *Store) Stats() Stats {
	cutoff := s.now().Add(-24 * time.Hour)
	st := Stats{ByStatus: map[string]int{
		StatusNew:        0,
		StatusInProgress: 0,
		StatusResolved:   0,
	}}
	s.l.RLock()
	defer s.l.RUnlock()
	for _, a := range s.alerts {
		st.Total++
		st.ByStatus[a.Status]++
		if a.Timestamp.After(cutoff) {
			st.Last24h++
		}
	}
	return st
}
