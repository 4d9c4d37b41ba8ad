package profile

import (
	"math"
	"sync"
	"time"

	"github.com/finguard/decision-engine/internal/models"
)

// Defaults used when a user, device, or IP has no history. The feature
// extractor and rules engine both depend on these values.
const (
	DefaultMeanSpend = 100.0
	DefaultStdSpend  = 50.0
	DefaultIPRisk    = 0.5
)

const (
	velocityWindow1h  = time.Hour
	velocityWindow1d  = 24 * time.Hour
	failedLoginWindow = 15 * time.Minute
	highValueAmount   = 1000.0
)

// UserSnapshot is a read-only view of a user's history at a point in
// time, consumed by the feature extractor and the rules engine.
type UserSnapshot struct {
	Known            bool
	TransactionCount int
	AccountAgeDays   float64
	MeanSpend30d     float64
	StdSpend30d      float64
	Velocity1h       int
	Velocity1d       int
	HighValue1d      int
	FailedLogins15m  int
	ModeLocation     string
	LastLocation     string
	LastTxAt         time.Time
}

// DeviceSnapshot is a read-only view of a device's history.
type DeviceSnapshot struct {
	Known      bool
	KnownUser  bool
	ReuseCount int
	Velocity1h int
}

type userState struct {
	mu             sync.Mutex
	createdAt      time.Time
	txTimes        []time.Time
	highValueTimes []time.Time
	failedLogins   []time.Time
	locationCounts map[string]int
	lastLocation   string
	lastTxAt       time.Time
	count          int
	sum            float64
	sumSquares     float64
}

type deviceState struct {
	mu      sync.Mutex
	users   map[string]bool
	txTimes []time.Time
	reuse   int
}

// Registry holds the in-memory user history, device registry, and IP
// reputation table. Different keys proceed in parallel; state for one
// user or device is guarded by its own lock.
type Registry struct {
	mu      sync.RWMutex
	users   map[string]*userState
	devices map[string]*deviceState
	ipRisk  map[string]float64
}

func NewRegistry() *Registry {
	return &Registry{
		users:   make(map[string]*userState),
		devices: make(map[string]*deviceState),
		ipRisk:  make(map[string]float64),
	}
}

// SeedIPRisk installs a static IP reputation table. Read-only after
// startup.
func (r *Registry) SeedIPRisk(scores map[string]float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ip, score := range scores {
		r.ipRisk[ip] = score
	}
}

// IPRisk returns the reputation score for an address, defaulting to 0.5
// for unknown addresses.
func (r *Registry) IPRisk(ip string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if score, ok := r.ipRisk[ip]; ok {
		return score
	}
	return DefaultIPRisk
}

func (r *Registry) userFor(userID string) *userState {
	r.mu.RLock()
	u := r.users[userID]
	r.mu.RUnlock()
	if u != nil {
		return u
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if u = r.users[userID]; u == nil {
		u = &userState{locationCounts: make(map[string]int)}
		r.users[userID] = u
	}
	return u
}

func (r *Registry) deviceFor(deviceID string) *deviceState {
	r.mu.RLock()
	d := r.devices[deviceID]
	r.mu.RUnlock()
	if d != nil {
		return d
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if d = r.devices[deviceID]; d == nil {
		d = &deviceState{users: make(map[string]bool)}
		r.devices[deviceID] = d
	}
	return d
}

// UserSnapshot derives the current history view for a user. A user with
// no history yields the documented defaults.
func (r *Registry) UserSnapshot(userID string, now time.Time) UserSnapshot {
	r.mu.RLock()
	u := r.users[userID]
	r.mu.RUnlock()

	if u == nil {
		return UserSnapshot{MeanSpend30d: DefaultMeanSpend, StdSpend30d: DefaultStdSpend}
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	snap := UserSnapshot{
		Known:            u.count > 0,
		TransactionCount: u.count,
		LastLocation:     u.lastLocation,
		LastTxAt:         u.lastTxAt,
	}

	if !u.createdAt.IsZero() {
		snap.AccountAgeDays = now.Sub(u.createdAt).Hours() / 24
	}

	if u.count > 0 {
		snap.MeanSpend30d = u.sum / float64(u.count)
		if u.count > 1 {
			variance := (u.sumSquares - u.sum*u.sum/float64(u.count)) / float64(u.count-1)
			if variance > 0 {
				snap.StdSpend30d = math.Sqrt(variance)
			}
		}
	} else {
		snap.MeanSpend30d = DefaultMeanSpend
		snap.StdSpend30d = DefaultStdSpend
	}
	if snap.StdSpend30d == 0 {
		snap.StdSpend30d = DefaultStdSpend
	}

	snap.Velocity1h = countSince(u.txTimes, now.Add(-velocityWindow1h))
	snap.Velocity1d = countSince(u.txTimes, now.Add(-velocityWindow1d))
	snap.HighValue1d = countSince(u.highValueTimes, now.Add(-velocityWindow1d))
	snap.FailedLogins15m = countSince(u.failedLogins, now.Add(-failedLoginWindow))

	best := 0
	for loc, n := range u.locationCounts {
		if n > best {
			best = n
			snap.ModeLocation = loc
		}
	}

	return snap
}

// DeviceSnapshot derives the current view for a device relative to a
// user. A device with no history is treated as new.
func (r *Registry) DeviceSnapshot(deviceID, userID string, now time.Time) DeviceSnapshot {
	r.mu.RLock()
	d := r.devices[deviceID]
	r.mu.RUnlock()

	if d == nil {
		return DeviceSnapshot{}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	return DeviceSnapshot{
		Known:      d.reuse > 0,
		KnownUser:  d.users[userID],
		ReuseCount: d.reuse,
		Velocity1h: countSince(d.txTimes, now.Add(-velocityWindow1h)),
	}
}

// RecordTransaction folds an admitted transaction into the user and
// device history. Called after the decision so that the current
// transaction does not count toward its own velocity.
func (r *Registry) RecordTransaction(tx *models.Transaction, now time.Time) {
	u := r.userFor(tx.UserID)
	u.mu.Lock()
	if u.createdAt.IsZero() {
		u.createdAt = now
	}
	u.count++
	u.sum += tx.Amount
	u.sumSquares += tx.Amount * tx.Amount
	u.txTimes = appendEvict(u.txTimes, now, now.Add(-velocityWindow1d))
	if tx.Amount > highValueAmount {
		u.highValueTimes = appendEvict(u.highValueTimes, now, now.Add(-velocityWindow1d))
	}
	if tx.Location != "" {
		u.locationCounts[tx.Location]++
		u.lastLocation = tx.Location
	}
	u.lastTxAt = now
	u.mu.Unlock()

	if tx.DeviceID == "" {
		return
	}
	d := r.deviceFor(tx.DeviceID)
	d.mu.Lock()
	d.reuse++
	d.users[tx.UserID] = true
	d.txTimes = appendEvict(d.txTimes, now, now.Add(-velocityWindow1h))
	d.mu.Unlock()
}

// RecordAuthFailure counts a failed authentication against the user,
// feeding the failed-logins-15m feature.
func (r *Registry) RecordAuthFailure(userID string, now time.Time) {
	u := r.userFor(userID)
	u.mu.Lock()
	u.failedLogins = appendEvict(u.failedLogins, now, now.Add(-failedLoginWindow))
	u.mu.Unlock()
}

// SeedUser installs a user history baseline, used at startup to load
// known-user profiles and in tests.
func (r *Registry) SeedUser(userID string, createdAt time.Time, meanSpend, stdSpend float64, count int, modeLocation string) {
	u := r.userFor(userID)
	u.mu.Lock()
	defer u.mu.Unlock()
	u.createdAt = createdAt
	u.count = count
	u.sum = meanSpend * float64(count)
	if count > 1 {
		u.sumSquares = u.sum*meanSpend + stdSpend*stdSpend*float64(count-1)
	}
	if modeLocation != "" {
		u.locationCounts[modeLocation] = count
		u.lastLocation = modeLocation
	}
}

// SeedDevice registers a device as known for a user.
func (r *Registry) SeedDevice(deviceID, userID string, reuse int) {
	d := r.deviceFor(deviceID)
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reuse = reuse
	d.users[userID] = true
}

func countSince(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, t := range times {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}

func appendEvict(times []time.Time, now, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return append(kept, now)
}
