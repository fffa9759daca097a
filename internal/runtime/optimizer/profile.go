package optimizer

import "sync"

// ProfileSnapshot is the derived per-user routing bias.
type ProfileSnapshot struct {
	UserID             string     `json:"userId"`
	DominantComplexity Complexity `json:"dominantComplexity"`
	Preference         Hint       `json:"preference"`
	Interactions       int        `json:"interactions"`
}

// profileStore keeps a rolling window of recent complexity classes per user
// and derives a priority preference from them. The user set is bounded; the
// oldest-seen user is dropped when the bound is hit.
type profileStore struct {
	window   int
	maxUsers int

	mu      sync.Mutex
	history map[string][]Complexity
	order   []string
}

func newProfileStore(window, maxUsers int) *profileStore {
	if window <= 0 {
		window = 20
	}
	if maxUsers <= 0 {
		maxUsers = 10000
	}
	return &profileStore{
		window:   window,
		maxUsers: maxUsers,
		history:  make(map[string][]Complexity),
	}
}

// Record appends one interaction to the user's rolling window.
func (p *profileStore) Record(userID string, c Complexity) {
	if userID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	window, known := p.history[userID]
	if !known {
		if len(p.order) >= p.maxUsers && len(p.order) > 0 {
			oldest := p.order[0]
			p.order = p.order[1:]
			delete(p.history, oldest)
		}
		p.order = append(p.order, userID)
	}
	window = append(window, c)
	if len(window) > p.window {
		window = window[len(window)-p.window:]
	}
	p.history[userID] = window
}

// Snapshot derives the user's dominant complexity class and preference.
// Users who mostly ask simple questions bias toward speed; complex and
// creative usage biases toward quality; everything else is balanced.
func (p *profileStore) Snapshot(userID string) ProfileSnapshot {
	p.mu.Lock()
	window := p.history[userID]
	counts := make(map[Complexity]int, 4)
	for _, c := range window {
		counts[c]++
	}
	total := len(window)
	p.mu.Unlock()

	snap := ProfileSnapshot{UserID: userID, Preference: HintBalanced, DominantComplexity: ComplexitySimple, Interactions: total}
	if total == 0 {
		return snap
	}
	best := 0
	for _, c := range []Complexity{ComplexitySimple, ComplexityModerate, ComplexityComplex, ComplexityCreative} {
		if counts[c] > best {
			best = counts[c]
			snap.DominantComplexity = c
		}
	}
	switch {
	case counts[ComplexitySimple]*2 > total:
		snap.Preference = HintSpeed
	case (counts[ComplexityComplex]+counts[ComplexityCreative])*2 > total:
		snap.Preference = HintQuality
	}
	return snap
}
