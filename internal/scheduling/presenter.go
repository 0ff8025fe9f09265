package scheduling

import (
	"errors"
	"regexp"
	"sort"
	"strings"
	"time"
)

// MaxOffered is the most slots surfaced in a single turn.
const MaxOffered = 2

var (
	// ErrSlotNotFound is returned when a selection matches no slot.
	ErrSlotNotFound = errors.New("scheduling: slot not found")
	// ErrSlotUnavailable is returned when the selected slot is already booked.
	ErrSlotUnavailable = errors.New("scheduling: slot unavailable")
	// ErrAmbiguousSlot is returned when a selection matches several open slots.
	ErrAmbiguousSlot = errors.New("scheduling: selection matches more than one slot")
	// ErrNoSelection is returned when booking is attempted without a selected slot.
	ErrNoSelection = errors.New("scheduling: no slot selected")
)

// Offer is one turn's worth of options.
type Offer struct {
	Slots []Slot `json:"slots"`
	// ExactMatch is false when the preference matched nothing and the slots
	// are the earliest available instead.
	ExactMatch bool `json:"exact_match"`
}

// SlotRef identifies a slot the caller picked, by ID or by provider and time.
type SlotRef struct {
	ID     string `json:"slot_id,omitempty"`
	Doctor string `json:"doctor,omitempty"`
	Time   string `json:"time,omitempty"`
}

// Presenter walks the static slot table for one call. It is not safe for
// concurrent use.
type Presenter struct {
	slots  []Slot
	now    func() time.Time
	booked map[string]bool
	shown  map[string]map[string]bool

	pending *Slot
	// unconfirmed is a slot whose confirmation email failed. It stays
	// withheld only while it remains the pending selection.
	unconfirmed string
}

// NewPresenter returns a presenter over slots. now supplies the clinic's
// local time and may be nil.
func NewPresenter(slots []Slot, now func() time.Time) *Presenter {
	if now == nil {
		now = time.Now
	}
	cp := make([]Slot, len(slots))
	copy(cp, slots)
	return &Presenter{
		slots:  cp,
		now:    now,
		booked: make(map[string]bool),
		shown:  make(map[string]map[string]bool),
	}
}

// Offer returns at most MaxOffered unbooked slots matching pref, nearest day
// first. Asking again with the same preference moves on to slots not yet
// offered, starting over once every match has been shown.
func (p *Presenter) Offer(pref string) Offer {
	now := p.now()
	available := p.available(now)

	filter := parsePreference(pref)
	matched := make([]Slot, 0, len(available))
	for _, s := range available {
		if filter.matches(s, now) {
			matched = append(matched, s)
		}
	}
	exact := true
	key := filter.key()
	if len(matched) == 0 {
		matched = available
		exact = false
		key = parsePreference("").key()
	}

	seen := p.shown[key]
	if seen == nil {
		seen = make(map[string]bool)
		p.shown[key] = seen
	}
	fresh := make([]Slot, 0, len(matched))
	for _, s := range matched {
		if !seen[s.ID] {
			fresh = append(fresh, s)
		}
	}
	if len(fresh) == 0 {
		for id := range seen {
			delete(seen, id)
		}
		fresh = matched
	}

	n := MaxOffered
	if len(fresh) < n {
		n = len(fresh)
	}
	out := make([]Slot, n)
	copy(out, fresh[:n])
	for _, s := range out {
		seen[s.ID] = true
	}
	return Offer{Slots: out, ExactMatch: exact}
}

// Remaining counts unbooked slots.
func (p *Presenter) Remaining() int {
	return len(p.available(p.now()))
}

func (p *Presenter) available(now time.Time) []Slot {
	out := make([]Slot, 0, len(p.slots))
	for _, s := range p.slots {
		if !p.booked[s.ID] {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		di, dj := dayOffset(out[i].Day, now), dayOffset(out[j].Day, now)
		if di != dj {
			return di < dj
		}
		return out[i].minuteOfDay() < out[j].minuteOfDay()
	})
	return out
}

// Select records the caller's pick as the pending selection. Nothing is
// booked until Booker.Book runs.
func (p *Presenter) Select(ref SlotRef) (Slot, error) {
	slot, err := p.find(ref)
	if err != nil {
		return Slot{}, err
	}
	if p.booked[slot.ID] && slot.ID != p.unconfirmed {
		return Slot{}, ErrSlotUnavailable
	}
	if slot.ID != p.unconfirmed {
		p.release()
	}
	p.pending = &slot
	return slot, nil
}

// Pending returns the selected slot awaiting confirmation.
func (p *Presenter) Pending() (Slot, bool) {
	if p.pending == nil {
		return Slot{}, false
	}
	return *p.pending, true
}

// ClearSelection drops the pending selection after the caller declines it.
// A slot held by a failed confirmation goes back on offer.
func (p *Presenter) ClearSelection() {
	p.release()
	p.pending = nil
}

func (p *Presenter) release() {
	if p.unconfirmed != "" {
		delete(p.booked, p.unconfirmed)
		p.unconfirmed = ""
	}
}

// IsBooked reports whether a slot has been consumed in this call.
func (p *Presenter) IsBooked(id string) bool {
	return p.booked[id]
}

func (p *Presenter) markBooked(id string) {
	p.booked[id] = true
}

// markUnconfirmed records that id was withheld but its confirmation failed.
func (p *Presenter) markUnconfirmed(id string) {
	p.unconfirmed = id
}

// confirm makes the pending slot's booking final.
func (p *Presenter) confirm() {
	p.unconfirmed = ""
	p.pending = nil
}

var nonWord = regexp.MustCompile(`[^a-z0-9: ]+`)

func normalizeRef(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "a.m.", "am")
	s = strings.ReplaceAll(s, "p.m.", "pm")
	s = nonWord.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(s), " ")
}

func (p *Presenter) find(ref SlotRef) (Slot, error) {
	if id := strings.TrimSpace(ref.ID); id != "" {
		for _, s := range p.slots {
			if s.ID == id {
				return s, nil
			}
		}
		return Slot{}, ErrSlotNotFound
	}

	doctor := normalizeRef(ref.Doctor)
	when := normalizeRef(ref.Time)
	if doctor == "" && when == "" {
		return Slot{}, ErrSlotNotFound
	}
	now := p.now()

	var open []Slot
	var taken bool
	for _, s := range p.slots {
		if doctor != "" && !providerMatches(s.Provider, doctor) {
			continue
		}
		if when != "" && !timeMatches(s, when, now) {
			continue
		}
		if p.booked[s.ID] {
			taken = true
			continue
		}
		open = append(open, s)
	}
	switch {
	case len(open) == 1:
		return open[0], nil
	case len(open) > 1:
		return Slot{}, ErrAmbiguousSlot
	case taken:
		return Slot{}, ErrSlotUnavailable
	}
	return Slot{}, ErrSlotNotFound
}

func providerMatches(provider, ref string) bool {
	name := normalizeRef(provider)
	for _, tok := range strings.Fields(ref) {
		if tok == "dr" || tok == "doctor" || len(tok) < 3 {
			continue
		}
		if strings.Contains(name, tok) {
			return true
		}
	}
	return false
}

func timeMatches(s Slot, ref string, now time.Time) bool {
	slotTime := normalizeRef(s.Time)
	padded := " " + ref + " "
	if strings.ContainsAny(ref, "0123456789") &&
		!strings.Contains(padded, " "+slotTime+" ") &&
		!strings.Contains(padded, " "+strings.ReplaceAll(slotTime, " ", "")+" ") {
		return false
	}
	for _, tok := range strings.Fields(ref) {
		day := tok
		if wd, ok := parseWeekday(tok); ok {
			day = wd.String()
		} else if tok != "today" && tok != "tomorrow" {
			continue
		}
		if dayOffset(day, now) != dayOffset(s.Day, now) {
			return false
		}
	}
	return true
}
