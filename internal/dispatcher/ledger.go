package dispatcher

import (
	"sync"
)

// Ledger tracks the campaign-to-message association the schema deliberately
// lacks: Message carries no campaign foreign key, so the dispatcher records
// which message ids each campaign produced, alongside progress counters.
type Ledger struct {
	mu        sync.Mutex
	campaigns map[uint]*ledgerEntry
}

type ledgerEntry struct {
	messageIDs []uint
	byPhone    map[string]uint // recipient phone -> message id

	total     int  // send tasks created
	resolved  int  // send attempts that finished (sent or failed)
	permanent int  // permanent failures among resolved
	sealed    bool // enqueue loop finished; total is final
	cancelled bool
}

// Progress is a snapshot of one campaign's dispatch counters.
type Progress struct {
	Total     int
	Resolved  int
	Permanent int
	Sealed    bool
	Cancelled bool
}

func NewLedger() *Ledger {
	return &Ledger{campaigns: make(map[uint]*ledgerEntry)}
}

func (l *Ledger) entry(campaignID uint) *ledgerEntry {
	e, ok := l.campaigns[campaignID]
	if !ok {
		e = &ledgerEntry{byPhone: make(map[string]uint)}
		l.campaigns[campaignID] = e
	}
	return e
}

// Open ensures a ledger entry exists before dispatch begins.
func (l *Ledger) Open(campaignID uint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entry(campaignID)
}

// Record books one created message for a campaign recipient.
func (l *Ledger) Record(campaignID uint, phone string, messageID uint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entry(campaignID)
	e.messageIDs = append(e.messageIDs, messageID)
	e.byPhone[phone] = messageID
	e.total++
}

// Has reports whether the campaign already created a message for the phone.
func (l *Ledger) Has(campaignID uint, phone string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.entry(campaignID).byPhone[phone]
	return ok
}

// Forget drops a phone's claim after a failed send so a later re-dispatch
// may create a fresh message for the recipient. The failed message id stays
// recorded.
func (l *Ledger) Forget(campaignID uint, phone string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entry(campaignID).byPhone, phone)
}

// Seal marks the enqueue loop finished; completion may now be decided. It
// returns the current progress.
func (l *Ledger) Seal(campaignID uint) Progress {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entry(campaignID)
	e.sealed = true
	return progressOf(e)
}

// NoteResult books one finished send attempt and returns updated progress.
func (l *Ledger) NoteResult(campaignID uint, permanent bool) Progress {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entry(campaignID)
	e.resolved++
	if permanent {
		e.permanent++
	}
	return progressOf(e)
}

// Cancel flags the campaign so the enqueue loop stops creating tasks.
// In-flight tasks are left to finish.
func (l *Ledger) Cancel(campaignID uint) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entry(campaignID).cancelled = true
}

// Cancelled reports the cancel flag.
func (l *Ledger) Cancelled(campaignID uint) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.entry(campaignID).cancelled
}

// MessageIDs returns the ids recorded for a campaign, in dispatch order.
func (l *Ledger) MessageIDs(campaignID uint) []uint {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entry(campaignID)
	out := make([]uint, len(e.messageIDs))
	copy(out, e.messageIDs)
	return out
}

// Progress returns a snapshot of the campaign counters.
func (l *Ledger) Progress(campaignID uint) Progress {
	l.mu.Lock()
	defer l.mu.Unlock()
	return progressOf(l.entry(campaignID))
}

func progressOf(e *ledgerEntry) Progress {
	return Progress{
		Total:     e.total,
		Resolved:  e.resolved,
		Permanent: e.permanent,
		Sealed:    e.sealed,
		Cancelled: e.cancelled,
	}
}

// Done reports whether every created message's send attempt has resolved.
func (p Progress) Done() bool {
	return p.Sealed && p.Resolved >= p.Total
}
