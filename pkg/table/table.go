package table

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/attrmesh/pkg/log"
	"github.com/cuemby/attrmesh/pkg/types"
)

// Entry is the authoritative local view of one attribute. Entries are
// created lazily on first reference and live until process shutdown; a
// delete is a value transition to nil, not entry removal, so later updates
// still find the dampening and section metadata.
type Entry struct {
	Name string

	// StoreKey is the opaque identifier used when updating the shared
	// store. Set once, on the first request that carries one.
	StoreKey string

	SetName string
	Section string

	// Desired is the value this node wants recorded; nil means delete.
	Desired *string

	// Confirmed is the last value known to be durably written, nil if
	// never confirmed or confirmed deleted.
	Confirmed *string

	Dampen    time.Duration
	Principal string
}

// DesiredEquals reports whether the desired value equals v.
func (e *Entry) DesiredEquals(v *string) bool {
	return equal(e.Desired, v)
}

// ConfirmedEquals reports whether the confirmed value equals v.
func (e *Entry) ConfirmedEquals(v *string) bool {
	return equal(e.Confirmed, v)
}

func equal(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// Table maps attribute names to entries. It is not safe for concurrent
// use; the engine accesses it only from its event loop goroutine.
type Table struct {
	entries map[string]*Entry
	logger  zerolog.Logger
}

// New creates an empty attribute table.
func New() *Table {
	return &Table{
		entries: make(map[string]*Entry),
		logger:  log.WithComponent("table"),
	}
}

// FindOrCreate returns the entry for name, creating it with default
// metadata (status section, no dampening) if absent.
func (t *Table) FindOrCreate(name string) *Entry {
	e, ok := t.entries[name]
	if !ok {
		t.logger.Info().Str("attribute", name).Msg("creating entry")
		e = &Entry{
			Name:    name,
			Section: types.SectionStatus,
		}
		t.entries[name] = e
	}
	return e
}

// Get returns the entry for name if it exists.
func (t *Table) Get(name string) (*Entry, bool) {
	e, ok := t.entries[name]
	return e, ok
}

// ForEach visits every entry. The visitor must not add or remove entries.
func (t *Table) ForEach(fn func(*Entry)) {
	for _, e := range t.entries {
		fn(e)
	}
}

// Len returns the number of entries.
func (t *Table) Len() int {
	return len(t.entries)
}

// ApplyMetadata overwrites the entry's grouping and dampening metadata
// from the latest request, last-request-wins. Metadata changes take effect
// immediately even while a debounce timer is pending; only the value write
// itself is delayed.
func (t *Table) ApplyMetadata(e *Entry, req *types.Request) {
	if req.SetName != "" {
		e.SetName = req.SetName
	}

	if req.Section != "" {
		e.Section = req.Section
	} else {
		e.Section = types.SectionStatus
	}

	if req.Dampen != "" {
		d, err := types.ParseDampen(req.Dampen)
		if err != nil {
			t.logger.Warn().
				Str("attribute", e.Name).
				Str("dampen", req.Dampen).
				Msg("ignoring invalid dampening interval")
		} else {
			e.Dampen = d
		}
	}

	// Principal is replaced on every request, cleared when absent
	e.Principal = req.Principal

	if e.StoreKey == "" && req.EntryKey != "" {
		e.StoreKey = req.EntryKey
	}
}
