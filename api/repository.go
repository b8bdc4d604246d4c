package handler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultMaxCallLogs is how many call logs the document keeps.
const DefaultMaxCallLogs = 50

var (
	ErrTenantNotFound = errors.New("tenant not found")
	ErrInvalidTenant  = errors.New("invalid tenant payload")
)

// Repository runs every read-modify-write against the Store under one lock,
// so requests inside this process cannot lose each other's updates.
type Repository struct {
	store   Store
	mu      sync.Mutex
	maxLogs int
	now     func() time.Time
}

// NewRepository wraps store. maxLogs <= 0 selects DefaultMaxCallLogs.
func NewRepository(store Store, maxLogs int) *Repository {
	if maxLogs <= 0 {
		maxLogs = DefaultMaxCallLogs
	}
	return &Repository{
		store:   store,
		maxLogs: maxLogs,
		now:     time.Now,
	}
}

func (r *Repository) read(ctx context.Context) (*Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Load(ctx)
}

// mutate loads the document, applies fn and saves the result. When fn returns
// an error nothing is written.
func (r *Repository) mutate(ctx context.Context, fn func(doc *Document) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, err := r.store.Load(ctx)
	if err != nil {
		return err
	}
	if err := fn(doc); err != nil {
		return err
	}
	if err := r.store.Save(ctx, doc); err != nil {
		return fmt.Errorf("save document: %w", err)
	}
	return nil
}

// ListTenants returns tenants in insertion order.
func (r *Repository) ListTenants(ctx context.Context) ([]Tenant, error) {
	doc, err := r.read(ctx)
	if err != nil {
		return nil, err
	}
	return doc.Clients, nil
}

// CreateTenant appends t with a freshly generated id. Any id on t is ignored.
func (r *Repository) CreateTenant(ctx context.Context, t Tenant) (Tenant, error) {
	err := r.mutate(ctx, func(doc *Document) error {
		t.ID = r.nextTenantID(doc)
		doc.Clients = append(doc.Clients, t)
		return nil
	})
	if err != nil {
		return Tenant{}, err
	}
	return t, nil
}

// nextTenantID uses the current Unix millisecond time, moved past the largest
// existing id when two creates land in the same millisecond.
func (r *Repository) nextTenantID(doc *Document) int64 {
	id := r.now().UnixMilli()
	for _, c := range doc.Clients {
		if c.ID >= id {
			id = c.ID + 1
		}
	}
	return id
}

// UpdateTenant decodes patch over the stored tenant, so fields missing from
// patch keep their values. The id never changes.
func (r *Repository) UpdateTenant(ctx context.Context, id int64, patch []byte) (Tenant, error) {
	var updated Tenant
	err := r.mutate(ctx, func(doc *Document) error {
		for i := range doc.Clients {
			if doc.Clients[i].ID != id {
				continue
			}
			t := doc.Clients[i]
			if err := decodeTenant(patch, &t); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidTenant, err)
			}
			t.ID = id
			doc.Clients[i] = t
			updated = t
			return nil
		}
		return ErrTenantNotFound
	})
	if err != nil {
		return Tenant{}, err
	}
	return updated, nil
}

// DeleteTenant removes the tenant with id.
func (r *Repository) DeleteTenant(ctx context.Context, id int64) error {
	return r.mutate(ctx, func(doc *Document) error {
		kept := doc.Clients[:0]
		for _, c := range doc.Clients {
			if c.ID != id {
				kept = append(kept, c)
			}
		}
		if len(kept) == len(doc.Clients) {
			return ErrTenantNotFound
		}
		doc.Clients = kept
		return nil
	})
}

// FindTenantByAgent returns the first tenant, in insertion order, whose
// retell_agent_id equals agentID.
func (r *Repository) FindTenantByAgent(ctx context.Context, agentID string) (Tenant, error) {
	doc, err := r.read(ctx)
	if err != nil {
		return Tenant{}, err
	}
	if t, ok := tenantByAgent(doc, agentID); ok {
		return t, nil
	}
	return Tenant{}, ErrTenantNotFound
}

func tenantByAgent(doc *Document, agentID string) (Tenant, bool) {
	if agentID == "" {
		return Tenant{}, false
	}
	for _, c := range doc.Clients {
		if c.RetellAgentID == agentID {
			return c, true
		}
	}
	return Tenant{}, false
}

// ListLogs returns call logs, newest first.
func (r *Repository) ListLogs(ctx context.Context) ([]CallLog, error) {
	doc, err := r.read(ctx)
	if err != nil {
		return nil, err
	}
	return doc.Logs, nil
}

// FindLog returns the call log for callID.
func (r *Repository) FindLog(ctx context.Context, callID string) (CallLog, bool, error) {
	doc, err := r.read(ctx)
	if err != nil {
		return CallLog{}, false, err
	}
	for _, l := range doc.Logs {
		if l.CallID == callID {
			return l, true, nil
		}
	}
	return CallLog{}, false, nil
}

// RecordCall resolves the tenant name for entry.AgentID, then replaces the log
// with the same call id in place or prepends a new one, and trims the
// collection to the newest maxLogs entries. A booking already recorded for the
// call is kept.
func (r *Repository) RecordCall(ctx context.Context, entry CallLog) (CallLog, error) {
	err := r.mutate(ctx, func(doc *Document) error {
		entry.ClientName = UnknownClientName
		if t, ok := tenantByAgent(doc, entry.AgentID); ok {
			entry.ClientName = t.Name
		}
		if entry.Timestamp.IsZero() {
			entry.Timestamp = r.now().UTC()
		}

		replaced := false
		for i := range doc.Logs {
			if doc.Logs[i].CallID != entry.CallID {
				continue
			}
			// A lifecycle event that arrives after /retell-booking (call_analyzed
			// usually does) must not unmark the booking it made.
			if doc.Logs[i].Booked {
				entry.Booked = true
				entry.CalBookingID = doc.Logs[i].CalBookingID
			}
			doc.Logs[i] = entry
			replaced = true
			break
		}
		if !replaced {
			doc.Logs = append([]CallLog{entry}, doc.Logs...)
		}
		if len(doc.Logs) > r.maxLogs {
			doc.Logs = doc.Logs[:r.maxLogs]
		}
		return nil
	})
	if err != nil {
		return CallLog{}, err
	}
	return entry, nil
}

// MarkBooked flags the log for callID as booked. It reports whether a log was
// found.
func (r *Repository) MarkBooked(ctx context.Context, callID, bookingID string) (bool, error) {
	found := false
	err := r.mutate(ctx, func(doc *Document) error {
		for i := range doc.Logs {
			if doc.Logs[i].CallID == callID {
				doc.Logs[i].Booked = true
				doc.Logs[i].CalBookingID = BookingRef(bookingID)
				found = true
				return nil
			}
		}
		return errNoChange
	})
	if errors.Is(err, errNoChange) {
		return false, nil
	}
	return found, err
}

// errNoChange aborts a mutate without saving.
var errNoChange = errors.New("no change")
