// Package schedule fires recurring messages into conversations. Cron
// expressions live in the schedules table; the runner keeps every
// enabled row registered and hands firings to a trigger handler.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/parleyhq/parley/internal/db"
	"github.com/parleyhq/parley/internal/logging"
)

// Trigger carries everything the session layer needs to turn a firing
// into a conversation turn.
type Trigger struct {
	ScheduleID     string
	UserID         string
	Name           string
	Message        string
	AgentID        string
	ConversationID string
	FiredAt        time.Time
}

// Scheduler runs persisted schedules on a shared cron instance.
type Scheduler struct {
	store *db.Store
	cron  *cronlib.Cron

	mu      sync.RWMutex
	entries map[string]cronlib.EntryID // schedule id -> cron entry
	handler func(Trigger)
}

// New returns a stopped scheduler. Call Start once the handler is set.
func New(store *db.Store) *Scheduler {
	return &Scheduler{
		store:   store,
		cron:    cronlib.New(),
		entries: make(map[string]cronlib.EntryID),
	}
}

// ValidateExpression checks a standard 5-field cron expression or
// descriptor (@hourly, @daily, ...).
func ValidateExpression(expr string) error {
	_, err := cronlib.ParseStandard(expr)
	return err
}

// SetHandler registers the callback invoked on every firing.
func (s *Scheduler) SetHandler(fn func(Trigger)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = fn
}

// Start loads every enabled schedule and starts the cron runner. Rows
// with expressions that no longer parse are skipped, not fatal.
func (s *Scheduler) Start(ctx context.Context) error {
	items, err := s.store.ListEnabledSchedules(ctx)
	if err != nil {
		return err
	}
	for i := range items {
		if err := s.register(&items[i]); err != nil {
			logging.Errorf("schedule: skipping %s: %v", items[i].ID, err)
		}
	}
	s.cron.Start()
	return nil
}

// Close stops the cron runner. Pending firings finish.
func (s *Scheduler) Close() error {
	<-s.cron.Stop().Done()
	return nil
}

// Create validates, persists, and registers a new schedule.
func (s *Scheduler) Create(ctx context.Context, item *db.Schedule) error {
	if item.Message == "" {
		return fmt.Errorf("message is required")
	}
	if err := ValidateExpression(item.Expression); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", item.Expression, err)
	}
	if err := s.store.CreateSchedule(ctx, item); err != nil {
		return err
	}
	if item.Enabled {
		if err := s.register(item); err != nil {
			return err
		}
	}
	return nil
}

// Update rewrites a schedule and re-registers it under the new
// expression.
func (s *Scheduler) Update(ctx context.Context, item *db.Schedule) error {
	if err := ValidateExpression(item.Expression); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", item.Expression, err)
	}
	if err := s.store.UpdateSchedule(ctx, item); err != nil {
		return err
	}
	s.unregister(item.ID)
	if item.Enabled {
		return s.register(item)
	}
	return nil
}

// SetEnabled toggles a schedule on or off.
func (s *Scheduler) SetEnabled(ctx context.Context, id string, enabled bool) error {
	if err := s.store.SetScheduleEnabled(ctx, id, enabled); err != nil {
		return err
	}
	if !enabled {
		s.unregister(id)
		return nil
	}
	item, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	return s.register(item)
}

// Delete removes a schedule and its cron entry.
func (s *Scheduler) Delete(ctx context.Context, id string) error {
	s.unregister(id)
	return s.store.DeleteSchedule(ctx, id)
}

// Trigger fires a schedule immediately, outside its cron cadence.
func (s *Scheduler) Trigger(ctx context.Context, id string) error {
	item, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return err
	}
	s.dispatch(ctx, item)
	return nil
}

func (s *Scheduler) register(item *db.Schedule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.entries[item.ID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, item.ID)
	}

	id := item.ID
	entryID, err := s.cron.AddFunc(item.Expression, func() {
		s.fire(id)
	})
	if err != nil {
		return err
	}
	s.entries[id] = entryID
	return nil
}

func (s *Scheduler) unregister(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.entries[id]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, id)
	}
}

// fire re-reads the row so a delete or disable that raced the timer is
// honored.
func (s *Scheduler) fire(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	item, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		logging.Errorf("schedule: firing %s: %v", id, err)
		s.unregister(id)
		return
	}
	if !item.Enabled {
		s.unregister(id)
		return
	}
	s.dispatch(ctx, item)
}

func (s *Scheduler) dispatch(ctx context.Context, item *db.Schedule) {
	s.mu.RLock()
	handler := s.handler
	s.mu.RUnlock()

	firedAt := time.Now().UTC()
	if handler != nil {
		handler(Trigger{
			ScheduleID:     item.ID,
			UserID:         item.UserID,
			Name:           item.Name,
			Message:        item.Message,
			AgentID:        item.AgentID,
			ConversationID: item.ConversationID,
			FiredAt:        firedAt,
		})
	}

	if err := s.store.MarkScheduleRun(ctx, item.ID, firedAt); err != nil {
		logging.Errorf("schedule: recording run for %s: %v", item.ID, err)
	}
}
