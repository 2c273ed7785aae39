package syncer

import (
	"log"
	"sync"
	"time"

	"github.com/usetempo/tempod/store"
	"github.com/usetempo/tempod/utils"
)

const lastSweepMetaKey = "last_sweep_at"

// Scheduler runs the background sync loop: drain due retry-queue items, then
// sweep every tracked status for staleness. One cycle per tick, plus an
// immediate cycle whenever the companion app comes to the foreground.
type Scheduler struct {
	syncer *Syncer
	store  *store.SyncStore
	hub    *utils.WebSocketHub
	tick   time.Duration

	mu         sync.Mutex
	isRunning  bool
	stopChan   chan struct{}
	foreground chan struct{}

	now func() time.Time
}

func NewScheduler(syncer *Syncer, st *store.SyncStore, hub *utils.WebSocketHub, tick time.Duration) *Scheduler {
	if tick <= 0 {
		tick = 5 * time.Minute
	}
	return &Scheduler{
		syncer:     syncer,
		store:      st,
		hub:        hub,
		tick:       tick,
		foreground: make(chan struct{}, 1),
		now:        time.Now,
	}
}

// Start launches the background loop. Safe to call once.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.isRunning {
		return
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})
	go s.run()
	log.Printf("SCHED: started, tick interval %s", s.tick)
}

// Stop shuts the loop down.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isRunning {
		return
	}
	s.isRunning = false
	close(s.stopChan)
	log.Println("SCHED: stopped")
}

// NotifyForeground requests an immediate cycle, coalescing with any already
// pending request.
func (s *Scheduler) NotifyForeground() {
	select {
	case s.foreground <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-ticker.C:
			s.runCycle()
		case <-s.foreground:
			log.Println("SCHED: foreground trigger")
			s.runCycle()
		}
	}
}

// runCycle is one pass of the background loop: due retries first, then the
// staleness sweep. Everything inside is sequential; there is one link.
func (s *Scheduler) runCycle() {
	s.drainDue()
	s.sweep()

	if err := s.store.SetMeta(lastSweepMetaKey, s.now().UTC().Format(time.RFC3339)); err != nil {
		log.Printf("SCHED: failed to record sweep time: %v", err)
	}
	if s.hub != nil {
		s.hub.Broadcast(utils.WebSocketEvent{Type: utils.EventSchedulerSweep})
	}
}

// drainDue processes every retry item whose time has come. Items are removed
// after processing regardless of outcome; a failed attempt re-enters the
// queue through the orchestrator's own backoff scheduling.
func (s *Scheduler) drainDue() {
	items, err := s.store.DueItems(s.now())
	if err != nil {
		log.Printf("SCHED: failed to load due retries: %v", err)
		return
	}
	if len(items) == 0 {
		return
	}

	log.Printf("SCHED: processing %d due retry items", len(items))
	for _, item := range items {
		s.syncer.SyncDeviceEvents(item.ProfileID, item.PeripheralID)
		if err := s.store.RemoveItem(item.ID); err != nil {
			log.Printf("SCHED: failed to remove retry item %d: %v", item.ID, err)
		}
	}
}

// sweep re-checks every tracked status and attempts delivery for the stale
// ones. Catches anything the retry queue lost, and ordinary staleness.
func (s *Scheduler) sweep() {
	for _, st := range s.store.All() {
		if !s.syncer.IsSyncNeeded(st) {
			continue
		}
		s.syncer.SyncDeviceEvents(st.ProfileID, st.PeripheralID)
	}
}
