package download

import (
	"sync"

	"github.com/google/uuid"
)

// Registry tracks in-flight downloads by id and GUID. Every mutation goes
// through Update so delayed tasks (verdict arrival, warning timers,
// completion waiters) can tolerate the record disappearing between
// scheduling and firing: a miss is a silent no-op for callers.
type Registry struct {
	mu     sync.RWMutex
	byID   map[uint32]*Record
	byGUID map[string]*Record
}

func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[uint32]*Record),
		byGUID: make(map[string]*Record),
	}
}

// Add registers a record, assigning a GUID if the host supplied none.
func (r *Registry) Add(rec *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec.GUID == "" {
		rec.GUID = uuid.New().String()
	}

	r.byID[rec.ID] = rec
	r.byGUID[rec.GUID] = rec
}

// Get returns a copy of the record for id.
func (r *Registry) Get(id uint32) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.byID[id]
	if !ok {
		return Record{}, false
	}

	return *rec, true
}

// GetByGUID returns a copy of the record for guid. Used by delayed tasks
// that must survive a process restart re-lookup.
func (r *Registry) GetByGUID(guid string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.byGUID[guid]
	if !ok {
		return Record{}, false
	}

	return *rec, true
}

// Update mutates the record for id under the registry lock and returns a
// copy of the result. Returns false on a lookup miss.
func (r *Registry) Update(id uint32, fn func(*Record)) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[id]
	if !ok {
		return Record{}, false
	}

	fn(rec)

	return *rec, true
}

// UpdateByGUID is Update keyed by GUID.
func (r *Registry) UpdateByGUID(guid string, fn func(*Record)) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byGUID[guid]
	if !ok {
		return Record{}, false
	}

	fn(rec)

	return *rec, true
}

// Remove drops the record; subsequent lookups miss.
func (r *Registry) Remove(id uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.byID[id]
	if !ok {
		return
	}

	delete(r.byID, id)
	delete(r.byGUID, rec.GUID)
}

// All returns copies of every tracked record.
func (r *Registry) All() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := make([]Record, 0, len(r.byID))
	for _, rec := range r.byID {
		records = append(records, *rec)
	}

	return records
}
