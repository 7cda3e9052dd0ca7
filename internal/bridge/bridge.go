// Package bridge maps server-side job and sub-item identifiers onto local
// view-model entity ids. A Bridge is not safe for concurrent use; it is owned
// by the session manager's event loop.
package bridge

// Bridge holds the job and sub-item lookup tables.
type Bridge struct {
	jobs   map[string]string
	items  map[string]string
	owners map[string]string
}

// New returns an empty Bridge.
func New() *Bridge {
	return &Bridge{
		jobs:   make(map[string]string),
		items:  make(map[string]string),
		owners: make(map[string]string),
	}
}

// BindJob maps jobID to entityID, replacing any earlier mapping.
func (b *Bridge) BindJob(jobID, entityID string) {
	b.jobs[jobID] = entityID
}

// JobEntity returns the entity bound to jobID.
func (b *Bridge) JobEntity(jobID string) (string, bool) {
	id, ok := b.jobs[jobID]
	return id, ok
}

// RegisterItem maps a sub-item to an entity ahead of any event naming it.
// Registering the same pair twice is a no-op. Until an event names the item
// it belongs to whichever job is bound to the same entity, and is forgotten
// with that job.
func (b *Bridge) RegisterItem(itemID, entityID string) {
	b.items[itemID] = entityID
}

// UnregisterItem drops a sub-item mapping.
func (b *Bridge) UnregisterItem(itemID string) {
	delete(b.items, itemID)
	delete(b.owners, itemID)
}

// ItemEntity returns the entity a sub-item is mapped to.
func (b *Bridge) ItemEntity(itemID string) (string, bool) {
	id, ok := b.items[itemID]
	return id, ok
}

// Resolve picks the entity an event from jobID about itemID applies to. A
// known sub-item mapping wins over the job mapping. The first time an item is
// seen on a job it is recorded as owned by that job, and an item id with no
// mapping yet is learned against the job's entity, so both are forgotten
// together with the job.
func (b *Bridge) Resolve(jobID, itemID string) (string, bool) {
	if itemID != "" {
		if id, ok := b.items[itemID]; ok {
			if _, owned := b.owners[itemID]; !owned {
				b.owners[itemID] = jobID
			}
			return id, true
		}
	}
	id, ok := b.jobs[jobID]
	if !ok {
		return "", false
	}
	if itemID != "" {
		b.items[itemID] = id
		b.owners[itemID] = jobID
	}
	return id, true
}

// ForgetJob removes the job mapping, every sub-item owned by the job, and
// every never-claimed sub-item registered for the job's entity.
func (b *Bridge) ForgetJob(jobID string) {
	entityID, bound := b.jobs[jobID]
	delete(b.jobs, jobID)
	for itemID, owner := range b.owners {
		if owner != jobID {
			continue
		}
		delete(b.owners, itemID)
		delete(b.items, itemID)
	}
	if !bound {
		return
	}
	for itemID, id := range b.items {
		if _, owned := b.owners[itemID]; owned || id != entityID {
			continue
		}
		delete(b.items, itemID)
	}
}

// Reset clears every table.
func (b *Bridge) Reset() {
	clear(b.jobs)
	clear(b.items)
	clear(b.owners)
}

// Len reports the number of job and sub-item mappings.
func (b *Bridge) Len() (jobs, items int) {
	return len(b.jobs), len(b.items)
}
