package state

// Journal is an undo log. Every mutation of the pool state pushes the
// closure that restores the previous value; Revert replays them newest
// first. A nil *Journal records nothing, which is how replay and restore
// paths mutate state without paying for undo entries.
type Journal struct {
	entries []func()
}

func NewJournal() *Journal {
	return &Journal{entries: make([]func(), 0, 16)}
}

func (j *Journal) record(undo func()) {
	if j == nil {
		return
	}
	j.entries = append(j.entries, undo)
}

// Record lets collaborators outside the pool state join the same undo log,
// so one Revert rolls back an operation across every component it touched.
func (j *Journal) Record(undo func()) {
	j.record(undo)
}

// Len returns the number of recorded mutations.
func (j *Journal) Len() int {
	if j == nil {
		return 0
	}
	return len(j.entries)
}

// Revert undoes every recorded mutation and empties the journal.
func (j *Journal) Revert() {
	if j == nil {
		return
	}
	for i := len(j.entries) - 1; i >= 0; i-- {
		j.entries[i]()
	}
	j.entries = j.entries[:0]
}

// Commit forgets the recorded mutations.
func (j *Journal) Commit() {
	if j == nil {
		return
	}
	j.entries = j.entries[:0]
}
