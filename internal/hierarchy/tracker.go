package hierarchy

import (
	"fmt"

	"deviationsync/internal/domain"
)

type State int

const (
	ParentPending State = iota
	ParentCreated
	SubtaskCreating
	Done
	RolledBack
)

func (s State) String() string {
	switch s {
	case ParentPending:
		return "parent_pending"
	case ParentCreated:
		return "parent_created"
	case SubtaskCreating:
		return "subtask_creating"
	case Done:
		return "done"
	case RolledBack:
		return "rolled_back"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Tracker walks one ParentCreation through its creation states and resolves
// the row ids the plan could only reference by index.
type Tracker struct {
	creation    domain.ParentCreation
	state       State
	parentRowID int64
	rowIDs      []int64
}

func NewTracker(c domain.ParentCreation) *Tracker {
	return &Tracker{creation: c}
}

func (t *Tracker) State() State { return t.state }

func (t *Tracker) ParentRowID() int64 { return t.parentRowID }

// RowIDs returns the created subtask row ids in template order.
func (t *Tracker) RowIDs() []int64 { return append([]int64(nil), t.rowIDs...) }

func (t *Tracker) ParentRow() domain.NewRow { return t.creation.Parent }

func (t *Tracker) Record() domain.ParentRecord { return t.creation.Record }

// ParentCreated records the store-assigned id of the parent row.
func (t *Tracker) ParentCreated(rowID int64) error {
	if t.state != ParentPending {
		return fmt.Errorf("parent created in state %s", t.state)
	}
	t.parentRowID = rowID
	t.advance(ParentCreated)
	return nil
}

// NextSubtask returns the payload for the next subtask with its parent and
// predecessor ids filled in. ok is false once every subtask exists.
func (t *Tracker) NextSubtask() (domain.NewRow, bool) {
	if t.state != ParentCreated && t.state != SubtaskCreating {
		return domain.NewRow{}, false
	}
	i := len(t.rowIDs)
	if i >= len(t.creation.Subtasks) {
		return domain.NewRow{}, false
	}
	sub := t.creation.Subtasks[i]
	row := domain.NewRow{ParentRowID: t.parentRowID, Cells: sub.Cells}
	if p := sub.PredecessorIndex; p >= 0 && p < len(t.rowIDs) {
		row.Predecessor = &domain.Predecessor{RowID: t.rowIDs[p], Type: sub.PredecessorType}
	}
	return row, true
}

// SubtaskCreated records the id of the subtask returned by NextSubtask.
func (t *Tracker) SubtaskCreated(rowID int64) error {
	if t.state != ParentCreated && t.state != SubtaskCreating {
		return fmt.Errorf("subtask created in state %s", t.state)
	}
	if len(t.rowIDs) >= len(t.creation.Subtasks) {
		return fmt.Errorf("all %d subtasks already created", len(t.creation.Subtasks))
	}
	t.rowIDs = append(t.rowIDs, rowID)
	t.advance(SubtaskCreating)
	return nil
}

// RollBack marks the hierarchy as removed after a failed creation.
func (t *Tracker) RollBack() {
	t.state = RolledBack
}

func (t *Tracker) advance(s State) {
	t.state = s
	if s != ParentPending && len(t.rowIDs) == len(t.creation.Subtasks) {
		t.state = Done
	}
}
