package engine

// State identifies the step a sync pass is executing. A pass moves
// through the states in order and terminates in StateIdle, or in
// StateFailed from any step.
type State int

const (
	StateIdle State = iota
	StateProvisioningZone
	StatePushingChanges
	StateResolvingConflicts
	StateApplyingResolutions
	StatePullingDeltas
	StateApplyingDeltas
	StateDeduplicating
	StatePersistingCursor
	StateFailed
)

var stateNames = map[State]string{
	StateIdle:                "idle",
	StateProvisioningZone:    "provisioning_zone",
	StatePushingChanges:      "pushing_changes",
	StateResolvingConflicts:  "resolving_conflicts",
	StateApplyingResolutions: "applying_resolutions",
	StatePullingDeltas:       "pulling_deltas",
	StateApplyingDeltas:      "applying_deltas",
	StateDeduplicating:       "deduplicating",
	StatePersistingCursor:    "persisting_cursor",
	StateFailed:              "failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}
