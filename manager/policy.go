package manager

// Policy controls how long a lock outlives its references.
type Policy uint32

const (
	// PolicyTransient releases the physical lock as soon as the last
	// reference goes away.
	PolicyTransient Policy = iota
	// PolicyPersistent keeps the physical lock until cleanup or Close,
	// regardless of references.
	PolicyPersistent
	// PolicyAuto starts transient and promotes itself to persistent once
	// the region proves hot.
	PolicyAuto
)

// AutoPromoteThreshold is the access count past which a PolicyAuto entry
// becomes persistent.
const AutoPromoteThreshold = 10

var policyNames = map[Policy]string{
	PolicyTransient:  "Transient",
	PolicyPersistent: "Persistent",
	PolicyAuto:       "Auto",
}

func (p Policy) String() string {
	name, ok := policyNames[p]
	if !ok {
		return "unknown policy"
	}
	return name
}
