package interfaces

import (
	"hash/fnv"
)

// IsSelectedForRollout decides whether a client participates in a partial
// rollout. The decision is a pure function of the client id and the package
// hash, so a given client always gets the same answer for a given release
// and the selected population approaches rollout percent of clients.
func IsSelectedForRollout(clientID string, rollout int, packageHash string) bool {
	if rollout <= 0 || rollout >= 100 {
		return true
	}
	h := fnv.New32a()
	h.Write([]byte(clientID + "-" + packageHash))
	return h.Sum32()%100 < uint32(rollout)
}

// ValidRollout reports whether a rollout value is within [0,100]. Zero means
// unset and is treated as a full rollout.
func ValidRollout(rollout int) bool {
	return rollout >= 0 && rollout <= 100
}
