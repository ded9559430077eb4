package syncclient

// State is the device's sync lifecycle state. Transitions are driven by
// explicit events only; detection and pairing report events, they never
// mutate state directly.
type State string

const (
	// StateFresh: no device identity exists locally.
	StateFresh State = "FRESH"

	// StateRegistered: the device has an identity and credentials but no
	// root key. It can only leave this state by being paired or by
	// bootstrapping an empty ledger.
	StateRegistered State = "REGISTERED"

	// StateReady: the device holds the current root key version.
	StateReady State = "READY"

	// StateStale: the device holds a root key older than the server's
	// current version and must install the newer envelope.
	StateStale State = "STALE"

	// StateRecovery: local key material is missing or unreadable while
	// the ledger says this device was provisioned. Requires re-pairing.
	StateRecovery State = "RECOVERY"
)

// Event moves the state machine.
type Event string

const (
	// EventDeviceRegistered fires once login has created or re-bound the
	// device identity.
	EventDeviceRegistered Event = "device_registered"

	// EventKeysProvisioned fires when the current root key has been
	// installed locally, whether by bootstrap, pairing, or catch-up.
	EventKeysProvisioned Event = "keys_provisioned"

	// EventVersionBehind fires when detection sees the server ahead of
	// the locally installed version.
	EventVersionBehind Event = "version_behind"

	// EventKeysLost fires when local key material is missing or corrupt.
	EventKeysLost Event = "keys_lost"

	// EventReset fires on explicit sync reset or credential rejection.
	EventReset Event = "reset"
)

// Transition returns the state that follows applying event to state. Events
// that are meaningless in the current state leave it unchanged, so stray
// detection results can never corrupt the lifecycle.
func Transition(state State, event Event) State {
	switch event {
	case EventReset:
		return StateFresh
	case EventDeviceRegistered:
		if state == StateFresh {
			return StateRegistered
		}
	case EventKeysProvisioned:
		switch state {
		case StateRegistered, StateStale, StateRecovery, StateReady:
			return StateReady
		}
	case EventVersionBehind:
		if state == StateReady || state == StateStale {
			return StateStale
		}
	case EventKeysLost:
		switch state {
		case StateReady, StateStale, StateRegistered:
			return StateRecovery
		}
	}
	return state
}
