package rescache

// Keys read from the State.
const (
	// StateConnectionToken holds the origin auth token.
	StateConnectionToken = "connectionToken"

	// StateLoadCaller names the component currently forcing loads.
	StateLoadCaller = "loader.caller"

	// StateLoadStartedAt holds the unix millisecond time the current forced
	// load began.
	StateLoadStartedAt = "loader.startedAt"
)

// State is a read-only view of process-wide values the device consults
// for auth and failure diagnostics. The device never writes to it.
type State interface {
	Get(key string) (string, bool)
}

// MapState is a State backed by a map.
type MapState map[string]string

// Get implements State.
func (m MapState) Get(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

type emptyState struct{}

func (emptyState) Get(string) (string, bool) { return "", false }
