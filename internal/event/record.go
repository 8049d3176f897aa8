package event

// Record kinds.
const (
	KindEvent    = "event"
	KindIncident = "incident"
)

// Record is anything the audit sinks persist: security events and
// incidents.
type Record interface {
	RecordID() string
	RecordKind() string
	RecordType() string
}
