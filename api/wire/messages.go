// Package wire defines the coordinator's request/response protocol:
// the six operation variants, the result/outcome tags, and the payload
// shapes, carried as length-delimited frames over an authenticated gRPC
// transport with a package-registered codec.
package wire

import "github.com/osdfleet/disktender/internal/types"

// Result is the top-level result tag of every response.
type Result string

const (
	ResultOK  Result = "OK"
	ResultErr Result = "ERR"
)

// Outcome is the disposition tag: precondition violations surface as
// Skipped/SkipRepeat with ResultOK so cluster-wide sweeps stay
// idempotent.
type Outcome string

const (
	OutcomeSuccess    Outcome = "Success"
	OutcomeSkipped    Outcome = "Skipped"
	OutcomeSkipRepeat Outcome = "SkipRepeat"
)

// FromOutcome maps the internal outcome type onto its wire tag.
func FromOutcome(o types.Outcome) Outcome {
	switch o {
	case types.OutcomeSkipped:
		return OutcomeSkipped
	case types.OutcomeSkipRepeat:
		return OutcomeSkipRepeat
	default:
		return OutcomeSuccess
	}
}

// AddRequest asks the coordinator to provision an OSD on a device.
type AddRequest struct {
	Device string `json:"device"`
	OSDID  *int   `json:"osd_id,omitempty"`
}

// AddPartitionRequest is reserved; the coordinator answers OK with no
// side effects until the operation is defined.
type AddPartitionRequest struct {
	Device string `json:"device"`
}

// ListRequest asks for the host's block device inventory.
type ListRequest struct{}

// RemoveRequest asks the coordinator to evacuate and tear down a device.
type RemoveRequest struct {
	Device string `json:"device"`
}

// SafeToRemoveRequest asks whether removal would jeopardize durability.
type SafeToRemoveRequest struct {
	Device string `json:"device"`
}

// TicketsRequest asks for open repair tickets on this host.
type TicketsRequest struct{}

// GPTPartition is one partition entry in a disk listing.
type GPTPartition struct {
	UUID     string `json:"uuid"`
	Name     string `json:"name"`
	FirstLBA uint64 `json:"first_lba"`
	LastLBA  uint64 `json:"last_lba"`
	Flags    uint64 `json:"flags"`
}

// Disk is one block device in a List response.
type Disk struct {
	Path       string         `json:"path"`
	Media      string         `json:"media"`
	Serial     string         `json:"serial,omitempty"`
	Partitions []GPTPartition `json:"partitions,omitempty"`
}

// Ticket is one open repair ticket in a GetCreatedTickets response.
type Ticket struct {
	TrackingID string `json:"tracking_id"`
	DevicePath string `json:"device_path"`
	State      string `json:"state"`
	Hostname   string `json:"hostname"`
}

// OperationResponse answers Add, AddPartition, Remove, and SafeToRemove.
type OperationResponse struct {
	Result   Result  `json:"result"`
	Outcome  Outcome `json:"outcome"`
	Safe     *bool   `json:"safe,omitempty"`
	Message  string  `json:"message,omitempty"`
	ClientID string  `json:"client_id,omitempty"`
}

// ListResponse answers List.
type ListResponse struct {
	Result   Result `json:"result"`
	Disks    []Disk `json:"disks"`
	Message  string `json:"message,omitempty"`
	ClientID string `json:"client_id,omitempty"`
}

// TicketsResponse answers GetCreatedTickets.
type TicketsResponse struct {
	Result   Result   `json:"result"`
	Tickets  []Ticket `json:"tickets"`
	Message  string   `json:"message,omitempty"`
	ClientID string   `json:"client_id,omitempty"`
}
