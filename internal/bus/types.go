package bus

import "fmt"

// ActorID names one of the fixed actor roles on the bus (spec.md §3).
type ActorID string

const (
	ActorManager      ActorID = "manager"
	ActorWorker       ActorID = "worker"
	ActorFilterWriter ActorID = "filter_writer"
	ActorCleanup      ActorID = "cleanup"
	ActorSampler      ActorID = "sampler"
	ActorReload       ActorID = "reload"
	ActorHTTPAPI      ActorID = "http_api"
	ActorEventExport  ActorID = "event_export"
)

// Dest identifies a mailbox: an actor role plus the specific object (task,
// worker instance, ...) within that role the message concerns. object_id is
// empty for singleton actors (manager, cleanup, sampler, reload).
type Dest struct {
	Actor    ActorID
	ObjectID string
}

func (d Dest) String() string {
	if d.ObjectID == "" {
		return string(d.Actor)
	}
	return fmt.Sprintf("%s/%s", d.Actor, d.ObjectID)
}

// Envelope wraps a typed message body with its routing metadata. The body is
// opaque to the bus; actors type-switch on it after receipt.
type Envelope struct {
	From Dest
	To   Dest
	Body any
}
