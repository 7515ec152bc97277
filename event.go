package dirwatch

import (
	"fmt"
	"unicode/utf8"
)

// EventKind identifies the semantic type of a filesystem event.
type EventKind int

const (
	// Unknown is a notification kind outside the known vocabulary.
	// The original tag is preserved in Event.Tag.
	Unknown EventKind = iota
	Created
	Modified
	Closed
	Deleted
	Renamed
	Attribute
)

// String returns the lowercase name of the event kind.
func (k EventKind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Closed:
		return "closed"
	case Deleted:
		return "deleted"
	case Renamed:
		return "renamed"
	case Attribute:
		return "attribute"
	default:
		return "unknown"
	}
}

// Event represents a single decoded filesystem event. Tag is set only
// when Kind is Unknown so known events compare directly with ==.
type Event struct {
	Kind EventKind
	Tag  string
}

// String returns the event name; unknown events include the raw tag.
func (e Event) String() string {
	if e.Kind == Unknown && e.Tag != "" {
		return fmt.Sprintf("unknown(%s)", e.Tag)
	}
	return e.Kind.String()
}

// Change represents a decoded notification: every event observed for a
// single path in one raw message, in arrival order.
type Change struct {
	Path   string
	Events []Event
}

// Message is a value delivered to a handler. It is a closed union:
// a Change decoded from a notification source, or a Custom payload
// injected by the application through Watcher.Send.
type Message interface {
	message()
}

func (Change) message() {}

// Custom carries an application-injected payload through the dispatch
// loop alongside filesystem changes.
type Custom struct {
	Value any
}

func (Custom) message() {}

// RawKindFileEvent is the kind tag a raw message must carry for its
// payload to decode to a filesystem change.
const RawKindFileEvent = "file_event"

// RawMessage is the loosely-typed shape emitted by a notification
// source: a source identifier, a message kind, and a payload of raw
// path bytes plus the raw event tags seen for that path.
type RawMessage struct {
	Source string
	Kind   string
	Path   []byte
	Tags   []string
}

// DecodeTag maps a raw event tag to an Event. The mapping is total:
// "removed" aliases to Deleted and any tag outside the vocabulary
// becomes an Unknown event carrying the original tag, never an error.
func DecodeTag(tag string) Event {
	switch tag {
	case "created":
		return Event{Kind: Created}
	case "modified":
		return Event{Kind: Modified}
	case "closed":
		return Event{Kind: Closed}
	case "deleted", "removed":
		return Event{Kind: Deleted}
	case "renamed":
		return Event{Kind: Renamed}
	case "attribute":
		return Event{Kind: Attribute}
	default:
		return Event{Kind: Unknown, Tag: tag}
	}
}

// DecodeRaw converts a raw message into a Change. Decoding never fails:
// an unrecognized message kind or a path that is not valid UTF-8 yields
// the zero Change so a malformed notification cannot take down the
// dispatch loop. Callers can detect the degraded case by the empty path.
func DecodeRaw(raw RawMessage) Change {
	if raw.Kind != RawKindFileEvent {
		return Change{}
	}
	if !utf8.Valid(raw.Path) {
		return Change{}
	}
	events := make([]Event, 0, len(raw.Tags))
	for _, tag := range raw.Tags {
		events = append(events, DecodeTag(tag))
	}
	return Change{Path: string(raw.Path), Events: events}
}
