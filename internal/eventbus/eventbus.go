// Package eventbus implements §4.13's Event Bus: in-process, per-run topics
// delivered best-effort to currently-connected subscribers. Grounded on
// internal/engine/engine.go's itemChan/resultChan bounded-channel pattern,
// generalized from one fixed pair of channels to a dynamic set of per-run-id
// topics, each with drop-oldest-on-full semantics instead of the teacher's
// plain blocking send (§5: "bounded channel; drops oldest on full").
package eventbus

import (
	"sync"
	"time"

	"github.com/scholarr/ingestion/internal/model"
)

// EventType names one of §4.13's four event shapes.
type EventType string

const (
	EventPublicationDiscovered EventType = "publication_discovered"
	EventIdentifierUpdated     EventType = "identifier_updated"
	EventRunProgress           EventType = "run_progress"
	EventRunCompleted          EventType = "run_completed"
)

// Event is one message on a run's topic. Payload is one of the *Payload
// structs below, selected by Type.
type Event struct {
	Type    EventType
	RunID   string
	At      time.Time
	Payload any
}

// PublicationDiscoveredPayload backs EventPublicationDiscovered.
type PublicationDiscoveredPayload struct {
	PublicationID    string
	ScholarProfileID string
	Title            string
	FirstSeenAt      time.Time
	PubURL           string
}

// IdentifierUpdatedPayload backs EventIdentifierUpdated.
type IdentifierUpdatedPayload struct {
	PublicationID     string
	DisplayIdentifier string
}

// RunProgressPayload backs EventRunProgress.
type RunProgressPayload struct {
	Processed int
	Total     int
}

// RunCompletedPayload backs EventRunCompleted.
type RunCompletedPayload struct {
	Outcome model.RunStatus
	Summary string
}

type topic struct {
	mu   sync.Mutex
	subs map[int]chan Event
	next int
}

// MetricsRecorder receives publish/drop counts by event type. Satisfied by
// *observability.Metrics; kept as a narrow local interface so the Bus
// doesn't import internal/observability.
type MetricsRecorder interface {
	RecordEventPublished(eventType string)
	RecordEventDropped(eventType string)
}

// Bus holds one bounded-channel topic per run id. Zero value is not usable;
// construct with New.
type Bus struct {
	mu         sync.Mutex
	topics     map[string]*topic
	bufferSize int
	metrics    MetricsRecorder
}

// New constructs a Bus. bufferSize bounds each subscriber's channel; a full
// channel has its oldest event dropped to make room for the new one rather
// than blocking the publisher. metrics may be nil.
func New(bufferSize int, metrics MetricsRecorder) *Bus {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Bus{topics: make(map[string]*topic), bufferSize: bufferSize, metrics: metrics}
}

// Subscribe registers a new listener on runID's topic. The returned func
// unregisters it; callers (the SSE handler) must call it on disconnect.
func (b *Bus) Subscribe(runID string) (<-chan Event, func()) {
	t := b.topicFor(runID)

	t.mu.Lock()
	id := t.next
	t.next++
	ch := make(chan Event, b.bufferSize)
	t.subs[id] = ch
	t.mu.Unlock()

	unsubscribe := func() {
		t.mu.Lock()
		if existing, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(existing)
		}
		t.mu.Unlock()
	}
	return ch, unsubscribe
}

func (b *Bus) topicFor(runID string) *topic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[runID]
	if !ok {
		t = &topic{subs: make(map[int]chan Event)}
		b.topics[runID] = t
	}
	return t
}

// publish delivers evt to every current subscriber of runID's topic,
// dropping the oldest buffered event on a full channel per §5.
func (b *Bus) publish(evt Event) {
	t := b.topicFor(evt.RunID)
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- evt:
		default:
			select {
			case <-ch:
				if b.metrics != nil {
					b.metrics.RecordEventDropped(string(evt.Type))
				}
			default:
			}
			select {
			case ch <- evt:
			default:
			}
		}
	}
	if b.metrics != nil {
		b.metrics.RecordEventPublished(string(evt.Type))
	}
}

// PublishPublicationDiscovered announces a newly seen publication.
func (b *Bus) PublishPublicationDiscovered(runID string, payload PublicationDiscoveredPayload) {
	b.publish(Event{Type: EventPublicationDiscovered, RunID: runID, At: time.Now().UTC(), Payload: payload})
}

// PublishIdentifierUpdated announces that a publication's external
// identifiers changed. Satisfies internal/enrichment.EventPublisher. The
// display identifier prefers DOI, then arXiv id, then PMID, then OpenAlex
// id.
func (b *Bus) PublishIdentifierUpdated(runID, publicationID string, ids model.Identifiers) {
	b.publish(Event{
		Type:  EventIdentifierUpdated,
		RunID: runID,
		At:    time.Now().UTC(),
		Payload: IdentifierUpdatedPayload{
			PublicationID:     publicationID,
			DisplayIdentifier: displayIdentifier(ids),
		},
	})
}

// PublishRunProgress announces how many of a run's scholars have reached a
// terminal outcome so far.
func (b *Bus) PublishRunProgress(runID string, processed, total int) {
	b.publish(Event{Type: EventRunProgress, RunID: runID, At: time.Now().UTC(), Payload: RunProgressPayload{Processed: processed, Total: total}})
}

// PublishRunCompleted announces a run's terminal rollup. Subscribers are
// expected to disconnect shortly after receiving this event. Unsubscribing
// removes only that subscriber's channel; the topic itself stays registered
// in the Bus.
func (b *Bus) PublishRunCompleted(runID string, outcome model.RunStatus, summary string) {
	b.publish(Event{Type: EventRunCompleted, RunID: runID, At: time.Now().UTC(), Payload: RunCompletedPayload{Outcome: outcome, Summary: summary}})
}

func displayIdentifier(ids model.Identifiers) string {
	switch {
	case ids.DOI != "":
		return ids.DOI
	case ids.ArxivID != "":
		return ids.ArxivID
	case ids.PMID != "":
		return ids.PMID
	case ids.OpenAlexID != "":
		return ids.OpenAlexID
	default:
		return ""
	}
}
