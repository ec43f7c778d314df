package internal

import (
	"container/heap"
	"sort"

	jsoniter "github.com/json-iterator/go"
)

// SequencedEvent is an event payload tagged with the server sequence number.
type SequencedEvent struct {
	Sequence int64               `json:"sn"`
	Payload  jsoniter.RawMessage `json:"d"`
}

type sequenceHeap []SequencedEvent

func (h sequenceHeap) Len() int           { return len(h) }
func (h sequenceHeap) Less(i, j int) bool { return h[i].Sequence < h[j].Sequence }
func (h sequenceHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *sequenceHeap) Push(x interface{}) {
	*h = append(*h, x.(SequencedEvent))
}

func (h *sequenceHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = SequencedEvent{}
	*h = old[:n-1]

	return item
}

// SequenceBuffer holds events that arrived ahead of a gap until they can be
// released in ascending sequence order. It is not safe for concurrent use, the
// session only touches it from its event loop.
type SequenceBuffer struct {
	events sequenceHeap
}

// NewSequenceBuffer creates an empty buffer.
func NewSequenceBuffer() *SequenceBuffer {
	return &SequenceBuffer{
		events: make(sequenceHeap, 0, 16),
	}
}

// Enqueue adds an event.
func (sb *SequenceBuffer) Enqueue(event SequencedEvent) {
	heap.Push(&sb.events, event)
}

// Dequeue removes the event with the lowest sequence.
func (sb *SequenceBuffer) Dequeue() (event SequencedEvent, ok bool) {
	if len(sb.events) == 0 {
		return event, false
	}

	return heap.Pop(&sb.events).(SequencedEvent), true
}

// Len returns the number of buffered events.
func (sb *SequenceBuffer) Len() int {
	return len(sb.events)
}

// IsEmpty returns true when nothing is buffered.
func (sb *SequenceBuffer) IsEmpty() bool {
	return len(sb.events) == 0
}

// Clear drops every buffered event.
func (sb *SequenceBuffer) Clear() {
	sb.events = sb.events[:0]
}

// IsStrictlyAscendingWith returns true when the buffered sequences together with
// lastApplied form a run of consecutive integers, meaning every gap behind the
// buffered events has been filled.
func (sb *SequenceBuffer) IsStrictlyAscendingWith(lastApplied int64) bool {
	sequences := make([]int64, 0, len(sb.events)+1)
	sequences = append(sequences, lastApplied)

	for _, event := range sb.events {
		sequences = append(sequences, event.Sequence)
	}

	sort.Slice(sequences, func(i, j int) bool {
		return sequences[i] < sequences[j]
	})

	for i := 1; i < len(sequences); i++ {
		diff := sequences[i] - sequences[i-1]

		// lastApplied may already be part of the set.
		if diff == 0 {
			continue
		}

		if diff != 1 {
			return false
		}
	}

	return true
}

// DrainInOrder empties the buffer and returns its events in ascending order
// along with the highest sequence seen. maxSequence is zero when nothing was
// buffered.
func (sb *SequenceBuffer) DrainInOrder() (events []SequencedEvent, maxSequence int64) {
	events = make([]SequencedEvent, 0, len(sb.events))

	for len(sb.events) > 0 {
		event := heap.Pop(&sb.events).(SequencedEvent)
		events = append(events, event)

		if len(events) == 1 || event.Sequence > maxSequence {
			maxSequence = event.Sequence
		}
	}

	return events, maxSequence
}
