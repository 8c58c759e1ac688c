package hub

import (
	"errors"

	"github.com/samber/lo"
	"github.com/weiawesome/chapter-chat/internal/keyed"
	"github.com/weiawesome/chapter-chat/pkg/log"
)

// ErrSinkClosed is returned when joining a sink that has already shut down.
var ErrSinkClosed = errors.New("sink closed")

// Sink is anything that can receive room broadcasts.
type Sink interface {
	ID() string
	// Deliver queues data without blocking. It returns false when the sink
	// cannot take it, either because it is closed or its buffer is full.
	Deliver(data []byte) bool
	Close()
	Done() <-chan struct{}
}

// Hub is the room registry. A sink belongs to at most one room.
//
// Both arenas are keyed: rooms by room id, memberships by sink id. When both
// are needed the membership slot is locked first, then the room slot.
type Hub struct {
	rooms   *keyed.Arena[map[string]Sink]
	members *keyed.Arena[string]
}

func NewHub() *Hub {
	return &Hub{
		rooms:   keyed.New(func() map[string]Sink { return make(map[string]Sink) }),
		members: keyed.New(func() string { return "" }),
	}
}

// Join places sink in roomID, moving it out of any room it was in before.
// It returns the previous room, empty if there was none.
func (h *Hub) Join(roomID string, sink Sink) (string, error) {
	var (
		prev string
		err  error
	)
	h.members.Update(sink.ID(), func(current *string) bool {
		select {
		case <-sink.Done():
			err = ErrSinkClosed
			return *current == ""
		default:
		}

		prev = *current
		if prev != "" && prev != roomID {
			h.removeFromRoom(prev, sink.ID())
		}
		h.rooms.Update(roomID, func(set *map[string]Sink) bool {
			(*set)[sink.ID()] = sink
			return false
		})
		*current = roomID
		return false
	})
	if err != nil {
		return "", err
	}

	l := log.L()
	l.Debug().Str(log.FieldClientID, sink.ID()).Str(log.FieldRoomID, roomID).Str("previous_room", prev).Msg("sink joined room")
	return prev, nil
}

// Leave removes sink from its room. Calling it again is a no-op.
func (h *Hub) Leave(sink Sink) string {
	var prev string
	h.members.UpdateExisting(sink.ID(), func(current *string) bool {
		prev = *current
		if prev != "" {
			h.removeFromRoom(prev, sink.ID())
		}
		*current = ""
		return true
	})
	if prev != "" {
		l := log.L()
		l.Debug().Str(log.FieldClientID, sink.ID()).Str(log.FieldRoomID, prev).Msg("sink left room")
	}
	return prev
}

func (h *Hub) removeFromRoom(roomID, sinkID string) {
	h.rooms.UpdateExisting(roomID, func(set *map[string]Sink) bool {
		delete(*set, sinkID)
		return len(*set) == 0
	})
}

// Broadcast delivers data to every sink in roomID, the sender included.
// Sinks that cannot keep up are removed from the room and closed. It
// returns the number of sinks that accepted the payload.
func (h *Hub) Broadcast(roomID string, data []byte) int {
	var sinks []Sink
	h.rooms.View(roomID, func(set *map[string]Sink) {
		sinks = lo.Values(*set)
	})

	delivered := 0
	for _, sink := range sinks {
		if sink.Deliver(data) {
			delivered++
			continue
		}
		l := log.L()
		l.Warn().Str(log.FieldClientID, sink.ID()).Str(log.FieldRoomID, roomID).Msg("dropping slow or closed sink")
		sink.Close()
		h.Leave(sink)
	}
	return delivered
}

// RoomOf reports the room a sink is registered in.
func (h *Hub) RoomOf(sinkID string) (string, bool) {
	var room string
	h.members.View(sinkID, func(current *string) { room = *current })
	return room, room != ""
}

// ConnectionCount returns how many sinks are registered in roomID.
func (h *Hub) ConnectionCount(roomID string) int {
	n := 0
	h.rooms.View(roomID, func(set *map[string]Sink) { n = len(*set) })
	return n
}

// RoomCount returns the number of rooms with at least one sink.
func (h *Hub) RoomCount() int {
	return h.rooms.Len()
}
