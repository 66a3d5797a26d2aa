package sparkit

import (
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Broadcast is a read-only value shared by every task of a computation.
// The value is published once, when the Broadcast is created.
type Broadcast[T any] struct {
	id    string
	value T
}

// NewBroadcast publishes value.
func NewBroadcast[T any](value T) *Broadcast[T] {
	b := &Broadcast[T]{id: uuid.NewString(), value: value}
	log.Debugf("Published broadcast %s", b.id)
	return b
}

// ID identifies the broadcast in logs.
func (b *Broadcast[T]) ID() string {
	return b.id
}

// Value returns the published value.
func (b *Broadcast[T]) Value() T {
	return b.value
}
