package selectmatches

import (
	"fmt"
	"sync/atomic"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
)

// Stage names one of the three pipeline stages.
type Stage int

const (
	// Load reads the base calls and matches of a tile.
	Load Stage = iota
	// Compute selects the templates of a tile and hands them to the sink.
	Compute
	// Flush makes the templates of a tile durable.
	Flush

	numStages = 3
)

// String implements fmt.Stringer.
func (s Stage) String() string {
	switch s {
	case Load:
		return "load"
	case Compute:
		return "compute"
	case Flush:
		return "flush"
	}
	return fmt.Sprintf("Stage(%d)", int(s))
}

// stageSlot admits one tile at a time into a stage, in processing order.
// It is a single token handed from tile to tile: turns[i] receives the token
// when tile i may enter, and releasing tile i passes it to turns[i+1].
type stageSlot struct {
	stage  Stage
	turns  []chan struct{}
	holder int64 // position of the tile holding the slot, or -1
}

func newStageSlot(stage Stage, nTiles int) *stageSlot {
	s := &stageSlot{stage: stage, turns: make([]chan struct{}, nTiles+1), holder: -1}
	for i := range s.turns {
		s.turns[i] = make(chan struct{}, 1)
	}
	s.turns[0] <- struct{}{}
	return s
}

// acquire blocks until tile pos holds the slot. It fails once abort is
// closed.
func (s *stageSlot) acquire(pos int, abort <-chan struct{}) error {
	select {
	case <-s.turns[pos]:
		atomic.StoreInt64(&s.holder, int64(pos))
		return nil
	case <-abort:
		return errors.E(errors.Canceled, fmt.Sprintf("%v slot of tile %d: pipeline aborted", s.stage, pos))
	}
}

// release hands the slot to the next tile. Releasing a slot that is not
// held panics.
func (s *stageSlot) release(pos int) {
	if !atomic.CompareAndSwapInt64(&s.holder, int64(pos), -1) {
		log.Panicf("%v slot released by tile %d, held by %d", s.stage, pos, atomic.LoadInt64(&s.holder))
	}
	s.turns[pos+1] <- struct{}{}
}
