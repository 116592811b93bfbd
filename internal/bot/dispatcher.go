package bot

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"telegram-contest-bot/internal/model"
)

// Event is the closed set of inbound update variants. Handling is an
// exhaustive type switch, so adding a variant is a compile-time-checked
// change rather than a string lookup.
type Event interface {
	isEvent()
}

// MembershipChanged reports a user joining or leaving a tracked chat.
type MembershipChanged struct {
	UpdateID  int
	ChannelID int64
	UserID    int64
	Joined    bool
}

// CommandReceived reports a bot command. Commands are handled synchronously
// on the poller goroutine by telebot's own routing; the variant exists so
// dispatch stays exhaustive.
type CommandReceived struct {
	UpdateID int
	Name     string
}

// OtherUpdate is every update kind the bot does not act on.
type OtherUpdate struct {
	UpdateID int
}

func (MembershipChanged) isEvent() {}
func (CommandReceived) isEvent()   {}
func (OtherUpdate) isEvent()       {}

// Deduper drops updates already processed. Telegram may redeliver updates
// after reconnects; a bounded trailing set of accepted ids plus a floor below
// which everything counts as old catches both replays and slightly
// out-of-order delivery.
type Deduper struct {
	mu     sync.Mutex
	floor  int
	recent map[int]struct{}
	keep   int
}

// NewDeduper creates a Deduper remembering the trailing keep update ids.
func NewDeduper(keep int) *Deduper {
	return &Deduper{
		recent: make(map[int]struct{}, keep),
		keep:   keep,
	}
}

// Seen records the update id and reports whether it was already processed.
// Once an id is accepted it is never accepted again: it stays in the
// trailing set until it ages out below the floor.
func (d *Deduper) Seen(updateID int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.recent[updateID]; ok {
		return true
	}
	if updateID <= d.floor {
		return true
	}

	d.recent[updateID] = struct{}{}
	if len(d.recent) > d.keep {
		// Age out the lowest id; everything at or below it is old now.
		lowest := updateID
		for id := range d.recent {
			if id < lowest {
				lowest = id
			}
		}
		delete(d.recent, lowest)
		if lowest > d.floor {
			d.floor = lowest
		}
	}
	return false
}

// membershipHandler is the slice of the attribution service the workers drive.
type membershipHandler interface {
	HandleJoin(ctx context.Context, channelID, userID int64) (*model.Membership, bool, error)
	HandleLeave(ctx context.Context, channelID, userID int64) error
}

// Dispatcher fans membership events out to a fixed set of workers, sharded by
// channel id: events for one channel always land on the same worker and apply
// in arrival order, while unrelated channels proceed in parallel. Duplicate
// updates never reach Dispatch: the dedup middleware drops them before any
// handler runs.
type Dispatcher struct {
	handler  membershipHandler
	queues   []chan MembershipChanged
	group    *errgroup.Group
	ctx      context.Context
	stopOnce sync.Once
}

// NewDispatcher creates a Dispatcher with poolSize workers, each owning one
// event queue.
func NewDispatcher(ctx context.Context, handler membershipHandler, poolSize int) *Dispatcher {
	g, ctx := errgroup.WithContext(ctx)
	d := &Dispatcher{
		handler: handler,
		queues:  make([]chan MembershipChanged, poolSize),
		group:   g,
		ctx:     ctx,
	}
	for i := range d.queues {
		queue := make(chan MembershipChanged, 64)
		d.queues[i] = queue
		g.Go(func() error {
			for ev := range queue {
				d.handleMembership(ev)
			}
			return nil
		})
	}
	return d
}

// shardFor maps a channel to its worker queue. Chat ids are negative for
// groups and channels, hence the uint64 detour.
func shardFor(channelID int64, shards int) int {
	return int(uint64(channelID) % uint64(shards))
}

// Dispatch routes one event. A full shard queue blocks: backpressure, not
// reordering.
func (d *Dispatcher) Dispatch(ev Event) error {
	switch ev := ev.(type) {
	case MembershipChanged:
		queue := d.queues[shardFor(ev.ChannelID, len(d.queues))]
		select {
		case queue <- ev:
			return nil
		case <-d.ctx.Done():
			return d.ctx.Err()
		}

	case CommandReceived:
		// Commands reach their handlers through telebot routing; the
		// variant exists so the event set stays exhaustive.
		return nil

	case OtherUpdate:
		log.Debug().Int("update_id", ev.UpdateID).Msg("update ignored")
		return nil

	default:
		return fmt.Errorf("unhandled event variant %T", ev)
	}
}

func (d *Dispatcher) handleMembership(ev MembershipChanged) {
	if ev.Joined {
		if _, _, err := d.handler.HandleJoin(d.ctx, ev.ChannelID, ev.UserID); err != nil {
			log.Error().
				Err(err).
				Int64("channel_id", ev.ChannelID).
				Int64("user_id", ev.UserID).
				Msg("failed to handle join")
		}
		return
	}
	if err := d.handler.HandleLeave(d.ctx, ev.ChannelID, ev.UserID); err != nil {
		log.Error().
			Err(err).
			Int64("channel_id", ev.ChannelID).
			Int64("user_id", ev.UserID).
			Msg("failed to handle leave")
	}
}

// Wait closes the shard queues and blocks until every queued membership
// event is handled.
func (d *Dispatcher) Wait() error {
	d.stopOnce.Do(func() {
		for _, queue := range d.queues {
			close(queue)
		}
	})
	return d.group.Wait()
}
