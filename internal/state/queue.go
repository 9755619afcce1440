package state

import (
	"time"

	"github.com/oj-run/oj/internal/clock"
	"github.com/oj-run/oj/internal/wal"
)

// QueueItem is one unit of work held by a Queue.
type QueueItem struct {
	ID          string
	Data        map[string]string
	Priority    int64
	Attempts    int64
	MaxAttempts int64
	CreatedAt   time.Time
}

// DeadLetter pairs a QueueItem with why it was routed out of normal flow.
type DeadLetter struct {
	Item   QueueItem
	Reason string
}

// Queue is a priority-then-FIFO work queue with at-most-one in-flight item
// and a dead-letter sink for items that exhaust their attempts.
type Queue struct {
	Name        string
	Items       []QueueItem
	Processing  *QueueItem
	DeadLetters []DeadLetter
}

// QueueCommandKind tags which QueueCommand variant is populated.
type QueueCommandKind string

const (
	QueueCmdPush       QueueCommandKind = "push"
	QueueCmdTake       QueueCommandKind = "take"
	QueueCmdComplete   QueueCommandKind = "complete"
	QueueCmdRequeue    QueueCommandKind = "requeue"
	QueueCmdDeadLetter QueueCommandKind = "dead_letter"
	QueueCmdTick       QueueCommandKind = "tick"
)

// QueueCommand is the input to Queue.Transition.
type QueueCommand struct {
	Kind QueueCommandKind

	Item QueueItem // Push

	ItemID string // Complete / Requeue / DeadLetter

	Reason string // Requeue (dead-letter reason if exhausted) / DeadLetter
}

// Transition applies cmd to q.
func (q Queue) Transition(cmd QueueCommand, clk clock.Clock) (Queue, []Effect) {
	now := clk.Now()
	next := q
	next.Items = append([]QueueItem(nil), q.Items...)
	next.DeadLetters = append([]DeadLetter(nil), q.DeadLetters...)

	switch cmd.Kind {
	case QueueCmdPush:
		next.Items = insertByPriority(next.Items, cmd.Item)
		return next, []Effect{
			PersistEffect(wal.Operation{
				Type: wal.KindQueuePush,
				QueuePush: &wal.QueuePushOp{
					QueueName:   q.Name,
					ItemID:      cmd.Item.ID,
					Data:        cmd.Item.Data,
					Priority:    cmd.Item.Priority,
					MaxAttempts: cmd.Item.MaxAttempts,
				},
			}),
			EmitEffect(NewEvent(EventQueueItemAdded, q.Name, now).With("item_id", cmd.Item.ID)),
		}

	case QueueCmdTake:
		if q.Processing != nil || len(next.Items) == 0 {
			return q, nil
		}
		item := next.Items[0]
		next.Items = next.Items[1:]
		next.Processing = &item
		return next, []Effect{
			PersistEffect(wal.Operation{
				Type: wal.KindQueuePop,
				QueuePop: &wal.QueuePopOp{QueueName: q.Name, ItemID: item.ID},
			}),
			EmitEffect(NewEvent(EventQueueItemTaken, q.Name, now).With("item_id", item.ID)),
		}

	case QueueCmdComplete:
		if q.Processing == nil || q.Processing.ID != cmd.ItemID {
			return q, nil
		}
		next.Processing = nil
		return next, []Effect{
			PersistEffect(wal.Operation{
				Type:     wal.KindQueueAck,
				QueueAck: &wal.QueueAckOp{QueueName: q.Name, ItemID: cmd.ItemID, Success: true},
			}),
			EmitEffect(NewEvent(EventQueueItemCompleted, q.Name, now).With("item_id", cmd.ItemID)),
		}

	case QueueCmdRequeue:
		if q.Processing == nil || q.Processing.ID != cmd.ItemID {
			return q, nil
		}
		item := *q.Processing
		item.Attempts++
		next.Processing = nil

		if item.Attempts >= item.MaxAttempts {
			next.DeadLetters = append(next.DeadLetters, DeadLetter{Item: item, Reason: cmd.Reason})
			return next, []Effect{
				PersistEffect(wal.Operation{
					Type:     wal.KindQueueAck,
					QueueAck: &wal.QueueAckOp{QueueName: q.Name, ItemID: cmd.ItemID, Success: false},
				}),
				EmitEffect(NewEvent(EventQueueItemDeadlettered, q.Name, now).With("item_id", cmd.ItemID).With("reason", cmd.Reason)),
			}
		}

		next.Items = insertByPriority(next.Items, item)
		return next, []Effect{
			PersistEffect(wal.Operation{
				Type:     wal.KindQueueAck,
				QueueAck: &wal.QueueAckOp{QueueName: q.Name, ItemID: cmd.ItemID, Success: false},
			}),
		}

	case QueueCmdDeadLetter:
		var item QueueItem
		found := false
		for i, it := range next.Items {
			if it.ID == cmd.ItemID {
				item = it
				next.Items = append(next.Items[:i:i], next.Items[i+1:]...)
				found = true
				break
			}
		}
		if !found && next.Processing != nil && next.Processing.ID == cmd.ItemID {
			item = *next.Processing
			next.Processing = nil
			found = true
		}
		if !found {
			return q, nil
		}
		next.DeadLetters = append(next.DeadLetters, DeadLetter{Item: item, Reason: cmd.Reason})
		return next, []Effect{
			PersistEffect(wal.Operation{
				Type: wal.KindQueueDeadLetter,
				QueueDeadLetter: &wal.QueueDeadLetterOp{
					QueueName: q.Name,
					ItemID:    cmd.ItemID,
					Reason:    cmd.Reason,
				},
			}),
			EmitEffect(NewEvent(EventQueueItemDeadlettered, q.Name, now).With("item_id", cmd.ItemID).With("reason", cmd.Reason)),
		}

	case QueueCmdTick:
		return q, nil
	}

	return q, nil
}

// insertByPriority inserts item keeping items sorted by descending
// priority, FIFO among equal priorities (stable insertion point is the
// first element with strictly lower priority).
func insertByPriority(items []QueueItem, item QueueItem) []QueueItem {
	idx := len(items)
	for i, existing := range items {
		if item.Priority > existing.Priority {
			idx = i
			break
		}
	}
	out := make([]QueueItem, 0, len(items)+1)
	out = append(out, items[:idx]...)
	out = append(out, item)
	out = append(out, items[idx:]...)
	return out
}
