package source

import "context"

// AckGroup accumulates the messages whose outputs are flushed together.
//
// A message is added once even when its document produced zero or many
// output records, so every consumed document is acknowledged exactly once.
type AckGroup struct {
	msgs  []Message
	metas []AckMetadata
}

// Add appends a message to the group.
func (g *AckGroup) Add(m Message) {
	g.msgs = append(g.msgs, m)

	if am, ok := m.(ackMetable); ok {
		if meta, ok := am.AckMeta(); ok {
			g.metas = append(g.metas, meta)
		}
	}
}

// Len is the number of messages in the group.
func (g *AckGroup) Len() int { return len(g.msgs) }

// Commit acknowledges the group against the given Source. It prefers
// AckBatchMeta when the source has it and every message produced metadata.
func (g *AckGroup) Commit(ctx context.Context, src Sourcer) error {
	if len(g.msgs) == 0 {
		return nil
	}

	if fast, ok := src.(ackMetaBatcher); ok && len(g.metas) == len(g.msgs) {
		return fast.AckBatchMeta(ctx, g.metas)
	}

	return src.AckBatch(ctx, g.msgs)
}

// Clear resets the group, keeping capacity and dropping message references.
func (g *AckGroup) Clear() {
	clear(g.msgs)
	g.msgs = g.msgs[:0]
	g.metas = g.metas[:0]
}

// Snapshot returns a copy that does not share backing arrays with g.
func (g AckGroup) Snapshot() AckGroup {
	var out AckGroup
	if len(g.msgs) > 0 {
		out.msgs = append([]Message(nil), g.msgs...)
	}
	if len(g.metas) > 0 {
		out.metas = append([]AckMetadata(nil), g.metas...)
	}
	return out
}

// Metas exposes the collected metadata for lease management.
func (g *AckGroup) Metas() []AckMetadata {
	return g.metas
}
