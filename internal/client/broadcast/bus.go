package broadcast

import (
	"context"
	"encoding/json"

	"github.com/dmitrijs2005/fieldsync/internal/client/models"
	"github.com/dmitrijs2005/fieldsync/internal/logging"
)

// Bus sends and receives change notices over a Channel.
type Bus struct {
	ch     Channel
	logger logging.Logger
}

// New wraps ch. A nil channel yields a bus that drops everything.
func New(ch Channel, l logging.Logger) *Bus {
	if ch == nil {
		ch = Noop{}
	}
	return &Bus{ch: ch, logger: l.With("module", "broadcast")}
}

func (b *Bus) Send(n models.Notice) error {
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return b.ch.Post(data)
}

// Listen calls fn for every well-formed notice received. Malformed messages
// are dropped.
func (b *Bus) Listen(fn func(models.Notice)) (cancel func()) {
	return b.ch.Subscribe(func(msg []byte) {
		var n models.Notice
		if err := json.Unmarshal(msg, &n); err != nil || n.RecordID == "" {
			b.logger.Debug(context.Background(), "dropping malformed notice", "size", len(msg))
			return
		}
		fn(n)
	})
}

func (b *Bus) Close() error {
	return b.ch.Close()
}
