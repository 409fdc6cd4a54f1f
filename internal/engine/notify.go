package engine

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coder/websocket"
)

// Notifier subscribes to a websocket change feed and turns every
// message into an immediate sync request.
//
// The feed is an optimization, not a dependency: the interval ticker
// still runs, so a dropped subscription only degrades latency back to
// the polling interval. Message content is ignored; any frame means
// "something changed, sync now".
type Notifier struct {
	// URL of the change feed, e.g. "wss://notify.example.com/feed".
	URL string

	// OnChange is invoked for every received message.
	OnChange func()

	// Logger for subscription activity.
	Logger *log.Logger
}

// Run maintains the subscription until the context is canceled,
// reconnecting with exponential backoff. A successful reconnect fires
// OnChange once, to catch up on whatever was missed while disconnected.
func (n *Notifier) Run(ctx context.Context) {
	if n.Logger == nil {
		n.Logger = log.New(os.Stderr, "[notify] ", log.LstdFlags)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 2 * time.Minute
	b.MaxElapsedTime = 0

	first := true
	for {
		if ctx.Err() != nil {
			return
		}

		start := time.Now()
		err := n.listen(ctx, !first)
		if ctx.Err() != nil {
			return
		}
		first = false

		// A connection that held for a while resets the backoff; only
		// rapid-fire failures escalate the delay.
		if time.Since(start) > 30*time.Second {
			b.Reset()
		}

		wait := b.NextBackOff()
		n.Logger.Printf("Feed disconnected (%v), reconnecting in %s", err, wait.Round(time.Second))

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// listen holds one connection open and dispatches its messages. Returns
// when the connection drops or the context is canceled.
func (n *Notifier) listen(ctx context.Context, reconnect bool) error {
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	conn, _, err := websocket.Dial(dialCtx, n.URL, nil)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	n.Logger.Printf("Subscribed to %s", n.URL)
	if reconnect && n.OnChange != nil {
		n.OnChange()
	}

	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return err
		}
		if n.OnChange != nil {
			n.OnChange()
		}
	}
}
