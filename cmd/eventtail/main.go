// Command eventtail follows the live ticket event feed, printing each event
// as a line of JSON. Useful for watching a deployment without a browser.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/supportdeskhq/supportdesk/cmd/api/app"
	eventspkg "github.com/supportdeskhq/supportdesk/cmd/api/events"
)

func main() {
	addr := app.GetEnv("REDIS_ADDR", "localhost:6379")
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rdb.Ping(ctx).Err(); err != nil {
		fmt.Fprintf(os.Stderr, "redis %s: %v\n", addr, err)
		os.Exit(1)
	}
	sub := rdb.Subscribe(ctx, eventspkg.Channel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			fmt.Println(msg.Payload)
		}
	}
}
