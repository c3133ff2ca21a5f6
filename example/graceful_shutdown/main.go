// Package main provides an example binary that demonstrates the two ways a
// batcher shuts down: gracefully through Close, forcefully through a context
// cancellation.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/millrace/hopper"
)

const (
	maxBatchCount = 4
	maxBatchWait  = time.Second * 5
	queueCapacity = 100

	// How long a single flush may still take once the loop's context is
	// already cancelled.
	flushGracePeriod = time.Second * 4
	flushDelay       = time.Second * 2

	shutdownTimeout = time.Second * 8
)

func flushFunc(ctx context.Context, values []string) error {
	// Detach from the loop's context so a flush that starts during shutdown
	// still gets a grace period to write out its batch.
	gctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushGracePeriod)
	defer cancel()

	fmt.Printf("\nSTARTED FLUSHING %d items: %v\n", len(values), values)

	select {
	case <-gctx.Done():
		fmt.Printf("Gave up flushing %d items: %v\n", len(values), values)
		return gctx.Err()
	case <-time.After(flushDelay):
		fmt.Printf("\nFINISHED FLUSHING %d items: %v\n", len(values), values)
		return nil
	}
}

func main() {
	sigCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The consumer loop gets its own context. The first shutdown trigger
	// uses the graceful path below; cancel is kept as the forceful fallback.
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	init := hopper.New[string]().MaxCount(maxBatchCount).MaxWait(maxBatchWait).Capacity(queueCapacity)

	batcher, err := init.Start(runCtx, flushFunc)
	if err != nil {
		fmt.Printf("Failed to start batcher: %v\n", err)
		os.Exit(1)
	}

	fmt.Print("Started, type words and press ENTER to add items to the batcher.\n Type exit to stop the batcher, or press Ctrl-C.\n")

	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			item := scanner.Text()

			if item == "exit" {
				batcher.Close()
				return
			}

			if err := batcher.Submit(runCtx, item); err != nil {
				fmt.Printf("Failed to add item %s to batcher: %v\n", item, err)
			}
		}
	}()

	select {
	case <-sigCtx.Done():
		// Graceful: stop the intake and let the loop drain what it already
		// accepted.
		fmt.Println("Shutting down, draining the remaining items.")
		batcher.Close()
	case <-batcher.Done():
	}

	select {
	case <-batcher.Done():
	case <-time.After(shutdownTimeout):
		// Forceful: cancel the loop. The pending batch is handled according
		// to the configured CancelPolicy.
		fmt.Println("Draining takes too long, cancelling the batcher.")
		cancel()
		<-batcher.Done()
	}

	if err := batcher.Err(); err != nil {
		fmt.Printf("Batcher finished with error: %v\n", err)
	}
	fmt.Println("FIN.")
}
