// Package main contains the code snippet from the README.md file.
package main

import (
	"context"
	"fmt"
	"time"

	"github.com/millrace/hopper"
)

// Event is a type that will be batched.
type Event struct {
	ID   int
	Name string
}

func main() {
	// Define a function that will be called with each completed batch.
	// Calls never overlap; the next batch is only handed over after the
	// previous call has returned. Returning an error stops the batcher.
	flush := func(_ context.Context, events []Event) error {
		fmt.Println("Flushing a batch of", len(events), "events")
		return nil
	}

	// Create a new batcher that flushes batches of up to 2000 events, or
	// whatever arrived within 10 seconds of a batch starting, whichever
	// comes first. The default queue capacity is 10_000 items.
	init := hopper.New[Event]().MaxCount(2000).MaxWait(10 * time.Second)

	// Start the batcher, it will only error immediately or not at all. This is a non-blocking call.
	batcher, err := init.Start(context.Background(), flush)
	if err != nil {
		panic(err)
	}

	events := make([]Event, 0, 5000)
	for i := 0; i < 5000; i++ {
		events = append(events, Event{ID: i, Name: "some name"})
	}

	// Feed the events from any number of producers. FeedAll closes the
	// batcher once the last producer has finished.
	if err := hopper.FeedAll(context.Background(), batcher, hopper.FromSlice(events)); err != nil {
		panic(err)
	}

	// Wait for the batcher to finish flushing.
	<-batcher.Done()
	if err := batcher.Err(); err != nil {
		panic(err)
	}
}
