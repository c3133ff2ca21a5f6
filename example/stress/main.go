// Package main provides a stress test for the hopper package.
package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/exp/rand"

	"github.com/millrace/hopper"
)

func main() {
	for i := 0; i < 100; i++ {
		writers := rand.Intn(1000) + 1
		submitsPerWriter := rand.Intn(1000) + 1
		maxCount := rand.Intn(1000) + 1
		maxWait := time.Duration(rand.Intn(1000)) * time.Microsecond
		test(writers, submitsPerWriter, maxCount, maxWait)
	}
}

func test(writers, submitsPerWriter, maxCount int, maxWait time.Duration) {
	ctx := context.Background()
	expectTotal := writers * submitsPerWriter
	totalFlushed := 0

	fmt.Printf(
		"📋 Test with %d writers, %d submitsPerWriter, %d maxCount, maxWait %s\n",
		writers,
		submitsPerWriter,
		maxCount,
		maxWait.String(),
	)

	// The flush callback only ever runs on the consumer goroutine, so the
	// counter needs no locking.
	init := hopper.New[bool]().MaxCount(maxCount).MaxWait(maxWait).Capacity(expectTotal)
	b, err := init.Start(ctx, func(_ context.Context, items []bool) error {
		totalFlushed += len(items)
		return nil
	})
	if err != nil {
		panic(err)
	}

	// Let all the writers finish.
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < submitsPerWriter; j++ {
				// Shouldn't error, the queue is large enough and nothing
				// closes it while the writers run.
				if err := b.Submit(ctx, true); err != nil {
					panic(err)
				}
				time.Sleep(time.Duration(rand.Intn(2000)) * time.Microsecond)
			}
		}()
	}
	fmt.Printf(" - ⏱️ ... Waiting for writers to finish\n")
	wg.Wait()

	fmt.Printf(" - ⏱️ ... Closing the batcher\n")
	b.Close()

	fmt.Printf(" - ⏱️ ... Waiting for the batcher to finish\n")
	<-b.Done()
	if err := b.Err(); err != nil {
		panic(err)
	}

	if totalFlushed != expectTotal {
		fmt.Printf(" - ❌ totalFlushed (%d) != expectTotal (%d)\n", totalFlushed, expectTotal)
	} else {
		fmt.Printf(" - ✅ Test good\n")
	}
}
