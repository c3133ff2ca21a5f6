// Package main demonstrates spreading one key space over several batchers
// with rendezvous hashing, one batcher per downstream node.
package main

import (
	"context"
	"fmt"

	"github.com/millrace/hopper"
	"github.com/millrace/hopper/rendezvous"
)

const maxBatchCount = 256

func main() {
	ctx := context.Background()
	nodes := []string{"ingest-1", "ingest-2", "ingest-3"}

	// One batcher per node; each flush stands in for a bulk write to that
	// node.
	batchers := make(map[string]*hopper.Batcher[string], len(nodes))
	for _, node := range nodes {
		b, err := hopper.New[string]().MaxCount(maxBatchCount).Start(ctx,
			func(_ context.Context, keys []string) error {
				fmt.Printf("%s <- batch of %d keys\n", node, len(keys))
				return nil
			})
		if err != nil {
			panic(err)
		}
		batchers[node] = b
	}

	// Route every key to the node that owns it. The assignment is stable:
	// rerunning this program routes each key to the same node, and removing
	// a node only moves the keys that node owned.
	routed := make(map[string]int, len(nodes))
	for i := 0; i < 10_000; i++ {
		key := fmt.Sprintf("session-%d", i)
		node, ok := rendezvous.Select(key, nodes)
		if !ok {
			panic("no nodes to route to")
		}
		routed[node]++
		if err := batchers[node].Submit(ctx, key); err != nil {
			panic(err)
		}
	}

	for _, b := range batchers {
		b.Close()
	}
	for _, node := range nodes {
		b := batchers[node]
		<-b.Done()
		if err := b.Err(); err != nil {
			panic(err)
		}
		fmt.Printf("%s owned %d keys\n", node, routed[node])
	}
}
