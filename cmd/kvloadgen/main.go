// Command kvloadgen drives synthetic PUT/REMOVE_ANY traffic directly
// onto a log bus's ops topic, bypassing any ops worker. It exists to
// exercise a running kvopsworker/kvflushengine pair under load without
// needing a real client protocol in front of them.
package main

import (
	"crypto/rand"
	"flag"
	"fmt"
	mrand "math/rand"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"turnstone/logbus"
	"turnstone/protocol"
)

var (
	busDir      = flag.String("bus", "", "Log bus directory to write into")
	opsTopic    = flag.String("topic", "ops", "Ops topic name")
	partitions  = flag.Int("partitions", 1, "Number of partitions to spread load across")
	concurrency = flag.Int("c", 8, "Number of concurrent generator goroutines")
	totalOps    = flag.Int("n", 10000, "Total number of operations to generate")
	valueSize   = flag.Int("v", 128, "Value size in bytes")
	keySize     = flag.Int("k", 16, "Minimum key size in bytes (padded if shorter)")
	removeRatio = flag.Float64("remove-ratio", 0.1, "Fraction of operations that are REMOVE_ANY rather than PUT")
	keyPrefix   = flag.String("prefix", "load", "Key prefix for generated keys")
)

func main() {
	flag.Parse()

	if *busDir == "" {
		fmt.Fprintln(os.Stderr, "kvloadgen: -bus is required")
		os.Exit(1)
	}
	if *totalOps <= 0 || *concurrency <= 0 || *partitions <= 0 {
		fmt.Fprintln(os.Stderr, "kvloadgen: -n, -c, and -partitions must all be > 0")
		os.Exit(1)
	}

	bus, err := logbus.Open(*busDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "kvloadgen: open bus at %s: %v\n", *busDir, err)
		os.Exit(1)
	}
	defer bus.Close()

	payload := make([]byte, *valueSize)
	if _, err := rand.Read(payload); err != nil {
		fmt.Fprintf(os.Stderr, "kvloadgen: generate payload: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("--- kvloadgen ---\n")
	fmt.Printf("Bus:          %s\n", *busDir)
	fmt.Printf("Topic:        %s (%d partitions)\n", *opsTopic, *partitions)
	fmt.Printf("Concurrency:  %d goroutines\n", *concurrency)
	fmt.Printf("Total Ops:    %d\n", *totalOps)
	fmt.Printf("Value Size:   %d bytes\n", *valueSize)
	fmt.Printf("Remove Ratio: %.0f%%\n", *removeRatio*100)
	fmt.Println("-----------------")

	clientID := uint64(time.Now().UnixNano())

	var completed, failed int64
	opsPerWorker := *totalOps / *concurrency
	extraOps := *totalOps % *concurrency
	start := time.Now()

	var wg sync.WaitGroup
	for w := 0; w < *concurrency; w++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			prod := bus.NewProducer()
			defer prod.Close()

			count := opsPerWorker
			if workerID < extraOps {
				count++
			}
			src := mrand.New(mrand.NewSource(int64(workerID) ^ int64(clientID)))
			for i := 0; i < count; i++ {
				key := generateKey(workerID, i)
				partition := src.Intn(*partitions)

				var msg protocol.OpMessage
				msg.ClientID = clientID
				msg.OpID = uint64(workerID)<<32 | uint64(i)
				if src.Float64() < *removeRatio {
					msg.OpType = protocol.OpRemoveAny
				} else {
					msg.OpType = protocol.OpPut
					msg.UpdatedValue = payload
				}

				if err := prod.Send(*opsTopic, partition, []byte(key), msg.Encode()); err != nil {
					atomic.AddInt64(&failed, 1)
					continue
				}
				atomic.AddInt64(&completed, 1)
			}
		}(w)
	}
	wg.Wait()

	elapsed := time.Since(start)
	fmt.Printf("Completed %d ops (%d failed) in %s (%.0f ops/sec)\n",
		completed, failed, elapsed, float64(completed)/elapsed.Seconds())
}

func generateKey(workerID, index int) string {
	base := fmt.Sprintf("%s-%d-%d", *keyPrefix, workerID, index)
	if len(base) < *keySize {
		return base + strings.Repeat("x", *keySize-len(base))
	}
	return base
}
