package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ryandielhenn/ncpmesh/pkg/ncp"
	"github.com/ryandielhenn/ncpmesh/pkg/node"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:5003", "node address")
	n := flag.Int("n", 100000, "frames per connection")
	conc := flag.Int("c", 8, "connections")
	id := flag.Uint("id", 60000, "sender id of the bench client")
	flag.Parse()

	target := node.NormalizeHostPort(*addr, "5003")
	wg := sync.WaitGroup{}
	var sent, failed atomic.Int64
	start := time.Now()

	for c := 0; c < *conc; c++ {
		wg.Add(1)
		go func(c int) {
			defer wg.Done()
			sender := uint16(*id) + uint16(c)
			conn, err := net.DialTimeout("tcp", target, 5*time.Second)
			if err != nil {
				log.Printf("conn %d: %v", c, err)
				failed.Add(1)
				return
			}
			defer conn.Close()

			w := bufio.NewWriter(conn)
			if err := ncp.WriteMessage(w, node.Handshake(sender)); err != nil {
				failed.Add(1)
				return
			}
			for i := 0; i < *n; i++ {
				msg := ncp.NewMessage(sender, ncp.SignalData, rand.Float32())
				if err := ncp.WriteMessage(w, msg); err != nil {
					log.Printf("conn %d: %v", c, err)
					failed.Add(1)
					return
				}
				sent.Add(1)
			}
			if err := w.Flush(); err != nil {
				log.Printf("conn %d flush: %v", c, err)
				failed.Add(1)
			}
		}(c)
	}
	wg.Wait()
	dur := time.Since(start)
	fmt.Printf("Wrote %d frames (%d bytes) over %d connections in %s (%.2f frames/s, %d failed)\n",
		sent.Load(), sent.Load()*ncp.FrameSize, *conc, dur, float64(sent.Load())/dur.Seconds(), failed.Load())
}
