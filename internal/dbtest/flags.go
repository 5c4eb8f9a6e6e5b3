package dbtest

import (
	"flag"
	"os"
	"os/signal"
)

// Inspect keeps the container of a failed test running until the developer
// interrupts the test binary. The testcontainers reaper still removes it
// eventually.
var Inspect = flag.Bool("dbtest.inspect", false, "keep the container of a failed test running for inspection")

// waitForInterrupt blocks until SIGINT (Ctrl+C).
func waitForInterrupt() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	defer signal.Stop(c)
	<-c
}
