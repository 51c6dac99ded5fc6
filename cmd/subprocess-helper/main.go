// Command subprocess-helper is a test fixture: it echoes stdin to
// stdout, optionally exits with a chosen code, or sleeps for a chosen
// duration. It exists only so the package tests have a real child
// binary to exec against, matching spec §8's end-to-end scenarios.
package main

import (
	"flag"
	"io"
	"os"
	"time"
)

func main() {
	var (
		ret   = flag.Int("return", 0, "exit code to return")
		delay = flag.Int("delay", 0, "milliseconds to sleep before exiting")
		io_   = flag.String("io", "echo", "echo or disable")
	)
	flag.Parse()

	if *delay > 0 {
		time.Sleep(time.Duration(*delay) * time.Millisecond)
	}

	if *io_ == "echo" {
		io.Copy(os.Stdout, os.Stdin)
	}

	os.Exit(*ret)
}
