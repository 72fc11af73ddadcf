//go:build unix

package main

import (
	"os"
	"os/signal"
	"syscall"
)

// notifyForeground calls fn on SIGCONT, which the shell sends when a
// stopped job is resumed.
func notifyForeground(fn func()) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGCONT)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ch:
				fn()
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}
