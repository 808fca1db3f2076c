//go:build windows

package supervisor

import "os"

// Windows processes only support os.Kill via (*os.Process).Signal; a
// graceful SIGTERM-equivalent isn't available, so stop()'s first signal
// already kills the process and the grace period only bounds the wait for
// it to exit.
func interruptSignal() os.Signal { return os.Kill }
