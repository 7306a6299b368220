package health

import (
	"context"
	"os"
	"os/exec"
	"runtime"

	"github.com/go-faster/errors"
)

// GoroutineCountCheck fails when more than threshold goroutines are running.
func GoroutineCountCheck(threshold int) CheckFunc {
	return func(context.Context) error {
		if n := runtime.NumGoroutine(); n > threshold {
			return errors.Errorf("goroutine count %d exceeds threshold %d", n, threshold)
		}
		return nil
	}
}

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck fails when the database does not answer a ping.
func PingCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) error {
		if err := p.Ping(ctx); err != nil {
			return errors.Wrap(err, "ping")
		}
		return nil
	}
}

// BinaryCheck fails when any of the executables cannot be resolved, either
// as a path or through $PATH.
func BinaryCheck(binaries ...string) CheckFunc {
	return func(context.Context) error {
		for _, b := range binaries {
			if _, err := exec.LookPath(b); err != nil {
				return errors.Wrapf(err, "lookup %s", b)
			}
		}
		return nil
	}
}

// DirWritableCheck fails when a file cannot be created in dir.
func DirWritableCheck(dir string) CheckFunc {
	return func(context.Context) error {
		f, err := os.CreateTemp(dir, ".health-*")
		if err != nil {
			return errors.Wrap(err, "create temp file")
		}
		name := f.Name()
		_ = f.Close()
		return os.Remove(name)
	}
}

// DepthFunc reports the number of waiting jobs.
type DepthFunc func(ctx context.Context) (int, error)

// QueueDepthCheck fails when the queue is unreachable or holds more than
// limit jobs. A non-positive limit only checks reachability.
func QueueDepthCheck(depth DepthFunc, limit int) CheckFunc {
	return func(ctx context.Context) error {
		n, err := depth(ctx)
		if err != nil {
			return errors.Wrap(err, "queue depth")
		}
		if limit > 0 && n > limit {
			return errors.Errorf("queue depth %d exceeds %d", n, limit)
		}
		return nil
	}
}
