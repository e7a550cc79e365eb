package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/google/uuid"
)

// ReleaseFunc gives up a run lease. Calling it more than once is safe.
type ReleaseFunc func() error

// leaseOwner identifies the process running an operation
type leaseOwner struct {
	Token      string    `json:"token"`
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	AcquiredAt time.Time `json:"acquired_at"`
}

func newLeaseOwner(now time.Time) leaseOwner {
	host, _ := os.Hostname()
	return leaseOwner{
		Token:      uuid.NewString(),
		PID:        os.Getpid(),
		Host:       host,
		AcquiredAt: now,
	}
}

// stale reports whether the owning process is gone. Owners on another
// host are never considered stale.
func (o leaseOwner) stale() bool {
	if o.PID <= 0 {
		return true
	}
	host, _ := os.Hostname()
	if o.Host != host {
		return false
	}
	return !processAlive(o.PID)
}

func (o leaseOwner) lockedError(id string) error {
	return fmt.Errorf("%w: %s is held by pid %d on %s since %s",
		ErrLocked, id, o.PID, o.Host, o.AcquiredAt.Format(time.RFC3339))
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = p.Signal(syscall.Signal(0))
	return err == nil || !errors.Is(err, os.ErrProcessDone)
}
