// Package diskcheck watches the usage of the filesystem holding the job
// folders and tells the processor when it crosses the configured
// thresholds.
package diskcheck

import (
	"context"
	"errors"
	"log"
	"syscall"
	"time"
)

const (
	// Healthy means the disk usage is at or below the low watermark.
	Healthy Health = Health(true)

	// Sick means the disk usage went above the high watermark.
	Sick = Health(false)
)

var statfs = syscall.Statfs

// Checker monitors the disk and announces health transitions on its
// channel. It only writes when the state actually changes, so a reader can
// treat every message as an edge: Sick means stop dispatching heavy
// downloads, Healthy means resume them.
//
// The disk is considered healthy at start. Run alternates between two
// blocking waits, waitForSick and waitForHealthy; whichever is currently
// executing encodes the present state, so no state field is needed.
type Checker interface {
	Run(ctx context.Context)
	C() chan Health
}

// Health is the disk state carried on the checker channel.
type Health bool

func (h Health) String() string {
	if h == Healthy {
		return "healthy"
	}
	return "sick"
}

// usagePercent is a whole disk usage percentage, e.g. 90 for 90%.
type usagePercent int

type diskChecker struct {
	interval time.Duration

	// path is the directory whose filesystem is watched.
	path string

	// Hysteresis band: sick above high, healthy again at or below low.
	high, low usagePercent

	c chan Health
}

// New returns a checker for the filesystem holding path. The thresholds
// must satisfy 0 <= low < high <= 100.
func New(path string, high int, low int, interval time.Duration) (Checker, error) {
	if low >= high {
		return nil, errors.New("low watermark must be smaller than high")
	}
	if low < 0 || high > 100 {
		return nil, errors.New("watermarks must be between 0 and 100")
	}
	// Fail fast if the filesystem statistics are not readable at all.
	if _, err := fetchUsage(path); err != nil {
		return nil, err
	}

	return &diskChecker{
		path:     path,
		high:     usagePercent(high),
		low:      usagePercent(low),
		interval: interval,
		c:        make(chan Health),
	}, nil
}

func (d *diskChecker) C() chan Health {
	return d.c
}

// Run loops between the two wait states until ctx is cancelled.
func (d *diskChecker) Run(ctx context.Context) {
	for {
		if err := d.waitForSick(ctx); err != nil {
			return
		}
		if err := d.waitForHealthy(ctx); err != nil {
			return
		}
	}
}

func (d *diskChecker) waitForSick(ctx context.Context) error {
	tick := time.NewTicker(d.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			du, err := fetchUsage(d.path)
			if err != nil {
				log.Printf("[diskcheck] Disk usage error while healthy: %v", err)
				continue
			}
			if du > d.high {
				d.c <- Sick
				return nil
			}
		}
	}
}

func (d *diskChecker) waitForHealthy(ctx context.Context) error {
	tick := time.NewTicker(d.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
			du, err := fetchUsage(d.path)
			if err != nil {
				log.Printf("[diskcheck] Disk usage error while sick: %v", err)
				continue
			}
			if du <= d.low {
				d.c <- Healthy
				return nil
			}
		}
	}
}

func fetchUsage(path string) (usagePercent, error) {
	fs := syscall.Statfs_t{}
	if err := statfs(path, &fs); err != nil {
		return 0, errors.New("could not get filesystem statistics: " + err.Error())
	}
	all := fs.Blocks * uint64(fs.Bsize)
	free := fs.Bfree * uint64(fs.Bsize)
	used := all - free
	usage := (float32(used) / float32(all)) * 100
	return usagePercent(usage), nil
}
