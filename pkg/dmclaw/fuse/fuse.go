// Package fuse caps daily spend on completion calls across processes.
//
// The ledger is a small JSON file keyed by UTC day. Every read-modify-write
// happens under an exclusive lock on "<ledger>.lock", so concurrent
// responders sharing a ledger never lose each other's spend.
package fuse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"
)

const (
	DefaultLockTimeout = 2 * time.Second
	retentionDays      = 7
	dayLayout          = "2006-01-02"
)

var (
	// ErrLockTimeout means the ledger lock was not acquired in time.
	ErrLockTimeout = errors.New("fuse: ledger lock timeout")
	// ErrCorruptLedger means the ledger file could not be decoded.
	ErrCorruptLedger = errors.New("fuse: corrupt ledger")
)

// Day is one day's spend.
type Day struct {
	CostUSD float64 `json:"cost_usd"`
	Calls   int     `json:"calls"`
}

type ledger struct {
	Days map[string]Day `json:"days"`
}

// Options configures a Fuse.
type Options struct {
	LedgerPath  string
	DailyCapUSD float64
	LockTimeout time.Duration
	Now         func() time.Time
}

// Fuse gates calls on the day's recorded spend.
type Fuse struct {
	path        string
	lockPath    string
	cap         float64
	lockTimeout time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

func New(opts Options, logger *slog.Logger) (*Fuse, error) {
	if opts.LedgerPath == "" {
		return nil, fmt.Errorf("fuse: ledger path is required")
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Fuse{
		path:        opts.LedgerPath,
		lockPath:    opts.LedgerPath + ".lock",
		cap:         opts.DailyCapUSD,
		lockTimeout: opts.LockTimeout,
		now:         opts.Now,
		logger:      logger.With("component", "spend_fuse"),
	}, nil
}

// Allow reports whether another call fits under today's cap. It fails
// closed: any error (lock timeout included) yields false.
func (f *Fuse) Allow(ctx context.Context) (bool, error) {
	if f.cap <= 0 {
		return true, nil
	}
	var day Day
	err := withLock(ctx, f.lockPath, f.lockTimeout, func() error {
		l, err := f.read()
		if err != nil {
			return err
		}
		day = l.Days[f.today()]
		return nil
	})
	if err != nil {
		return false, err
	}
	if day.CostUSD >= f.cap {
		f.logger.Info("daily spend cap reached", "cost_usd", day.CostUSD, "cap_usd", f.cap, "calls", day.Calls)
		return false, nil
	}
	return true, nil
}

// Record adds costUSD and one call to today's entry and prunes old days.
func (f *Fuse) Record(ctx context.Context, costUSD float64) error {
	if costUSD < 0 {
		costUSD = 0
	}
	return withLock(ctx, f.lockPath, f.lockTimeout, func() error {
		l, err := f.read()
		if errors.Is(err, ErrCorruptLedger) {
			l = ledger{Days: map[string]Day{}}
		} else if err != nil {
			return err
		}
		key := f.today()
		day := l.Days[key]
		day.CostUSD += costUSD
		day.Calls++
		l.Days[key] = day
		f.prune(&l)
		return f.write(l)
	})
}

// Today returns today's spend.
func (f *Fuse) Today(ctx context.Context) (Day, error) {
	var day Day
	err := withLock(ctx, f.lockPath, f.lockTimeout, func() error {
		l, err := f.read()
		if err != nil {
			return err
		}
		day = l.Days[f.today()]
		return nil
	})
	return day, err
}

// Cap returns the configured daily ceiling; zero or less means unlimited.
func (f *Fuse) Cap() float64 { return f.cap }

func (f *Fuse) today() string {
	return f.now().UTC().Format(dayLayout)
}

// read loads the ledger. A corrupt file is moved aside so the next write
// starts clean; the current caller still sees the error.
func (f *Fuse) read() (ledger, error) {
	l := ledger{Days: map[string]Day{}}
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return l, fmt.Errorf("reading ledger: %w", err)
	}
	if len(data) == 0 {
		return l, nil
	}
	if err := json.Unmarshal(data, &l); err != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", f.path, f.now().Unix())
		if renameErr := os.Rename(f.path, aside); renameErr == nil {
			f.logger.Warn("moved corrupt spend ledger aside", "path", aside, "error", err)
		}
		return ledger{Days: map[string]Day{}}, fmt.Errorf("%w: %v", ErrCorruptLedger, err)
	}
	if l.Days == nil {
		l.Days = map[string]Day{}
	}
	return l, nil
}

func (f *Fuse) write(l ledger) error {
	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding ledger: %w", err)
	}
	return writeAtomic(f.path, append(data, '\n'))
}

func (f *Fuse) prune(l *ledger) {
	cutoff := f.now().UTC().AddDate(0, 0, -retentionDays).Format(dayLayout)
	for k := range l.Days {
		if k < cutoff {
			delete(l.Days, k)
		}
	}
}
