package ui

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/getlantern/systray"

	"github.com/clipmerge/clipmerge/internal/merge"
)

// RefreshInterval is how often the tray re-reads merge state.
const RefreshInterval = 5 * time.Second

// ActivityCounter reports how many merges are running.
type ActivityCounter interface {
	ActiveMerges() int
}

// LatestMerge returns the most recent merge job, or nil.
type LatestMerge interface {
	Latest(ctx context.Context) (*merge.Record, error)
}

// Cleaner runs one expiry sweep.
type Cleaner interface {
	RunNow(ctx context.Context) int
}

type Tray struct {
	activity ActivityCounter
	merges   LatestMerge
	cleaner  Cleaner
	address  string
	logger   *slog.Logger

	statusItem *systray.MenuItem
	lastItem   *systray.MenuItem

	mu   sync.Mutex
	stop chan struct{}

	onQuit func()
}

type TrayConfig struct {
	Activity ActivityCounter
	Merges   LatestMerge
	Cleaner  Cleaner
	Address  string
	Logger   *slog.Logger
	OnQuit   func()
}

func NewTray(cfg TrayConfig) *Tray {
	return &Tray{
		activity: cfg.Activity,
		merges:   cfg.Merges,
		cleaner:  cfg.Cleaner,
		address:  cfg.Address,
		logger:   cfg.Logger,
		stop:     make(chan struct{}),
		onQuit:   cfg.OnQuit,
	}
}

// Run blocks until the tray exits.
func (t *Tray) Run() {
	systray.Run(t.onReady, t.onExit)
}

func (t *Tray) onReady() {
	systray.SetIcon(iconBytes)
	systray.SetTitle("Clipmerge")
	systray.SetTooltip("Clipmerge on " + t.address)

	t.statusItem = systray.AddMenuItem(statusTitle(0), "Merges in progress")
	t.statusItem.Disable()

	t.lastItem = systray.AddMenuItem(lastMergeTitle(nil), "Most recent merge")
	t.lastItem.Disable()

	systray.AddSeparator()

	cleanupItem := systray.AddMenuItem("Run cleanup now", "Delete expired session files")

	systray.AddSeparator()

	quitItem := systray.AddMenuItem("Quit", "Quit Clipmerge")

	t.refresh()
	go t.refreshLoop()

	go func() {
		for {
			select {
			case <-cleanupItem.ClickedCh:
				t.runCleanup()
			case <-quitItem.ClickedCh:
				t.logger.Info("quit requested from tray")
				if t.onQuit != nil {
					t.onQuit()
				}
				systray.Quit()
				return
			}
		}
	}()

	t.logger.Info("system tray ready")
}

func (t *Tray) onExit() {
	t.mu.Lock()
	select {
	case <-t.stop:
	default:
		close(t.stop)
	}
	t.mu.Unlock()
	t.logger.Info("system tray exiting")
}

func (t *Tray) refreshLoop() {
	ticker := time.NewTicker(RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.refresh()
		}
	}
}

func (t *Tray) refresh() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.activity != nil {
		t.statusItem.SetTitle(statusTitle(t.activity.ActiveMerges()))
	}
	if t.merges != nil {
		rec, err := t.merges.Latest(context.Background())
		if err != nil {
			t.logger.Warn("failed to read latest merge", "error", err)
			return
		}
		t.lastItem.SetTitle(lastMergeTitle(rec))
	}
}

func (t *Tray) runCleanup() {
	if t.cleaner == nil {
		return
	}
	removed := t.cleaner.RunNow(context.Background())
	t.logger.Info("cleanup requested from tray", "removed", removed)
	t.refresh()
}

func (t *Tray) Quit() {
	systray.Quit()
}

func statusTitle(active int) string {
	switch active {
	case 0:
		return "Status: Idle"
	case 1:
		return "Status: Merging 1 session"
	default:
		return fmt.Sprintf("Status: Merging %d sessions", active)
	}
}

func lastMergeTitle(rec *merge.Record) string {
	if rec == nil {
		return "Last merge: none"
	}
	when := humanize.Time(rec.UpdatedAt)
	switch rec.State {
	case merge.StateDone:
		return fmt.Sprintf("Last merge: %s, %s (%s)",
			humanize.Bytes(uint64(rec.SizeBytes)), formatSeconds(rec.ActualDuration), when)
	case merge.StateError:
		return fmt.Sprintf("Last merge: failed (%s)", when)
	default:
		return fmt.Sprintf("Last merge: %s", rec.State)
	}
}

func formatSeconds(s float64) string {
	return (time.Duration(s*10) * time.Second / 10).String()
}
