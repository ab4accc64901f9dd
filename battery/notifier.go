package battery

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/user/ble-battery-server/logger"
	"github.com/user/ble-battery-server/wire/gatt"
)

const (
	DefaultInterval = time.Second
	DefaultStep     = 2
	FullLevel       = 100
)

// Sender delivers a notification to the connected peer.
type Sender interface {
	SendNotification(handle uint16, value []byte) error
}

// Notifier drains a simulated battery and notifies the subscribed peer.
// Run only signals; Tick does the work and must be called from the
// goroutine that owns the store.
type Notifier struct {
	store    *gatt.Store
	level    uint16
	cccd     uint16
	sender   Sender
	interval time.Duration
	step     uint8

	signal chan struct{}
}

// NewNotifier creates a notifier for the Battery Level value and its CCCD.
func NewNotifier(store *gatt.Store, level, cccd uint16, sender Sender, interval time.Duration) *Notifier {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Notifier{
		store:    store,
		level:    level,
		cccd:     cccd,
		sender:   sender,
		interval: interval,
		step:     DefaultStep,
		signal:   make(chan struct{}, 1),
	}
}

// C is signalled once per interval. Missed ticks collapse into one.
func (n *Notifier) C() <-chan struct{} {
	return n.signal
}

// Run drives the ticker until ctx is done.
func (n *Notifier) Run(ctx context.Context) {
	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case n.signal <- struct{}{}:
			default:
			}
		}
	}
}

// NextLevel is the level after one tick: an empty battery is recharged to
// full, anything else drains by step and stops at zero.
func NextLevel(current, step uint8) uint8 {
	if current == 0 {
		return FullLevel
	}
	if current <= step {
		return 0
	}
	return current - step
}

// Tick updates the level and sends one notification. It does nothing when
// no peer is connected or the peer has not enabled notifications.
func (n *Notifier) Tick(connected bool) error {
	if !connected || !n.store.NotificationsEnabled(n.cccd) {
		return nil
	}

	current, ok := n.store.Value(n.level)
	if !ok {
		return errors.Wrapf(gatt.ErrNotFound, "battery level handle 0x%04X", n.level)
	}
	var v uint8
	if len(current) > 0 {
		v = current[0]
	}

	next := []byte{NextLevel(v, n.step)}
	if err := n.store.SetValue(n.level, next); err != nil {
		return errors.Wrap(err, "update battery level")
	}
	if err := n.sender.SendNotification(n.level, next); err != nil {
		return errors.Wrap(err, "notify battery level")
	}
	logger.Trace("BATTERY", "🔋 level %d%%", next[0])
	return nil
}
