package healthmonitor

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/thatsimonsguy/relay-controller/internal/controller"
	"github.com/thatsimonsguy/relay-controller/internal/model"
)

type fakeDevice struct {
	phase      model.LifecyclePhase
	offline    bool
	recoverErr error
	recovers   int
}

func (d *fakeDevice) Phase() model.LifecyclePhase { return d.phase }
func (d *fakeDevice) IsOffline() bool             { return d.offline }
func (d *fakeDevice) IsResponsive() bool          { return !d.offline }
func (d *fakeDevice) LastResponse() time.Time     { return time.Time{} }
func (d *fakeDevice) DroppedResponses() uint64    { return 0 }

func (d *fakeDevice) Recover(cfg controller.InitConfig) error {
	d.recovers++
	if d.recoverErr != nil {
		return d.recoverErr
	}
	d.offline = false
	d.phase = model.PhaseReady
	return nil
}

func newTestMonitor(dev *fakeDevice) (*Monitor, *[]string) {
	m := New(Config{RecoverBackoff: time.Minute}, dev)
	var sent []string
	m.notify = func(title, _ string) error {
		sent = append(sent, title)
		return nil
	}
	return m, &sent
}

func TestNotifiesOnOfflineEdgeOnly(t *testing.T) {
	dev := &fakeDevice{phase: model.PhaseReady}
	m, sent := newTestMonitor(dev)
	dev.recoverErr = errors.New("still dead")

	m.tick()
	assert.Empty(t, *sent, "healthy device should not alert")

	dev.offline = true
	dev.phase = model.PhaseOffline
	m.tick()
	m.tick()
	assert.Equal(t, []string{"Relay module offline"}, *sent, "offline alert fires once per transition")
}

func TestNotifiesOnRecovery(t *testing.T) {
	dev := &fakeDevice{phase: model.PhaseOffline, offline: true}
	m, sent := newTestMonitor(dev)

	m.tick() // offline edge plus successful recovery
	m.tick() // observes the recovered device

	assert.Equal(t, []string{"Relay module offline", "Relay module recovered"}, *sent)
	assert.Equal(t, 1, dev.recovers)
}

func TestRecoveryRespectsBackoff(t *testing.T) {
	dev := &fakeDevice{phase: model.PhaseOffline, offline: true, recoverErr: errors.New("no response")}
	m, _ := newTestMonitor(dev)

	base := time.Now()
	m.now = func() time.Time { return base }

	m.tick()
	m.tick()
	assert.Equal(t, 1, dev.recovers, "second attempt inside the backoff window is suppressed")

	m.now = func() time.Time { return base.Add(2 * time.Minute) }
	m.tick()
	assert.Equal(t, 2, dev.recovers)
}

func TestPhaseValueMapping(t *testing.T) {
	assert.Equal(t, 0.0, phaseValue(model.PhaseUninitialized))
	assert.Equal(t, 2.0, phaseValue(model.PhaseReady))
	assert.Equal(t, 4.0, phaseValue(model.PhaseOffline))
	assert.Equal(t, -1.0, phaseValue(model.LifecyclePhase("bogus")))
}
