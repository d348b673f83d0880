package manager

import (
	"log/slog"
	"testing"

	"icc.tech/capture-agent/internal/bus"
	"icc.tech/capture-agent/internal/config"
	"icc.tech/capture-agent/internal/messages"
	"icc.tech/capture-agent/internal/pdef"
	"icc.tech/capture-agent/internal/tasktable"
)

func newTestActor(t *testing.T, maxConcurrent int) (*Actor, *bus.Bus) {
	t.Helper()
	b := bus.New(16)
	table := tasktable.New()
	cache := pdef.NewCache(0, 0)
	worker := bus.Dest{Actor: bus.ActorWorker, ObjectID: "0"}
	if _, err := b.Register(worker); err != nil {
		t.Fatalf("register worker: %v", err)
	}
	cleanup := bus.Dest{Actor: bus.ActorCleanup}
	if _, err := b.Register(cleanup); err != nil {
		t.Fatalf("register cleanup: %v", err)
	}

	snap := &config.Snapshot{
		DefaultInterface:      "eth0",
		DefaultDuration:       60,
		MaxConcurrentCaptures: maxConcurrent,
		Protocols:             map[string]string{},
	}
	logger := slog.Default()
	a := New(b, cleanup, table, cache, []bus.Dest{worker}, snap, logger)
	if _, err := b.Register(a.Self()); err != nil {
		t.Fatalf("register manager: %v", err)
	}
	return a, b
}

func TestHandleStartInterfaceModeSucceeds(t *testing.T) {
	a, _ := newTestActor(t, 10)
	reply := make(chan messages.StartReply, 1)
	a.handleStart(messages.StartCapture{
		Mode:  tasktable.ModeInterface,
		Iface: "eth0",
		Reply: reply,
	})
	r := <-reply
	if r.HTTPStatus != 200 {
		t.Fatalf("expected 200, got %d (%s)", r.HTTPStatus, r.Error)
	}
	if r.CaptureID < 1000 {
		t.Fatalf("expected capture id >= 1000, got %d", r.CaptureID)
	}
}

func TestHandleStartDedupConflict(t *testing.T) {
	a, _ := newTestActor(t, 10)

	first := make(chan messages.StartReply, 1)
	a.handleStart(messages.StartCapture{Mode: tasktable.ModeInterface, Iface: "eth0", Reply: first})
	if r := <-first; r.HTTPStatus != 200 {
		t.Fatalf("first start failed: %d %s", r.HTTPStatus, r.Error)
	}

	second := make(chan messages.StartReply, 1)
	a.handleStart(messages.StartCapture{Mode: tasktable.ModeInterface, Iface: "eth0", Reply: second})
	r := <-second
	if r.HTTPStatus != 409 {
		t.Fatalf("expected 409 conflict, got %d", r.HTTPStatus)
	}
}

func TestHandleStartCapacityGate(t *testing.T) {
	a, _ := newTestActor(t, 1)

	first := make(chan messages.StartReply, 1)
	a.handleStart(messages.StartCapture{Mode: tasktable.ModeInterface, Iface: "eth0", Reply: first})
	if r := <-first; r.HTTPStatus != 200 {
		t.Fatalf("first start failed: %d %s", r.HTTPStatus, r.Error)
	}

	second := make(chan messages.StartReply, 1)
	a.handleStart(messages.StartCapture{Mode: tasktable.ModeInterface, Iface: "wlan0", Reply: second})
	r := <-second
	if r.HTTPStatus != 429 {
		t.Fatalf("expected 429, got %d", r.HTTPStatus)
	}
}

func TestHandleStartContainerModeDistinguishesContainers(t *testing.T) {
	a, _ := newTestActor(t, 10)

	first := make(chan messages.StartReply, 1)
	a.handleStart(messages.StartCapture{Mode: tasktable.ModeContainer, Iface: "eth0", ContainerID: "container-a", Reply: first})
	if r := <-first; r.HTTPStatus != 200 {
		t.Fatalf("first container start failed: %d %s", r.HTTPStatus, r.Error)
	}

	second := make(chan messages.StartReply, 1)
	a.handleStart(messages.StartCapture{Mode: tasktable.ModeContainer, Iface: "eth0", ContainerID: "container-b", Reply: second})
	if r := <-second; r.HTTPStatus != 200 {
		t.Fatalf("expected distinct container to succeed, got %d %s", r.HTTPStatus, r.Error)
	}

	third := make(chan messages.StartReply, 1)
	a.handleStart(messages.StartCapture{Mode: tasktable.ModeContainer, Iface: "eth0", ContainerID: "container-a", Reply: third})
	if r := <-third; r.HTTPStatus != 409 {
		t.Fatalf("expected 409 for same container, got %d", r.HTTPStatus)
	}
}

func TestHandleStopUnknownCapture(t *testing.T) {
	a, _ := newTestActor(t, 10)
	reply := make(chan messages.StopReply, 1)
	a.handleStop(messages.StopCapture{CaptureID: 99999, Reply: reply})
	r := <-reply
	if r.HTTPStatus != 404 {
		t.Fatalf("expected 404, got %d", r.HTTPStatus)
	}
}

func TestLifecycleFinishedMarksCompleted(t *testing.T) {
	a, _ := newTestActor(t, 10)
	reply := make(chan messages.StartReply, 1)
	a.handleStart(messages.StartCapture{Mode: tasktable.ModeInterface, Iface: "eth0", Reply: reply})
	r := <-reply

	a.handleFinished(messages.CaptureFinished{CaptureID: r.CaptureID, ExitCode: 0})

	task, ok := a.table.Query(r.CaptureID)
	if !ok {
		t.Fatalf("task not found")
	}
	if task.Status != tasktable.Completed {
		t.Fatalf("expected Completed, got %v", task.Status)
	}
}
