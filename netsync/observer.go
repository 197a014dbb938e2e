// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package netsync

import (
	"fmt"
	"sync"
	"time"

	"github.com/utreexo/horizond/peer"
)

// SyncType identifies a sync stage.
type SyncType int

const (
	SyncHeaders SyncType = iota
	SyncHorizon
	SyncBlocks
)

var syncTypeStrings = map[SyncType]string{
	SyncHeaders: "header sync",
	SyncHorizon: "horizon sync",
	SyncBlocks:  "block sync",
}

func (t SyncType) String() string {
	if s, ok := syncTypeStrings[t]; ok {
		return s
	}
	return fmt.Sprintf("Unknown SyncType (%d)", int(t))
}

// ProgressEvent reports how far a sync stage got.  Current and Target are
// heights for header and block sync and item counts for horizon sync.
type ProgressEvent struct {
	Type      SyncType
	Peer      peer.NodeID
	Current   uint64
	Target    uint64
	Fraction  float64
	Remaining time.Duration
}

// SyncObserver is told about the sync stages run by the sync manager.
type SyncObserver interface {
	// OnStarting is called when a stage connects to its first peer.
	OnStarting(typ SyncType, id peer.NodeID)

	// OnProgress is called as a stage makes progress.
	OnProgress(ev ProgressEvent)

	// OnComplete is called when a stage ends, err is nil on success.
	OnComplete(typ SyncType, err error)
}

// observers fans events out to several observers.
type observers []SyncObserver

func (o observers) OnStarting(typ SyncType, id peer.NodeID) {
	for _, obs := range o {
		obs.OnStarting(typ, id)
	}
}

func (o observers) OnProgress(ev ProgressEvent) {
	for _, obs := range o {
		obs.OnProgress(ev)
	}
}

func (o observers) OnComplete(typ SyncType, err error) {
	for _, obs := range o {
		obs.OnComplete(typ, err)
	}
}

// progressTracker turns positions into progress events carrying an
// estimate of the remaining time.
type progressTracker struct {
	typ   SyncType
	start time.Time
	from  uint64
	to    uint64
}

func newProgressTracker(typ SyncType, from, to uint64) *progressTracker {
	return &progressTracker{typ: typ, start: time.Now(), from: from, to: to}
}

func (p *progressTracker) event(id peer.NodeID, current uint64) ProgressEvent {
	ev := ProgressEvent{
		Type:     p.typ,
		Peer:     id,
		Current:  current,
		Target:   p.to,
		Fraction: 1,
	}
	if p.to > p.from && current < p.to {
		ev.Fraction = float64(current-p.from) / float64(p.to-p.from)
	}
	elapsed := time.Since(p.start)
	if done := current - p.from; current > p.from && current < p.to && elapsed > 0 {
		perItem := elapsed / time.Duration(done)
		ev.Remaining = perItem * time.Duration(p.to-current)
	}
	return ev
}

// logObserver logs the sync stages, progress at most once every interval.
type logObserver struct {
	interval time.Duration

	mtx     sync.Mutex
	lastLog time.Time
}

func newLogObserver() *logObserver {
	return &logObserver{interval: 10 * time.Second}
}

func (o *logObserver) OnStarting(typ SyncType, id peer.NodeID) {
	log.Infof("Starting %v with peer %s", typ, id)
}

func (o *logObserver) OnProgress(ev ProgressEvent) {
	o.mtx.Lock()
	now := time.Now()
	if now.Sub(o.lastLog) < o.interval {
		o.mtx.Unlock()
		return
	}
	o.lastLog = now
	o.mtx.Unlock()

	log.Infof("%v: %d of %d (%.2f%%, about %v remaining)", ev.Type,
		ev.Current, ev.Target, ev.Fraction*100,
		ev.Remaining.Truncate(time.Second))
}

func (o *logObserver) OnComplete(typ SyncType, err error) {
	if err != nil {
		log.Warnf("%v failed: %v", typ, err)
		return
	}
	log.Infof("%v complete", typ)
}

// metricsObserver reflects the sync stages in the metrics.
type metricsObserver struct {
	m *Metrics
}

func (o metricsObserver) OnStarting(SyncType, peer.NodeID) {}

func (o metricsObserver) OnProgress(ev ProgressEvent) {
	switch ev.Type {
	case SyncHeaders:
		o.m.HeaderHeight.Set(float64(ev.Current))
	case SyncBlocks:
		o.m.BlockHeight.Set(float64(ev.Current))
		o.m.SyncedBlocks.Add(1)
	}
}

func (o metricsObserver) OnComplete(SyncType, error) {}
