// Copyright (c) 2024 The horizond developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package peer

import (
	"sync"
	"time"

	"golang.org/x/exp/slices"
)

// PermanentBan is passed as the ban duration to ban a peer forever.
const PermanentBan time.Duration = -1

// BanRecord describes why and until when a peer is banned.
type BanRecord struct {
	ID        NodeID
	Reason    string
	BannedAt  time.Time
	ExpiresAt time.Time
	Permanent bool
}

// BanManager keeps the set of banned peers.  Temporary bans expire on their
// own, permanent bans are never lifted by a later temporary ban.
type BanManager struct {
	mtx        sync.Mutex
	bans       map[NodeID]*BanRecord
	timeSource func() time.Time
	onBan      []func(NodeID)
}

// NewBanManager returns an empty ban manager.  A nil timeSource uses the
// wall clock.
func NewBanManager(timeSource func() time.Time) *BanManager {
	if timeSource == nil {
		timeSource = time.Now
	}
	return &BanManager{
		bans:       make(map[NodeID]*BanRecord),
		timeSource: timeSource,
	}
}

// OnBan registers a callback run every time a peer gets banned, for
// instance to disconnect it.
func (m *BanManager) OnBan(fn func(NodeID)) {
	m.mtx.Lock()
	m.onBan = append(m.onBan, fn)
	m.mtx.Unlock()
}

// BanPeer bans id for duration, or forever when duration is PermanentBan.
func (m *BanManager) BanPeer(id NodeID, duration time.Duration, reason string) BanRecord {
	m.mtx.Lock()
	now := m.timeSource()
	rec := &BanRecord{
		ID:        id,
		Reason:    reason,
		BannedAt:  now,
		Permanent: duration == PermanentBan,
	}
	if !rec.Permanent {
		rec.ExpiresAt = now.Add(duration)
	}
	if old, ok := m.bans[id]; ok && m.activeLocked(old, now) {
		switch {
		case old.Permanent:
			rec = old
		case !rec.Permanent && old.ExpiresAt.After(rec.ExpiresAt):
			rec.ExpiresAt = old.ExpiresAt
		}
	}
	m.bans[id] = rec
	callbacks := m.onBan
	m.mtx.Unlock()

	if rec.Permanent {
		log.Infof("Banned peer %s permanently: %s", id, reason)
	} else {
		log.Infof("Banned peer %s until %v: %s", id,
			rec.ExpiresAt.Format(time.RFC3339), reason)
	}
	for _, fn := range callbacks {
		fn(id)
	}
	return *rec
}

func (m *BanManager) activeLocked(rec *BanRecord, now time.Time) bool {
	return rec.Permanent || now.Before(rec.ExpiresAt)
}

// IsBanned returns whether id is currently banned.  Expired bans are
// forgotten.
func (m *BanManager) IsBanned(id NodeID) bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	rec, ok := m.bans[id]
	if !ok {
		return false
	}
	if !m.activeLocked(rec, m.timeSource()) {
		delete(m.bans, id)
		return false
	}
	return true
}

// Unban lifts any ban on id.
func (m *BanManager) Unban(id NodeID) {
	m.mtx.Lock()
	delete(m.bans, id)
	m.mtx.Unlock()
}

// BannedPeers returns the active bans ordered by ban time.
func (m *BanManager) BannedPeers() []BanRecord {
	m.mtx.Lock()
	now := m.timeSource()
	recs := make([]BanRecord, 0, len(m.bans))
	for id, rec := range m.bans {
		if !m.activeLocked(rec, now) {
			delete(m.bans, id)
			continue
		}
		recs = append(recs, *rec)
	}
	m.mtx.Unlock()

	slices.SortFunc(recs, func(a, b BanRecord) int {
		return a.BannedAt.Compare(b.BannedAt)
	})
	return recs
}
