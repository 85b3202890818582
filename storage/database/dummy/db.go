package dummydb

import (
	"net/mail"
	"sync"

	"github.com/aprendia/backend/core/streak"
)

type (
	DB struct {
		streak *streakTables
		users  *userTable
	}

	streakTables struct {
		sync.RWMutex
		completions map[string]*streak.Completion     // (userID, lessonID)
		buckets     map[string]*streak.WeeklyBucket   // (userID, weekKey)
		lessons     map[string]bool                   // (userID, weekKey, lessonID)
		states      map[string]*streak.State          // userID
		ledger      []streak.LedgerEntry              // append-only
		ledgerIdx   map[string]bool                   // (userID, reason, refKey)
		badges      map[string][]streak.Badge         // userID, ladder order
		recoveries  map[string]*streak.RecoveryRecord // (userID, weekKey)
	}

	userTable struct {
		sync.RWMutex
		emails map[string]mail.Address // userID
	}
)

func Open() (*DB, error) {
	db := &DB{
		streak: &streakTables{
			completions: make(map[string]*streak.Completion),
			buckets:     make(map[string]*streak.WeeklyBucket),
			lessons:     make(map[string]bool),
			states:      make(map[string]*streak.State),
			ledgerIdx:   make(map[string]bool),
			badges:      make(map[string][]streak.Badge),
			recoveries:  make(map[string]*streak.RecoveryRecord),
		},
		users: &userTable{emails: make(map[string]mail.Address)},
	}
	return db, nil
}

// SetUserEmail seeds the directory table used by notification lookups.
func (db *DB) SetUserEmail(userID string, addr mail.Address) {
	db.users.Lock()
	defer db.users.Unlock()
	db.users.emails[userID] = addr
}

// snapshot deep-copies the tables so a failed transaction can be rolled back.
func (t *streakTables) snapshot() *streakTables {
	t.RLock()
	defer t.RUnlock()

	snap := &streakTables{
		completions: make(map[string]*streak.Completion, len(t.completions)),
		buckets:     make(map[string]*streak.WeeklyBucket, len(t.buckets)),
		lessons:     make(map[string]bool, len(t.lessons)),
		states:      make(map[string]*streak.State, len(t.states)),
		ledger:      append([]streak.LedgerEntry(nil), t.ledger...),
		ledgerIdx:   make(map[string]bool, len(t.ledgerIdx)),
		badges:      make(map[string][]streak.Badge, len(t.badges)),
		recoveries:  make(map[string]*streak.RecoveryRecord, len(t.recoveries)),
	}
	for k, v := range t.completions {
		c := *v
		snap.completions[k] = &c
	}
	for k, v := range t.buckets {
		b := *v
		snap.buckets[k] = &b
	}
	for k, v := range t.lessons {
		snap.lessons[k] = v
	}
	for k, v := range t.states {
		s := *v
		snap.states[k] = &s
	}
	for k, v := range t.ledgerIdx {
		snap.ledgerIdx[k] = v
	}
	for k, v := range t.badges {
		snap.badges[k] = append([]streak.Badge(nil), v...)
	}
	for k, v := range t.recoveries {
		r := *v
		snap.recoveries[k] = &r
	}
	return snap
}

func (t *streakTables) restore(snap *streakTables) {
	t.Lock()
	defer t.Unlock()

	t.completions = snap.completions
	t.buckets = snap.buckets
	t.lessons = snap.lessons
	t.states = snap.states
	t.ledger = snap.ledger
	t.ledgerIdx = snap.ledgerIdx
	t.badges = snap.badges
	t.recoveries = snap.recoveries
}
