package storage

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"cefguard/internal/logger"
	"cefguard/pkg/model"
	"cefguard/pkg/traffic"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open(MemoryDSN, "cefguard_", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })
	return db
}

func decisionAt(session string, hook model.HookPoint, blocked bool, url string, at time.Time) *traffic.Decision {
	d := traffic.NewDecision(session, hook, blocked, url)
	d.Time = at
	return d
}

func TestHistoryRecordAndRecent(t *testing.T) {
	db := openTestDB(t)
	h := NewHistory(db, nil, HistoryOptions{})

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	h.Record(decisionAt("s1", model.HookDNSResolve, true, "tracker.net", base))
	h.Record(decisionAt("s1", model.HookNetworkRequestCreate, false, "https://api/x", base.Add(time.Second)))
	h.Record(decisionAt("s1", model.HookNetworkRequestCreate, true, "https://cdn/ads/1", base.Add(2*time.Second)))
	h.Close()

	// 关闭后的记录被丢弃
	h.Record(decisionAt("s1", model.HookDNSResolve, true, "late.net", base.Add(time.Hour)))

	recent, err := h.Recent(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "https://cdn/ads/1", recent[0].URL)
	assert.Equal(t, "https://api/x", recent[1].URL)

	d, err := recent[0].Decision()
	require.NoError(t, err)
	assert.Equal(t, model.HookNetworkRequestCreate, d.Hook)
	assert.True(t, d.Blocked)
	assert.True(t, base.Add(2*time.Second).Equal(d.Time))
}

func TestHistoryStats(t *testing.T) {
	db := openTestDB(t)
	h := NewHistory(db, nil, HistoryOptions{})

	now := time.Now()
	h.Record(decisionAt("a", model.HookDNSResolve, true, "t1", now))
	h.Record(decisionAt("a", model.HookDNSResolve, true, "t2", now))
	h.Record(decisionAt("a", model.HookDNSResolve, false, "ok", now))
	h.Record(decisionAt("a", model.HookNetworkRequestCreate, true, "ads", now))
	h.Record(decisionAt("b", model.HookNetworkRequestCreate, false, "other", now))
	h.Close()

	all, err := h.Stats(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, []HookStats{
		{Hook: "cef_urlrequest_create", Blocked: 1, Passed: 1},
		{Hook: "getaddrinfo", Blocked: 2, Passed: 1},
	}, all)

	onlyB, err := h.Stats(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, []HookStats{{Hook: "cef_urlrequest_create", Passed: 1}}, onlyB)
}

func TestHistoryPrune(t *testing.T) {
	db := openTestDB(t)
	h := NewHistory(db, nil, HistoryOptions{})

	cutoff := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h.Record(decisionAt("s", model.HookDNSResolve, true, "old", cutoff.Add(-time.Hour)))
	h.Record(decisionAt("s", model.HookDNSResolve, true, "new", cutoff.Add(time.Hour)))
	h.Close()

	n, err := h.Prune(context.Background(), cutoff)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	rest, err := h.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "new", rest[0].URL)
}

func TestTablePrefix(t *testing.T) {
	db := openTestDB(t)
	assert.True(t, db.Migrator().HasTable("cefguard_request_records"))
}

func TestHistoryWritesCarrySession(t *testing.T) {
	var buf bytes.Buffer
	l, err := logger.New(logger.Options{Level: "debug", Writers: []string{"console"}, Console: &buf})
	require.NoError(t, err)
	db := openTestDB(t).Session(&gorm.Session{Logger: NewGormLogger(l).LogMode(gormlogger.Info)})
	h := NewHistory(db, nil, HistoryOptions{})

	now := time.Now()
	h.Record(decisionAt("s-1", model.HookDNSResolve, true, "tracker.net", now))
	h.Record(decisionAt("s-2", model.HookDNSResolve, false, "api.net", now))
	h.Close()

	var inserts []string
	for _, line := range strings.Split(buf.String(), "\n") {
		if strings.Contains(line, "INSERT") {
			inserts = append(inserts, line)
		}
	}
	require.Len(t, inserts, 2)
	assert.Contains(t, inserts[0], "session=s-1")
	assert.Contains(t, inserts[1], "session=s-2")
}

func TestHistoryPrunesExpiredOnStart(t *testing.T) {
	db := openTestDB(t)
	now := time.Now()
	require.NoError(t, db.Create([]RequestRecord{
		{Session: "s", Hook: "getaddrinfo", URL: "old", CreatedAt: now.Add(-48 * time.Hour)},
		{Session: "s", Hook: "getaddrinfo", URL: "new", CreatedAt: now.Add(-time.Hour)},
	}).Error)

	h := NewHistory(db, nil, HistoryOptions{Retention: 24 * time.Hour})
	h.Close()

	rest, err := h.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "new", rest[0].URL)
}

func TestHistoryPrunesPeriodically(t *testing.T) {
	db := openTestDB(t)
	h := NewHistory(db, nil, HistoryOptions{Retention: 24 * time.Hour, PruneEvery: 20 * time.Millisecond})
	defer h.Close()

	now := time.Now()
	h.Record(decisionAt("s", model.HookDNSResolve, true, "old", now.Add(-48*time.Hour)))
	h.Record(decisionAt("s", model.HookDNSResolve, true, "new", now))

	require.Eventually(t, func() bool {
		recs, err := h.Recent(context.Background(), 10)
		return err == nil && len(recs) == 1 && recs[0].URL == "new"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestHistoryKeepsEverythingWithoutRetention(t *testing.T) {
	db := openTestDB(t)
	require.NoError(t, db.Create(&RequestRecord{
		Session: "s", Hook: "getaddrinfo", URL: "ancient", CreatedAt: time.Now().AddDate(-5, 0, 0),
	}).Error)

	h := NewHistory(db, nil, HistoryOptions{})
	h.Close()

	rest, err := h.Recent(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, rest, 1)
}
