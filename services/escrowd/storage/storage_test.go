package storage

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"tradeescrow/services/escrowd/models"
)

func TestFileDSNRequiresPath(t *testing.T) {
	if _, err := FileDSN("  "); !errors.Is(err, ErrDSNRequired) {
		t.Fatalf("expected ErrDSNRequired, got %v", err)
	}
}

func TestFileDSNAbsolute(t *testing.T) {
	dsn, err := FileDSN("escrowd.sqlite")
	if err != nil {
		t.Fatalf("file dsn: %v", err)
	}
	if !strings.HasPrefix(dsn, "file:/") {
		t.Fatalf("expected absolute file DSN, got %s", dsn)
	}
	if !strings.Contains(dsn, "busy_timeout") {
		t.Fatalf("expected pragmas in DSN, got %s", dsn)
	}
}

func TestIsPostgres(t *testing.T) {
	cases := map[string]bool{
		"postgres://user@localhost/escrow":   true,
		"POSTGRESQL://user@localhost/escrow": true,
		MemoryDSN():                          false,
		"file:/tmp/escrow.sqlite":            false,
	}
	for dsn, want := range cases {
		if got := IsPostgres(dsn); got != want {
			t.Fatalf("IsPostgres(%q) = %v, want %v", dsn, got, want)
		}
	}
}

func TestOpenMigratesAndRecordsEvents(t *testing.T) {
	db, err := Open(MemoryDSN())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = Close(db) })

	tradeID := uuid.New()
	if err := AppendEvent(db, EntityTrade, tradeID, uuid.Nil, "trade.created", "amount=1", time.Now()); err != nil {
		t.Fatalf("append event: %v", err)
	}
	var count int64
	if err := db.Model(&models.Event{}).Where("entity_id = ?", tradeID).Count(&count).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 event, got %d", count)
	}
}

func TestOpenOnDisk(t *testing.T) {
	dsn, err := FileDSN(filepath.Join(t.TempDir(), "escrowd.sqlite"))
	if err != nil {
		t.Fatalf("file dsn: %v", err)
	}
	db, err := Open(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := Close(db); err != nil {
		t.Fatalf("close: %v", err)
	}
}
