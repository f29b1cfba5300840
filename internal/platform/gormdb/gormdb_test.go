package gormdb

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func TestOpen_SQLiteMemory(t *testing.T) {
	db, err := Open(Config{Dialect: DialectSQLite, DSN: ":memory:"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer Close(db)

	if IsPostgres(db) {
		t.Error("expected sqlite dialect")
	}
	var one int
	if err := db.Raw("SELECT 1").Scan(&one).Error; err != nil {
		t.Fatalf("query: %v", err)
	}
	if one != 1 {
		t.Errorf("expected 1, got %d", one)
	}
}

func TestOpen_UnknownDialect(t *testing.T) {
	if _, err := Open(Config{Dialect: "oracle"}, zerolog.Nop()); err == nil {
		t.Fatal("expected error for unknown dialect")
	}
}

func TestLogger_Trace(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(zerolog.New(&buf), 10*time.Millisecond)
	fc := func() (string, int64) { return "SELECT * FROM appointments", 3 }

	l.Trace(context.Background(), time.Now(), fc, gorm.ErrRecordNotFound)
	if buf.Len() != 0 {
		t.Errorf("record not found should not be logged, got %s", buf.String())
	}

	l.Trace(context.Background(), time.Now(), fc, errors.New("disk I/O error"))
	if !strings.Contains(buf.String(), "gorm query failed") {
		t.Errorf("expected error log, got %s", buf.String())
	}

	buf.Reset()
	l.Trace(context.Background(), time.Now().Add(-time.Second), fc, nil)
	if !strings.Contains(buf.String(), "slow query") {
		t.Errorf("expected slow query log, got %s", buf.String())
	}

	buf.Reset()
	silent := l.LogMode(gormlogger.Silent)
	silent.Trace(context.Background(), time.Now().Add(-time.Second), fc, errors.New("boom"))
	if buf.Len() != 0 {
		t.Errorf("silent logger wrote %s", buf.String())
	}
}
