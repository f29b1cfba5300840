package calendar

import (
	"encoding/json"
	"testing"
	"time"
)

func w(start, end string) Window {
	return Window{Start: MustParseClock(start), End: MustParseClock(end)}
}

func equalWindows(t *testing.T, got, want []Window) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("expected %d windows %v, got %d %v", len(want), want, len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("window %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2024-03-04")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Year != 2024 || d.Month != time.March || d.Day != 4 {
		t.Errorf("unexpected date %+v", d)
	}
	if d.Weekday() != time.Monday {
		t.Errorf("expected Monday, got %s", d.Weekday())
	}
	if _, err := ParseDate("04/03/2024"); err == nil {
		t.Error("expected error for wrong layout")
	}
}

func TestDate_Arithmetic(t *testing.T) {
	d := MustParseDate("2024-02-28")
	if got := d.AddDays(1).String(); got != "2024-02-29" {
		t.Errorf("expected leap day, got %s", got)
	}
	if got := d.AddDays(2).String(); got != "2024-03-01" {
		t.Errorf("expected 2024-03-01, got %s", got)
	}
	if !d.Before(d.AddDays(1)) || d.After(d.AddDays(1)) {
		t.Error("ordering is wrong")
	}
	if n := d.DaysUntil(MustParseDate("2024-03-10")); n != 11 {
		t.Errorf("expected 11 days, got %d", n)
	}
}

func TestDate_JSON(t *testing.T) {
	d := MustParseDate("2024-12-01")
	b, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != `"2024-12-01"` {
		t.Errorf("unexpected json %s", b)
	}
	var back Date
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back != d {
		t.Errorf("expected %s, got %s", d, back)
	}
}

func TestDate_At(t *testing.T) {
	loc := time.FixedZone("clinic", 3*3600)
	got := MustParseDate("2024-05-06").At(MustParseClock("09:30"), loc)
	want := time.Date(2024, 5, 6, 9, 30, 0, 0, loc)
	if !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestParseClock(t *testing.T) {
	c, err := ParseClock("09:30")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c != 570 {
		t.Errorf("expected 570, got %d", c)
	}
	if c, _ := ParseClock("24:00"); c != EndOfDay {
		t.Errorf("expected end of day, got %d", c)
	}
	if c, _ := ParseClock("14:15:00"); c.String() != "14:15" {
		t.Errorf("expected 14:15, got %s", c)
	}
	for _, bad := range []string{"9:30", "24:01", "12:60", "12:00:30", "noon", ""} {
		if _, err := ParseClock(bad); err == nil {
			t.Errorf("expected error for %q", bad)
		}
	}
}

func TestWindow_Overlaps_HalfOpen(t *testing.T) {
	a := w("09:00", "10:00")
	if a.Overlaps(w("10:00", "11:00")) {
		t.Error("back-to-back windows must not overlap")
	}
	if !a.Overlaps(w("09:59", "10:30")) {
		t.Error("expected overlap")
	}
	if !a.Overlaps(w("08:00", "12:00")) {
		t.Error("expected overlap when enclosed")
	}
}

func TestMerge(t *testing.T) {
	got := Merge([]Window{w("13:00", "17:00"), w("08:00", "10:00"), w("09:30", "12:00"), w("12:00", "12:30"), w("15:00", "15:00")})
	equalWindows(t, got, []Window{w("08:00", "12:30"), w("13:00", "17:00")})
}

func TestSubtract_SplitsWindow(t *testing.T) {
	got := Subtract([]Window{w("08:00", "12:00")}, []Window{w("09:00", "09:30")})
	equalWindows(t, got, []Window{w("08:00", "09:00"), w("09:30", "12:00")})
}

func TestSubtract_EdgesAndFullCover(t *testing.T) {
	free := []Window{w("08:00", "12:00"), w("14:00", "16:00")}
	busy := []Window{w("08:00", "08:30"), w("11:30", "12:00"), w("13:00", "17:00")}
	got := Subtract(free, busy)
	equalWindows(t, got, []Window{w("08:30", "11:30")})
}

func TestSplit_DropsRemainder(t *testing.T) {
	got := Split(w("08:00", "09:50"), 30*time.Minute)
	equalWindows(t, got, []Window{w("08:00", "08:30"), w("08:30", "09:00"), w("09:00", "09:30")})
	if Split(w("08:00", "08:20"), 30*time.Minute) != nil {
		t.Error("expected no slots for a short window")
	}
}

func TestDropShorterAndTrim(t *testing.T) {
	ws := []Window{w("08:00", "08:10"), w("09:00", "10:00")}
	equalWindows(t, DropShorter(ws, 15*time.Minute), []Window{w("09:00", "10:00")})
	equalWindows(t, TrimBefore(ws, MustParseClock("09:20")), []Window{w("09:20", "10:00")})
}
