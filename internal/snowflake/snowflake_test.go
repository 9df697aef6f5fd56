package snowflake

import (
	"sync"
	"testing"
	"time"
)

func TestNewGenerator(t *testing.T) {
	tests := []struct {
		name      string
		machineID int64
		processID int64
		wantErr   bool
	}{
		{"valid", 1, 1, false},
		{"zero ids", 0, 0, false},
		{"max ids", 31, 31, false},
		{"machine id too large", 32, 0, true},
		{"process id too large", 0, 32, true},
		{"negative machine id", -1, 0, true},
		{"negative process id", 0, -1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGenerator(tt.machineID, tt.processID)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewGenerator(%d, %d) error = %v, wantErr = %v", tt.machineID, tt.processID, err, tt.wantErr)
			}
		})
	}
}

func TestNextMonotonic(t *testing.T) {
	gen, err := NewGenerator(3, 7)
	if err != nil {
		t.Fatalf("NewGenerator() error = %+v", err)
	}

	prev := gen.Next()
	for i := 0; i < 10_000; i++ {
		id := gen.Next()
		if id <= prev {
			t.Fatalf("Next() = %d, not greater than previous %d", id, prev)
		}
		prev = id
	}
}

func TestNextEmbedsFields(t *testing.T) {
	gen, err := NewGenerator(12, 21)
	if err != nil {
		t.Fatalf("NewGenerator() error = %+v", err)
	}

	before := time.Now().Add(-time.Second)
	id := gen.Next()
	after := time.Now().Add(time.Second)

	if got := id.MachineID(); got != 12 {
		t.Errorf("MachineID() = %d, want 12", got)
	}
	if got := id.ProcessID(); got != 21 {
		t.Errorf("ProcessID() = %d, want 21", got)
	}
	ts := id.Timestamp()
	if ts.Before(before) || ts.After(after) {
		t.Errorf("Timestamp() = %v, want between %v and %v", ts, before, after)
	}
}

func TestNextClockRegression(t *testing.T) {
	// Simulated clock that jumps backward after the first read. Each sleep
	// advances it so the generator's stall loop terminates.
	now := time.Now()
	clock := now
	reads := 0
	fakeNow := func() time.Time {
		reads++
		if reads == 2 {
			clock = now.Add(-50 * time.Millisecond)
		}
		return clock
	}
	fakeSleep := func(d time.Duration) {
		clock = clock.Add(d)
	}

	gen, err := newGenerator(1, 1, fakeNow, fakeSleep)
	if err != nil {
		t.Fatalf("newGenerator() error = %+v", err)
	}

	first := gen.Next()
	second := gen.Next()
	if second < first {
		t.Fatalf("Next() = %d after clock regression, want >= %d", second, first)
	}
}

func TestNextConcurrent(t *testing.T) {
	gen, err := NewGenerator(1, 2)
	if err != nil {
		t.Fatalf("NewGenerator() error = %+v", err)
	}

	const goroutines = 8
	const perGoroutine = 2000

	var wg sync.WaitGroup
	results := make([][]ID, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ids := make([]ID, 0, perGoroutine)
			for j := 0; j < perGoroutine; j++ {
				ids = append(ids, gen.Next())
			}
			results[n] = ids
		}(i)
	}
	wg.Wait()

	seen := make(map[ID]struct{}, goroutines*perGoroutine)
	for _, ids := range results {
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				t.Fatalf("duplicate ID generated: %d", id)
			}
			seen[id] = struct{}{}
		}
	}
}

func TestIDJSONRoundTrip(t *testing.T) {
	id := ID(175928847299117063)

	b, err := id.MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON() error = %+v", err)
	}
	if string(b) != `"175928847299117063"` {
		t.Errorf("MarshalJSON() = %s, want string form", b)
	}

	var got ID
	if err := got.UnmarshalJSON(b); err != nil {
		t.Fatalf("UnmarshalJSON() error = %+v", err)
	}
	if got != id {
		t.Errorf("round trip = %d, want %d", got, id)
	}

	if err := got.UnmarshalJSON([]byte(`12345`)); err == nil {
		t.Error("UnmarshalJSON() accepted a bare number, want error")
	}
}
