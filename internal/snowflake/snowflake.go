// Package snowflake generates time-sortable 64-bit identifiers.
package snowflake

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Epoch is the custom epoch (2023-01-01T00:00:00Z) in milliseconds.
const Epoch int64 = 1_672_531_200_000

// Layout: 41 bits timestamp | 5 bits machine | 5 bits process | 12 bits sequence.
const (
	machineBits  = 5
	processBits  = 5
	sequenceBits = 12

	maxMachineID = 1<<machineBits - 1
	maxProcessID = 1<<processBits - 1
	maxSequence  = 1<<sequenceBits - 1

	timestampShift = machineBits + processBits + sequenceBits
	machineShift   = processBits + sequenceBits
	processShift   = sequenceBits
)

// ID is a snowflake identifier. IDs are serialized as JSON strings so that
// clients running on runtimes without 64-bit integers don't lose precision.
type ID int64

// Timestamp returns the creation time embedded in the ID.
func (id ID) Timestamp() time.Time {
	ms := int64(id)>>timestampShift + Epoch
	return time.UnixMilli(ms).UTC()
}

// MachineID returns the machine ID embedded in the ID.
func (id ID) MachineID() int64 {
	return (int64(id) >> machineShift) & maxMachineID
}

// ProcessID returns the process ID embedded in the ID.
func (id ID) ProcessID() int64 {
	return (int64(id) >> processShift) & maxProcessID
}

func (id ID) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Parse converts the decimal string form back into an ID.
func Parse(s string) (ID, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("internal/snowflake: failed to parse %q: %w", s, err)
	}
	return ID(v), nil
}

func (id ID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.String())
}

func (id *ID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("internal/snowflake: id must be a string: %w", err)
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Generator issues IDs. Safe for concurrent use.
type Generator struct {
	mu        sync.Mutex
	machineID int64
	processID int64
	lastMs    int64
	sequence  int64

	now   func() time.Time
	sleep func(time.Duration)
}

// NewGenerator returns a generator for the given machine and process IDs.
// IDs exceeding their 5-bit budgets are rejected.
func NewGenerator(machineID, processID int64) (*Generator, error) {
	return newGenerator(machineID, processID, time.Now, time.Sleep)
}

func newGenerator(machineID, processID int64, now func() time.Time, sleep func(time.Duration)) (*Generator, error) {
	if machineID < 0 || machineID > maxMachineID {
		return nil, fmt.Errorf("internal/snowflake: machine ID %d out of range [0, %d]", machineID, maxMachineID)
	}
	if processID < 0 || processID > maxProcessID {
		return nil, fmt.Errorf("internal/snowflake: process ID %d out of range [0, %d]", processID, maxProcessID)
	}
	return &Generator{
		machineID: machineID,
		processID: processID,
		lastMs:    -1,
		now:       now,
		sleep:     sleep,
	}, nil
}

// Next returns the next ID. IDs from one generator are monotonically
// non-decreasing. If the system clock moves backward, Next stalls until the
// clock catches back up to the last-used millisecond rather than ever
// issuing a smaller ID.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()

	ms := g.millis()

	// Stall out clock regression; also how we wait for the next millisecond
	// when the sequence is exhausted.
	for ms < g.lastMs {
		g.sleep(time.Millisecond)
		ms = g.millis()
	}

	if ms == g.lastMs {
		g.sequence++
		if g.sequence > maxSequence {
			for ms <= g.lastMs {
				g.sleep(time.Millisecond)
				ms = g.millis()
			}
			g.sequence = 0
		}
	} else {
		g.sequence = 0
	}
	g.lastMs = ms

	return ID(ms<<timestampShift | g.machineID<<machineShift | g.processID<<processShift | g.sequence)
}

func (g *Generator) millis() int64 {
	return g.now().UnixMilli() - Epoch
}
