package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Report summarizes one canonical JSONL file for the offline replay tool.
// DeterministicOrder means timestamps never decrease and control_request /
// control_response counts match.
type Report struct {
	TotalEvents        int            `json:"totalEvents"`
	ByType             map[string]int `json:"byType"`
	DeterministicOrder bool           `json:"deterministicOrder"`
	Warnings           []string       `json:"warnings"`
}

// Replay reads one session's canonical JSONL and reports on it.
func Replay(path string) (*Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	report := &Report{
		ByType:   make(map[string]int),
		Warnings: []string{},
	}

	ordered := true
	var lastTS time.Time
	lineNo := 0

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		lineNo++
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}

		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			report.Warnings = append(report.Warnings, fmt.Sprintf("line %d: not a valid event: %v", lineNo, err))
			continue
		}

		report.TotalEvents++
		report.ByType[ev.Type]++
		if !EventTypes[ev.Type] {
			report.Warnings = append(report.Warnings, fmt.Sprintf("line %d: unknown event type %q", lineNo, ev.Type))
		}
		if ev.Timestamp.Before(lastTS) {
			ordered = false
			report.Warnings = append(report.Warnings, fmt.Sprintf("line %d: timestamp went backwards", lineNo))
		}
		lastTS = ev.Timestamp
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	countsMatch := report.ByType[TypeControlRequest] == report.ByType[TypeControlResponse]
	if !countsMatch {
		report.Warnings = append(report.Warnings, fmt.Sprintf(
			"control_request/control_response counts differ: %d vs %d",
			report.ByType[TypeControlRequest], report.ByType[TypeControlResponse]))
	}
	report.DeterministicOrder = ordered && countsMatch
	return report, nil
}
