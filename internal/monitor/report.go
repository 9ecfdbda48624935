package monitor

import (
	"sort"
	"time"
)

// Report builds a snapshot of the batch. Items started but not finished are
// reported as running.
func (m *Monitor) Report() ExecutionReport {
	m.mu.RLock()
	defer m.mu.RUnlock()

	report := ExecutionReport{
		BatchID:     m.batchID,
		RunID:       m.runID,
		GeneratedAt: m.clock(),
		Total:       len(m.order),
		Executions:  m.executionsLocked(),
	}
	for _, id := range m.order {
		status := m.statusLocked(id)
		report.Items = append(report.Items, status)
		switch status.Status {
		case StatusCompleted:
			report.Completed++
		case StatusFailed:
			report.Failed++
		case StatusTimedOut:
			report.TimedOut++
		case StatusSkipped:
			report.Skipped++
		case StatusRunning:
			report.Running++
		default:
			report.Pending++
		}
	}
	for _, id := range m.order {
		if skip, ok := m.skips[id]; ok {
			report.Skips = append(report.Skips, skip)
		}
	}

	span := newSpan()
	var terminal int
	for _, exec := range m.executions {
		if !exec.Status.Terminal() || exec.EndedAt == nil {
			continue
		}
		terminal++
		span.add(exec)
	}
	if terminal > 0 {
		report.AverageDuration = span.total / time.Duration(terminal)
	}
	report.WallClock = span.wall()
	report.SpeedupRatio = span.ratio()

	groups := make([]*groupState, len(m.groups))
	copy(groups, m.groups)
	sort.Slice(groups, func(i, j int) bool { return groups[i].index < groups[j].index })
	for _, g := range groups {
		report.Groups = append(report.Groups, m.groupReportLocked(g))
		if g.serial {
			report.Serial = true
		}
	}
	return report
}

func (m *Monitor) groupReportLocked(g *groupState) GroupReport {
	gr := GroupReport{
		Index:  g.index,
		Items:  append([]string(nil), g.items...),
		Serial: g.serial,
	}
	span := newSpan()
	for _, exec := range m.executions {
		if exec.Group != g.index || !exec.Status.Terminal() || exec.EndedAt == nil {
			continue
		}
		span.add(exec)
	}
	gr.StartedAt = span.start
	gr.EndedAt = span.end
	gr.WallClock = span.wall()
	gr.TotalDuration = span.total
	gr.SpeedupRatio = span.ratio()
	for _, id := range g.items {
		switch m.statusLocked(id).Status {
		case StatusCompleted:
			gr.Completed++
		case StatusFailed:
			gr.Failed++
		case StatusTimedOut:
			gr.TimedOut++
		case StatusSkipped:
			gr.Skipped++
		}
	}
	return gr
}

// span accumulates summed durations and the wall-clock window of a set of
// terminal executions.
type span struct {
	start time.Time
	end   time.Time
	total time.Duration
}

func newSpan() *span {
	return &span{}
}

func (s *span) add(exec Execution) {
	s.total += exec.Duration
	if s.start.IsZero() || exec.StartedAt.Before(s.start) {
		s.start = exec.StartedAt
	}
	if s.end.IsZero() || exec.EndedAt.After(s.end) {
		s.end = *exec.EndedAt
	}
}

func (s *span) wall() time.Duration {
	if s.start.IsZero() || s.end.IsZero() {
		return 0
	}
	return s.end.Sub(s.start)
}

// ratio is summed duration over wall clock; 0 when nothing measurable ran.
func (s *span) ratio() float64 {
	wall := s.wall()
	if wall <= 0 {
		return 0
	}
	return float64(s.total) / float64(wall)
}
