// Package fake is an in-memory decoder.Source test double, used by
// DemoReader's unit tests in place of a real demo file. It lets a test
// script feed ticks and events without touching disk.
package fake

import "github.com/sebastianspicker/cs2-live-demo-parser/internal/decoder"

// Source is a scriptable decoder.Source.
type Source struct {
	OpenErr error
	Hdr     decoder.Header
	Fields  []string
	Events  []string
	Players map[int64]string

	// Ticks holds every row ever produced, in ascending tick order.
	// ParseTicks filters this slice by [startTick, endTick).
	Ticks []decoder.Row

	// EventRows holds every row ever produced per event name.
	// ParseEvents returns the full accumulated slice per requested name.
	EventRows map[string][]decoder.Row

	opened     bool
	ParseCalls int
}

// New returns a Source ready for Open.
func New() *Source {
	return &Source{
		Players:   map[int64]string{},
		EventRows: map[string][]decoder.Row{},
	}
}

func (s *Source) Open(path string) error {
	if s.OpenErr != nil {
		return s.OpenErr
	}
	s.opened = true
	return nil
}

func (s *Source) Header() (decoder.Header, error) {
	if !s.opened {
		return decoder.Header{}, decoder.ErrNotOpen
	}
	return s.Hdr, nil
}

func (s *Source) ListUpdatedFields() ([]string, error) { return s.Fields, nil }
func (s *Source) ListGameEvents() ([]string, error)    { return s.Events, nil }

func (s *Source) ParsePlayerInfo() (map[int64]string, error) {
	return s.Players, nil
}

func (s *Source) ParseTicks(fields []string, startTick, endTick int64) ([]decoder.Row, error) {
	s.ParseCalls++
	var out []decoder.Row
	for _, row := range s.Ticks {
		tick, _ := row["tick"].(int64)
		if tick >= startTick && tick < endTick {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *Source) ParseEvents(names []string, extraPlayerFields []string) (map[string][]decoder.Row, error) {
	out := map[string][]decoder.Row{}
	for _, n := range names {
		if rows, ok := s.EventRows[n]; ok {
			out[n] = rows
		}
	}
	return out, nil
}

func (s *Source) Close() error {
	s.opened = false
	return nil
}
