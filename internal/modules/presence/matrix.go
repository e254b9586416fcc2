// Package presence builds the sparse (bucket x security) presence matrix used for gap detection.
package presence

import (
	"sort"
	"time"
)

// Matrix records, for every bucket of a window, which securities are missing.
// Presence is implied: a security is present in a bucket when it was listed by
// then and is not missing. Only the missing sets and one expected count per
// bucket are held. A Matrix is read-only once built.
type Matrix struct {
	universe  []string
	buckets   []time.Time
	listDates map[string]time.Time
	expected  map[time.Time]int
	missing   map[time.Time]map[string]struct{}
}

func newMatrix(universe []string, buckets []time.Time, listDates map[string]time.Time) *Matrix {
	m := &Matrix{
		universe:  append([]string(nil), universe...),
		buckets:   append([]time.Time(nil), buckets...),
		listDates: make(map[string]time.Time),
		expected:  make(map[time.Time]int, len(buckets)),
		missing:   make(map[time.Time]map[string]struct{}, len(buckets)),
	}
	sort.Strings(m.universe)
	sort.Slice(m.buckets, func(i, j int) bool { return m.buckets[i].Before(m.buckets[j]) })

	listed := make([]time.Time, 0, len(listDates))
	for _, id := range m.universe {
		if d, ok := listDates[id]; ok {
			m.listDates[id] = d
			listed = append(listed, d)
		}
	}
	sort.Slice(listed, func(i, j int) bool { return listed[i].Before(listed[j]) })

	// Securities without a listing date are expected everywhere
	always := len(m.universe) - len(listed)
	for _, b := range m.buckets {
		n := sort.Search(len(listed), func(i int) bool { return listed[i].After(b) })
		m.expected[b] = always + n
	}
	return m
}

// expects reports whether id is listed by date
func (m *Matrix) expects(id string, date time.Time) bool {
	listed, ok := m.listDates[id]
	return !ok || !date.Before(listed)
}

func (m *Matrix) markMissing(date time.Time, id string) {
	set, ok := m.missing[date]
	if !ok {
		set = make(map[string]struct{})
		m.missing[date] = set
	}
	set[id] = struct{}{}
}

// Universe returns the securities covered, sorted
func (m *Matrix) Universe() []string {
	return append([]string(nil), m.universe...)
}

// Buckets returns the window's trading dates, ascending
func (m *Matrix) Buckets() []time.Time {
	return append([]time.Time(nil), m.buckets...)
}

// IsPresent reports whether a bar of id exists for date
func (m *Matrix) IsPresent(id string, date time.Time) bool {
	if _, ok := m.expected[date]; !ok {
		return false
	}
	i := sort.SearchStrings(m.universe, id)
	if i == len(m.universe) || m.universe[i] != id {
		return false
	}
	return m.expects(id, date) && !m.IsMissing(id, date)
}

// IsMissing reports whether id is expected but absent for date
func (m *Matrix) IsMissing(id string, date time.Time) bool {
	_, ok := m.missing[date][id]
	return ok
}

// MissingCount returns the number of missing securities in one bucket
func (m *Matrix) MissingCount(date time.Time) int {
	return len(m.missing[date])
}

// MissingCountByBucket returns the missing count of every bucket, zeros included
func (m *Matrix) MissingCountByBucket() map[time.Time]int {
	out := make(map[time.Time]int, len(m.buckets))
	for _, b := range m.buckets {
		out[b] = len(m.missing[b])
	}
	return out
}

// MissingEntitiesByBucket returns the missing set of every bucket that has one.
// The returned sets are copies.
func (m *Matrix) MissingEntitiesByBucket() map[time.Time]map[string]struct{} {
	out := make(map[time.Time]map[string]struct{}, len(m.missing))
	for date, set := range m.missing {
		if len(set) == 0 {
			continue
		}
		cp := make(map[string]struct{}, len(set))
		for id := range set {
			cp[id] = struct{}{}
		}
		out[date] = cp
	}
	return out
}

// MissingEntities returns the sorted missing securities of one bucket
func (m *Matrix) MissingEntities(date time.Time) []string {
	set := m.missing[date]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// BucketsByMissingDesc orders buckets by missing count, highest first.
// Ties go to the more recent date.
func (m *Matrix) BucketsByMissingDesc() []time.Time {
	out := m.Buckets()
	sort.SliceStable(out, func(i, j int) bool {
		ci, cj := len(m.missing[out[i]]), len(m.missing[out[j]])
		if ci != cj {
			return ci > cj
		}
		return out[i].After(out[j])
	})
	return out
}

// TotalMissing returns the number of missing (bucket, security) pairs
func (m *Matrix) TotalMissing() int {
	total := 0
	for _, set := range m.missing {
		total += len(set)
	}
	return total
}

// Coverage returns, per bucket, the share of expected securities that are present.
// Buckets where nothing is expected are omitted.
func (m *Matrix) Coverage() map[time.Time]float64 {
	out := make(map[time.Time]float64, len(m.buckets))
	for _, b := range m.buckets {
		expected := m.expected[b]
		if expected == 0 {
			continue
		}
		out[b] = float64(expected-len(m.missing[b])) / float64(expected)
	}
	return out
}
