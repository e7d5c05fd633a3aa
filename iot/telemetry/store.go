package telemetry

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"
)

// Point is a set of telemetry values a device sent at one point in time
type Point struct {
	DeviceID  string             `json:"deviceId"`
	Timestamp time.Time          `json:"timestamp"`
	Fields    map[string]float64 `json:"fields"`
}

// FieldSummary aggregates the values of a field
type FieldSummary struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Average float64 `json:"average"`
	Count   int64   `json:"count"`
}

// Store is a time series store for telemetry
type Store interface {
	// Write stores a point
	Write(ctx context.Context, point Point) error
	// Latest returns up to limit points of a device not older than since, oldest first
	Latest(ctx context.Context, deviceID string, since time.Time, limit int) ([]Point, error)
	// Summary returns min, max and average per field since a point in time
	Summary(ctx context.Context, deviceID string, since time.Time) (map[string]FieldSummary, error)
}

// maxMemoryPoints limits the points kept per device by the memory store
const maxMemoryPoints = 10000

// Memory is an in-process Store
type Memory struct {
	mutex  sync.RWMutex
	points map[string][]Point
}

// NewMemory returns an empty memory store
func NewMemory() *Memory {
	return &Memory{points: map[string][]Point{}}
}

// Write implements Store
func (m *Memory) Write(ctx context.Context, point Point) error {
	fields := make(map[string]float64, len(point.Fields))
	for k, v := range point.Fields {
		fields[k] = v
	}
	point.Fields = fields
	m.mutex.Lock()
	defer m.mutex.Unlock()
	points := append(m.points[point.DeviceID], point)
	sort.SliceStable(points, func(i, j int) bool { return points[i].Timestamp.Before(points[j].Timestamp) })
	if len(points) > maxMemoryPoints {
		points = points[len(points)-maxMemoryPoints:]
	}
	m.points[point.DeviceID] = points
	return nil
}

func (m *Memory) since(deviceID string, since time.Time) []Point {
	points := m.points[deviceID]
	first := sort.Search(len(points), func(i int) bool { return !points[i].Timestamp.Before(since) })
	return points[first:]
}

// Latest implements Store
func (m *Memory) Latest(ctx context.Context, deviceID string, since time.Time, limit int) ([]Point, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	points := m.since(deviceID, since)
	if limit > 0 && len(points) > limit {
		points = points[len(points)-limit:]
	}
	return append([]Point{}, points...), nil
}

// Summary implements Store
func (m *Memory) Summary(ctx context.Context, deviceID string, since time.Time) (map[string]FieldSummary, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	sums := map[string]float64{}
	result := map[string]FieldSummary{}
	for _, p := range m.since(deviceID, since) {
		for field, value := range p.Fields {
			s, ok := result[field]
			if !ok {
				s = FieldSummary{Min: math.Inf(1), Max: math.Inf(-1)}
			}
			s.Min = math.Min(s.Min, value)
			s.Max = math.Max(s.Max, value)
			s.Count++
			sums[field] += value
			result[field] = s
		}
	}
	for field, s := range result {
		s.Average = sums[field] / float64(s.Count)
		result[field] = s
	}
	return result, nil
}
