package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/relabs-tech/devicemanager/core/logger"
)

// Measurement is the InfluxDB measurement of device telemetry
const Measurement = "telemetry"

// InfluxBuilder is a builder helper for the InfluxDB store
type InfluxBuilder struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// Influx stores telemetry in InfluxDB. Every point is tagged with the device id.
type Influx struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	queryAPI api.QueryAPI
	bucket   string
}

// NewInflux creates an InfluxDB store and checks the server's health
func NewInflux(ctx context.Context, b *InfluxBuilder) (*Influx, error) {
	if b.URL == "" || b.Org == "" || b.Bucket == "" {
		panic("URL, Org and Bucket are mandatory")
	}
	client := influxdb2.NewClient(b.URL, b.Token)
	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influxdb at %s is not available: %w", b.URL, err)
	}
	logger.Default().Infof("connected to influxdb %s, status %s", b.URL, health.Status)
	return &Influx{
		client:   client,
		writeAPI: client.WriteAPIBlocking(b.Org, b.Bucket),
		queryAPI: client.QueryAPI(b.Org),
		bucket:   b.Bucket,
	}, nil
}

// Close closes the client
func (s *Influx) Close() {
	s.client.Close()
}

// Write implements Store
func (s *Influx) Write(ctx context.Context, point Point) error {
	fields := make(map[string]interface{}, len(point.Fields))
	for k, v := range point.Fields {
		fields[k] = v
	}
	p := influxdb2.NewPoint(Measurement, map[string]string{"device": point.DeviceID}, fields, point.Timestamp)
	return s.writeAPI.WritePoint(ctx, p)
}

// fluxString quotes a string for a flux query
func fluxString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

func (s *Influx) selectDevice(deviceID string, since time.Time) string {
	return fmt.Sprintf(`
		from(bucket: %s)
		  |> range(start: %s)
		  |> filter(fn: (r) => r._measurement == %s)
		  |> filter(fn: (r) => r.device == %s)`,
		fluxString(s.bucket), since.UTC().Format(time.RFC3339Nano), fluxString(Measurement), fluxString(deviceID))
}

// Latest implements Store
func (s *Influx) Latest(ctx context.Context, deviceID string, since time.Time, limit int) ([]Point, error) {
	query := s.selectDevice(deviceID, since) + `
		  |> pivot(rowKey:["_time"], columnKey: ["_field"], valueColumn: "_value")
		  |> group()
		  |> sort(columns: ["_time"], desc: true)`
	if limit > 0 {
		query += fmt.Sprintf(`
		  |> limit(n: %d)`, limit)
	}
	result, err := s.queryAPI.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("influxdb query failed: %w", err)
	}
	var points []Point
	for result.Next() {
		record := result.Record()
		p := Point{DeviceID: deviceID, Timestamp: record.Time(), Fields: map[string]float64{}}
		for key, value := range record.Values() {
			if strings.HasPrefix(key, "_") || key == "device" || key == "result" || key == "table" {
				continue
			}
			if f, ok := value.(float64); ok {
				p.Fields[key] = f
			}
		}
		points = append(points, p)
	}
	if result.Err() != nil {
		return nil, fmt.Errorf("error reading influxdb results: %w", result.Err())
	}
	// oldest first
	for i, j := 0, len(points)-1; i < j; i, j = i+1, j-1 {
		points[i], points[j] = points[j], points[i]
	}
	return points, nil
}

// Summary implements Store
func (s *Influx) Summary(ctx context.Context, deviceID string, since time.Time) (map[string]FieldSummary, error) {
	summary := map[string]FieldSummary{}
	for _, aggregate := range []string{"min", "max", "mean", "count"} {
		query := s.selectDevice(deviceID, since) + `
		  |> ` + aggregate + `()`
		result, err := s.queryAPI.Query(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("influxdb query failed: %w", err)
		}
		for result.Next() {
			record := result.Record()
			field := record.Field()
			fs := summary[field]
			switch v := record.Value().(type) {
			case float64:
				switch aggregate {
				case "min":
					fs.Min = v
				case "max":
					fs.Max = v
				case "mean":
					fs.Average = v
				}
			case int64:
				if aggregate == "count" {
					fs.Count = v
				}
			}
			summary[field] = fs
		}
		if result.Err() != nil {
			return nil, fmt.Errorf("error reading influxdb results: %w", result.Err())
		}
	}
	return summary, nil
}
