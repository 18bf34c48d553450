package export

import (
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Data point kinds.
const (
	KindSum   = "sum"
	KindGauge = "gauge"
)

// DataPoint is a single sum or gauge sample flattened out of the SDK's
// nested ResourceMetrics representation.
type DataPoint struct {
	Metric     string            `json:"metric"`
	Kind       string            `json:"kind"`
	Value      float64           `json:"value"`
	Attributes map[string]string `json:"attributes,omitempty"`
	StartTime  time.Time         `json:"start_time"`
	Time       time.Time         `json:"time"`
	Scope      string            `json:"scope"`
	Service    string            `json:"service,omitempty"`
	InstanceID string            `json:"service_instance_id,omitempty"`
}

// FlattenResourceMetrics converts sums and gauges into DataPoints.
// Histograms and exponential histograms are skipped.
func FlattenResourceMetrics(rm *metricdata.ResourceMetrics) []*DataPoint {
	if rm == nil {
		return nil
	}

	resAttrs := rm.Resource.Set()

	var base DataPoint

	if v, ok := resAttrs.Value(semconv.ServiceNameKey); ok {
		base.Service = v.AsString()
	}

	if v, ok := resAttrs.Value(semconv.ServiceInstanceIDKey); ok {
		base.InstanceID = v.AsString()
	}

	out := make([]*DataPoint, 0, 16)

	for _, sm := range rm.ScopeMetrics {
		base.Scope = sm.Scope.Name

		for _, m := range sm.Metrics {
			base.Metric = m.Name

			switch data := m.Data.(type) {
			case metricdata.Sum[float64]:
				out = appendPoints(out, base, KindSum, data.DataPoints)
			case metricdata.Sum[int64]:
				out = appendPoints(out, base, KindSum, data.DataPoints)
			case metricdata.Gauge[float64]:
				out = appendPoints(out, base, KindGauge, data.DataPoints)
			case metricdata.Gauge[int64]:
				out = appendPoints(out, base, KindGauge, data.DataPoints)
			}
		}
	}

	return out
}

func appendPoints[N int64 | float64](
	out []*DataPoint,
	base DataPoint,
	kind string,
	dps []metricdata.DataPoint[N],
) []*DataPoint {
	for _, dp := range dps {
		p := base
		p.Kind = kind
		p.Value = float64(dp.Value)
		p.StartTime = dp.StartTime
		p.Time = dp.Time
		p.Attributes = AttributeMap(dp.Attributes)

		out = append(out, &p)
	}

	return out
}

// AttributeMap renders an attribute set as string pairs.
func AttributeMap(set attribute.Set) map[string]string {
	if set.Len() == 0 {
		return nil
	}

	m := make(map[string]string, set.Len())

	iter := set.Iter()
	for iter.Next() {
		kv := iter.Attribute()
		m[string(kv.Key)] = kv.Value.Emit()
	}

	return m
}
