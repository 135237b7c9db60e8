package store

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

func attrOp(op string) attribute.KeyValue {
	return attribute.String("operation", op)
}

func metricTypeExperiment() metric.AddOption {
	return metric.WithAttributes(attribute.String("type", "experiment"))
}
