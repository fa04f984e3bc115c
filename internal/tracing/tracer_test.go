package tracing

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.False(t, cfg.Enabled)
	require.Equal(t, ExporterFile, cfg.Exporter)
	require.Equal(t, "servhost", cfg.ServiceName)
	require.Equal(t, 1.0, cfg.SampleRate)
}

func TestNewProvider_Disabled(t *testing.T) {
	p, err := NewProvider(Config{})
	require.NoError(t, err)
	require.False(t, p.Enabled())

	_, span := p.Tracer().Start(context.Background(), "noop")
	require.False(t, span.SpanContext().IsValid())
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_FileExporter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "traces", "spans.jsonl")
	p, err := NewProvider(Config{Enabled: true, Exporter: ExporterFile, FilePath: path})
	require.NoError(t, err)
	require.True(t, p.Enabled())

	ctx, span := Start(context.Background(), p.Tracer(), SpanInstall, attribute.String(AttrClassID, "{A}"))
	_, child := Start(ctx, p.Tracer(), SpanRegisterClass)
	End(child, errors.New("step failed"))
	End(span, nil)
	require.NoError(t, p.Shutdown(context.Background()))

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var records []SpanRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec SpanRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}
	require.NoError(t, scanner.Err())
	require.Len(t, records, 2)

	byName := map[string]SpanRecord{}
	for _, r := range records {
		byName[r.Name] = r
	}
	require.Equal(t, "ERROR", byName[SpanRegisterClass].Status)
	require.Equal(t, "step failed", byName[SpanRegisterClass].StatusMsg)
	require.Equal(t, byName[SpanInstall].SpanID, byName[SpanRegisterClass].ParentID)
	require.Equal(t, "OK", byName[SpanInstall].Status)
	require.Equal(t, "{A}", byName[SpanInstall].Attributes[AttrClassID])
}

func TestNewProvider_Errors(t *testing.T) {
	_, err := NewProvider(Config{Enabled: true, Exporter: ExporterFile})
	require.Error(t, err)

	_, err = NewProvider(Config{Enabled: true, Exporter: "zipkin"})
	require.Error(t, err)

	p, err := NewProvider(Config{Enabled: true, Exporter: ExporterNone})
	require.NoError(t, err)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestStart_NilTracer(t *testing.T) {
	_, span := Start(context.Background(), nil, SpanActivate)
	require.NotNil(t, span)
	End(span, nil)
}

func TestEnd_RecordsError(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	_, span := Start(context.Background(), tp.Tracer("test"), SpanDeleteSubtree)
	End(span, errors.New("boom"))

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	require.Len(t, ended[0].Events(), 1, "error recorded as span event")
	require.Equal(t, "boom", ended[0].Status().Description)
}

func TestFileExporter_ShutdownTwice(t *testing.T) {
	exp, err := NewFileExporter(filepath.Join(t.TempDir(), "t.jsonl"))
	require.NoError(t, err)
	require.NoError(t, exp.Shutdown(context.Background()))
	require.NoError(t, exp.Shutdown(context.Background()))
	require.Error(t, exp.ExportSpans(context.Background(), nil))
}
