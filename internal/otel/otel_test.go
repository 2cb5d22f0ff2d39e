package otel

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestInit_DisabledIsNoop(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false}, Deployment{})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if p.Enabled() {
		t.Fatal("disabled provider reports Enabled")
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("disabled provider must still hand out tracer and meter")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_Exporters(t *testing.T) {
	tests := []struct {
		name     string
		exporter string
		wantErr  bool
	}{
		{name: "none", exporter: ExporterNone},
		{name: "stdout", exporter: ExporterStdout},
		{name: "file", exporter: ExporterFile},
		{name: "unknown", exporter: "carrier-pigeon", wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p, err := Init(context.Background(), Config{Enabled: true, Exporter: tc.exporter},
				Deployment{Version: "test", Zone: "main-gate", Timezone: "Asia/Tashkent", HomeDir: t.TempDir()})
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Init: %v", err)
			}
			defer p.Shutdown(context.Background())
			if !p.Enabled() {
				t.Fatal("expected recording provider")
			}
		})
	}
}

func TestInit_FileExporterWritesTraces(t *testing.T) {
	home := t.TempDir()
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: ExporterFile},
		Deployment{Zone: "main-gate", HomeDir: home})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	_, span := StartSpan(context.Background(), p.Tracer, "scheduler.tick", AttrDueCount.Int(2))
	span.End()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(home, "logs", "traces.jsonl"))
	if err != nil {
		t.Fatalf("read traces: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("traces.jsonl is empty after shutdown")
	}
}

func TestInit_FileExporterNeedsHome(t *testing.T) {
	if _, err := Init(context.Background(), Config{Enabled: true, Exporter: ExporterFile}, Deployment{}); err == nil {
		t.Fatal("expected error without home dir")
	}
}

func TestResource_CarriesDeployment(t *testing.T) {
	res, err := newResource(context.Background(), Config{ServiceName: "pickupbot-school-12"},
		Deployment{Version: "v1", Zone: "north-gate", Timezone: "Asia/Tashkent"})
	if err != nil {
		t.Fatalf("newResource: %v", err)
	}
	want := map[string]string{
		"service.name":       "pickupbot-school-12",
		"service.version":    "v1",
		"pickupbot.pa.zone":  "north-gate",
		"pickupbot.timezone": "Asia/Tashkent",
	}
	got := map[string]string{}
	for _, kv := range res.Attributes() {
		got[string(kv.Key)] = kv.Value.Emit()
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("resource %s = %q, want %q", k, got[k], v)
		}
	}
}

func TestSpanHelpers_KindsAndErrors(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	p := newProvider(resource.Empty(), exp, 1)
	ctx := context.Background()

	_, s1 := StartSpan(ctx, p.Tracer, "scheduler.tick", AttrDueCount.Int(3))
	s1.End()
	_, s2 := StartServerSpan(ctx, p.Tracer, "http PUT")
	FailStatus(s2, 503)
	s2.End()
	_, s3 := StartClientSpan(ctx, p.Tracer, "pa.announce", AttrZone.String("main-gate"))
	if got := Fail(s3, errors.New("pa controller down")); got == nil {
		t.Fatal("Fail must return the error it was given")
	}
	s3.End()
	_, s4 := StartClientSpan(ctx, p.Tracer, "pa.announce")
	if Fail(s4, nil) != nil {
		t.Fatal("Fail(nil) must return nil")
	}
	s4.End()

	if err := p.TracerProvider.ForceFlush(ctx); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	spans := exp.GetSpans()
	if len(spans) != 4 {
		t.Fatalf("recorded %d spans, want 4", len(spans))
	}

	wantKind := []trace.SpanKind{trace.SpanKindInternal, trace.SpanKindServer, trace.SpanKindClient, trace.SpanKindClient}
	wantCode := []codes.Code{codes.Unset, codes.Error, codes.Error, codes.Unset}
	for i, s := range spans {
		if s.SpanKind != wantKind[i] {
			t.Fatalf("span %d (%s) kind = %v, want %v", i, s.Name, s.SpanKind, wantKind[i])
		}
		if s.Status.Code != wantCode[i] {
			t.Fatalf("span %d (%s) status = %v, want %v", i, s.Name, s.Status.Code, wantCode[i])
		}
	}
	if len(spans[2].Events) == 0 {
		t.Fatal("Fail did not record an exception event")
	}
	_ = p.Shutdown(ctx)
}
