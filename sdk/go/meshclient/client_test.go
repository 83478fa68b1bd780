package meshclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"CognitiveMesh/internal/api"
	"CognitiveMesh/internal/graph"
	"CognitiveMesh/internal/mesh"
	"CognitiveMesh/internal/trust"
)

func newClient(t *testing.T) *Client {
	t.Helper()
	g, err := graph.New()
	if err != nil {
		t.Fatalf("graph: %v", err)
	}
	engine, err := trust.NewEngine(g)
	if err != nil {
		t.Fatalf("trust: %v", err)
	}
	coordinator, err := mesh.New(g, engine)
	if err != nil {
		t.Fatalf("mesh: %v", err)
	}
	srv := httptest.NewServer(api.NewServer(":0", coordinator).Handler())
	t.Cleanup(srv.Close)

	client, err := NewClient(srv.URL, srv.Client())
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client
}

func TestPathwayRoundTrip(t *testing.T) {
	client := newClient(t)
	ctx := context.Background()

	a, err := client.RegisterAgent(ctx, AgentSpec{Name: "alpha", Chain: "ethereum"})
	if err != nil {
		t.Fatalf("register alpha: %v", err)
	}
	b, err := client.RegisterAgent(ctx, AgentSpec{Name: "beta", Chain: "polygon"})
	if err != nil {
		t.Fatalf("register beta: %v", err)
	}

	p, err := client.EstablishPathway(ctx, PathwaySpec{SourceID: a.ID, TargetID: b.ID})
	if err != nil {
		t.Fatalf("establish: %v", err)
	}
	if !p.CrossChain || p.Strength != 0.5 {
		t.Fatalf("unexpected pathway %+v", p)
	}

	usage, err := client.RecordUsage(ctx, p.ID, false)
	if err != nil {
		t.Fatalf("record usage: %v", err)
	}
	if usage.Pathway.FailureCount != 1 || usage.TargetTrust >= 0.5 {
		t.Fatalf("unexpected usage %+v", usage)
	}

	conns, err := client.FindConnections(ctx, a.ID, 2, 0)
	if err != nil {
		t.Fatalf("connections: %v", err)
	}
	if len(conns) != 1 || conns[0].AgentID != b.ID {
		t.Fatalf("unexpected connections %+v", conns)
	}

	status, err := client.TokenStatus(ctx, p.ID)
	if err != nil {
		t.Fatalf("token status: %v", err)
	}
	if status.State != "untokenized" {
		t.Fatalf("unexpected state %q", status.State)
	}

	mirror, err := client.MirrorAgent(ctx, a.ID, "polygon")
	if err != nil {
		t.Fatalf("mirror: %v", err)
	}
	if mirror.SourceAgentID != a.ID || mirror.SourceChain != "ethereum" {
		t.Fatalf("unexpected mirror %+v", mirror)
	}
}

func TestAPIErrorsAreDecoded(t *testing.T) {
	client := newClient(t)

	_, err := client.GetAgent(context.Background(), "missing")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T", err)
	}
	if apiErr.StatusCode != http.StatusNotFound || apiErr.Code != "NOT_FOUND" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}
