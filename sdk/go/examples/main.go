package main

import (
	"context"
	"fmt"
	"log"
	"net/http/httptest"
	"time"

	"CognitiveMesh/internal/api"
	"CognitiveMesh/internal/graph"
	"CognitiveMesh/internal/mesh"
	"CognitiveMesh/internal/trust"
	"CognitiveMesh/sdk/go/meshclient"
)

func main() {
	g, err := graph.New()
	if err != nil {
		log.Fatalf("graph: %v", err)
	}
	engine, err := trust.NewEngine(g)
	if err != nil {
		log.Fatalf("trust: %v", err)
	}
	coordinator, err := mesh.New(g, engine)
	if err != nil {
		log.Fatalf("mesh: %v", err)
	}

	srv := httptest.NewServer(api.NewServer(":0", coordinator).Handler())
	defer srv.Close()

	client, err := meshclient.NewClient(srv.URL, srv.Client())
	if err != nil {
		log.Fatalf("client: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	planner, err := client.RegisterAgent(ctx, meshclient.AgentSpec{Name: "planner", Chain: "ethereum", Capabilities: []string{"plan"}})
	if err != nil {
		log.Fatalf("register planner: %v", err)
	}
	executor, err := client.RegisterAgent(ctx, meshclient.AgentSpec{Name: "executor", Chain: "polygon", Capabilities: []string{"execute"}})
	if err != nil {
		log.Fatalf("register executor: %v", err)
	}

	pathway, err := client.EstablishPathway(ctx, meshclient.PathwaySpec{SourceID: planner.ID, TargetID: executor.ID})
	if err != nil {
		log.Fatalf("establish pathway: %v", err)
	}
	for range 3 {
		if _, err := client.RecordUsage(ctx, pathway.ID, true); err != nil {
			log.Fatalf("record usage: %v", err)
		}
	}

	conns, err := client.FindConnections(ctx, planner.ID, 2, 0)
	if err != nil {
		log.Fatalf("connections: %v", err)
	}
	for _, c := range conns {
		fmt.Printf("reachable %s at depth %d via %s (strength %.2f)\n", c.AgentID, c.Depth, c.PathwayID, c.Strength)
	}

	updated, err := client.GetAgent(ctx, executor.ID)
	if err != nil {
		log.Fatalf("get agent: %v", err)
	}
	fmt.Printf("executor trust %.3f (%s)\n", updated.TrustScore, updated.TrustTier)
}
