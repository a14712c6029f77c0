package linkage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"testing"

	"github.com/opensource-finance/arachne/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() domain.LinkageConfig {
	return domain.DefaultConfig().Linkage
}

func deviceTx(id, person, device string) *domain.Transaction {
	return &domain.Transaction{ID: id, TenantID: "tenant-1", PersonID: person, DeviceID: device}
}

func TestBuilderSharedDevice(t *testing.T) {
	b := NewBuilder(testConfig(), testLogger())

	// Four people on one device: every pair gets a device count of 1.
	txs := []*domain.Transaction{
		deviceTx("t1", "p1", "d1"),
		deviceTx("t2", "p2", "d1"),
		deviceTx("t3", "p3", "d1"),
		deviceTx("t4", "p4", "d1"),
	}

	edges, err := b.Build(context.Background(), txs)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(edges) != 6 {
		t.Fatalf("expected 6 edges for 4-person group, got %d", len(edges))
	}
	for _, e := range edges {
		if e.SharedDevice != 1 {
			t.Errorf("edge %s-%s: expected SharedDevice=1, got %d", e.PersonA, e.PersonB, e.SharedDevice)
		}
		if e.Weight != 5 {
			t.Errorf("edge %s-%s: expected weight 5, got %d", e.PersonA, e.PersonB, e.Weight)
		}
		if e.PersonA >= e.PersonB {
			t.Errorf("edge %s-%s: endpoints not canonically ordered", e.PersonA, e.PersonB)
		}
	}
	if edges[0].PersonA != "p1" || edges[0].PersonB != "p2" {
		t.Errorf("expected first edge p1-p2, got %s-%s", edges[0].PersonA, edges[0].PersonB)
	}
}

func TestBuilderMultiCategory(t *testing.T) {
	b := NewBuilder(testConfig(), testLogger())

	// One pair sharing a device, an IP, and a card: weight is 5+2+6.
	txs := []*domain.Transaction{
		{ID: "t1", PersonID: "p1", DeviceID: "d1", IP: "10.0.0.1", CardHash: "c1"},
		{ID: "t2", PersonID: "p2", DeviceID: "d1", IP: "10.0.0.1", CardHash: "c1"},
	}

	edges, err := b.Build(context.Background(), txs)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("expected 1 edge, got %d", len(edges))
	}
	e := edges[0]
	if e.SharedDevice != 1 || e.SharedIP != 1 || e.SharedCard != 1 || e.SharedAddress != 0 {
		t.Errorf("unexpected counters: %+v", e)
	}
	if e.Weight != 13 {
		t.Errorf("expected weight 13, got %d", e.Weight)
	}
}

func TestBuilderCountsDistinctArtifactsOnce(t *testing.T) {
	b := NewBuilder(testConfig(), testLogger())

	// The pair hits device d1 repeatedly and d2 once each. Counts are per
	// distinct artifact, so SharedDevice is 2, not 4.
	txs := []*domain.Transaction{
		deviceTx("t1", "p1", "d1"),
		deviceTx("t2", "p1", "d1"),
		deviceTx("t3", "p2", "d1"),
		deviceTx("t4", "p2", "d1"),
		deviceTx("t5", "p1", "d2"),
		deviceTx("t6", "p2", "d2"),
	}

	edges, err := b.Build(context.Background(), txs)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("expected 1 edge, got %d", len(edges))
	}
	if edges[0].SharedDevice != 2 {
		t.Errorf("expected SharedDevice=2, got %d", edges[0].SharedDevice)
	}
	if edges[0].Weight != 10 {
		t.Errorf("expected weight 10, got %d", edges[0].Weight)
	}
}

func TestBuilderHubArtifactCap(t *testing.T) {
	cfg := testConfig()
	cfg.CapDevice = 3
	b := NewBuilder(cfg, testLogger())

	t.Run("group above cap is skipped", func(t *testing.T) {
		txs := []*domain.Transaction{
			deviceTx("t1", "p1", "hub"),
			deviceTx("t2", "p2", "hub"),
			deviceTx("t3", "p3", "hub"),
			deviceTx("t4", "p4", "hub"),
		}
		edges, err := b.Build(context.Background(), txs)
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		if len(edges) != 0 {
			t.Errorf("expected hub device to be skipped, got %d edges", len(edges))
		}
	})

	t.Run("group at cap still counts", func(t *testing.T) {
		txs := []*domain.Transaction{
			deviceTx("t1", "p1", "d1"),
			deviceTx("t2", "p2", "d1"),
			deviceTx("t3", "p3", "d1"),
		}
		edges, err := b.Build(context.Background(), txs)
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		if len(edges) != 3 {
			t.Errorf("expected 3 edges at cap, got %d", len(edges))
		}
	})
}

func TestBuilderIgnoresDegenerateGroups(t *testing.T) {
	b := NewBuilder(testConfig(), testLogger())

	txs := []*domain.Transaction{
		// Single person on a device: no pair to link.
		deviceTx("t1", "p1", "d1"),
		// No artifact at all.
		{ID: "t2", PersonID: "p2"},
		// Missing person id.
		{ID: "t3", DeviceID: "d1"},
	}

	edges, err := b.Build(context.Background(), txs)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(edges) != 0 {
		t.Errorf("expected no edges, got %d", len(edges))
	}
}

func TestBuilderCardClique(t *testing.T) {
	b := NewBuilder(testConfig(), testLogger())

	// Six people on one card: 15 pairs, each at weight 6. None of them
	// reaches the default strong-link threshold on its own.
	txs := make([]*domain.Transaction, 0, 6)
	for i := 1; i <= 6; i++ {
		txs = append(txs, &domain.Transaction{
			ID:       fmt.Sprintf("t%d", i),
			PersonID: fmt.Sprintf("p%d", i),
			CardHash: "c1",
		})
	}

	edges, err := b.Build(context.Background(), txs)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(edges) != 15 {
		t.Fatalf("expected 15 edges for 6-person clique, got %d", len(edges))
	}
	for _, e := range edges {
		if e.Weight != 6 {
			t.Errorf("edge %s-%s: expected weight 6, got %d", e.PersonA, e.PersonB, e.Weight)
		}
	}

	links := NewFilter(testConfig().StrongLinkThreshold).Apply(edges)
	if len(links) != 0 {
		t.Errorf("expected no strong links from a single shared card, got %d", len(links))
	}
}

func TestBuilderOrderIndependence(t *testing.T) {
	b := NewBuilder(testConfig(), testLogger())

	txs := []*domain.Transaction{
		{ID: "t1", PersonID: "p3", DeviceID: "d1", IP: "10.0.0.1"},
		{ID: "t2", PersonID: "p1", DeviceID: "d1", CardHash: "c1"},
		{ID: "t3", PersonID: "p2", IP: "10.0.0.1", CardHash: "c1"},
		{ID: "t4", PersonID: "p1", AddressHash: "a1"},
		{ID: "t5", PersonID: "p3", AddressHash: "a1"},
	}

	forward, err := b.Build(context.Background(), txs)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	reversed := make([]*domain.Transaction, len(txs))
	for i, tx := range txs {
		reversed[len(txs)-1-i] = tx
	}
	backward, err := b.Build(context.Background(), reversed)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if !reflect.DeepEqual(forward, backward) {
		t.Errorf("edge set depends on transaction order:\nforward:  %+v\nbackward: %+v", forward, backward)
	}
}

func TestBuilderEmptyInput(t *testing.T) {
	b := NewBuilder(testConfig(), testLogger())

	edges, err := b.Build(context.Background(), nil)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(edges) != 0 {
		t.Errorf("expected empty edge set, got %d", len(edges))
	}
}

func TestBuilderCancelledContext(t *testing.T) {
	b := NewBuilder(testConfig(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := b.Build(ctx, []*domain.Transaction{deviceTx("t1", "p1", "d1")}); err == nil {
		t.Error("expected error from cancelled context")
	}
}
