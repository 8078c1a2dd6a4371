package discovery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"

	"github.com/dcap-x-project/dcap-commerce/config"
	"github.com/dcap-x-project/dcap-commerce/types"
)

func newTestService(t *testing.T) (*Client, *Registry) {
	t.Helper()
	registry := NewRegistry()
	mux := http.NewServeMux()
	NewServer(registry).Routes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)

	client := NewClient(config.DiscoveryConfig{URL: ts.URL, TimeoutSeconds: 2})
	return client, registry
}

// TestClientRegisterAndSearch tests the HTTP round trip end to end
func TestClientRegisterAndSearch(t *testing.T) {
	client, _ := newTestService(t)
	ctx := context.Background()

	info, err := client.Register(ctx, sellerRequest("tools-co", []types.Product{{ID: "prod-1", Category: "tools"}}, nil))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if info.Name != "tools-co" {
		t.Errorf("Expected registered name back, got %s", info.Name)
	}

	resp, err := client.Search(ctx, &SearchRequest{Category: "tools"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if resp.TotalCount != 1 {
		t.Errorf("Expected one seller, got %d", resp.TotalCount)
	}

	got, err := client.Agent(ctx, info.ID)
	if err != nil {
		t.Fatalf("agent: %v", err)
	}
	if got.ID != info.ID {
		t.Errorf("Expected agent %s, got %s", info.ID, got.ID)
	}
}

// TestClientMapsErrorKinds tests typed error reconstruction from responses
func TestClientMapsErrorKinds(t *testing.T) {
	client, _ := newTestService(t)
	ctx := context.Background()

	if _, err := client.Agent(ctx, uuid.New()); !types.IsNotFound(err) {
		t.Errorf("Expected not-found from remote, got %v", err)
	}

	bad := sellerRequest("", nil, nil)
	if _, err := client.Register(ctx, bad); !types.IsValidation(err) {
		t.Errorf("Expected validation error from remote, got %v", err)
	}
}

// TestClientNetworkFailureIsTransient tests the generic transient mapping
func TestClientNetworkFailureIsTransient(t *testing.T) {
	client := NewClient(config.DiscoveryConfig{URL: "http://127.0.0.1:1", TimeoutSeconds: 1})
	if _, err := client.Search(context.Background(), &SearchRequest{}); !types.IsTransient(err) {
		t.Errorf("Expected transient error for unreachable service, got %v", err)
	}
}
