package web3

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadChainDefinitions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chains.yaml")
	content := `chains:
  sepolia:
    type: evm
    rpc_url: https://rpc.sepolia.example
    ws_url: wss://ws.sepolia.example
    chain_id: 11155111
    description: test network
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write chains: %v", err)
	}

	defs, err := LoadChainDefinitions(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	chain, ok := defs.Chains["sepolia"]
	if !ok {
		t.Fatalf("expected sepolia chain, got %+v", defs.Chains)
	}
	if chain.ChainID != 11155111 || chain.WSURL != "wss://ws.sepolia.example" {
		t.Fatalf("unexpected chain definition %+v", chain)
	}
}

func TestLoadChainDefinitionsEmptyPath(t *testing.T) {
	defs, err := LoadChainDefinitions("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if defs.Chains == nil || len(defs.Chains) != 0 {
		t.Fatalf("expected empty definitions, got %+v", defs)
	}
}

func TestLoadChainDefinitionsRequiresRPC(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	if err := os.WriteFile(path, []byte("chains:\n  broken:\n    type: evm\n"), 0o600); err != nil {
		t.Fatalf("write chains: %v", err)
	}
	if _, err := LoadChainDefinitions(path); err == nil {
		t.Fatal("expected error for chain without rpc_url")
	}
}
