package main

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/elnosh/nutrecovery/cashu/nuts/nut02"
	"github.com/elnosh/nutrecovery/client"
	"github.com/elnosh/nutrecovery/testutils"
)

func testClient() *client.Client {
	return client.New(client.Options{Timeout: 5 * time.Second}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestMintKeyset(t *testing.T) {
	ctx := context.Background()
	mint := testutils.NewFakeMint(t, "recoveryctl", nil)
	mint.InactiveKeysets = []nut02.Keyset{{Id: "00aabbccddeeff11", Unit: "sat", Active: false}}
	mintClient := testClient()

	keyset, err := mintKeyset(ctx, mintClient, mint.URL, "")
	if err != nil {
		t.Fatalf("unexpected error getting active keyset: %v", err)
	}
	if keyset.Id != mint.Keyset.Id {
		t.Fatalf("expected keyset '%v' but got '%v'", mint.Keyset.Id, keyset.Id)
	}
	if len(keyset.Keys) == 0 {
		t.Fatal("expected keyset with keys")
	}

	keyset, err = mintKeyset(ctx, mintClient, mint.URL, mint.Keyset.Id)
	if err != nil {
		t.Fatalf("unexpected error getting keyset by id: %v", err)
	}
	if keyset.Id != mint.Keyset.Id {
		t.Fatalf("expected keyset '%v' but got '%v'", mint.Keyset.Id, keyset.Id)
	}

	_, err = mintKeyset(ctx, mintClient, mint.URL, "0011223344556677")
	if err == nil {
		t.Fatal("expected error for unknown keyset")
	}
	for _, expected := range []string{
		"keyset '0011223344556677' not found",
		mint.Keyset.Id + " (sat, active)",
		"00aabbccddeeff11 (sat, inactive)",
	} {
		if !strings.Contains(err.Error(), expected) {
			t.Fatalf("expected error to contain '%v' but got '%v'", expected, err)
		}
	}
}

func TestMintKeysetNoRestore(t *testing.T) {
	mint := testutils.NewFakeMint(t, "recoveryctl", nil)
	mint.NoRestore = true

	_, err := mintKeyset(context.Background(), testClient(), mint.URL, "")
	if err == nil {
		t.Fatal("expected error for mint without restore support")
	}
	if !strings.Contains(err.Error(), "does not support restoring") {
		t.Fatalf("unexpected error: %v", err)
	}
	if restores := mint.Restores(); len(restores) != 0 {
		t.Fatalf("expected no restore requests but got %v", len(restores))
	}
}
