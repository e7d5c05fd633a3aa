package identity

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"

	"github.com/relabs-tech/devicemanager/core/tablestore"
)

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	r := New(tablestore.NewMemory(TableName))

	added, err := r.Add(ctx, "dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if !added.Enabled() {
		t.Fatal("new identities are enabled")
	}
	key, err := base64.StdEncoding.DecodeString(added.PrimaryKey)
	if err != nil || len(key) != 32 {
		t.Fatal("primary key is not a base64 256 bit key")
	}
	if added.PrimaryKey == added.SecondaryKey {
		t.Fatal("keys must differ")
	}

	if _, err := r.Add(ctx, "dev-1"); !errors.Is(err, ErrExists) {
		t.Fatal("expected ErrExists, got", err)
	}

	keys, err := r.Keys(ctx, "dev-1")
	if err != nil || keys.PrimaryKey != added.PrimaryKey {
		t.Fatal("keys mismatch", err)
	}

	if _, ok := r.Authenticate(ctx, "dev-1", added.SecondaryKey); !ok {
		t.Fatal("secondary key must authenticate")
	}
	if _, ok := r.Authenticate(ctx, "dev-1", "wrong"); ok {
		t.Fatal("wrong key authenticated")
	}

	disabled, err := r.SetStatus(ctx, "dev-1", false)
	if err != nil || disabled.Enabled() {
		t.Fatal("could not disable", err)
	}
	if _, ok := r.Authenticate(ctx, "dev-1", added.PrimaryKey); ok {
		t.Fatal("disabled device authenticated")
	}

	if _, err := r.Add(ctx, "dev-2"); err != nil {
		t.Fatal(err)
	}
	all, err := r.List(ctx)
	if err != nil || len(all) != 2 || all[0].DeviceID != "dev-1" {
		t.Fatal("unexpected list", all, err)
	}

	removed, err := r.Remove(ctx, "dev-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.Get(ctx, "dev-1"); !errors.Is(err, ErrNotFound) {
		t.Fatal("expected ErrNotFound, got", err)
	}
	if _, err := r.Remove(ctx, "dev-1"); !errors.Is(err, ErrNotFound) {
		t.Fatal("expected ErrNotFound, got", err)
	}
	if _, err := r.SetStatus(ctx, "dev-1", true); !errors.Is(err, ErrNotFound) {
		t.Fatal("expected ErrNotFound, got", err)
	}

	// restore with the old keys
	restored, err := r.AddWithKeys(ctx, *removed)
	if err != nil {
		t.Fatal(err)
	}
	if restored.PrimaryKey != added.PrimaryKey || restored.Status != StatusDisabled {
		t.Fatal("restored identity differs")
	}
}
