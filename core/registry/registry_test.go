package registry

import (
	"context"
	"testing"
	"time"

	"github.com/relabs-tech/devicemanager/core/tablestore"
)

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	r := New(tablestore.NewMemory(TableName))

	type foo struct {
		A string
		B string
	}

	write := foo{
		A: "Hello",
		B: "World",
	}
	var read foo

	accessor := r.Accessor("settings")
	timestamp, err := accessor.Read(ctx, "foo", &read)
	if err != nil {
		t.Fatal(err)
	}
	if !timestamp.IsZero() {
		t.Fatal("unexpected timestamp for missing key")
	}

	before := time.Now().Add(-time.Second)
	if err = accessor.Write(ctx, "foo", &write); err != nil {
		t.Fatal(err)
	}
	// writing twice overwrites
	write.B = "Registry"
	if err = accessor.Write(ctx, "foo", &write); err != nil {
		t.Fatal(err)
	}

	timestamp, err = accessor.Read(ctx, "foo", &read)
	if err != nil {
		t.Fatal(err)
	}
	if read != write {
		t.Fatalf("read %v, expected %v", read, write)
	}
	if timestamp.Before(before) {
		t.Fatal("timestamp too old")
	}

	// other prefixes do not see the key
	other := r.Accessor("other")
	var none foo
	timestamp, _ = other.Read(ctx, "foo", &none)
	if !timestamp.IsZero() || none.A != "" {
		t.Fatal("prefix leaked")
	}

	keys, err := accessor.Keys(ctx)
	if err != nil || len(keys) != 1 || keys[0] != "foo" {
		t.Fatalf("unexpected keys %v %v", keys, err)
	}

	if err = accessor.Delete(ctx, "foo"); err != nil {
		t.Fatal(err)
	}
	if err = accessor.Delete(ctx, "foo"); err != nil {
		t.Fatal("deleting a missing key must not fail:", err)
	}
	timestamp, _ = accessor.Read(ctx, "foo", &read)
	if !timestamp.IsZero() {
		t.Fatal("key still there after delete")
	}
}
