package wasmtest

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

func TestLEB128(t *testing.T) {
	t.Parallel()

	unsigned := []struct {
		v    uint32
		want []byte
	}{
		{0, []byte{0x00}},
		{127, []byte{0x7f}},
		{128, []byte{0x80, 0x01}},
		{624485, []byte{0xe5, 0x8e, 0x26}},
	}
	for _, tc := range unsigned {
		if got := appendU32(nil, tc.v); !bytes.Equal(got, tc.want) {
			t.Errorf("appendU32(%d) = %x, want %x", tc.v, got, tc.want)
		}
	}

	signed := []struct {
		v    int64
		want []byte
	}{
		{0, []byte{0x00}},
		{63, []byte{0x3f}},
		{64, []byte{0xc0, 0x00}},
		{-1, []byte{0x7f}},
		{-123456, []byte{0xc0, 0xbb, 0x78}},
	}
	for _, tc := range signed {
		if got := appendS64(nil, tc.v); !bytes.Equal(got, tc.want) {
			t.Errorf("appendS64(%d) = %x, want %x", tc.v, got, tc.want)
		}
	}
}

func TestModuleRuns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	var calls [][]uint32
	_, err := rt.NewHostModuleBuilder("host").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, a, b int32) int32 {
			calls = append(calls, []uint32{uint32(a), uint32(b)})
			// write a "handle" for the next call to load
			m.Memory().WriteUint32Le(64, 7)
			return 0
		}).
		Export("record").
		NewFunctionBuilder().
		WithFunc(func(v int64) int32 { return int32(v) }).
		Export("wide").
		Instantiate(ctx)
	if err != nil {
		t.Fatalf("host module: %v", err)
	}

	m := New()
	record := m.ImportI32("host", "record", 2)
	wide := m.Import("host", "wide", []ValType{I64}, I32)
	m.String(16, "hello")
	m.Start(NewCode().
		Call(record, Const(1), Const(-1)).
		Call(record, Load(64), Load(16)).
		CallStore(128, wide, Const64(1<<40+5)))

	mod, err := rt.InstantiateWithConfig(ctx, m.Bytes(), wazero.NewModuleConfig().WithStartFunctions())
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	if _, err := mod.ExportedFunction("_start").Call(ctx); err != nil {
		t.Fatalf("_start: %v", err)
	}

	if len(calls) != 2 {
		t.Fatalf("got %d calls, want 2", len(calls))
	}
	if calls[0][0] != 1 || calls[0][1] != 0xffffffff {
		t.Errorf("first call args = %v", calls[0])
	}
	// "hell" as a little endian uint32
	if calls[1][0] != 7 || calls[1][1] != 0x6c6c6568 {
		t.Errorf("second call args = %#x", calls[1])
	}
	if v, _ := mod.Memory().ReadUint32Le(128); v != 5 {
		t.Errorf("stored result = %d, want 5", v)
	}
}

func TestUnreachableTraps(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	mod, err := rt.InstantiateWithConfig(ctx, New().Start(NewCode().Unreachable()).Bytes(), wazero.NewModuleConfig().WithStartFunctions())
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	if _, err := mod.ExportedFunction("_start").Call(ctx); err == nil {
		t.Fatal("expected a trap")
	}
}

func TestSpinStopsWithContext(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfig().WithCloseOnContextDone(true))
	defer rt.Close(ctx)

	mod, err := rt.InstantiateWithConfig(ctx, New().Start(NewCode().Spin()).Bytes(), wazero.NewModuleConfig().WithStartFunctions())
	if err != nil {
		t.Fatalf("instantiate: %v", err)
	}
	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := mod.ExportedFunction("_start").Call(short); err == nil {
		t.Fatal("a spinning function returned without error")
	}
}
