package ensemble

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/tetratelabs/wazero"

	"shadowwall/pkg/features"
)

// WasmModel runs an operator-supplied scoring module in a sandboxed WASM
// runtime with no host imports, so plugins stay pure. ABI: the vector JSON is
// written at memory offset 0, the exported function is called with its
// length, and the returned u64 packs (ptr<<32 | len) of a JSON reply
// {"score":…,"confidence":…}.
type WasmModel struct {
	moduleBytes []byte
	funcName    string
}

// NewWasmModel loads the module bytes once at construction; a missing or
// empty file fails startup rather than every assessment.
func NewWasmModel(path, funcName string) (*WasmModel, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wasm module: %w", err)
	}
	if len(raw) == 0 {
		return nil, errors.New("wasm module is empty")
	}
	if funcName == "" {
		funcName = "evaluate"
	}
	return &WasmModel{moduleBytes: raw, funcName: funcName}, nil
}

func (m *WasmModel) Name() string { return "wasm" }

type wasmVerdict struct {
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
}

func (m *WasmModel) Evaluate(ctx context.Context, v *features.Vector) (float64, float64, error) {
	input, err := json.Marshal(v)
	if err != nil {
		return 0, 0, err
	}

	rt := wazero.NewRuntime(ctx)
	defer rt.Close(ctx)

	mod, err := rt.Instantiate(ctx, m.moduleBytes)
	if err != nil {
		return 0, 0, fmt.Errorf("instantiate: %w", err)
	}
	fn := mod.ExportedFunction(m.funcName)
	if fn == nil {
		return 0, 0, fmt.Errorf("exported function not found: %s", m.funcName)
	}
	mem := mod.Memory()
	if mem == nil {
		return 0, 0, errors.New("module exports no memory")
	}
	if ok := mem.Write(0, input); !ok {
		return 0, 0, errors.New("input larger than module memory")
	}
	res, err := fn.Call(ctx, uint64(len(input)))
	if err != nil {
		return 0, 0, err
	}
	if len(res) == 0 {
		return 0, 0, errors.New("no result from module")
	}
	ptr := uint32(res[0] >> 32)
	ln := uint32(res[0] & 0xffffffff)
	out, ok := mem.Read(ptr, ln)
	if !ok {
		return 0, 0, errors.New("result pointer out of range")
	}
	var verdict wasmVerdict
	if err := json.Unmarshal(out, &verdict); err != nil {
		return 0, 0, fmt.Errorf("decode verdict: %w", err)
	}
	return verdict.Score, verdict.Confidence, nil
}
