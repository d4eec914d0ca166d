package overlay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// fuelPerKilobyte is the meter charge per KiB crossing the guest boundary.
const fuelPerKilobyte = 100

// WASMOverlay runs an overlay's processing function as a sandboxed
// WebAssembly module. Deny-by-default: no filesystem, no network, no env,
// no host clock or randomness. The guest reads a JSON invocation document
// on stdin and writes a JSON result object on stdout.
type WASMOverlay struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	name     string
}

// NewWASMOverlay compiles wasmBytes once; instances are created per
// invocation so guest state never leaks between calls. memoryLimitBytes
// caps the guest linear memory (0 means the runtime default).
func NewWASMOverlay(ctx context.Context, name string, wasmBytes []byte, memoryLimitBytes int64) (*WASMOverlay, error) {
	cfg := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if memoryLimitBytes > 0 {
		// wazero counts memory in 64KiB pages.
		pages := uint32(memoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		cfg = cfg.WithMemoryLimitPages(pages)
	}

	r := wazero.NewRuntimeWithConfig(ctx, cfg)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	compiled, err := r.CompileModule(ctx, wasmBytes)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("overlay: wasm %s compile: %w", name, err)
	}

	return &WASMOverlay{runtime: r, compiled: compiled, name: name}, nil
}

// guestInvocation is the JSON document the guest reads on stdin.
type guestInvocation struct {
	RunID         string                 `json:"run_id"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	Phase         string                 `json:"phase,omitempty"`
	ActorID       string                 `json:"actor_id"`
	Input         map[string]interface{} `json:"input"`
}

// Process marshals the invocation for the guest, runs one instance, and
// decodes its stdout. Guest compute is charged by boundary bytes since the
// meter cannot observe instructions inside the sandbox.
func (w *WASMOverlay) Process(ctx context.Context, inv *Invocation) (map[string]interface{}, error) {
	stdin, err := json.Marshal(guestInvocation{
		RunID:         inv.RunID,
		CorrelationID: inv.CorrelationID,
		Phase:         inv.Phase,
		ActorID:       inv.Actor.ActorID,
		Input:         inv.Input,
	})
	if err != nil {
		return nil, fmt.Errorf("overlay: wasm %s input encode: %w", w.name, err)
	}
	if err := w.charge(inv, len(stdin)); err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName(""). // anonymous, instances never collide
		WithStdin(bytes.NewReader(stdin)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithStartFunctions("_start")

	mod, err := w.runtime.InstantiateModule(ctx, w.compiled, modCfg)
	if mod != nil {
		defer func() { _ = mod.Close(ctx) }()
	}
	if err != nil {
		var exit *sys.ExitError
		if errors.As(err, &exit) && exit.ExitCode() == 0 {
			// _start exiting 0 is a normal completion.
		} else {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("overlay: wasm %s cancelled: %w", w.name, ctx.Err())
			}
			return nil, fmt.Errorf("overlay: wasm %s trapped: %w (stderr: %s)", w.name, err, stderr.String())
		}
	}

	if err := w.charge(inv, stdout.Len()); err != nil {
		return nil, err
	}
	if err := inv.Meter.RecordMemory(int64(stdout.Len() + len(stdin))); err != nil {
		return nil, err
	}

	var output map[string]interface{}
	if stdout.Len() > 0 {
		if err := json.Unmarshal(stdout.Bytes(), &output); err != nil {
			return nil, fmt.Errorf("overlay: wasm %s produced non-JSON output: %w", w.name, err)
		}
	}
	return output, nil
}

func (w *WASMOverlay) charge(inv *Invocation, n int) error {
	units := uint64(n/1024+1) * fuelPerKilobyte
	if err := inv.Meter.Charge(units); err != nil {
		return err
	}
	return inv.Meter.CheckTime()
}

// Close releases the runtime. The overlay must be retired first.
func (w *WASMOverlay) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return w.runtime.Close(ctx)
}
