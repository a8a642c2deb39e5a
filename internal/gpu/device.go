//go:build !nogpu

package gpu

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	// Import Vulkan backend so it registers via init().
	_ "github.com/gogpu/wgpu/hal/vulkan"

	"github.com/gogpu/flut/wire"
)

// fenceTimeout bounds how long a single encode may occupy the device.
const fenceTimeout = 5 * time.Second

// shader fill modes, must match fillShaderSource.
const (
	fillModeHex6 = 0
	fillModeHex8 = 1
	fillModeRaw  = 2
)

// lane is one independent set of per-encode device buffers. With as many
// lanes as slots, encodes for different slots overlap on the GPU queue.
type lane struct {
	pixels  hal.Buffer
	out     hal.Buffer
	staging hal.Buffer
	bind    hal.BindGroup
}

// device owns the hal instance and the fill pipeline.
type device struct {
	// mu serializes queue access; fence waits happen outside it.
	mu sync.Mutex

	instance hal.Instance
	dev      hal.Device
	queue    hal.Queue

	shader     hal.ShaderModule
	bindLayout hal.BindGroupLayout
	pipeLayout hal.PipelineLayout
	pipeline   hal.ComputePipeline

	params   hal.Buffer
	template hal.Buffer
	fieldOff hal.Buffer

	lanes chan *lane
	all   []*lane

	tpl     *wire.Template
	outSize uint64 // template size rounded up to a word multiple
}

// fillMode maps the template grammar to a shader mode.
func fillMode(g wire.Grammar) (uint32, error) {
	switch g {
	case wire.ASCII:
		return fillModeHex6, nil
	case wire.ASCIIAlpha:
		return fillModeHex8, nil
	case wire.Binary:
		return fillModeRaw, nil
	default:
		return 0, fmt.Errorf("%w: %v", wire.ErrUnknownGrammar, g)
	}
}

// openDevice opens the adapter selected by cfg and builds the fill pipeline
// plus cfg.Lanes sets of per-encode buffers.
func openDevice(tpl *wire.Template, cfg Config) (*device, error) {
	mode, err := fillMode(tpl.Grammar)
	if err != nil {
		return nil, err
	}

	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("vulkan backend not available")
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("create instance: %w", err)
	}

	d := &device{
		instance: instance,
		tpl:      tpl,
		outSize:  (uint64(tpl.Size()) + 3) &^ 3,
	}

	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		d.close()
		return nil, fmt.Errorf("no GPU adapters found")
	}
	selected := pickAdapter(adapters, cfg.AdapterIndex)

	openDev, err := selected.Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		d.close()
		return nil, fmt.Errorf("open device: %w", err)
	}
	d.dev = openDev.Device
	d.queue = openDev.Queue

	if err := d.createPipeline(); err != nil {
		d.close()
		return nil, err
	}
	if err := d.createStaticBuffers(mode); err != nil {
		d.close()
		return nil, err
	}
	if err := d.createLanes(cfg.Lanes); err != nil {
		d.close()
		return nil, err
	}

	logger().Info("gpu encoder ready",
		"adapter", selected.Info.Name,
		"lanes", cfg.Lanes,
		"chunk_bytes", tpl.Size())
	return d, nil
}

// pickAdapter prefers the indexed adapter, then discrete or integrated GPUs.
func pickAdapter(adapters []hal.ExposedAdapter, index int) *hal.ExposedAdapter {
	if index >= 0 && index < len(adapters) {
		return &adapters[index]
	}
	for i := range adapters {
		if adapters[i].Info.DeviceType == gputypes.DeviceTypeDiscreteGPU ||
			adapters[i].Info.DeviceType == gputypes.DeviceTypeIntegratedGPU {
			return &adapters[i]
		}
	}
	return &adapters[0]
}

// ListAdapters returns the names of available GPU adapters.
func ListAdapters() ([]string, error) {
	backend, ok := hal.GetBackend(gputypes.BackendVulkan)
	if !ok {
		return nil, fmt.Errorf("gpu: vulkan backend not available")
	}
	instance, err := backend.CreateInstance(&hal.InstanceDescriptor{Flags: 0})
	if err != nil {
		return nil, fmt.Errorf("gpu: create instance: %w", err)
	}
	defer instance.Destroy()

	adapters := instance.EnumerateAdapters(nil)
	names := make([]string, len(adapters))
	for i := range adapters {
		names[i] = adapters[i].Info.Name
	}
	return names, nil
}

func (d *device) createPipeline() error {
	shader, err := compileFillShader(d.dev)
	if err != nil {
		return err
	}
	d.shader = shader

	bindLayout, err := d.dev.CreateBindGroupLayout(&hal.BindGroupLayoutDescriptor{
		Label: "flut_fill_bind_layout",
		Entries: []gputypes.BindGroupLayoutEntry{
			{Binding: 0, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeUniform}},
			{Binding: 1, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage}},
			{Binding: 2, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeReadOnlyStorage}},
			{Binding: 3, Visibility: gputypes.ShaderStageCompute, Buffer: &gputypes.BufferBindingLayout{Type: gputypes.BufferBindingTypeStorage}},
		},
	})
	if err != nil {
		return fmt.Errorf("create bind group layout: %w", err)
	}
	d.bindLayout = bindLayout

	pipeLayout, err := d.dev.CreatePipelineLayout(&hal.PipelineLayoutDescriptor{
		Label:            "flut_fill_pipe_layout",
		BindGroupLayouts: []hal.BindGroupLayout{d.bindLayout},
	})
	if err != nil {
		return fmt.Errorf("create pipeline layout: %w", err)
	}
	d.pipeLayout = pipeLayout

	pipeline, err := d.dev.CreateComputePipeline(&hal.ComputePipelineDescriptor{
		Label:   "flut_fill_pipeline",
		Layout:  d.pipeLayout,
		Compute: hal.ComputeState{Module: d.shader, EntryPoint: "main"},
	})
	if err != nil {
		return fmt.Errorf("create compute pipeline: %w", err)
	}
	d.pipeline = pipeline
	return nil
}

// createStaticBuffers uploads the frame-invariant data: fill params, the
// command template, and the color field offset table.
func (d *device) createStaticBuffers(mode uint32) error {
	params := make([]byte, 16)
	binary.LittleEndian.PutUint32(params[0:], uint32(d.tpl.Width*d.tpl.Height))
	binary.LittleEndian.PutUint32(params[4:], mode)

	paramsBuf, err := d.dev.CreateBuffer(&hal.BufferDescriptor{
		Label: "flut_params", Size: uint64(len(params)),
		Usage: gputypes.BufferUsageUniform | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("create params buffer: %w", err)
	}
	d.params = paramsBuf
	d.queue.WriteBuffer(paramsBuf, 0, params)

	tplBytes := make([]byte, d.outSize)
	copy(tplBytes, d.tpl.Buf)
	tplBuf, err := d.dev.CreateBuffer(&hal.BufferDescriptor{
		Label: "flut_template", Size: d.outSize,
		Usage: gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("create template buffer: %w", err)
	}
	d.template = tplBuf
	d.queue.WriteBuffer(tplBuf, 0, tplBytes)

	offBytes := make([]byte, len(d.tpl.FieldOff)*4)
	for i, off := range d.tpl.FieldOff {
		binary.LittleEndian.PutUint32(offBytes[i*4:], off)
	}
	offBuf, err := d.dev.CreateBuffer(&hal.BufferDescriptor{
		Label: "flut_field_off", Size: uint64(len(offBytes)),
		Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
	})
	if err != nil {
		return fmt.Errorf("create field offset buffer: %w", err)
	}
	d.fieldOff = offBuf
	d.queue.WriteBuffer(offBuf, 0, offBytes)

	return nil
}

// createLanes builds n independent per-encode buffer sets.
func (d *device) createLanes(n int) error {
	pixSize := uint64(d.tpl.Width * d.tpl.Height * 4)
	d.lanes = make(chan *lane, n)
	for i := 0; i < n; i++ {
		pixels, err := d.dev.CreateBuffer(&hal.BufferDescriptor{
			Label: "flut_pixels", Size: pixSize,
			Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopyDst,
		})
		if err != nil {
			return fmt.Errorf("create pixel buffer %d: %w", i, err)
		}
		out, err := d.dev.CreateBuffer(&hal.BufferDescriptor{
			Label: "flut_out", Size: d.outSize,
			Usage: gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst,
		})
		if err != nil {
			return fmt.Errorf("create out buffer %d: %w", i, err)
		}
		staging, err := d.dev.CreateBuffer(&hal.BufferDescriptor{
			Label: "flut_staging", Size: d.outSize,
			Usage: gputypes.BufferUsageMapRead | gputypes.BufferUsageCopyDst,
		})
		if err != nil {
			return fmt.Errorf("create staging buffer %d: %w", i, err)
		}
		bind, err := d.dev.CreateBindGroup(&hal.BindGroupDescriptor{
			Label:  "flut_fill_bind",
			Layout: d.bindLayout,
			Entries: []gputypes.BindGroupEntry{
				{Binding: 0, Resource: gputypes.BufferBinding{Buffer: d.params.NativeHandle(), Offset: 0, Size: 16}},
				{Binding: 1, Resource: gputypes.BufferBinding{Buffer: pixels.NativeHandle(), Offset: 0, Size: pixSize}},
				{Binding: 2, Resource: gputypes.BufferBinding{Buffer: d.fieldOff.NativeHandle(), Offset: 0, Size: uint64(len(d.tpl.FieldOff) * 4)}},
				{Binding: 3, Resource: gputypes.BufferBinding{Buffer: out.NativeHandle(), Offset: 0, Size: d.outSize}},
			},
		})
		if err != nil {
			return fmt.Errorf("create bind group %d: %w", i, err)
		}
		l := &lane{pixels: pixels, out: out, staging: staging, bind: bind}
		d.all = append(d.all, l)
		d.lanes <- l
	}
	return nil
}

// dispatch encodes one frame on the GPU: upload pixels, reset the output
// from the template, run the fill kernel, and read the result back into dst
// once the fence signals. Returns after the work is queued; op completes
// asynchronously.
func (d *device) dispatch(pix, dst []byte, op *Op) error {
	l := <-d.lanes

	d.mu.Lock()
	fence, err := d.submitLocked(l, pix)
	d.mu.Unlock()
	if err != nil {
		d.lanes <- l
		return err
	}

	go func() {
		err := d.await(fence, l, dst)
		d.lanes <- l
		if err != nil {
			op.finish(0, err)
			return
		}
		op.finish(d.tpl.Size(), nil)
	}()
	return nil
}

// submitLocked records and submits the encode commands. Caller holds d.mu.
func (d *device) submitLocked(l *lane, pix []byte) (hal.Fence, error) {
	d.queue.WriteBuffer(l.pixels, 0, pix)

	encoder, err := d.dev.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: "flut_encode"})
	if err != nil {
		return nil, fmt.Errorf("create command encoder: %w", err)
	}
	if err := encoder.BeginEncoding("flut_encode"); err != nil {
		return nil, fmt.Errorf("begin encoding: %w", err)
	}

	// Reset the output to the template (color fields zeroed) before the
	// kernel ORs the digits in.
	encoder.CopyBufferToBuffer(d.template, l.out, []hal.BufferCopy{
		{SrcOffset: 0, DstOffset: 0, Size: d.outSize},
	})

	pass := encoder.BeginComputePass(&hal.ComputePassDescriptor{Label: "flut_fill"})
	pass.SetPipeline(d.pipeline)
	pass.SetBindGroup(0, l.bind, nil)
	groups := (uint32(d.tpl.Width*d.tpl.Height) + 63) / 64
	pass.Dispatch(groups, 1, 1)
	pass.End()

	encoder.CopyBufferToBuffer(l.out, l.staging, []hal.BufferCopy{
		{SrcOffset: 0, DstOffset: 0, Size: d.outSize},
	})

	cmdBuf, err := encoder.EndEncoding()
	if err != nil {
		return nil, fmt.Errorf("end encoding: %w", err)
	}
	defer d.dev.FreeCommandBuffer(cmdBuf)

	fence, err := d.dev.CreateFence()
	if err != nil {
		return nil, fmt.Errorf("create fence: %w", err)
	}
	if err := d.queue.Submit([]hal.CommandBuffer{cmdBuf}, fence, 1); err != nil {
		d.dev.DestroyFence(fence)
		return nil, fmt.Errorf("submit: %w", err)
	}
	return fence, nil
}

// await blocks on the fence and reads the encoded chunk back into dst.
func (d *device) await(fence hal.Fence, l *lane, dst []byte) error {
	ok, err := d.dev.Wait(fence, 1, fenceTimeout)
	d.mu.Lock()
	d.dev.DestroyFence(fence)
	if err != nil {
		d.mu.Unlock()
		return fmt.Errorf("wait for GPU: %w", err)
	}
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("wait for GPU: fence timeout after %v", fenceTimeout)
	}
	err = d.queue.ReadBuffer(l.staging, 0, dst[:d.tpl.Size()])
	d.mu.Unlock()
	if err != nil {
		return fmt.Errorf("readback: %w", err)
	}
	return nil
}

// close destroys all device resources in reverse creation order.
func (d *device) close() {
	if d.dev != nil {
		for _, l := range d.all {
			if l.bind != nil {
				d.dev.DestroyBindGroup(l.bind)
			}
			if l.staging != nil {
				d.dev.DestroyBuffer(l.staging)
			}
			if l.out != nil {
				d.dev.DestroyBuffer(l.out)
			}
			if l.pixels != nil {
				d.dev.DestroyBuffer(l.pixels)
			}
		}
		if d.fieldOff != nil {
			d.dev.DestroyBuffer(d.fieldOff)
		}
		if d.template != nil {
			d.dev.DestroyBuffer(d.template)
		}
		if d.params != nil {
			d.dev.DestroyBuffer(d.params)
		}
		if d.pipeline != nil {
			d.dev.DestroyComputePipeline(d.pipeline)
		}
		if d.pipeLayout != nil {
			d.dev.DestroyPipelineLayout(d.pipeLayout)
		}
		if d.bindLayout != nil {
			d.dev.DestroyBindGroupLayout(d.bindLayout)
		}
		if d.shader != nil {
			d.dev.DestroyShaderModule(d.shader)
		}
		d.dev.Destroy()
		d.dev = nil
	}
	if d.instance != nil {
		d.instance.Destroy()
		d.instance = nil
	}
}
